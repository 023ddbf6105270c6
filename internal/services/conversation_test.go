package services

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/draftbridge/backend/internal/models"
)

func seedMessage(t *testing.T, svc *ConversationService, convID uint, userID string, role models.MessageRole, content string, at time.Time) {
	t.Helper()
	msg := models.Message{
		ConversationID: convID,
		UserID:         userID,
		Role:           role,
		Content:        content,
	}
	msg.CreatedAt = at
	if err := svc.db.Create(&msg).Error; err != nil {
		t.Fatalf("seed message: %v", err)
	}
}

func TestGetOrCreate_NewConversation(t *testing.T) {
	svc := NewConversationService(newTestDB(t))

	conv, err := svc.GetOrCreate("user-1", 0, "Draft an NDA for a software vendor")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}
	if conv.ID == 0 {
		t.Fatal("new conversation has zero id")
	}
	if conv.Title != "Draft an NDA for a software vendor" {
		t.Errorf("title = %q", conv.Title)
	}

	again, err := svc.GetOrCreate("user-1", conv.ID, "ignored")
	if err != nil {
		t.Fatalf("GetOrCreate(existing) error = %v", err)
	}
	if again.ID != conv.ID {
		t.Errorf("lookup returned id %d, expected %d", again.ID, conv.ID)
	}
}

func TestGetOrCreate_EnforcesOwnership(t *testing.T) {
	svc := NewConversationService(newTestDB(t))

	conv, err := svc.GetOrCreate("user-1", 0, "hello")
	if err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	if _, err := svc.GetOrCreate("user-2", conv.ID, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("cross-user lookup error = %v, expected ErrConversationNotFound", err)
	}
	if _, err := svc.GetOrCreate("user-1", 9999, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("missing id error = %v, expected ErrConversationNotFound", err)
	}
}

func TestHistory_ChronologicalWindow(t *testing.T) {
	svc := NewConversationService(newTestDB(t))
	conv, _ := svc.GetOrCreate("user-1", 0, "start")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		seedMessage(t, svc, conv.ID, "user-1", role, fmt.Sprintf("msg-%d", i), base.Add(time.Duration(i)*time.Minute))
	}

	history, err := svc.History("user-1", conv.ID, 4)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 4 {
		t.Fatalf("len(history) = %d, expected the 4 most recent", len(history))
	}
	// Window keeps the newest messages but presents them oldest first.
	for i, want := range []string{"msg-2", "msg-3", "msg-4", "msg-5"} {
		if history[i].Content != want {
			t.Errorf("history[%d] = %q, expected %q", i, history[i].Content, want)
		}
	}
	if history[0].Role != "user" || history[1].Role != "assistant" {
		t.Errorf("roles not preserved: %q, %q", history[0].Role, history[1].Role)
	}
}

func TestHistory_EmptyConversation(t *testing.T) {
	svc := NewConversationService(newTestDB(t))
	conv, _ := svc.GetOrCreate("user-1", 0, "start")

	history, err := svc.History("user-1", conv.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("len(history) = %d, expected 0", len(history))
	}
}

func TestList_OrderAndCount(t *testing.T) {
	svc := NewConversationService(newTestDB(t))

	for i := 0; i < 3; i++ {
		if _, err := svc.GetOrCreate("user-1", 0, fmt.Sprintf("topic %d", i)); err != nil {
			t.Fatalf("GetOrCreate() error = %v", err)
		}
	}
	if _, err := svc.GetOrCreate("user-2", 0, "other user"); err != nil {
		t.Fatalf("GetOrCreate() error = %v", err)
	}

	convs, total, err := svc.List("user-1", 0, 10)
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if total != 3 || len(convs) != 3 {
		t.Errorf("total = %d, len = %d, expected 3 and 3", total, len(convs))
	}
	for _, c := range convs {
		if c.UserID != "user-1" {
			t.Errorf("listing leaked conversation of %q", c.UserID)
		}
	}
}

func TestMessages_FullTranscript(t *testing.T) {
	svc := NewConversationService(newTestDB(t))
	conv, _ := svc.GetOrCreate("user-1", 0, "start")

	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedMessage(t, svc, conv.ID, "user-1", models.RoleUser, "question", base)
	seedMessage(t, svc, conv.ID, "user-1", models.RoleAssistant, "answer", base.Add(time.Second))

	msgs, err := svc.Messages("user-1", conv.ID)
	if err != nil {
		t.Fatalf("Messages() error = %v", err)
	}
	if len(msgs) != 2 || msgs[0].Content != "question" || msgs[1].Content != "answer" {
		t.Errorf("transcript = %+v", msgs)
	}

	if _, err := svc.Messages("user-2", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("cross-user transcript error = %v", err)
	}
}

func TestDelete_RemovesConversationAndMessages(t *testing.T) {
	svc := NewConversationService(newTestDB(t))
	conv, _ := svc.GetOrCreate("user-1", 0, "start")
	seedMessage(t, svc, conv.ID, "user-1", models.RoleUser, "hello", time.Now())

	if err := svc.Delete("user-1", conv.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if _, err := svc.GetOrCreate("user-1", conv.ID, ""); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("deleted conversation still readable, err = %v", err)
	}

	history, err := svc.History("user-1", conv.ID, 0)
	if err != nil {
		t.Fatalf("History() error = %v", err)
	}
	if len(history) != 0 {
		t.Errorf("messages survived deletion: %d", len(history))
	}

	if err := svc.Delete("user-1", conv.ID); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("second delete error = %v, expected ErrConversationNotFound", err)
	}
	if err := svc.Delete("user-2", 12345); !errors.Is(err, ErrConversationNotFound) {
		t.Errorf("foreign delete error = %v, expected ErrConversationNotFound", err)
	}
}

func TestTitleFromPrompt(t *testing.T) {
	cases := []struct {
		prompt string
		want   string
	}{
		{"Review this indemnification clause", "Review this indemnification clause"},
		{"  spaced \n out\t words  ", "spaced out words"},
		{"", "New conversation"},
		{"   \n\t ", "New conversation"},
		{strings.Repeat("a", 80), strings.Repeat("a", 60) + "..."},
	}
	for _, tc := range cases {
		if got := titleFromPrompt(tc.prompt); got != tc.want {
			t.Errorf("titleFromPrompt(%q) = %q, expected %q", tc.prompt, got, tc.want)
		}
	}
}
