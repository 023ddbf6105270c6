package services

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/draftbridge/backend/internal/models"
	"gorm.io/gorm"
)

// ErrConversationNotFound marks access to a conversation that does not exist
// or belongs to another user.
var ErrConversationNotFound = errors.New("conversation not found")

// ConversationService owns conversation lifecycle and transcript reads.
// Writes of individual messages go through the message queue, not here.
type ConversationService struct {
	db *gorm.DB
}

func NewConversationService(db *gorm.DB) *ConversationService {
	return &ConversationService{db: db}
}

// GetOrCreate returns the user's conversation by id, or creates a fresh one
// when id is zero. Ownership is enforced: another user's id yields
// ErrConversationNotFound.
func (s *ConversationService) GetOrCreate(userID string, conversationID uint, firstPrompt string) (*models.Conversation, error) {
	if conversationID != 0 {
		var conv models.Conversation
		err := s.db.Where("id = ? AND user_id = ?", conversationID, userID).First(&conv).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrConversationNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("load conversation: %w", err)
		}
		return &conv, nil
	}

	conv := models.Conversation{
		UserID: userID,
		Title:  titleFromPrompt(firstPrompt),
	}
	if err := s.db.Create(&conv).Error; err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &conv, nil
}

// History returns the most recent messages of a conversation in chronological
// order, shaped as model context.
func (s *ConversationService) History(userID string, conversationID uint, limit int) ([]ChatMessage, error) {
	if limit <= 0 {
		limit = 24
	}

	var msgs []models.Message
	err := s.db.Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Order("created_at DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	// Query returned newest first; the model wants oldest first.
	history := make([]ChatMessage, len(msgs))
	for i, m := range msgs {
		history[len(msgs)-1-i] = ChatMessage{Role: m.Role, Content: m.Content}
	}
	return history, nil
}

// List returns the user's conversations, most recently updated first.
func (s *ConversationService) List(userID string, offset, limit int) ([]models.Conversation, int64, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	var total int64
	if err := s.db.Model(&models.Conversation{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var convs []models.Conversation
	err := s.db.Where("user_id = ?", userID).
		Order("updated_at DESC").
		Offset(offset).Limit(limit).
		Find(&convs).Error
	if err != nil {
		return nil, 0, err
	}
	return convs, total, nil
}

// Messages returns a conversation's full transcript in chronological order.
func (s *ConversationService) Messages(userID string, conversationID uint) ([]models.Message, error) {
	if _, err := s.GetOrCreate(userID, conversationID, ""); err != nil {
		return nil, err
	}

	var msgs []models.Message
	err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Find(&msgs).Error
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	return msgs, nil
}

// Delete soft-deletes a conversation and its messages.
func (s *ConversationService) Delete(userID string, conversationID uint) error {
	result := s.db.Where("id = ? AND user_id = ?", conversationID, userID).Delete(&models.Conversation{})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrConversationNotFound
	}
	return s.db.Where("conversation_id = ?", conversationID).Delete(&models.Message{}).Error
}

// titleFromPrompt derives a conversation title from its opening prompt.
func titleFromPrompt(prompt string) string {
	title := strings.TrimSpace(strings.Join(strings.Fields(prompt), " "))
	if title == "" {
		return "New conversation"
	}
	const maxTitle = 60
	if utf8.RuneCountInString(title) > maxTitle {
		runes := []rune(title)
		title = string(runes[:maxTitle]) + "..."
	}
	return title
}
