package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/draftbridge/backend/internal/middleware"
	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/internal/services"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/draftbridge/backend/pkg/response"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// ChatHandler owns the chat surface: the WebSocket stream, the synchronous
// message endpoint, and conversation transcripts.
type ChatHandler struct {
	manager       *services.StreamManager
	conversations *services.ConversationService
	billing       *services.BillingService
	historyLimit  int
	upgrader      websocket.Upgrader
}

func NewChatHandler(manager *services.StreamManager, conversations *services.ConversationService, billing *services.BillingService, historyLimit int) *ChatHandler {
	return &ChatHandler{
		manager:       manager,
		conversations: conversations,
		billing:       billing,
		historyLimit:  historyLimit,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The browser client runs on a different origin; auth is the
			// bearer token, not the Origin header.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// wsFrame is one inbound client frame on the chat socket.
type wsFrame struct {
	Type           string `json:"type"`
	ConversationID uint   `json:"conversation_id,omitempty"`
	Message        string `json:"message,omitempty"`
}

// wsSink serializes stream event writes onto one WebSocket connection. The
// stream goroutine and the read loop's acks both write, so a mutex guards the
// connection.
type wsSink struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSink) Send(event services.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(event)
}

// StreamChat upgrades to a WebSocket and serves chat turns until the client
// disconnects. Every exit path drains the user's in-flight stream.
func (h *ChatHandler) StreamChat(c *gin.Context) {
	userID := middleware.UserID(c)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logger.Warn().Err(err).Str("user_id", userID).Msg("websocket upgrade failed")
		return
	}
	sink := &wsSink{conn: conn}

	defer conn.Close()
	defer h.manager.OnDisconnect(userID)

	logger.Info().Str("user_id", userID).Msg("chat socket connected")

	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logger.Warn().Err(err).Str("user_id", userID).Msg("chat socket closed unexpectedly")
			}
			return
		}

		switch frame.Type {
		case "chat":
			h.handleChatFrame(userID, &frame, sink)
		case "cancel":
			h.manager.CancelCurrent(userID)
			_ = sink.Send(services.StreamEvent{Type: "cancelled"})
		case "ping":
			_ = sink.Send(services.StreamEvent{Type: "pong"})
		default:
			_ = sink.Send(services.StreamEvent{Type: services.EventError, Message: "unknown frame type: " + frame.Type})
		}
	}
}

func (h *ChatHandler) handleChatFrame(userID string, frame *wsFrame, sink *wsSink) {
	prompt := strings.TrimSpace(frame.Message)
	if prompt == "" {
		_ = sink.Send(services.StreamEvent{Type: services.EventError, Message: "message is required"})
		return
	}

	// Admission runs per turn: the socket may stay open across a limit flip.
	check, err := h.billing.CheckLimit(userID, models.FeatureChat, int64(len(prompt)/4))
	if err != nil {
		_ = sink.Send(services.StreamEvent{Type: services.EventError, Message: "failed to check subscription"})
		return
	}
	if !check.Allowed {
		_ = sink.Send(services.StreamEvent{Type: services.EventError, Message: check.Message})
		return
	}

	conv, err := h.conversations.GetOrCreate(userID, frame.ConversationID, prompt)
	if err != nil {
		_ = sink.Send(services.StreamEvent{Type: services.EventError, Message: "conversation unavailable"})
		return
	}

	history, err := h.conversations.History(userID, conv.ID, h.historyLimit)
	if err != nil {
		logger.Error().Err(err).Uint("conversation_id", conv.ID).Msg("failed to load history")
		history = nil
	}

	_ = sink.Send(services.StreamEvent{Type: "accepted", Message: strconv.FormatUint(uint64(conv.ID), 10)})
	h.manager.HandlePrompt(userID, conv.ID, prompt, history, sink)
}

// collectSink aggregates a stream into a single response for the synchronous
// endpoint.
type collectSink struct {
	mu     sync.Mutex
	full   strings.Builder
	errMsg string
}

func (s *collectSink) Send(event services.StreamEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch event.Type {
	case services.EventStream:
		s.full.WriteString(event.Content)
	case services.EventError:
		s.errMsg = event.Message
	}
	return nil
}

type sendMessageRequest struct {
	ConversationID uint   `json:"conversation_id"`
	Message        string `json:"message" binding:"required"`
}

// SendMessage is the non-streaming chat endpoint. It runs the same pipeline
// as the socket (admission, persistence, billing) and blocks until the
// response is complete.
func (h *ChatHandler) SendMessage(c *gin.Context) {
	userID := middleware.UserID(c)

	var req sendMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "message is required")
		return
	}

	conv, err := h.conversations.GetOrCreate(userID, req.ConversationID, req.Message)
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, "conversation unavailable")
		return
	}

	history, err := h.conversations.History(userID, conv.ID, h.historyLimit)
	if err != nil {
		logger.Error().Err(err).Uint("conversation_id", conv.ID).Msg("failed to load history")
		history = nil
	}

	sink := &collectSink{}
	h.manager.HandlePrompt(userID, conv.ID, req.Message, history, sink)
	h.manager.AwaitCurrent(userID)

	if sink.errMsg != "" {
		response.ServerError(c, sink.errMsg)
		return
	}
	response.Success(c, gin.H{
		"conversation_id": conv.ID,
		"response":        sink.full.String(),
	})
}

// ChatStatus reports streaming activity, used by ops dashboards.
func (h *ChatHandler) ChatStatus(c *gin.Context) {
	response.Success(c, gin.H{
		"active_streams": h.manager.ActiveStreams(),
	})
}

// ListConversations returns the user's conversations.
func (h *ChatHandler) ListConversations(c *gin.Context) {
	userID := middleware.UserID(c)
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	convs, total, err := h.conversations.List(userID, offset, limit)
	if err != nil {
		response.ServerError(c, "failed to list conversations")
		return
	}
	response.Success(c, gin.H{
		"conversations": convs,
		"total":         total,
	})
}

// GetMessages returns one conversation's transcript.
func (h *ChatHandler) GetMessages(c *gin.Context) {
	userID := middleware.UserID(c)
	conversationID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid conversation id")
		return
	}

	msgs, err := h.conversations.Messages(userID, uint(conversationID))
	if err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, "failed to load messages")
		return
	}
	response.Success(c, gin.H{"messages": msgs})
}

// DeleteConversation removes a conversation and its transcript.
func (h *ChatHandler) DeleteConversation(c *gin.Context) {
	userID := middleware.UserID(c)
	conversationID, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		response.BadRequest(c, "invalid conversation id")
		return
	}

	if err := h.conversations.Delete(userID, uint(conversationID)); err != nil {
		if errors.Is(err, services.ErrConversationNotFound) {
			response.NotFound(c, "conversation not found")
			return
		}
		response.ServerError(c, "failed to delete conversation")
		return
	}
	response.Success(c, gin.H{"deleted": true})
}
