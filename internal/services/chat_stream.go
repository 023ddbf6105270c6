package services

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/google/uuid"
)

// defaultSystemPrompt frames every chat session. Kept here rather than in
// config because it is part of the product behavior, not deployment tuning.
const defaultSystemPrompt = "You are a drafting assistant for legal professionals. " +
	"Answer precisely, cite clause language when the user provides it, and flag " +
	"any point where you are uncertain rather than guessing. You do not give " +
	"legal advice; you help draft and analyze text."

// ChatMessage is one turn of model context.
type ChatMessage struct {
	Role    models.MessageRole `json:"role"`
	Content string             `json:"content"`
}

// ChatUsage is the provider-reported token consumption of one response.
type ChatUsage struct {
	PromptTokens     int64
	CompletionTokens int64
	TotalTokens      int64
}

// ChatStreamer produces an assistant response incrementally, calling onDelta
// for each content chunk. Implementations must return promptly once ctx is
// cancelled; cancellation is cooperative and checked between chunks.
type ChatStreamer interface {
	StreamChat(ctx context.Context, messages []ChatMessage, onDelta func(string) error) (*ChatUsage, error)
	Model() string
}

// Stream event types sent to the client.
const (
	EventTyping   = "typing"
	EventStream   = "stream"
	EventComplete = "complete"
	EventError    = "error"
)

// StreamEvent is one frame forwarded to the connected client. The transport
// layer decides the wire encoding.
type StreamEvent struct {
	Type     string `json:"type"`
	Content  string `json:"content,omitempty"`
	Message  string `json:"message,omitempty"`
	StreamID string `json:"stream_id,omitempty"`
}

// StreamSink delivers stream events to one connected client.
type StreamSink interface {
	Send(event StreamEvent) error
}

// streamSession is one in-flight response stream. done is closed only after
// the stream has fully unwound, including partial-content persistence.
type streamSession struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// StreamManager enforces at-most-one in-flight AI response stream per user.
// A new prompt cancels the previous stream and waits for it to unwind before
// starting, so a rapid double-send can never interleave two assistants'
// partial outputs in the transcript. Different users stream concurrently and
// independently.
type StreamManager struct {
	mu       sync.Mutex
	sessions map[string]*streamSession

	llm       ChatStreamer
	queue     MessageQueue
	billing   *BillingService
	charDelay time.Duration
}

func NewStreamManager(llm ChatStreamer, queue MessageQueue, billing *BillingService, charDelay time.Duration) *StreamManager {
	return &StreamManager{
		sessions:  make(map[string]*streamSession),
		llm:       llm,
		queue:     queue,
		billing:   billing,
		charDelay: charDelay,
	}
}

// HandlePrompt processes one chat turn: cancels and drains any in-flight
// stream for the user, queues the user message for persistence, and starts a
// new response stream in the background.
func (m *StreamManager) HandlePrompt(userID string, conversationID uint, prompt string, history []ChatMessage, sink StreamSink) {
	ctx, cancel := context.WithCancel(context.Background())
	sess := &streamSession{cancel: cancel, done: make(chan struct{})}

	// Install the new session and unseat the previous one in a single
	// critical section. Two concurrent prompts for the same user must never
	// both conclude nothing is running and stream side by side; whichever
	// swap lands second supersedes the first.
	m.mu.Lock()
	prev := m.sessions[userID]
	m.sessions[userID] = sess
	m.mu.Unlock()

	if prev != nil {
		// Await the previous stream so its partial response is persisted
		// before the new user message is queued; transcript order depends
		// on this.
		prev.cancel()
		<-prev.done
	}

	if conversationID != 0 && strings.TrimSpace(prompt) != "" {
		if err := m.queue.Enqueue(&QueuedMessage{
			ConversationID: conversationID,
			Role:           models.RoleUser,
			Content:        prompt,
			UserID:         userID,
		}); err != nil {
			logger.Warn().Err(err).Str("user_id", userID).Msg("failed to queue user message")
		}
	}

	messages := buildChatContext(history, prompt)

	go m.runStream(ctx, sess, userID, conversationID, messages, sink)
}

// CancelCurrent cancels the user's in-flight stream, if any, and blocks until
// it has fully unwound (including partial-content persistence).
func (m *StreamManager) CancelCurrent(userID string) {
	m.mu.Lock()
	sess := m.sessions[userID]
	m.mu.Unlock()

	if sess == nil {
		return
	}
	sess.cancel()
	<-sess.done
}

// OnDisconnect must be called on every connection-loss path; it drains the
// stream the same way a superseding prompt does.
func (m *StreamManager) OnDisconnect(userID string) {
	m.CancelCurrent(userID)
}

// AwaitCurrent blocks until the user's in-flight stream finishes on its own.
// Unlike CancelCurrent it does not interrupt generation; the synchronous chat
// endpoint uses it to turn the streaming pipeline into a blocking call.
func (m *StreamManager) AwaitCurrent(userID string) {
	m.mu.Lock()
	sess := m.sessions[userID]
	m.mu.Unlock()

	if sess != nil {
		<-sess.done
	}
}

// ActiveStreams returns the number of users with an in-flight stream.
func (m *StreamManager) ActiveStreams() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *StreamManager) clearSession(userID string, sess *streamSession) {
	m.mu.Lock()
	if m.sessions[userID] == sess {
		delete(m.sessions, userID)
	}
	m.mu.Unlock()
}

// buildChatContext assembles the model context: system prompt, prior
// conversation history, then the current prompt (unless the history already
// ends with it).
func buildChatContext(history []ChatMessage, prompt string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(history)+2)
	messages = append(messages, ChatMessage{Role: models.RoleSystem, Content: defaultSystemPrompt})
	messages = append(messages, history...)

	if n := len(messages); n > 0 {
		last := messages[n-1]
		if last.Role == models.RoleUser && last.Content == prompt {
			return messages
		}
	}
	return append(messages, ChatMessage{Role: models.RoleUser, Content: prompt})
}

// runStream executes one response stream to completion, cancellation or
// failure. It must never panic outward: the goroutine stays alive long enough
// to persist what was generated and close the session.
func (m *StreamManager) runStream(ctx context.Context, sess *streamSession, userID string, conversationID uint, messages []ChatMessage, sink StreamSink) {
	defer close(sess.done)
	defer m.clearSession(userID, sess)
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("user_id", userID).Msg("stream goroutine panic recovered")
		}
	}()

	// A superseding prompt may have cancelled this session before the
	// goroutine got scheduled; emit nothing in that case.
	if ctx.Err() != nil {
		return
	}

	startedAt := time.Now().UTC()
	streamID := uuid.NewString()
	var full strings.Builder

	m.send(sink, StreamEvent{Type: EventTyping, Message: "thinking", StreamID: streamID})

	usage, err := m.llm.StreamChat(ctx, messages, func(delta string) error {
		full.WriteString(delta)
		return m.forwardChunk(ctx, sink, streamID, delta)
	})

	if ctx.Err() != nil {
		// Cancelled by a superseding prompt or a disconnect. Persist the
		// partial response anchored at generation start so transcript order
		// survives; the client already guards against stale events.
		logger.Info().Str("user_id", userID).Str("stream_id", streamID).Msg("stream cancelled")
		m.persistAssistant(userID, conversationID, full.String(), startedAt)
		return
	}

	if err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("stream failed")
		m.send(sink, StreamEvent{Type: EventError, Message: "error getting AI response: " + err.Error(), StreamID: streamID})
		m.persistAssistant(userID, conversationID, full.String(), startedAt)
		return
	}

	m.send(sink, StreamEvent{Type: EventComplete, Message: full.String(), StreamID: streamID})
	m.persistAssistant(userID, conversationID, full.String(), startedAt)
	m.recordChatUsage(userID, usage, full.Len(), startedAt)
}

// forwardChunk sends one delta to the client character by character, pacing
// output with the configured delay. The in-flight character completes before
// a cancellation takes effect.
func (m *StreamManager) forwardChunk(ctx context.Context, sink StreamSink, streamID, delta string) error {
	for _, r := range delta {
		if err := sink.Send(StreamEvent{Type: EventStream, Content: string(r), StreamID: streamID}); err != nil {
			return err
		}
		if m.charDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.charDelay):
			}
		} else if err := ctx.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (m *StreamManager) persistAssistant(userID string, conversationID uint, content string, startedAt time.Time) {
	if conversationID == 0 || content == "" {
		return
	}
	if err := m.queue.Enqueue(&QueuedMessage{
		ConversationID: conversationID,
		Role:           models.RoleAssistant,
		Content:        content,
		UserID:         userID,
		ModelUsed:      m.llm.Model(),
		CreatedAt:      startedAt,
	}); err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to queue assistant message")
	}
}

// recordChatUsage charges the completed turn. When the provider did not
// report usage, tokens are estimated from the response length (4 chars per
// token), which is the same heuristic used for admission estimates.
func (m *StreamManager) recordChatUsage(userID string, usage *ChatUsage, responseChars int, startedAt time.Time) {
	if m.billing == nil {
		return
	}

	var total int64
	opts := UsageOptions{
		ModelUsed: m.llm.Model(),
		Status:    models.UsageStatusSuccess,
	}
	if usage != nil && usage.TotalTokens > 0 {
		total = usage.TotalTokens
		prompt, completion := usage.PromptTokens, usage.CompletionTokens
		opts.PromptTokens = &prompt
		opts.CompletionTokens = &completion
	} else {
		total = int64(responseChars / 4)
	}
	latency := time.Since(startedAt).Milliseconds()
	opts.LatencyMs = &latency

	if _, err := m.billing.RecordUsage(userID, models.FeatureChat, total, opts); err != nil {
		logger.Error().Err(err).Str("user_id", userID).Msg("failed to record chat usage")
	}
}

func (m *StreamManager) send(sink StreamSink, event StreamEvent) {
	if err := sink.Send(event); err != nil {
		logger.Debug().Err(err).Str("type", event.Type).Msg("stream event delivery failed")
	}
}
