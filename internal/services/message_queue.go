package services

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/draftbridge/backend/internal/models"
	"github.com/draftbridge/backend/pkg/logger"
	"gorm.io/gorm"
)

// QueuedMessage is a chat message between enqueue and durable storage.
// CreatedAt may be earlier than enqueue time: the streaming manager anchors a
// cancelled partial response at its generation start so transcript order is
// preserved.
type QueuedMessage struct {
	ConversationID uint               `json:"conversation_id"`
	Role           models.MessageRole `json:"role"`
	Content        string             `json:"content"`
	UserID         string             `json:"user_id"`
	ModelUsed      string             `json:"model_used,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	RetryCount     int                `json:"retry_count"`
}

// MessageStore persists one chat message. Decoupled from gorm so queue tests
// can observe writes directly.
type MessageStore interface {
	SaveMessage(msg *QueuedMessage) error
}

// GormMessageStore writes queued messages to the messages table, preserving
// the queued CreatedAt.
type GormMessageStore struct {
	db *gorm.DB
}

func NewGormMessageStore(db *gorm.DB) *GormMessageStore {
	return &GormMessageStore{db: db}
}

func (s *GormMessageStore) SaveMessage(msg *QueuedMessage) error {
	record := models.Message{
		ConversationID: msg.ConversationID,
		UserID:         msg.UserID,
		Role:           msg.Role,
		Content:        msg.Content,
		ModelUsed:      msg.ModelUsed,
		CreatedAt:      msg.CreatedAt,
	}
	return s.db.Create(&record).Error
}

// QueueStats is the queue's operational snapshot.
type QueueStats struct {
	Queued  int64 `json:"messages_queued"`
	Saved   int64 `json:"messages_saved"`
	Failed  int64 `json:"messages_failed"`
	Depth   int   `json:"queue_size"`
	Running bool  `json:"is_running"`
}

const (
	messageQueueCapacity = 1024
	messageMaxRetries    = 3
)

var errQueueStopped = errors.New("message queue stopped")

// MemoryMessageQueue decouples "a message exists" from "a message is stored":
// enqueue is non-blocking so interactive latency never waits on a storage
// round-trip. A single background consumer writes messages in FIFO order with
// bounded retry; Stop drains everything still queued before returning, so an
// orderly shutdown never silently drops messages. This queue is per-process
// and lost on crash by design.
type MemoryMessageQueue struct {
	ch         chan *QueuedMessage
	store      MessageStore
	maxRetries int

	quit chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	running bool
	stopped bool

	queued int64
	saved  int64
	failed int64
}

func NewMemoryMessageQueue(store MessageStore) *MemoryMessageQueue {
	return &MemoryMessageQueue{
		ch:         make(chan *QueuedMessage, messageQueueCapacity),
		store:      store,
		maxRetries: messageMaxRetries,
		quit:       make(chan struct{}),
	}
}

// Enqueue appends a message for async persistence and returns immediately.
// A zero CreatedAt defaults to now. When the buffer is saturated the message
// is dropped and counted as failed; that is a durable-loss event and is
// logged accordingly.
func (q *MemoryMessageQueue) Enqueue(msg *QueuedMessage) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return errQueueStopped
	}
	q.mu.Unlock()

	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	select {
	case q.ch <- msg:
		atomic.AddInt64(&q.queued, 1)
		return nil
	default:
		atomic.AddInt64(&q.failed, 1)
		logger.Error().
			Uint("conversation_id", msg.ConversationID).
			Str("role", string(msg.Role)).
			Msg("message queue saturated, dropping message")
		return errors.New("message queue full")
	}
}

// Start launches the background consumer. Safe to call once.
func (q *MemoryMessageQueue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running || q.stopped {
		return
	}
	q.running = true
	q.wg.Add(1)
	go q.worker()
	logger.Info().Msg("message queue worker started")
}

func (q *MemoryMessageQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.quit:
			return
		case msg := <-q.ch:
			q.process(msg)
		}
	}
}

// process writes one message, re-queueing on failure up to maxRetries. A
// retried message goes to the tail, so it can land out of original order
// relative to later messages in the same conversation; that weak ordering is
// an accepted trade-off against head-of-line blocking.
func (q *MemoryMessageQueue) process(msg *QueuedMessage) {
	err := q.store.SaveMessage(msg)
	if err == nil {
		atomic.AddInt64(&q.saved, 1)
		return
	}

	if msg.RetryCount < q.maxRetries {
		msg.RetryCount++
		logger.Warn().Err(err).
			Int("attempt", msg.RetryCount).
			Uint("conversation_id", msg.ConversationID).
			Msg("message save failed, retrying")
		select {
		case q.ch <- msg:
		default:
			atomic.AddInt64(&q.failed, 1)
			logger.Error().Uint("conversation_id", msg.ConversationID).
				Msg("message queue saturated during retry, message lost")
		}
		return
	}

	atomic.AddInt64(&q.failed, 1)
	logger.Error().Err(err).
		Uint("conversation_id", msg.ConversationID).
		Str("role", string(msg.Role)).
		Int("retries", msg.RetryCount).
		Msg("message dropped after exhausting retries, content lost")
}

// Stop halts the consumer, then synchronously drains and persists every
// message still queued before returning. Only the retry-exhaustion path drops
// messages.
func (q *MemoryMessageQueue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	wasRunning := q.running
	q.running = false
	q.mu.Unlock()

	if wasRunning {
		close(q.quit)
		q.wg.Wait()
	}

	drained := 0
	for {
		select {
		case msg := <-q.ch:
			q.process(msg)
			drained++
		default:
			if drained > 0 {
				logger.Info().Int("count", drained).Msg("drained queued messages on shutdown")
			}
			logger.Info().Msg("message queue worker stopped")
			return
		}
	}
}

// Stats returns queue counters and current depth.
func (q *MemoryMessageQueue) Stats() QueueStats {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	return QueueStats{
		Queued:  atomic.LoadInt64(&q.queued),
		Saved:   atomic.LoadInt64(&q.saved),
		Failed:  atomic.LoadInt64(&q.failed),
		Depth:   len(q.ch),
		Running: running,
	}
}
