package services

import (
	"encoding/json"
	"sync"

	"github.com/draftbridge/backend/internal/config"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/hibiken/asynq"
)

const (
	TaskTypeMessageSave = "message:save"
)

// MessageQueue is the persistence queue contract shared by the in-process
// queue and the Redis-backed one.
type MessageQueue interface {
	// Enqueue adds a message for durable storage without blocking.
	Enqueue(msg *QueuedMessage) error
	// Start begins background processing.
	Start()
	// Stop shuts the queue down; the in-memory implementation drains first.
	Stop()
	// Stats exposes operational counters.
	Stats() QueueStats
}

// Global message queue instance
var (
	globalMessageQueue MessageQueue
	messageQueueOnce   sync.Once
)

// InitMessageQueue initializes the global message queue. With Redis enabled
// messages go through asynq so they survive process restarts; otherwise the
// in-process queue is used and durability is bounded by process lifetime.
func InitMessageQueue(cfg *config.Config, store MessageStore) MessageQueue {
	messageQueueOnce.Do(func() {
		if cfg.Redis.Enabled {
			queue, err := NewAsynqMessageQueue(&cfg.Redis)
			if err != nil {
				logger.Warnf("[MessageQueue] Redis unavailable, falling back to in-process queue: %v", err)
				globalMessageQueue = NewMemoryMessageQueue(store)
			} else {
				logger.Infof("[MessageQueue] asynq queue initialized with Redis at %s", cfg.Redis.Addr)
				globalMessageQueue = queue
			}
		} else {
			logger.Infof("[MessageQueue] in-process queue initialized (Redis disabled)")
			globalMessageQueue = NewMemoryMessageQueue(store)
		}
	})
	return globalMessageQueue
}

// GetMessageQueue returns the global message queue instance.
func GetMessageQueue() MessageQueue {
	return globalMessageQueue
}

// AsynqMessageQueue implements MessageQueue on asynq (Redis-based). Message
// writes are performed by the Worker; retry policy matches the in-process
// queue (3 attempts, then the task is parked by asynq).
type AsynqMessageQueue struct {
	client *asynq.Client

	queued int64
	mu     sync.Mutex
}

// NewAsynqMessageQueue creates a Redis-backed queue and verifies connectivity.
func NewAsynqMessageQueue(cfg *config.RedisConfig) (*AsynqMessageQueue, error) {
	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}

	return &AsynqMessageQueue{client: client}, nil
}

// Enqueue serializes the message into an asynq task.
func (q *AsynqMessageQueue) Enqueue(msg *QueuedMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t := asynq.NewTask(TaskTypeMessageSave, payload)
	info, err := q.client.Enqueue(t,
		asynq.Queue("default"),
		asynq.MaxRetry(messageMaxRetries),
	)
	if err != nil {
		return err
	}

	q.mu.Lock()
	q.queued++
	q.mu.Unlock()

	logger.Debugf("[MessageQueue] task enqueued: id=%s, queue=%s", info.ID, info.Queue)
	return nil
}

// Start is a no-op; the Worker consumes the Redis queue.
func (q *AsynqMessageQueue) Start() {}

// Stop closes the asynq client. Queued tasks stay in Redis for the worker.
func (q *AsynqMessageQueue) Stop() {
	if err := q.client.Close(); err != nil {
		logger.Warnf("[MessageQueue] error closing asynq client: %v", err)
	}
}

// Stats reports what the client side can see; saved/failed counts live with
// the worker process.
func (q *AsynqMessageQueue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QueueStats{Queued: q.queued, Running: true}
}
