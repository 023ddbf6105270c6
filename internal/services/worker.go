package services

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/draftbridge/backend/internal/config"
	"github.com/draftbridge/backend/pkg/logger"
	"github.com/hibiken/asynq"
)

// Worker consumes message-save tasks from the Redis-backed queue.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	store   MessageStore
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// NewWorker creates a worker instance. Returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, store MessageStore) *Worker {
	if !cfg.Enabled {
		return nil
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: 10,
			Queues: map[string]int{
				"default": 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Errorf("[Worker] error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server: server,
		mux:    asynq.NewServeMux(),
		store:  store,
	}
}

// Start begins processing tasks.
func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeMessageSave, w.handleMessageSave)

	w.running = true
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		logger.Infof("[Worker] starting async worker...")
		if err := w.server.Run(w.mux); err != nil {
			logger.Errorf("[Worker] server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the worker, letting in-flight saves finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] shutting down...")
	w.server.Shutdown()
	w.running = false
	w.wg.Wait()
	logger.Infof("[Worker] shutdown complete")
}

// handleMessageSave persists a single queued message. Returning an error lets
// asynq retry up to the task's MaxRetry.
func (w *Worker) handleMessageSave(ctx context.Context, t *asynq.Task) error {
	var msg QueuedMessage
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		logger.Errorf("[Worker] failed to unmarshal message task: %v", err)
		return err
	}

	return w.store.SaveMessage(&msg)
}
