package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/clipchef/clipchef/internal/core/domain"
)

// ErrQueueFull is returned by Enqueue when the pending buffer is exhausted.
// Callers surface it as a retryable service error, not as a job failure.
var ErrQueueFull = errors.New("task queue full")

// QueueConfig defines queue capacity and concurrency limits.
type QueueConfig struct {
	Capacity          int
	Workers           int64
	VisibilityTimeout time.Duration
}

// TaskQueue distributes jobs to a bounded worker pool with at-least-once
// delivery. Ordering is FIFO across all enqueued jobs; parallelism is
// bounded by the pool size, not by the number of submissions. A dequeued
// job that is never acknowledged is re-enqueued after the visibility
// timeout, so a crashed worker cannot strand work.
type TaskQueue struct {
	logger     *slog.Logger
	pending    chan domain.JobID
	sem        *semaphore.Weighted
	visibility time.Duration

	mu       sync.Mutex
	inflight map[domain.JobID]time.Time
}

func NewTaskQueue(logger *slog.Logger, cfg QueueConfig) *TaskQueue {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = 256
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = 10 * time.Minute
	}

	return &TaskQueue{
		logger:     logger,
		pending:    make(chan domain.JobID, capacity),
		sem:        semaphore.NewWeighted(workers),
		visibility: visibility,
		inflight:   make(map[domain.JobID]time.Time),
	}
}

// Enqueue places a job reference for pickup. Never blocks the caller.
func (q *TaskQueue) Enqueue(id domain.JobID) error {
	select {
	case q.pending <- id:
		return nil
	default:
		return ErrQueueFull
	}
}

// Dequeue blocks until work is available or the context is cancelled.
// The returned job is tracked as in flight until Ack is called.
func (q *TaskQueue) Dequeue(ctx context.Context) (domain.JobID, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case id := <-q.pending:
		q.mu.Lock()
		q.inflight[id] = time.Now()
		q.mu.Unlock()
		return id, nil
	}
}

// Ack marks a dequeued job as done, preventing redelivery.
func (q *TaskQueue) Ack(id domain.JobID) {
	q.mu.Lock()
	delete(q.inflight, id)
	q.mu.Unlock()
}

// Start consumes the queue with a bounded worker pool and executes handler
// for every dequeued job. The handler runs one job to completion per pool
// slot; the job is acknowledged when the handler returns.
func (q *TaskQueue) Start(ctx context.Context, handler func(context.Context, domain.JobID)) {
	q.logger.Info("starting task queue", "visibility_timeout", q.visibility)

	go q.redeliverLoop(ctx)

	go func() {
		for {
			id, err := q.Dequeue(ctx)
			if err != nil {
				q.logger.Info("stopping task queue")
				return
			}

			if err := q.sem.Acquire(ctx, 1); err != nil {
				return
			}

			go func(jobID domain.JobID) {
				defer q.sem.Release(1)
				defer q.Ack(jobID)
				handler(ctx, jobID)
			}(id)
		}
	}()
}

// redeliverLoop re-enqueues in-flight jobs whose visibility timeout
// elapsed without an acknowledgment.
func (q *TaskQueue) redeliverLoop(ctx context.Context) {
	ticker := time.NewTicker(q.visibility / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.redeliverExpired()
		}
	}
}

func (q *TaskQueue) redeliverExpired() {
	now := time.Now()

	q.mu.Lock()
	var expired []domain.JobID
	for id, claimed := range q.inflight {
		if now.Sub(claimed) >= q.visibility {
			expired = append(expired, id)
			delete(q.inflight, id)
		}
	}
	q.mu.Unlock()

	for _, id := range expired {
		q.logger.Warn("redelivering unacknowledged job", "job_id", id)
		if err := q.Enqueue(id); err != nil {
			// The pending buffer is full. Keep the claim alive with a fresh
			// timestamp so the next tick tries again; dropping the ID here
			// would strand the job until a process restart.
			q.logger.Error("failed to redeliver job, keeping claim", "job_id", id, "error", err)
			q.mu.Lock()
			q.inflight[id] = time.Now()
			q.mu.Unlock()
		}
	}
}
