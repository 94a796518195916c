package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/clipchef/clipchef/internal/core/domain"
)

type EventKind string

const (
	EventKindProgress   EventKind = "progress"
	EventKindCompletion EventKind = "completion"
	EventKindError      EventKind = "error"
)

// ProgressEvent describes a job's stage transition, success or failure.
// Events are ephemeral: the job store is the durable source of truth, and
// a late subscriber falls back to a store snapshot.
type ProgressEvent struct {
	JobID       domain.JobID      `json:"job_id"`
	Kind        EventKind         `json:"type"`
	Status      domain.JobStatus  `json:"status"`
	StageIndex  int               `json:"stage_index"`
	StageTotal  int               `json:"stage_total"`
	StageLabel  string            `json:"stage_label"`
	StageDetail string            `json:"stage_detail,omitempty"`
	Result      *domain.JobResult `json:"result,omitempty"`
	Error       *domain.JobError  `json:"error,omitempty"`
	EmittedAt   time.Time         `json:"emitted_at"`
}

// Terminal reports whether this event ends the stream for its job.
func (e ProgressEvent) Terminal() bool {
	return e.Kind == EventKindCompletion || e.Kind == EventKindError
}

// SnapshotEvent derives the event a fresh subscriber should see from the
// job's current stored state.
func SnapshotEvent(job domain.Job) ProgressEvent {
	kind := EventKindProgress
	switch job.Status {
	case domain.JobStatusSucceeded:
		kind = EventKindCompletion
	case domain.JobStatusFailed:
		kind = EventKindError
	}
	return ProgressEvent{
		JobID:       job.ID,
		Kind:        kind,
		Status:      job.Status,
		StageIndex:  job.StageIndex,
		StageTotal:  job.StageTotal,
		StageLabel:  job.StageLabel,
		StageDetail: job.StageDetail,
		Result:      job.Result,
		Error:       job.Error,
		EmittedAt:   job.UpdatedAt,
	}
}

// EventBus fans progress events out from the single publishing worker to
// zero or many live subscribers per job. Delivery is best-effort: a full
// subscriber buffer drops the event rather than blocking the worker.
type EventBus struct {
	logger *slog.Logger
	mu     sync.RWMutex
	subs   map[domain.JobID][]chan ProgressEvent
}

func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{
		logger: logger,
		subs:   make(map[domain.JobID][]chan ProgressEvent),
	}
}

// Subscribe returns a channel that receives events for a specific job.
// Every subscriber to the same job receives every event independently.
func (b *EventBus) Subscribe(jobID domain.JobID) (<-chan ProgressEvent, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan ProgressEvent, 16)
	b.subs[jobID] = append(b.subs[jobID], ch)

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subscribers := b.subs[jobID]
		for i, sub := range subscribers {
			if sub == ch {
				close(ch)
				b.subs[jobID] = append(subscribers[:i], subscribers[i+1:]...)
				break
			}
		}
		if len(b.subs[jobID]) == 0 {
			delete(b.subs, jobID)
		}
	}

	return ch, unsub
}

// Publish sends an event to all subscribers of the job. Non-blocking from
// the publisher's perspective.
func (b *EventBus) Publish(e ProgressEvent) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	subscribers, ok := b.subs[e.JobID]
	if !ok {
		return
	}

	for _, ch := range subscribers {
		select {
		case ch <- e:
		default:
			b.logger.Warn("event bus channel full, dropping event", "job_id", e.JobID, "kind", e.Kind)
		}
	}
}
