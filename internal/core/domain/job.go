package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type JobID string

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusFailed    JobStatus = "FAILED"
)

// JobInput describes the requested work: one video URL and the locale
// the structured recipe should be written in.
type JobInput struct {
	SourceURL string `json:"source_url"`
	Locale    string `json:"locale"`
}

// JobResult is the success payload of a terminal SUCCEEDED job.
type JobResult struct {
	RecipeID uuid.UUID `json:"recipe_id"`
	Title    string    `json:"title"`
}

// JobError is the structured failure cause of a terminal FAILED job.
// Message is shown to the submitting user; upstream credentials and
// stack traces must never end up here.
type JobError struct {
	Stage    int    `json:"stage"`
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Job is one unit of submitted work tracked end-to-end through the pipeline.
type Job struct {
	ID          JobID      `json:"id"`
	OwnerID     uuid.UUID  `json:"owner_id"`
	Input       JobInput   `json:"input"`
	Status      JobStatus  `json:"status"`
	StageIndex  int        `json:"stage_index"`
	StageTotal  int        `json:"stage_total"`
	StageLabel  string     `json:"stage_label"`
	StageDetail string     `json:"stage_detail,omitempty"`
	Result      *JobResult `json:"result,omitempty"`
	Error       *JobError  `json:"error,omitempty"`
	Version     int64      `json:"-"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Terminal reports whether the job has reached a final state.
// Terminal jobs are immutable; any further transition is rejected.
func (j *Job) Terminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// NewJob creates a fresh PENDING job for the given owner and input.
func NewJob(ownerID uuid.UUID, input JobInput) Job {
	now := time.Now().UTC()
	return Job{
		ID:         JobID(uuid.NewString()),
		OwnerID:    ownerID,
		Input:      input,
		Status:     JobStatusPending,
		StageIndex: 0,
		StageTotal: StageCount,
		StageLabel: "Queued",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

var (
	ErrJobNotFound = errors.New("job not found")

	// ErrJobTerminal is returned by Transition when the job already
	// reached SUCCEEDED or FAILED.
	ErrJobTerminal = errors.New("job is in a terminal state")

	ErrForbidden = errors.New("job is owned by another user")
)
