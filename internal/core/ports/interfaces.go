package ports

import (
	"context"

	"github.com/google/uuid"

	"github.com/clipchef/clipchef/internal/core/domain"
)

// JobStore abstracts durable, concurrency-safe storage of Job records.
type JobStore interface {
	// CreateJob inserts a fresh PENDING job.
	CreateJob(ctx context.Context, job domain.Job) error

	// GetJob retrieves a job by ID. Returns domain.ErrJobNotFound if absent.
	GetJob(ctx context.Context, id domain.JobID) (domain.Job, error)

	// Transition atomically reads the job, applies mutate and writes the
	// result back. Concurrent callers for the same job are serialized.
	// Returns domain.ErrJobTerminal if the job already reached a terminal
	// state; the mutation is then discarded.
	Transition(ctx context.Context, id domain.JobID, mutate func(*domain.Job) error) (domain.Job, error)

	// ResetRunning moves jobs left RUNNING by a dead process back to
	// PENDING and returns their IDs so they can be re-enqueued.
	ResetRunning(ctx context.Context) ([]domain.JobID, error)
}

// RecipeStore persists structured recipes produced by the pipeline.
type RecipeStore interface {
	SaveRecipe(ctx context.Context, recipe domain.Recipe) error
	GetRecipe(ctx context.Context, id uuid.UUID) (domain.Recipe, error)
}

// ScrapeResult is the raw material the scraping collaborator hands back.
type ScrapeResult struct {
	Caption      string
	SubtitleURLs []string
}

// Scraper fetches raw video data from the source platform.
type Scraper interface {
	Scrape(ctx context.Context, sourceURL string) (ScrapeResult, error)
}

// Extractor turns raw scraped content into a plain-text transcript.
type Extractor interface {
	Extract(ctx context.Context, scraped ScrapeResult) (string, error)
}

// StructuredRecipe is the model output before it is persisted.
type StructuredRecipe struct {
	Title       string   `json:"title"`
	Ingredients []string `json:"ingredients"`
	Steps       []string `json:"steps"`
}

// Structurer turns a transcript into a structured recipe using the
// inference collaborator.
type Structurer interface {
	Structure(ctx context.Context, transcript, locale string) (StructuredRecipe, error)
}
