package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/clipchef/clipchef/internal/core/domain"
	"github.com/clipchef/clipchef/internal/core/ports"
)

// PipelineConfig bounds the per-stage collaborator calls.
type PipelineConfig struct {
	StageTimeout time.Duration
	StageRetries uint64
}

// Pipeline executes the fixed stage sequence for one job at a time per
// worker slot: initialize, scrape, extract, structure, persist. Each stage
// advance is persisted through the job store before the matching progress
// event is published, so a polled snapshot is never behind the live stream.
type Pipeline struct {
	logger     *slog.Logger
	store      ports.JobStore
	recipes    ports.RecipeStore
	scraper    ports.Scraper
	extractor  ports.Extractor
	structurer ports.Structurer
	bus        *EventBus
	cfg        PipelineConfig
}

func NewPipeline(
	logger *slog.Logger,
	store ports.JobStore,
	recipes ports.RecipeStore,
	scraper ports.Scraper,
	extractor ports.Extractor,
	structurer ports.Structurer,
	bus *EventBus,
	cfg PipelineConfig,
) *Pipeline {
	if cfg.StageTimeout <= 0 {
		cfg.StageTimeout = 2 * time.Minute
	}
	if cfg.StageRetries == 0 {
		cfg.StageRetries = 3
	}

	return &Pipeline{
		logger:     logger,
		store:      store,
		recipes:    recipes,
		scraper:    scraper,
		extractor:  extractor,
		structurer: structurer,
		bus:        bus,
		cfg:        cfg,
	}
}

// execState accumulates stage outputs across the pipeline run.
type execState struct {
	job        domain.Job
	input      domain.JobInput
	scraped    ports.ScrapeResult
	transcript string
	recipe     ports.StructuredRecipe
	result     domain.JobResult
}

// Execute runs the full pipeline for one job. It is the queue handler: a
// redelivered job restarts from the first stage, and a job that already
// reached a terminal state is ignored.
func (p *Pipeline) Execute(ctx context.Context, id domain.JobID) {
	job, err := p.store.GetJob(ctx, id)
	if err != nil {
		p.logger.Error("cannot load dequeued job", "job_id", id, "error", err)
		return
	}
	if job.Terminal() {
		p.logger.Warn("dequeued job already terminal, skipping", "job_id", id, "status", job.Status)
		return
	}

	p.logger.Info("executing job", "job_id", id, "source_url", job.Input.SourceURL)

	st := &execState{job: job, input: job.Input}

	stages := []struct {
		stage  domain.Stage
		detail string
		run    func(context.Context, *execState) error
	}{
		{domain.StageInitialize, "Validating input and preparing execution context", p.runInitialize},
		{domain.StageScrape, "Fetching video content and metadata from the source", p.runScrape},
		{domain.StageExtract, "Downloading subtitles and assembling the transcript", p.runExtract},
		{domain.StageStructure, "Generating the structured recipe with the language model", p.runStructure},
		{domain.StagePersist, "Storing the recipe", p.runPersist},
	}

	for _, s := range stages {
		if ok := p.advance(ctx, id, s.stage, s.detail); !ok {
			return
		}
		if err := p.runStage(ctx, s.run, st); err != nil {
			p.fail(ctx, id, s.stage, err)
			return
		}
	}

	p.succeed(ctx, id, st.result)
}

// runStage applies the per-stage timeout and retries transient failures
// with exponential backoff. A failure wrapped in backoff.Permanent skips
// the retries and surfaces immediately.
func (p *Pipeline) runStage(ctx context.Context, run func(context.Context, *execState) error, st *execState) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), p.cfg.StageRetries), ctx)
	return backoff.Retry(func() error {
		stageCtx, cancel := context.WithTimeout(ctx, p.cfg.StageTimeout)
		defer cancel()
		return run(stageCtx, st)
	}, bo)
}

// advance moves the job into the given stage and publishes the matching
// progress event. Returns false when the job turned terminal concurrently,
// which only happens on a redelivery race.
func (p *Pipeline) advance(ctx context.Context, id domain.JobID, stage domain.Stage, detail string) bool {
	job, err := p.store.Transition(ctx, id, func(j *domain.Job) error {
		j.Status = domain.JobStatusRunning
		j.StageIndex = int(stage)
		j.StageLabel = stage.Label()
		j.StageDetail = detail
		return nil
	})
	if err != nil {
		if errors.Is(err, domain.ErrJobTerminal) {
			p.logger.Warn("stage advance on terminal job rejected", "job_id", id, "stage", int(stage))
		} else {
			p.logger.Error("stage advance failed", "job_id", id, "stage", int(stage), "error", err)
		}
		return false
	}

	p.bus.Publish(SnapshotEvent(job))
	return true
}

// succeed writes the terminal SUCCEEDED state and publishes the completion
// event exactly once.
func (p *Pipeline) succeed(ctx context.Context, id domain.JobID, result domain.JobResult) {
	job, err := p.store.Transition(ctx, id, func(j *domain.Job) error {
		j.Status = domain.JobStatusSucceeded
		j.StageIndex = domain.StageCount
		j.StageLabel = "Done"
		j.StageDetail = ""
		j.Result = &result
		return nil
	})
	if err != nil {
		p.logger.Error("terminal success transition failed", "job_id", id, "error", err)
		return
	}

	p.logger.Info("job succeeded", "job_id", id, "recipe_id", result.RecipeID)
	p.bus.Publish(SnapshotEvent(job))
}

// fail writes the terminal FAILED state with the structured cause and
// publishes the error event exactly once.
func (p *Pipeline) fail(ctx context.Context, id domain.JobID, stage domain.Stage, cause error) {
	jobErr := &domain.JobError{
		Stage:    int(stage),
		Category: stage.Category(),
		Message:  cause.Error(),
	}

	job, err := p.store.Transition(ctx, id, func(j *domain.Job) error {
		j.Status = domain.JobStatusFailed
		j.StageDetail = ""
		j.Error = jobErr
		return nil
	})
	if err != nil {
		p.logger.Error("terminal failure transition failed", "job_id", id, "error", err)
		return
	}

	p.logger.Warn("job failed", "job_id", id, "stage", int(stage), "category", jobErr.Category, "error", cause)
	p.bus.Publish(SnapshotEvent(job))
}

func (p *Pipeline) runInitialize(_ context.Context, st *execState) error {
	parsed, err := url.ParseRequestURI(st.input.SourceURL)
	if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return backoff.Permanent(fmt.Errorf("invalid source url: %q", st.input.SourceURL))
	}

	locale := strings.ToLower(strings.TrimSpace(st.input.Locale))
	if locale == "" {
		locale = "de"
	}
	if locale != "de" && locale != "en" {
		return backoff.Permanent(fmt.Errorf("unsupported locale: %q", st.input.Locale))
	}
	st.input.Locale = locale

	return nil
}

func (p *Pipeline) runScrape(ctx context.Context, st *execState) error {
	scraped, err := p.scraper.Scrape(ctx, st.input.SourceURL)
	if err != nil {
		return fmt.Errorf("scrape source: %w", err)
	}
	st.scraped = scraped
	return nil
}

func (p *Pipeline) runExtract(ctx context.Context, st *execState) error {
	transcript, err := p.extractor.Extract(ctx, st.scraped)
	if err != nil {
		return fmt.Errorf("extract transcript: %w", err)
	}
	if strings.TrimSpace(transcript) == "" {
		return backoff.Permanent(errors.New("no usable text content in source video"))
	}
	st.transcript = transcript
	return nil
}

func (p *Pipeline) runStructure(ctx context.Context, st *execState) error {
	recipe, err := p.structurer.Structure(ctx, st.transcript, st.input.Locale)
	if err != nil {
		return fmt.Errorf("structure recipe: %w", err)
	}
	if len(recipe.Ingredients) == 0 && len(recipe.Steps) == 0 {
		return backoff.Permanent(errors.New("model returned an empty recipe"))
	}
	st.recipe = recipe
	return nil
}

func (p *Pipeline) runPersist(ctx context.Context, st *execState) error {
	recipe := domain.Recipe{
		ID:          uuid.New(),
		OwnerID:     st.job.OwnerID,
		SourceURL:   st.input.SourceURL,
		Locale:      st.input.Locale,
		Title:       st.recipe.Title,
		Ingredients: st.recipe.Ingredients,
		Steps:       st.recipe.Steps,
		CreatedAt:   time.Now().UTC(),
	}

	if err := p.recipes.SaveRecipe(ctx, recipe); err != nil {
		return fmt.Errorf("save recipe: %w", err)
	}

	st.result = domain.JobResult{RecipeID: recipe.ID, Title: recipe.Title}
	return nil
}
