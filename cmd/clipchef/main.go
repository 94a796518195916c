package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"golang.org/x/sync/errgroup"

	"github.com/clipchef/clipchef/internal/adapters/apify"
	"github.com/clipchef/clipchef/internal/adapters/duckdb"
	aiopenai "github.com/clipchef/clipchef/internal/adapters/openai"
	"github.com/clipchef/clipchef/internal/adapters/subtitles"
	"github.com/clipchef/clipchef/internal/auth"
	"github.com/clipchef/clipchef/internal/config"
	"github.com/clipchef/clipchef/internal/core/services"
	"github.com/clipchef/clipchef/pkg/kernel"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	logger.Info("starting clipchef")

	if err := run(logger); err != nil {
		logger.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		logger.Info("shutting down")
		cancel()
	}()

	// .env is optional; the environment wins either way.
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	repo, err := duckdb.NewRepository(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("init repository: %w", err)
	}
	defer repo.Close()

	eventBus := services.NewEventBus(logger)
	queue := services.NewTaskQueue(logger, services.QueueConfig{
		Capacity:          cfg.QueueCapacity,
		Workers:           cfg.Workers,
		VisibilityTimeout: cfg.VisibilityTimeout,
	})

	var apifyOpts []apify.Option
	if cfg.ApifyActor != "" {
		apifyOpts = append(apifyOpts, apify.WithActorID(cfg.ApifyActor))
	}
	scraper, err := apify.NewClient(logger, cfg.ApifyToken, apifyOpts...)
	if err != nil {
		return fmt.Errorf("init scraper: %w", err)
	}

	structurer, err := aiopenai.NewStructurer(logger, cfg.OpenAIKey, cfg.OpenAIModel)
	if err != nil {
		return fmt.Errorf("init structurer: %w", err)
	}

	pipeline := services.NewPipeline(
		logger,
		repo,
		repo,
		scraper,
		subtitles.NewExtractor(logger),
		structurer,
		eventBus,
		services.PipelineConfig{
			StageTimeout: cfg.StageTimeout,
			StageRetries: cfg.StageRetries,
		},
	)

	// Jobs left RUNNING by a previous process restart from the beginning.
	recovered, err := repo.ResetRunning(ctx)
	if err != nil {
		return fmt.Errorf("recover stale jobs: %w", err)
	}
	for _, id := range recovered {
		if err := queue.Enqueue(id); err != nil {
			return fmt.Errorf("re-enqueue recovered job %s: %w", id, err)
		}
	}
	if len(recovered) > 0 {
		logger.Info("recovered stale jobs", "count", len(recovered))
	}

	queue.Start(ctx, pipeline.Execute)

	tokens := auth.NewJWTService(cfg.JWTSecret, cfg.JWTTTL)
	server := kernel.NewServer(logger, repo, repo, queue, eventBus, tokens, cfg.KeepaliveInterval)

	corsHandler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: corsHandler.Handler(server.Handler()),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("http server listening", "addr", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
