// Package config loads runtime configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	Addr         string
	DatabasePath string

	JWTSecret string
	JWTTTL    time.Duration

	Workers           int64
	QueueCapacity     int
	VisibilityTimeout time.Duration

	StageTimeout time.Duration
	StageRetries uint64

	KeepaliveInterval time.Duration

	ApifyToken string
	ApifyActor string

	OpenAIKey   string
	OpenAIModel string
}

// Load reads configuration from the environment. JWT secret and the
// collaborator credentials are required; everything else has defaults.
func Load() (Config, error) {
	cfg := Config{
		Addr:              envOr("CLIPCHEF_ADDR", ":8080"),
		DatabasePath:      envOr("CLIPCHEF_DB_PATH", "clipchef.db"),
		JWTSecret:         os.Getenv("CLIPCHEF_JWT_SECRET"),
		JWTTTL:            envDurationOr("CLIPCHEF_JWT_TTL", 24*time.Hour),
		Workers:           envInt64Or("CLIPCHEF_WORKERS", 4),
		QueueCapacity:     envIntOr("CLIPCHEF_QUEUE_CAPACITY", 256),
		VisibilityTimeout: envDurationOr("CLIPCHEF_VISIBILITY_TIMEOUT", 10*time.Minute),
		StageTimeout:      envDurationOr("CLIPCHEF_STAGE_TIMEOUT", 2*time.Minute),
		StageRetries:      uint64(envIntOr("CLIPCHEF_STAGE_RETRIES", 3)),
		KeepaliveInterval: envDurationOr("CLIPCHEF_KEEPALIVE_INTERVAL", 15*time.Second),
		ApifyToken:        os.Getenv("APIFY_API_TOKEN"),
		ApifyActor:        os.Getenv("APIFY_ACTOR_ID"),
		OpenAIKey:         os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:       envOr("OPENAI_MODEL", "gpt-4o-mini"),
	}

	if cfg.JWTSecret == "" {
		return Config{}, fmt.Errorf("CLIPCHEF_JWT_SECRET is required")
	}
	if cfg.ApifyToken == "" {
		return Config{}, fmt.Errorf("APIFY_API_TOKEN is required")
	}
	if cfg.OpenAIKey == "" {
		return Config{}, fmt.Errorf("OPENAI_API_KEY is required")
	}

	return cfg, nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envIntOr(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envInt64Or(key string, fallback int64) int64 {
	return int64(envIntOr(key, int(fallback)))
}

func envDurationOr(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
