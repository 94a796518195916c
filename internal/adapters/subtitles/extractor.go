// Package subtitles assembles a plain-text transcript from scraped content.
package subtitles

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/clipchef/clipchef/internal/core/ports"
)

type Extractor struct {
	logger *slog.Logger
	http   *http.Client
}

var _ ports.Extractor = (*Extractor)(nil)

func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{
		logger: logger,
		http:   &http.Client{Timeout: 15 * time.Second},
	}
}

// Extract downloads the first reachable subtitle track, strips WebVTT
// framing and merges it with the caption text. Subtitle failures degrade to
// caption-only; the pipeline rejects the result if both turn out empty.
func (e *Extractor) Extract(ctx context.Context, scraped ports.ScrapeResult) (string, error) {
	var transcript string

	for _, subtitleURL := range scraped.SubtitleURLs {
		text, err := e.download(ctx, subtitleURL)
		if err != nil {
			e.logger.Warn("subtitle download failed", "error", err)
			continue
		}
		transcript = parseWebVTT(text)
		if transcript != "" {
			break
		}
	}

	parts := make([]string, 0, 2)
	if caption := strings.TrimSpace(scraped.Caption); caption != "" {
		parts = append(parts, caption)
	}
	if transcript != "" {
		parts = append(parts, transcript)
	}

	return strings.Join(parts, "\n\n"), nil
}

func (e *Extractor) download(ctx context.Context, subtitleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subtitleURL, nil)
	if err != nil {
		return "", fmt.Errorf("build subtitle request: %w", err)
	}

	resp, err := e.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch subtitles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("subtitle fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read subtitles: %w", err)
	}
	return string(data), nil
}

// parseWebVTT keeps cue text lines and drops headers, cue timings and
// duplicated consecutive lines.
func parseWebVTT(raw string) string {
	var (
		lines []string
		last  string
	)

	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case line == "" || line == "WEBVTT":
			continue
		case strings.Contains(line, "-->"):
			continue
		case strings.HasPrefix(line, "NOTE"):
			continue
		}
		if line == last {
			continue
		}
		lines = append(lines, line)
		last = line
	}

	return strings.Join(lines, " ")
}
