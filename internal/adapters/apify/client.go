// Package apify talks to the Apify actor that scrapes video posts.
package apify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/clipchef/clipchef/internal/core/ports"
)

const (
	defaultBaseURL = "https://api.apify.com"
	defaultActorID = "S5h7zRLfKFEr8pdj7"
)

var ErrNoItems = errors.New("actor run returned no items")

type Client struct {
	logger  *slog.Logger
	http    *http.Client
	baseURL string
	actorID string
	token   string
}

var _ ports.Scraper = (*Client)(nil)

type Option func(*Client)

// WithBaseURL overrides the API base URL, used by tests.
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

func WithActorID(id string) Option {
	return func(c *Client) { c.actorID = id }
}

func NewClient(logger *slog.Logger, token string, opts ...Option) (*Client, error) {
	if token == "" {
		return nil, errors.New("apify token not set")
	}

	c := &Client{
		logger:  logger,
		http:    &http.Client{Timeout: 90 * time.Second},
		baseURL: defaultBaseURL,
		actorID: defaultActorID,
		token:   token,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// runInput mirrors the actor's input contract: single post, subtitles only.
type runInput struct {
	PostURLs                      []string `json:"postURLs"`
	ScrapeRelatedVideos           bool     `json:"scrapeRelatedVideos"`
	ResultsPerPage                int      `json:"resultsPerPage"`
	ShouldDownloadVideos          bool     `json:"shouldDownloadVideos"`
	ShouldDownloadCovers          bool     `json:"shouldDownloadCovers"`
	ShouldDownloadSubtitles       bool     `json:"shouldDownloadSubtitles"`
	ShouldDownloadSlideshowImages bool     `json:"shouldDownloadSlideshowImages"`
}

type datasetItem struct {
	Text      string `json:"text"`
	VideoMeta struct {
		SubtitleLinks []struct {
			DownloadLink string `json:"downloadLink"`
		} `json:"subtitleLinks"`
	} `json:"videoMeta"`
}

// Scrape runs the actor synchronously and returns the caption text plus any
// subtitle download links. Upstream auth failures are permanent; everything
// else is left retryable for the pipeline's stage retry.
func (c *Client) Scrape(ctx context.Context, sourceURL string) (ports.ScrapeResult, error) {
	input := runInput{
		PostURLs:                []string{sourceURL},
		ResultsPerPage:          1,
		ShouldDownloadSubtitles: true,
	}

	body, err := json.Marshal(input)
	if err != nil {
		return ports.ScrapeResult{}, fmt.Errorf("marshal run input: %w", err)
	}

	endpoint := fmt.Sprintf("%s/v2/acts/%s/run-sync-get-dataset-items?token=%s",
		c.baseURL, c.actorID, url.QueryEscape(c.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return ports.ScrapeResult{}, fmt.Errorf("build actor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ports.ScrapeResult{}, fmt.Errorf("run actor: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Do not echo the token or upstream body to the job error.
		return ports.ScrapeResult{}, backoff.Permanent(errors.New("scraping provider rejected credentials"))
	case resp.StatusCode >= 400:
		c.logger.Warn("actor run failed", "status", resp.StatusCode)
		return ports.ScrapeResult{}, fmt.Errorf("actor run returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return ports.ScrapeResult{}, fmt.Errorf("read actor response: %w", err)
	}

	var items []datasetItem
	if err := json.Unmarshal(data, &items); err != nil {
		return ports.ScrapeResult{}, backoff.Permanent(fmt.Errorf("malformed actor response: %w", err))
	}
	if len(items) == 0 {
		return ports.ScrapeResult{}, backoff.Permanent(ErrNoItems)
	}

	item := items[0]
	result := ports.ScrapeResult{Caption: item.Text}
	for _, link := range item.VideoMeta.SubtitleLinks {
		if link.DownloadLink != "" {
			result.SubtitleURLs = append(result.SubtitleURLs, link.DownloadLink)
		}
	}

	c.logger.Info("scraped source", "subtitle_links", len(result.SubtitleURLs), "caption_len", len(result.Caption))
	return result, nil
}
