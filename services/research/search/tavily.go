// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package search implements collab.Searcher over the Tavily search API.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
	"github.com/AleutianAI/AleutianResearch/services/research/collab"
)

var tracer = otel.Tracer("aleutian.research.search")

const (
	// DefaultTavilyURL is the Tavily search endpoint.
	DefaultTavilyURL = "https://api.tavily.com/search"

	// DefaultRequestsPerSecond keeps bursts of planner queries under the
	// provider's rate limit.
	DefaultRequestsPerSecond = 5.0

	// DefaultTimeout bounds one HTTP round trip.
	DefaultTimeout = 20 * time.Second

	maxErrorBody = 512
)

// ErrMissingAPIKey indicates no Tavily key was configured.
var ErrMissingAPIKey = errors.New("tavily API key is required (TAVILY_API_KEY)")

// Config configures a Tavily searcher.
type Config struct {
	URL               string        `yaml:"url"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Timeout           time.Duration `yaml:"timeout"`

	APIKey *secrets.Secret `yaml:"-"`
}

type tavilyRequest struct {
	Query       string `json:"query"`
	MaxResults  int    `json:"max_results"`
	SearchDepth string `json:"search_depth"`
}

type tavilyResponse struct {
	Query   string         `json:"query"`
	Results []tavilyResult `json:"results"`
}

type tavilyResult struct {
	URL     string  `json:"url"`
	Title   string  `json:"title"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
}

// Tavily searches the web through Tavily.
//
// Thread Safety: Safe for concurrent use. Requests share one rate limiter.
type Tavily struct {
	httpClient *http.Client
	url        string
	apiKey     *secrets.Secret
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewTavily creates a searcher.
//
// Outputs:
//
//	*Tavily - The searcher.
//	error - ErrMissingAPIKey when cfg.APIKey is nil.
func NewTavily(cfg Config, logger *slog.Logger) (*Tavily, error) {
	if cfg.APIKey == nil {
		return nil, ErrMissingAPIKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	url := cfg.URL
	if url == "" {
		url = DefaultTavilyURL
	}
	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = DefaultRequestsPerSecond
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Tavily{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		apiKey:     cfg.APIKey,
		limiter:    rate.NewLimiter(rate.Limit(rps), max(1, int(rps))),
		logger:     logger,
	}, nil
}

var _ collab.Searcher = (*Tavily)(nil)

// Search implements collab.Searcher. Results without a URL are dropped.
func (t *Tavily) Search(ctx context.Context, query string, maxResults int) ([]collab.SearchResult, error) {
	ctx, span := tracer.Start(ctx, "Tavily.Search")
	defer span.End()
	span.SetAttributes(attribute.Int("search.max_results", maxResults))

	if err := t.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("search rate limit: %w", err)
	}

	body, err := json.Marshal(tavilyRequest{Query: query, MaxResults: maxResults, SearchDepth: "basic"})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	err = t.apiKey.Use(func(key string) error {
		req.Header.Set("Authorization", "Bearer "+key)
		return nil
	})
	if err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := string(data)
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		err := fmt.Errorf("tavily returned status %d: %s", resp.StatusCode, strings.TrimSpace(msg))
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	var parsed tavilyResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, collab.NewMalformedOutputError("search", string(data), err)
	}

	out := make([]collab.SearchResult, 0, len(parsed.Results))
	for _, r := range parsed.Results {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		out = append(out, collab.SearchResult{URL: r.URL, Title: r.Title, Snippet: r.Content})
		if maxResults > 0 && len(out) == maxResults {
			break
		}
	}
	span.SetAttributes(attribute.Int("search.results", len(out)))
	t.logger.Debug("search completed",
		slog.Int("results", len(out)),
		slog.Duration("duration", time.Since(start)),
	)
	return out, nil
}
