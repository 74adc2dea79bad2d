// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fetch retrieves web pages as plain text for the reader stage.
package fetch

import (
	"context"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianResearch/services/research/collab"
)

var tracer = otel.Tracer("aleutian.research.fetch")

const (
	// DefaultMaxChars is the most text returned per page.
	DefaultMaxChars = 6000

	// DefaultTimeout bounds one page download.
	DefaultTimeout = 10 * time.Second

	// DefaultMaxBodyBytes caps how much of a response body is read.
	DefaultMaxBodyBytes = 2 << 20

	// DefaultRequestsPerSecond limits page downloads across all sessions.
	DefaultRequestsPerSecond = 10.0

	DefaultUserAgent = "AleutianResearch/1.0 (+https://aleutian.ai)"

	// DefaultCacheSize is how many page texts are kept across sessions.
	DefaultCacheSize = 512

	// DefaultCacheTTL is how long a cached page text is reused.
	DefaultCacheTTL = 15 * time.Minute
)

// Config configures an HTTPFetcher.
type Config struct {
	MaxChars          int           `yaml:"max_chars"`
	Timeout           time.Duration `yaml:"timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	UserAgent         string        `yaml:"user_agent"`

	// CacheSize bounds the page cache. Negative disables it.
	CacheSize int           `yaml:"cache_size"`
	CacheTTL  time.Duration `yaml:"cache_ttl"`
}

func (c Config) withDefaults() Config {
	if c.MaxChars <= 0 {
		c.MaxChars = DefaultMaxChars
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBodyBytes <= 0 {
		c.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = DefaultRequestsPerSecond
	}
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.CacheSize == 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = DefaultCacheTTL
	}
	return c
}

// HTTPFetcher downloads pages and reduces them to text.
//
// Non-empty page texts are cached by URL, so sessions researching the same
// topic do not download a page twice within CacheTTL. The cache may
// decline an entry; that only costs a later download.
//
// Thread Safety: Safe for concurrent use.
type HTTPFetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	pages   *ristretto.Cache[string, string]
	logger  *slog.Logger
}

// NewHTTPFetcher creates a fetcher. Zero Config fields take defaults.
func NewHTTPFetcher(cfg Config, logger *slog.Logger) *HTTPFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	f := &HTTPFetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(1, int(cfg.RequestsPerSecond))),
		logger:  logger,
	}
	if cfg.CacheSize > 0 {
		pages, err := ristretto.NewCache(&ristretto.Config[string, string]{
			NumCounters:        int64(cfg.CacheSize) * 10,
			MaxCost:            int64(cfg.CacheSize),
			BufferItems:        64,
			IgnoreInternalCost: true,
		})
		if err != nil {
			logger.Warn("page cache disabled", slog.String("error", err.Error()))
		} else {
			f.pages = pages
		}
	}
	return f
}

// Close releases the page cache.
func (f *HTTPFetcher) Close() {
	if f.pages != nil {
		f.pages.Close()
	}
}

var _ collab.Fetcher = (*HTTPFetcher)(nil)

// Fetch implements collab.Fetcher. Every failure yields "".
func (f *HTTPFetcher) Fetch(ctx context.Context, rawURL string) string {
	ctx, span := tracer.Start(ctx, "HTTPFetcher.Fetch")
	defer span.End()

	if f.pages != nil {
		if text, ok := f.pages.Get(rawURL); ok {
			span.SetAttributes(attribute.Bool("fetch.cached", true), attribute.Int("fetch.chars", len(text)))
			return text
		}
	}

	text, reason := f.fetch(ctx, rawURL)
	if text != "" && f.pages != nil {
		if f.pages.SetWithTTL(rawURL, text, 1, f.cfg.CacheTTL) {
			f.pages.Wait()
		}
	}
	span.SetAttributes(attribute.Int("fetch.chars", len(text)))
	if reason != "" {
		span.SetAttributes(attribute.String("fetch.skipped", reason))
		f.logger.Debug("page fetch yielded nothing",
			slog.String("url", rawURL),
			slog.String("reason", reason),
		)
	}
	return text
}

func (f *HTTPFetcher) fetch(ctx context.Context, rawURL string) (string, string) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return "", "unsupported url"
	}
	if err := f.limiter.Wait(ctx); err != nil {
		return "", "rate limit: " + err.Error()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", err.Error()
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,text/plain;q=0.9")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", "status " + resp.Status
	}

	body := io.LimitReader(resp.Body, f.cfg.MaxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	var text string
	switch {
	case mediaType == "" || mediaType == "text/html" || mediaType == "application/xhtml+xml":
		text, err = ExtractText(body)
		if err != nil && text == "" {
			return "", "parse: " + err.Error()
		}
	case strings.HasPrefix(mediaType, "text/"):
		data, err := io.ReadAll(body)
		if err != nil {
			return "", err.Error()
		}
		text = strings.Join(strings.Fields(string(data)), " ")
	default:
		return "", "content type " + mediaType
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", "no text"
	}
	return Truncate(text, f.cfg.MaxChars), ""
}
