// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fetch

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const page = `<!doctype html>
<html><head><title>Pricing</title>
<style>body { color: red }</style>
<script>var secret = "do not read";</script>
</head>
<body>
  <h1>Plans</h1>
  <p>The   Pro plan costs <b>$20</b> per month.</p>
  <noscript>Enable JavaScript</noscript>
  <p>Billed annually.</p>
</body></html>`

func TestExtractText(t *testing.T) {
	got, err := ExtractText(strings.NewReader(page))
	require.NoError(t, err)
	assert.Equal(t, "Pricing Plans The Pro plan costs $20 per month. Billed annually.", got)
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", Truncate("short", 100))
	assert.Equal(t, "unbounded", Truncate("unbounded", 0))

	text := strings.Repeat("word ", 50)
	got := Truncate(text, 22)
	assert.LessOrEqual(t, utf8.RuneCountInString(got), 22)
	assert.True(t, strings.HasPrefix(text, got))
	assert.False(t, strings.HasSuffix(got, "wor"), "cuts at a word boundary")

	long := strings.Repeat("é", 40)
	assert.Equal(t, strings.Repeat("é", 10), Truncate(long, 10))
}

func TestHTTPFetcher(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, DefaultUserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = io.WriteString(w, page)
	})
	mux.HandleFunc("/plain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "line one\nline two")
	})
	mux.HandleFunc("/pdf", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = io.WriteString(w, "%PDF-1.4")
	})
	mux.HandleFunc("/long", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<p>"+strings.Repeat("alpha beta ", 2000)+"</p>")
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<script>only()</script>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	f := NewHTTPFetcher(Config{RequestsPerSecond: 1000}, quiet)
	defer f.Close()
	ctx := context.Background()

	assert.Contains(t, f.Fetch(ctx, srv.URL+"/page"), "The Pro plan costs $20 per month.")
	assert.Equal(t, "line one line two", f.Fetch(ctx, srv.URL+"/plain"))
	assert.Empty(t, f.Fetch(ctx, srv.URL+"/pdf"))
	assert.Empty(t, f.Fetch(ctx, srv.URL+"/missing"))
	assert.Empty(t, f.Fetch(ctx, srv.URL+"/empty"))
	assert.Empty(t, f.Fetch(ctx, "ftp://example.com/file"))
	assert.Empty(t, f.Fetch(ctx, "::not a url"))

	long := f.Fetch(ctx, srv.URL+"/long")
	assert.NotEmpty(t, long)
	assert.LessOrEqual(t, utf8.RuneCountInString(long), DefaultMaxChars)
}

func TestHTTPFetcher_CancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "<p>hi</p>")
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := NewHTTPFetcher(Config{}, quiet)
	defer f.Close()
	assert.Empty(t, f.Fetch(ctx, srv.URL))
}

func TestHTTPFetcher_PageCache(t *testing.T) {
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/page", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, page)
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html")
		_, _ = io.WriteString(w, "<style>p{}</style>")
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	ctx := context.Background()

	t.Run("reuses page text", func(t *testing.T) {
		hits.Store(0)
		f := NewHTTPFetcher(Config{RequestsPerSecond: 1000}, quiet)
		defer f.Close()

		first := f.Fetch(ctx, srv.URL+"/page")
		require.NotEmpty(t, first)
		assert.Equal(t, first, f.Fetch(ctx, srv.URL+"/page"))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("empty pages are not cached", func(t *testing.T) {
		hits.Store(0)
		f := NewHTTPFetcher(Config{RequestsPerSecond: 1000}, quiet)
		defer f.Close()

		assert.Empty(t, f.Fetch(ctx, srv.URL+"/empty"))
		assert.Empty(t, f.Fetch(ctx, srv.URL+"/empty"))
		assert.Equal(t, int32(2), hits.Load())
	})

	t.Run("disabled", func(t *testing.T) {
		hits.Store(0)
		f := NewHTTPFetcher(Config{RequestsPerSecond: 1000, CacheSize: -1}, quiet)
		defer f.Close()

		f.Fetch(ctx, srv.URL+"/page")
		f.Fetch(ctx, srv.URL+"/page")
		assert.Equal(t, int32(2), hits.Load())
	})
}
