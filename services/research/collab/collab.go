// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package collab declares the narrow contracts the research pipeline uses to
// reach external collaborators (language model, web search, page fetch,
// source classification) and the policy that bounds every call to them.
//
// Implementations live elsewhere: services/llm, research/search,
// research/fetch and research/evidence.
package collab

import (
	"context"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// Model invokes a language model with a system prompt and user content.
//
// When out is a *string the raw completion is stored in it. Otherwise the
// completion is decoded as JSON into out and validated; a completion that
// does not fit fails with a *MalformedOutputError.
type Model interface {
	Invoke(ctx context.Context, systemPrompt, userContent string, out any) error
}

// SearchResult is one hit returned by a Searcher.
type SearchResult struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
}

// Searcher runs a web search. An empty result is valid.
type Searcher interface {
	Search(ctx context.Context, query string, maxResults int) ([]SearchResult, error)
}

// Fetcher returns the plain text of a page, truncated to a fixed maximum.
// Any failure yields an empty string; Fetch never reports an error.
type Fetcher interface {
	Fetch(ctx context.Context, url string) string
}

// Classifier maps a URL to a source category using only its domain.
type Classifier interface {
	Classify(rawURL string) state.SourceCategory
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(rawURL string) state.SourceCategory

// Classify calls f.
func (f ClassifierFunc) Classify(rawURL string) state.SourceCategory {
	return f(rawURL)
}
