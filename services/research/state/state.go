// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package state defines the Session State threaded through the research
// pipeline, the partial updates stages return, and the interrupt/resume
// payloads exchanged with the caller while a session is suspended.
//
// Session State is a value. Stages receive a deep copy and hand back an
// Update; only the executor applies updates, one whole stage at a time.
//
// Thread Safety:
//
//	None of the types in this package are synchronized. Ownership passes
//	between the executor and stages by value.
package state

// SourceCategory classifies a source by the domain it was served from.
type SourceCategory string

const (
	// CategoryOfficial is a government, education or standards body domain.
	CategoryOfficial SourceCategory = "official"

	// CategoryIndependentBlog is a personal or community publication.
	CategoryIndependentBlog SourceCategory = "independent_blog"

	// CategoryVendorBlog is any commercial site, including vendors describing
	// their own products.
	CategoryVendorBlog SourceCategory = "vendor_blog"

	// CategoryForum is a discussion site. Forum sources never reach fact
	// extraction.
	CategoryForum SourceCategory = "forum"
)

// Valid reports whether c is one of the four known categories.
func (c SourceCategory) Valid() bool {
	switch c {
	case CategoryOfficial, CategoryIndependentBlog, CategoryVendorBlog, CategoryForum:
		return true
	default:
		return false
	}
}

// Plan is the planner's output: what to find out and how to search for it.
type Plan struct {
	Objectives    []string `json:"objectives"`
	SearchQueries []string `json:"search_queries"`
}

// Source is one search hit.
type Source struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`

	// Query is the search query that produced this hit.
	Query string `json:"query"`
}

// Note holds the claims extracted from a single fetched source.
type Note struct {
	URL      string         `json:"url"`
	Title    string         `json:"title"`
	Category SourceCategory `json:"source_category"`
	Facts    []string       `json:"facts"`
}

// Evidence references the source backing a claim.
type Evidence struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// VerifiedFact is a claim that met the verification rule.
//
// Confidence is always within [0, 1] and Evidence is never empty.
type VerifiedFact struct {
	Fact       string     `json:"fact"`
	Confidence float64    `json:"confidence"`
	Evidence   []Evidence `json:"evidence"`
}

// Conflict is a claim that sources disagree on. Sources holds at least two
// references.
type Conflict struct {
	Claim   string     `json:"claim"`
	Sources []Evidence `json:"sources"`
	Reason  string     `json:"reason"`
}

// SessionState is the record every stage reads and the executor advances.
type SessionState struct {
	Query string `json:"query"`

	// ClarifiedQuery is empty until the caller answers a clarification.
	ClarifiedQuery         string   `json:"clarified_query,omitempty"`
	ClarificationRound     int      `json:"clarification_round"`
	ClarificationComplete  bool     `json:"clarification_complete"`
	ClarificationQuestions []string `json:"clarification_questions,omitempty"`

	Plan          *Plan    `json:"plan,omitempty"`
	SearchQueries []string `json:"search_queries,omitempty"`

	Sources        []Source       `json:"sources,omitempty"`
	Notes          []Note         `json:"notes,omitempty"`
	VerifiedFacts  []VerifiedFact `json:"verified_facts,omitempty"`
	Conflicts      []Conflict     `json:"conflicts,omitempty"`
	UncertainFacts []string       `json:"uncertain_facts,omitempty"`

	FinalAnswer string `json:"final_answer,omitempty"`
}

// New returns the initial state for a query. Only the query is populated.
func New(query string) SessionState {
	return SessionState{Query: query}
}

// EffectiveQuery returns the clarified query when one has been supplied and
// the original query otherwise.
func (s SessionState) EffectiveQuery() string {
	if s.ClarifiedQuery != "" {
		return s.ClarifiedQuery
	}
	return s.Query
}

// Clone returns a deep copy of s. Mutating the copy never affects s.
func (s SessionState) Clone() SessionState {
	out := s
	out.ClarificationQuestions = cloneStrings(s.ClarificationQuestions)
	if s.Plan != nil {
		p := s.Plan.Clone()
		out.Plan = &p
	}
	out.SearchQueries = cloneStrings(s.SearchQueries)
	out.Sources = cloneSlice(s.Sources)
	if s.Notes != nil {
		out.Notes = make([]Note, len(s.Notes))
		for i, n := range s.Notes {
			n.Facts = cloneStrings(n.Facts)
			out.Notes[i] = n
		}
	}
	if s.VerifiedFacts != nil {
		out.VerifiedFacts = make([]VerifiedFact, len(s.VerifiedFacts))
		for i, f := range s.VerifiedFacts {
			f.Evidence = cloneSlice(f.Evidence)
			out.VerifiedFacts[i] = f
		}
	}
	if s.Conflicts != nil {
		out.Conflicts = make([]Conflict, len(s.Conflicts))
		for i, c := range s.Conflicts {
			c.Sources = cloneSlice(c.Sources)
			out.Conflicts[i] = c
		}
	}
	out.UncertainFacts = cloneStrings(s.UncertainFacts)
	return out
}

// Clone returns a deep copy of p.
func (p Plan) Clone() Plan {
	return Plan{
		Objectives:    cloneStrings(p.Objectives),
		SearchQueries: cloneStrings(p.SearchQueries),
	}
}

func cloneStrings(in []string) []string {
	return cloneSlice(in)
}

// cloneSlice copies a slice of value types, keeping nil as nil.
func cloneSlice[T any](in []T) []T {
	if in == nil {
		return nil
	}
	out := make([]T, len(in))
	copy(out, in)
	return out
}
