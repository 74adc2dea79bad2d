// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stages implements the five research pipeline stages: planner,
// search, reader, verifier and synthesizer.
//
// Every stage reads the session state it is given, talks to its
// collaborators through the interfaces in package collab, and returns a
// partial update. A single collaborator failing (one search query, one
// page, one malformed completion) shrinks that stage's contribution; it
// never fails the stage. A stage that reaches its own time bound finishes
// with what it gathered. Only cancellation of the run fails a stage.
package stages

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/AleutianAI/AleutianResearch/services/research/collab"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/evidence"
)

// ErrMissingCollaborator indicates Deps lacks a required collaborator.
var ErrMissingCollaborator = errors.New("missing collaborator")

// Limits bounds the work each stage does.
type Limits struct {
	// MaxClarificationRounds is how many times the planner may suspend
	// for clarification before planning regardless.
	MaxClarificationRounds int `yaml:"max_clarification_rounds"`

	// MaxClarificationQuestions caps questions per interrupt.
	MaxClarificationQuestions int `yaml:"max_questions"`

	// MaxSearchQueries caps how many planned queries are searched.
	MaxSearchQueries int `yaml:"max_search_queries"`

	// MaxResultsPerQuery is passed to the searcher.
	MaxResultsPerQuery int `yaml:"max_results_per_query"`

	// MaxSourcesToRead caps distinct sources the reader fetches.
	// Zero means no cap.
	MaxSourcesToRead int `yaml:"max_sources_to_read"`

	// MaxFactsPerSource caps claims kept per note.
	MaxFactsPerSource int `yaml:"max_facts_per_source"`

	// Concurrency bounds parallel searches and page reads per session.
	Concurrency int `yaml:"concurrency"`

	// FetchTimeout bounds one page fetch.
	FetchTimeout time.Duration `yaml:"fetch_timeout"`
}

// DefaultLimits returns the standard bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxClarificationRounds:    3,
		MaxClarificationQuestions: 3,
		MaxSearchQueries:          6,
		MaxResultsPerQuery:        4,
		MaxSourcesToRead:          10,
		MaxFactsPerSource:         evidence.DefaultMaxClaimsPerSource,
		Concurrency:               4,
		FetchTimeout:              10 * time.Second,
	}
}

// withDefaults fills zero fields from DefaultLimits. MaxSourcesToRead is
// left alone because zero is meaningful there.
func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxClarificationRounds <= 0 {
		l.MaxClarificationRounds = d.MaxClarificationRounds
	}
	if l.MaxClarificationQuestions <= 0 {
		l.MaxClarificationQuestions = d.MaxClarificationQuestions
	}
	if l.MaxSearchQueries <= 0 {
		l.MaxSearchQueries = d.MaxSearchQueries
	}
	if l.MaxResultsPerQuery <= 0 {
		l.MaxResultsPerQuery = d.MaxResultsPerQuery
	}
	if l.MaxFactsPerSource <= 0 {
		l.MaxFactsPerSource = d.MaxFactsPerSource
	}
	if l.Concurrency <= 0 {
		l.Concurrency = d.Concurrency
	}
	if l.FetchTimeout <= 0 {
		l.FetchTimeout = d.FetchTimeout
	}
	return l
}

// Default stage time bounds. Each covers every collaborator call the
// stage makes, including retries.
const (
	PlannerTimeout     = 3 * time.Minute
	SearchTimeout      = 2 * time.Minute
	ReaderTimeout      = 5 * time.Minute
	VerifierTimeout    = 30 * time.Second
	SynthesizerTimeout = 3 * time.Minute
)

// Timeouts bounds each stage. Zero fields take the defaults above.
type Timeouts struct {
	Planner     time.Duration
	Search      time.Duration
	Reader      time.Duration
	Verifier    time.Duration
	Synthesizer time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	or := func(d, def time.Duration) time.Duration {
		if d <= 0 {
			return def
		}
		return d
	}
	return Timeouts{
		Planner:     or(t.Planner, PlannerTimeout),
		Search:      or(t.Search, SearchTimeout),
		Reader:      or(t.Reader, ReaderTimeout),
		Verifier:    or(t.Verifier, VerifierTimeout),
		Synthesizer: or(t.Synthesizer, SynthesizerTimeout),
	}
}

// Deps are the collaborators and bounds shared by all stages.
type Deps struct {
	Model    collab.Model
	Searcher collab.Searcher
	Fetcher  collab.Fetcher

	// Classifier defaults to evidence.Classify.
	Classifier collab.Classifier

	// Aggregator defaults to evidence.NewAggregator with
	// Limits.MaxFactsPerSource.
	Aggregator *evidence.Aggregator

	// ModelPolicy bounds each model call; SearchPolicy each search.
	ModelPolicy  collab.Policy
	SearchPolicy collab.Policy

	Limits   Limits
	Timeouts Timeouts
	Logger   *slog.Logger
}

func (d Deps) withDefaults() (Deps, error) {
	switch {
	case d.Model == nil:
		return d, errors.Join(ErrMissingCollaborator, errors.New("model"))
	case d.Searcher == nil:
		return d, errors.Join(ErrMissingCollaborator, errors.New("searcher"))
	case d.Fetcher == nil:
		return d, errors.Join(ErrMissingCollaborator, errors.New("fetcher"))
	}
	d.Limits = d.Limits.withDefaults()
	d.Timeouts = d.Timeouts.withDefaults()
	if d.Classifier == nil {
		d.Classifier = collab.ClassifierFunc(evidence.Classify)
	}
	if d.Aggregator == nil {
		d.Aggregator = evidence.NewAggregator(evidence.WithMaxClaimsPerSource(d.Limits.MaxFactsPerSource))
	}
	if d.ModelPolicy.MaxAttempts == 0 {
		d.ModelPolicy = collab.DefaultPolicy()
	}
	if d.SearchPolicy.MaxAttempts == 0 {
		d.SearchPolicy = collab.DefaultPolicy().WithTimeout(20 * time.Second)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d, nil
}

// New builds the five stages in topology order.
func New(deps Deps) ([]dag.Stage, error) {
	d, err := deps.withDefaults()
	if err != nil {
		return nil, err
	}
	return []dag.Stage{
		newPlanner(d),
		newSearch(d),
		newReader(d),
		newVerifier(d),
		newSynthesizer(d),
	}, nil
}

// NewPipeline builds the stages and binds them to the fixed topology.
func NewPipeline(deps Deps) (*dag.Pipeline, error) {
	stages, err := New(deps)
	if err != nil {
		return nil, err
	}
	return dag.NewPipeline(stages...)
}

// replace returns s, or an empty slice when s is nil, so a stage that
// found nothing still overwrites its key.
func replace[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// runErr returns the error a stage must fail with once ctx is done. It is
// nil while ctx is live and when only the stage's own time bound ran out;
// in that case the stage keeps what it has.
func runErr(ctx context.Context) error {
	if ctx.Err() == nil || dag.StageExpired(ctx) {
		return nil
	}
	return ctx.Err()
}
