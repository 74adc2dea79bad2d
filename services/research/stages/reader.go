// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianResearch/services/research/collab"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

type extractedFacts struct {
	Facts []string `json:"facts"`
}

// ReaderStage fetches sources and extracts explicit claims from them.
//
// Description:
//
//	Sources are deduplicated by URL (first occurrence wins), forum sources
//	are skipped, and at most MaxSourcesToRead remain. Each remaining page
//	is fetched and passed to the model for claim extraction. A page that
//	is empty, fails to fetch or yields no usable claims produces no note.
//	Notes keep source order regardless of which page finished first.
//
// Outputs:
//
//	notes, each with its URL, title, source category and at most
//	MaxFactsPerSource distinct claims.
//
// Thread Safety:
//
//	Safe for concurrent use.
type ReaderStage struct {
	dag.BaseStage
	deps Deps
}

func newReader(d Deps) *ReaderStage {
	return &ReaderStage{
		BaseStage: dag.BaseStage{StageName: dag.StageReader, StageTimeout: d.Timeouts.Reader},
		deps:      d,
	}
}

type readTarget struct {
	source   state.Source
	category state.SourceCategory
}

// Apply implements dag.Stage.
func (r *ReaderStage) Apply(ctx context.Context, st state.SessionState) (dag.Outcome, error) {
	logger := r.deps.Logger.With(slog.String("stage", string(dag.StageReader)))
	targets := r.selectSources(st.Sources)

	notes := make([]*state.Note, len(targets))
	var g errgroup.Group
	g.SetLimit(r.deps.Limits.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			notes[i] = r.read(ctx, logger, t)
			return nil
		})
	}
	_ = g.Wait()
	if err := runErr(ctx); err != nil {
		return dag.Outcome{}, err
	}
	if ctx.Err() != nil {
		logger.Warn("stage time bound reached, keeping notes gathered so far")
	}

	out := make([]state.Note, 0, len(notes))
	for _, n := range notes {
		if n != nil {
			out = append(out, *n)
		}
	}
	logger.Info("reading complete",
		slog.Int("sources", len(st.Sources)),
		slog.Int("read", len(targets)),
		slog.Int("notes", len(out)),
	)
	return dag.Advance(state.Update{Notes: replace(out)}), nil
}

func (r *ReaderStage) selectSources(sources []state.Source) []readTarget {
	seen := make(map[string]bool, len(sources))
	var targets []readTarget
	for _, s := range sources {
		if s.URL == "" || seen[s.URL] {
			continue
		}
		seen[s.URL] = true
		category := r.deps.Classifier.Classify(s.URL)
		if category == state.CategoryForum {
			continue
		}
		targets = append(targets, readTarget{source: s, category: category})
		if limit := r.deps.Limits.MaxSourcesToRead; limit > 0 && len(targets) == limit {
			break
		}
	}
	return targets
}

func (r *ReaderStage) read(ctx context.Context, logger *slog.Logger, t readTarget) *state.Note {
	fetchCtx, cancel := context.WithTimeout(ctx, r.deps.Limits.FetchTimeout)
	text := r.deps.Fetcher.Fetch(fetchCtx, t.source.URL)
	cancel()
	if text == "" {
		logger.Debug("no page text", slog.String("url", t.source.URL))
		return nil
	}

	system := fmt.Sprintf(ExtractionPrompt, r.deps.Limits.MaxFactsPerSource)
	user := fmt.Sprintf("Title: %s\nURL: %s\n\n%s", t.source.Title, t.source.URL, text)
	out, err := collab.Call(ctx, r.deps.ModelPolicy, "extract_facts", func(ctx context.Context) (extractedFacts, error) {
		var f extractedFacts
		err := r.deps.Model.Invoke(ctx, system, user, &f)
		return f, err
	})
	if err != nil {
		logger.Warn("fact extraction failed",
			slog.String("url", t.source.URL),
			slog.String("error", err.Error()),
		)
		return nil
	}

	facts := cleanList(out.Facts, r.deps.Limits.MaxFactsPerSource)
	if len(facts) == 0 {
		return nil
	}
	return &state.Note{
		URL:      t.source.URL,
		Title:    t.source.Title,
		Category: t.category,
		Facts:    facts,
	}
}
