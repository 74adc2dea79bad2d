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
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianResearch/services/research/collab"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// SearchStage runs every planned search query and collects the hits.
//
// Queries run concurrently; results are concatenated in query order, so
// the update does not depend on which query answered first. A query that
// fails or times out contributes nothing.
type SearchStage struct {
	dag.BaseStage
	deps Deps
}

func newSearch(d Deps) *SearchStage {
	return &SearchStage{
		BaseStage: dag.BaseStage{StageName: dag.StageSearch, StageTimeout: d.Timeouts.Search},
		deps:      d,
	}
}

// Apply implements dag.Stage.
func (s *SearchStage) Apply(ctx context.Context, st state.SessionState) (dag.Outcome, error) {
	queries := searchQueries(st)
	logger := s.deps.Logger.With(slog.String("stage", string(dag.StageSearch)))

	results := make([][]state.Source, len(queries))
	var g errgroup.Group
	g.SetLimit(s.deps.Limits.Concurrency)
	for i, q := range queries {
		g.Go(func() error {
			start := time.Now()
			hits, err := collab.Call(ctx, s.deps.SearchPolicy, "search", func(ctx context.Context) ([]collab.SearchResult, error) {
				return s.deps.Searcher.Search(ctx, q, s.deps.Limits.MaxResultsPerQuery)
			})
			if err != nil {
				logger.Warn("search query failed",
					slog.Int("query_index", i),
					slog.String("error", err.Error()),
				)
				return nil
			}
			sources := make([]state.Source, 0, len(hits))
			for _, h := range hits {
				if h.URL == "" {
					continue
				}
				sources = append(sources, state.Source{URL: h.URL, Title: h.Title, Snippet: h.Snippet, Query: q})
			}
			results[i] = sources
			logger.Debug("search query answered",
				slog.Int("query_index", i),
				slog.Int("results", len(sources)),
				slog.Duration("duration", time.Since(start)),
			)
			return nil
		})
	}
	_ = g.Wait()
	if err := runErr(ctx); err != nil {
		return dag.Outcome{}, err
	}
	if ctx.Err() != nil {
		logger.Warn("stage time bound reached, keeping sources gathered so far")
	}

	var all []state.Source
	for _, r := range results {
		all = append(all, r...)
	}
	logger.Info("search complete", slog.Int("queries", len(queries)), slog.Int("sources", len(all)))
	return dag.Advance(state.Update{Sources: replace(all)}), nil
}

// searchQueries prefers the planner's queries and falls back to the
// effective query so the stage always has something to search.
func searchQueries(st state.SessionState) []string {
	if len(st.SearchQueries) > 0 {
		return st.SearchQueries
	}
	if st.Plan != nil && len(st.Plan.SearchQueries) > 0 {
		return st.Plan.SearchQueries
	}
	return []string{st.EffectiveQuery()}
}
