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
	"strings"

	"github.com/AleutianAI/AleutianResearch/services/research/collab"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// Ambiguity verdicts.
const (
	VerdictClear     = "CLEAR"
	VerdictAmbiguous = "AMBIGUOUS"
)

type ambiguityVerdict struct {
	Status string `json:"status" validate:"required"`
	Reason string `json:"reason"`
}

type clarificationQuestions struct {
	Questions []string `json:"questions" validate:"required"`
}

type researchPlan struct {
	Objectives    []string `json:"objectives"`
	SearchQueries []string `json:"search_queries" validate:"required,min=1"`
}

// PlannerStage decides whether the query needs clarification and, once it
// does not, produces the research plan.
//
// Description:
//
//	While the clarification round is below the limit the stage asks the
//	model whether the effective query is ambiguous. An ambiguous verdict
//	with at least one usable question suspends the session with a
//	clarification interrupt for the next round. Every other path (clear
//	verdict, round limit reached, malformed verdict, no usable
//	questions) plans and marks clarification complete, so the planner
//	self-loop ends after at most MaxClarificationRounds+1 invocations.
//	Running out of stage time counts as a failed model call: the query is
//	treated as clear and planned with FallbackPlan.
//
// Outputs (on advance):
//
//	plan, search_queries, clarification_complete=true and cleared
//	clarification_questions.
//
// Thread Safety:
//
//	Safe for concurrent use.
type PlannerStage struct {
	dag.BaseStage
	deps Deps
}

func newPlanner(d Deps) *PlannerStage {
	return &PlannerStage{
		BaseStage: dag.BaseStage{StageName: dag.StagePlanner, StageTimeout: d.Timeouts.Planner},
		deps:      d,
	}
}

// Apply implements dag.Stage.
func (p *PlannerStage) Apply(ctx context.Context, st state.SessionState) (dag.Outcome, error) {
	query := st.EffectiveQuery()
	round := st.ClarificationRound
	logger := p.deps.Logger.With(slog.String("stage", string(dag.StagePlanner)), slog.Int("round", round))

	if round >= p.deps.Limits.MaxClarificationRounds {
		logger.Info("clarification round limit reached, planning")
		return p.plan(ctx, logger, query)
	}

	verdict, err := collab.Call(ctx, p.deps.ModelPolicy, "ambiguity", func(ctx context.Context) (ambiguityVerdict, error) {
		var v ambiguityVerdict
		err := p.deps.Model.Invoke(ctx, AmbiguityPrompt, query, &v)
		return v, err
	})
	if err != nil {
		if err := runErr(ctx); err != nil {
			return dag.Outcome{}, err
		}
		logger.Warn("ambiguity check failed, treating query as clear", slog.String("error", err.Error()))
		return p.plan(ctx, logger, query)
	}

	switch strings.ToUpper(strings.TrimSpace(verdict.Status)) {
	case VerdictAmbiguous:
	case VerdictClear:
		return p.plan(ctx, logger, query)
	default:
		logger.Warn("unknown ambiguity verdict, treating query as clear", slog.String("status", verdict.Status))
		return p.plan(ctx, logger, query)
	}

	questions, err := p.questions(ctx, query, verdict.Reason)
	if err != nil {
		if err := runErr(ctx); err != nil {
			return dag.Outcome{}, err
		}
		logger.Warn("clarification questions unavailable, treating query as clear", slog.String("error", err.Error()))
		return p.plan(ctx, logger, query)
	}
	if len(questions) == 0 {
		logger.Warn("model produced no usable clarification questions, treating query as clear")
		return p.plan(ctx, logger, query)
	}

	logger.Info("query is ambiguous, asking for clarification", slog.Int("questions", len(questions)))
	return dag.Suspend(&state.PendingInterrupt{
		Kind:      state.InterruptClarification,
		Reason:    strings.TrimSpace(verdict.Reason),
		Questions: questions,
		Round:     round + 1,
	}), nil
}

func (p *PlannerStage) questions(ctx context.Context, query, reason string) ([]string, error) {
	system := fmt.Sprintf(ClarificationPrompt, p.deps.Limits.MaxClarificationQuestions)
	user := fmt.Sprintf("Request: %s\nWhy it is ambiguous: %s", query, reason)

	out, err := collab.Call(ctx, p.deps.ModelPolicy, "clarification", func(ctx context.Context) (clarificationQuestions, error) {
		var q clarificationQuestions
		err := p.deps.Model.Invoke(ctx, system, user, &q)
		return q, err
	})
	if err != nil {
		return nil, err
	}
	return cleanList(out.Questions, p.deps.Limits.MaxClarificationQuestions), nil
}

func (p *PlannerStage) plan(ctx context.Context, logger *slog.Logger, query string) (dag.Outcome, error) {
	out, err := collab.Call(ctx, p.deps.ModelPolicy, "plan", func(ctx context.Context) (researchPlan, error) {
		var rp researchPlan
		err := p.deps.Model.Invoke(ctx, PlannerPrompt, query, &rp)
		return rp, err
	})
	if err != nil {
		if err := runErr(ctx); err != nil {
			return dag.Outcome{}, err
		}
	}

	plan := state.Plan{
		Objectives:    cleanList(out.Objectives, 0),
		SearchQueries: cleanList(out.SearchQueries, p.deps.Limits.MaxSearchQueries),
	}
	if err != nil || len(plan.SearchQueries) == 0 {
		if err != nil {
			logger.Warn("planning failed, searching the query itself", slog.String("error", err.Error()))
		}
		plan = FallbackPlan(query)
	}
	if len(plan.Objectives) == 0 {
		plan.Objectives = []string{query}
	}

	logger.Info("research plan ready",
		slog.Int("objectives", len(plan.Objectives)),
		slog.Int("search_queries", len(plan.SearchQueries)),
	)
	return dag.Advance(state.Update{
		ClarificationComplete:  state.Ptr(true),
		ClarificationQuestions: []string{},
		Plan:                   &plan,
		SearchQueries:          plan.SearchQueries,
	}), nil
}

// FallbackPlan researches the query as given.
func FallbackPlan(query string) state.Plan {
	return state.Plan{Objectives: []string{query}, SearchQueries: []string{query}}
}

// cleanList trims items, drops blanks and case-insensitive duplicates,
// and keeps at most limit items when limit > 0.
func cleanList(items []string, limit int) []string {
	seen := make(map[string]bool, len(items))
	var out []string
	for _, item := range items {
		item = strings.TrimSpace(item)
		key := strings.ToLower(item)
		if item == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, item)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}
