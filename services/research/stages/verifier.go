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
	"errors"
	"log/slog"

	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/evidence"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// VerifierStage classifies the reader's claims into verified facts,
// conflicts and uncertain items with the evidence aggregator. It makes no
// external calls.
type VerifierStage struct {
	dag.BaseStage
	deps Deps
}

func newVerifier(d Deps) *VerifierStage {
	return &VerifierStage{
		BaseStage: dag.BaseStage{StageName: dag.StageVerifier, StageTimeout: d.Timeouts.Verifier},
		deps:      d,
	}
}

// Apply implements dag.Stage.
func (v *VerifierStage) Apply(ctx context.Context, st state.SessionState) (dag.Outcome, error) {
	if err := ctx.Err(); err != nil {
		return dag.Outcome{}, err
	}
	logger := v.deps.Logger.With(slog.String("stage", string(dag.StageVerifier)))

	report, err := v.deps.Aggregator.Aggregate(st.Notes)
	switch {
	case errors.Is(err, evidence.ErrInsufficientEvidence):
		logger.Info("no claims to verify")
	case err != nil:
		return dag.Outcome{}, err
	}

	logger.Info("verification complete",
		slog.Int("verified", len(report.VerifiedFacts)),
		slog.Int("conflicts", len(report.Conflicts)),
		slog.Int("uncertain", len(report.UncertainFacts)),
	)
	return dag.Advance(state.Update{
		VerifiedFacts:  replace(report.VerifiedFacts),
		Conflicts:      replace(report.Conflicts),
		UncertainFacts: replace(report.UncertainFacts),
	}), nil
}
