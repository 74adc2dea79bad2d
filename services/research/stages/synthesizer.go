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

// InsufficientAnswer is the final answer when nothing could be verified.
const InsufficientAnswer = "Insufficient verified information to produce an executive summary."

// SynthesizerStage writes the final answer.
//
// Description:
//
//	With no verified facts the answer is InsufficientAnswer and the model
//	is not called. Otherwise the model writes a Markdown synthesis from
//	the verified facts, conflicts and uncertain items. If the model fails
//	or returns nothing, RenderReport produces a plain report from the
//	same lists so the session still finishes.
type SynthesizerStage struct {
	dag.BaseStage
	deps Deps
}

func newSynthesizer(d Deps) *SynthesizerStage {
	return &SynthesizerStage{
		BaseStage: dag.BaseStage{StageName: dag.StageSynthesizer, StageTimeout: d.Timeouts.Synthesizer},
		deps:      d,
	}
}

// Apply implements dag.Stage.
func (s *SynthesizerStage) Apply(ctx context.Context, st state.SessionState) (dag.Outcome, error) {
	logger := s.deps.Logger.With(slog.String("stage", string(dag.StageSynthesizer)))

	if len(st.VerifiedFacts) == 0 {
		logger.Info("nothing verified, reporting insufficient information")
		return dag.Advance(state.Update{FinalAnswer: state.Ptr(InsufficientAnswer)}), nil
	}

	user := synthesisInput(st)
	answer, err := collab.Call(ctx, s.deps.ModelPolicy, "synthesize", func(ctx context.Context) (string, error) {
		var text string
		err := s.deps.Model.Invoke(ctx, SynthesisPrompt, user, &text)
		return text, err
	})
	if err != nil {
		if err := runErr(ctx); err != nil {
			return dag.Outcome{}, err
		}
	}
	answer = strings.TrimSpace(answer)
	if err != nil || answer == "" {
		if err != nil {
			logger.Warn("synthesis failed, rendering plain report", slog.String("error", err.Error()))
		}
		answer = RenderReport(st)
	}
	return dag.Advance(state.Update{FinalAnswer: &answer}), nil
}

func synthesisInput(st state.SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research request: %q\n\nVERIFIED FACTS:\n", st.EffectiveQuery())
	for _, f := range st.VerifiedFacts {
		fmt.Fprintf(&b, "- %s (confidence %.2f; sources: %s)\n", f.Fact, f.Confidence, evidenceURLs(f.Evidence))
	}
	b.WriteString("\nCONFLICTS:\n")
	if len(st.Conflicts) == 0 {
		b.WriteString("- none\n")
	}
	for _, c := range st.Conflicts {
		fmt.Fprintf(&b, "- %s: %s (sources: %s)\n", c.Claim, c.Reason, evidenceURLs(c.Sources))
	}
	b.WriteString("\nUNCERTAINTY / OPEN QUESTIONS:\n")
	if len(st.UncertainFacts) == 0 {
		b.WriteString("- none\n")
	}
	for _, u := range st.UncertainFacts {
		fmt.Fprintf(&b, "- %s\n", u)
	}
	b.WriteString("\nWrite the executive synthesis now.")
	return b.String()
}

// RenderReport formats the verification results as Markdown without a
// model.
func RenderReport(st state.SessionState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Research report\n\n**Request:** %s\n\n## Verified findings\n\n", st.EffectiveQuery())
	if len(st.VerifiedFacts) == 0 {
		b.WriteString("No findings could be verified.\n")
	}
	for _, f := range st.VerifiedFacts {
		fmt.Fprintf(&b, "- %s (confidence %.2f)\n", f.Fact, f.Confidence)
		for _, e := range f.Evidence {
			fmt.Fprintf(&b, "  - %s\n", evidenceLink(e))
		}
	}
	if len(st.Conflicts) > 0 {
		b.WriteString("\n## Conflicts\n\n")
		for _, c := range st.Conflicts {
			fmt.Fprintf(&b, "- **%s**: %s\n", c.Claim, c.Reason)
			for _, e := range c.Sources {
				fmt.Fprintf(&b, "  - %s\n", evidenceLink(e))
			}
		}
	}
	if len(st.UncertainFacts) > 0 {
		b.WriteString("\n## Open questions\n\n")
		for _, u := range st.UncertainFacts {
			fmt.Fprintf(&b, "- %s\n", u)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

func evidenceURLs(ev []state.Evidence) string {
	urls := make([]string, len(ev))
	for i, e := range ev {
		urls[i] = e.URL
	}
	return strings.Join(urls, ", ")
}

func evidenceLink(e state.Evidence) string {
	if e.Title == "" {
		return e.URL
	}
	return fmt.Sprintf("[%s](%s)", e.Title, e.URL)
}
