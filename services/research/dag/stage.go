// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package dag

import (
	"context"
	"time"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// DefaultStageTimeout bounds a stage that does not declare its own.
const DefaultStageTimeout = 5 * time.Minute

// StageName identifies a stage in the topology.
type StageName string

const (
	StagePlanner     StageName = "planner"
	StageSearch      StageName = "search"
	StageReader      StageName = "reader"
	StageVerifier    StageName = "verifier"
	StageSynthesizer StageName = "synthesizer"
)

// Outcome is what a stage hands back: an update to merge, or an interrupt
// asking for external input. Exactly one of the two is meaningful; a
// non-nil Interrupt wins and Update is ignored.
type Outcome struct {
	Update    state.Update
	Interrupt *state.PendingInterrupt
}

// Advance returns an outcome that merges u and moves on.
func Advance(u state.Update) Outcome {
	return Outcome{Update: u}
}

// Suspend returns an outcome that pauses the session on p.
func Suspend(p *state.PendingInterrupt) Outcome {
	return Outcome{Interrupt: p}
}

// Suspended reports whether the outcome carries an interrupt.
func (o Outcome) Suspended() bool {
	return o.Interrupt != nil
}

// Stage is one unit of the pipeline.
//
// Apply receives a private copy of the session state. It must not keep
// references to it after returning and must produce the same outcome when
// re-applied to the same state, because a crash between Apply and the
// checkpoint causes the stage to run again.
//
// An error from Apply is a structural failure that stops the run. Partial
// failures of external calls are absorbed inside the stage.
type Stage interface {
	Name() StageName
	Timeout() time.Duration
	Apply(ctx context.Context, st state.SessionState) (Outcome, error)
}

// BaseStage provides Name and Timeout for embedding.
type BaseStage struct {
	StageName    StageName
	StageTimeout time.Duration
}

// Name returns the stage name.
func (b *BaseStage) Name() StageName {
	return b.StageName
}

// Timeout returns the stage timeout, or DefaultStageTimeout when unset.
func (b *BaseStage) Timeout() time.Duration {
	if b.StageTimeout <= 0 {
		return DefaultStageTimeout
	}
	return b.StageTimeout
}

// FuncStage adapts a function to Stage.
type FuncStage struct {
	BaseStage
	fn func(ctx context.Context, st state.SessionState) (Outcome, error)
}

// NewFuncStage creates a stage that calls fn.
func NewFuncStage(name StageName, fn func(ctx context.Context, st state.SessionState) (Outcome, error)) *FuncStage {
	return &FuncStage{
		BaseStage: BaseStage{StageName: name},
		fn:        fn,
	}
}

// WithTimeout sets the stage timeout and returns the stage.
func (f *FuncStage) WithTimeout(d time.Duration) *FuncStage {
	f.StageTimeout = d
	return f
}

// Apply calls the wrapped function.
func (f *FuncStage) Apply(ctx context.Context, st state.SessionState) (Outcome, error) {
	return f.fn(ctx, st)
}
