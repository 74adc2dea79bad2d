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
	"errors"
	"fmt"
)

var (
	// ErrNilContext indicates a nil context was passed.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilStage indicates a nil stage was passed to NewPipeline.
	ErrNilStage = errors.New("stage must not be nil")

	// ErrDuplicateStage indicates a stage name was registered twice.
	ErrDuplicateStage = errors.New("duplicate stage name")

	// ErrUnknownStage indicates a stage name outside the topology.
	ErrUnknownStage = errors.New("unknown stage")

	// ErrMissingStage indicates the topology lacks a stage implementation.
	ErrMissingStage = errors.New("missing stage")

	// ErrInvalidInput indicates invalid executor construction arguments.
	ErrInvalidInput = errors.New("invalid input")

	// ErrStageTimeout indicates a stage exceeded its time bound.
	ErrStageTimeout = errors.New("stage timeout")

	// ErrNoProgress indicates the executor exceeded its transition budget,
	// which only happens when a stage loops without converging.
	ErrNoProgress = errors.New("no progress")

	// ErrNotSuspended indicates Resume was called on a session that has
	// no pending interrupt.
	ErrNotSuspended = errors.New("session is not awaiting input")

	// ErrStaleResume indicates a resume command for a different round than
	// the pending interrupt.
	ErrStaleResume = errors.New("resume does not match pending interrupt")
)

// StageError wraps an error returned by a stage.
type StageError struct {
	Stage StageName
	Err   error
}

// Error implements the error interface.
func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *StageError) Unwrap() error {
	return e.Err
}

// StageExpired reports whether ctx ended because the stage's own time
// bound ran out while the run itself is still live. A stage that sees
// this may finish with what it has gathered instead of failing.
func StageExpired(ctx context.Context) bool {
	return ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrStageTimeout)
}
