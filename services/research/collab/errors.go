// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package collab

import (
	"errors"
	"fmt"
)

var (
	// ErrCollaboratorTimeout indicates an external call exceeded its time bound.
	ErrCollaboratorTimeout = errors.New("collaborator call timed out")

	// ErrMalformedOutput indicates an external call returned a result that
	// does not fit the expected schema. Match it with errors.Is.
	ErrMalformedOutput = errors.New("malformed collaborator output")
)

// maxRawInError caps how much of a bad completion is kept on the error.
const maxRawInError = 512

// MalformedOutputError describes a structured result that could not be used.
type MalformedOutputError struct {
	// Operation names the call, e.g. "ambiguity" or "extract_facts".
	Operation string

	// Raw is the offending output, truncated.
	Raw string

	// Err is the decode or validation failure.
	Err error
}

// NewMalformedOutputError builds a MalformedOutputError, truncating raw.
func NewMalformedOutputError(operation, raw string, err error) *MalformedOutputError {
	if len(raw) > maxRawInError {
		raw = raw[:maxRawInError] + "..."
	}
	return &MalformedOutputError{Operation: operation, Raw: raw, Err: err}
}

func (e *MalformedOutputError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: malformed output", e.Operation)
	}
	return fmt.Sprintf("%s: malformed output: %v", e.Operation, e.Err)
}

func (e *MalformedOutputError) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, ErrMalformedOutput) hold for every
// MalformedOutputError.
func (e *MalformedOutputError) Is(target error) bool {
	return target == ErrMalformedOutput
}
