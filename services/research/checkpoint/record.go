// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"time"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// RecordVersion is the checkpoint format version.
const RecordVersion = "1.0.0"

// validSessionID bounds session ids to characters that are safe as file
// names, Badger keys and object names.
var validSessionID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{0,127}$`)

// Phase is where a session stands at the moment it was checkpointed.
type Phase string

const (
	// PhaseRunning means a stage boundary was crossed and NextStage is due.
	PhaseRunning Phase = "running"

	// PhaseAwaitingInput means Interrupt is outstanding.
	PhaseAwaitingInput Phase = "awaiting_input"

	// PhaseFailed means NextStage returned an error. The state is the one
	// the failed stage received.
	PhaseFailed Phase = "failed"
)

// Record is one session's latest checkpoint. Last write wins.
type Record struct {
	SessionID string                  `json:"session_id"`
	State     state.SessionState      `json:"session_state"`
	Interrupt *state.PendingInterrupt `json:"pending_interrupt,omitempty"`

	Phase     Phase  `json:"phase"`
	NextStage string `json:"next_stage,omitempty"`
	LastError string `json:"last_error,omitempty"`

	Version   string    `json:"version"`
	Checksum  string    `json:"checksum"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ValidateSessionID reports ErrInvalidInput for ids that cannot be stored.
func ValidateSessionID(id string) error {
	if !validSessionID.MatchString(id) {
		return fmt.Errorf("%w: session id %q", ErrInvalidInput, id)
	}
	return nil
}

// checksumBody is the content covered by the checksum. The timestamp is
// left out so that re-saving identical content yields an identical sum.
type checksumBody struct {
	SessionID string                  `json:"session_id"`
	State     state.SessionState      `json:"session_state"`
	Interrupt *state.PendingInterrupt `json:"pending_interrupt,omitempty"`
	Phase     Phase                   `json:"phase"`
	NextStage string                  `json:"next_stage,omitempty"`
	LastError string                  `json:"last_error,omitempty"`
	Version   string                  `json:"version"`
}

func computeChecksum(r *Record) (string, error) {
	data, err := json.Marshal(checksumBody{
		SessionID: r.SessionID,
		State:     r.State,
		Interrupt: r.Interrupt,
		Phase:     r.Phase,
		NextStage: r.NextStage,
		LastError: r.LastError,
		Version:   r.Version,
	})
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// seal validates r, stamps version and checksum, and returns the encoded
// record. r is not modified.
func seal(r Record, now time.Time) (Record, []byte, error) {
	if err := ValidateSessionID(r.SessionID); err != nil {
		return Record{}, nil, err
	}
	switch r.Phase {
	case PhaseRunning, PhaseFailed:
		if r.Interrupt != nil {
			return Record{}, nil, fmt.Errorf("%w: phase %s with pending interrupt", ErrInvalidInput, r.Phase)
		}
	case PhaseAwaitingInput:
		if r.Interrupt == nil {
			return Record{}, nil, fmt.Errorf("%w: awaiting input without interrupt", ErrInvalidInput)
		}
	default:
		return Record{}, nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, r.Phase)
	}

	r.State = r.State.Clone()
	r.Interrupt = r.Interrupt.Clone()
	r.Version = RecordVersion
	sum, err := computeChecksum(&r)
	if err != nil {
		return Record{}, nil, fmt.Errorf("compute checksum: %w", err)
	}
	r.Checksum = sum
	r.UpdatedAt = now.UTC()

	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, nil, fmt.Errorf("marshal checkpoint: %w", err)
	}
	return r, data, nil
}

// decode parses and verifies an encoded record.
func decode(data []byte) (*Record, error) {
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCheckpointCorrupt, err)
	}
	if r.Version != RecordVersion {
		return nil, fmt.Errorf("%w: got %s, want %s", ErrCheckpointVersionMismatch, r.Version, RecordVersion)
	}
	sum, err := computeChecksum(&r)
	if err != nil {
		return nil, fmt.Errorf("compute checksum: %w", err)
	}
	if sum != r.Checksum {
		return nil, fmt.Errorf("%w: checksum mismatch for session %s", ErrCheckpointCorrupt, r.SessionID)
	}
	return &r, nil
}

// sameContent reports whether existing already holds what sealed holds.
func sameContent(existing []byte, sealed Record) bool {
	if existing == nil {
		return false
	}
	prev, err := decode(existing)
	if err != nil {
		return false
	}
	return prev.Checksum == sealed.Checksum
}
