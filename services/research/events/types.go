// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package events publishes research session progress.
//
// The executor publishes one event per stage boundary, suspension and
// session end. Subscribers (the websocket endpoint, the CLI progress line,
// tests) observe without being able to influence execution.
//
// Thread Safety:
//
//	All types in this package are designed for concurrent use.
package events

import (
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// Type identifies the kind of event.
type Type string

const (
	// TypeSessionStart is emitted when Run begins a new session.
	TypeSessionStart Type = "session_start"

	// TypeResumed is emitted when a suspended or interrupted session
	// is picked up again.
	TypeResumed Type = "resumed"

	// TypeStageStart is emitted before a stage is applied.
	TypeStageStart Type = "stage_start"

	// TypeStageComplete is emitted after a stage's update is merged and
	// checkpointed.
	TypeStageComplete Type = "stage_complete"

	// TypeStageFailed is emitted when a stage returns an error.
	TypeStageFailed Type = "stage_failed"

	// TypeSuspended is emitted when a stage asks for external input.
	TypeSuspended Type = "suspended"

	// TypeSessionEnd is emitted when the pipeline finishes.
	TypeSessionEnd Type = "session_end"
)

// Event is one progress notification.
//
// Thread Safety: Treat as immutable after creation.
type Event struct {
	ID        string `json:"id"`
	Type      Type   `json:"type"`
	SessionID string `json:"session_id"`

	// Timestamp is Unix milliseconds UTC.
	Timestamp int64 `json:"timestamp"`

	// Stage is set for stage and suspension events.
	Stage string `json:"stage,omitempty"`

	// Data is one of StageData, SuspendedData or SessionEndData.
	Data any `json:"data,omitempty"`
}

// StageData accompanies stage events.
type StageData struct {
	// DurationMs is set on completion and failure.
	DurationMs int64 `json:"duration_ms,omitempty"`

	// Keys lists the state keys the stage replaced.
	Keys []string `json:"keys,omitempty"`

	// Next is the stage that runs after this one, if any.
	Next string `json:"next,omitempty"`

	Error string `json:"error,omitempty"`
}

// SuspendedData accompanies TypeSuspended.
type SuspendedData struct {
	Interrupt *state.PendingInterrupt `json:"interrupt"`
}

// SessionEndData accompanies TypeSessionEnd.
type SessionEndData struct {
	VerifiedFacts  int   `json:"verified_facts"`
	Conflicts      int   `json:"conflicts"`
	UncertainFacts int   `json:"uncertain_facts"`
	DurationMs     int64 `json:"duration_ms"`
}

// Publisher accepts events.
type Publisher interface {
	Publish(ev Event)
}

// PublisherFunc adapts a function to Publisher.
type PublisherFunc func(ev Event)

// Publish calls f.
func (f PublisherFunc) Publish(ev Event) {
	f(ev)
}

// Discard drops every event.
var Discard Publisher = PublisherFunc(func(Event) {})
