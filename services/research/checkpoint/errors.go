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
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates no checkpoint exists for the session.
	ErrNotFound = errors.New("session not found")

	// ErrSessionBusy indicates the session is already being driven, or is
	// suspended and waiting for a resume.
	ErrSessionBusy = errors.New("session busy")

	// ErrCheckpointCorrupt indicates the stored checksum does not match.
	ErrCheckpointCorrupt = errors.New("checkpoint corrupt")

	// ErrCheckpointVersionMismatch indicates an incompatible record version.
	ErrCheckpointVersionMismatch = errors.New("checkpoint version mismatch")

	// ErrInvalidInput indicates a malformed session id or record.
	ErrInvalidInput = errors.New("invalid input")
)

func notFound(sessionID string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, sessionID)
}
