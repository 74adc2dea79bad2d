// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package state

import "strings"

// InterruptKind tags what a suspended stage is waiting for.
type InterruptKind string

// InterruptClarification asks the caller to clarify an ambiguous query.
const InterruptClarification InterruptKind = "clarification"

// PendingInterrupt is produced by a stage that cannot continue without
// external input. At most one is outstanding per session.
type PendingInterrupt struct {
	Kind      InterruptKind `json:"type"`
	Reason    string        `json:"reason"`
	Questions []string      `json:"questions"`

	// Round is the clarification round the answer will belong to.
	Round int `json:"round"`
}

// Clone returns a deep copy of p, or nil when p is nil.
func (p *PendingInterrupt) Clone() *PendingInterrupt {
	if p == nil {
		return nil
	}
	out := *p
	out.Questions = cloneStrings(p.Questions)
	return &out
}

// ResumeCommand carries the caller's answer to a PendingInterrupt.
type ResumeCommand struct {
	ClarifiedQuery string `json:"clarified_query"`
	Round          int    `json:"round"`
}

// ClarifiedQuery joins the caller's answers onto the original query.
//
// Description:
//
//	Blank answers are dropped and the rest are trimmed and joined with a
//	single space, then appended to base after " | ". When no answer has
//	content the base query is returned unchanged.
//
// Inputs:
//
//	base - The session's original query.
//	answers - Free-text answers in question order.
//
// Outputs:
//
//	string - The clarified query.
//
// Example:
//
//	ClarifiedQuery("best laptop", []string{"under $1000", "", "video editing"})
//	// "best laptop | under $1000 video editing"
func ClarifiedQuery(base string, answers []string) string {
	kept := make([]string, 0, len(answers))
	for _, a := range answers {
		if a = strings.TrimSpace(a); a != "" {
			kept = append(kept, a)
		}
	}
	if len(kept) == 0 {
		return base
	}
	return base + " | " + strings.Join(kept, " ")
}
