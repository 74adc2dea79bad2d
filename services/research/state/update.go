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

// Update is a partial Session State produced by one stage.
//
// Description:
//
//	A nil field leaves the corresponding key untouched. A non-nil field
//	replaces the key wholesale; slices are never appended to or patched.
//	To clear a list, set it to an empty, non-nil slice.
//
// Thread Safety: Not synchronized. Treat as immutable once returned.
type Update struct {
	ClarifiedQuery         *string
	ClarificationRound     *int
	ClarificationComplete  *bool
	ClarificationQuestions []string

	Plan          *Plan
	SearchQueries []string

	Sources        []Source
	Notes          []Note
	VerifiedFacts  []VerifiedFact
	Conflicts      []Conflict
	UncertainFacts []string

	FinalAnswer *string
}

// Ptr returns a pointer to v. Handy for building updates.
func Ptr[T any](v T) *T {
	return &v
}

// Keys lists the state keys this update touches, in declaration order.
func (u Update) Keys() []string {
	keys := make([]string, 0, 12)
	add := func(touched bool, key string) {
		if touched {
			keys = append(keys, key)
		}
	}
	add(u.ClarifiedQuery != nil, "clarified_query")
	add(u.ClarificationRound != nil, "clarification_round")
	add(u.ClarificationComplete != nil, "clarification_complete")
	add(u.ClarificationQuestions != nil, "clarification_questions")
	add(u.Plan != nil, "plan")
	add(u.SearchQueries != nil, "search_queries")
	add(u.Sources != nil, "sources")
	add(u.Notes != nil, "notes")
	add(u.VerifiedFacts != nil, "verified_facts")
	add(u.Conflicts != nil, "conflicts")
	add(u.UncertainFacts != nil, "uncertain_facts")
	add(u.FinalAnswer != nil, "final_answer")
	return keys
}

// IsEmpty reports whether the update touches no key.
func (u Update) IsEmpty() bool {
	return len(u.Keys()) == 0
}

// Merge applies u to s by shallow key union and returns the result.
//
// Description:
//
//	Keys set in u override the same keys in s; keys u leaves nil are
//	carried over unchanged. Neither s nor u is modified and the result
//	shares no backing arrays with either. Replaced lists that are empty
//	are stored as nil so that a state survives a JSON round trip
//	unchanged.
//
// Inputs:
//
//	s - The current state.
//	u - The partial update from one stage.
//
// Outputs:
//
//	SessionState - The merged state.
func Merge(s SessionState, u Update) SessionState {
	out := s.Clone()
	if u.ClarifiedQuery != nil {
		out.ClarifiedQuery = *u.ClarifiedQuery
	}
	if u.ClarificationRound != nil {
		out.ClarificationRound = *u.ClarificationRound
	}
	if u.ClarificationComplete != nil {
		out.ClarificationComplete = *u.ClarificationComplete
	}
	if u.ClarificationQuestions != nil {
		out.ClarificationQuestions = nilIfEmpty(cloneStrings(u.ClarificationQuestions))
	}
	if u.Plan != nil {
		p := u.Plan.Clone()
		out.Plan = &p
	}
	if u.SearchQueries != nil {
		out.SearchQueries = nilIfEmpty(cloneStrings(u.SearchQueries))
	}
	if u.Sources != nil {
		out.Sources = nilIfEmpty(cloneSlice(u.Sources))
	}
	if u.Notes != nil {
		out.Notes = nilIfEmpty(SessionState{Notes: u.Notes}.Clone().Notes)
	}
	if u.VerifiedFacts != nil {
		out.VerifiedFacts = nilIfEmpty(SessionState{VerifiedFacts: u.VerifiedFacts}.Clone().VerifiedFacts)
	}
	if u.Conflicts != nil {
		out.Conflicts = nilIfEmpty(SessionState{Conflicts: u.Conflicts}.Clone().Conflicts)
	}
	if u.UncertainFacts != nil {
		out.UncertainFacts = nilIfEmpty(cloneStrings(u.UncertainFacts))
	}
	if u.FinalAnswer != nil {
		out.FinalAnswer = *u.FinalAnswer
	}
	return out
}

func nilIfEmpty[T any](in []T) []T {
	if len(in) == 0 {
		return nil
	}
	return in
}
