// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package evidence classifies sources and turns per-source extracted claims
// into verified facts, conflicts and uncertain items.
//
// Aggregation is deterministic: the same notes always give the same report,
// in the same order, and nothing in the report is absent from the notes.
//
// Rules:
//
//	verified  - two or more independent domains agree, or an official
//	            source states it, and no source contradicts it
//	conflict  - sources make incompatible statements about the same topic
//	uncertain - everything else
//
// Two sources are independent when their registrable domains differ.
package evidence

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

// ErrInsufficientEvidence is returned alongside a complete Report when the
// input held no usable claims. It is not a failure.
var ErrInsufficientEvidence = errors.New("insufficient evidence")

// NoFactsMessage is the single uncertain item reported for empty input.
const NoFactsMessage = "No extracted facts were available for verification."

// DefaultMaxClaimsPerSource caps claims taken from one note.
const DefaultMaxClaimsPerSource = 5

// Confidence bands. Gaps between bands are intentional: a score always
// lands inside the band for its independent-domain count.
const (
	singleSourceConfidence = 0.6
	pairFloor              = 0.7
	pairCeiling            = 0.8
	broadFloor             = 0.9
	broadCeiling           = 1.0
)

// categoryWeight is how much one domain of a category contributes to the
// strength of an agreement.
var categoryWeight = map[state.SourceCategory]float64{
	state.CategoryOfficial:        1.0,
	state.CategoryIndependentBlog: 0.75,
	state.CategoryVendorBlog:      0.5,
}

// Report is the aggregator's output.
type Report struct {
	VerifiedFacts  []state.VerifiedFact
	Conflicts      []state.Conflict
	UncertainFacts []string
}

// Aggregator consolidates notes into a Report.
//
// Thread Safety: Safe for concurrent use; it holds no mutable state.
type Aggregator struct {
	maxClaimsPerSource int
	domainOf           func(rawURL string) string
}

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithMaxClaimsPerSource caps how many claims are read from each note.
func WithMaxClaimsPerSource(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.maxClaimsPerSource = n
		}
	}
}

// WithDomainFunc overrides how a URL's origin is determined.
func WithDomainFunc(fn func(rawURL string) string) Option {
	return func(a *Aggregator) {
		if fn != nil {
			a.domainOf = fn
		}
	}
}

// NewAggregator creates an aggregator.
func NewAggregator(opts ...Option) *Aggregator {
	a := &Aggregator{
		maxClaimsPerSource: DefaultMaxClaimsPerSource,
		domainOf:           RegistrableDomain,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// claim is one statement from one source.
type claim struct {
	text     string
	shape    claimShape
	evidence state.Evidence
	category state.SourceCategory
	domain   string
}

// variant groups the claims that say the same thing about a topic.
type variant struct {
	text   string
	claims []claim
}

// topic groups every variant about one subject, in first-seen order.
type topic struct {
	variants []*variant
	byKey    map[string]*variant
}

// Aggregate classifies every claim in notes.
//
// Description:
//
//	Forum notes and blank claims are ignored. Claims are grouped by topic;
//	a topic with incompatible variants from at least two sources becomes a
//	conflict carrying every evidence reference of the topic. A topic with a
//	single variant is verified when it has two or more independent domains
//	or an official source, and uncertain otherwise. Output order follows
//	the first appearance of each topic.
//
// Inputs:
//
//	notes - Per-source claims, in source order.
//
// Outputs:
//
//	Report - Always populated. For empty input it holds one uncertain item.
//	error - ErrInsufficientEvidence when there was nothing to classify.
func (a *Aggregator) Aggregate(notes []state.Note) (Report, error) {
	topics, order := a.group(notes)
	if len(order) == 0 {
		return Report{UncertainFacts: []string{NoFactsMessage}}, ErrInsufficientEvidence
	}

	var r Report
	for _, key := range order {
		t := topics[key]
		if len(t.variants) > 1 {
			if c, ok := conflictOf(t); ok {
				r.Conflicts = append(r.Conflicts, c)
				continue
			}
			for _, v := range t.variants {
				r.UncertainFacts = append(r.UncertainFacts,
					fmt.Sprintf("%s (contradicted within %s)", v.text, v.claims[0].evidence.URL))
			}
			continue
		}

		v := t.variants[0]
		if fact, ok := verify(v); ok {
			r.VerifiedFacts = append(r.VerifiedFacts, fact)
		} else {
			r.UncertainFacts = append(r.UncertainFacts, uncertainText(v))
		}
	}
	return r, nil
}

// Aggregate runs a default Aggregator.
func Aggregate(notes []state.Note) (Report, error) {
	return NewAggregator().Aggregate(notes)
}

func (a *Aggregator) group(notes []state.Note) (map[string]*topic, []string) {
	topics := make(map[string]*topic)
	var order []string

	for _, note := range notes {
		if note.Category == state.CategoryForum {
			continue
		}
		category := note.Category
		if !category.Valid() {
			category = Classify(note.URL)
		}
		url := strings.TrimSpace(note.URL)
		ev := state.Evidence{URL: url, Title: strings.TrimSpace(note.Title)}
		domain := ""
		if url != "" {
			domain = a.domainOf(url)
		}

		taken := 0
		seen := make(map[string]bool)
		for _, raw := range note.Facts {
			if taken == a.maxClaimsPerSource {
				break
			}
			text := strings.TrimSpace(raw)
			if text == "" {
				continue
			}
			shape := shapeOf(text)
			if seen[shape.identity()] {
				continue
			}
			seen[shape.identity()] = true
			taken++

			t, ok := topics[shape.topic]
			if !ok {
				t = &topic{byKey: make(map[string]*variant)}
				topics[shape.topic] = t
				order = append(order, shape.topic)
			}
			v, ok := t.byKey[shape.assertion]
			if !ok {
				v = &variant{text: text}
				t.byKey[shape.assertion] = v
				t.variants = append(t.variants, v)
			}
			v.claims = append(v.claims, claim{
				text:     text,
				shape:    shape,
				evidence: ev,
				category: category,
				domain:   domain,
			})
		}
	}
	return topics, order
}

// conflictOf builds the conflict for a topic with several variants. It
// fails when fewer than two distinct sources are involved.
func conflictOf(t *topic) (state.Conflict, bool) {
	var sources []state.Evidence
	seen := make(map[string]bool)
	parts := make([]string, 0, len(t.variants))
	for _, v := range t.variants {
		refs := uniqueEvidence(v.claims)
		for _, ev := range refs {
			if !seen[ev.URL] {
				seen[ev.URL] = true
				sources = append(sources, ev)
			}
		}
		parts = append(parts, fmt.Sprintf("%q (%s)", v.text, plural(len(refs), "source")))
	}
	if len(sources) < 2 {
		return state.Conflict{}, false
	}
	return state.Conflict{
		Claim:   t.variants[0].text,
		Sources: sources,
		Reason:  "sources disagree: " + strings.Join(parts, " vs "),
	}, true
}

// verify applies the verification rule to a single uncontested variant.
func verify(v *variant) (state.VerifiedFact, bool) {
	refs := uniqueEvidence(v.claims)
	if len(refs) == 0 {
		return state.VerifiedFact{}, false
	}

	strength := make(map[string]float64)
	official := false
	for _, c := range v.claims {
		if c.evidence.URL == "" {
			continue
		}
		if c.category == state.CategoryOfficial {
			official = true
		}
		if w := categoryWeight[c.category]; w > strength[c.domain] {
			strength[c.domain] = w
		}
	}

	n := len(strength)
	if n < 2 && !official {
		return state.VerifiedFact{}, false
	}
	var total float64
	for _, w := range strength {
		total += w
	}
	return state.VerifiedFact{
		Fact:       v.text,
		Confidence: confidence(n, total),
		Evidence:   refs,
	}, true
}

// confidence scores an agreement across n independent domains whose
// category weights sum to strength.
//
// Description:
//
//	n == 1 (official only)  -> 0.6
//	n == 2                  -> 0.7 .. 0.8 as strength goes 1.0 .. 2.0
//	n >= 3                  -> 0.9 .. 1.0 as strength goes 1.5 .. 3.0
//
//	The score never decreases when a domain is added or a domain's
//	category gets stronger.
func confidence(n int, strength float64) float64 {
	var score float64
	switch {
	case n <= 1:
		score = singleSourceConfidence
	case n == 2:
		score = pairFloor + (pairCeiling-pairFloor)*clamp(strength-1.0)
	default:
		score = broadFloor + (broadCeiling-broadFloor)*clamp((strength-1.5)/1.5)
	}
	return math.Round(score*100) / 100
}

func clamp(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}

// uniqueEvidence returns the variant's references with a URL, first
// occurrence per URL.
func uniqueEvidence(claims []claim) []state.Evidence {
	var refs []state.Evidence
	seen := make(map[string]bool)
	for _, c := range claims {
		if c.evidence.URL == "" || seen[c.evidence.URL] {
			continue
		}
		seen[c.evidence.URL] = true
		refs = append(refs, c.evidence)
	}
	return refs
}

func uncertainText(v *variant) string {
	refs := uniqueEvidence(v.claims)
	switch {
	case len(refs) == 0:
		return v.text + " (no source reference)"
	case len(refs) == 1:
		return fmt.Sprintf("%s (single %s source: %s)", v.text, v.claims[0].category, refs[0].URL)
	default:
		return fmt.Sprintf("%s (%s, same origin: %s)", v.text, plural(len(refs), "source"), v.claims[0].domain)
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
