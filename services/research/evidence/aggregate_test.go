// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package evidence

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

func note(url string, category state.SourceCategory, facts ...string) state.Note {
	return state.Note{URL: url, Title: "Title of " + url, Category: category, Facts: facts}
}

func TestAggregate_EmptyInput(t *testing.T) {
	for _, notes := range [][]state.Note{
		nil,
		{},
		{note("https://a.com", state.CategoryVendorBlog)},
		{note("https://a.com", state.CategoryVendorBlog, "", "   ")},
		{note("https://reddit.com/r/x", state.CategoryForum, "Forum claim")},
	} {
		r, err := Aggregate(notes)
		assert.ErrorIs(t, err, ErrInsufficientEvidence)
		assert.Empty(t, r.VerifiedFacts)
		assert.Empty(t, r.Conflicts)
		assert.Equal(t, []string{NoFactsMessage}, r.UncertainFacts)
	}
}

func TestAggregate_PriceConflict(t *testing.T) {
	notes := []state.Note{
		note("https://alice.blog.example/review", state.CategoryIndependentBlog, "Product X costs $50"),
		note("https://bobs-reviews.blogspot.com/x", state.CategoryIndependentBlog, "Product X costs $50."),
		note("https://vendor.com/product-x", state.CategoryVendorBlog, "Product X costs $60"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)

	assert.Empty(t, r.VerifiedFacts)
	assert.Empty(t, r.UncertainFacts)
	require.Len(t, r.Conflicts, 1)

	c := r.Conflicts[0]
	assert.Equal(t, "Product X costs $50", c.Claim)
	assert.Contains(t, c.Reason, "disagree")
	assert.Contains(t, c.Reason, "2 sources")
	assert.Contains(t, c.Reason, "$60")
	require.Len(t, c.Sources, 3)
	assert.Equal(t, "https://alice.blog.example/review", c.Sources[0].URL)
	assert.Equal(t, "https://bobs-reviews.blogspot.com/x", c.Sources[1].URL)
	assert.Equal(t, "https://vendor.com/product-x", c.Sources[2].URL)
}

func TestAggregate_NegationConflicts(t *testing.T) {
	notes := []state.Note{
		note("https://go.dev/doc", state.CategoryVendorBlog, "Go supports generics"),
		note("https://old-faq.example.org", state.CategoryVendorBlog, "Go does not support generics"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	require.Len(t, r.Conflicts, 1)
	assert.Empty(t, r.VerifiedFacts)
}

func TestAggregate_TwoIndependentDomainsVerify(t *testing.T) {
	notes := []state.Note{
		note("https://vendor-a.com/x", state.CategoryVendorBlog, "The M3 chip has 8 CPU cores"),
		note("https://review-b.com/y", state.CategoryVendorBlog, "the M3 chip has 8 CPU cores!"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	require.Len(t, r.VerifiedFacts, 1)

	f := r.VerifiedFacts[0]
	assert.Equal(t, "The M3 chip has 8 CPU cores", f.Fact)
	assert.Equal(t, 0.7, f.Confidence)
	require.Len(t, f.Evidence, 2)
	assert.Equal(t, "Title of https://vendor-a.com/x", f.Evidence[0].Title)
}

func TestAggregate_SameDomainIsNotIndependent(t *testing.T) {
	notes := []state.Note{
		note("https://shop.vendor.com/a", state.CategoryVendorBlog, "Widget ships in 2 days"),
		note("https://blog.vendor.com/b", state.CategoryIndependentBlog, "Widget ships in 2 days"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	assert.Empty(t, r.VerifiedFacts)
	require.Len(t, r.UncertainFacts, 1)
	assert.Contains(t, r.UncertainFacts[0], "same origin: vendor.com")
}

func TestAggregate_SingleOfficialVerifies(t *testing.T) {
	notes := []state.Note{
		note("https://www.census.gov/data", state.CategoryOfficial, "The US population exceeded 330 million in 2020"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	require.Len(t, r.VerifiedFacts, 1)
	assert.Equal(t, 0.6, r.VerifiedFacts[0].Confidence)
}

func TestAggregate_SingleNonOfficialIsUncertain(t *testing.T) {
	notes := []state.Note{
		note("https://vendor.com/x", state.CategoryVendorBlog, "Our laptop is the fastest"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	assert.Empty(t, r.VerifiedFacts)
	assert.Empty(t, r.Conflicts)
	require.Len(t, r.UncertainFacts, 1)
	assert.Equal(t, "Our laptop is the fastest (single vendor_blog source: https://vendor.com/x)", r.UncertainFacts[0])
}

func TestAggregate_OfficialContradictedIsConflict(t *testing.T) {
	notes := []state.Note{
		note("https://www.nist.gov/a", state.CategoryOfficial, "The standard was published in 2001"),
		note("https://vendor.com/b", state.CategoryVendorBlog, "The standard was published in 2003"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	assert.Empty(t, r.VerifiedFacts)
	require.Len(t, r.Conflicts, 1)
}

func TestAggregate_SingleSourceContradictingItself(t *testing.T) {
	notes := []state.Note{
		note("https://vendor.com/x", state.CategoryVendorBlog, "Plan costs $10", "Plan costs $12"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	assert.Empty(t, r.Conflicts)
	assert.Empty(t, r.VerifiedFacts)
	require.Len(t, r.UncertainFacts, 2)
	assert.Contains(t, r.UncertainFacts[0], "contradicted within https://vendor.com/x")
}

func TestAggregate_MissingURLDemotesToUncertain(t *testing.T) {
	notes := []state.Note{
		{Category: state.CategoryOfficial, Facts: []string{"Water boils at 100 C at sea level"}},
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)
	assert.Empty(t, r.VerifiedFacts)
	require.Len(t, r.UncertainFacts, 1)
	assert.Contains(t, r.UncertainFacts[0], "no source reference")
}

func TestAggregate_CapsClaimsPerSource(t *testing.T) {
	facts := make([]string, 8)
	for i := range facts {
		facts[i] = fmt.Sprintf("Distinct fact about topic %c", 'a'+i)
	}
	r, err := NewAggregator(WithMaxClaimsPerSource(3)).Aggregate([]state.Note{
		note("https://vendor.com/x", state.CategoryVendorBlog, facts...),
	})
	require.NoError(t, err)
	assert.Len(t, r.UncertainFacts, 3)
}

func TestAggregate_UnknownCategoryIsClassifiedFromURL(t *testing.T) {
	r, err := Aggregate([]state.Note{
		{URL: "https://www.nasa.gov/x", Facts: []string{"Artemis II is crewed"}},
	})
	require.NoError(t, err)
	require.Len(t, r.VerifiedFacts, 1)
}

func TestAggregate_Soundness(t *testing.T) {
	notes := []state.Note{
		note("https://a.com/1", state.CategoryVendorBlog, "Alpha is red", "Beta costs $5", "Gamma is fast"),
		note("https://b.org/2", state.CategoryIndependentBlog, "Alpha is red", "Beta costs $7"),
		note("https://c.edu/3", state.CategoryOfficial, "Delta has 3 moons"),
		note("https://a.com/4", state.CategoryVendorBlog, "Gamma is fast"),
		note("https://reddit.com/r/x", state.CategoryForum, "Epsilon is blue", "Delta has 9 moons"),
	}

	r, err := Aggregate(notes)
	require.NoError(t, err)

	conflicted := make(map[string]bool)
	for _, c := range r.Conflicts {
		conflicted[c.Claim] = true
		assert.GreaterOrEqual(t, len(c.Sources), 2)
	}
	for _, f := range r.VerifiedFacts {
		assert.False(t, conflicted[f.Fact], "fact both verified and conflicted: %s", f.Fact)
		assert.NotEmpty(t, f.Evidence)
		assert.GreaterOrEqual(t, f.Confidence, 0.0)
		assert.LessOrEqual(t, f.Confidence, 1.0)
	}

	verified := make(map[string]bool)
	for _, f := range r.VerifiedFacts {
		verified[f.Fact] = true
	}
	assert.True(t, verified["Alpha is red"])
	assert.True(t, verified["Delta has 3 moons"], "forum contradiction must be ignored")
	assert.False(t, verified["Gamma is fast"], "two pages on one domain are one origin")
	assert.True(t, conflicted["Beta costs $5"])
	for _, u := range r.UncertainFacts {
		assert.NotContains(t, u, "Epsilon")
	}
}

func TestAggregate_Deterministic(t *testing.T) {
	notes := []state.Note{
		note("https://a.com", state.CategoryVendorBlog, "One", "Two costs $1"),
		note("https://b.com", state.CategoryVendorBlog, "One", "Two costs $2"),
		note("https://c.com", state.CategoryVendorBlog, "Three"),
	}
	first, _ := Aggregate(notes)
	for i := 0; i < 20; i++ {
		again, _ := Aggregate(notes)
		assert.Equal(t, first, again)
	}
}

func TestConfidence_Monotonic(t *testing.T) {
	assert.Equal(t, 0.6, confidence(1, 1.0))
	assert.Equal(t, 0.7, confidence(2, 1.0))
	assert.Equal(t, 0.8, confidence(2, 2.0))
	assert.Equal(t, 0.9, confidence(3, 1.5))
	assert.Equal(t, 1.0, confidence(5, 5.0))

	weights := []float64{0.5, 0.75, 1.0}
	// Adding a domain of the same category never lowers the score.
	for _, w := range weights {
		prev := 0.0
		for n := 1; n <= 6; n++ {
			score := confidence(n, float64(n)*w)
			assert.GreaterOrEqual(t, score, prev, "n=%d w=%v", n, w)
			prev = score
		}
	}
	// Stronger categories never lower the score for the same domain count.
	for n := 1; n <= 6; n++ {
		prev := 0.0
		for _, w := range weights {
			score := confidence(n, float64(n)*w)
			assert.GreaterOrEqual(t, score, prev, "n=%d w=%v", n, w)
			prev = score
		}
	}
}

func TestConfidence_BandsAgainstAggregation(t *testing.T) {
	notes := []state.Note{
		note("https://one.com", state.CategoryIndependentBlog, "Rust 1.0 shipped in 2015"),
		note("https://two.com", state.CategoryIndependentBlog, "Rust 1.0 shipped in 2015"),
		note("https://three.gov", state.CategoryOfficial, "Rust 1.0 shipped in 2015"),
	}
	r, err := Aggregate(notes)
	require.NoError(t, err)
	require.Len(t, r.VerifiedFacts, 1)
	c := r.VerifiedFacts[0].Confidence
	assert.GreaterOrEqual(t, c, 0.9)
	assert.LessOrEqual(t, c, 1.0)
}

func TestShapeOf(t *testing.T) {
	a := shapeOf("Product X costs $50.00")
	b := shapeOf("product x cost $50")
	c := shapeOf("Product X costs $60")
	d := shapeOf("Product X doesn't cost $50")

	assert.Equal(t, a, b)
	assert.Equal(t, a.topic, c.topic)
	assert.NotEqual(t, a.assertion, c.assertion)
	assert.Equal(t, a.topic, d.topic)
	assert.NotEqual(t, a.assertion, d.assertion)
}

func TestQuantity(t *testing.T) {
	tests := map[string]string{
		"$1,299.00": "$1299",
		"50%":       "50%",
		"(12)":      "12",
		"3.5x":      "3.5x",
		"€30":       "€30",
	}
	for in, want := range tests {
		got, ok := quantity(in)
		assert.True(t, ok, in)
		assert.Equal(t, want, got, in)
	}
	for _, in := range []string{"v2", "gpt4", "hello", "..."} {
		_, ok := quantity(in)
		assert.False(t, ok, in)
	}
}
