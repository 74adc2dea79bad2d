// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/collab"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// scriptedModel answers by call kind. A handler returns the value to
// encode into the caller's output, or an error.
type scriptedModel struct {
	mu       sync.Mutex
	handlers map[string]func(user string) (any, error)
	calls    map[string]int
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{handlers: map[string]func(string) (any, error){}, calls: map[string]int{}}
}

func (m *scriptedModel) on(kind string, fn func(user string) (any, error)) *scriptedModel {
	m.handlers[kind] = fn
	return m
}

func (m *scriptedModel) count(kind string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[kind]
}

func kindOf(system string) string {
	switch {
	case system == AmbiguityPrompt:
		return "ambiguity"
	case strings.HasPrefix(system, "You write clarification"):
		return "clarification"
	case system == PlannerPrompt:
		return "plan"
	case strings.HasPrefix(system, "You extract facts"):
		return "extract"
	case system == SynthesisPrompt:
		return "synthesize"
	}
	return "unknown"
}

func (m *scriptedModel) Invoke(ctx context.Context, system, user string, out any) error {
	kind := kindOf(system)
	m.mu.Lock()
	m.calls[kind]++
	fn := m.handlers[kind]
	m.mu.Unlock()
	if fn == nil {
		return collab.NewMalformedOutputError(kind, "", errors.New("no script"))
	}
	v, err := fn(user)
	if err != nil {
		return err
	}
	if s, ok := out.(*string); ok {
		*s = v.(string)
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, out)
}

type staticSearcher struct {
	mu      sync.Mutex
	results map[string][]collab.SearchResult
	errs    map[string]error
	delay   map[string]time.Duration
	maxSeen []int
}

func (s *staticSearcher) Search(ctx context.Context, query string, maxResults int) ([]collab.SearchResult, error) {
	s.mu.Lock()
	s.maxSeen = append(s.maxSeen, maxResults)
	d := s.delay[query]
	s.mu.Unlock()
	if d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := s.errs[query]; err != nil {
		return nil, err
	}
	return s.results[query], nil
}

type mapFetcher struct {
	mu      sync.Mutex
	pages   map[string]string
	fetched []string
}

func (f *mapFetcher) Fetch(_ context.Context, url string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetched = append(f.fetched, url)
	return f.pages[url]
}

func testDeps(model collab.Model, searcher collab.Searcher, fetcher collab.Fetcher) Deps {
	return Deps{
		Model:       model,
		Searcher:    searcher,
		Fetcher:     fetcher,
		ModelPolicy: collab.Policy{Timeout: time.Second, MaxAttempts: 1},
		Logger:      quiet,
	}
}

func buildStage(t *testing.T, d Deps, name dag.StageName) dag.Stage {
	t.Helper()
	all, err := New(d)
	require.NoError(t, err)
	for _, s := range all {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("no stage %s", name)
	return nil
}

func clearVerdict() (any, error) { return ambiguityVerdict{Status: "CLEAR", Reason: "specific"}, nil }
func ambiguousVerdict() (any, error) { return ambiguityVerdict{Status: "AMBIGUOUS", Reason: "no criteria"}, nil }

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Deps{})
	assert.ErrorIs(t, err, ErrMissingCollaborator)
	_, err = New(Deps{Model: newScriptedModel()})
	assert.ErrorIs(t, err, ErrMissingCollaborator)

	p, err := NewPipeline(testDeps(newScriptedModel(), &staticSearcher{}, &mapFetcher{}))
	require.NoError(t, err)
	assert.Equal(t, dag.StagePlanner, p.Entry())
}

func TestPlanner_ClearQueryPlans(t *testing.T) {
	model := newScriptedModel().
		on("ambiguity", func(string) (any, error) { return clearVerdict() }).
		on("plan", func(user string) (any, error) {
			return researchPlan{
				Objectives:    []string{"price", " ", "price"},
				SearchQueries: []string{" go 1.22 release date ", "Go 1.22 release date", "go 1.22 changes"},
			}, nil
		})
	p := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StagePlanner)

	out, err := p.Apply(context.Background(), state.New("when was go 1.22 released"))
	require.NoError(t, err)
	require.False(t, out.Suspended())
	assert.Equal(t, true, *out.Update.ClarificationComplete)
	assert.Equal(t, []string{"go 1.22 release date", "go 1.22 changes"}, out.Update.SearchQueries)
	assert.Equal(t, []string{"price"}, out.Update.Plan.Objectives)
	assert.NotNil(t, out.Update.ClarificationQuestions, "questions key is cleared")
	assert.Empty(t, out.Update.ClarificationQuestions)
}

func TestPlanner_AmbiguousSuspends(t *testing.T) {
	model := newScriptedModel().
		on("ambiguity", func(string) (any, error) { return ambiguousVerdict() }).
		on("clarification", func(string) (any, error) {
			return clarificationQuestions{Questions: []string{" Budget? ", "", "Use case?", "Screen size?", "OS?"}}, nil
		})
	p := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StagePlanner)

	st := state.New("best laptop")
	out, err := p.Apply(context.Background(), st)
	require.NoError(t, err)
	require.True(t, out.Suspended())
	assert.Equal(t, &state.PendingInterrupt{
		Kind:      state.InterruptClarification,
		Reason:    "no criteria",
		Questions: []string{"Budget?", "Use case?", "Screen size?"},
		Round:     1,
	}, out.Interrupt)
	assert.True(t, out.Update.IsEmpty(), "suspension leaves state untouched")
	assert.Zero(t, model.count("plan"))
}

func TestPlanner_FallbacksTreatQueryAsClear(t *testing.T) {
	malformed := func(string) (any, error) {
		return nil, collab.NewMalformedOutputError("x", "garbage", errors.New("bad json"))
	}
	tests := []struct {
		name  string
		model *scriptedModel
	}{
		{"malformed verdict", newScriptedModel().on("ambiguity", malformed)},
		{"unknown verdict", newScriptedModel().on("ambiguity", func(string) (any, error) {
			return ambiguityVerdict{Status: "MAYBE"}, nil
		})},
		{"malformed questions", newScriptedModel().
			on("ambiguity", func(string) (any, error) { return ambiguousVerdict() }).
			on("clarification", malformed)},
		{"blank questions", newScriptedModel().
			on("ambiguity", func(string) (any, error) { return ambiguousVerdict() }).
			on("clarification", func(string) (any, error) {
				return clarificationQuestions{Questions: []string{" ", ""}}, nil
			})},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.model.on("plan", func(string) (any, error) {
				return researchPlan{Objectives: []string{"o"}, SearchQueries: []string{"q"}}, nil
			})
			p := buildStage(t, testDeps(tc.model, &staticSearcher{}, &mapFetcher{}), dag.StagePlanner)
			out, err := p.Apply(context.Background(), state.New("query"))
			require.NoError(t, err)
			assert.False(t, out.Suspended())
			assert.True(t, *out.Update.ClarificationComplete)
		})
	}
}

func TestPlanner_MalformedPlanFallsBack(t *testing.T) {
	model := newScriptedModel().
		on("ambiguity", func(string) (any, error) { return clearVerdict() }).
		on("plan", func(string) (any, error) { return nil, collab.ErrCollaboratorTimeout })
	p := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StagePlanner)

	st := state.New("base")
	st.ClarifiedQuery = "base | detail"
	out, err := p.Apply(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, FallbackPlan("base | detail"), *out.Update.Plan)
	assert.Equal(t, []string{"base | detail"}, out.Update.SearchQueries)
}

func TestPlanner_RoundLimitSkipsAmbiguityCheck(t *testing.T) {
	model := newScriptedModel().
		on("ambiguity", func(string) (any, error) { return ambiguousVerdict() }).
		on("plan", func(string) (any, error) {
			return researchPlan{SearchQueries: []string{"q"}}, nil
		})
	p := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StagePlanner)

	st := state.New("best laptop")
	st.ClarificationRound = DefaultLimits().MaxClarificationRounds
	out, err := p.Apply(context.Background(), st)
	require.NoError(t, err)
	assert.False(t, out.Suspended())
	assert.Zero(t, model.count("ambiguity"))
	assert.Equal(t, []string{"best laptop"}, out.Update.Plan.Objectives)
}

func TestPlanner_CancelledContextFails(t *testing.T) {
	model := newScriptedModel().on("ambiguity", func(string) (any, error) { return nil, context.Canceled })
	p := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StagePlanner)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := p.Apply(ctx, state.New("q"))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSearch_KeepsQueryOrder(t *testing.T) {
	searcher := &staticSearcher{
		results: map[string][]collab.SearchResult{
			"slow": {{URL: "https://a.example/1", Title: "A1", Snippet: "s"}},
			"fast": {{URL: "https://b.example/1", Title: "B1"}, {URL: "", Title: "dropped"}},
		},
		errs:  map[string]error{"broken": errors.New("provider down")},
		delay: map[string]time.Duration{"slow": 20 * time.Millisecond},
	}
	s := buildStage(t, testDeps(newScriptedModel(), searcher, &mapFetcher{}), dag.StageSearch)

	st := state.New("q")
	st.SearchQueries = []string{"slow", "broken", "fast"}
	out, err := s.Apply(context.Background(), st)
	require.NoError(t, err)
	assert.Equal(t, []state.Source{
		{URL: "https://a.example/1", Title: "A1", Snippet: "s", Query: "slow"},
		{URL: "https://b.example/1", Title: "B1", Query: "fast"},
	}, out.Update.Sources)
	for _, n := range searcher.maxSeen {
		assert.Equal(t, DefaultLimits().MaxResultsPerQuery, n)
	}
}

func TestSearch_TimeoutContributesNothing(t *testing.T) {
	searcher := &staticSearcher{delay: map[string]time.Duration{"hang": time.Minute}}
	d := testDeps(newScriptedModel(), searcher, &mapFetcher{})
	d.SearchPolicy = collab.Policy{Timeout: 10 * time.Millisecond, MaxAttempts: 2, InitialInterval: time.Millisecond}
	s := buildStage(t, d, dag.StageSearch)

	st := state.New("hang")
	out, err := s.Apply(context.Background(), st)
	require.NoError(t, err)
	assert.NotNil(t, out.Update.Sources)
	assert.Empty(t, out.Update.Sources)
}

func TestReader_SelectsFetchesAndExtracts(t *testing.T) {
	fetcher := &mapFetcher{pages: map[string]string{
		"https://www.nist.gov/a":      "NIST page text",
		"https://blog.example.com/b":  "Blog text",
		"https://vendor.example.io/c": "", // fetch failure
		"https://bad.example.net/d":   "Model chokes",
	}}
	model := newScriptedModel().on("extract", func(user string) (any, error) {
		switch {
		case strings.Contains(user, "nist.gov"):
			return extractedFacts{Facts: []string{"a1", " a1 ", "", "a2", "a3", "a4", "a5", "a6"}}, nil
		case strings.Contains(user, "blog.example.com"):
			return extractedFacts{Facts: []string{"b1"}}, nil
		}
		return nil, collab.NewMalformedOutputError("extract_facts", "???", errors.New("bad"))
	})
	r := buildStage(t, testDeps(model, &staticSearcher{}, fetcher), dag.StageReader)

	st := state.New("q")
	st.Sources = []state.Source{
		{URL: "https://www.nist.gov/a", Title: "NIST"},
		{URL: "https://www.reddit.com/r/x", Title: "forum"},
		{URL: "https://blog.example.com/b", Title: "Blog"},
		{URL: "https://www.nist.gov/a", Title: "duplicate"},
		{URL: "https://vendor.example.io/c", Title: "Vendor"},
		{URL: "https://bad.example.net/d", Title: "Bad"},
	}
	out, err := r.Apply(context.Background(), st)
	require.NoError(t, err)

	assert.Equal(t, []state.Note{
		{URL: "https://www.nist.gov/a", Title: "NIST", Category: state.CategoryOfficial, Facts: []string{"a1", "a2", "a3", "a4", "a5"}},
		{URL: "https://blog.example.com/b", Title: "Blog", Category: state.CategoryIndependentBlog, Facts: []string{"b1"}},
	}, out.Update.Notes)
	assert.NotContains(t, fetcher.fetched, "https://www.reddit.com/r/x", "forums are never fetched")
	assert.Len(t, fetcher.fetched, 4)
	assert.Equal(t, 3, model.count("extract"), "empty pages are not sent to the model")
}

func TestReader_CapsSources(t *testing.T) {
	pages := map[string]string{}
	var sources []state.Source
	for i := 0; i < 15; i++ {
		u := fmt.Sprintf("https://site%d.example.com/p", i)
		pages[u] = "text"
		sources = append(sources, state.Source{URL: u})
	}
	fetcher := &mapFetcher{pages: pages}
	model := newScriptedModel().on("extract", func(string) (any, error) {
		return extractedFacts{Facts: []string{"fact"}}, nil
	})
	r := buildStage(t, testDeps(model, &staticSearcher{}, fetcher), dag.StageReader)

	st := state.New("q")
	st.Sources = sources
	out, err := r.Apply(context.Background(), st)
	require.NoError(t, err)
	require.Len(t, out.Update.Notes, DefaultLimits().MaxSourcesToRead)
	for i, n := range out.Update.Notes {
		assert.Equal(t, sources[i].URL, n.URL)
	}
}

func TestVerifier(t *testing.T) {
	v := buildStage(t, testDeps(newScriptedModel(), &staticSearcher{}, &mapFetcher{}), dag.StageVerifier)

	t.Run("no notes", func(t *testing.T) {
		out, err := v.Apply(context.Background(), state.New("q"))
		require.NoError(t, err)
		assert.Empty(t, out.Update.VerifiedFacts)
		assert.NotNil(t, out.Update.VerifiedFacts)
		assert.Empty(t, out.Update.Conflicts)
		assert.Len(t, out.Update.UncertainFacts, 1)
	})

	t.Run("price conflict", func(t *testing.T) {
		st := state.New("q")
		st.Notes = []state.Note{
			{URL: "https://alice.blog/x", Category: state.CategoryIndependentBlog, Facts: []string{"Product X costs $50"}},
			{URL: "https://bob.substack.com/y", Category: state.CategoryIndependentBlog, Facts: []string{"Product X costs $50"}},
			{URL: "https://vendor.example.com/z", Category: state.CategoryVendorBlog, Facts: []string{"Product X costs $60"}},
		}
		out, err := v.Apply(context.Background(), st)
		require.NoError(t, err)
		assert.Empty(t, out.Update.VerifiedFacts)
		require.Len(t, out.Update.Conflicts, 1)
		assert.Len(t, out.Update.Conflicts[0].Sources, 3)
	})
}

func TestSynthesizer(t *testing.T) {
	verified := state.New("q")
	verified.VerifiedFacts = []state.VerifiedFact{{
		Fact: "Go 1.22 was released in February 2024", Confidence: 0.9,
		Evidence: []state.Evidence{{URL: "https://go.dev/doc/go1.22", Title: "Go 1.22 Release Notes"}},
	}}
	verified.UncertainFacts = []string{"something (single vendor_blog source: https://v.example)"}

	t.Run("nothing verified", func(t *testing.T) {
		model := newScriptedModel()
		s := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StageSynthesizer)
		out, err := s.Apply(context.Background(), state.New("q"))
		require.NoError(t, err)
		assert.Equal(t, InsufficientAnswer, *out.Update.FinalAnswer)
		assert.Zero(t, model.count("synthesize"))
	})

	t.Run("model answer", func(t *testing.T) {
		model := newScriptedModel().on("synthesize", func(user string) (any, error) {
			assert.Contains(t, user, "Go 1.22 was released in February 2024")
			assert.Contains(t, user, "single vendor_blog source")
			return "  ## Executive summary\nGo 1.22 shipped.  ", nil
		})
		s := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StageSynthesizer)
		out, err := s.Apply(context.Background(), verified)
		require.NoError(t, err)
		assert.Equal(t, "## Executive summary\nGo 1.22 shipped.", *out.Update.FinalAnswer)
	})

	t.Run("model failure renders report", func(t *testing.T) {
		model := newScriptedModel().on("synthesize", func(string) (any, error) { return nil, errors.New("quota") })
		s := buildStage(t, testDeps(model, &staticSearcher{}, &mapFetcher{}), dag.StageSynthesizer)
		out, err := s.Apply(context.Background(), verified)
		require.NoError(t, err)
		answer := *out.Update.FinalAnswer
		assert.Contains(t, answer, "## Verified findings")
		assert.Contains(t, answer, "Go 1.22 was released in February 2024 (confidence 0.90)")
		assert.Contains(t, answer, "[Go 1.22 Release Notes](https://go.dev/doc/go1.22)")
		assert.Contains(t, answer, "## Open questions")
		assert.NotContains(t, answer, "## Conflicts")
	})
}

// TestPipeline_ClarifyThenResearch runs the real stages through the
// executor: "best laptop" is ambiguous, the clarified query is not.
func TestPipeline_ClarifyThenResearch(t *testing.T) {
	model := newScriptedModel().
		on("ambiguity", func(user string) (any, error) {
			if strings.Contains(user, "video editing") {
				return clearVerdict()
			}
			return ambiguousVerdict()
		}).
		on("clarification", func(string) (any, error) {
			return clarificationQuestions{Questions: []string{"What budget?", "What will you use it for?"}}, nil
		}).
		on("plan", func(user string) (any, error) {
			return researchPlan{Objectives: []string{"find laptops"}, SearchQueries: []string{"laptop video editing under 1000"}}, nil
		}).
		on("extract", func(user string) (any, error) {
			return extractedFacts{Facts: []string{"The Z14 has 32 GB of RAM"}}, nil
		}).
		on("synthesize", func(string) (any, error) { return "## Executive summary\nThe Z14 fits.", nil })

	searcher := &staticSearcher{results: map[string][]collab.SearchResult{
		"laptop video editing under 1000": {
			{URL: "https://reviews.example.com/z14", Title: "Review"},
			{URL: "https://techblog.example.org/z14", Title: "Blog"},
		},
	}}
	fetcher := &mapFetcher{pages: map[string]string{
		"https://reviews.example.com/z14":  "review text",
		"https://techblog.example.org/z14": "blog text",
	}}

	pipeline, err := NewPipeline(testDeps(model, searcher, fetcher))
	require.NoError(t, err)
	exec, err := dag.NewExecutor(pipeline, checkpoint.NewMemoryStore(), dag.WithLogger(quiet))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := exec.Run(ctx, "laptops", state.New("best laptop"))
	require.NoError(t, err)
	require.Equal(t, dag.StatusSuspended, res.Status)
	assert.Equal(t, 1, res.Interrupt.Round)
	assert.False(t, res.State.ClarificationComplete)

	clarified := state.ClarifiedQuery("best laptop", []string{"under $1000", "for video editing"})
	res, err = exec.Resume(ctx, "laptops", state.ResumeCommand{ClarifiedQuery: clarified, Round: res.Interrupt.Round})
	require.NoError(t, err)
	require.Equal(t, dag.StatusFinished, res.Status)

	final := res.State
	assert.True(t, final.ClarificationComplete)
	assert.Equal(t, 1, final.ClarificationRound)
	assert.Equal(t, "best laptop | under $1000 for video editing", final.ClarifiedQuery)
	require.Len(t, final.VerifiedFacts, 1)
	assert.Equal(t, "The Z14 has 32 GB of RAM", final.VerifiedFacts[0].Fact)
	assert.Equal(t, "## Executive summary\nThe Z14 fits.", final.FinalAnswer)
	assert.Equal(t, 2, model.count("ambiguity"))
}

// modelFunc adapts a function to collab.Model.
type modelFunc func(ctx context.Context, system, user string, out any) error

func (f modelFunc) Invoke(ctx context.Context, system, user string, out any) error {
	return f(ctx, system, user, out)
}

// hangingModel never answers; every call ends when its context does.
type hangingModel struct {
	calls atomic.Int32
}

func (m *hangingModel) Invoke(ctx context.Context, _, _ string, _ any) error {
	m.calls.Add(1)
	<-ctx.Done()
	return ctx.Err()
}

// TestPipeline_HangingModelStillFinishes bounds every stage tighter than
// the retry budget of a single model call. The run must still finish:
// the planner falls back, the reader keeps nothing, and the synthesizer
// reports insufficient information.
func TestPipeline_HangingModelStillFinishes(t *testing.T) {
	const query = "which database is fastest"
	model := &hangingModel{}
	searcher := &staticSearcher{results: map[string][]collab.SearchResult{
		query: {
			{URL: "https://bench.example.com/a", Title: "A"},
			{URL: "https://other.example.org/b", Title: "B"},
		},
	}}
	fetcher := &mapFetcher{pages: map[string]string{
		"https://bench.example.com/a": "page a",
		"https://other.example.org/b": "page b",
	}}

	d := testDeps(model, searcher, fetcher)
	d.ModelPolicy = collab.Policy{
		Timeout:         20 * time.Millisecond,
		MaxAttempts:     3,
		InitialInterval: 5 * time.Millisecond,
		MaxInterval:     10 * time.Millisecond,
	}
	d.Timeouts = Timeouts{
		Planner:     50 * time.Millisecond,
		Reader:      50 * time.Millisecond,
		Synthesizer: 50 * time.Millisecond,
	}
	pipeline, err := NewPipeline(d)
	require.NoError(t, err)
	exec, err := dag.NewExecutor(pipeline, checkpoint.NewMemoryStore(), dag.WithLogger(quiet))
	require.NoError(t, err)

	res, err := exec.Run(context.Background(), "hang", state.New(query))
	require.NoError(t, err)
	require.Equal(t, dag.StatusFinished, res.Status)
	assert.True(t, res.State.ClarificationComplete)
	assert.Equal(t, FallbackPlan(query), *res.State.Plan)
	assert.Len(t, res.State.Sources, 2)
	assert.Empty(t, res.State.Notes)
	assert.Equal(t, InsufficientAnswer, res.State.FinalAnswer)
	assert.Positive(t, model.calls.Load())
}

func TestReader_StageTimeBoundKeepsFinishedNotes(t *testing.T) {
	model := modelFunc(func(ctx context.Context, _, user string, out any) error {
		if strings.Contains(user, "slow.example.org") {
			<-ctx.Done()
			return ctx.Err()
		}
		out.(*extractedFacts).Facts = []string{"Fast pages load in 1 s"}
		return nil
	})
	fetcher := &mapFetcher{pages: map[string]string{
		"https://fast.example.com/p": "fast page",
		"https://slow.example.org/p": "slow page",
	}}
	d := testDeps(model, &staticSearcher{}, fetcher)
	d.ModelPolicy = collab.Policy{Timeout: 5 * time.Second, MaxAttempts: 1}
	r := buildStage(t, d, dag.StageReader)

	st := state.New("q")
	st.Sources = []state.Source{
		{URL: "https://fast.example.com/p", Title: "Fast"},
		{URL: "https://slow.example.org/p", Title: "Slow"},
	}

	t.Run("own time bound keeps notes", func(t *testing.T) {
		ctx, cancel := context.WithTimeoutCause(context.Background(), 50*time.Millisecond, dag.ErrStageTimeout)
		defer cancel()
		out, err := r.Apply(ctx, st)
		require.NoError(t, err)
		require.Len(t, out.Update.Notes, 1)
		assert.Equal(t, "https://fast.example.com/p", out.Update.Notes[0].URL)
	})

	t.Run("run cancellation fails", func(t *testing.T) {
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := r.Apply(ctx, st)
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	})
}

func TestPlanner_StageTimeBoundFallsBack(t *testing.T) {
	d := testDeps(&hangingModel{}, &staticSearcher{}, &mapFetcher{})
	p := buildStage(t, d, dag.StagePlanner)

	ctx, cancel := context.WithTimeoutCause(context.Background(), 30*time.Millisecond, dag.ErrStageTimeout)
	defer cancel()
	out, err := p.Apply(ctx, state.New("query"))
	require.NoError(t, err)
	assert.False(t, out.Suspended())
	assert.True(t, *out.Update.ClarificationComplete)
	assert.Equal(t, FallbackPlan("query"), *out.Update.Plan)
}

// TestPipeline_AlwaysAmbiguousTerminates drives the real planner through
// the executor with a model that never accepts the query. The planner
// suspends once per round up to the limit, then plans anyway.
func TestPipeline_AlwaysAmbiguousTerminates(t *testing.T) {
	model := newScriptedModel().
		on("ambiguity", func(string) (any, error) { return ambiguousVerdict() }).
		on("clarification", func(string) (any, error) {
			return clarificationQuestions{Questions: []string{"Which one?"}}, nil
		}).
		on("plan", func(string) (any, error) {
			return researchPlan{SearchQueries: []string{"q"}}, nil
		})
	pipeline, err := NewPipeline(testDeps(model, &staticSearcher{}, &mapFetcher{}))
	require.NoError(t, err)
	rec := &events.Recorder{}
	exec, err := dag.NewExecutor(pipeline, checkpoint.NewMemoryStore(), dag.WithLogger(quiet), dag.WithPublisher(rec))
	require.NoError(t, err)
	ctx := context.Background()

	res, err := exec.Run(ctx, "loop", state.New("thing"))
	require.NoError(t, err)
	answers := []string{}
	suspensions := 0
	for res.Status == dag.StatusSuspended {
		suspensions++
		require.LessOrEqual(t, suspensions, DefaultLimits().MaxClarificationRounds, "planner never stopped asking")
		answers = append(answers, fmt.Sprintf("answer %d", suspensions))
		res, err = exec.Resume(ctx, "loop", state.ResumeCommand{
			ClarifiedQuery: state.ClarifiedQuery("thing", answers),
			Round:          res.Interrupt.Round,
		})
		require.NoError(t, err)
	}

	require.Equal(t, dag.StatusFinished, res.Status)
	assert.Equal(t, DefaultLimits().MaxClarificationRounds, suspensions)
	assert.True(t, res.State.ClarificationComplete)
	assert.Equal(t, DefaultLimits().MaxClarificationRounds, res.State.ClarificationRound)

	plannerRuns := 0
	for _, ev := range rec.Events() {
		if ev.Type == events.TypeStageStart && ev.Stage == string(dag.StagePlanner) {
			plannerRuns++
		}
	}
	assert.Equal(t, DefaultLimits().MaxClarificationRounds+1, plannerRuns)
	assert.Equal(t, DefaultLimits().MaxClarificationRounds, model.count("ambiguity"))
	assert.Equal(t, 1, model.count("plan"))
}
