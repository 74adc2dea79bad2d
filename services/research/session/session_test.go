// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package session

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness wires a five-stage fake pipeline. Queries containing
// "ambiguous" ask one question; "block" holds the reader until release
// is closed or the run is cancelled; failSynth makes the last stage fail.
type harness struct {
	svc       *Service
	store     *checkpoint.MemoryStore
	release   chan struct{}
	entered   chan struct{}
	failSynth atomic.Bool
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{store: checkpoint.NewMemoryStore(), release: make(chan struct{}), entered: make(chan struct{}, 8)}

	planner := dag.NewFuncStage(dag.StagePlanner, func(_ context.Context, st state.SessionState) (dag.Outcome, error) {
		if strings.Contains(st.Query, "ambiguous") && st.ClarificationRound == 0 {
			return dag.Suspend(&state.PendingInterrupt{
				Kind:      state.InterruptClarification,
				Reason:    "which one",
				Questions: []string{"Which one?"},
				Round:     1,
			}), nil
		}
		return dag.Advance(state.Update{
			ClarificationComplete: state.Ptr(true),
			SearchQueries:         []string{st.EffectiveQuery()},
		}), nil
	})
	search := dag.NewFuncStage(dag.StageSearch, func(_ context.Context, st state.SessionState) (dag.Outcome, error) {
		return dag.Advance(state.Update{Sources: []state.Source{{URL: "https://a.example/1"}}}), nil
	})
	reader := dag.NewFuncStage(dag.StageReader, func(ctx context.Context, st state.SessionState) (dag.Outcome, error) {
		if strings.Contains(st.Query, "block") {
			h.entered <- struct{}{}
			select {
			case <-h.release:
			case <-ctx.Done():
				return dag.Outcome{}, ctx.Err()
			}
		}
		return dag.Advance(state.Update{Notes: []state.Note{{URL: "https://a.example/1", Facts: []string{"f"}}}}), nil
	})
	verifier := dag.NewFuncStage(dag.StageVerifier, func(_ context.Context, st state.SessionState) (dag.Outcome, error) {
		return dag.Advance(state.Update{VerifiedFacts: []state.VerifiedFact{{Fact: st.EffectiveQuery(), Confidence: 0.6}}}), nil
	})
	synth := dag.NewFuncStage(dag.StageSynthesizer, func(_ context.Context, st state.SessionState) (dag.Outcome, error) {
		if h.failSynth.Load() {
			return dag.Outcome{}, errors.New("model unavailable")
		}
		return dag.Advance(state.Update{FinalAnswer: state.Ptr("answer: " + st.EffectiveQuery())}), nil
	})

	p, err := dag.NewPipeline(planner, search, reader, verifier, synth)
	require.NoError(t, err)

	opts = append([]Option{WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))}, opts...)
	svc, err := NewService(p, h.store, opts...)
	require.NoError(t, err)
	h.svc = svc
	t.Cleanup(func() {
		require.NoError(t, svc.Close(context.Background()))
	})
	return h
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestService_RunToCompletion(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)

	snap, err := h.svc.Run(ctx, "  go release date ")
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, snap.Status)
	require.NotNil(t, snap.Result)
	assert.Equal(t, "answer: go release date", snap.Result.FinalAnswer)
	assert.Equal(t, "go release date", snap.Result.Query)
	assert.Zero(t, h.store.Len(), "finished sessions leave no checkpoint")

	again, err := h.svc.Status(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, snap, again)
}

func TestService_ClarifyAndResume(t *testing.T) {
	h := newHarness(t, WithIDFunc(func() string { return "fixed-id" }))
	ctx := waitCtx(t)

	snap, err := h.svc.Run(ctx, "ambiguous thing")
	require.NoError(t, err)
	assert.Equal(t, "fixed-id", snap.SessionID)
	require.Equal(t, StatusSuspended, snap.Status)
	require.NotNil(t, snap.Interrupt)
	assert.Equal(t, []string{"Which one?"}, snap.Interrupt.Questions)
	assert.Equal(t, 1, snap.Interrupt.Round)

	snap, err = h.svc.ResumeAndWait(ctx, "fixed-id", []string{"  the red one ", ""})
	require.NoError(t, err)
	require.Equal(t, StatusFinished, snap.Status)
	assert.Equal(t, "ambiguous thing | the red one", snap.Result.ClarifiedQuery)
	assert.Equal(t, "answer: ambiguous thing | the red one", snap.Result.FinalAnswer)
}

func TestService_ResumeErrors(t *testing.T) {
	h := newHarness(t, WithIDFunc(func() string { return "s1" }))
	ctx := waitCtx(t)

	assert.ErrorIs(t, h.svc.Resume(ctx, "missing", []string{"a"}), checkpoint.ErrNotFound)
	assert.ErrorIs(t, h.svc.Resume(ctx, "../etc", []string{"a"}), checkpoint.ErrInvalidInput)

	_, err := h.svc.Run(ctx, "ambiguous")
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.Resume(ctx, "s1", nil), ErrInvalidRequest)
	assert.ErrorIs(t, h.svc.Continue(ctx, "s1"), checkpoint.ErrSessionBusy)

	h.failSynth.Store(true)
	_, err = h.svc.ResumeAndWait(ctx, "s1", []string{"x"})
	require.NoError(t, err)
	assert.ErrorIs(t, h.svc.Resume(ctx, "s1", []string{"x"}), dag.ErrNotSuspended)
}

func TestService_ResumeWhileRunningIsBusy(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)

	id, err := h.svc.Start(ctx, "block me")
	require.NoError(t, err)

	snap, err := h.svc.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.ErrorIs(t, h.svc.Resume(ctx, id, []string{"a"}), checkpoint.ErrSessionBusy)
	assert.ErrorIs(t, h.svc.Continue(ctx, id), checkpoint.ErrSessionBusy)

	close(h.release)
	snap, err = h.svc.Wait(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, snap.Status)
}

func TestService_FailedSessionContinues(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)
	h.failSynth.Store(true)

	snap, err := h.svc.Run(ctx, "query")
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, snap.Status)
	assert.Contains(t, snap.Error, "model unavailable")

	rec, err := h.store.Load(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, rec.Phase)
	assert.Equal(t, string(dag.StageSynthesizer), rec.NextStage)

	h.failSynth.Store(false)
	require.NoError(t, h.svc.Continue(ctx, snap.SessionID))
	snap, err = h.svc.Wait(ctx, snap.SessionID)
	require.NoError(t, err)
	assert.Equal(t, StatusFinished, snap.Status)
	assert.Equal(t, "answer: query", snap.Result.FinalAnswer)
}

func TestService_StartValidation(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)

	_, err := h.svc.Start(ctx, "   ")
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = h.svc.Start(ctx, strings.Repeat("x", MaxQueryLength+1))
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = h.svc.Status(ctx, "nope")
	assert.ErrorIs(t, err, checkpoint.ErrNotFound)
}

func TestService_EventsReplay(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)

	snap, err := h.svc.Run(ctx, "q")
	require.NoError(t, err)

	var live atomic.Int32
	sub, history := h.svc.Subscribe(snap.SessionID, func(events.Event) { live.Add(1) })
	defer h.svc.Unsubscribe(sub)

	require.NotEmpty(t, history)
	assert.Equal(t, events.TypeSessionStart, history[0].Type)
	assert.Equal(t, events.TypeSessionEnd, history[len(history)-1].Type)
	for _, ev := range history {
		assert.Equal(t, snap.SessionID, ev.SessionID)
	}
	assert.Zero(t, live.Load())
}

func TestService_CloseCancelsRuns(t *testing.T) {
	h := newHarness(t)
	ctx := waitCtx(t)

	id, err := h.svc.Start(ctx, "block forever")
	require.NoError(t, err)
	<-h.entered
	require.NoError(t, h.svc.Close(ctx))

	rec, err := h.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, checkpoint.PhaseFailed, rec.Phase)
	assert.Equal(t, string(dag.StageReader), rec.NextStage)

	_, err = h.svc.Start(ctx, "after close")
	assert.ErrorIs(t, err, ErrClosed)
}
