// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/session"
	"github.com/AleutianAI/AleutianResearch/services/research/state"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestApplyConfigDefaults(t *testing.T) {
	result := applyConfigDefaults(Config{})
	assert.Equal(t, DefaultAddr, result.Addr)
	assert.Equal(t, gin.ReleaseMode, result.GinMode)
	assert.Equal(t, 15*time.Second, result.ShutdownTimeout)

	custom := applyConfigDefaults(Config{Addr: "127.0.0.1:9000", GinMode: gin.TestMode, ShutdownTimeout: time.Second})
	assert.Equal(t, "127.0.0.1:9000", custom.Addr)
	assert.Equal(t, gin.TestMode, custom.GinMode)
	assert.Equal(t, time.Second, custom.ShutdownTimeout)
}

func TestNew_NilService(t *testing.T) {
	_, err := New(Config{}, nil, quiet)
	assert.Error(t, err)
}

// newResearchService runs a pipeline whose stages answer immediately.
func newResearchService(t *testing.T) *session.Service {
	t.Helper()
	advance := func(u state.Update) func(context.Context, state.SessionState) (dag.Outcome, error) {
		return func(context.Context, state.SessionState) (dag.Outcome, error) { return dag.Advance(u), nil }
	}
	p, err := dag.NewPipeline(
		dag.NewFuncStage(dag.StagePlanner, advance(state.Update{ClarificationComplete: state.Ptr(true)})),
		dag.NewFuncStage(dag.StageSearch, advance(state.Update{})),
		dag.NewFuncStage(dag.StageReader, advance(state.Update{})),
		dag.NewFuncStage(dag.StageVerifier, advance(state.Update{})),
		dag.NewFuncStage(dag.StageSynthesizer, advance(state.Update{FinalAnswer: state.Ptr("done")})),
	)
	require.NoError(t, err)
	svc, err := session.NewService(p, checkpoint.NewMemoryStore(), session.WithLogger(quiet))
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close(context.Background()) })
	return svc
}

func TestRouter_EndToEnd(t *testing.T) {
	srv, err := New(Config{GinMode: gin.TestMode, Registerer: prometheus.NewRegistry()}, newResearchService(t), quiet)
	require.NoError(t, err)
	router := srv.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/research", strings.NewReader(`{"query":"go 1.22 release"}`)))
	require.Equal(t, http.StatusAccepted, w.Code)
	var started struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))

	require.Eventually(t, func() bool {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/research/"+started.SessionID, nil))
		var snap session.Snapshot
		_ = json.Unmarshal(w.Body.Bytes(), &snap)
		return snap.Status == session.StatusFinished && snap.Result != nil && snap.Result.FinalAnswer == "done"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestRun_ShutsDownOnCancel(t *testing.T) {
	srv, err := New(Config{Addr: "127.0.0.1:0", GinMode: gin.TestMode, Registerer: prometheus.NewRegistry()}, newResearchService(t), quiet)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, 5*time.Second, 10*time.Millisecond)
	resp, err := http.Get("http://" + srv.Addr() + "/health")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
