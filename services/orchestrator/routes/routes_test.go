// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"

	"github.com/AleutianAI/AleutianResearch/pkg/secrets"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/middleware"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/session"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type stubService struct{}

func (stubService) Start(context.Context, string) (string, error) { return "s1", nil }
func (stubService) Status(_ context.Context, id string) (*session.Snapshot, error) {
	return &session.Snapshot{SessionID: id, Status: session.StatusRunning}, nil
}
func (stubService) Resume(context.Context, string, []string) error { return nil }
func (stubService) Subscribe(string, events.Handler) (string, []events.Event) {
	return "sub", nil
}
func (stubService) Unsubscribe(string) {}

func newRouter(auth middleware.AuthProvider) *gin.Engine {
	router := gin.New()
	SetupRoutes(router, handlers.NewResearchHandler(stubService{}, nil, nil), auth)
	return router
}

func TestSetupRoutes_Registered(t *testing.T) {
	router := newRouter(nil)

	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"POST", "/v1/research"},
		{"GET", "/v1/research/:id"},
		{"POST", "/v1/research/:id/resume"},
		{"GET", "/v1/research/:id/events"},
	}
	registered := map[string]bool{}
	for _, r := range router.Routes() {
		registered[r.Method+" "+r.Path] = true
	}
	for _, e := range expected {
		assert.True(t, registered[e.method+" "+e.path], "missing route %s %s", e.method, e.path)
	}
}

func TestSetupRoutes_TokenGuardsV1Only(t *testing.T) {
	router := newRouter(middleware.ProviderFor(secrets.FromString("api_token", "tok")))

	req := httptest.NewRequest(http.MethodGet, "/v1/research/s1", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/research/s1", nil)
	req.Header.Set("Authorization", "Bearer tok")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	for _, path := range []string{"/health", "/metrics"} {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, w.Code, path)
	}
}
