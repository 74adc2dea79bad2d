// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the research API's gin handlers.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianResearch/pkg/telemetry"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianResearch/services/research/checkpoint"
	"github.com/AleutianAI/AleutianResearch/services/research/dag"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
	"github.com/AleutianAI/AleutianResearch/services/research/session"
)

// ResearchService is the part of session.Service the handlers use.
type ResearchService interface {
	Start(ctx context.Context, query string) (string, error)
	Status(ctx context.Context, sessionID string) (*session.Snapshot, error)
	Resume(ctx context.Context, sessionID string, answers []string) error
	Subscribe(sessionID string, handler events.Handler) (string, []events.Event)
	Unsubscribe(subscriptionID string)
}

// ResearchHandler serves /v1/research.
//
// # Thread Safety
//
// Safe for concurrent use.
type ResearchHandler struct {
	svc     ResearchService
	metrics *observability.ResearchMetrics
	logger  *slog.Logger
}

// NewResearchHandler creates a handler over svc. metrics may be nil.
func NewResearchHandler(svc ResearchService, metrics *observability.ResearchMetrics, logger *slog.Logger) *ResearchHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResearchHandler{svc: svc, metrics: metrics, logger: logger}
}

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Start handles POST /v1/research.
//
// # Responses
//
//   - 202: {"session_id", "status": "running"}
//   - 400: malformed body or invalid query
func (h *ResearchHandler) Start(c *gin.Context) {
	start := time.Now()
	var req datatypes.StartResearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, observability.EndpointStart, start, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, observability.EndpointStart, start, http.StatusBadRequest, "invalid query", err)
		return
	}

	id, err := h.svc.Start(c.Request.Context(), req.Query)
	if err != nil {
		h.failErr(c, observability.EndpointStart, start, err)
		return
	}
	h.metrics.SessionStarted()
	h.metrics.RecordRequest(observability.EndpointStart, observability.OutcomeOK, time.Since(start).Seconds())
	telemetry.LoggerWithTrace(c.Request.Context(), h.logger).Info("research requested", slog.String("session_id", id))
	c.JSON(http.StatusAccepted, datatypes.StartResearchResponse{SessionID: id, Status: string(session.StatusRunning)})
}

// Status handles GET /v1/research/:id.
func (h *ResearchHandler) Status(c *gin.Context) {
	start := time.Now()
	snap, err := h.svc.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.failErr(c, observability.EndpointStatus, start, err)
		return
	}
	h.metrics.RecordRequest(observability.EndpointStatus, observability.OutcomeOK, time.Since(start).Seconds())
	c.JSON(http.StatusOK, snap)
}

// Resume handles POST /v1/research/:id/resume.
//
// # Responses
//
//   - 202: resume scheduled
//   - 400: malformed body or no answers
//   - 404: unknown session
//   - 409: session running or not waiting for answers
func (h *ResearchHandler) Resume(c *gin.Context) {
	start := time.Now()
	id := c.Param("id")

	var req datatypes.ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, observability.EndpointResume, start, http.StatusBadRequest, "invalid request body", err)
		return
	}
	if err := req.Validate(); err != nil {
		h.fail(c, observability.EndpointResume, start, http.StatusBadRequest, "invalid answers", err)
		return
	}

	if err := h.svc.Resume(c.Request.Context(), id, req.Answers); err != nil {
		h.failErr(c, observability.EndpointResume, start, err)
		return
	}
	h.metrics.Resumed()
	h.metrics.RecordRequest(observability.EndpointResume, observability.OutcomeOK, time.Since(start).Seconds())
	c.JSON(http.StatusAccepted, datatypes.StartResearchResponse{SessionID: id, Status: string(session.StatusRunning)})
}

// failErr maps a service error onto an HTTP status.
func (h *ResearchHandler) failErr(c *gin.Context, endpoint observability.Endpoint, start time.Time, err error) {
	status, msg := statusFor(err)
	h.fail(c, endpoint, start, status, msg, err)
}

func (h *ResearchHandler) fail(c *gin.Context, endpoint observability.Endpoint, start time.Time, status int, msg string, err error) {
	h.metrics.RecordRequest(endpoint, outcomeFor(status), time.Since(start).Seconds())
	logger := telemetry.LoggerWithTrace(c.Request.Context(), h.logger)
	body := datatypes.ErrorResponse{Error: msg}
	if status >= http.StatusInternalServerError {
		logger.Error("research request failed", slog.String("endpoint", string(endpoint)), slog.String("error", err.Error()))
	} else {
		logger.Debug("research request rejected", slog.String("endpoint", string(endpoint)), slog.String("error", err.Error()))
		body.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, body)
}

func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, checkpoint.ErrNotFound):
		return http.StatusNotFound, "session not found"
	case errors.Is(err, checkpoint.ErrSessionBusy):
		return http.StatusConflict, "session busy"
	case errors.Is(err, dag.ErrNotSuspended):
		return http.StatusConflict, "session is not waiting for answers"
	case errors.Is(err, dag.ErrStaleResume):
		return http.StatusConflict, "answers are for an earlier round"
	case errors.Is(err, checkpoint.ErrInvalidInput), errors.Is(err, session.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid request"
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable, "shutting down"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func outcomeFor(status int) observability.Outcome {
	switch status {
	case http.StatusBadRequest:
		return observability.OutcomeValidation
	case http.StatusNotFound:
		return observability.OutcomeNotFound
	case http.StatusConflict:
		return observability.OutcomeConflict
	default:
		return observability.OutcomeInternal
	}
}
