// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianResearch/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianResearch/services/research/events"
)

const (
	// eventQueueSize bounds events waiting for a slow client. Further
	// events are dropped for that client only.
	eventQueueSize = 256

	pingInterval = 30 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
}

// Events handles GET /v1/research/:id/events.
//
// # Description
//
// Upgrades to a websocket and streams the session's progress events as
// JSON, starting with every event already published. The stream closes
// after session_end or stage_failed, or when the client goes away. A
// suspended session keeps its stream open so the events of a later
// resume arrive on it.
func (h *ResearchHandler) Events(c *gin.Context) {
	start := time.Now()
	id := c.Param("id")
	if _, err := h.svc.Status(c.Request.Context(), id); err != nil {
		h.failErr(c, observability.EndpointEvents, start, err)
		return
	}

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("failed to upgrade the websocket", slog.String("session_id", id), slog.String("error", err.Error()))
		return
	}
	defer ws.Close()
	h.metrics.RecordRequest(observability.EndpointEvents, observability.OutcomeOK, time.Since(start).Seconds())
	h.metrics.StreamStarted()
	defer h.metrics.StreamEnded()

	queue := make(chan events.Event, eventQueueSize)
	subID, history := h.svc.Subscribe(id, func(ev events.Event) {
		select {
		case queue <- ev:
		default:
			h.logger.Warn("event stream backlog full, dropping event",
				slog.String("session_id", id), slog.String("type", string(ev.Type)))
		}
	})
	defer h.svc.Unsubscribe(subID)

	// The client sends nothing; reading only detects the close.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(ev events.Event) (more bool) {
		_ = ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := ws.WriteJSON(ev); err != nil {
			h.logger.Debug("event stream write failed", slog.String("session_id", id), slog.String("error", err.Error()))
			return false
		}
		return !terminal(ev)
	}
	closeStream := func() {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
			time.Now().Add(writeTimeout))
	}

	for _, ev := range history {
		if !send(ev) {
			closeStream()
			return
		}
	}

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case ev := <-queue:
			if !send(ev) {
				closeStream()
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}

func terminal(ev events.Event) bool {
	return ev.Type == events.TypeSessionEnd || ev.Type == events.TypeStageFailed
}
