// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes an event. Handlers run on the publishing goroutine and
// must not block.
type Handler func(event Event)

// Subscription is one registered handler.
type Subscription struct {
	ID        string
	SessionID string
	Handler   Handler
}

// Emitter fans events out to subscribers and keeps a bounded history.
//
// Thread Safety: Emitter is safe for concurrent use.
type Emitter struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	buffer        []Event
	bufferSize    int
	now           func() time.Time
}

// EmitterOption configures an Emitter.
type EmitterOption func(*Emitter)

// WithBufferSize sets how many events are retained for replay.
func WithBufferSize(size int) EmitterOption {
	return func(e *Emitter) {
		if size > 0 {
			e.bufferSize = size
		}
	}
}

// NewEmitter creates a new event emitter.
func NewEmitter(opts ...EmitterOption) *Emitter {
	e := &Emitter{
		subscriptions: make(map[string]*Subscription),
		bufferSize:    1000,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.buffer = make([]Event, 0, e.bufferSize)
	return e
}

// Subscribe registers handler for one session's events, or for every
// session when sessionID is empty.
//
// Outputs:
//
//	string - Subscription ID for Unsubscribe.
func (e *Emitter) Subscribe(sessionID string, handler Handler) string {
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Handler:   handler,
	}
	e.mu.Lock()
	e.subscriptions[sub.ID] = sub
	e.mu.Unlock()
	return sub.ID
}

// SubscribeWithReplay registers handler and returns the buffered events for
// the session that happened before the subscription took effect.
//
// Description:
//
//	Registration and the history snapshot happen under one lock, so no
//	event is both replayed and delivered, and none falls between them.
func (e *Emitter) SubscribeWithReplay(sessionID string, handler Handler) (string, []Event) {
	sub := &Subscription{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Handler:   handler,
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscriptions[sub.ID] = sub
	return sub.ID, e.historyLocked(sessionID)
}

// Unsubscribe removes a subscription. It reports whether it existed.
func (e *Emitter) Unsubscribe(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.subscriptions[id]; !ok {
		return false
	}
	delete(e.subscriptions, id)
	return true
}

// Publish stamps ev with an ID and timestamp when missing, buffers it and
// delivers it to matching subscribers. Handler panics are recovered.
//
// Thread Safety: This method is safe for concurrent use.
func (e *Emitter) Publish(ev Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == 0 {
		ev.Timestamp = e.now().UTC().UnixMilli()
	}

	e.mu.Lock()
	if len(e.buffer) >= e.bufferSize {
		e.buffer = e.buffer[1:]
	}
	e.buffer = append(e.buffer, ev)
	subs := make([]*Subscription, 0, len(e.subscriptions))
	for _, sub := range e.subscriptions {
		if sub.SessionID == "" || sub.SessionID == ev.SessionID {
			subs = append(subs, sub)
		}
	}
	e.mu.Unlock()

	for _, sub := range subs {
		e.safeInvokeHandler(sub.Handler, ev)
	}
}

// History returns buffered events for a session, oldest first. An empty
// sessionID returns everything.
func (e *Emitter) History(sessionID string) []Event {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.historyLocked(sessionID)
}

func (e *Emitter) historyLocked(sessionID string) []Event {
	out := make([]Event, 0)
	for _, ev := range e.buffer {
		if sessionID == "" || ev.SessionID == sessionID {
			out = append(out, ev)
		}
	}
	return out
}

// SubscriptionCount returns the number of active subscriptions.
func (e *Emitter) SubscriptionCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscriptions)
}

func (e *Emitter) safeInvokeHandler(handler Handler, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("event handler panicked",
				slog.String("event_type", string(ev.Type)),
				slog.String("event_id", ev.ID),
				slog.Any("panic", r),
			)
		}
	}()
	handler(ev)
}

// Recorder collects published events. Intended for tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish records ev.
func (r *Recorder) Publish(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []Type {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Type, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}
