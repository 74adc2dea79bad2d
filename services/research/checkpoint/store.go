// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package checkpoint persists the latest Session State and any pending
// interrupt per research session.
//
// Every backend stores the same versioned, checksummed JSON record, so a
// record written by one can be verified by any other. Access is exclusive
// per session id and independent across sessions.
//
// Backends:
//
//	MemoryStore - process-local, for tests and one-shot CLI runs
//	FileStore   - one JSON file per session, atomic rename on write
//	BadgerStore - embedded BadgerDB
//	GCSStore    - Google Cloud Storage objects
package checkpoint

import (
	"context"
	"sync"
	"time"
)

// Store maps a session id to its latest checkpoint.
//
// Save is idempotent: saving a record whose content matches the stored
// one leaves the store untouched, including UpdatedAt. Load of an unknown
// session fails with ErrNotFound. Clear of an unknown session succeeds.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) (*Record, error)
	Clear(ctx context.Context, sessionID string) error
	Close() error
}

// MemoryStore keeps encoded records in a map.
//
// Thread Safety: Safe for concurrent use.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string][]byte
	now     func() time.Time
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string][]byte),
		now:     time.Now,
	}
}

// Save stores rec, replacing any previous record for the session.
func (m *MemoryStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, data, err := seal(rec, m.now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sameContent(m.records[sealed.SessionID], sealed) {
		return nil
	}
	m.records[sealed.SessionID] = data
	return nil
}

// Load returns a private copy of the session's record.
func (m *MemoryStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	data, ok := m.records[sessionID]
	m.mu.RUnlock()
	if !ok {
		return nil, notFound(sessionID)
	}
	return decode(data)
}

// Clear removes the session's record.
func (m *MemoryStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.records, sessionID)
	m.mu.Unlock()
	return nil
}

// Len returns the number of stored sessions.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Close is a no-op.
func (m *MemoryStore) Close() error { return nil }
