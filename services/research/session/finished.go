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
	"container/list"
	"sync"
	"time"
)

type finishedEntry struct {
	snap      Snapshot
	expiresAt time.Time
	element   *list.Element
}

// finishedStore keeps the most recent terminal snapshots.
//
// A put is always admitted; when the store is full the oldest entry is
// evicted. Reads do not change eviction order, so polling a session does
// not keep it alive at the expense of newer ones. Entries older than the
// retention read as missing.
//
// Thread Safety: Safe for concurrent use.
type finishedStore struct {
	mu        sync.Mutex
	entries   map[string]*finishedEntry
	order     *list.List // front is newest
	size      int
	retention time.Duration
	now       func() time.Time
}

func newFinishedStore(size int, retention time.Duration) *finishedStore {
	if size < 1 {
		size = 1
	}
	return &finishedStore{
		entries:   make(map[string]*finishedEntry, size),
		order:     list.New(),
		size:      size,
		retention: retention,
		now:       time.Now,
	}
}

// put stores snap, replacing any earlier snapshot for the same session.
func (f *finishedStore) put(snap Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.removeLocked(snap.SessionID)
	for len(f.entries) >= f.size {
		if !f.evictOldestLocked() {
			break
		}
	}
	entry := &finishedEntry{snap: snap, expiresAt: f.now().Add(f.retention)}
	entry.element = f.order.PushFront(snap.SessionID)
	f.entries[snap.SessionID] = entry
}

func (f *finishedStore) get(sessionID string) (Snapshot, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()

	entry, ok := f.entries[sessionID]
	if !ok {
		return Snapshot{}, false
	}
	if f.retention > 0 && f.now().After(entry.expiresAt) {
		f.removeLocked(sessionID)
		return Snapshot{}, false
	}
	return entry.snap, true
}

func (f *finishedStore) remove(sessionID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeLocked(sessionID)
}

func (f *finishedStore) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *finishedStore) removeLocked(sessionID string) {
	entry, ok := f.entries[sessionID]
	if !ok {
		return
	}
	f.order.Remove(entry.element)
	delete(f.entries, sessionID)
}

func (f *finishedStore) evictOldestLocked() bool {
	elem := f.order.Back()
	if elem == nil {
		return false
	}
	f.removeLocked(elem.Value.(string))
	return true
}
