// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"

	kv "github.com/AleutianAI/AleutianResearch/services/research/storage/badger"
)

const badgerKeyPrefix = "research/checkpoint/"

// BadgerStore keeps checkpoints in an embedded BadgerDB.
//
// Thread Safety: Safe for concurrent use.
type BadgerStore struct {
	db    *kv.DB
	owned bool
	locks *keyedMutex
	now   func() time.Time
}

// NewBadgerStore wraps an already open database. Close leaves db open.
func NewBadgerStore(db *kv.DB) *BadgerStore {
	return &BadgerStore{db: db, locks: newKeyedMutex(), now: time.Now}
}

// OpenBadgerStore opens a database with cfg and owns it. Close closes it.
func OpenBadgerStore(cfg kv.Config) (*BadgerStore, error) {
	db, err := kv.Open(cfg)
	if err != nil {
		return nil, err
	}
	s := NewBadgerStore(db)
	s.owned = true
	return s, nil
}

func badgerKey(sessionID string) []byte {
	return []byte(badgerKeyPrefix + sessionID)
}

// Save writes rec in a single transaction.
func (b *BadgerStore) Save(ctx context.Context, rec Record) error {
	sealed, data, err := seal(rec, b.now())
	if err != nil {
		return err
	}

	unlock := b.locks.lock(sealed.SessionID)
	defer unlock()

	err = b.db.Update(ctx, func(txn *badger.Txn) error {
		existing, err := kv.Get(txn, badgerKey(sealed.SessionID))
		if err != nil && !errors.Is(err, kv.ErrKeyNotFound) {
			return err
		}
		if sameContent(existing, sealed) {
			return nil
		}
		return txn.Set(badgerKey(sealed.SessionID), data)
	})
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", sealed.SessionID, err)
	}
	return nil
}

// Load reads and verifies the session's record.
func (b *BadgerStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	unlock := b.locks.lock(sessionID)
	defer unlock()

	var data []byte
	err := b.db.View(ctx, func(txn *badger.Txn) error {
		var err error
		data, err = kv.Get(txn, badgerKey(sessionID))
		return err
	})
	if errors.Is(err, kv.ErrKeyNotFound) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", sessionID, err)
	}
	return decode(data)
}

// Clear deletes the session's record.
func (b *BadgerStore) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	unlock := b.locks.lock(sessionID)
	defer unlock()

	err := b.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(badgerKey(sessionID))
	})
	if err != nil {
		return fmt.Errorf("clear checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// Close closes the database if the store opened it.
func (b *BadgerStore) Close() error {
	if b.owned {
		return b.db.Close()
	}
	return nil
}
