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
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// FileStore keeps one JSON file per session under a directory.
//
// Description:
//
//	Writes go to a temp file in the same directory, are synced, then
//	renamed over the previous record, so a crash mid-write leaves either
//	the old record or the new one, never a torn file.
//
// Thread Safety: Safe for concurrent use within one process.
type FileStore struct {
	dir   string
	locks *keyedMutex
	now   func() time.Time
}

// NewFileStore creates a store rooted at dir, creating it if needed.
//
// Inputs:
//
//	dir - Directory for checkpoint files. Must not be empty.
//
// Outputs:
//
//	*FileStore - The store.
//	error - Non-nil if dir is empty or cannot be created.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("%w: checkpoint directory is required", ErrInvalidInput)
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir, locks: newKeyedMutex(), now: time.Now}, nil
}

// Dir returns the directory holding the checkpoint files.
func (f *FileStore) Dir() string {
	return f.dir
}

func (f *FileStore) path(sessionID string) string {
	return filepath.Join(f.dir, sessionID+".json")
}

// Save writes rec atomically.
func (f *FileStore) Save(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	sealed, data, err := seal(rec, f.now())
	if err != nil {
		return err
	}

	unlock := f.locks.lock(sealed.SessionID)
	defer unlock()

	path := f.path(sealed.SessionID)
	if existing, err := os.ReadFile(path); err == nil && sameContent(existing, sealed) {
		return nil
	}

	tempFile, err := os.CreateTemp(f.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		tempFile.Close()
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		tempFile.Close()
		return fmt.Errorf("sync checkpoint: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close checkpoint: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	success = true
	return nil
}

// Load reads and verifies the session's record.
func (f *FileStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	unlock := f.locks.lock(sessionID)
	defer unlock()

	data, err := os.ReadFile(f.path(sessionID))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}
	return decode(data)
}

// Clear deletes the session's file.
func (f *FileStore) Clear(ctx context.Context, sessionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	unlock := f.locks.lock(sessionID)
	defer unlock()

	if err := os.Remove(f.path(sessionID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// Close is a no-op.
func (f *FileStore) Close() error { return nil }
