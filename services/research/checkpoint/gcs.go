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
	"io"
	"path"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsChecksumKey = "checkpoint-checksum"

// GCSConfig locates checkpoint objects in Google Cloud Storage.
type GCSConfig struct {
	Bucket string `yaml:"bucket"`

	// Prefix is prepended to object names, e.g. "research/checkpoints".
	Prefix string `yaml:"prefix"`

	// CredentialsFile is a service-account key. Empty uses application
	// default credentials.
	CredentialsFile string `yaml:"credentials_file"`
}

// GCSStore keeps one JSON object per session in a bucket.
//
// Description:
//
//	The record checksum is mirrored into object metadata so an identical
//	save can be skipped with a metadata read. Access is serialized per
//	session within this process only; GCS offers no cross-process lock.
//
// Thread Safety: Safe for concurrent use.
type GCSStore struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	locks  *keyedMutex
	now    func() time.Time
}

// NewGCSStore creates a client for cfg.Bucket.
//
// Inputs:
//
//	ctx - Context for client creation.
//	cfg - Bucket, prefix and optional credentials file.
//
// Outputs:
//
//	*GCSStore - The store. Close releases the client.
//	error - Non-nil if the bucket is unset or the client fails.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("%w: GCS bucket is required", ErrInvalidInput)
	}
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	return &GCSStore{
		client: client,
		bucket: client.Bucket(cfg.Bucket),
		prefix: cfg.Prefix,
		locks:  newKeyedMutex(),
		now:    time.Now,
	}, nil
}

func (g *GCSStore) object(sessionID string) *storage.ObjectHandle {
	return g.bucket.Object(path.Join(g.prefix, sessionID+".json"))
}

// Save uploads rec unless the stored object already has its checksum.
func (g *GCSStore) Save(ctx context.Context, rec Record) error {
	sealed, data, err := seal(rec, g.now())
	if err != nil {
		return err
	}

	unlock := g.locks.lock(sealed.SessionID)
	defer unlock()

	obj := g.object(sealed.SessionID)
	attrs, err := obj.Attrs(ctx)
	switch {
	case err == nil && attrs.Metadata[gcsChecksumKey] == sealed.Checksum:
		return nil
	case err != nil && !errors.Is(err, storage.ErrObjectNotExist):
		return fmt.Errorf("stat checkpoint %s: %w", sealed.SessionID, err)
	}

	w := obj.NewWriter(ctx)
	w.ContentType = "application/json"
	w.Metadata = map[string]string{gcsChecksumKey: sealed.Checksum}
	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write checkpoint %s: %w", sealed.SessionID, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("commit checkpoint %s: %w", sealed.SessionID, err)
	}
	return nil
}

// Load downloads and verifies the session's record.
func (g *GCSStore) Load(ctx context.Context, sessionID string) (*Record, error) {
	if err := ValidateSessionID(sessionID); err != nil {
		return nil, err
	}

	unlock := g.locks.lock(sessionID)
	defer unlock()

	r, err := g.object(sessionID).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, notFound(sessionID)
	}
	if err != nil {
		return nil, fmt.Errorf("open checkpoint %s: %w", sessionID, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", sessionID, err)
	}
	return decode(data)
}

// Clear deletes the session's object.
func (g *GCSStore) Clear(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	unlock := g.locks.lock(sessionID)
	defer unlock()

	err := g.object(sessionID).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete checkpoint %s: %w", sessionID, err)
	}
	return nil
}

// Close releases the GCS client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}
