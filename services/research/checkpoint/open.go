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
	"fmt"
	"log/slog"

	kv "github.com/AleutianAI/AleutianResearch/services/research/storage/badger"
)

// Backend names a Store implementation.
type Backend string

const (
	BackendMemory Backend = "memory"
	BackendFile   Backend = "file"
	BackendBadger Backend = "badger"
	BackendGCS    Backend = "gcs"
)

// Config selects and configures a Store.
type Config struct {
	Backend Backend `yaml:"backend"`

	// Path is the directory for the file and badger backends.
	Path string `yaml:"path"`

	GCS GCSConfig `yaml:"gcs"`
}

// Open builds the Store cfg describes.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case BackendMemory, "":
		return NewMemoryStore(), nil
	case BackendFile:
		return NewFileStore(cfg.Path)
	case BackendBadger:
		bcfg := kv.DefaultConfig(cfg.Path)
		bcfg.Logger = logger
		return OpenBadgerStore(bcfg)
	case BackendGCS:
		return NewGCSStore(ctx, cfg.GCS)
	default:
		return nil, fmt.Errorf("%w: unknown checkpoint backend %q", ErrInvalidInput, cfg.Backend)
	}
}
