// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps API keys and tokens sealed in memguard enclaves.
//
// A key is read from the environment or from a container secret file under
// /run/secrets, sealed immediately, and only unsealed for the duration of a
// call to Secret.Use. Secrets render as "[REDACTED]" when printed or logged.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
)

// DefaultSecretsDir is where container runtimes mount secret files.
const DefaultSecretsDir = "/run/secrets"

const redacted = "[REDACTED]"

// ErrSecretNotFound indicates neither the environment nor the secret file
// held a value.
var ErrSecretNotFound = errors.New("secret not found")

var interruptOnce sync.Once

// Secret is a sealed credential.
//
// Thread Safety: Safe for concurrent use. Each Use opens its own buffer.
type Secret struct {
	name    string
	enclave *memguard.Enclave
}

// Source says where to look for a secret.
type Source struct {
	// Name identifies the secret in logs and errors.
	Name string

	// EnvVar is checked first.
	EnvVar string

	// File is a file name under Dir, checked when EnvVar is unset.
	File string

	// Dir defaults to DefaultSecretsDir.
	Dir string
}

// Load reads and seals a secret.
//
// Description:
//
//	Checks src.EnvVar, then src.Dir/src.File. Surrounding whitespace is
//	trimmed. The plaintext copy read from the file is wiped after
//	sealing; the environment copy cannot be wiped.
//
// Outputs:
//
//	*Secret - The sealed secret.
//	error - ErrSecretNotFound when no source has a value.
func Load(src Source) (*Secret, error) {
	if src.EnvVar != "" {
		if v := strings.TrimSpace(os.Getenv(src.EnvVar)); v != "" {
			return FromString(src.Name, v), nil
		}
	}
	if src.File != "" {
		dir := src.Dir
		if dir == "" {
			dir = DefaultSecretsDir
		}
		path := filepath.Join(dir, src.File)
		data, err := os.ReadFile(path)
		if err == nil {
			trimmed := []byte(strings.TrimSpace(string(data)))
			memguard.WipeBytes(data)
			if len(trimmed) > 0 {
				slog.Info("loaded secret from file", slog.String("secret", src.Name), slog.String("path", path))
				return fromBytes(src.Name, trimmed), nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s (set %s)", ErrSecretNotFound, src.Name, src.EnvVar)
}

// FromString seals value.
func FromString(name, value string) *Secret {
	return fromBytes(name, []byte(value))
}

// fromBytes seals b and wipes it.
func fromBytes(name string, b []byte) *Secret {
	interruptOnce.Do(memguard.CatchInterrupt)
	return &Secret{name: name, enclave: memguard.NewEnclave(b)}
}

// Name returns the secret's name.
func (s *Secret) Name() string {
	return s.name
}

// Use unseals the secret, passes the plaintext to fn and destroys the
// buffer when fn returns. fn must not retain value.
func (s *Secret) Use(fn func(value string) error) error {
	if s == nil || s.enclave == nil {
		return fmt.Errorf("%w: nil secret", ErrSecretNotFound)
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("open secret %s: %w", s.name, err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Reveal returns a plaintext copy for APIs that keep the key themselves,
// such as SDK clients. Prefer Use.
func (s *Secret) Reveal() (string, error) {
	var out string
	err := s.Use(func(v string) error {
		out = strings.Clone(v)
		return nil
	})
	return out, err
}

// Equal compares candidate against the secret in constant time.
func (s *Secret) Equal(candidate string) bool {
	if s == nil || s.enclave == nil {
		return false
	}
	buf, err := s.enclave.Open()
	if err != nil {
		return false
	}
	defer buf.Destroy()
	return buf.EqualTo([]byte(candidate))
}

// String implements fmt.Stringer without exposing the value.
func (s *Secret) String() string {
	return redacted
}

// LogValue implements slog.LogValuer without exposing the value.
func (s *Secret) LogValue() slog.Value {
	return slog.StringValue(redacted)
}

// Purge wipes every sealed secret. Call once on shutdown.
func Purge() {
	memguard.Purge()
}
