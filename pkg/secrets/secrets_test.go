// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_PrefersEnvironment(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key"), []byte("from-file\n"), 0o600))
	t.Setenv("TEST_SECRET_KEY", "  from-env ")

	s, err := Load(Source{Name: "test", EnvVar: "TEST_SECRET_KEY", File: "key", Dir: dir})
	require.NoError(t, err)
	v, err := s.Reveal()
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
}

func TestLoad_FallsBackToFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "key"), []byte("from-file\n"), 0o600))
	t.Setenv("TEST_SECRET_KEY", "")

	s, err := Load(Source{Name: "test", EnvVar: "TEST_SECRET_KEY", File: "key", Dir: dir})
	require.NoError(t, err)
	err = s.Use(func(v string) error {
		assert.Equal(t, "from-file", v)
		return nil
	})
	require.NoError(t, err)
}

func TestLoad_Missing(t *testing.T) {
	t.Setenv("TEST_SECRET_KEY", "")
	_, err := Load(Source{Name: "test", EnvVar: "TEST_SECRET_KEY", File: "absent", Dir: t.TempDir()})
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestSecret_NeverPrinted(t *testing.T) {
	s := FromString("token", "hunter2")

	assert.Equal(t, "[REDACTED]", s.String())
	assert.NotContains(t, fmt.Sprintf("%v %s", s, s), "hunter2")

	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("using", slog.Any("key", s))
	assert.NotContains(t, buf.String(), "hunter2")
	assert.Contains(t, buf.String(), "[REDACTED]")
}

func TestSecret_Equal(t *testing.T) {
	s := FromString("token", "hunter2")
	assert.True(t, s.Equal("hunter2"))
	assert.False(t, s.Equal("hunter3"))
	assert.False(t, (*Secret)(nil).Equal("hunter2"))
}
