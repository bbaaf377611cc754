// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package settings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

func makeBackend(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, MarkerFile), []byte("# entry"), 0o644))
	return dir
}

func TestLoad_CreatesDefaultDocument(t *testing.T) {
	data := t.TempDir()
	s := New(data, "/opt/fallback", nil)
	require.NoError(t, s.Load())

	raw, err := os.ReadFile(filepath.Join(data, FileName))
	require.NoError(t, err)
	assert.JSONEq(t, `{"comfyuiPath":""}`, string(raw))
	assert.Equal(t, "/opt/fallback", s.BackendPath())
}

func TestSetBackendPath_Valid(t *testing.T) {
	data := t.TempDir()
	backend := makeBackend(t)
	s := New(data, "", nil)
	require.NoError(t, s.Load())

	var notified Settings
	s.OnChange(func(v Settings) { notified = v })

	require.NoError(t, s.SetBackendPath(backend))
	assert.Equal(t, backend, s.Get().BackendPath)
	assert.Equal(t, backend, s.BackendPath())
	assert.Equal(t, backend, notified.BackendPath)

	// Survives a reload.
	reloaded := New(data, "", nil)
	require.NoError(t, reloaded.Load())
	assert.Equal(t, backend, reloaded.Get().BackendPath)
}

func TestSetBackendPath_InvalidLeavesStoredValue(t *testing.T) {
	data := t.TempDir()
	backend := makeBackend(t)
	s := New(data, "", nil)
	require.NoError(t, s.Load())
	require.NoError(t, s.SetBackendPath(backend))

	err := s.SetBackendPath(t.TempDir())
	assert.ErrorIs(t, err, datatypes.ErrInvalidPath)
	assert.Equal(t, backend, s.Get().BackendPath)

	assert.ErrorIs(t, s.SetBackendPath(""), datatypes.ErrInvalidPath)
}

func TestGet_BlanksPathThatLostItsMarker(t *testing.T) {
	data := t.TempDir()
	backend := makeBackend(t)
	s := New(data, "/fallback", nil)
	require.NoError(t, s.Load())
	require.NoError(t, s.SetBackendPath(backend))

	require.NoError(t, os.Remove(filepath.Join(backend, MarkerFile)))
	assert.Empty(t, s.Get().BackendPath)
	assert.Equal(t, "/fallback", s.BackendPath())
}

func TestLoad_CorruptDocument(t *testing.T) {
	data := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(data, FileName), []byte("{nope"), 0o644))
	assert.Error(t, New(data, "", nil).Load())
}

func TestDirs(t *testing.T) {
	assert.Equal(t, filepath.Join("/b", "output"), OutputDir("/b"))
	assert.Equal(t, filepath.Join("/b", "models"), ModelsDir("/b"))
}

func TestResolveDirs_RequireConfiguredRoot(t *testing.T) {
	dir, err := ResolveOutputDir("/b")
	require.NoError(t, err)
	assert.Equal(t, OutputDir("/b"), dir)

	dir, err = ResolveModelsDir("/b")
	require.NoError(t, err)
	assert.Equal(t, ModelsDir("/b"), dir)

	_, err = ResolveOutputDir("")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
	_, err = ResolveModelsDir("")
	assert.ErrorIs(t, err, datatypes.ErrNotFound)
}
