// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package settings persists the relay's user-editable settings: the
// location of the backend installation.
//
// A backend location is valid only when it contains the backend's entry
// point marker file (main.py). Invalid locations are refused on write and
// reported as empty on read.
package settings

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// MarkerFile must exist in a valid backend installation directory.
const MarkerFile = "main.py"

// FileName is the settings document under the data directory.
const FileName = "config.json"

// Settings is the persisted document.
type Settings struct {
	// BackendPath is the backend installation directory.
	BackendPath string `json:"comfyuiPath"`
}

// ChangeFunc is called after a successful update with the new settings.
type ChangeFunc func(Settings)

// Store reads and writes the settings document.
type Store struct {
	path     string
	fallback string
	logger   *slog.Logger

	mu        sync.RWMutex
	current   Settings
	listeners []ChangeFunc
}

// New creates a Store for <dataDir>/config.json. fallback is the backend
// path used when none is stored (typically from the relay config).
func New(dataDir, fallback string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		path:     filepath.Join(dataDir, FileName),
		fallback: fallback,
		logger:   logger.With("component", "settings"),
	}
}

// Load reads the document from disk. A missing file creates the default
// document {"comfyuiPath": ""}; a corrupt file is an error.
func (s *Store) Load() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.mu.Lock()
		s.current = Settings{}
		s.mu.Unlock()
		return s.persist(Settings{})
	}
	if err != nil {
		return fmt.Errorf("read settings: %w", err)
	}

	var loaded Settings
	if err := json.Unmarshal(data, &loaded); err != nil {
		return fmt.Errorf("decode settings %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.current = loaded
	s.mu.Unlock()
	return nil
}

// Get returns the stored settings, with BackendPath blanked when it no
// longer points at a valid installation.
func (s *Store) Get() Settings {
	s.mu.RLock()
	cur := s.current
	s.mu.RUnlock()

	if cur.BackendPath != "" && Validate(cur.BackendPath) != nil {
		cur.BackendPath = ""
	}
	return cur
}

// BackendPath returns the effective backend installation directory: the
// stored path when valid, otherwise the fallback.
func (s *Store) BackendPath() string {
	if p := s.Get().BackendPath; p != "" {
		return p
	}
	return s.fallback
}

// SetBackendPath validates and stores a new backend path.
//
// # Outputs
//
//   - error: ErrInvalidPath when path lacks the marker file; an IO error
//     when the document could not be written.
func (s *Store) SetBackendPath(path string) error {
	path = filepath.Clean(strings.TrimSpace(path))
	if err := Validate(path); err != nil {
		return err
	}
	next := Settings{BackendPath: path}
	if err := s.persist(next); err != nil {
		return err
	}

	s.mu.Lock()
	s.current = next
	listeners := append([]ChangeFunc(nil), s.listeners...)
	s.mu.Unlock()

	s.logger.Info("backend path updated", "path", path)
	for _, fn := range listeners {
		fn(next)
	}
	return nil
}

// OnChange registers fn to run after every successful update.
func (s *Store) OnChange(fn ChangeFunc) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

func (s *Store) persist(v Settings) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode settings: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create settings dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("write settings: %w", err)
	}
	return nil
}

// Validate reports ErrInvalidPath unless dir contains MarkerFile.
func Validate(dir string) error {
	if dir == "" {
		return fmt.Errorf("%w: empty backend path", datatypes.ErrInvalidPath)
	}
	info, err := os.Stat(filepath.Join(dir, MarkerFile))
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s is not a backend installation (missing %s)", datatypes.ErrInvalidPath, dir, MarkerFile)
	}
	return nil
}

// OutputDir returns the backend's output directory under root.
func OutputDir(root string) string {
	return filepath.Join(root, "output")
}

// ModelsDir returns the backend's models directory under root.
func ModelsDir(root string) string {
	return filepath.Join(root, "models")
}

// ResolveOutputDir is OutputDir for a configured root. An empty root is
// ErrNotFound rather than a path relative to the working directory.
func ResolveOutputDir(root string) (string, error) {
	if root == "" {
		return "", errNotConfigured
	}
	return OutputDir(root), nil
}

// ResolveModelsDir is ModelsDir for a configured root.
func ResolveModelsDir(root string) (string, error) {
	if root == "" {
		return "", errNotConfigured
	}
	return ModelsDir(root), nil
}

var errNotConfigured = fmt.Errorf("backend path not configured: %w", datatypes.ErrNotFound)
