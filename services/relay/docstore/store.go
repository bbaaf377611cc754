// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package docstore persists named JSON documents (workflows, presets and the
// workflow display order) as individual files.
//
// # Consistency
//
// Writes replace the whole file through a temp file and rename, so a reader
// never observes a torn document. There is no write locking: two concurrent
// writers to the same name race and the last rename wins. Renames are
// serialized among themselves so the existence checks and the rename are not
// interleaved with another rename.
package docstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// Class identifies a document family. Names are unique within a class.
type Class string

const (
	// ClassWorkflow stores node graphs as workflow/<name>.json.
	ClassWorkflow Class = "workflow"

	// ClassPreset stores parameter presets as preset/<name>.preset.json.
	ClassPreset Class = "preset"
)

const (
	orderFile       = "order.json"
	defaultWorkflow = "default"
)

// defaultWorkflowDoc is written by EnsureDefaults into an empty workflow dir.
var defaultWorkflowDoc = []byte("{\n  \"nodes\": {},\n  \"connections\": []\n}\n")

type layout struct {
	dir    string
	suffix string
}

// Store is a file-backed document store rooted at one directory.
type Store struct {
	root    string
	layouts map[Class]layout
	logger  *slog.Logger

	// renameMu serializes Rename calls only.
	renameMu sync.Mutex
}

// New creates a Store rooted at root. Directories are created lazily on
// first write or by EnsureDefaults.
func New(root string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		root: root,
		layouts: map[Class]layout{
			ClassWorkflow: {dir: filepath.Join(root, "workflow"), suffix: ".json"},
			ClassPreset:   {dir: filepath.Join(root, "preset"), suffix: ".preset.json"},
		},
		logger: logger.With("component", "docstore"),
	}
}

// Root returns the directory the store was created with.
func (s *Store) Root() string { return s.root }

// EnsureDefaults creates every class directory and writes the default
// workflow when the workflow directory holds no workflows.
func (s *Store) EnsureDefaults() error {
	for _, l := range s.layouts {
		if err := os.MkdirAll(l.dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", l.dir, err)
		}
	}
	names, err := s.List(ClassWorkflow)
	if err != nil {
		return err
	}
	if len(names) == 0 {
		s.logger.Info("seeding default workflow", "name", defaultWorkflow)
		return s.Write(ClassWorkflow, defaultWorkflow, defaultWorkflowDoc)
	}
	return nil
}

// List returns the document names of a class in lexical order, without
// their suffix. A missing directory yields an empty list.
func (s *Store) List(class Class) ([]string, error) {
	l, err := s.layout(class)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(l.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", class, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), l.suffix) {
			continue
		}
		if class == ClassWorkflow && e.Name() == orderFile {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), l.suffix))
	}
	sort.Strings(names)
	return names, nil
}

// FileName returns the on-disk file name of a document, e.g. "portrait.json".
func (s *Store) FileName(class Class, name string) (string, error) {
	path, err := s.path(class, name)
	if err != nil {
		return "", err
	}
	return filepath.Base(path), nil
}

// Read returns the stored bytes of a document unchanged.
//
// # Outputs
//
//   - []byte: Exactly the bytes last written.
//   - error: datatypes.ErrNotFound when absent, ErrInvalidName for bad names.
func (s *Store) Read(class Class, name string) ([]byte, error) {
	path, err := s.path(class, name)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%s %q: %w", class, name, datatypes.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s %q: %w", class, name, err)
	}
	return data, nil
}

// Write replaces a document with doc.
//
// # Description
//
// doc must be valid JSON and is stored byte-for-byte. The previous content
// is replaced, never merged. The class directory is created on demand.
//
// # Limitations
//
// Last write wins between concurrent writers of the same name.
func (s *Store) Write(class Class, name string, doc []byte) error {
	path, err := s.path(class, name)
	if err != nil {
		return err
	}
	if !json.Valid(doc) {
		return fmt.Errorf("%w: %s %q is not valid JSON", datatypes.ErrInvalidRequest, class, name)
	}
	return writeFileAtomic(path, doc)
}

// Rename moves a document to a new name within its class.
//
// # Outputs
//
//   - error: ErrAlreadyExists when newName is taken, including a rename
//     onto itself, ErrNotFound when oldName is absent.
func (s *Store) Rename(class Class, oldName, newName string) error {
	oldPath, err := s.path(class, oldName)
	if err != nil {
		return err
	}
	newPath, err := s.path(class, newName)
	if err != nil {
		return err
	}

	s.renameMu.Lock()
	defer s.renameMu.Unlock()

	if _, err := os.Stat(oldPath); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", class, oldName, datatypes.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("stat %s %q: %w", class, oldName, err)
	}
	if _, err := os.Stat(newPath); err == nil {
		return fmt.Errorf("%s %q: %w", class, newName, datatypes.ErrAlreadyExists)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("stat %s %q: %w", class, newName, err)
	}

	if err := os.Rename(oldPath, newPath); err != nil {
		return fmt.Errorf("rename %s %q: %w", class, oldName, err)
	}
	s.logger.Info("document renamed", "class", class, "from", oldName, "to", newName)
	return nil
}

// Delete removes a document. ErrNotFound when absent.
func (s *Store) Delete(class Class, name string) error {
	path, err := s.path(class, name)
	if err != nil {
		return err
	}
	if err := os.Remove(path); errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%s %q: %w", class, name, datatypes.ErrNotFound)
	} else if err != nil {
		return fmt.Errorf("delete %s %q: %w", class, name, err)
	}
	return nil
}

// =============================================================================
// Paths
// =============================================================================

func (s *Store) layout(class Class) (layout, error) {
	l, ok := s.layouts[class]
	if !ok {
		return layout{}, fmt.Errorf("%w: unknown document class %q", datatypes.ErrInvalidName, class)
	}
	return l, nil
}

// path resolves a name to its file. The class suffix is optional on input.
func (s *Store) path(class Class, name string) (string, error) {
	l, err := s.layout(class)
	if err != nil {
		return "", err
	}
	base, err := normalizeName(name, l.suffix)
	if err != nil {
		return "", err
	}
	if class == ClassWorkflow && base+l.suffix == orderFile {
		return "", fmt.Errorf("%w: %q is reserved", datatypes.ErrInvalidName, name)
	}
	return filepath.Join(l.dir, base+l.suffix), nil
}

func normalizeName(name, suffix string) (string, error) {
	base, err := validation.SanitizeFileName(name, suffix)
	if err != nil {
		return "", fmt.Errorf("%w: %w", datatypes.ErrInvalidName, err)
	}
	return base, nil
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close %s: %w", path, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
