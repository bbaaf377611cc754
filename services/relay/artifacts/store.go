// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package artifacts owns the relay's on-disk image directories.
//
// # Description
//
// Two kinds of artifacts are kept:
//
//   - Generated images, saved under timestamp-derived names and bounded to
//     MaxSaved files. Every save is followed by a retention sweep that
//     deletes everything beyond the newest MaxSaved.
//   - Source ("original") images, one per pipeline node, overwritten in
//     place and never swept.
//
// The Store is the only writer of both directories. A single mutex
// serializes save+sweep so two concurrent saves cannot interleave their
// sweeps and leave more than MaxSaved files behind.
//
// # Thread Safety
//
// Store is safe for concurrent use.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRelay/pkg/validation"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

// MaxSaved is the default retention bound for generated images.
const MaxSaved = 20

const (
	// GeneratedDirName is the generated image directory under the data root.
	GeneratedDirName = "saved_images"

	// OriginalsDirName is the source image directory under the data root.
	OriginalsDirName = "original_images"

	// GeneratedURLPrefix is the public path prefix of generated images.
	GeneratedURLPrefix = "/saved_images/"

	generatedPrefix = "generated_"
	originalSuffix  = "_original.png"
)

// imageExtensions are the files the sweep and the listings consider.
var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
	".gif":  true,
}

// Artifact describes one stored image.
type Artifact struct {
	// Name is the file name, e.g. "generated_2025-01-02T03-04-05-678Z.png".
	Name string `json:"name"`

	// Path is the public URL path, e.g. "/saved_images/<name>".
	Path string `json:"path"`

	// ModTime is the generation time (file mtime).
	ModTime time.Time `json:"mtime"`

	// Size is the file size in bytes.
	Size int64 `json:"size"`

	// Prompt is the prompt recorded at save time, when known.
	Prompt string `json:"prompt,omitempty"`

	// FilePath is the absolute on-disk path. Not serialized.
	FilePath string `json:"-"`
}

// Config configures a Store.
type Config struct {
	// Root is the data directory holding saved_images/ and original_images/.
	Root string

	// MaxSaved bounds generated images. Default: MaxSaved.
	MaxSaved int

	// Index stores per-artifact metadata. Optional.
	Index Index

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Store manages generated and original images.
type Store struct {
	generatedDir string
	originalsDir string
	maxSaved     int
	index        Index
	metrics      *observability.Metrics
	logger       *slog.Logger
	now          func() time.Time

	// mu serializes every write and the sweep that follows it.
	mu sync.Mutex

	// lastStem and lastSeq track the newest generated name so a timestamp
	// never reuses a sequence number, even after eviction. Guarded by mu.
	lastStem string
	lastSeq  int
}

// New creates a Store. Directories are created on first write.
func New(cfg Config) *Store {
	if cfg.MaxSaved <= 0 {
		cfg.MaxSaved = MaxSaved
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Store{
		generatedDir: filepath.Join(cfg.Root, GeneratedDirName),
		originalsDir: filepath.Join(cfg.Root, OriginalsDirName),
		maxSaved:     cfg.MaxSaved,
		index:        cfg.Index,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger.With("component", "artifacts"),
		now:          cfg.Now,
	}
}

// GeneratedDir returns the generated image directory.
func (s *Store) GeneratedDir() string { return s.generatedDir }

// OriginalsDir returns the original image directory.
func (s *Store) OriginalsDir() string { return s.originalsDir }

// MaxSaved returns the retention bound.
func (s *Store) MaxSaved() int { return s.maxSaved }

// =============================================================================
// Generated Images
// =============================================================================

// SaveGenerated persists a generated image and enforces retention.
//
// # Description
//
// Writes data under a timestamp-derived name (suffixed when two saves share
// a timestamp), sets the file's mtime to the generation time, records the
// prompt in the index and then sweeps. Sweep and index failures are logged
// and never fail the save.
//
// # Inputs
//
//   - ctx: Bounds the index update.
//   - data: Raw image bytes. The extension is chosen from the content.
//   - prompt: Optional prompt text.
//
// # Outputs
//
//   - Artifact: The saved file.
//   - error: Non-nil when the file could not be written.
func (s *Store) SaveGenerated(ctx context.Context, data []byte, prompt string) (Artifact, error) {
	if len(data) == 0 {
		return Artifact{}, fmt.Errorf("%w: empty image", datatypes.ErrInvalidRequest)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.generatedDir, 0o755); err != nil {
		return Artifact{}, fmt.Errorf("create %s: %w", s.generatedDir, err)
	}

	ts := s.now().UTC()
	name, err := s.uniqueName(ts, extensionFor(data))
	if err != nil {
		return Artifact{}, err
	}
	path := filepath.Join(s.generatedDir, name)

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return Artifact{}, fmt.Errorf("write %s: %w", name, err)
	}
	if err := os.Chtimes(path, ts, ts); err != nil {
		s.logger.Warn("failed to stamp artifact mtime", "file", name, "error", err)
	}
	s.metrics.RecordSaved("generated")

	if s.index != nil {
		meta := Metadata{Prompt: prompt, CreatedAt: ts, Size: int64(len(data))}
		if err := s.index.Put(ctx, name, meta); err != nil {
			s.logger.Warn("failed to index artifact", "file", name, "error", err)
		}
	}

	if _, err := s.sweepLocked(ctx); err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
	}

	return Artifact{
		Name:     name,
		Path:     GeneratedURLPrefix + name,
		ModTime:  ts,
		Size:     int64(len(data)),
		Prompt:   prompt,
		FilePath: path,
	}, nil
}

// uniqueName formats the ISO timestamp with ':' and '.' replaced by '-'.
// Saves sharing a timestamp get increasing "_<n>" suffixes.
func (s *Store) uniqueName(ts time.Time, ext string) (string, error) {
	stem := generatedPrefix + strings.NewReplacer(":", "-", ".", "-").Replace(ts.Format("2006-01-02T15:04:05.000Z"))
	seq := 0
	if stem == s.lastStem {
		seq = s.lastSeq + 1
	}
	for ; ; seq++ {
		name := stem + ext
		if seq > 0 {
			name = stem + "_" + strconv.Itoa(seq) + ext
		}
		_, err := os.Stat(filepath.Join(s.generatedDir, name))
		if errors.Is(err, fs.ErrNotExist) {
			s.lastStem, s.lastSeq = stem, seq
			return name, nil
		}
		if err != nil {
			return "", fmt.Errorf("stat %s: %w", name, err)
		}
	}
}

// Sweep enforces the retention bound outside of a save. It returns the
// number of files deleted.
func (s *Store) Sweep(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sweepLocked(ctx)
}

// sweepLocked deletes every generated image beyond the newest maxSaved.
// Individual deletion failures are logged and the sweep continues.
func (s *Store) sweepLocked(ctx context.Context) (int, error) {
	files, err := scanImages(s.generatedDir, GeneratedURLPrefix)
	if err != nil {
		if errors.Is(err, datatypes.ErrNotFound) {
			return 0, nil
		}
		return 0, err
	}
	if len(files) <= s.maxSaved {
		return 0, nil
	}

	var removed []string
	for _, f := range files[s.maxSaved:] {
		if err := os.Remove(f.FilePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.metrics.RecordSweepError()
			s.logger.Warn("failed to delete old artifact", "file", f.Name, "error", err)
			continue
		}
		removed = append(removed, f.Name)
	}
	s.metrics.RecordEvicted(len(removed))
	if len(removed) > 0 {
		s.logger.Debug("retention sweep removed artifacts", "count", len(removed))
	}

	if s.index != nil && len(removed) > 0 {
		if err := s.index.Delete(ctx, removed); err != nil {
			s.logger.Warn("failed to drop swept artifacts from index", "error", err)
		}
	}
	return len(removed), nil
}

// ListGenerated returns generated images newest first, with prompts from
// the index when available. A missing directory yields an empty list.
func (s *Store) ListGenerated(ctx context.Context) ([]Artifact, error) {
	files, err := scanImages(s.generatedDir, GeneratedURLPrefix)
	if errors.Is(err, datatypes.ErrNotFound) {
		return []Artifact{}, nil
	}
	if err != nil {
		return nil, err
	}
	if s.index == nil || len(files) == 0 {
		return files, nil
	}

	names := make([]string, len(files))
	for i, f := range files {
		names[i] = f.Name
	}
	meta, err := s.index.Lookup(ctx, names)
	if err != nil {
		s.logger.Warn("artifact index lookup failed", "error", err)
		return files, nil
	}
	for i := range files {
		if m, ok := meta[files[i].Name]; ok {
			files[i].Prompt = m.Prompt
		}
	}
	return files, nil
}

// GeneratedPath resolves a generated image name to its file.
//
// # Outputs
//
//   - string: Absolute path.
//   - error: ErrInvalidPath for names with separators, ErrNotFound when absent.
func (s *Store) GeneratedPath(name string) (string, error) {
	if !isPlainName(name) {
		return "", fmt.Errorf("%w: %q", datatypes.ErrInvalidPath, name)
	}
	path := filepath.Join(s.generatedDir, name)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("artifact %q: %w", name, datatypes.ErrNotFound)
		}
		return "", fmt.Errorf("stat %q: %w", name, err)
	}
	return path, nil
}

// =============================================================================
// Original Images
// =============================================================================

// SaveOriginal stores the source image for a node, replacing any previous
// one. Originals are never swept.
func (s *Store) SaveOriginal(nodeID string, data []byte) error {
	path, err := s.originalPath(nodeID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.originalsDir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", s.originalsDir, err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write original for node %s: %w", nodeID, err)
	}
	s.metrics.RecordSaved("original")
	return nil
}

// GetOriginal returns the stored source image for a node, or ErrNotFound.
func (s *Store) GetOriginal(nodeID string) ([]byte, error) {
	path, err := s.originalPath(nodeID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("original for node %q: %w", nodeID, datatypes.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read original for node %q: %w", nodeID, err)
	}
	return data, nil
}

func (s *Store) originalPath(nodeID string) (string, error) {
	if !isPlainName(nodeID) {
		return "", fmt.Errorf("%w: node id %q", datatypes.ErrInvalidName, nodeID)
	}
	return filepath.Join(s.originalsDir, nodeID+originalSuffix), nil
}

// =============================================================================
// Directory Listing
// =============================================================================

// ListImages lists image files in dir newest first, with public paths
// under urlPrefix. Used for the backend's output directory.
//
// # Outputs
//
//   - error: ErrNotFound when dir does not exist.
func ListImages(dir, urlPrefix string) ([]Artifact, error) {
	return scanImages(dir, urlPrefix)
}

func scanImages(dir, urlPrefix string) ([]Artifact, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("directory %s: %w", dir, datatypes.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}

	files := make([]Artifact, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			// Removed between ReadDir and Info.
			continue
		}
		files = append(files, Artifact{
			Name:     e.Name(),
			Path:     urlPrefix + e.Name(),
			ModTime:  info.ModTime(),
			Size:     info.Size(),
			FilePath: filepath.Join(dir, e.Name()),
		})
	}

	sort.Slice(files, func(i, j int) bool {
		if !files[i].ModTime.Equal(files[j].ModTime) {
			return files[i].ModTime.After(files[j].ModTime)
		}
		return newerName(files[i].Name, files[j].Name)
	})
	return files, nil
}

// newerName orders names with equal mtimes: by stem descending, then by
// numeric "_<n>" suffix descending.
func newerName(a, b string) bool {
	stemA, seqA := splitSeq(a)
	stemB, seqB := splitSeq(b)
	if stemA != stemB {
		return stemA > stemB
	}
	if seqA != seqB {
		return seqA > seqB
	}
	return a > b
}

// splitSeq splits "stem_<n>.ext" into stem and n. Names without a numeric
// suffix have n = 0.
func splitSeq(name string) (string, int) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	i := strings.LastIndexByte(base, '_')
	if i < 0 {
		return base, 0
	}
	n, err := strconv.Atoi(base[i+1:])
	if err != nil || n < 0 {
		return base, 0
	}
	return base[:i], n
}

// extensionFor picks a file extension from the image content.
func extensionFor(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	default:
		return ".png"
	}
}

func isPlainName(name string) bool {
	return validation.ValidateFileName(name) == nil
}

// IsImageFile reports whether name has one of the image extensions the
// listings consider.
func IsImageFile(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}
