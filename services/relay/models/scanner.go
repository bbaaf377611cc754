// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package models discovers model files inside the backend installation.
//
// # Description
//
// Model files live under <backend>/models/<category>/..., possibly nested
// in sub-directories. A file counts as a model when its extension is in
// Extensions (case-insensitive). Scans hit the filesystem on every call;
// concurrent identical requests share one scan, which outlives any single
// caller's cancellation.
package models

import (
	"context"
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
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/settings"
)

// Extensions is the model file allow-list.
var Extensions = []string{".ckpt", ".safetensors", ".pt", ".pth", ".bin", ".onnx", ".sft", ".gguf"}

// DefaultCategories are the categories reported by Inventory.
var DefaultCategories = []string{"checkpoints", "controlnet", "loras", "unet"}

// Preprocessors is the fixed list of image preprocessors offered to clients.
var Preprocessors = []string{
	"AnimeFace_SemSegPreprocessor",
	"AnyLineArtPreprocessor_aux",
	"BinaryPreprocessor",
	"CannyEdgePreprocessor",
	"ColorPreprocessor",
	"DensePreprocessor",
	"DepthAnythingPreprocessor",
	"Zoe_DepthAnythingPreprocessor",
	"DepthAnythingV2Preprocessor",
	"DSTNE-NormalMapPreprocessor",
	"DWPreprocessor",
	"AnimalPosePreprocessor",
	"HEDPreprocessor",
	"FakeScribblePreprocessor",
	"LeReS-DepthMapPreprocessor",
	"LineArtPreprocessor",
	"AnimeLineArtPreprocessor",
	"LinenartStandardPreprocessor",
	"Manga2Anime_LineArt_Preprocessor",
	"MediaPipe-FaceMeshPreprocessor",
	"MeshGraphormer-DepthMapPreprocessor",
	"Metric3D-DepthMapPreprocessor",
	"Metric3D-NormalMapPreprocessor",
	"MiDaS-NormalMapPreprocessor",
	"MiDaS-DepthMapPreprocessor",
	"M-LSDPreprocessor",
	"BAE-NormalMapPreprocessor",
	"OneFormer-COCO-SemSegPreprocessor",
	"OneFormer-ADE20K-SemSegPreprocessor",
	"OpenposePreprocessor",
	"PiDiNetPreprocessor",
	"PyraCannyPreprocessor",
	"ImageLuminanceDetector",
	"ImageInpaintPreprocessor",
	"ScribblePreprocessor",
	"Scribble_XDoG_Preprocessor",
	"Scribble_HED_Preprocessor",
	"SAMPreprocessor",
	"ShufflePreprocessor",
	"TEEDPreprocessor",
	"TilePreprocessor",
	"TTPlanet_TileGF_Preprocessor",
	"TTPlanet_TileSimple_Preprocessor",
	"UniFormer_SemSegPreprocessor",
	"ZoeDepthPreprocessor",
	"Zoe-DepthMapPreprocessor",
}

var extensionSet = func() map[string]bool {
	m := make(map[string]bool, len(Extensions))
	for _, ext := range Extensions {
		m[ext] = true
	}
	return m
}()

// IsModelFile reports whether name has an allow-listed extension.
func IsModelFile(name string) bool {
	return extensionSet[strings.ToLower(filepath.Ext(name))]
}

// File is one model file.
type File struct {
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         string    `json:"size"`
	Bytes        int64     `json:"bytes"`
	LastModified time.Time `json:"lastModified"`
}

// Category is the scan result of one category: its files, or an error
// message when the directory is missing or unreadable.
type Category struct {
	Files []File
	Error string
}

// MarshalJSON emits the file array, or {"error": "..."} on failure.
func (c Category) MarshalJSON() ([]byte, error) {
	if c.Error != "" {
		return json.Marshal(map[string]string{"error": c.Error})
	}
	if c.Files == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(c.Files)
}

// Inventory is the result of a full scan.
type Inventory struct {
	BackendPath string              `json:"comfyuiPath"`
	Models      map[string]Category `json:"models"`
}

// Choice is a selectable model for UI dropdowns.
type Choice struct {
	// Name is the display name including sub-directories ("sdxl/base.safetensors").
	Name string `json:"name"`

	// Value is the path relative to the category directory.
	Value string `json:"value"`
}

// Scanner scans the models directory of the current backend path.
type Scanner struct {
	backendPath func() string
	categories  []string
	logger      *slog.Logger
	group       singleflight.Group

	// beforeScan, when set, runs at the start of every shared scan.
	beforeScan func()
}

// NewScanner creates a Scanner. backendPath is consulted on every scan so
// settings changes take effect immediately.
func NewScanner(backendPath func() string, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		backendPath: backendPath,
		categories:  DefaultCategories,
		logger:      logger.With("component", "models"),
	}
}

func (s *Scanner) modelsDir() (string, error) {
	return settings.ResolveModelsDir(s.backendPath())
}

// shared runs scan once for concurrent callers with the same key. The scan
// is detached from the first caller's cancellation; every caller still
// returns as soon as its own ctx is done.
func (s *Scanner) shared(ctx context.Context, key string, scan func(context.Context) (interface{}, error)) (interface{}, error) {
	detached := context.WithoutCancel(ctx)
	ch := s.group.DoChan(key, func() (interface{}, error) {
		if s.beforeScan != nil {
			s.beforeScan()
		}
		return scan(detached)
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Inventory scans every default category concurrently.
//
// # Description
//
// Missing category directories are reported per category, never as an
// overall error. Concurrent callers for the same backend path share a
// single scan.
//
// # Outputs
//
//   - error: ErrNotFound when no backend path is configured, or the
//     caller's ctx error.
func (s *Scanner) Inventory(ctx context.Context) (Inventory, error) {
	root := s.backendPath()
	modelsDir, err := settings.ResolveModelsDir(root)
	if err != nil {
		return Inventory{}, err
	}

	v, err := s.shared(ctx, "inventory:"+root, func(ctx context.Context) (interface{}, error) {
		var mu sync.Mutex
		result := Inventory{BackendPath: root, Models: make(map[string]Category, len(s.categories))}

		g, gctx := errgroup.WithContext(ctx)
		for _, category := range s.categories {
			g.Go(func() error {
				cat := scanCategory(gctx, modelsDir, category)
				mu.Lock()
				result.Models[category] = cat
				mu.Unlock()
				return gctx.Err()
			})
		}
		if err := g.Wait(); err != nil {
			return Inventory{}, err
		}
		return result, nil
	})
	if err != nil {
		return Inventory{}, err
	}
	return v.(Inventory), nil
}

func scanCategory(ctx context.Context, modelsDir, category string) Category {
	dir := filepath.Join(modelsDir, category)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return Category{Error: "directory not found"}
	}
	files, _, err := walkModels(ctx, modelsDir, dir)
	if err != nil {
		return Category{Error: err.Error()}
	}
	return Category{Files: files}
}

// walkModels collects model files under dir with paths relative to
// modelsDir. It also returns extensions seen on non-model files.
func walkModels(ctx context.Context, modelsDir, dir string) ([]File, map[string]bool, error) {
	files := []File{}
	unknown := map[string]bool{}

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if !IsModelFile(d.Name()) {
			if ext := strings.ToLower(filepath.Ext(d.Name())); ext != "" {
				unknown[ext] = true
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(modelsDir, path)
		if err != nil {
			return err
		}
		files = append(files, File{
			Name:         d.Name(),
			Path:         filepath.ToSlash(rel),
			Size:         formatMB(info.Size()),
			Bytes:        info.Size(),
			LastModified: info.ModTime(),
		})
		return nil
	})
	return files, unknown, err
}

// List returns the models of one category, flattened across
// sub-directories.
//
// # Outputs
//
//   - []Choice: Empty when the category directory does not exist.
//   - error: ErrNotFound when no backend path is configured or the models
//     directory itself is missing, ErrInvalidName for categories that are
//     not a plain directory name.
func (s *Scanner) List(ctx context.Context, category string) ([]Choice, error) {
	if category == "" || category == "." || category == ".." || strings.ContainsAny(category, `/\`) {
		return nil, fmt.Errorf("%w: model type %q", datatypes.ErrInvalidName, category)
	}

	modelsDir, err := s.modelsDir()
	if err != nil {
		return nil, err
	}

	v, err := s.shared(ctx, "list:"+modelsDir+":"+category, func(ctx context.Context) (interface{}, error) {
		if _, err := os.Stat(modelsDir); err != nil {
			return nil, fmt.Errorf("models directory %s: %w", modelsDir, datatypes.ErrNotFound)
		}
		dir := filepath.Join(modelsDir, category)
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			s.logger.Debug("model type directory not found", "dir", dir)
			return []Choice{}, nil
		}
		files, _, err := walkModels(ctx, dir, dir)
		if err != nil {
			return nil, fmt.Errorf("scan %s models: %w", category, err)
		}
		choices := make([]Choice, len(files))
		for i, f := range files {
			// Path is relative to the category dir here, so it doubles as
			// the display name with sub-directories.
			choices[i] = Choice{Name: f.Path, Value: f.Path}
		}
		return choices, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Choice), nil
}

// Checkpoints lists model files directly inside models/checkpoints.
// A missing directory yields an empty list; an unconfigured backend path
// is ErrNotFound.
func (s *Scanner) Checkpoints(ctx context.Context) ([]Choice, error) {
	modelsDir, err := s.modelsDir()
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(modelsDir, "checkpoints")
	entries, err := os.ReadDir(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return []Choice{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	choices := []Choice{}
	for _, e := range entries {
		if e.IsDir() || !IsModelFile(e.Name()) {
			continue
		}
		choices = append(choices, Choice{Name: e.Name(), Value: e.Name()})
	}
	return choices, ctx.Err()
}

// =============================================================================
// Summary
// =============================================================================

// DirSummary describes one directory under models/.
type DirSummary struct {
	Name  string
	Files []File
}

// Summary describes every model directory, for the CLI report.
type Summary struct {
	BackendPath  string
	ModelsDir    string
	Dirs         []DirSummary
	Unrecognized []string
}

// Summarize scans every directory under models/, not just the default
// categories, and collects extensions of files that were not recognized.
func (s *Scanner) Summarize(ctx context.Context) (Summary, error) {
	root := s.backendPath()
	modelsDir, err := settings.ResolveModelsDir(root)
	if err != nil {
		return Summary{}, err
	}
	entries, err := os.ReadDir(modelsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return Summary{}, fmt.Errorf("models directory %s: %w", modelsDir, datatypes.ErrNotFound)
	}
	if err != nil {
		return Summary{}, fmt.Errorf("read %s: %w", modelsDir, err)
	}

	summary := Summary{BackendPath: root, ModelsDir: modelsDir}
	unknown := map[string]bool{}
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		files, exts, err := walkModels(ctx, modelsDir, filepath.Join(modelsDir, e.Name()))
		if err != nil {
			s.logger.Warn("failed to scan model directory", "dir", e.Name(), "error", err)
			continue
		}
		for ext := range exts {
			unknown[ext] = true
		}
		summary.Dirs = append(summary.Dirs, DirSummary{Name: e.Name(), Files: files})
	}
	for ext := range unknown {
		summary.Unrecognized = append(summary.Unrecognized, ext)
	}
	sort.Strings(summary.Unrecognized)
	return summary, nil
}

func formatMB(size int64) string {
	return fmt.Sprintf("%.2f MB", float64(size)/(1024*1024))
}
