// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package watcher reports new images in the backend output directory.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/AleutianAI/AleutianRelay/services/relay/artifacts"
)

// DefaultDebounce is how long the watcher waits for more files before
// reporting a batch.
const DefaultDebounce = 250 * time.Millisecond

// Handler receives the base names of new or rewritten image files, sorted.
type Handler func(files []string)

// Options configures a Watcher.
type Options struct {
	// Debounce window. Default: DefaultDebounce.
	Debounce time.Duration

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// OutputWatcher watches one directory at a time.
//
// # Description
//
// Image creates and writes are collected until the debounce window passes
// without new events, then the handler is called once with the batch.
// Watch switches to another directory, for example after the backend
// install path changes.
//
// # Thread Safety
//
// Safe for concurrent use. The handler is called from one goroutine per
// watched directory.
type OutputWatcher struct {
	handler  Handler
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	dir     string
	session *session
}

type session struct {
	fs   *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup
}

// New creates an idle OutputWatcher.
func New(handler Handler, opts Options) *OutputWatcher {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &OutputWatcher{
		handler:  handler,
		debounce: opts.Debounce,
		logger:   opts.Logger.With("component", "watcher"),
	}
}

// Dir returns the directory being watched, or "" when idle.
func (w *OutputWatcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Watch stops any current session and starts watching dir.
//
// # Outputs
//
//   - error: Non-nil when dir does not exist or cannot be watched. The
//     watcher is idle afterwards.
func (w *OutputWatcher) Watch(ctx context.Context, dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.stopLocked()

	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watch %s: not a directory", dir)
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := fsw.Add(dir); err != nil {
		_ = fsw.Close()
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	s := &session{fs: fsw, done: make(chan struct{})}
	s.wg.Add(1)
	go w.loop(ctx, s)

	w.session = s
	w.dir = dir
	w.logger.Info("watching backend output", "dir", dir)
	return nil
}

// Stop ends the current session. Safe to call when idle.
func (w *OutputWatcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.stopLocked()
}

func (w *OutputWatcher) stopLocked() {
	if w.session == nil {
		return
	}
	close(w.session.done)
	_ = w.session.fs.Close()
	w.session.wg.Wait()
	w.session = nil
	w.dir = ""
}

// loop collects events and flushes a batch when the debounce timer fires.
func (w *OutputWatcher) loop(ctx context.Context, s *session) {
	defer s.wg.Done()

	pending := make(map[string]struct{})
	var timer *time.Timer
	var timerC <-chan time.Time

	flush := func() {
		if len(pending) == 0 {
			return
		}
		files := make([]string, 0, len(pending))
		for name := range pending {
			files = append(files, name)
		}
		sort.Strings(files)
		clear(pending)
		if w.handler != nil {
			w.handler(files)
		}
	}
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case event, ok := <-s.fs.Events:
			if !ok {
				return
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			name := filepath.Base(event.Name)
			if !artifacts.IsImageFile(name) {
				continue
			}
			pending[name] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				timerC = timer.C
			} else {
				timer.Reset(w.debounce)
			}
		case <-timerC:
			timer, timerC = nil, nil
			flush()
		case err, ok := <-s.fs.Errors:
			if !ok {
				return
			}
			if !errors.Is(err, fsnotify.ErrEventOverflow) {
				w.logger.Warn("output watcher error", "error", err)
				continue
			}
			w.logger.Debug("output watcher overflowed, flushing", "pending", len(pending))
			flush()
		}
	}
}
