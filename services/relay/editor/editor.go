// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package editor opens images in an external editing program.
package editor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// FilePlaceholder in Config.Args is replaced with the image path.
const FilePlaceholder = "{file}"

// Config configures a Launcher.
type Config struct {
	// Command is the editor executable. Empty disables the launcher.
	Command string `yaml:"command"`

	// Args are passed to Command. Every FilePlaceholder is replaced with the
	// image path; when no argument contains it, the path is appended.
	Args []string `yaml:"args"`

	// Timeout bounds one launch. Default: 2m.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutput caps captured stdout+stderr. Default: 64 KiB.
	MaxOutput int `yaml:"-"`
}

// Result is the outcome of one launch.
type Result struct {
	// ExitCode is the process exit status, -1 when it did not run to exit.
	ExitCode int

	// Output is the captured combined output, possibly truncated.
	Output string

	// Err is non-nil when the process failed to start, timed out or exited
	// non-zero.
	Err error
}

// Launcher starts the configured editor.
type Launcher struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Launcher.
func New(cfg Config, logger *slog.Logger) *Launcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if cfg.MaxOutput <= 0 {
		cfg.MaxOutput = 64 * 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Launcher{cfg: cfg, logger: logger.With("component", "editor")}
}

// Available reports whether a command is configured.
func (l *Launcher) Available() bool {
	return l != nil && l.cfg.Command != ""
}

// Launch starts the editor on path without waiting for it.
//
// # Description
//
// The process runs in its own goroutine; its Result is delivered on the
// returned channel exactly once, then the channel is closed. Cancelling
// ctx kills the process.
//
// # Outputs
//
//   - <-chan Result: Receives the exit status.
//   - error: ErrEditorUnavailable when no command is configured.
func (l *Launcher) Launch(ctx context.Context, path string) (<-chan Result, error) {
	if !l.Available() {
		return nil, datatypes.ErrEditorUnavailable
	}

	args := substituteArgs(l.cfg.Args, path)
	results := make(chan Result, 1)

	go func() {
		defer close(results)
		results <- l.run(ctx, args)
	}()
	return results, nil
}

func (l *Launcher) run(ctx context.Context, args []string) Result {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, l.cfg.Command, args...)
	cmd.WaitDelay = time.Second

	var out bytes.Buffer
	w := &limitedWriter{w: &out, limit: l.cfg.MaxOutput}
	cmd.Stdout = w
	cmd.Stderr = w

	l.logger.Info("launching editor", "command", l.cfg.Command, "args", args)
	err := cmd.Run()

	res := Result{Output: out.String()}
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		res.ExitCode = -1
		res.Err = fmt.Errorf("editor timed out after %s", l.cfg.Timeout)
	case err != nil:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			res.Err = fmt.Errorf("editor exited with status %d", res.ExitCode)
		} else {
			res.ExitCode = -1
			res.Err = fmt.Errorf("start editor: %w", err)
		}
	}

	if res.Err != nil {
		l.logger.Warn("editor launch failed", "error", res.Err, "exit_code", res.ExitCode, "output", res.Output)
	} else {
		l.logger.Debug("editor exited", "output", res.Output)
	}
	return res
}

func substituteArgs(args []string, path string) []string {
	out := make([]string, 0, len(args)+1)
	replaced := false
	for _, arg := range args {
		if strings.Contains(arg, FilePlaceholder) {
			replaced = true
			arg = strings.ReplaceAll(arg, FilePlaceholder, path)
		}
		out = append(out, arg)
	}
	if !replaced {
		out = append(out, path)
	}
	return out
}

// limitedWriter drops writes past limit.
type limitedWriter struct {
	w         io.Writer
	limit     int
	written   int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.written >= lw.limit {
		lw.truncated = true
		return n, nil
	}
	if remaining := lw.limit - lw.written; len(p) > remaining {
		p = p[:remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.written += written
	if err != nil {
		return written, err
	}
	return n, nil
}
