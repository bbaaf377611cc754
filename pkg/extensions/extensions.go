// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the hook points the relay exposes to
// deployments that need more than a local single-user setup.
//
// The relay itself ships with logging-only defaults. Deployments that must
// retain a trail of control-surface mutations (document writes, settings
// changes, executions) inject their own AuditLogger through ServiceOptions:
//
//	opts := extensions.DefaultOptions().WithAudit(myAuditor)
//	svc, err := relay.New(cfg, &opts)
//
// # Thread Safety
//
// All implementations must be safe for concurrent use.
package extensions

import "log/slog"

// ServiceOptions groups the extension points passed to relay.New.
//
// Nil fields are replaced by defaults in WithDefaults.
type ServiceOptions struct {
	// AuditLogger records control-surface mutations.
	// Default: NopAuditLogger
	AuditLogger AuditLogger
}

// DefaultOptions returns ServiceOptions with no-op implementations.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuditLogger: &NopAuditLogger{},
	}
}

// WithAudit returns a copy of opts with the given AuditLogger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithDefaults fills nil fields. When logger is non-nil the audit default is
// a SlogAuditLogger writing through it, otherwise a NopAuditLogger.
func (opts ServiceOptions) WithDefaults(logger *slog.Logger) ServiceOptions {
	if opts.AuditLogger == nil {
		if logger != nil {
			opts.AuditLogger = NewSlogAuditLogger(logger)
		} else {
			opts.AuditLogger = &NopAuditLogger{}
		}
	}
	return opts
}
