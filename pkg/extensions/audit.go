// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AuditEvent describes one control-surface mutation.
//
// Event types follow "resource.action":
//   - "workflow.write", "workflow.rename", "workflow.delete", "workflow.order"
//   - "preset.write"
//   - "settings.update"
//   - "backend.execute", "backend.upload"
//   - "editor.launch"
//
// Example:
//
//	event := AuditEvent{
//	    EventType:  "workflow.rename",
//	    Resource:   "portrait.json",
//	    Outcome:    "success",
//	    RemoteAddr: c.ClientIP(),
//	    Metadata:   map[string]any{"new_name": "portrait-v2.json"},
//	}
type AuditEvent struct {
	// EventType categorizes the event ("resource.action").
	EventType string

	// Timestamp is when the event occurred (UTC). Zero means "now".
	Timestamp time.Time

	// Resource names the document, file or endpoint affected.
	Resource string

	// Outcome is "success" or "failure".
	Outcome string

	// RemoteAddr is the client address as seen by the control surface.
	RemoteAddr string

	// Metadata holds event-specific details such as "error".
	Metadata map[string]any
}

// AuditLogger records control-surface mutations.
//
// Log should return quickly; the relay calls it inline on the request path
// and only logs a failure.
type AuditLogger interface {
	// Log records one event.
	Log(ctx context.Context, event AuditEvent) error

	// Flush persists buffered events. Called once during shutdown.
	Flush(ctx context.Context) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

// Log discards the event.
func (l *NopAuditLogger) Log(ctx context.Context, event AuditEvent) error { return nil }

// Flush is a no-op.
func (l *NopAuditLogger) Flush(ctx context.Context) error { return nil }

var _ AuditLogger = (*NopAuditLogger)(nil)

// SlogAuditLogger writes events as Info records tagged audit=true.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger writing through logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	return &SlogAuditLogger{logger: logger}
}

// Log writes the event as a structured record.
func (l *SlogAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	attrs := []any{
		"audit", true,
		"event_type", event.EventType,
		"resource", event.Resource,
		"outcome", event.Outcome,
		"event_time", event.Timestamp,
	}
	if event.RemoteAddr != "" {
		attrs = append(attrs, "remote_addr", event.RemoteAddr)
	}
	if len(event.Metadata) > 0 {
		attrs = append(attrs, "metadata", event.Metadata)
	}
	l.logger.InfoContext(ctx, "audit", attrs...)
	return nil
}

// Flush is a no-op; slog handlers write synchronously.
func (l *SlogAuditLogger) Flush(ctx context.Context) error { return nil }

var _ AuditLogger = (*SlogAuditLogger)(nil)

// MemoryAuditLogger keeps events in memory. Used by tests and by embedders
// that inspect recent mutations.
type MemoryAuditLogger struct {
	mu     sync.Mutex
	events []AuditEvent
}

// Log appends the event.
func (l *MemoryAuditLogger) Log(ctx context.Context, event AuditEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	l.mu.Lock()
	l.events = append(l.events, event)
	l.mu.Unlock()
	return nil
}

// Flush is a no-op.
func (l *MemoryAuditLogger) Flush(ctx context.Context) error { return nil }

// Events returns a copy of the recorded events in order.
func (l *MemoryAuditLogger) Events() []AuditEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditEvent, len(l.events))
	copy(out, l.events)
	return out
}

var _ AuditLogger = (*MemoryAuditLogger)(nil)
