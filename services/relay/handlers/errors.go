// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the relay's HTTP control surface.
//
// Every handler is a constructor returning a gin.HandlerFunc closed over
// the components it needs. Errors are mapped to status codes in one place
// (respondError) from the datatypes sentinels.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details any    `json:"details,omitempty"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, datatypes.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, datatypes.ErrAlreadyExists):
		return http.StatusConflict
	case errors.Is(err, datatypes.ErrInvalidPath),
		errors.Is(err, datatypes.ErrInvalidName),
		errors.Is(err, datatypes.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, datatypes.ErrBackendUnavailable),
		errors.Is(err, datatypes.ErrBackendRejected),
		errors.Is(err, datatypes.ErrUploadFailed):
		return http.StatusBadGateway
	case errors.Is(err, datatypes.ErrEditorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// respondError writes the error body. Backend rejections carry the
// backend's own response as details.
func respondError(c *gin.Context, err error) {
	status := statusFor(err)
	body := ErrorResponse{Error: err.Error()}

	var rejected *datatypes.BackendRejectedError
	if errors.As(err, &rejected) {
		body.Details = rejected.Details()
	} else if errors.Is(err, datatypes.ErrBackendUnavailable) {
		body.Details = "check that the backend is running and the workflow is valid"
	}

	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	} else {
		slog.Warn("request rejected", "method", c.Request.Method, "path", c.FullPath(), "status", status, "error", err)
	}
	c.AbortWithStatusJSON(status, body)
}

// bindJSON decodes the body into v, wrapping failures in ErrInvalidRequest.
func bindJSON(c *gin.Context, v any) error {
	if err := c.ShouldBindJSON(v); err != nil {
		return errors.Join(datatypes.ErrInvalidRequest, err)
	}
	return nil
}

// recordAudit logs a control-surface mutation. A nil logger is a no-op and
// audit failures never fail the request.
func recordAudit(c *gin.Context, audit extensions.AuditLogger, eventType, resource string, opErr error, meta map[string]any) {
	if audit == nil {
		return
	}
	outcome := "success"
	if opErr != nil {
		outcome = "failure"
		if meta == nil {
			meta = map[string]any{}
		}
		meta["error"] = opErr.Error()
	}
	event := extensions.AuditEvent{
		EventType:  eventType,
		Timestamp:  time.Now().UTC(),
		Resource:   resource,
		Outcome:    outcome,
		RemoteAddr: c.ClientIP(),
		Metadata:   meta,
	}
	ctx := context.WithoutCancel(c.Request.Context())
	if err := audit.Log(ctx, event); err != nil {
		slog.Warn("audit log failed", "event_type", eventType, "error", err)
	}
}
