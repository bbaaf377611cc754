// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

// Sentinel errors shared by every relay component. Components wrap them
// with context (fmt.Errorf("...: %w", ErrNotFound)); the control surface
// maps them to HTTP status codes with errors.Is.
var (
	// ErrBackendUnavailable means the backend could not be reached at all.
	ErrBackendUnavailable = errors.New("backend unavailable")

	// ErrBackendRejected means the backend answered with a non-success
	// status. Use BackendRejectedError to carry the payload.
	ErrBackendRejected = errors.New("backend rejected request")

	// ErrUploadFailed means the upload bridge could not deliver an image.
	ErrUploadFailed = errors.New("upload failed")

	// ErrInvalidPath means a configured backend location is missing its
	// marker file, or a requested file path is outside the served roots.
	ErrInvalidPath = errors.New("invalid path")

	// ErrNotFound means the named document or artifact does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists means a rename target is taken.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidName means a document name is empty or escapes its directory.
	ErrInvalidName = errors.New("invalid name")

	// ErrInvalidRequest means a request body failed binding or validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrEditorUnavailable means no external editor command is configured.
	ErrEditorUnavailable = errors.New("editor not configured")
)

// BackendRejectedError carries the backend's response for a rejected
// execution so it can be surfaced to the caller unchanged.
//
// errors.Is(err, ErrBackendRejected) reports true for this type.
type BackendRejectedError struct {
	// StatusCode is the backend HTTP status.
	StatusCode int

	// Body is the raw backend response body.
	Body []byte
}

// Error implements error.
func (e *BackendRejectedError) Error() string {
	return fmt.Sprintf("backend rejected request: status %d", e.StatusCode)
}

// Is matches ErrBackendRejected.
func (e *BackendRejectedError) Is(target error) bool {
	return target == ErrBackendRejected
}

// Details returns the body as JSON when it parses, otherwise as a string.
func (e *BackendRejectedError) Details() any {
	if raw, ok := asJSON(e.Body); ok {
		return raw
	}
	return string(e.Body)
}
