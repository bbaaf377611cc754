// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation provides input validation for user-provided names that
// end up as file system paths.
//
// Document names, node ids and image names arrive in URLs and JSON bodies
// and are joined onto a storage directory. These validators reject anything
// that could escape that directory (path traversal).
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidFileName is wrapped by every validation failure.
var ErrInvalidFileName = errors.New("invalid file name")

// maxFileNameLength matches the common file system limit for one element.
const maxFileNameLength = 255

// ValidateFileName validates a single path element.
//
// Valid names:
//   - 1-255 bytes
//   - no "/" or "\" separators
//   - no NUL bytes
//   - not "." or ".."
//
// Example:
//
//	if err := validation.ValidateFileName(nodeID); err != nil {
//	    return fmt.Errorf("original image: %w", err)
//	}
//	path := filepath.Join(dir, nodeID+".png") // cannot leave dir
func ValidateFileName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidFileName)
	case len(name) > maxFileNameLength:
		return fmt.Errorf("%w: name longer than %d bytes", ErrInvalidFileName, maxFileNameLength)
	case name == "." || name == "..":
		return fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	case strings.ContainsAny(name, "/\\\x00"):
		return fmt.Errorf("%w: %q contains a path separator or NUL", ErrInvalidFileName, name)
	}
	return nil
}

// SanitizeFileName trims whitespace and an optional suffix and validates
// the remaining base name. Names containing ".." anywhere are rejected too.
//
//	base, err := validation.SanitizeFileName(" portrait.json ", ".json")
//	// base == "portrait"
func SanitizeFileName(name, suffix string) (string, error) {
	base := strings.TrimSpace(name)
	if suffix != "" {
		base = strings.TrimSuffix(base, suffix)
	}
	if strings.Contains(base, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidFileName, name)
	}
	if err := ValidateFileName(base); err != nil {
		return "", err
	}
	return base, nil
}
