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
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
)

// MaxImagePayloadBytes bounds base64 image bodies accepted by the control
// surface and the client channel.
const MaxImagePayloadBytes = 64 * 1024 * 1024

// relayValidate is shared by every request type in this package.
var relayValidate *validator.Validate

func init() {
	relayValidate = validator.New()
	_ = relayValidate.RegisterValidation("docname", validateDocName)
}

// validateDocName rejects names that would escape their document directory.
func validateDocName(fl validator.FieldLevel) bool {
	name := fl.Field().String()
	if name == "" || name == "." || name == ".." {
		return false
	}
	return !strings.ContainsAny(name, `/\`) && !strings.Contains(name, "..")
}

// validationError wraps a validator failure in ErrInvalidRequest.
func validationError(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
}

// RenameRequest renames a workflow document.
type RenameRequest struct {
	OldPath string `json:"oldPath" validate:"required,docname"`
	NewPath string `json:"newPath" validate:"required,docname"`
}

// Validate checks both names.
func (r *RenameRequest) Validate() error {
	return validationError(relayValidate.Struct(r))
}

// OrderRequest replaces the workflow display order.
type OrderRequest struct {
	Order []string `json:"order" validate:"dive,required"`
}

// Validate checks that no entry is empty.
func (r *OrderRequest) Validate() error {
	return validationError(relayValidate.Struct(r))
}

// SettingsRequest updates the backend install path.
type SettingsRequest struct {
	ComfyUIPath string `json:"comfyuiPath" validate:"required"`
}

// Validate checks that a path was supplied.
func (r *SettingsRequest) Validate() error {
	return validationError(relayValidate.Struct(r))
}

// UploadRequest is the body of the upload bridge.
//
// Image is base64, optionally as a data URL.
type UploadRequest struct {
	Image  string `json:"image" validate:"required,max=67108864"`
	NodeID string `json:"nodeId" validate:"omitempty,max=128,excludesall=/\\"`
}

// Validate checks the image payload and node id.
func (r *UploadRequest) Validate() error {
	return validationError(relayValidate.Struct(r))
}

// EditorRequest asks the relay to open an image in the external editor.
// ImagePath is a public path under /saved_images/ or /outputs/.
type EditorRequest struct {
	ImagePath string `json:"imagePath" validate:"required"`
}

// Validate checks that a path was supplied.
func (r *EditorRequest) Validate() error {
	return validationError(relayValidate.Struct(r))
}
