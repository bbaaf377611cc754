// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/docstore"
)

// emptyPreset is returned for presets that were never saved.
var emptyPreset = []byte(`{"selectedParams":{}}`)

// WorkflowEntry is one row of the workflow listing.
type WorkflowEntry struct {
	Name string `json:"name"`
	Path string `json:"path"`
}

// =============================================================================
// Workflows
// =============================================================================

// ListWorkflows returns [{name, path}] for every stored workflow.
func ListWorkflows(docs *docstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := docs.List(docstore.ClassWorkflow)
		if err != nil {
			respondError(c, err)
			return
		}
		entries := make([]WorkflowEntry, 0, len(names))
		for _, name := range names {
			file, err := docs.FileName(docstore.ClassWorkflow, name)
			if err != nil {
				continue
			}
			entries = append(entries, WorkflowEntry{Name: name, Path: file})
		}
		c.JSON(http.StatusOK, entries)
	}
}

// GetWorkflow returns a workflow with display names added to its inputs.
func GetWorkflow(docs *docstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := docs.ReadWorkflow(c.Param("filename"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
	}
}

// SaveWorkflow replaces a workflow with the request body.
func SaveWorkflow(docs *docstore.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return saveDocument(docs, docstore.ClassWorkflow, "workflow.write", audit)
}

// DeleteWorkflow removes a workflow.
func DeleteWorkflow(docs *docstore.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("filename")
		err := docs.Delete(docstore.ClassWorkflow, name)
		recordAudit(c, audit, "workflow.delete", name, err, nil)
		if err != nil {
			respondError(c, err)
			return
		}
		slog.Info("workflow deleted", "name", name)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// RenameWorkflow renames a workflow. 404 when the source is missing, 409
// when the target exists.
func RenameWorkflow(docs *docstore.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.RenameRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		err := docs.Rename(docstore.ClassWorkflow, req.OldPath, req.NewPath)
		recordAudit(c, audit, "workflow.rename", req.OldPath, err, map[string]any{"new_name": req.NewPath})
		if err != nil {
			respondError(c, err)
			return
		}
		slog.Info("workflow renamed", "from", req.OldPath, "to", req.NewPath)
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// GetWorkflowOrder returns {"order": [...]}, empty when never saved.
func GetWorkflowOrder(docs *docstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		order, err := docs.ReadOrder()
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, order)
	}
}

// SaveWorkflowOrder replaces the display order.
func SaveWorkflowOrder(docs *docstore.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req datatypes.OrderRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		err := docs.WriteOrder(docstore.Order{Order: req.Order})
		recordAudit(c, audit, "workflow.order", "order.json", err, map[string]any{"entries": len(req.Order)})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}

// =============================================================================
// Presets
// =============================================================================

// ListPresets returns the stored preset names.
func ListPresets(docs *docstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		names, err := docs.List(docstore.ClassPreset)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, names)
	}
}

// GetPreset returns a preset, or {"selectedParams":{}} when none is saved.
func GetPreset(docs *docstore.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		doc, err := docs.Read(docstore.ClassPreset, c.Param("filename"))
		if errors.Is(err, datatypes.ErrNotFound) {
			doc = emptyPreset
		} else if err != nil {
			respondError(c, err)
			return
		}
		c.Data(http.StatusOK, "application/json; charset=utf-8", doc)
	}
}

// SavePreset replaces a preset with the request body.
func SavePreset(docs *docstore.Store, audit extensions.AuditLogger) gin.HandlerFunc {
	return saveDocument(docs, docstore.ClassPreset, "preset.write", audit)
}

func saveDocument(docs *docstore.Store, class docstore.Class, eventType string, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("filename")
		body, err := c.GetRawData()
		if err != nil {
			respondError(c, errors.Join(datatypes.ErrInvalidRequest, err))
			return
		}

		err = docs.Write(class, name, body)
		recordAudit(c, audit, eventType, name, err, map[string]any{"bytes": len(body)})
		if err != nil {
			respondError(c, err)
			return
		}
		slog.Info("document saved", "class", class, "name", name, "bytes", len(body))
		c.JSON(http.StatusOK, gin.H{"success": true})
	}
}
