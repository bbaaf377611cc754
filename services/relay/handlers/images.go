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
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/artifacts"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/editor"
	"github.com/AleutianAI/AleutianRelay/services/relay/hub"
	"github.com/AleutianAI/AleutianRelay/services/relay/settings"
)

// OutputURLPrefix is the public path prefix of backend output images.
const OutputURLPrefix = "/outputs/"

// Backend is the part of the gateway the control surface calls.
type Backend interface {
	ForwardExecution(ctx context.Context, prompt json.RawMessage) (json.RawMessage, error)
	UploadImage(ctx context.Context, data []byte) (string, error)
}

// ImageBroadcaster announces images to connected clients.
type ImageBroadcaster interface {
	BroadcastImage(image, prompt, savedPath string)
}

// ImageEntry is one row of an image listing. Time is the mtime in Unix
// milliseconds.
type ImageEntry struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	Time   int64  `json:"time"`
	Size   int64  `json:"size"`
	Prompt string `json:"prompt,omitempty"`
}

// UploadResponse is returned by the upload bridge.
type UploadResponse struct {
	Success      bool   `json:"success"`
	ConnectionID string `json:"connection_id"`
	ImagePath    string `json:"image_path"`
	Preview      string `json:"preview"`
	NodeID       string `json:"nodeId,omitempty"`
}

func toEntries(files []artifacts.Artifact) []ImageEntry {
	out := make([]ImageEntry, len(files))
	for i, f := range files {
		out[i] = ImageEntry{
			Name:   f.Name,
			Path:   f.Path,
			Time:   f.ModTime.UnixMilli(),
			Size:   f.Size,
			Prompt: f.Prompt,
		}
	}
	return out
}

// =============================================================================
// Execution
// =============================================================================

// Execute forwards a workflow graph to the backend and returns the
// backend's answer verbatim. Backend failures are 502 with the backend's
// detail.
func Execute(backend Backend, audit extensions.AuditLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := c.GetRawData()
		if err != nil {
			respondError(c, errors.Join(datatypes.ErrInvalidRequest, err))
			return
		}
		if !json.Valid(body) {
			respondError(c, fmt.Errorf("%w: execution graph is not valid JSON", datatypes.ErrInvalidRequest))
			return
		}

		resp, err := backend.ForwardExecution(c.Request.Context(), body)
		recordAudit(c, audit, "backend.execute", "/prompt", err, nil)
		if err != nil {
			respondError(c, err)
			return
		}
		contentType := "application/json; charset=utf-8"
		if !json.Valid(resp) {
			contentType = http.DetectContentType(resp)
		}
		c.Data(http.StatusOK, contentType, resp)
	}
}

// =============================================================================
// Upload Bridge
// =============================================================================

// UploadImage delivers a client image to the backend.
//
// # Description
//
// Decodes the image (data URL or bare base64), uploads it to the backend,
// stores it as the node's original when a nodeId is given and broadcasts
// it to every client. A failed original save is logged only.
//
// # Outputs
//
// 200 with UploadResponse; 400 for a missing or undecodable image; 502
// when the backend upload fails.
func UploadImage(backend Backend, store *artifacts.Store, broadcaster ImageBroadcaster,
	audit extensions.AuditLogger) gin.HandlerFunc {

	return func(c *gin.Context) {
		connectionID := c.Param("connection_id")

		var req datatypes.UploadRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		_, payload := datatypes.SplitDataURL(req.Image)
		data, err := datatypes.DecodeImage(req.Image)
		if err != nil || len(data) == 0 {
			respondError(c, fmt.Errorf("%w: image is not base64", datatypes.ErrInvalidRequest))
			return
		}

		name, err := backend.UploadImage(c.Request.Context(), data)
		recordAudit(c, audit, "backend.upload", connectionID, err, map[string]any{"node_id": req.NodeID, "bytes": len(data)})
		if err != nil {
			respondError(c, err)
			return
		}

		if req.NodeID != "" {
			if err := store.SaveOriginal(req.NodeID, data); err != nil {
				slog.Error("failed to save original image", "node_id", req.NodeID, "error", err)
			}
		}

		broadcaster.BroadcastImage(payload, "", "")

		slog.Info("image uploaded to backend", "connection_id", connectionID, "node_id", req.NodeID, "name", name)
		c.JSON(http.StatusOK, UploadResponse{
			Success:      true,
			ConnectionID: connectionID,
			ImagePath:    name,
			Preview:      req.Image,
			NodeID:       req.NodeID,
		})
	}
}

// GetOriginalImage returns {"image": data URL} for a node's original.
func GetOriginalImage(store *artifacts.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		data, err := store.GetOriginal(c.Param("nodeId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"image": "data:image/png;base64," + base64.StdEncoding.EncodeToString(data)})
	}
}

// =============================================================================
// Listings
// =============================================================================

// ListSavedImages lists generated images newest first.
func ListSavedImages(store *artifacts.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		files, err := store.ListGenerated(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toEntries(files))
	}
}

// LatestImage returns the most recently relayed image, 404 before any.
func LatestImage(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		latest, ok := h.Latest()
		if !ok {
			respondError(c, fmt.Errorf("latest image: %w", datatypes.ErrNotFound))
			return
		}
		c.JSON(http.StatusOK, latest)
	}
}

// ListOutputImages lists the backend's output directory, 404 when it does
// not exist or no backend path is configured.
func ListOutputImages(backendPath func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		dir, err := settings.ResolveOutputDir(backendPath())
		if err != nil {
			respondError(c, err)
			return
		}
		files, err := artifacts.ListImages(dir, OutputURLPrefix)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, toEntries(files))
	}
}

// ServeOutputFile serves a file from the backend output directory. The
// directory is resolved per request so it follows settings changes.
func ServeOutputFile(backendPath func() string) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := strings.TrimPrefix(c.Param("filepath"), "/")
		if name == "" || strings.Contains(name, "..") {
			respondError(c, fmt.Errorf("%w: %q", datatypes.ErrInvalidPath, name))
			return
		}
		dir, err := settings.ResolveOutputDir(backendPath())
		if err != nil {
			respondError(c, err)
			return
		}
		path := filepath.Join(dir, filepath.FromSlash(name))
		if info, err := os.Stat(path); err != nil || info.IsDir() {
			respondError(c, fmt.Errorf("output %q: %w", name, datatypes.ErrNotFound))
			return
		}
		c.File(path)
	}
}

// =============================================================================
// External Editor
// =============================================================================

// OpenInEditor opens a saved or output image in the configured editor and
// reports the editor's exit status.
func OpenInEditor(launcher *editor.Launcher, store *artifacts.Store, backendPath func() string,
	audit extensions.AuditLogger) gin.HandlerFunc {

	return func(c *gin.Context) {
		var req datatypes.EditorRequest
		if err := bindJSON(c, &req); err != nil {
			respondError(c, err)
			return
		}
		if err := req.Validate(); err != nil {
			respondError(c, err)
			return
		}

		path, err := resolveEditorPath(req.ImagePath, store, backendPath)
		if err != nil {
			respondError(c, err)
			return
		}

		results, err := launcher.Launch(context.WithoutCancel(c.Request.Context()), path)
		if err != nil {
			recordAudit(c, audit, "editor.launch", req.ImagePath, err, nil)
			respondError(c, err)
			return
		}

		select {
		case res := <-results:
			recordAudit(c, audit, "editor.launch", req.ImagePath, res.Err, map[string]any{"exit_code": res.ExitCode})
			if res.Err != nil {
				slog.Error("editor failed", "path", path, "exit_code", res.ExitCode, "error", res.Err)
				c.JSON(http.StatusInternalServerError, ErrorResponse{
					Error:   "failed to open image in editor",
					Details: gin.H{"exitCode": res.ExitCode, "output": res.Output},
				})
				return
			}
			c.JSON(http.StatusOK, gin.H{"success": true, "exitCode": res.ExitCode})
		case <-c.Request.Context().Done():
			slog.Info("client left before editor exited", "path", path)
		}
	}
}

// resolveEditorPath maps a public image path to its file.
func resolveEditorPath(imagePath string, store *artifacts.Store, backendPath func() string) (string, error) {
	switch {
	case strings.HasPrefix(imagePath, artifacts.GeneratedURLPrefix):
		return store.GeneratedPath(strings.TrimPrefix(imagePath, artifacts.GeneratedURLPrefix))
	case strings.HasPrefix(imagePath, OutputURLPrefix):
		dir, err := settings.ResolveOutputDir(backendPath())
		if err != nil {
			return "", err
		}
		path := filepath.Join(dir, filepath.Base(imagePath))
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", fmt.Errorf("image %q: %w", imagePath, datatypes.ErrNotFound)
			}
			return "", fmt.Errorf("stat %q: %w", imagePath, err)
		}
		return path, nil
	default:
		return "", fmt.Errorf("%w: %q is not a saved or output image", datatypes.ErrInvalidPath, imagePath)
	}
}
