// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// maxResponseBytes caps how much of a backend response is read.
const maxResponseBytes = 8 << 20

// executeRequest is the body POSTed to the backend's /prompt endpoint.
type executeRequest struct {
	Prompt   json.RawMessage `json:"prompt"`
	ClientID string          `json:"client_id"`
}

// uploadResponse is the subset of the backend's /upload/image response the
// relay uses.
type uploadResponse struct {
	Name      string `json:"name"`
	Subfolder string `json:"subfolder,omitempty"`
	Type      string `json:"type,omitempty"`
}

// =============================================================================
// Execution
// =============================================================================

// ForwardExecution submits a workflow graph to the backend for execution.
//
// # Description
//
// Wraps the graph as {"prompt": graph, "client_id": ClientID} and POSTs it
// to /prompt. The event channel does not need to be up.
//
// # Inputs
//
//   - ctx: Bounds the request.
//   - prompt: The execution graph, forwarded verbatim.
//
// # Outputs
//
//   - json.RawMessage: The backend's response body, verbatim (typically
//     a JSON prompt id, but not checked).
//   - error: ErrBackendUnavailable when unreachable, *BackendRejectedError
//     on a non-2xx status.
func (g *Gateway) ForwardExecution(ctx context.Context, prompt json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.Start(ctx, "Gateway.ForwardExecution")
	defer span.End()

	if len(bytes.TrimSpace(prompt)) == 0 {
		err := fmt.Errorf("empty execution graph: %w", datatypes.ErrInvalidRequest)
		recordSpanError(span, err)
		return nil, err
	}

	body, err := json.Marshal(executeRequest{Prompt: prompt, ClientID: g.cfg.ClientID})
	if err != nil {
		err = fmt.Errorf("encode execution request: %w", datatypes.ErrInvalidRequest)
		recordSpanError(span, err)
		return nil, err
	}

	start := time.Now()
	status, respBody, err := g.do(ctx, http.MethodPost, "/prompt", "application/json", bytes.NewReader(body))
	g.observe(ctx, "execute", start, err)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	return json.RawMessage(respBody), nil
}

// =============================================================================
// Upload
// =============================================================================

// UploadImage delivers an image to the backend's input store.
//
// # Description
//
// Stages the bytes in TempDir under a unique name, sends them as the
// multipart field "image" to /upload/image and removes the staging file
// whatever the outcome. A staging file that cannot be removed is logged,
// not returned.
//
// # Outputs
//
//   - string: The backend-assigned file name.
//   - error: Wraps ErrUploadFailed.
func (g *Gateway) UploadImage(ctx context.Context, data []byte) (string, error) {
	ctx, span := tracer.Start(ctx, "Gateway.UploadImage")
	defer span.End()
	span.SetAttributes(attribute.Int("upload.bytes", len(data)))

	if g.cfg.TempDir == "" {
		err := fmt.Errorf("no temp dir configured: %w", datatypes.ErrUploadFailed)
		recordSpanError(span, err)
		return "", err
	}
	if err := os.MkdirAll(g.cfg.TempDir, 0o750); err != nil {
		err = fmt.Errorf("create temp dir: %v: %w", err, datatypes.ErrUploadFailed)
		recordSpanError(span, err)
		return "", err
	}

	fileName := uuid.NewString() + ".png"
	tempPath := filepath.Join(g.cfg.TempDir, fileName)
	if err := os.WriteFile(tempPath, data, 0o640); err != nil {
		err = fmt.Errorf("stage upload: %v: %w", err, datatypes.ErrUploadFailed)
		recordSpanError(span, err)
		return "", err
	}
	defer func() {
		if err := os.Remove(tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			g.logger.Warn("failed to remove upload staging file", "path", tempPath, "error", err)
		}
	}()

	body, contentType, err := multipartFile(tempPath, fileName)
	if err != nil {
		err = fmt.Errorf("build upload body: %v: %w", err, datatypes.ErrUploadFailed)
		recordSpanError(span, err)
		return "", err
	}

	start := time.Now()
	status, respBody, err := g.do(ctx, http.MethodPost, "/upload/image", contentType, body)
	g.observe(ctx, "upload", start, err)
	span.SetAttributes(attribute.Int("http.status_code", status))
	if err != nil {
		err = fmt.Errorf("%w: %w", datatypes.ErrUploadFailed, err)
		recordSpanError(span, err)
		return "", err
	}

	var resp uploadResponse
	if err := json.Unmarshal(respBody, &resp); err != nil || resp.Name == "" {
		err = fmt.Errorf("backend upload response has no file name: %w", datatypes.ErrUploadFailed)
		recordSpanError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("upload.name", resp.Name))
	return resp.Name, nil
}

func multipartFile(path, name string) (*bytes.Buffer, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile("image", name)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// =============================================================================
// Health
// =============================================================================

// CheckHealth probes the backend HTTP surface with a cheap history query.
func (g *Gateway) CheckHealth(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "Gateway.CheckHealth")
	defer span.End()

	start := time.Now()
	_, _, err := g.do(ctx, http.MethodGet, "/history?max_items=1", "", nil)
	g.observe(ctx, "health", start, err)
	if err != nil {
		recordSpanError(span, err)
		return err
	}
	return nil
}

// =============================================================================
// Transport Helpers
// =============================================================================

// do performs one backend request and classifies the failure.
func (g *Gateway) do(ctx context.Context, method, path, contentType string, body io.Reader) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL.String()+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := g.http.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%s %s: %v: %w", method, path, err, datatypes.ErrBackendUnavailable)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("read %s response: %v: %w", path, err, datatypes.ErrBackendUnavailable)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, respBody, &datatypes.BackendRejectedError{
			StatusCode: resp.StatusCode,
			Body:       respBody,
		}
	}
	return resp.StatusCode, respBody, nil
}

func (g *Gateway) observe(ctx context.Context, op string, start time.Time, err error) {
	elapsed := time.Since(start).Seconds()
	g.metrics.RecordBackendRequest(op, elapsed, err == nil)
	g.requestDuration.Record(ctx, elapsed, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.Bool("success", err == nil),
	))
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
