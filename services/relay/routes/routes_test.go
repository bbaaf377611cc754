// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/artifacts"
	"github.com/AleutianAI/AleutianRelay/services/relay/docstore"
	"github.com/AleutianAI/AleutianRelay/services/relay/editor"
	"github.com/AleutianAI/AleutianRelay/services/relay/hub"
	"github.com/AleutianAI/AleutianRelay/services/relay/models"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
	"github.com/AleutianAI/AleutianRelay/services/relay/settings"
)

// ============================================================================
// Test Setup
// ============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

type nopBackend struct{}

func (nopBackend) ForwardExecution(context.Context, json.RawMessage) (json.RawMessage, error) {
	return json.RawMessage(`{}`), nil
}

func (nopBackend) UploadImage(context.Context, []byte) (string, error) { return "x.png", nil }

func newServices(t *testing.T) Services {
	t.Helper()
	dataDir := t.TempDir()
	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)

	h := hub.New(hub.Config{Metrics: metrics})
	t.Cleanup(func() { _ = h.Close() })

	st := settings.New(dataDir, "", nil)
	return Services{
		Docs:           docstore.New(dataDir, nil),
		Artifacts:      artifacts.New(artifacts.Config{Root: dataDir, Metrics: metrics}),
		Hub:            h,
		Backend:        nopBackend{},
		Settings:       st,
		Models:         models.NewScanner(st.BackendPath, nil),
		Editor:         editor.New(editor.Config{}, nil),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}
}

// ============================================================================
// SetupRoutes Tests
// ============================================================================

func TestSetupRoutes_RegistersControlSurface(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newServices(t), extensions.DefaultOptions())

	expectedRoutes := []struct {
		method string
		path   string
	}{
		{"GET", "/health"},
		{"GET", "/metrics"},
		{"GET", "/ws"},
		{"GET", "/api/workflows"},
		{"GET", "/api/workflow/:filename"},
		{"POST", "/api/workflow/:filename"},
		{"DELETE", "/api/workflow/:filename"},
		{"POST", "/api/workflow/rename"},
		{"GET", "/api/workflow-order"},
		{"POST", "/api/workflow-order"},
		{"GET", "/api/presets"},
		{"GET", "/api/preset/:filename"},
		{"POST", "/api/preset/:filename"},
		{"POST", "/api/execute"},
		{"POST", "/api/comfyui/upload/:connection_id"},
		{"GET", "/api/get-original-image/:nodeId"},
		{"GET", "/api/saved-images"},
		{"GET", "/api/saved-images/latest"},
		{"GET", "/api/output-images"},
		{"GET", "/api/models"},
		{"GET", "/api/models/:type"},
		{"GET", "/api/checkpoints"},
		{"GET", "/api/preprocessors"},
		{"GET", "/api/settings"},
		{"POST", "/api/settings"},
		{"POST", "/api/open-in-editor"},
		{"POST", "/api/open-in-photoshop"},
		{"GET", "/saved_images/*filepath"},
		{"GET", "/original_images/*filepath"},
		{"GET", "/outputs/*filepath"},
	}

	routes := router.Routes()
	for _, expected := range expectedRoutes {
		found := false
		for _, r := range routes {
			if r.Method == expected.method && r.Path == expected.path {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("Expected route %s %s not found", expected.method, expected.path)
		}
	}
}

func TestSetupRoutes_UIOnlyWhenConfigured(t *testing.T) {
	router := gin.New()
	SetupRoutes(router, newServices(t), extensions.DefaultOptions())
	for _, r := range router.Routes() {
		assert.NotEqual(t, "/ui/*filepath", r.Path)
	}

	svc := newServices(t)
	svc.UIDir = t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(svc.UIDir, "index.html"), []byte("<html></html>"), 0o644))
	router = gin.New()
	SetupRoutes(router, svc, extensions.DefaultOptions())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusMovedPermanently, w.Code)
	assert.Equal(t, "/ui/", w.Header().Get("Location"))
}

// ============================================================================
// Route Handler Tests
// ============================================================================

func TestSetupRoutes_RenameIsNotAWorkflowName(t *testing.T) {
	router := gin.New()
	svc := newServices(t)
	SetupRoutes(router, svc, extensions.DefaultOptions())

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/api/workflow/rename",
		strings.NewReader(`{"oldPath":"a.json","newPath":"b.json"}`)))
	assert.Equal(t, http.StatusNotFound, w.Code)

	names, err := svc.Docs.List(docstore.ClassWorkflow)
	require.NoError(t, err)
	assert.Empty(t, names, "rename must not be stored as a workflow called rename")
}

func TestSetupRoutes_MetricsEndpoint(t *testing.T) {
	router := gin.New()
	svc := newServices(t)
	SetupRoutes(router, svc, extensions.DefaultOptions())

	_, err := svc.Artifacts.SaveGenerated(context.Background(), []byte("\x89PNG\r\n\x1a\n"), "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "relay_artifacts_saved_total")
}

func TestSetupRoutes_SavedImagesStatic(t *testing.T) {
	router := gin.New()
	svc := newServices(t)
	SetupRoutes(router, svc, extensions.DefaultOptions())

	art, err := svc.Artifacts.SaveGenerated(context.Background(), []byte("\x89PNG\r\n\x1a\npixels"), "")
	require.NoError(t, err)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, art.Path, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "\x89PNG\r\n\x1a\npixels", w.Body.String())
}

func TestSetupRoutes_ClientWebSocket(t *testing.T) {
	router := gin.New()
	svc := newServices(t)
	SetupRoutes(router, svc, extensions.DefaultOptions())

	srv := httptest.NewServer(router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	defer conn.Close()

	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"type":"connection","status":"disconnected"}`, string(data))
}
