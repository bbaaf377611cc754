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
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
)

// =============================================================================
// Test Helpers
// =============================================================================

type recordingSink struct {
	connected chan struct{}
	dropped   chan struct{}
	events    chan datatypes.BackendEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{
		connected: make(chan struct{}, 16),
		dropped:   make(chan struct{}, 16),
		events:    make(chan datatypes.BackendEvent, 16),
	}
}

func (s *recordingSink) BackendConnected()    { offer(s.connected, struct{}{}) }
func (s *recordingSink) BackendDisconnected() { offer(s.dropped, struct{}{}) }
func (s *recordingSink) BackendEvent(evt datatypes.BackendEvent) {
	offer(s.events, evt)
}

// offer never blocks the gateway loop.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
	default:
	}
}

func waitFor[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	var zero T
	return zero
}

// fakeBackend serves the event channel and records HTTP calls.
type fakeBackend struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*websocket.Conn
	clientIDs []string
	prompts   []map[string]json.RawMessage
	uploads   [][]byte

	promptStatus int
	promptBody   string
}

func newFakeBackend(t *testing.T) *fakeBackend {
	t.Helper()
	fb := &fakeBackend{promptStatus: http.StatusOK, promptBody: `{"prompt_id":"p-1","number":1}`}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := fb.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fb.mu.Lock()
		fb.conns = append(fb.conns, conn)
		fb.clientIDs = append(fb.clientIDs, r.URL.Query().Get("clientId"))
		fb.mu.Unlock()
	})
	mux.HandleFunc("/prompt", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]json.RawMessage
		_ = json.NewDecoder(r.Body).Decode(&body)
		fb.mu.Lock()
		fb.prompts = append(fb.prompts, body)
		status, resp := fb.promptStatus, fb.promptBody
		fb.mu.Unlock()
		w.WriteHeader(status)
		_, _ = io.WriteString(w, resp)
	})
	mux.HandleFunc("/upload/image", func(w http.ResponseWriter, r *http.Request) {
		f, hdr, err := r.FormFile("image")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer f.Close()
		data, _ := io.ReadAll(f)
		fb.mu.Lock()
		fb.uploads = append(fb.uploads, data)
		fb.mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"name": "stored_" + hdr.Filename, "type": "input"})
	})
	mux.HandleFunc("/history", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	})

	fb.server = httptest.NewServer(mux)
	t.Cleanup(func() {
		fb.closeConns()
		fb.server.Close()
	})
	return fb
}

func (fb *fakeBackend) lastConn(t *testing.T) *websocket.Conn {
	t.Helper()
	require.Eventually(t, func() bool {
		fb.mu.Lock()
		defer fb.mu.Unlock()
		return len(fb.conns) > 0
	}, 3*time.Second, 10*time.Millisecond)
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.conns[len(fb.conns)-1]
}

func (fb *fakeBackend) closeConns() {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	for _, c := range fb.conns {
		_ = c.Close()
	}
}

func newTestGateway(t *testing.T, baseURL string, sink EventSink) *Gateway {
	t.Helper()
	g, err := New(Config{
		BaseURL:        baseURL,
		ReconnectDelay: 50 * time.Millisecond,
		DialTimeout:    time.Second,
		RequestTimeout: 2 * time.Second,
		TempDir:        t.TempDir(),
	}, sink)
	require.NoError(t, err)
	return g
}

// =============================================================================
// Construction Tests
// =============================================================================

func TestNew_EventURL(t *testing.T) {
	g, err := New(Config{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:8188/ws?clientId=comfyui-web", g.EventURL())
	assert.Equal(t, StateDisconnected, g.State())

	g, err = New(Config{BaseURL: "https://gpu.local:9000/", ClientID: "relay-a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "wss://gpu.local:9000/ws?clientId=relay-a", g.EventURL())
}

func TestNew_RejectsNonHTTPURL(t *testing.T) {
	_, err := New(Config{BaseURL: "ftp://host"}, nil)
	assert.Error(t, err)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
}

// =============================================================================
// Event Channel Tests
// =============================================================================

func TestGateway_RelaysTextFramesAndSkipsBinary(t *testing.T) {
	fb := newFakeBackend(t)
	sink := newRecordingSink()
	g := newTestGateway(t, fb.server.URL, sink)

	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	waitFor(t, sink.connected, "connected")
	assert.True(t, g.Connected())

	conn := fb.lastConn(t)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, []byte{0x01, 0x02}))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`not json`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"type":"progress","data":{"value":3,"max":20}}`)))

	evt := waitFor(t, sink.events, "progress event")
	assert.Equal(t, datatypes.MessageType("progress"), evt.Type)

	fb.mu.Lock()
	assert.Equal(t, "comfyui-web", fb.clientIDs[0])
	fb.mu.Unlock()
}

func TestGateway_ReconnectsAfterDrop(t *testing.T) {
	fb := newFakeBackend(t)
	sink := newRecordingSink()
	g := newTestGateway(t, fb.server.URL, sink)

	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()

	waitFor(t, sink.connected, "first connect")
	fb.closeConns()

	waitFor(t, sink.dropped, "disconnect")
	waitFor(t, sink.connected, "reconnect")
}

func TestGateway_NotifiesDisconnectedWhileBackendDown(t *testing.T) {
	sink := newRecordingSink()
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	g := newTestGateway(t, url, sink)
	require.NoError(t, g.Start(context.Background()))

	waitFor(t, sink.dropped, "first failed attempt")
	waitFor(t, sink.dropped, "second failed attempt")
	assert.False(t, g.Connected())

	g.Stop()
}

func TestGateway_StartTwiceFails(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", nil)
	require.NoError(t, g.Start(context.Background()))
	defer g.Stop()
	assert.Error(t, g.Start(context.Background()))
}

func TestGateway_StopCancelsPendingReconnect(t *testing.T) {
	g, err := New(Config{BaseURL: "http://127.0.0.1:1", ReconnectDelay: time.Hour}, nil)
	require.NoError(t, err)
	require.NoError(t, g.Start(context.Background()))

	stopped := make(chan struct{})
	go func() {
		g.Stop()
		close(stopped)
	}()
	waitFor(t, stopped, "stop")
	assert.Equal(t, StateDisconnected, g.State())

	g.Stop()
}

func TestGateway_StopClosesLiveConnection(t *testing.T) {
	fb := newFakeBackend(t)
	sink := newRecordingSink()
	g := newTestGateway(t, fb.server.URL, sink)

	require.NoError(t, g.Start(context.Background()))
	waitFor(t, sink.connected, "connected")

	g.Stop()
	assert.False(t, g.Connected())
	assert.Empty(t, sink.dropped, "stop is not reported as a disconnect")
}

// =============================================================================
// HTTP Operation Tests
// =============================================================================

func TestForwardExecution_WrapsGraph(t *testing.T) {
	fb := newFakeBackend(t)
	g := newTestGateway(t, fb.server.URL, nil)

	resp, err := g.ForwardExecution(context.Background(), json.RawMessage(`{"3":{"class_type":"KSampler"}}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt_id":"p-1","number":1}`, string(resp))

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.prompts, 1)
	assert.JSONEq(t, `{"3":{"class_type":"KSampler"}}`, string(fb.prompts[0]["prompt"]))
	assert.JSONEq(t, `"comfyui-web"`, string(fb.prompts[0]["client_id"]))
}

func TestForwardExecution_ReturnsNonJSONBodyVerbatim(t *testing.T) {
	fb := newFakeBackend(t)
	fb.promptBody = "queued\n"
	g := newTestGateway(t, fb.server.URL, nil)

	resp, err := g.ForwardExecution(context.Background(), json.RawMessage(`{"1":{}}`))
	require.NoError(t, err)
	assert.Equal(t, "queued\n", string(resp))
}

func TestForwardExecution_RejectedCarriesBody(t *testing.T) {
	fb := newFakeBackend(t)
	fb.promptStatus = http.StatusBadRequest
	fb.promptBody = `{"error":{"type":"prompt_no_outputs"}}`
	g := newTestGateway(t, fb.server.URL, nil)

	_, err := g.ForwardExecution(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, datatypes.ErrBackendRejected)

	var rejected *datatypes.BackendRejectedError
	require.True(t, errors.As(err, &rejected))
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)
	assert.JSONEq(t, fb.promptBody, string(rejected.Body))
}

func TestForwardExecution_Unreachable(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", nil)
	_, err := g.ForwardExecution(context.Background(), json.RawMessage(`{}`))
	assert.ErrorIs(t, err, datatypes.ErrBackendUnavailable)
}

func TestForwardExecution_EmptyGraph(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", nil)
	_, err := g.ForwardExecution(context.Background(), nil)
	assert.ErrorIs(t, err, datatypes.ErrInvalidRequest)
}

func TestUploadImage_RemovesStagingFile(t *testing.T) {
	fb := newFakeBackend(t)
	g := newTestGateway(t, fb.server.URL, nil)

	name, err := g.UploadImage(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	assert.Contains(t, name, "stored_")

	entries, err := os.ReadDir(g.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	fb.mu.Lock()
	defer fb.mu.Unlock()
	require.Len(t, fb.uploads, 1)
	assert.Equal(t, []byte("png-bytes"), fb.uploads[0])
}

func TestUploadImage_FailureStillRemovesStagingFile(t *testing.T) {
	g := newTestGateway(t, "http://127.0.0.1:1", nil)

	_, err := g.UploadImage(context.Background(), []byte("png-bytes"))
	assert.ErrorIs(t, err, datatypes.ErrUploadFailed)
	assert.ErrorIs(t, err, datatypes.ErrBackendUnavailable)

	entries, err := os.ReadDir(g.cfg.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestCheckHealth(t *testing.T) {
	fb := newFakeBackend(t)
	assert.NoError(t, newTestGateway(t, fb.server.URL, nil).CheckHealth(context.Background()))
	assert.ErrorIs(t, newTestGateway(t, "http://127.0.0.1:1", nil).CheckHealth(context.Background()),
		datatypes.ErrBackendUnavailable)
}
