// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gateway is the relay's only link to the generation backend.
//
// # Description
//
// The Gateway keeps one logical event-channel connection to the backend
// (a WebSocket at /ws) and exposes the backend's HTTP operations: prompt
// execution, image upload and a liveness probe.
//
// The event channel is driven by a single loop goroutine:
//
//	attempt → (connected: read until close) → notify disconnected → wait(delay) → attempt ...
//
// There is no attempt limit. Because only the loop dials, at most one
// connection attempt is ever in flight. Stop cancels a pending wait
// immediately and closes the live connection.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

var (
	tracer = otel.Tracer("aleutian.relay.gateway")
	meter  = otel.Meter("aleutian.relay.gateway")
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultBaseURL is the backend's default listen address.
	DefaultBaseURL = "http://127.0.0.1:8188"

	// DefaultClientID identifies the relay to the backend.
	DefaultClientID = "comfyui-web"

	// DefaultReconnectDelay is the fixed wait between connection attempts.
	DefaultReconnectDelay = 5 * time.Second
)

// Config configures a Gateway.
type Config struct {
	// BaseURL is the backend HTTP root. Default: DefaultBaseURL.
	BaseURL string

	// ClientID is sent with executions and on the event channel URL so the
	// backend routes execution events for our prompts to the relay.
	ClientID string

	// ReconnectDelay is the wait between attempts. Default: 5s.
	ReconnectDelay time.Duration

	// DialTimeout bounds one event channel handshake. Default: 10s.
	DialTimeout time.Duration

	// RequestTimeout bounds each HTTP call. Default: 60s.
	RequestTimeout time.Duration

	// TempDir holds upload staging files. Required for UploadImage.
	TempDir string

	// HTTPClient overrides the HTTP client. Optional.
	HTTPClient *http.Client

	// Metrics is optional.
	Metrics *observability.Metrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func applyConfigDefaults(cfg *Config) {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.ClientID == "" {
		cfg.ClientID = DefaultClientID
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// =============================================================================
// State
// =============================================================================

// State is the event channel connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns "disconnected", "connecting" or "connected".
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// EventSink receives event channel notifications. Calls are made from the
// gateway loop goroutine, one at a time and in order.
type EventSink interface {
	BackendConnected()
	BackendDisconnected()
	BackendEvent(evt datatypes.BackendEvent)
}

// =============================================================================
// Gateway
// =============================================================================

// Gateway owns the backend connection.
type Gateway struct {
	cfg     Config
	baseURL *url.URL
	wsURL   string
	http    *http.Client
	dialer  *websocket.Dialer
	sink    EventSink
	logger  *slog.Logger
	metrics *observability.Metrics

	state atomic.Int32

	// mu guards running, done, loopDone and conn.
	mu       sync.Mutex
	running  bool
	done     chan struct{}
	loopDone chan struct{}
	conn     *websocket.Conn

	// failLog throttles repeated connect failure logs while the backend is down.
	failLog rate.Sometimes

	requestDuration metric.Float64Histogram
}

// New creates a Gateway. Call Start to open the event channel; the HTTP
// operations work without it.
//
// # Outputs
//
//   - error: Non-nil when BaseURL is not an http(s) URL.
func New(cfg Config, sink EventSink) (*Gateway, error) {
	applyConfigDefaults(&cfg)

	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("backend url must be http or https, got %q", cfg.BaseURL)
	}

	ws := *base
	ws.Scheme = "ws"
	if base.Scheme == "https" {
		ws.Scheme = "wss"
	}
	ws.Path = strings.TrimRight(base.Path, "/") + "/ws"
	ws.RawQuery = url.Values{"clientId": {cfg.ClientID}}.Encode()

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}

	hist, err := meter.Float64Histogram(
		"relay.backend.request.duration",
		metric.WithDescription("Backend HTTP call duration"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create histogram: %w", err)
	}

	return &Gateway{
		cfg:     cfg,
		baseURL: base,
		wsURL:   ws.String(),
		http:    client,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.DialTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  4 * 1024,
		},
		sink:            sink,
		logger:          cfg.Logger.With("component", "gateway"),
		metrics:         cfg.Metrics,
		failLog:         rate.Sometimes{First: 1, Interval: time.Minute},
		requestDuration: hist,
	}, nil
}

// EventURL returns the event channel URL.
func (g *Gateway) EventURL() string { return g.wsURL }

// State returns the current connection state.
func (g *Gateway) State() State { return State(g.state.Load()) }

// Connected reports whether the event channel is up.
func (g *Gateway) Connected() bool { return g.State() == StateConnected }

// Start launches the connect loop.
//
// # Outputs
//
//   - error: Non-nil if the loop is already running.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.running {
		return fmt.Errorf("gateway is already running")
	}
	g.running = true
	g.done = make(chan struct{})
	g.loopDone = make(chan struct{})

	go g.runLoop(ctx, g.done, g.loopDone)
	g.logger.Info("backend gateway started", "url", g.wsURL, "reconnect_delay", g.cfg.ReconnectDelay)
	return nil
}

// Stop cancels any pending reconnect, closes the live connection and waits
// for the loop to exit. Safe to call when not running.
func (g *Gateway) Stop() {
	g.mu.Lock()
	if !g.running {
		g.mu.Unlock()
		return
	}
	g.running = false
	close(g.done)
	if g.conn != nil {
		_ = g.conn.Close()
	}
	loopDone := g.loopDone
	g.mu.Unlock()

	<-loopDone
	g.logger.Info("backend gateway stopped")
}

func (g *Gateway) runLoop(ctx context.Context, done, loopDone chan struct{}) {
	defer close(loopDone)
	defer g.setState(StateDisconnected)

	for {
		if stopped(ctx, done) {
			return
		}

		conn, err := g.connect(ctx, done)
		if err == nil {
			g.readLoop(conn, done)
		}
		if stopped(ctx, done) {
			return
		}

		g.setState(StateDisconnected)
		if g.sink != nil {
			g.sink.BackendDisconnected()
		}

		timer := time.NewTimer(g.cfg.ReconnectDelay)
		select {
		case <-done:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// connect performs one dial attempt.
func (g *Gateway) connect(ctx context.Context, done chan struct{}) (*websocket.Conn, error) {
	g.setState(StateConnecting)

	dialCtx, cancel := context.WithTimeout(ctx, g.cfg.DialTimeout)
	defer cancel()

	conn, resp, err := g.dialer.DialContext(dialCtx, g.wsURL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		g.metrics.RecordConnectAttempt(false)
		g.failLog.Do(func() {
			g.logger.Warn("backend connection failed, will retry",
				"error", err, "retry_in", g.cfg.ReconnectDelay)
		})
		return nil, err
	}

	g.mu.Lock()
	if stopped(ctx, done) {
		g.mu.Unlock()
		_ = conn.Close()
		return nil, errors.New("gateway stopped")
	}
	g.conn = conn
	g.mu.Unlock()

	g.metrics.RecordConnectAttempt(true)
	g.setState(StateConnected)
	g.logger.Info("backend connected", "url", g.wsURL)
	if g.sink != nil {
		g.sink.BackendConnected()
	}
	return conn, nil
}

// readLoop relays frames until the connection fails.
func (g *Gateway) readLoop(conn *websocket.Conn, done chan struct{}) {
	defer func() {
		g.mu.Lock()
		if g.conn == conn {
			g.conn = nil
		}
		g.mu.Unlock()
		_ = conn.Close()
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-done:
			default:
				g.logger.Warn("backend connection closed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			g.logger.Debug("skipping binary backend frame", "bytes", len(data))
			continue
		}
		evt, err := datatypes.ParseBackendEvent(data)
		if err != nil {
			g.logger.Debug("skipping malformed backend frame", "error", err)
			continue
		}
		if g.sink != nil {
			g.sink.BackendEvent(evt)
		}
	}
}

func (g *Gateway) setState(s State) {
	prev := State(g.state.Swap(int32(s)))
	if prev == s {
		return
	}
	if s == StateConnected {
		g.metrics.SetBackendConnected(true)
	} else if prev == StateConnected {
		g.metrics.SetBackendConnected(false)
	}
}

func stopped(ctx context.Context, done chan struct{}) bool {
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
