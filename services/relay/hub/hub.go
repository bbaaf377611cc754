// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub fans messages out to every connected client.
//
// # Description
//
// The Hub owns the set of client sessions. It relays backend events to all
// clients verbatim, persists images submitted by clients through the
// artifact store and announces backend connectivity changes. Clients are
// addressed only as a set; there is no per-client routing.
//
// # Thread Safety
//
// All exported methods are safe for concurrent use. Broadcast never
// blocks on a client.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/artifacts"
	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

// =============================================================================
// Configuration
// =============================================================================

const (
	// DefaultQueueSize is the per-client outbound queue capacity.
	DefaultQueueSize = 64

	// DefaultSendTimeout bounds a single socket write.
	DefaultSendTimeout = 5 * time.Second

	// DefaultRefreshDelay is the wait between an "executed" backend event
	// and the refresh nudge, giving the backend time to write its output.
	DefaultRefreshDelay = time.Second

	// RefreshSourceExecution marks refreshes triggered by backend execution.
	RefreshSourceExecution = "execution"

	// RefreshSourceOutput marks refreshes triggered by new files in the
	// backend output directory.
	RefreshSourceOutput = "output"
)

// ArtifactSaver persists client-submitted images.
type ArtifactSaver interface {
	SaveGenerated(ctx context.Context, data []byte, prompt string) (artifacts.Artifact, error)
}

// Config configures a Hub.
type Config struct {
	QueueSize    int
	SendTimeout  time.Duration
	RefreshDelay time.Duration

	// Saver persists image messages. When nil, images are relayed without
	// a savedPath.
	Saver ArtifactSaver

	Metrics *observability.Metrics
	Logger  *slog.Logger

	// Now is the clock for message timestamps. Default: time.Now.
	Now func() time.Time
}

func applyConfigDefaults(cfg *Config) {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultSendTimeout
	}
	if cfg.RefreshDelay <= 0 {
		cfg.RefreshDelay = DefaultRefreshDelay
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
}

// LatestImage is the most recent image relayed through the hub.
type LatestImage struct {
	Image     string `json:"image"`
	Prompt    string `json:"prompt"`
	SavedPath string `json:"savedPath,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// =============================================================================
// Hub
// =============================================================================

// Hub is the client session set.
type Hub struct {
	cfg     Config
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	clients map[*Client]struct{}
	closed  bool

	backendUp atomic.Bool

	latestMu sync.RWMutex
	latest   *LatestImage

	timersMu sync.Mutex
	timers   map[*time.Timer]struct{}
}

// New creates an empty Hub.
func New(cfg Config) *Hub {
	applyConfigDefaults(&cfg)
	return &Hub{
		cfg:     cfg,
		logger:  cfg.Logger.With("component", "hub"),
		metrics: cfg.Metrics,
		clients: make(map[*Client]struct{}),
		timers:  make(map[*time.Timer]struct{}),
	}
}

// Len returns the number of registered clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// BackendUp reports the last announced backend connectivity.
func (h *Hub) BackendUp() bool { return h.backendUp.Load() }

// Register adds conn to the set and starts its writer.
//
// # Description
//
// The new client is sent the current backend connectivity state. There
// is no handshake. Registering on a closed hub closes conn immediately.
//
// # Outputs
//
//   - *Client: The session. Pass it to Serve.
func (h *Hub) Register(conn Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		conn: conn,
		hub:  h,
		send: make(chan []byte, h.cfg.QueueSize),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		c.close()
		return c
	}
	h.clients[c] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()

	h.metrics.ClientJoined()
	go c.writePump()

	if data, err := json.Marshal(datatypes.NewConnectionMessage(h.backendUp.Load())); err == nil {
		c.enqueue(data)
	}
	h.logger.Info("client connected", "client_id", c.id, "clients", n)
	return c
}

// Serve reads from the client until its connection fails, then
// unregisters it. Messages are handled in arrival order.
func (h *Hub) Serve(ctx context.Context, c *Client) {
	defer h.Unregister(c)
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			if !c.closed() {
				h.logger.Debug("client read ended", "client_id", c.id, "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage {
			continue
		}
		h.HandleMessage(ctx, c, data)
	}
}

// Unregister removes c from the set and closes it. Idempotent.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	n := len(h.clients)
	h.mu.Unlock()

	c.close()
	if ok {
		h.metrics.ClientLeft()
		h.logger.Info("client disconnected", "client_id", c.id, "clients", n)
	}
}

// =============================================================================
// Client Messages
// =============================================================================

// HandleMessage processes one client frame.
//
// # Description
//
// An "image" message is decoded, saved as a generated artifact and
// broadcast to every client, the sender included, annotated with the
// saved path. A failed save is logged and the image is still relayed
// without a path. Unknown kinds and malformed frames are logged and
// ignored.
func (h *Hub) HandleMessage(ctx context.Context, c *Client, data []byte) {
	msg, err := datatypes.ParseClientMessage(data)
	if err != nil {
		h.logger.Warn("ignoring malformed client message", "client_id", clientID(c), "error", err)
		return
	}

	switch msg.Type {
	case datatypes.TypeImage:
		h.handleImage(ctx, c, msg)
	default:
		h.logger.Debug("ignoring client message", "client_id", clientID(c), "type", msg.Type)
	}
}

func (h *Hub) handleImage(ctx context.Context, c *Client, msg datatypes.ClientMessage) {
	if msg.Image == "" {
		h.logger.Warn("ignoring image message without image", "client_id", clientID(c))
		return
	}

	savedPath := ""
	if h.cfg.Saver != nil {
		raw, err := datatypes.DecodeImage(msg.Image)
		if err != nil {
			h.logger.Warn("image payload is not base64, relaying unsaved", "client_id", clientID(c), "error", err)
		} else if art, err := h.cfg.Saver.SaveGenerated(ctx, raw, msg.Prompt); err != nil {
			h.logger.Error("failed to save image", "client_id", clientID(c), "error", err)
		} else {
			savedPath = art.Path
		}
	}

	h.BroadcastImage(msg.Image, msg.Prompt, savedPath)
}

func clientID(c *Client) string {
	if c == nil {
		return ""
	}
	return c.id
}

// =============================================================================
// Broadcasting
// =============================================================================

// Broadcast marshals v once and offers it to every client.
//
// # Description
//
// Delivery is best effort: a client whose queue is full or which is
// already closing is skipped and counted. Broadcast never blocks.
//
// # Outputs
//
//   - error: Non-nil only when v cannot be marshaled.
func (h *Hub) Broadcast(msgType datatypes.MessageType, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.broadcastRaw(msgType, data)
	return nil
}

func (h *Hub) broadcastRaw(msgType datatypes.MessageType, data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		if reason, ok := c.enqueue(data); !ok {
			h.metrics.RecordDrop(reason)
			h.logger.Debug("skipping client", "client_id", c.id, "reason", reason)
		}
	}
	h.metrics.RecordBroadcast(string(msgType))
}

// BroadcastImage announces an image to every client and records it as the
// latest image.
func (h *Hub) BroadcastImage(image, prompt, savedPath string) {
	msg := datatypes.NewImageMessage(image, prompt, savedPath, h.cfg.Now().UnixMilli())

	h.latestMu.Lock()
	h.latest = &LatestImage{
		Image:     msg.Image,
		Prompt:    msg.Prompt,
		SavedPath: msg.SavedPath,
		Timestamp: msg.Timestamp,
	}
	h.latestMu.Unlock()

	if err := h.Broadcast(datatypes.TypeImage, msg); err != nil {
		h.logger.Error("failed to encode image message", "error", err)
	}
}

// BroadcastRefresh nudges clients to reload artifact listings.
func (h *Hub) BroadcastRefresh(source string, files []string) {
	msg := datatypes.NewRefreshMessage(h.cfg.Now().UnixMilli(), source, files)
	if err := h.Broadcast(datatypes.TypeRefresh, msg); err != nil {
		h.logger.Error("failed to encode refresh message", "error", err)
	}
}

// Latest returns the most recently relayed image.
func (h *Hub) Latest() (LatestImage, bool) {
	h.latestMu.RLock()
	defer h.latestMu.RUnlock()
	if h.latest == nil {
		return LatestImage{}, false
	}
	return *h.latest, true
}

// =============================================================================
// Backend Events (gateway.EventSink)
// =============================================================================

// BackendConnected announces that the backend link is up.
func (h *Hub) BackendConnected() {
	h.backendUp.Store(true)
	h.announceConnection(true)
}

// BackendDisconnected announces that the backend link is down. Called on
// every failed attempt while the backend stays unreachable.
func (h *Hub) BackendDisconnected() {
	h.backendUp.Store(false)
	h.announceConnection(false)
}

func (h *Hub) announceConnection(up bool) {
	if err := h.Broadcast(datatypes.TypeConnection, datatypes.NewConnectionMessage(up)); err != nil {
		h.logger.Error("failed to encode connection message", "error", err)
	}
}

// BackendEvent relays evt to every client verbatim. An "executed" event
// with output schedules a refresh after RefreshDelay.
func (h *Hub) BackendEvent(evt datatypes.BackendEvent) {
	data, err := json.Marshal(evt)
	if err != nil {
		h.logger.Warn("failed to encode backend event", "type", evt.Type, "error", err)
		return
	}
	h.broadcastRaw(evt.Type, data)

	if exec, ok := evt.Executed(); ok {
		h.logger.Debug("execution produced output, scheduling refresh", "node", exec.Node, "prompt_id", exec.PromptID)
		h.scheduleRefresh()
	}
}

func (h *Hub) scheduleRefresh() {
	h.timersMu.Lock()
	defer h.timersMu.Unlock()

	h.mu.RLock()
	closed := h.closed
	h.mu.RUnlock()
	if closed {
		return
	}

	var t *time.Timer
	t = time.AfterFunc(h.cfg.RefreshDelay, func() {
		h.timersMu.Lock()
		delete(h.timers, t)
		h.timersMu.Unlock()
		h.BroadcastRefresh(RefreshSourceExecution, nil)
	})
	h.timers[t] = struct{}{}
}

// =============================================================================
// Shutdown
// =============================================================================

// Close stops pending refresh timers and closes every client. Later
// registrations are refused.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return errors.New("hub already closed")
	}
	h.closed = true
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	clear(h.clients)
	h.mu.Unlock()

	h.timersMu.Lock()
	for t := range h.timers {
		t.Stop()
	}
	clear(h.timers)
	h.timersMu.Unlock()

	for _, c := range clients {
		c.close()
		h.metrics.ClientLeft()
	}
	h.logger.Info("hub closed", "clients_closed", len(clients))
	return nil
}
