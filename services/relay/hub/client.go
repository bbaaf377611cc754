// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/observability"
)

// Conn is the subset of *websocket.Conn the hub uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Client is one connected client session.
//
// Outbound messages go through a bounded queue drained by a dedicated
// writer goroutine, so a slow client only ever delays itself.
type Client struct {
	id   string
	conn Conn
	hub  *Hub

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// ID returns the session id.
func (c *Client) ID() string { return c.id }

// enqueue offers msg to the client's queue without blocking.
func (c *Client) enqueue(msg []byte) (observability.DropReason, bool) {
	select {
	case <-c.done:
		return observability.DropClosed, false
	default:
	}
	select {
	case c.send <- msg:
		return "", true
	default:
		return observability.DropQueueFull, false
	}
}

// writePump drains the queue until the client closes. A failed write
// unregisters the client.
func (c *Client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.hub.cfg.SendTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.metrics.RecordDrop(observability.DropWriteError)
				c.hub.logger.Warn("client write failed, dropping client", "client_id", c.id, "error", err)
				c.hub.Unregister(c)
				return
			}
		}
	}
}

// close stops the writer and closes the connection. Safe to call more
// than once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// closed reports whether close has run.
func (c *Client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}
