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
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/hub"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  64 * 1024,
	WriteBufferSize: 64 * 1024,
}

// HandleClientWebSocket upgrades the request and joins the client to the
// hub until it disconnects.
func HandleClientWebSocket(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		ServeClient(h, c.Writer, c.Request)
	}
}

// ServeClient is the net/http form of HandleClientWebSocket, used for the
// dedicated WebSocket port.
func ServeClient(h *hub.Hub, w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("failed to upgrade the websocket", "error", err)
		return
	}
	// Images are base64 in JSON; allow headroom over the raw byte cap.
	ws.SetReadLimit(datatypes.MaxImagePayloadBytes * 2)

	client := h.Register(ws)
	slog.Debug("websocket client joined", "client_id", client.ID(), "remote", r.RemoteAddr)
	h.Serve(context.WithoutCancel(r.Context()), client)
}
