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
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRelay/services/relay/datatypes"
	"github.com/AleutianAI/AleutianRelay/services/relay/hub"
)

// HealthCheck reports relay liveness, backend connectivity and the client
// count. It always answers 200 while the relay is serving.
func HealthCheck(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		backend := datatypes.StatusDisconnected
		if h.BackendUp() {
			backend = datatypes.StatusConnected
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "ok",
			"backend": backend,
			"clients": h.Len(),
		})
	}
}
