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

	"github.com/AleutianAI/AleutianRelay/services/relay/models"
)

// ListModels returns the model inventory for the default categories.
func ListModels(scanner *models.Scanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		inv, err := scanner.Inventory(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, inv)
	}
}

// ListModelsByType returns [{name, value}] for one category, including
// files in sub-directories.
func ListModelsByType(scanner *models.Scanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		choices, err := scanner.List(c.Request.Context(), c.Param("type"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, choices)
	}
}

// ListCheckpoints returns the top-level checkpoint files.
func ListCheckpoints(scanner *models.Scanner) gin.HandlerFunc {
	return func(c *gin.Context) {
		choices, err := scanner.Checkpoints(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, choices)
	}
}

// ListPreprocessors returns the fixed preprocessor list.
func ListPreprocessors(c *gin.Context) {
	c.JSON(http.StatusOK, models.Preprocessors)
}
