// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRelay/pkg/extensions"
	"github.com/AleutianAI/AleutianRelay/services/relay/artifacts"
	"github.com/AleutianAI/AleutianRelay/services/relay/docstore"
	"github.com/AleutianAI/AleutianRelay/services/relay/editor"
	"github.com/AleutianAI/AleutianRelay/services/relay/handlers"
	"github.com/AleutianAI/AleutianRelay/services/relay/hub"
	"github.com/AleutianAI/AleutianRelay/services/relay/models"
	"github.com/AleutianAI/AleutianRelay/services/relay/settings"
)

// Services are the components the control surface is wired to.
type Services struct {
	Docs      *docstore.Store
	Artifacts *artifacts.Store
	Hub       *hub.Hub
	Backend   handlers.Backend
	Settings  *settings.Store
	Models    *models.Scanner
	Editor    *editor.Launcher

	// MetricsHandler serves /metrics. Default: promhttp.Handler().
	MetricsHandler http.Handler

	// UIDir, when set, is served under /ui with / redirecting to it.
	UIDir string
}

func SetupRoutes(router *gin.Engine, svc Services, opts extensions.ServiceOptions) {
	audit := opts.AuditLogger
	backendPath := svc.Settings.BackendPath

	metricsHandler := svc.MetricsHandler
	if metricsHandler == nil {
		metricsHandler = promhttp.Handler()
	}

	router.GET("/health", handlers.HealthCheck(svc.Hub))
	router.GET("/metrics", gin.WrapH(metricsHandler))
	router.GET("/ws", handlers.HandleClientWebSocket(svc.Hub))

	if svc.UIDir != "" {
		router.StaticFS("/ui", http.Dir(svc.UIDir))
		router.GET("/", func(c *gin.Context) {
			c.Redirect(http.StatusMovedPermanently, "/ui/")
		})
	}

	// Stored images
	router.Static("/saved_images", svc.Artifacts.GeneratedDir())
	router.Static("/original_images", svc.Artifacts.OriginalsDir())
	router.GET("/outputs/*filepath", handlers.ServeOutputFile(backendPath))

	api := router.Group("/api")
	{
		api.GET("/workflows", handlers.ListWorkflows(svc.Docs))
		// Registered before /workflow/:filename so the static segment wins.
		api.POST("/workflow/rename", handlers.RenameWorkflow(svc.Docs, audit))
		api.GET("/workflow/:filename", handlers.GetWorkflow(svc.Docs))
		api.POST("/workflow/:filename", handlers.SaveWorkflow(svc.Docs, audit))
		api.DELETE("/workflow/:filename", handlers.DeleteWorkflow(svc.Docs, audit))
		api.GET("/workflow-order", handlers.GetWorkflowOrder(svc.Docs))
		api.POST("/workflow-order", handlers.SaveWorkflowOrder(svc.Docs, audit))

		api.GET("/presets", handlers.ListPresets(svc.Docs))
		api.GET("/preset/:filename", handlers.GetPreset(svc.Docs))
		api.POST("/preset/:filename", handlers.SavePreset(svc.Docs, audit))

		api.POST("/execute", handlers.Execute(svc.Backend, audit))
		api.POST("/comfyui/upload/:connection_id",
			handlers.UploadImage(svc.Backend, svc.Artifacts, svc.Hub, audit))
		api.GET("/get-original-image/:nodeId", handlers.GetOriginalImage(svc.Artifacts))

		api.GET("/saved-images", handlers.ListSavedImages(svc.Artifacts))
		api.GET("/saved-images/latest", handlers.LatestImage(svc.Hub))
		api.GET("/output-images", handlers.ListOutputImages(backendPath))

		api.GET("/models", handlers.ListModels(svc.Models))
		api.GET("/models/:type", handlers.ListModelsByType(svc.Models))
		api.GET("/checkpoints", handlers.ListCheckpoints(svc.Models))
		api.GET("/preprocessors", handlers.ListPreprocessors)

		api.GET("/settings", handlers.GetSettings(svc.Settings))
		api.POST("/settings", handlers.UpdateSettings(svc.Settings, audit))

		openInEditor := handlers.OpenInEditor(svc.Editor, svc.Artifacts, backendPath, audit)
		api.POST("/open-in-editor", openInEditor)
		api.POST("/open-in-photoshop", openInEditor)
	}
}
