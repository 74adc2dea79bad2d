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
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianResearch/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianResearch/services/orchestrator/middleware"
)

// SetupRoutes registers the research API on router.
//
// /health and /metrics are open; everything under /v1 goes through
// AuthMiddleware with auth.
func SetupRoutes(router *gin.Engine, research *handlers.ResearchHandler, auth middleware.AuthProvider) {
	if auth == nil {
		auth = middleware.NopAuthProvider{}
	}

	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(auth))
	{
		r := v1.Group("/research")
		r.POST("", research.Start)
		r.GET("/:id", research.Status)
		r.POST("/:id/resume", research.Resume)
		r.GET("/:id/events", research.Events)
	}
}
