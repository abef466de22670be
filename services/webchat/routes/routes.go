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

	"github.com/AleutianAI/AleutianEngage/services/webchat/assistant"
	"github.com/AleutianAI/AleutianEngage/services/webchat/clientinfo"
	"github.com/AleutianAI/AleutianEngage/services/webchat/handlers"
	"github.com/AleutianAI/AleutianEngage/services/webchat/middleware"
)

// Options configures the cross-cutting behavior of the API surface.
// Health and metrics are always open; CORS and the site key apply to the
// versioned widget endpoints only.
type Options struct {
	AllowedOrigins []string
	SiteKey        string
}

// SetupRoutes registers the webchat API surface.
func SetupRoutes(router *gin.Engine, svc *assistant.Service, extractor *clientinfo.Extractor, opts Options) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	v1.Use(middleware.CORS(opts.AllowedOrigins), middleware.SiteKeyAuth(opts.SiteKey))
	{
		webchat := v1.Group("/webchat")
		{
			webchat.POST("/message", handlers.HandleWebchatMessage(svc, extractor))
			webchat.GET("/ws", handlers.HandleWebchatWS(svc, extractor))
			sessions := webchat.Group("/sessions")
			{
				sessions.GET("/:sessionId/history", handlers.HandleWebchatHistory(svc))
				sessions.POST("/:sessionId/close", handlers.HandleWebchatClose(svc))
			}
		}
	}
}
