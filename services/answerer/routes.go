// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package answerer

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes registers the answering endpoints on the router.
func SetupRoutes(router *gin.Engine, handler *AnswerHandler, enableMetrics bool) {
	v1 := router.Group("/v1")
	{
		v1.POST("/answer/stream", handler.StreamAnswer)
		v1.POST("/answer", handler.Answer)
		v1.GET("/sessions/:id/history", handler.SessionHistory)
		v1.DELETE("/sessions/:id", handler.DeleteSession)
	}

	router.GET("/healthz", handler.Health)

	if enableMetrics {
		router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	}
}
