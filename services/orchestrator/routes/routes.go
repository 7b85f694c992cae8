// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package routes wires the HTTP surface of the orchestrator.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memorystore"
)

// SetupRoutes registers all endpoints on the router.
func SetupRoutes(router *gin.Engine, chat *handlers.AgentChatHandler,
	store memorystore.MemoryStore) {

	router.GET("/health", handlers.HealthCheck)
	router.GET("/ready", handlers.ReadyCheck(store))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	// API version 1 group
	v1 := router.Group("/v1")
	{
		agentGroup := v1.Group("/agent")
		{
			agentGroup.POST("/chat", chat.HandleChat)
			agentGroup.POST("/chat/stream", chat.HandleChatStream)
			agentGroup.GET("/stats", chat.HandleStats)
			agentGroup.POST("/stats/reset", chat.HandleStatsReset)
		}
	}
}
