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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memorystore"
)

// HealthCheck reports service liveness.
//
// Handles GET /health. Always returns 200; the process answering is
// the signal.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ReadyCheck reports dependency readiness.
//
// # Description
//
// Returns a probe for the memory store. The service stays ready even
// when memory is down because turns degrade instead of failing, so the
// response distinguishes "ok" from "degraded" rather than flipping to
// 503.
func ReadyCheck(store memorystore.MemoryStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		memoryUp := store != nil && store.Healthy(ctx)
		status := "ok"
		if !memoryUp {
			status = "degraded"
		}
		c.JSON(http.StatusOK, gin.H{
			"status":    status,
			"memory_up": memoryUp,
		})
	}
}
