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
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/learning"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
)

// heartbeatInterval is the keepalive ping interval. 15s stays well
// under typical load balancer idle timeouts (60s for ALB/Nginx).
const heartbeatInterval = 15 * time.Second

// AgentChatHandler handles the agent chat endpoints.
//
// # Description
//
// AgentChatHandler bridges HTTP to the agent turn loop:
//   - POST /v1/agent/chat/stream: SSE streaming turn
//   - POST /v1/agent/chat: non-streaming turn
//   - GET /v1/agent/stats: effectiveness statistics
//   - POST /v1/agent/stats/reset: clear effectiveness statistics
//
// # Thread Safety
//
// Thread-safe. The agent sits behind an atomic pointer so a tunables
// reload can swap it under live traffic; everything else is read-only
// after construction and per-request state stays on the stack.
type AgentChatHandler struct {
	agent   atomic.Pointer[agent.Agent]
	tracker *learning.Tracker
	metrics *observability.AgentMetrics
	tracer  trace.Tracer
}

// NewAgentChatHandler creates the handler.
//
// Panics on a nil agent (programming error). Tracker and metrics may
// be nil; the stats endpoints report unavailable and metrics are
// skipped.
func NewAgentChatHandler(ag *agent.Agent, tracker *learning.Tracker,
	metrics *observability.AgentMetrics) *AgentChatHandler {
	if ag == nil {
		panic("NewAgentChatHandler: agent must not be nil")
	}
	h := &AgentChatHandler{
		tracker: tracker,
		metrics: metrics,
		tracer:  otel.Tracer("aleutian.ai/handlers"),
	}
	h.agent.Store(ag)
	return h
}

// SwapAgent replaces the agent for subsequent requests. In-flight turns
// keep the agent they started with. Nil is ignored.
func (h *AgentChatHandler) SwapAgent(ag *agent.Agent) {
	if ag == nil {
		return
	}
	h.agent.Store(ag)
}

// HandleChatStream processes agent chat requests with SSE streaming.
//
// # Description
//
// Handles POST /v1/agent/chat/stream. The flow is:
//  1. Parse and validate the request body
//  2. Set SSE headers and create the hash-chained writer
//  3. Run the agent turn, bridging events to SSE
//  4. Emit the done event with the turn summary
//
// Tokens are mirrored into a secure accumulator so the complete answer
// is integrity-hashed even though it leaves token by token.
//
// # Outputs
//
// SSE events: status, token, sources, done, error. HTTP errors are
// only possible before streaming starts:
//   - 400 Bad Request: invalid body or validation failure
//   - 500 Internal Server Error: SSE setup failure
func (h *AgentChatHandler) HandleChatStream(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChatStream")
	defer span.End()

	if h.metrics != nil {
		h.metrics.StreamStarted()
		defer h.metrics.StreamEnded()
	}

	req, ok := h.bindRequest(c, span)
	if !ok {
		return
	}

	SetSSEHeaders(c.Writer)
	writer, err := NewSSEWriter(c.Writer)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "SSE setup failed")
		slog.Error("Failed to create SSE writer",
			"error", err, "request_id", req.RequestID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	// The accumulator mirrors the visible answer so the turn carries
	// an integrity hash. Failure to allocate is not fatal.
	accumulator, accErr := NewSecureTokenAccumulator()
	if accErr != nil {
		slog.Warn("failed to create token accumulator, answer will not be hashed",
			"request_id", req.RequestID, "error", accErr)
	}
	defer func() {
		if accumulator != nil {
			accumulator.Destroy()
		}
	}()

	heartbeatDone := make(chan struct{})
	go h.runHeartbeat(ctx, writer, heartbeatDone)

	turn, runErr := h.agent.Load().RunTurn(ctx, req, func(ev agent.Event) {
		switch ev.Type {
		case agent.EventStatus:
			_ = writer.WriteStatus(statusMessage(ev.State))
		case agent.EventToken:
			if accumulator != nil {
				_ = accumulator.Write(ev.Token)
			}
			_ = writer.WriteToken(ev.Token)
		case agent.EventSources:
			_ = writer.WriteSources(ev.Sources)
		case agent.EventError:
			_ = writer.WriteError("generation failed")
		}
	})
	close(heartbeatDone)

	if runErr != nil {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, "turn failed")
		if ctx.Err() != nil || errors.Is(runErr, context.Canceled) {
			slog.Info("client disconnected mid-turn",
				"request_id", req.RequestID, "session_id", req.SessionID)
			return
		}
		slog.Error("agent turn failed",
			"error", runErr,
			"request_id", req.RequestID,
			"session_id", req.SessionID)
		// Error already delivered as an SSE event.
		return
	}

	if accumulator != nil {
		if _, hash, err := accumulator.Finalize(); err == nil {
			span.SetAttributes(attribute.String("turn.answer_hash", hash[:16]))
		}
	}

	resp := turn.ToResponse()
	if err := writer.WriteDone(req.SessionID, &resp); err != nil {
		span.RecordError(err)
		slog.Error("Failed to write done event",
			"error", err, "request_id", req.RequestID)
		return
	}

	span.SetAttributes(
		attribute.Int("turn.iterations", turn.Iterations),
		attribute.Bool("turn.degraded", turn.Degraded),
	)
	span.SetStatus(codes.Ok, "stream completed")
}

// HandleChat processes non-streaming agent chat requests.
//
// Handles POST /v1/agent/chat. Runs the full turn and returns the
// final answer as JSON.
func (h *AgentChatHandler) HandleChat(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "HandleChat")
	defer span.End()

	req, ok := h.bindRequest(c, span)
	if !ok {
		return
	}

	turn, err := h.agent.Load().RunTurn(ctx, req, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		slog.Error("agent turn failed",
			"error", err,
			"request_id", req.RequestID,
			"session_id", req.SessionID)
		if ctx.Err() != nil {
			c.JSON(http.StatusRequestTimeout, gin.H{"error": "request cancelled"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "agent turn failed"})
		return
	}

	span.SetAttributes(
		attribute.Int("turn.iterations", turn.Iterations),
		attribute.Bool("turn.degraded", turn.Degraded),
	)
	c.JSON(http.StatusOK, turn.ToResponse())
}

// HandleStats returns the current effectiveness statistics.
//
// Handles GET /v1/agent/stats.
func (h *AgentChatHandler) HandleStats(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "effectiveness tracking not available"})
		return
	}
	stats := h.tracker.Snapshot()
	c.JSON(http.StatusOK, gin.H{
		"count": len(stats),
		"stats": stats,
	})
}

// HandleStatsReset clears the effectiveness statistics.
//
// Handles POST /v1/agent/stats/reset. Primarily an operator escape
// hatch for poisoned or stale stats.
func (h *AgentChatHandler) HandleStatsReset(c *gin.Context) {
	if h.tracker == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "effectiveness tracking not available"})
		return
	}
	h.tracker.Reset()
	slog.Info("effectiveness stats reset via API")
	c.JSON(http.StatusOK, gin.H{"status": "reset"})
}

// bindRequest parses and validates the chat request body. Writes the
// HTTP error response itself; the bool reports success.
func (h *AgentChatHandler) bindRequest(c *gin.Context,
	span trace.Span) (datatypes.AgentChatRequest, bool) {
	var req datatypes.AgentChatRequest
	if err := c.BindJSON(&req); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "invalid request body")
		slog.Error("Failed to parse agent chat request", "error", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return req, false
	}
	if err := req.Validate(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "validation failed")
		slog.Error("Agent chat request validation failed",
			"error", err, "request_id", req.RequestID)
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: validation failed"})
		return req, false
	}
	span.SetAttributes(
		attribute.String("request.id", req.RequestID),
		attribute.String("request.session_id", req.SessionID),
		attribute.Int("request.message_count", len(req.Messages)),
	)
	return req, true
}

// runHeartbeat sends keepalive pings until done closes or the client
// disconnects.
func (h *AgentChatHandler) runHeartbeat(ctx context.Context,
	writer SSEWriter, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.WriteKeepAlive(); err != nil {
				slog.Debug("keepalive write failed, client likely disconnected",
					"error", err)
				return
			}
		}
	}
}

// statusMessage maps a turn state to the client-facing status text.
func statusMessage(state agent.State) string {
	switch state {
	case agent.StatePrefetch:
		return "Searching memory..."
	case agent.StateBuildPrompt:
		return "Assembling context..."
	case agent.StateGenerating:
		return "Generating response..."
	case agent.StateExecuting:
		return "Running tools..."
	case agent.StateFinalizing:
		return "Finalizing..."
	default:
		return string(state)
	}
}
