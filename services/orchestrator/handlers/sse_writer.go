// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the Gin HTTP handlers for the agent
// orchestrator: streaming and non-streaming chat, effectiveness stats
// administration, and health checks.
package handlers

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// SSEWriter writes stream events in Server-Sent Events wire format.
//
// # Description
//
// SSEWriter abstracts SSE output so handlers can emit typed events
// without dealing with the wire format (event: type\ndata: json\n\n).
// Each written event is stamped with a SHA-256 hash linked to the
// previous event's hash, so a client can verify the stream was neither
// reordered nor truncated mid-chain.
//
// # Thread Safety
//
// Implementations must serialize writes; the agent emit path and the
// heartbeat goroutine write concurrently.
type SSEWriter interface {
	// WriteEvent writes one event. Id, CreatedAt, Hash, and PrevHash
	// are populated by the writer.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus writes a status event with a progress message.
	WriteStatus(message string) error

	// WriteToken writes a token event with one answer fragment.
	WriteToken(content string) error

	// WriteSources writes a sources event with citation attributions.
	WriteSources(sources []datatypes.SourceInfo) error

	// WriteError writes an error event. The message must already be
	// client-safe; internal detail stays in the logs.
	WriteError(errMsg string) error

	// WriteDone writes the terminal done event with the session ID and
	// turn summary.
	WriteDone(sessionID string, turn *datatypes.AgentChatResponse) error

	// WriteKeepAlive writes an SSE comment line to hold the connection
	// open through load balancer idle timeouts.
	WriteKeepAlive() error
}

// sseWriter is the production SSEWriter over an http.ResponseWriter.
//
// # Thread Safety
//
// All writes take mu, so the hash chain stays intact under concurrent
// writers.
type sseWriter struct {
	w        http.ResponseWriter
	flusher  http.Flusher
	mu       sync.Mutex
	prevHash string
}

// NewSSEWriter creates an SSEWriter over w.
//
// Returns an error when w does not support http.Flusher; SSE requires
// flushing each event as it is written.
func NewSSEWriter(w http.ResponseWriter) (SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("ResponseWriter does not support http.Flusher")
	}
	return &sseWriter{w: w, flusher: flusher}, nil
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if event.Id == "" {
		stamped := datatypes.NewStreamEvent(event.Type)
		event.Id = stamped.Id
		event.CreatedAt = stamped.CreatedAt
	}
	event.PrevHash = w.prevHash
	event.Hash = w.computeEventHash(event)

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal stream event: %w", err)
	}
	if _, err := fmt.Fprintf(w.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write SSE event: %w", err)
	}
	w.flusher.Flush()
	w.prevHash = event.Hash
	return nil
}

// computeEventHash hashes the event content fields plus the previous
// hash. Id and CreatedAt are excluded so the hash covers content, not
// metadata.
func (w *sseWriter) computeEventHash(event datatypes.StreamEvent) string {
	sourcesJSON := ""
	if len(event.Sources) > 0 {
		if b, err := json.Marshal(event.Sources); err == nil {
			sourcesJSON = string(b)
		}
	}
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		event.Type, event.Message, event.Content, event.Error,
		event.SessionId, sourcesJSON, event.PrevHash)
	return hex.EncodeToString(h.Sum(nil))
}

func (w *sseWriter) WriteStatus(message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "status",
		Message: message,
	})
}

func (w *sseWriter) WriteToken(content string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "token",
		Content: content,
	})
}

func (w *sseWriter) WriteSources(sources []datatypes.SourceInfo) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:    "sources",
		Sources: sources,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  "error",
		Error: errMsg,
	})
}

func (w *sseWriter) WriteDone(sessionID string, turn *datatypes.AgentChatResponse) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      "done",
		SessionId: sessionID,
		Turn:      turn,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := fmt.Fprint(w.w, ": ping\n\n"); err != nil {
		return fmt.Errorf("failed to write keepalive: %w", err)
	}
	w.flusher.Flush()
	return nil
}

// SetSSEHeaders sets the response headers required for SSE streaming.
// Must be called before the first write.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}
