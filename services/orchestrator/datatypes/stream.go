// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"time"

	"github.com/google/uuid"
)

// StreamEvent is the SSE wire format for agent turn streaming.
//
// # Description
//
// StreamEvent carries one event of a streamed agent turn. Every event
// includes a unique ID and timestamp; the SSE writer additionally sets
// Hash and PrevHash so each stream forms a verifiable hash chain.
//
// # Fields
//
//   - Id: Unique event identifier (UUID v4).
//   - CreatedAt: Unix milliseconds UTC at creation.
//   - Type: Event type (status, token, sources, done, error).
//   - Message: Human-readable status text (status events).
//   - Content: Token content (token events).
//   - Sources: Citation attributions (sources events).
//   - SessionId: Session identifier (done events).
//   - Turn: Final turn summary (done events).
//   - Error: Error message (error events).
//   - Hash: SHA-256 hash of event content for integrity.
//   - PrevHash: Hash of the previous event for chain verification.
type StreamEvent struct {
	Id        string             `json:"id"`
	CreatedAt int64              `json:"created_at"`
	Type      string             `json:"type"`
	Message   string             `json:"message,omitempty"`
	Content   string             `json:"content,omitempty"`
	Sources   []SourceInfo       `json:"sources,omitempty"`
	SessionId string             `json:"session_id,omitempty"`
	Turn      *AgentChatResponse `json:"turn,omitempty"`
	Error     string             `json:"error,omitempty"`
	Hash      string             `json:"hash,omitempty"`
	PrevHash  string             `json:"prev_hash,omitempty"`
}

// NewStreamEvent creates an event of the given type with a fresh ID and
// timestamp. Optional fields are set via the With* builder methods.
func NewStreamEvent(eventType string) *StreamEvent {
	return &StreamEvent{
		Id:        uuid.NewString(),
		CreatedAt: time.Now().UnixMilli(),
		Type:      eventType,
	}
}

// WithMessage sets the status message.
func (e *StreamEvent) WithMessage(message string) *StreamEvent {
	e.Message = message
	return e
}

// WithContent sets the token content.
func (e *StreamEvent) WithContent(content string) *StreamEvent {
	e.Content = content
	return e
}

// WithSources sets the citation attributions.
func (e *StreamEvent) WithSources(sources []SourceInfo) *StreamEvent {
	e.Sources = sources
	return e
}

// WithSessionId sets the session identifier.
func (e *StreamEvent) WithSessionId(sessionId string) *StreamEvent {
	e.SessionId = sessionId
	return e
}

// WithTurn sets the final turn summary.
func (e *StreamEvent) WithTurn(turn *AgentChatResponse) *StreamEvent {
	e.Turn = turn
	return e
}

// WithError sets the error message.
func (e *StreamEvent) WithError(errMsg string) *StreamEvent {
	e.Error = errMsg
	return e
}
