// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains request and response types for the agent chat
// endpoints. For memory record types, see memory.go.
package datatypes

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants for Security Compliance
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of a single message content.
	// Unbounded message input mitigation.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// MaxMessagesPerRequest is the maximum number of messages in a request.
	// Unbounded message history mitigation.
	MaxMessagesPerRequest = 100
)

// chatValidate is the validator instance for chat datatypes.
// Initialized in init() with custom validators.
var chatValidate *validator.Validate

func init() {
	chatValidate = validator.New()
	_ = chatValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the message size limit. Checks byte length,
// not rune count, so oversized multi-byte payloads are still rejected.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// Message is one conversation turn element.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system tool"`
	Content string `json:"content" validate:"required,maxbytes"`
}

// AgentChatRequest is the request body for the agent chat endpoints.
//
// # Description
//
// AgentChatRequest carries the conversation history and session identity
// for one agent turn. Every request includes a unique ID and timestamp
// for audit trails and correlation across the pipeline.
//
// # Fields
//
//   - RequestID: Required. UUID v4 identifying this request.
//   - Timestamp: Required. Unix milliseconds UTC at creation.
//   - SessionID: Required. Conversation session the turn belongs to.
//   - Messages: Required. 1-100 messages in chronological order, the
//     last one being the current user turn. Content capped at 32KB.
//   - DataSpace: Optional. Logical data space for memory segmentation.
//   - MaxIterations: Optional. Override for the tool-call iteration
//     bound (1-25). Zero means the server default.
//
// # Validation
//
// Uses go-playground/validator:
//   - RequestID: required, valid UUID v4
//   - Timestamp: required, > 0
//   - Messages: required, 1-100 elements, each element validated
//   - Messages[].Content: max 32768 bytes per message
//
// # Assumptions
//
//   - RequestID is generated client-side.
//   - Messages are in chronological order.
type AgentChatRequest struct {
	RequestID     string    `json:"request_id" validate:"required,uuid4"`
	Timestamp     int64     `json:"timestamp" validate:"required,gt=0"`
	SessionID     string    `json:"session_id" validate:"required,min=1,max=128"`
	Messages      []Message `json:"messages" validate:"required,min=1,max=100,dive"`
	DataSpace     string    `json:"data_space,omitempty" validate:"omitempty,max=64"`
	MaxIterations int       `json:"max_iterations,omitempty" validate:"omitempty,min=1,max=25"`
}

// Validate checks the request against its validation tags.
func (r *AgentChatRequest) Validate() error {
	if err := chatValidate.Struct(r); err != nil {
		return fmt.Errorf("invalid agent chat request: %w", err)
	}
	return nil
}

// LastUserMessage returns the content of the most recent user message,
// or an empty string when there is none.
func (r *AgentChatRequest) LastUserMessage() string {
	for i := len(r.Messages) - 1; i >= 0; i-- {
		if r.Messages[i].Role == "user" {
			return r.Messages[i].Content
		}
	}
	return ""
}

// AgentChatResponse is the non-streaming agent chat response body.
// Truncated marks an answer cut at the server's byte ceiling.
type AgentChatResponse struct {
	Answer      string       `json:"answer"`
	SessionID   string       `json:"session_id"`
	TurnID      string       `json:"turn_id"`
	Sources     []SourceInfo `json:"sources,omitempty"`
	Degraded    bool         `json:"degraded,omitempty"`
	LoopAborted bool         `json:"loop_aborted,omitempty"`
	Truncated   bool         `json:"truncated,omitempty"`
	Iterations  int          `json:"iterations"`
}
