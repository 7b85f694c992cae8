// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm provides the LLM backend abstraction for the recall
// orchestrator and the concrete backend clients.
package llm

import (
	"context"
	"errors"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// StreamEventType identifies what one streaming event carries.
type StreamEventType string

const (
	// StreamEventToken carries one generated content fragment.
	StreamEventToken StreamEventType = "token"
	// StreamEventThinking carries reasoning content for backends that
	// expose it separately.
	StreamEventThinking StreamEventType = "thinking"
	// StreamEventDone marks the end of a successful stream.
	StreamEventDone StreamEventType = "done"
	// StreamEventError carries a backend error. Terminal.
	StreamEventError StreamEventType = "error"
)

// StreamEvent is one event in a generation stream.
type StreamEvent struct {
	Type    StreamEventType `json:"type"`
	Content string          `json:"content,omitempty"`
	Err     error           `json:"-"`
}

// StreamCallback receives streaming events in order. Returning an error
// aborts the stream; the backend stops generating.
type StreamCallback func(event StreamEvent) error

// ErrStreamingNotSupported is returned by backends without a streaming
// implementation.
var ErrStreamingNotSupported = errors.New("streaming not supported by this backend")

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
	Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error)
	ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams,
		callback StreamCallback) error
}
