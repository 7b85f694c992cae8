// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package tools defines the tool abstraction, the registry, and the
// guarded executor that stands between the model and tool backends.
package tools

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/gating"
)

// ToolResult is the outcome of one tool invocation.
type ToolResult struct {
	// Content is the tool output, possibly truncated.
	Content string `json:"content"`
	// Truncated is set when the output exceeded the size cap.
	Truncated bool `json:"truncated,omitempty"`
	// NeedsSummarization flags truncated output that the model should
	// condense before reasoning over it.
	NeedsSummarization bool `json:"needs_summarization,omitempty"`
	// Elapsed is the invocation wall time.
	Elapsed time.Duration `json:"-"`
	// Retried is set when a timed-out idempotent read was retried.
	Retried bool `json:"retried,omitempty"`
}

// Tool is one callable capability exposed to the model.
//
// Implementations must be safe for concurrent invocation.
type Tool interface {
	// Name is the stable identifier the model calls the tool by.
	Name() string
	// Description is shown to the model in the tool manifest.
	Description() string
	// SearchClass marks information-lookup tools, the only ones
	// confidence gating may suppress.
	SearchClass() bool
	// IdempotentRead marks tools safe to retry after a timeout.
	IdempotentRead() bool
	// NewArgs returns a pointer to a fresh typed argument struct
	// carrying validator tags. The executor decodes and validates the
	// raw arguments into it.
	NewArgs() any
	// Invoke runs the tool. args is the struct returned by NewArgs,
	// already validated.
	Invoke(ctx context.Context, args any) (string, error)
}

// Registry holds the registered tools in priority order.
//
// # Thread Safety
//
// Safe for concurrent use. Registration normally happens once at
// startup.
type Registry struct {
	mu    sync.RWMutex
	order []string
	tools map[string]Tool
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registration order is priority order: the
// first registered search tool is the one suppression keeps.
func (r *Registry) Register(t Tool) error {
	if t == nil {
		return fmt.Errorf("nil tool")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if name == "" {
		return fmt.Errorf("tool has no name")
	}
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// List returns the tools in registration order.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.tools[name])
	}
	return out
}

// Names returns the tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// GatingInfo projects the registry into the gating engine's view.
func (r *Registry) GatingInfo() []gating.ToolInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]gating.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, gating.ToolInfo{
			Name:        name,
			SearchClass: r.tools[name].SearchClass(),
		})
	}
	return out
}
