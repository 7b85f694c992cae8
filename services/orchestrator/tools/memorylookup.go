// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/retrieval"
)

// sessionKey carries the active session through tool invocations.
type sessionKey struct{}

// WithSession returns a context carrying the session identifier for
// session-scoped tools.
func WithSession(ctx context.Context, sessionID string) context.Context {
	return context.WithValue(ctx, sessionKey{}, sessionID)
}

// SessionFromContext returns the session identifier set by WithSession,
// or an empty string.
func SessionFromContext(ctx context.Context) string {
	sessionID, _ := ctx.Value(sessionKey{}).(string)
	return sessionID
}

// MemoryLookupArgs are the validated arguments for the memory_lookup
// tool.
type MemoryLookupArgs struct {
	Query string `json:"query" validate:"required,min=1,max=512"`
	// Tier optionally narrows the lookup to one memory tier.
	Tier string `json:"tier,omitempty" validate:"omitempty,oneof=working history pattern document external"`
	Limit int   `json:"limit,omitempty" validate:"omitempty,min=1,max=20"`
}

// MemorySearcher is the retrieval surface the memory lookup tool needs.
// *retrieval.HybridRetriever satisfies it.
type MemorySearcher interface {
	Retrieve(ctx context.Context, q datatypes.SearchQuery) (*retrieval.Result, error)
}

// MemoryLookupTool lets the model query the memory tiers directly,
// beyond what prefetch already injected into the prompt. Lookups scope
// to the session carried by the invocation context.
type MemoryLookupTool struct {
	retriever MemorySearcher
}

// NewMemoryLookupTool builds the tool.
func NewMemoryLookupTool(retriever MemorySearcher) *MemoryLookupTool {
	return &MemoryLookupTool{retriever: retriever}
}

func (t *MemoryLookupTool) Name() string         { return "memory_lookup" }
func (t *MemoryLookupTool) SearchClass() bool    { return true }
func (t *MemoryLookupTool) IdempotentRead() bool { return true }

func (t *MemoryLookupTool) Description() string {
	return "Search the agent's memory tiers. Arguments: query (string, required), " +
		"tier (one of working/history/pattern/document/external, optional), limit (int, optional)."
}

func (t *MemoryLookupTool) NewArgs() any { return &MemoryLookupArgs{} }

// Invoke implements Tool.
func (t *MemoryLookupTool) Invoke(ctx context.Context, args any) (string, error) {
	lookupArgs, ok := args.(*MemoryLookupArgs)
	if !ok {
		return "", fmt.Errorf("unexpected argument type %T", args)
	}

	q := datatypes.SearchQuery{
		Text:      lookupArgs.Query,
		SessionID: SessionFromContext(ctx),
		Limit:     lookupArgs.Limit,
	}
	if lookupArgs.Tier != "" {
		q.Tiers = []datatypes.MemoryTier{datatypes.MemoryTier(lookupArgs.Tier)}
	}

	result, err := t.retriever.Retrieve(ctx, q)
	if err != nil {
		return "", fmt.Errorf("memory lookup failed: %w", err)
	}
	if len(result.Records) == 0 {
		if result.Degraded {
			return "Memory is currently unavailable.", nil
		}
		return "No matching memories found.", nil
	}

	var sb strings.Builder
	for i, rec := range result.Records {
		fmt.Fprintf(&sb, "%d. [%s] %s\n", i+1, rec.Record.Tier, rec.Record.Content)
	}
	return strings.TrimSpace(sb.String()), nil
}
