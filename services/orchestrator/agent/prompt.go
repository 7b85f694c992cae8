// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Prompt budget defaults in tokens.
const (
	defaultPromptBudget = 8192
	// firstTurnBudget caps the opening turn of a session. There is no
	// history worth spending budget on yet and a smaller prompt keeps
	// first-token latency down.
	firstTurnBudget = 4096
	// messageOverheadTokens approximates per-message role framing.
	messageOverheadTokens = 10
)

// defaultPersona is the system persona when the caller supplies none.
const defaultPersona = "You are a helpful assistant with access to tools and " +
	"a long-term memory. Use the provided context when it is relevant and " +
	"cite sources with [n] markers. To call a tool, emit " +
	"<tool_call>{\"tool\": \"<name>\", \"args\": {...}}</tool_call> and wait " +
	"for the result."

// TokenCounter counts tokens with tiktoken, falling back to a
// byte-length estimate when the encoding is unavailable offline.
type TokenCounter struct {
	encoder *tiktoken.Tiktoken
	mu      sync.Mutex
}

var (
	sharedCounter *TokenCounter
	counterOnce   sync.Once
)

// GetTokenCounter returns the process-wide token counter.
func GetTokenCounter() *TokenCounter {
	counterOnce.Do(func() {
		enc, err := tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			sharedCounter = &TokenCounter{}
			return
		}
		sharedCounter = &TokenCounter{encoder: enc}
	})
	return sharedCounter
}

// Count returns the token count for text.
func (c *TokenCounter) Count(text string) int {
	if c.encoder == nil {
		// Rough 4 bytes per token estimate.
		return (len(text) + 3) / 4
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.encoder.Encode(text, nil, nil))
}

// PromptInput gathers everything one prompt assembly needs.
type PromptInput struct {
	// Persona is the system persona. Empty uses the default.
	Persona string
	// ToolManifest describes the allowed tools, already gated.
	ToolManifest string
	// Retrieved is the fused retrieval result, best first.
	Retrieved []datatypes.ScoredRecord
	// WorkingMemory is the session's working tier, newest first.
	WorkingMemory []datatypes.MemoryRecord
	// History is the conversation so far, oldest first.
	History []datatypes.Message
	// FirstTurn tightens the budget for a session's opening turn.
	FirstTurn bool
}

// PromptStats reports what the assembly kept and spent.
type PromptStats struct {
	Budget         int `json:"budget"`
	TokensUsed     int `json:"tokens_used"`
	RetrievedKept  int `json:"retrieved_kept"`
	WorkingKept    int `json:"working_kept"`
	HistoryKept    int `json:"history_kept"`
	RetrievedTotal int `json:"retrieved_total"`
	HistoryTotal   int `json:"history_total"`
}

// PromptBuilder assembles token-budgeted chat prompts.
type PromptBuilder struct {
	counter *TokenCounter
	budget  int
}

// NewPromptBuilder builds a prompt builder. A non-positive budget takes
// the default.
func NewPromptBuilder(budget int) *PromptBuilder {
	if budget <= 0 {
		budget = defaultPromptBudget
	}
	return &PromptBuilder{counter: GetTokenCounter(), budget: budget}
}

// Build assembles the message list for one generation.
//
// # Description
//
// Sections spend the budget in priority order: persona and the tool
// manifest always fit, then retrieved context best-score-first with the
// tail dropped on overflow, then working memory, then conversation
// history retained most-recent-first. The returned slice is ready for
// llm.LLMClient.Chat or ChatStream.
func (b *PromptBuilder) Build(in PromptInput) ([]datatypes.Message, PromptStats) {
	budget := b.budget
	if in.FirstTurn && budget > firstTurnBudget {
		budget = firstTurnBudget
	}
	stats := PromptStats{
		Budget:         budget,
		RetrievedTotal: len(in.Retrieved),
		HistoryTotal:   len(in.History),
	}

	persona := in.Persona
	if persona == "" {
		persona = defaultPersona
	}

	var system strings.Builder
	system.WriteString(persona)
	if in.ToolManifest != "" {
		system.WriteString("\n\n## Available tools\n")
		system.WriteString(in.ToolManifest)
	}
	spent := b.counter.Count(system.String()) + messageOverheadTokens

	// Retrieved context, best first, drop the tail on overflow.
	if len(in.Retrieved) > 0 {
		var ctxSection strings.Builder
		header := "\n\n## Retrieved context\n"
		headerCost := b.counter.Count(header)
		for i, rec := range in.Retrieved {
			entry := fmt.Sprintf("[%d] (%s) %s\n", i+1, rec.Record.Tier, recordText(rec.Record))
			cost := b.counter.Count(entry)
			if stats.RetrievedKept == 0 {
				cost += headerCost
			}
			if spent+cost > budget {
				break
			}
			if stats.RetrievedKept == 0 {
				ctxSection.WriteString(header)
				spent += headerCost
				cost -= headerCost
			}
			ctxSection.WriteString(entry)
			spent += cost
			stats.RetrievedKept++
		}
		system.WriteString(ctxSection.String())
	}

	// Working memory after retrieved context.
	if len(in.WorkingMemory) > 0 {
		var wmSection strings.Builder
		header := "\n\n## Working memory\n"
		headerCost := b.counter.Count(header)
		for _, rec := range in.WorkingMemory {
			entry := "- " + recordText(rec) + "\n"
			cost := b.counter.Count(entry)
			if stats.WorkingKept == 0 {
				cost += headerCost
			}
			if spent+cost > budget {
				break
			}
			if stats.WorkingKept == 0 {
				wmSection.WriteString(header)
				spent += headerCost
				cost -= headerCost
			}
			wmSection.WriteString(entry)
			spent += cost
			stats.WorkingKept++
		}
		system.WriteString(wmSection.String())
	}

	messages := []datatypes.Message{{Role: "system", Content: system.String()}}

	// History retained most-recent-first: walk backwards, prepend what
	// fits, oldest messages fall off first.
	var kept []datatypes.Message
	for i := len(in.History) - 1; i >= 0; i-- {
		msg := in.History[i]
		cost := b.counter.Count(msg.Content) + messageOverheadTokens
		if spent+cost > budget {
			// The newest user message always survives even over budget;
			// a prompt without it is useless.
			if len(kept) == 0 && i == len(in.History)-1 {
				kept = append(kept, msg)
				spent += cost
				stats.HistoryKept++
			}
			break
		}
		kept = append([]datatypes.Message{msg}, kept...)
		spent += cost
		stats.HistoryKept++
	}
	messages = append(messages, kept...)

	stats.TokensUsed = spent
	return messages, stats
}

// recordText prefers the summary when one exists.
func recordText(rec datatypes.MemoryRecord) string {
	if rec.Summary != "" {
		return rec.Summary
	}
	return rec.Content
}
