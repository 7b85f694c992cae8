// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"fmt"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func scoredRecord(i int, content string) datatypes.ScoredRecord {
	return datatypes.ScoredRecord{
		Record: datatypes.MemoryRecord{
			ID:      fmt.Sprintf("rec-%d", i),
			Tier:    datatypes.TierHistory,
			Content: content,
		},
		Score: 1.0 / float64(i+1),
	}
}

func TestBuildAlwaysIncludesPersonaAndManifest(t *testing.T) {
	b := NewPromptBuilder(0)
	messages, _ := b.Build(PromptInput{
		Persona:      "You are a test persona.",
		ToolManifest: "- web_search: search the web",
		History:      []datatypes.Message{{Role: "user", Content: "hi"}},
	})

	if len(messages) != 2 {
		t.Fatalf("messages = %d, want 2", len(messages))
	}
	if messages[0].Role != "system" {
		t.Fatalf("first message role = %q", messages[0].Role)
	}
	if !strings.Contains(messages[0].Content, "test persona") ||
		!strings.Contains(messages[0].Content, "web_search") {
		t.Errorf("system message missing sections: %q", messages[0].Content)
	}
}

func TestBuildDropsRetrievedTailOnOverflow(t *testing.T) {
	b := NewPromptBuilder(600)
	long := strings.Repeat("memory content that occupies budget ", 10)
	var retrieved []datatypes.ScoredRecord
	for i := 0; i < 30; i++ {
		retrieved = append(retrieved, scoredRecord(i, long))
	}

	messages, stats := b.Build(PromptInput{
		Retrieved: retrieved,
		History:   []datatypes.Message{{Role: "user", Content: "question"}},
	})

	if stats.RetrievedKept >= stats.RetrievedTotal {
		t.Errorf("expected drop-tail: kept %d of %d", stats.RetrievedKept, stats.RetrievedTotal)
	}
	// The kept records are the highest scored, in order.
	system := messages[0].Content
	if stats.RetrievedKept > 0 && !strings.Contains(system, "[1]") {
		t.Error("best record missing from context")
	}
	if strings.Contains(system, fmt.Sprintf("[%d]", stats.RetrievedKept+1)) {
		t.Error("dropped record leaked into context")
	}
}

func TestBuildRetainsMostRecentHistory(t *testing.T) {
	b := NewPromptBuilder(700)
	filler := strings.Repeat("earlier conversation content ", 60)
	history := []datatypes.Message{
		{Role: "user", Content: "oldest " + filler},
		{Role: "assistant", Content: "old reply " + filler},
		{Role: "user", Content: "middle " + filler},
		{Role: "assistant", Content: "recent reply"},
		{Role: "user", Content: "newest question"},
	}

	messages, stats := b.Build(PromptInput{History: history})

	if stats.HistoryKept == 0 {
		t.Fatal("no history retained")
	}
	last := messages[len(messages)-1]
	if last.Content != "newest question" {
		t.Errorf("newest message must survive, got %q", last.Content)
	}
	if stats.HistoryKept < len(history) {
		// When trimmed, the oldest messages go first.
		for _, m := range messages[1:] {
			if strings.HasPrefix(m.Content, "oldest") {
				t.Error("oldest message retained while newer ones were dropped")
			}
		}
	}
}

func TestBuildNewestUserMessageSurvivesOverBudget(t *testing.T) {
	b := NewPromptBuilder(1)
	messages, stats := b.Build(PromptInput{
		History: []datatypes.Message{{Role: "user", Content: "must survive"}},
	})

	if stats.HistoryKept != 1 {
		t.Fatalf("history kept = %d, want 1", stats.HistoryKept)
	}
	if messages[len(messages)-1].Content != "must survive" {
		t.Error("newest user message dropped")
	}
}

func TestBuildFirstTurnUsesSmallerBudget(t *testing.T) {
	b := NewPromptBuilder(defaultPromptBudget)

	_, regular := b.Build(PromptInput{
		History: []datatypes.Message{
			{Role: "user", Content: "a"}, {Role: "assistant", Content: "b"},
			{Role: "user", Content: "c"},
		},
	})
	_, first := b.Build(PromptInput{
		History:   []datatypes.Message{{Role: "user", Content: "a"}},
		FirstTurn: true,
	})

	if regular.Budget != defaultPromptBudget {
		t.Errorf("regular budget = %d", regular.Budget)
	}
	if first.Budget != firstTurnBudget {
		t.Errorf("first-turn budget = %d", first.Budget)
	}
}

func TestBuildPrefersSummaryOverContent(t *testing.T) {
	b := NewPromptBuilder(0)
	messages, _ := b.Build(PromptInput{
		Retrieved: []datatypes.ScoredRecord{{
			Record: datatypes.MemoryRecord{
				Tier:    datatypes.TierDocument,
				Content: "full content body",
				Summary: "short summary",
			},
			Score: 1,
		}},
		History: []datatypes.Message{{Role: "user", Content: "q"}},
	})

	system := messages[0].Content
	if !strings.Contains(system, "short summary") {
		t.Error("summary not used")
	}
	if strings.Contains(system, "full content body") {
		t.Error("content used despite summary")
	}
}

func TestTokenCounterPositive(t *testing.T) {
	c := GetTokenCounter()
	if c.Count("hello world, this is a sentence") <= 0 {
		t.Error("count must be positive")
	}
	if c.Count("") != 0 {
		t.Error("empty string must count zero")
	}
}
