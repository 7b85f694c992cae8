// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package agent

import (
	"errors"
	"strings"
	"testing"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func feedAll(p *StreamParser, chunks ...string) string {
	var out strings.Builder
	for _, c := range chunks {
		out.WriteString(p.Feed(c))
	}
	rest, _ := p.Finish()
	out.WriteString(rest)
	return out.String()
}

func TestParserPlainText(t *testing.T) {
	p := NewStreamParser()
	got := feedAll(p, "Hello ", "world.")
	if got != "Hello world." {
		t.Errorf("visible = %q", got)
	}
	if calls := p.Calls(); len(calls) != 0 {
		t.Errorf("unexpected calls: %v", calls)
	}
}

func TestParserExtractsToolCall(t *testing.T) {
	p := NewStreamParser()
	got := feedAll(p,
		`Let me check. <tool_call>{"tool": "web_search", "args": {"query": "go"}}</tool_call> done`)

	if got != "Let me check.  done" {
		t.Errorf("visible = %q", got)
	}
	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if calls[0].Name != "web_search" {
		t.Errorf("name = %q", calls[0].Name)
	}
	if calls[0].Args["query"] != "go" {
		t.Errorf("args = %v", calls[0].Args)
	}
}

func TestParserMarkerSplitAcrossChunks(t *testing.T) {
	p := NewStreamParser()
	got := feedAll(p,
		"Sure. <tool_",
		`call>{"tool": "memory_lookup", "a`,
		`rgs": {"query": "x"}}</tool`,
		"_call>")

	if got != "Sure. " {
		t.Errorf("visible = %q", got)
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Name != "memory_lookup" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParserAngleBracketTextNotSwallowed(t *testing.T) {
	p := NewStreamParser()
	got := feedAll(p, "a <to", "day> b")
	if got != "a <today> b" {
		t.Errorf("visible = %q", got)
	}
}

func TestParserThinkingRegionHidden(t *testing.T) {
	p := NewStreamParser()
	got := feedAll(p,
		"<th",
		"ink>weighing which source answers this</th",
		"ink>The answer is 42.")

	if got != "The answer is 42." {
		t.Errorf("visible = %q", got)
	}
	if calls := p.Calls(); len(calls) != 0 {
		t.Errorf("thinking content must not parse as calls: %v", calls)
	}
}

func TestParserThinkingThenToolCall(t *testing.T) {
	p := NewStreamParser()
	got := feedAll(p,
		"<think>should I search?</think>",
		`<tool_call>{"tool": "web_search", "args": {"query": "go"}}</tool_call>ok`)

	if got != "ok" {
		t.Errorf("visible = %q", got)
	}
	calls := p.Calls()
	if len(calls) != 1 || calls[0].Name != "web_search" {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParserUnterminatedThinkingIsCorruption(t *testing.T) {
	p := NewStreamParser()
	visible := p.Feed("<think>half-finished reasoning")
	rest, corrupted := p.Finish()

	if visible != "" || rest != "" {
		t.Errorf("visible = %q, rest = %q", visible, rest)
	}
	if !corrupted {
		t.Error("unterminated thinking must report corruption")
	}
}

func TestParserMalformedPayloadSurfacesError(t *testing.T) {
	p := NewStreamParser()
	feedAll(p, `<tool_call>{"tool": broken}</tool_call>`)

	calls := p.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	if !errors.Is(calls[0].Err, datatypes.ErrMalformedToolCall) {
		t.Errorf("err = %v, want ErrMalformedToolCall", calls[0].Err)
	}
}

func TestParserMissingToolNameIsMalformed(t *testing.T) {
	p := NewStreamParser()
	feedAll(p, `<tool_call>{"args": {"q": 1}}</tool_call>`)

	calls := p.Calls()
	if len(calls) != 1 || !errors.Is(calls[0].Err, datatypes.ErrMalformedToolCall) {
		t.Fatalf("calls = %+v", calls)
	}
}

func TestParserUnterminatedCallIsCorruption(t *testing.T) {
	p := NewStreamParser()
	visible := p.Feed(`answer <tool_call>{"tool": "web_search"`)
	rest, corrupted := p.Finish()

	if visible != "answer " || rest != "" {
		t.Errorf("visible = %q, rest = %q", visible, rest)
	}
	if !corrupted {
		t.Error("unterminated call must report corruption")
	}
	if calls := p.Calls(); len(calls) != 0 {
		t.Errorf("partial call must not surface: %v", calls)
	}
}

func TestParserMultipleCalls(t *testing.T) {
	p := NewStreamParser()
	feedAll(p,
		`<tool_call>{"tool": "a", "args": {}}</tool_call>`,
		`<tool_call>{"tool": "b", "args": {}}</tool_call>`)

	calls := p.Calls()
	if len(calls) != 2 || calls[0].Name != "a" || calls[1].Name != "b" {
		t.Fatalf("calls = %+v", calls)
	}
	// Calls drains.
	if len(p.Calls()) != 0 {
		t.Error("Calls must drain")
	}
}

func TestDegenerateStreamDetection(t *testing.T) {
	p := NewStreamParser()
	for i := 0; i < degenerateRepeatLimit-1; i++ {
		p.TrackToken("la")
	}
	if p.Degenerate() {
		t.Fatal("detector fired early")
	}
	p.TrackToken("la")
	if !p.Degenerate() {
		t.Fatal("detector must fire at the limit")
	}
}

func TestDegenerateResetOnDifferentToken(t *testing.T) {
	p := NewStreamParser()
	for i := 0; i < 100; i++ {
		p.TrackToken("a")
		p.TrackToken("b")
	}
	if p.Degenerate() {
		t.Error("alternating tokens are not degenerate")
	}
}
