// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package agent runs the per-turn orchestration loop: memory prefetch,
// prompt assembly, streaming generation with tool calling, and
// finalization with background learning.
package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Tool call and thinking markers as they appear in generated text.
const (
	toolCallOpen  = "<tool_call>"
	toolCallClose = "</tool_call>"
	thinkingOpen  = "<think>"
	thinkingClose = "</think>"
)

// degenerateRepeatLimit is how many identical consecutive tokens mark a
// runaway stream.
const degenerateRepeatLimit = 40

// ParsedCall is one tool invocation extracted from generated text.
type ParsedCall struct {
	// Name is the requested tool.
	Name string `json:"name"`
	// Args are the decoded arguments. Nil when the payload was
	// malformed.
	Args map[string]any `json:"args,omitempty"`
	// Raw is the payload between the markers, kept for error messages.
	Raw string `json:"raw,omitempty"`
	// Err is non-nil when the payload failed to decode. The call is
	// still surfaced so the loop can feed the error back to the model.
	Err error `json:"-"`
}

// callPayload is the wire shape between tool call markers.
type callPayload struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// StreamParser incrementally separates visible text from tool call and
// thinking blocks in a token stream.
//
// # Description
//
// Feed accepts arbitrary chunk boundaries: a marker split across chunks
// is still recognized because the parser withholds any trailing text
// that could be a marker prefix until the next chunk resolves it. Calls
// accumulate in order; visible text is returned from Feed as soon as it
// is safe to emit. Thinking regions are internal reasoning and are
// discarded outright, they never reach the caller.
//
// The parser also watches for degenerate streams: the same non-empty
// token arriving many times in a row marks the stream as runaway so the
// loop can abort generation.
//
// # Thread Safety
//
// Not safe for concurrent use. One parser serves one generation stream.
type StreamParser struct {
	pending    string
	inCall     bool
	inThinking bool
	callBuf    strings.Builder
	calls      []ParsedCall
	lastToken  string
	repeats    int
	degenerate bool
}

// NewStreamParser builds a parser for one generation stream.
func NewStreamParser() *StreamParser {
	return &StreamParser{}
}

// TrackToken observes one raw stream token for degenerate-stream
// detection. Call it with each token event before Feed.
func (p *StreamParser) TrackToken(token string) {
	if token == "" {
		return
	}
	if token == p.lastToken {
		p.repeats++
		if p.repeats >= degenerateRepeatLimit {
			p.degenerate = true
		}
		return
	}
	p.lastToken = token
	p.repeats = 1
}

// Degenerate reports whether the stream repeated one token past the
// runaway limit.
func (p *StreamParser) Degenerate() bool {
	return p.degenerate
}

// Feed consumes one chunk and returns the visible text that is safe to
// emit. Text inside tool call or thinking markers is never returned.
func (p *StreamParser) Feed(chunk string) string {
	s := p.pending + chunk
	p.pending = ""

	var visible strings.Builder
	for s != "" {
		if p.inCall {
			idx := strings.Index(s, toolCallClose)
			if idx < 0 {
				held := holdbackLen(s, toolCallClose)
				p.callBuf.WriteString(s[:len(s)-held])
				p.pending = s[len(s)-held:]
				return visible.String()
			}
			p.callBuf.WriteString(s[:idx])
			p.finishCall()
			s = s[idx+len(toolCallClose):]
			continue
		}
		if p.inThinking {
			idx := strings.Index(s, thinkingClose)
			if idx < 0 {
				// Reasoning content drops; only a possible close-marker
				// prefix is held for the next chunk.
				p.pending = s[len(s)-holdbackLen(s, thinkingClose):]
				return visible.String()
			}
			p.inThinking = false
			s = s[idx+len(thinkingClose):]
			continue
		}

		callIdx := strings.Index(s, toolCallOpen)
		thinkIdx := strings.Index(s, thinkingOpen)
		switch {
		case thinkIdx >= 0 && (callIdx < 0 || thinkIdx < callIdx):
			visible.WriteString(s[:thinkIdx])
			p.inThinking = true
			s = s[thinkIdx+len(thinkingOpen):]
		case callIdx >= 0:
			visible.WriteString(s[:callIdx])
			p.inCall = true
			p.callBuf.Reset()
			s = s[callIdx+len(toolCallOpen):]
		default:
			held := holdbackLen(s, toolCallOpen)
			if h := holdbackLen(s, thinkingOpen); h > held {
				held = h
			}
			visible.WriteString(s[:len(s)-held])
			p.pending = s[len(s)-held:]
			return visible.String()
		}
	}
	return visible.String()
}

// finishCall decodes the buffered payload into a ParsedCall.
func (p *StreamParser) finishCall() {
	raw := strings.TrimSpace(p.callBuf.String())
	p.inCall = false
	p.callBuf.Reset()

	var payload callPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		p.calls = append(p.calls, ParsedCall{
			Raw: raw,
			Err: fmt.Errorf("%w: %v", datatypes.ErrMalformedToolCall, err),
		})
		return
	}
	if payload.Tool == "" {
		p.calls = append(p.calls, ParsedCall{
			Raw: raw,
			Err: fmt.Errorf("%w: missing tool name", datatypes.ErrMalformedToolCall),
		})
		return
	}
	if payload.Args == nil {
		payload.Args = map[string]any{}
	}
	p.calls = append(p.calls, ParsedCall{Name: payload.Tool, Args: payload.Args, Raw: raw})
}

// Calls drains the tool calls parsed so far.
func (p *StreamParser) Calls() []ParsedCall {
	calls := p.calls
	p.calls = nil
	return calls
}

// Finish flushes the parser at end of stream.
//
// # Outputs
//
//   - string: Remaining visible text.
//   - bool: True when the stream ended inside an unclosed tool call or
//     thinking region. The partial content is discarded; the caller
//     records the structural corruption.
func (p *StreamParser) Finish() (string, bool) {
	if p.inCall || p.inThinking {
		// Unterminated call and thinking blocks never reach the user.
		p.inCall = false
		p.inThinking = false
		p.callBuf.Reset()
		p.pending = ""
		return "", true
	}
	rest := p.pending
	p.pending = ""
	return rest, false
}

// holdbackLen returns how many trailing bytes of s must be withheld
// because they match a proper prefix of marker.
func holdbackLen(s, marker string) int {
	max := len(marker) - 1
	if max > len(s) {
		max = len(s)
	}
	for n := max; n > 0; n-- {
		if strings.HasPrefix(marker, s[len(s)-n:]) {
			return n
		}
	}
	return 0
}
