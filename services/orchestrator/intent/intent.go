// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package intent classifies a user turn without an LLM call: research
// intent, explicit tool requests, and the context type used as a
// tracker key. Deterministic rule matching only.
package intent

import (
	"regexp"
	"strings"
)

// Result is the outcome of one intent detection.
type Result struct {
	// Research is set when the turn reads as an information-seeking
	// task that benefits from tools.
	Research bool `json:"research"`
	// ExplicitTools are tools the user named directly.
	ExplicitTools []string `json:"explicit_tools,omitempty"`
	// ContextType is "question", "command", or "conversation".
	ContextType string `json:"context_type"`
	// Confidence is a coarse score for the classification in [0,1].
	Confidence float64 `json:"confidence"`
	// Reasoning names the matched signals for logging.
	Reasoning string `json:"reasoning"`
}

// researchMarkers are phrases that mark an exploration task.
var researchMarkers = []string{
	"search", "look up", "look for", "find out", "research",
	"what's new", "latest", "current", "recent news", "browse",
}

// interrogatives start question-form turns.
var interrogatives = []string{
	"what", "who", "where", "when", "why", "how", "which", "is ", "are ",
	"can ", "does ", "do ", "did ",
}

// imperatives start command-form turns.
var imperatives = []string{
	"write", "create", "make", "run", "fix", "build", "generate",
	"delete", "update", "add", "remove", "summarize", "translate",
}

// useToolPattern matches "use <tool>" style requests.
var useToolPattern = regexp.MustCompile(`\buse\s+(?:the\s+)?([a-z0-9_]+)`)

// Detect classifies one user message.
//
// # Inputs
//
//   - message: The raw user turn.
//   - knownTools: Registered tool names, used to resolve explicit
//     requests.
//
// # Outputs
//
//   - Result: Never errors; an empty message classifies as
//     conversation with zero confidence.
func Detect(message string, knownTools []string) Result {
	trimmed := strings.TrimSpace(message)
	if trimmed == "" {
		return Result{ContextType: "conversation", Reasoning: "empty message"}
	}
	lower := strings.ToLower(trimmed)

	var signals []string
	res := Result{ContextType: "conversation", Confidence: 0.5}

	// Explicit tool requests: "use web_search" or a bare tool name
	// mention.
	seen := make(map[string]bool)
	for _, m := range useToolPattern.FindAllStringSubmatch(lower, -1) {
		for _, tool := range knownTools {
			if m[1] == tool && !seen[tool] {
				res.ExplicitTools = append(res.ExplicitTools, tool)
				seen[tool] = true
				signals = append(signals, "use-phrase:"+tool)
			}
		}
	}
	for _, tool := range knownTools {
		if !seen[tool] && strings.Contains(lower, tool) {
			res.ExplicitTools = append(res.ExplicitTools, tool)
			seen[tool] = true
			signals = append(signals, "tool-mention:"+tool)
		}
	}

	for _, marker := range researchMarkers {
		if strings.Contains(lower, marker) {
			res.Research = true
			signals = append(signals, "research-marker:"+marker)
			break
		}
	}

	switch {
	case strings.HasSuffix(trimmed, "?") || hasPrefixAny(lower, interrogatives):
		res.ContextType = "question"
		res.Confidence = 0.8
		signals = append(signals, "question-form")
	case hasPrefixAny(lower, imperatives):
		res.ContextType = "command"
		res.Confidence = 0.7
		signals = append(signals, "imperative-form")
	}

	if len(res.ExplicitTools) > 0 {
		res.Confidence = 0.9
	}

	if len(signals) == 0 {
		res.Reasoning = "no signals matched"
	} else {
		res.Reasoning = strings.Join(signals, ", ")
	}
	return res
}

func hasPrefixAny(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
