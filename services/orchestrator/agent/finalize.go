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
	"regexp"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// citationPattern matches [n] citation markers in answer text.
var citationPattern = regexp.MustCompile(`\[(\d+)\]`)

// RepairMarkers removes unbalanced tool call and thinking markup from
// answer text.
//
// # Description
//
// A well-formed answer contains no markers at all: the stream parser
// strips balanced blocks during generation. Anything left is structural
// corruption from a confused model. Thinking regions drop whole when
// balanced; a dangling open marker (thinking or tool call) drops
// together with everything after it (the trailing text is internal
// reasoning or a partial payload, not prose); stray close markers drop
// in place.
//
// # Outputs
//
//   - string: The repaired text.
//   - bool: True when a repair was applied.
func RepairMarkers(text string) (string, bool) {
	repaired := false

	for {
		open := strings.Index(text, thinkingOpen)
		if open < 0 {
			break
		}
		repaired = true
		rel := strings.Index(text[open+len(thinkingOpen):], thinkingClose)
		if rel < 0 {
			text = text[:open]
			break
		}
		text = text[:open] + text[open+len(thinkingOpen)+rel+len(thinkingClose):]
	}
	if strings.Contains(text, thinkingClose) {
		text = strings.ReplaceAll(text, thinkingClose, "")
		repaired = true
	}

	if idx := strings.Index(text, toolCallOpen); idx >= 0 {
		text = text[:idx]
		repaired = true
	}
	if strings.Contains(text, toolCallClose) {
		text = strings.ReplaceAll(text, toolCallClose, "")
		repaired = true
	}
	if repaired {
		text = strings.TrimRight(text, " \t\n")
	}
	return text, repaired
}

// AttributeCitations resolves [n] markers in the answer against the
// retrieved records.
//
// # Description
//
// Markers are 1-based indices into the retrieval list in the order the
// prompt presented it. Out-of-range and duplicate markers are ignored.
// Sources return in first-citation order.
func AttributeCitations(answer string, retrieved []datatypes.ScoredRecord) []datatypes.SourceInfo {
	indices := citedIndices(answer, len(retrieved))
	if len(indices) == 0 {
		return nil
	}
	sources := make([]datatypes.SourceInfo, 0, len(indices))
	for _, n := range indices {
		rec := retrieved[n-1]
		source := rec.Record.Source
		if source == "" {
			source = rec.Record.ID
		}
		sources = append(sources, datatypes.SourceInfo{
			Source: source,
			Tier:   string(rec.Record.Tier),
			Score:  rec.Score,
		})
	}
	return sources
}

// CitedRecords returns the retrieved records the answer cites, in
// first-citation order. The caller feeds them to quality reinforcement
// after the turn.
func CitedRecords(answer string, retrieved []datatypes.ScoredRecord) []datatypes.ScoredRecord {
	indices := citedIndices(answer, len(retrieved))
	if len(indices) == 0 {
		return nil
	}
	cited := make([]datatypes.ScoredRecord, 0, len(indices))
	for _, n := range indices {
		cited = append(cited, retrieved[n-1])
	}
	return cited
}

// citedIndices extracts the unique, in-range 1-based citation indices
// from the answer, in first-citation order.
func citedIndices(answer string, total int) []int {
	if answer == "" || total == 0 {
		return nil
	}
	var indices []int
	seen := make(map[int]bool)
	for _, m := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > total || seen[n] {
			continue
		}
		seen[n] = true
		indices = append(indices, n)
	}
	return indices
}
