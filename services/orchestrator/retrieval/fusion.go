// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements hybrid memory retrieval: concurrent
// vector and keyword search, reciprocal rank fusion, and cross-encoder
// reranking with graceful fallback.
package retrieval

import (
	"sort"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// rrfK is the reciprocal rank fusion constant. Fixed at 60 per the
// original RRF paper; not tunable.
const rrfK = 60

// maxFusedScore is the best score a document can reach with two source
// lists: rank 1 in both. Used to normalize confidence.
const maxFusedScore = 2.0 / float64(rrfK+1)

// FuseRRF merges ranked lists with reciprocal rank fusion.
//
// # Description
//
// Each document scores the sum over lists of 1/(60+rank) with 1-based
// ranks. Documents are deduplicated by record ID, keeping the payload
// from their first appearance. The output is ordered by fused score
// descending with record ID as the deterministic tie-break.
//
// Pure function: same inputs always produce the same output.
//
// # Inputs
//
//   - lists: Ranked result lists, best first. Nil or empty lists are
//     skipped.
//
// # Outputs
//
//   - []datatypes.ScoredRecord: Fused ranking with Origin "fused" and
//     Score holding the RRF score.
func FuseRRF(lists ...[]datatypes.ScoredRecord) []datatypes.ScoredRecord {
	type fused struct {
		record datatypes.MemoryRecord
		score  float64
	}
	byID := make(map[string]*fused)
	order := make([]string, 0)

	for _, list := range lists {
		for rank, item := range list {
			id := item.Record.ID
			if id == "" {
				// Records without IDs cannot dedupe across lists; key
				// them by content instead.
				id = item.Record.Content
			}
			entry, ok := byID[id]
			if !ok {
				entry = &fused{record: item.Record}
				byID[id] = entry
				order = append(order, id)
			}
			entry.score += 1.0 / float64(rrfK+rank+1)
		}
	}

	out := make([]datatypes.ScoredRecord, 0, len(order))
	for _, id := range order {
		entry := byID[id]
		out = append(out, datatypes.ScoredRecord{
			Record: entry.record,
			Score:  entry.score,
			Origin: "fused",
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Record.ID < out[j].Record.ID
	})
	return out
}

// FusedConfidence normalizes the top fused score into [0,1].
// 1.0 means the top document ranked first in every source list.
func FusedConfidence(fusedList []datatypes.ScoredRecord) float64 {
	if len(fusedList) == 0 {
		return 0
	}
	c := fusedList[0].Score / maxFusedScore
	if c > 1 {
		c = 1
	}
	return c
}
