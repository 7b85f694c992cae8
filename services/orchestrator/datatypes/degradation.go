// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// DegradationStatus records which backing dependencies failed during
// memory prefetch. It threads from the prefetch stage into tool gating
// so gating decisions see the same picture the prefetch saw.
type DegradationStatus struct {
	MemoryDown   bool `json:"memory_down,omitempty"`
	RerankerDown bool `json:"reranker_down,omitempty"`
	StatsDown    bool `json:"stats_down,omitempty"`
}

// Any reports whether any dependency is degraded.
func (d DegradationStatus) Any() bool {
	return d.MemoryDown || d.RerankerDown || d.StatsDown
}

// Reasons lists the degraded dependencies as stable strings.
func (d DegradationStatus) Reasons() []string {
	var out []string
	if d.MemoryDown {
		out = append(out, "memory_store_down")
	}
	if d.RerankerDown {
		out = append(out, "reranker_down")
	}
	if d.StatsDown {
		out = append(out, "stats_down")
	}
	return out
}
