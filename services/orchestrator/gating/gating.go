// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gating decides which tools the model may call on a turn.
//
// Rules evaluate in a fixed order and the first matching rule decides:
//
//  1. Degraded dependencies fail open: every tool stays available.
//  2. An explicit tool request forces that tool allowed.
//  3. Research intent allows everything.
//  4. High retrieval confidence suppresses search-class tools, always
//     keeping at least one.
//
// The default is allow-all. Every decision carries machine-readable
// reasons for logging and metrics.
package gating

import (
	"slices"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Rule names as they appear in Decision.RuleFired and metrics labels.
const (
	RuleFailOpenDegraded          = "fail_open_degraded"
	RuleExplicitRequest           = "explicit_request"
	RuleResearchIntent            = "research_intent"
	RuleHighConfidenceSuppression = "high_confidence_suppression"
	RuleDefaultAllow              = "default_allow"
)

// Config tunes the gating engine. Zero values take defaults.
type Config struct {
	// ConfidenceThreshold is the retrieval confidence at or above which
	// search-class tools are suppressed. Default 0.8.
	ConfidenceThreshold float64

	// EffectivenessFloor marks a tool as low-effectiveness when its
	// Wilson lower bound falls below it. Advisory only. Default 0.3.
	EffectivenessFloor float64

	// MinAttempts is how many recorded outcomes a tool needs before
	// effectiveness advisories apply. Default 5.
	MinAttempts int64
}

func (c Config) withDefaults() Config {
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.8
	}
	if c.EffectivenessFloor <= 0 {
		c.EffectivenessFloor = 0.3
	}
	if c.MinAttempts <= 0 {
		c.MinAttempts = 5
	}
	return c
}

// ToolInfo describes one registered tool as gating sees it.
type ToolInfo struct {
	Name string
	// SearchClass marks tools whose purpose is information lookup.
	// Only these are candidates for confidence suppression.
	SearchClass bool
}

// Effectiveness summarizes a tool's outcome history for advisories.
type Effectiveness struct {
	WilsonLow float64
	Attempts  int64
}

// Input gathers everything one gating decision depends on.
type Input struct {
	// Degradation is the dependency status observed during prefetch.
	Degradation datatypes.DegradationStatus
	// ExplicitTools are tools the user asked for by name.
	ExplicitTools []string
	// ResearchIntent is set when the turn reads as an exploration task.
	ResearchIntent bool
	// Confidence is the retrieval confidence in [0,1].
	Confidence float64
	// Tools is the registry listing in priority order.
	Tools []ToolInfo
	// Effectiveness maps tool name to its outcome summary. Missing
	// entries mean no history.
	Effectiveness map[string]Effectiveness
}

// Decision is the gating outcome for one turn.
type Decision struct {
	Allowed    []string `json:"allowed"`
	Suppressed []string `json:"suppressed,omitempty"`
	RuleFired  string   `json:"rule_fired"`
	Reasons    []string `json:"reasons"`
	Confidence float64  `json:"confidence"`
}

// Allows reports whether the decision permits the named tool.
func (d Decision) Allows(tool string) bool {
	return slices.Contains(d.Allowed, tool)
}

// Decide runs the rule chain. Pure function, no I/O.
func Decide(cfg Config, in Input) Decision {
	cfg = cfg.withDefaults()
	all := make([]string, 0, len(in.Tools))
	for _, t := range in.Tools {
		all = append(all, t.Name)
	}

	d := Decision{Confidence: in.Confidence}

	switch {
	case in.Degradation.Any():
		// With dependencies down the gate cannot trust its own inputs;
		// fail open so the model can still reach for tools.
		d.RuleFired = RuleFailOpenDegraded
		d.Allowed = all
		d.Reasons = append([]string{RuleFailOpenDegraded}, in.Degradation.Reasons()...)

	case len(in.ExplicitTools) > 0:
		d.RuleFired = RuleExplicitRequest
		d.Allowed = all
		d.Reasons = append(d.Reasons, RuleExplicitRequest)
		for _, t := range in.ExplicitTools {
			d.Reasons = append(d.Reasons, "requested:"+t)
		}

	case in.ResearchIntent:
		d.RuleFired = RuleResearchIntent
		d.Allowed = all
		d.Reasons = append(d.Reasons, RuleResearchIntent)

	case in.Confidence >= cfg.ConfidenceThreshold:
		d.RuleFired = RuleHighConfidenceSuppression
		d.Reasons = append(d.Reasons, RuleHighConfidenceSuppression)
		keptSearch := false
		for _, t := range in.Tools {
			if !t.SearchClass {
				d.Allowed = append(d.Allowed, t.Name)
				continue
			}
			// The highest-priority search tool survives so the model
			// is never left without a lookup path.
			if !keptSearch {
				d.Allowed = append(d.Allowed, t.Name)
				keptSearch = true
				continue
			}
			d.Suppressed = append(d.Suppressed, t.Name)
		}

	default:
		d.RuleFired = RuleDefaultAllow
		d.Allowed = all
		d.Reasons = append(d.Reasons, RuleDefaultAllow)
	}

	// Effectiveness advisories attach regardless of the rule fired.
	// They flag tools, they never change allowance.
	for _, t := range in.Tools {
		eff, ok := in.Effectiveness[t.Name]
		if !ok || eff.Attempts < cfg.MinAttempts {
			continue
		}
		if eff.WilsonLow < cfg.EffectivenessFloor {
			d.Reasons = append(d.Reasons, "low_effectiveness:"+t.Name)
		}
	}

	return d
}
