// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package loopdetect watches the per-turn stream of tool invocations
// for repetition: the same call hammered back to back, or a short
// cycle of calls repeating.
package loopdetect

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"sync"
)

// Config tunes the detector. Zero values take defaults.
type Config struct {
	// MaxRepeat is how many consecutive identical signatures are
	// tolerated. The next one triggers. Default 2.
	MaxRepeat int
	// WindowSize bounds the signature history. Default 50.
	WindowSize int
	// SequenceRepeats is how many full repetitions of a cycle trigger
	// detection. Default 3.
	SequenceRepeats int
}

func (c Config) withDefaults() Config {
	if c.MaxRepeat <= 0 {
		c.MaxRepeat = 2
	}
	if c.WindowSize <= 0 {
		c.WindowSize = 50
	}
	if c.SequenceRepeats <= 0 {
		c.SequenceRepeats = 3
	}
	return c
}

// Detection is the result of observing one step.
type Detection struct {
	Detected bool `json:"detected"`
	// Kind is "repeat" for back-to-back identical calls or "cycle" for
	// a repeating sequence.
	Kind string `json:"kind,omitempty"`
	// Signature is the triggering signature.
	Signature string `json:"signature,omitempty"`
	// RepeatCount is how many times the signature ran consecutively.
	RepeatCount int `json:"repeat_count,omitempty"`
	// CycleLength is the repeating sequence length for "cycle" kind.
	CycleLength int `json:"cycle_length,omitempty"`
}

// Stats reports detector state for diagnostics.
type Stats struct {
	Steps      int `json:"steps"`
	Detections int `json:"detections"`
}

// Detector tracks one turn's tool invocation signatures.
//
// # Thread Safety
//
// Safe for concurrent use, though a turn normally feeds it from a
// single goroutine.
type Detector struct {
	mu         sync.Mutex
	cfg        Config
	history    []string
	steps      int
	detections int
}

// New builds a detector. One detector serves one turn; call Reset to
// reuse across turns.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg.withDefaults()}
}

// Signature canonicalizes a tool invocation into a stable hash.
// Argument maps serialize with sorted keys, so two calls with the same
// arguments in different map order hash identically.
func Signature(tool string, args map[string]any) string {
	var sb strings.Builder
	sb.WriteString(tool)
	sb.WriteByte('\x00')

	keys := make([]string, 0, len(args))
	for k := range args {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		// Fall back to the raw string when a value does not marshal.
		if b, err := json.Marshal(args[k]); err == nil {
			sb.Write(b)
		}
		sb.WriteByte(';')
	}

	sum := sha256.Sum256([]byte(sb.String()))
	return hex.EncodeToString(sum[:])
}

// AddStep records one invocation signature and checks for loops.
//
// # Description
//
// Two triggers:
//
//   - repeat: the same signature observed more than MaxRepeat times in
//     a row. With the default of 2, the third identical call triggers.
//   - cycle: a sequence of length >= 2 repeated SequenceRepeats full
//     times at the end of the history (A,B,A,B,A,B).
//
// # Outputs
//
//   - Detection: Detected is false until a trigger fires.
func (d *Detector) AddStep(sig string) Detection {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.steps++
	d.history = append(d.history, sig)
	if len(d.history) > d.cfg.WindowSize {
		d.history = d.history[len(d.history)-d.cfg.WindowSize:]
	}

	if det := d.checkRepeat(); det.Detected {
		d.detections++
		return det
	}
	if det := d.checkCycle(); det.Detected {
		d.detections++
		return det
	}
	return Detection{}
}

func (d *Detector) checkRepeat() Detection {
	n := len(d.history)
	last := d.history[n-1]
	count := 0
	for i := n - 1; i >= 0 && d.history[i] == last; i-- {
		count++
	}
	if count > d.cfg.MaxRepeat {
		return Detection{
			Detected:    true,
			Kind:        "repeat",
			Signature:   last,
			RepeatCount: count,
		}
	}
	return Detection{}
}

func (d *Detector) checkCycle() Detection {
	n := len(d.history)
	reps := d.cfg.SequenceRepeats
	maxLen := n / reps
	for cycleLen := 2; cycleLen <= maxLen; cycleLen++ {
		match := true
		for i := 0; i < cycleLen*(reps-1) && match; i++ {
			a := d.history[n-1-i]
			b := d.history[n-1-i-cycleLen]
			if a != b {
				match = false
			}
		}
		if match {
			return Detection{
				Detected:    true,
				Kind:        "cycle",
				Signature:   d.history[n-1],
				CycleLength: cycleLen,
			}
		}
	}
	return Detection{}
}

// Reset clears the history for a new turn.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history = d.history[:0]
	d.steps = 0
	d.detections = 0
}

// Stats returns observation counters.
func (d *Detector) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Stats{Steps: d.steps, Detections: d.detections}
}
