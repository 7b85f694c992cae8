// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// CircuitState is the breaker state for one tool backend.
type CircuitState int

const (
	// CircuitClosed passes calls through normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen fails fast without touching the backend.
	CircuitOpen
	// CircuitHalfOpen admits a limited number of trial calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes one circuit breaker. Zero values take defaults.
type BreakerConfig struct {
	// FailureThreshold is how many consecutive failures open the
	// circuit. Default 3.
	FailureThreshold int
	// SuccessThreshold is how many half-open successes close it.
	// Default 1: a single trial success closes the circuit.
	SuccessThreshold int
	// OpenDuration is the cool-down before half-open. Default 30s.
	OpenDuration time.Duration
	// HalfOpenMax is how many concurrent trial calls half-open admits.
	// Default 1.
	HalfOpenMax int
	// OnTransition, when non-nil, observes every state change. Called
	// with the breaker lock held; keep it fast.
	OnTransition func(state CircuitState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 3
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

// BreakerStats is a snapshot of breaker state for diagnostics.
type BreakerStats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	HalfOpenSuccesses   int       `json:"half_open_successes"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TotalFailures       int64     `json:"total_failures"`
	TotalSuccesses      int64     `json:"total_successes"`
}

// CircuitBreaker protects one tool backend.
//
// # Description
//
// Closed circuits pass calls through and count consecutive failures.
// Reaching the failure threshold opens the circuit; calls then fail
// fast with ErrCircuitOpen until the cool-down elapses. The first
// caller after cool-down moves the circuit to half-open and runs a
// trial; enough trial successes close the circuit, any trial failure
// reopens it.
//
// # Thread Safety
//
// Safe for concurrent use.
type CircuitBreaker struct {
	mu  sync.Mutex
	cfg BreakerConfig

	state               CircuitState
	consecutiveFailures int
	halfOpenSuccesses   int
	halfOpenInFlight    int
	openedAt            time.Time

	totalFailures  int64
	totalSuccesses int64

	// now is replaceable in tests.
	now func() time.Time
}

// NewCircuitBreaker builds a closed breaker.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{cfg: cfg.withDefaults(), now: time.Now}
}

// Allow reports whether a call may proceed.
//
// # Outputs
//
//   - bool: true when the call may run.
//   - func(): release for the half-open slot. Non-nil only when the
//     call was admitted as a half-open trial; the caller must invoke it
//     after recording the outcome.
func (b *CircuitBreaker) Allow() (bool, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitClosed:
		return true, nil
	case CircuitOpen:
		if b.now().Sub(b.openedAt) < b.cfg.OpenDuration {
			return false, nil
		}
		b.transitionTo(CircuitHalfOpen)
		fallthrough
	case CircuitHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMax {
			return false, nil
		}
		b.halfOpenInFlight++
		released := false
		return true, func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if !released {
				released = true
				b.halfOpenInFlight--
			}
		}
	}
	return false, nil
}

// RecordSuccess notes a successful call.
func (b *CircuitBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalSuccesses++
	b.consecutiveFailures = 0
	if b.state == CircuitHalfOpen {
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transitionTo(CircuitClosed)
		}
	}
}

// RecordFailure notes a failed call. Timeouts count as failures.
func (b *CircuitBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalFailures++
	b.consecutiveFailures++
	switch b.state {
	case CircuitHalfOpen:
		// A trial failure reopens immediately.
		b.transitionTo(CircuitOpen)
	case CircuitClosed:
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionTo(CircuitOpen)
		}
	}
}

// transitionTo changes state. Caller holds the lock.
func (b *CircuitBreaker) transitionTo(next CircuitState) {
	b.state = next
	switch next {
	case CircuitOpen:
		b.openedAt = b.now()
	case CircuitHalfOpen:
		b.halfOpenSuccesses = 0
		b.halfOpenInFlight = 0
	case CircuitClosed:
		b.consecutiveFailures = 0
		b.halfOpenSuccesses = 0
	}
	if b.cfg.OnTransition != nil {
		b.cfg.OnTransition(next)
	}
}

// State returns the current state, honoring cool-down expiry.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cfg.OpenDuration {
		return CircuitHalfOpen
	}
	return b.state
}

// Stats returns a snapshot.
func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		State:               b.state.String(),
		ConsecutiveFailures: b.consecutiveFailures,
		HalfOpenSuccesses:   b.halfOpenSuccesses,
		OpenedAt:            b.openedAt,
		TotalFailures:       b.totalFailures,
		TotalSuccesses:      b.totalSuccesses,
	}
}

// Reset forces the breaker closed. Diagnostics use only.
func (b *CircuitBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionTo(CircuitClosed)
}

// ErrCircuitOpenFor wraps the taxonomy sentinel with the backend name.
func ErrCircuitOpenFor(backend string) error {
	return fmt.Errorf("%w: backend %s", datatypes.ErrCircuitOpen, backend)
}
