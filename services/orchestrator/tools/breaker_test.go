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
	"testing"
	"time"
)

// newTestBreaker returns a breaker with a controllable clock.
func newTestBreaker(cfg BreakerConfig) (*CircuitBreaker, *time.Time) {
	b := NewCircuitBreaker(cfg)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})

	for i := 0; i < 2; i++ {
		b.RecordFailure()
		if b.State() != CircuitClosed {
			t.Fatalf("breaker opened early after %d failures", i+1)
		}
	}
	b.RecordFailure()
	if b.State() != CircuitOpen {
		t.Fatal("breaker must open at the failure threshold")
	}
}

func TestBreakerFailsFastWhileOpen(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1, OpenDuration: time.Minute})
	b.RecordFailure()

	allowed, _ := b.Allow()
	if allowed {
		t.Fatal("open breaker must reject calls")
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 3})
	b.RecordFailure()
	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	if b.State() != CircuitClosed {
		t.Fatal("non-consecutive failures must not open the breaker")
	}
}

func TestBreakerHalfOpenSingleTrial(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     30 * time.Second,
		HalfOpenMax:      1,
	})
	b.RecordFailure()

	// Still cooling down.
	if allowed, _ := b.Allow(); allowed {
		t.Fatal("breaker must reject during cool-down")
	}

	*now = now.Add(31 * time.Second)
	allowed, release := b.Allow()
	if !allowed {
		t.Fatal("breaker must admit one trial after cool-down")
	}
	if release == nil {
		t.Fatal("half-open admission must return a release")
	}

	// A second concurrent trial is rejected.
	if second, _ := b.Allow(); second {
		t.Fatal("half-open must admit only one concurrent trial")
	}
	release()
}

func TestBreakerHalfOpenSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		SuccessThreshold: 2,
		OpenDuration:     time.Second,
	})
	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	for i := 0; i < 2; i++ {
		allowed, release := b.Allow()
		if !allowed {
			t.Fatalf("trial %d rejected", i+1)
		}
		b.RecordSuccess()
		release()
	}
	if b.State() != CircuitClosed {
		t.Fatal("enough trial successes must close the breaker")
	}
}

func TestBreakerSingleSuccessClosesByDefault(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     time.Second,
	})
	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	allowed, release := b.Allow()
	if !allowed {
		t.Fatal("trial should be admitted")
	}
	b.RecordSuccess()
	release()
	if b.State() != CircuitClosed {
		t.Fatal("one trial success must close the breaker by default")
	}
}

func TestBreakerTransitionCallback(t *testing.T) {
	var states []CircuitState
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     time.Second,
		OnTransition:     func(s CircuitState) { states = append(states, s) },
	})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	allowed, release := b.Allow()
	if !allowed {
		t.Fatal("trial should be admitted")
	}
	b.RecordSuccess()
	release()

	want := []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}
	if len(states) != len(want) {
		t.Fatalf("transitions = %v, want %v", states, want)
	}
	for i, s := range want {
		if states[i] != s {
			t.Fatalf("transition %d = %v, want %v", i, states[i], s)
		}
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b, now := newTestBreaker(BreakerConfig{
		FailureThreshold: 1,
		OpenDuration:     time.Second,
	})
	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	allowed, release := b.Allow()
	if !allowed {
		t.Fatal("trial should be admitted")
	}
	b.RecordFailure()
	release()

	if allowed, _ := b.Allow(); allowed {
		t.Fatal("trial failure must reopen the breaker")
	}
}

func TestBreakerReset(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 1})
	b.RecordFailure()
	b.Reset()
	if b.State() != CircuitClosed {
		t.Fatal("reset must close the breaker")
	}
	if allowed, _ := b.Allow(); !allowed {
		t.Fatal("reset breaker must allow calls")
	}
}

func TestBreakerStats(t *testing.T) {
	b, _ := newTestBreaker(BreakerConfig{FailureThreshold: 2})
	b.RecordSuccess()
	b.RecordFailure()
	stats := b.Stats()
	if stats.TotalSuccesses != 1 || stats.TotalFailures != 1 {
		t.Errorf("unexpected totals: %+v", stats)
	}
	if stats.State != "closed" {
		t.Errorf("expected closed state, got %q", stats.State)
	}
}
