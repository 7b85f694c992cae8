// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package learning

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/storage/badgerstore"
)

func testKey() StatKey {
	return StatKey{ContextType: "question", ActionType: "web_search", Collection: "external"}
}

func TestWilsonLowerBoundZeroData(t *testing.T) {
	if got := WilsonLowerBound(0, 0); got != 0 {
		t.Errorf("no data must score 0, got %v", got)
	}
}

func TestWilsonLowerBoundBounded(t *testing.T) {
	cases := []struct{ s, n int64 }{
		{0, 1}, {1, 1}, {5, 10}, {100, 100}, {0, 100}, {99, 100},
	}
	for _, tc := range cases {
		got := WilsonLowerBound(tc.s, tc.n)
		if got < 0 || got > 1 {
			t.Errorf("WilsonLowerBound(%d,%d) = %v, out of [0,1]", tc.s, tc.n, got)
		}
	}
}

func TestWilsonLowerBoundMonotoneInSuccesses(t *testing.T) {
	prev := -1.0
	for s := int64(0); s <= 50; s++ {
		got := WilsonLowerBound(s, 50)
		if got < prev {
			t.Fatalf("bound decreased at successes=%d: %v < %v", s, got, prev)
		}
		prev = got
	}
}

func TestWilsonLowerBoundPenalizesSmallSamples(t *testing.T) {
	small := WilsonLowerBound(1, 1)
	large := WilsonLowerBound(90, 100)
	if small >= large {
		t.Errorf("1/1 (%v) should score below 90/100 (%v)", small, large)
	}
	if small > 0.5 {
		t.Errorf("a single success should stay well below 1.0, got %v", small)
	}
}

func TestRecordOutcomeNeverStale(t *testing.T) {
	tr := NewTracker(nil, 0)
	ctx := context.Background()

	tr.RecordOutcome(ctx, testKey(), true)
	stat, ok := tr.GetActionEffectiveness(testKey())
	if !ok {
		t.Fatal("expected stat after first outcome")
	}
	if stat.Successes != 1 || stat.Failures != 0 {
		t.Errorf("unexpected counts: %+v", stat)
	}
	if stat.WilsonLow != WilsonLowerBound(1, 1) {
		t.Errorf("wilson bound must match counts immediately: %v", stat.WilsonLow)
	}

	tr.RecordOutcome(ctx, testKey(), false)
	stat, _ = tr.GetActionEffectiveness(testKey())
	if stat.WilsonLow != WilsonLowerBound(1, 2) {
		t.Errorf("wilson bound stale after update: %v", stat.WilsonLow)
	}
}

func TestRecordOutcomeConcurrent(t *testing.T) {
	tr := NewTracker(nil, 0)
	ctx := context.Background()

	const workers = 8
	const perWorker = 50
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				tr.RecordOutcome(ctx, testKey(), success)
			}
		}(w%2 == 0)
	}
	wg.Wait()

	stat, _ := tr.GetActionEffectiveness(testKey())
	if stat.Attempts() != workers*perWorker {
		t.Errorf("lost updates: attempts = %d, want %d", stat.Attempts(), workers*perWorker)
	}
	if stat.WilsonLow != WilsonLowerBound(stat.Successes, stat.Attempts()) {
		t.Errorf("wilson bound inconsistent with counts after concurrency")
	}
}

func TestTrackerSnapshotOrdering(t *testing.T) {
	tr := NewTracker(nil, 0)
	ctx := context.Background()
	tr.RecordOutcome(ctx, StatKey{ContextType: "b"}, true)
	tr.RecordOutcome(ctx, StatKey{ContextType: "a"}, true)

	snap := tr.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 stats, got %d", len(snap))
	}
	if snap[0].Key.ContextType != "a" {
		t.Errorf("snapshot must be key-ordered, got %v first", snap[0].Key)
	}
}

func TestTrackerPersistRoundTrip(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	if err != nil {
		t.Fatalf("open badger: %v", err)
	}
	defer db.Close()

	tr := NewTracker(db, time.Hour)
	ctx := context.Background()
	tr.RecordOutcome(ctx, testKey(), true)
	tr.RecordOutcome(ctx, testKey(), true)
	tr.RecordOutcome(ctx, testKey(), false)
	if err := tr.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reloaded := NewTracker(db, time.Hour)
	defer reloaded.Close()
	stat, ok := reloaded.GetActionEffectiveness(testKey())
	if !ok {
		t.Fatal("expected persisted stat after reload")
	}
	if stat.Successes != 2 || stat.Failures != 1 {
		t.Errorf("unexpected persisted counts: %+v", stat)
	}
	if stat.WilsonLow != WilsonLowerBound(2, 3) {
		t.Errorf("persisted wilson bound wrong: %v", stat.WilsonLow)
	}
}

func TestTrackerReset(t *testing.T) {
	tr := NewTracker(nil, 0)
	tr.RecordOutcome(context.Background(), testKey(), true)
	tr.Reset()
	if _, ok := tr.GetActionEffectiveness(testKey()); ok {
		t.Error("expected no stats after reset")
	}
}
