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
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// statsKey is the badger key holding the serialized stats snapshot.
const statsKey = "tracker/effectiveness"

// StatKey identifies one effectiveness bucket.
type StatKey struct {
	ContextType string `json:"context_type"`
	ActionType  string `json:"action_type"`
	Collection  string `json:"collection"`
}

func (k StatKey) String() string {
	return k.ContextType + "|" + k.ActionType + "|" + k.Collection
}

// ActionEffectivenessStat is the per-bucket outcome record. WilsonLow
// is recomputed on every write so reads never see a stale bound.
type ActionEffectivenessStat struct {
	Key       StatKey `json:"key"`
	Successes int64   `json:"successes"`
	Failures  int64   `json:"failures"`
	WilsonLow float64 `json:"wilson_low"`
	UpdatedAt int64   `json:"updated_at"`
}

// Attempts returns the total number of recorded outcomes.
func (s ActionEffectivenessStat) Attempts() int64 {
	return s.Successes + s.Failures
}

// numStripes is the per-key lock stripe count. Power of two.
const numStripes = 64

// Tracker records action outcomes and serves effectiveness stats.
//
// # Thread Safety
//
// Safe for concurrent use. Updates to one key serialize on a lock
// stripe; reads copy the committed stat under a read lock, so a reader
// never observes a half-applied update.
type Tracker struct {
	mu      sync.RWMutex
	stats   map[StatKey]*ActionEffectivenessStat
	stripes [numStripes]sync.Mutex

	db *badger.DB

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewTracker builds a tracker. The database is optional; with nil the
// tracker runs memory-only. With a database, a previously persisted
// snapshot is loaded and a background loop snapshots every interval.
func NewTracker(db *badger.DB, snapshotInterval time.Duration) *Tracker {
	t := &Tracker{
		stats:  make(map[StatKey]*ActionEffectivenessStat),
		db:     db,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	if db != nil {
		if err := t.load(); err != nil {
			slog.Warn("could not load persisted effectiveness stats, starting empty",
				"error", err)
		}
		if snapshotInterval <= 0 {
			snapshotInterval = 30 * time.Second
		}
		go t.snapshotLoop(snapshotInterval)
	} else {
		close(t.doneCh)
	}
	return t
}

func (t *Tracker) stripeFor(key StatKey) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key.String()))
	return &t.stripes[h.Sum32()%numStripes]
}

// RecordOutcome applies one outcome to a key's stat.
//
// # Description
//
// Updates serialize per key: concurrent outcomes for the same key apply
// one at a time, and the Wilson bound is recomputed inside the same
// critical section so GetActionEffectiveness never returns a stale
// bound relative to the counts.
func (t *Tracker) RecordOutcome(ctx context.Context, key StatKey, success bool) {
	if ctx.Err() != nil {
		return
	}

	stripe := t.stripeFor(key)
	stripe.Lock()
	defer stripe.Unlock()

	t.mu.Lock()
	stat, ok := t.stats[key]
	if !ok {
		stat = &ActionEffectivenessStat{Key: key}
		t.stats[key] = stat
	}
	if success {
		stat.Successes++
	} else {
		stat.Failures++
	}
	stat.WilsonLow = WilsonLowerBound(stat.Successes, stat.Attempts())
	stat.UpdatedAt = time.Now().UnixMilli()
	t.mu.Unlock()
}

// GetActionEffectiveness returns a copy of the stat for key.
func (t *Tracker) GetActionEffectiveness(key StatKey) (ActionEffectivenessStat, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	stat, ok := t.stats[key]
	if !ok {
		return ActionEffectivenessStat{Key: key}, false
	}
	return *stat, true
}

// Snapshot returns copies of every stat, ordered by key for stable
// output.
func (t *Tracker) Snapshot() []ActionEffectivenessStat {
	t.mu.RLock()
	out := make([]ActionEffectivenessStat, 0, len(t.stats))
	for _, stat := range t.stats {
		out = append(out, *stat)
	}
	t.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key.String() < out[j].Key.String()
	})
	return out
}

// Reset clears all stats. The next snapshot persists the empty state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.stats = make(map[StatKey]*ActionEffectivenessStat)
	t.mu.Unlock()
}

// Flush persists the current stats to badger. No-op without a
// database.
func (t *Tracker) Flush() error {
	if t.db == nil {
		return nil
	}
	snapshot := t.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal effectiveness stats: %w", err)
	}
	err = t.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(statsKey), payload)
	})
	if err != nil {
		return fmt.Errorf("persist effectiveness stats: %w", err)
	}
	return nil
}

// Close stops the snapshot loop and flushes once more. Safe to call
// multiple times.
func (t *Tracker) Close() error {
	var err error
	t.stopOnce.Do(func() {
		close(t.stopCh)
		<-t.doneCh
		err = t.Flush()
	})
	return err
}

func (t *Tracker) load() error {
	return t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(statsKey))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var snapshot []ActionEffectivenessStat
			if err := json.Unmarshal(val, &snapshot); err != nil {
				return fmt.Errorf("decode effectiveness stats: %w", err)
			}
			t.mu.Lock()
			for i := range snapshot {
				stat := snapshot[i]
				t.stats[stat.Key] = &stat
			}
			t.mu.Unlock()
			return nil
		})
	})
}

func (t *Tracker) snapshotLoop(interval time.Duration) {
	defer close(t.doneCh)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			if err := t.Flush(); err != nil {
				slog.Warn("effectiveness stat snapshot failed", "error", err)
			}
		}
	}
}
