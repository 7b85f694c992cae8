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
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memorystore"
)

const (
	// turnChunkSize bounds one history chunk. Long answers split so a
	// single turn cannot dominate retrieval.
	turnChunkSize    = 1000
	turnChunkOverlap = 100

	// workingSummaryMax bounds the condensed working-memory record. The
	// working tier feeds the next prompt directly, so it stays short.
	workingSummaryMax = 400

	// citationWeight is how far one citation moves a record's quality
	// score toward 1.
	citationWeight = 0.1
)

// TurnSummary carries one completed turn into persistence.
type TurnSummary struct {
	SessionID  string
	DataSpace  string
	TurnNumber int
	Question   string
	Answer     string
}

// PersistTurnSummary writes a completed turn into the history and
// working tiers.
//
// # Description
//
// The question and answer are combined into one history record.
// Oversized content splits into overlapping chunks before upsert so
// retrieval granularity stays bounded. A condensed form additionally
// lands in the working tier, where the next turn's prefetch reads it;
// the prefetch limit caps how many working records reach the prompt,
// so older ones age out of view without deletion. Each record carries
// the session and turn provenance. Called from background learning;
// errors are returned for logging, never for user-visible failure.
func PersistTurnSummary(ctx context.Context, store memorystore.MemoryStore,
	sum TurnSummary) error {
	content := strings.TrimSpace("Q: " + sum.Question + "\nA: " + sum.Answer)
	if content == "Q: \nA:" || content == "" {
		return nil
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(turnChunkSize),
		textsplitter.WithChunkOverlap(turnChunkOverlap),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil {
		return fmt.Errorf("failed to split turn content: %w", err)
	}

	now := time.Now().UnixMilli()
	for i, chunk := range chunks {
		rec := datatypes.MemoryRecord{
			Tier:       datatypes.TierHistory,
			Collection: "conversation",
			Content:    chunk,
			SessionID:  sum.SessionID,
			TurnNumber: sum.TurnNumber,
			DataSpace:  sum.DataSpace,
			Source:     fmt.Sprintf("session:%s/turn:%d/chunk:%d", sum.SessionID, sum.TurnNumber, i),
			CreatedAt:  now,
			// Fresh turns start at a neutral quality score; outcome
			// feedback moves it later.
			QualityScore: 0.5,
		}
		if err := store.UpsertRecord(ctx, rec); err != nil {
			return fmt.Errorf("failed to persist turn chunk %d: %w", i, err)
		}
	}

	working := datatypes.MemoryRecord{
		Tier:         datatypes.TierWorking,
		Collection:   "working",
		Content:      condense(content, workingSummaryMax),
		SessionID:    sum.SessionID,
		TurnNumber:   sum.TurnNumber,
		DataSpace:    sum.DataSpace,
		Source:       fmt.Sprintf("session:%s/turn:%d", sum.SessionID, sum.TurnNumber),
		CreatedAt:    now,
		QualityScore: 0.5,
	}
	if err := store.UpsertRecord(ctx, working); err != nil {
		return fmt.Errorf("failed to persist working summary: %w", err)
	}
	return nil
}

// ReinforceCitations bumps the quality score of every record the answer
// cited. A citation is evidence the record was useful, so its score
// moves toward 1 by the citation weight. Failures log and continue; one
// bad record must not block the rest.
func ReinforceCitations(ctx context.Context, store memorystore.MemoryStore,
	cited []datatypes.ScoredRecord) {
	for _, rec := range cited {
		if rec.Record.ID == "" {
			continue
		}
		next := (1-citationWeight)*rec.Record.QualityScore + citationWeight
		if err := store.UpdateQualityScore(ctx, rec.Record.ID, next); err != nil {
			slog.Warn("failed to reinforce cited record",
				"record_id", rec.Record.ID, "error", err)
		}
	}
}

// condense cuts text to at most max bytes on a rune boundary.
func condense(text string, max int) string {
	if len(text) <= max {
		return text
	}
	for max > 0 && !utf8.RuneStart(text[max]) {
		max--
	}
	return strings.TrimRight(text[:max], " \t\n")
}
