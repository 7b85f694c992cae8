// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package memorystore provides tiered memory access on top of Weaviate.
//
// All tiers share one Weaviate class; tier routing happens through
// filterable properties. Search failures surface as wrapped
// DegradedDependency errors so callers degrade instead of crashing.
package memorystore

import (
	"context"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Embedder converts text into a vector via the embedding service.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DatatypesEmbedder embeds through the external embedding service
// configured by EMBEDDING_SERVICE_URL.
type DatatypesEmbedder struct{}

func (DatatypesEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	var resp datatypes.EmbeddingResponse
	if err := resp.GetWithContext(ctx, text); err != nil {
		return nil, err
	}
	return resp.Vector, nil
}

// MemoryStore is the uniform access surface over the memory tiers.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use; one store instance
// serves every in-flight turn.
type MemoryStore interface {
	// VectorSearch embeds the query text and runs a nearVector search.
	// Results are ordered by certainty descending.
	VectorSearch(ctx context.Context, q datatypes.SearchQuery) ([]datatypes.ScoredRecord, error)

	// KeywordSearch runs a BM25 search over content and summary.
	// Results are ordered by score descending.
	KeywordSearch(ctx context.Context, q datatypes.SearchQuery) ([]datatypes.ScoredRecord, error)

	// RecentRecords returns the newest records in a tier for a session,
	// ordered by created_at descending.
	RecentRecords(ctx context.Context, tier datatypes.MemoryTier, sessionID string,
		limit int) ([]datatypes.MemoryRecord, error)

	// UpsertRecord writes a record with a deterministic ID so repeated
	// upserts of the same content dedupe.
	UpsertRecord(ctx context.Context, rec datatypes.MemoryRecord) error

	// UpdateQualityScore merge-patches the quality score of a record.
	// Scores clamp to [0,1].
	UpdateQualityScore(ctx context.Context, id string, score float64) error

	// Healthy reports whether the backing store answers a liveness probe.
	Healthy(ctx context.Context) bool
}
