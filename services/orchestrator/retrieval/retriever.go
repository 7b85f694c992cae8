// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memorystore"
)

var tracer = otel.Tracer("aleutian.ai/retrieval")

// Config tunes the hybrid retriever. Zero values take defaults.
type Config struct {
	// TotalBudget is the hard wall for one retrieval. Default 15s.
	TotalBudget time.Duration
	// SearchBudget bounds the concurrent search fan-out. Default 10s.
	SearchBudget time.Duration
	// RerankBudget bounds the rerank stage. Default 4s.
	RerankBudget time.Duration
	// TopN is how many fused candidates go to the reranker. Default 20.
	TopN int
	// SourceLimit is the per-source result cap. Default 20.
	SourceLimit int
}

func (c Config) withDefaults() Config {
	if c.TotalBudget <= 0 {
		c.TotalBudget = 15 * time.Second
	}
	if c.SearchBudget <= 0 {
		c.SearchBudget = 10 * time.Second
	}
	if c.RerankBudget <= 0 {
		c.RerankBudget = 4 * time.Second
	}
	if c.TopN <= 0 {
		c.TopN = 20
	}
	if c.SourceLimit <= 0 {
		c.SourceLimit = 20
	}
	return c
}

// Result is the outcome of one hybrid retrieval.
type Result struct {
	Records      []datatypes.ScoredRecord `json:"records"`
	Degraded     bool                     `json:"degraded"`
	RerankerUsed bool                     `json:"reranker_used"`
	SourcesUsed  []string                 `json:"sources_used"`
	Confidence   float64                  `json:"confidence"`
	SearchTime   time.Duration            `json:"-"`
	RerankTime   time.Duration            `json:"-"`
}

// HybridRetriever fans out to vector and keyword search, fuses the
// rankings, and reranks the head with a cross-encoder.
type HybridRetriever struct {
	store    memorystore.MemoryStore
	reranker Reranker
	cfg      Config
}

// NewHybridRetriever builds a retriever. The store is required; a nil
// reranker disables the rerank stage.
func NewHybridRetriever(store memorystore.MemoryStore, reranker Reranker,
	cfg Config) (*HybridRetriever, error) {
	if store == nil {
		return nil, fmt.Errorf("memory store is required")
	}
	return &HybridRetriever{store: store, reranker: reranker, cfg: cfg.withDefaults()}, nil
}

// Retrieve runs one hybrid retrieval.
//
// # Description
//
// Vector and keyword search run concurrently under the search budget.
// One source failing degrades to the other; both failing yields an
// empty, degraded result with a nil error. The fused head goes to the
// reranker under its own budget; reranker loss falls back to the fused
// order. The caller never sees an error for dependency loss, only the
// Degraded flag.
//
// # Inputs
//
//   - ctx: Caller context. The total budget is layered on top.
//   - q: Search query. Empty text yields an empty, non-degraded result.
//
// # Outputs
//
//   - *Result: Always non-nil.
//   - error: Only on internal faults, never on dependency loss.
func (r *HybridRetriever) Retrieve(ctx context.Context, q datatypes.SearchQuery) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retrieval.Retrieve")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.TotalBudget)
	defer cancel()

	if q.Text == "" {
		return &Result{}, nil
	}
	if q.Limit <= 0 {
		q.Limit = r.cfg.SourceLimit
	}

	searchStart := time.Now()
	searchCtx, searchCancel := context.WithTimeout(ctx, r.cfg.SearchBudget)
	defer searchCancel()

	var vectorHits, keywordHits []datatypes.ScoredRecord
	var vectorErr, keywordErr error

	g, gctx := errgroup.WithContext(searchCtx)
	g.Go(func() error {
		vectorHits, vectorErr = r.store.VectorSearch(gctx, q)
		return nil
	})
	g.Go(func() error {
		keywordHits, keywordErr = r.store.KeywordSearch(gctx, q)
		return nil
	})
	_ = g.Wait()
	searchTime := time.Since(searchStart)

	result := &Result{SearchTime: searchTime}
	if vectorErr == nil {
		result.SourcesUsed = append(result.SourcesUsed, "vector")
	} else {
		slog.Warn("vector search degraded", "error", vectorErr)
		result.Degraded = true
	}
	if keywordErr == nil {
		result.SourcesUsed = append(result.SourcesUsed, "keyword")
	} else {
		slog.Warn("keyword search degraded", "error", keywordErr)
		result.Degraded = true
	}
	if vectorErr != nil && keywordErr != nil {
		span.SetAttributes(attribute.Bool("degraded", true))
		return result, nil
	}

	fusedList := FuseRRF(vectorHits, keywordHits)
	result.Confidence = FusedConfidence(fusedList)
	result.Records = fusedList

	if r.reranker != nil && len(fusedList) > 0 {
		rerankStart := time.Now()
		rerankCtx, rerankCancel := context.WithTimeout(ctx, r.cfg.RerankBudget)
		reranked, err := r.reranker.Rerank(rerankCtx, q.Text, fusedList, r.cfg.TopN)
		rerankCancel()
		result.RerankTime = time.Since(rerankStart)
		if err != nil {
			// Fused order stands when the reranker is down.
			slog.Warn("reranker unavailable, using fused order", "error", err)
		} else {
			result.Records = reranked
			result.RerankerUsed = true
		}
	}

	// Callers get at most the requested limit; fusion and reranking see
	// the full candidate set, the tail stops here.
	if len(result.Records) > q.Limit {
		result.Records = result.Records[:q.Limit]
	}

	span.SetAttributes(
		attribute.Int("results", len(result.Records)),
		attribute.Bool("degraded", result.Degraded),
		attribute.Bool("reranker_used", result.RerankerUsed),
		attribute.Float64("confidence", result.Confidence),
	)
	return result, nil
}
