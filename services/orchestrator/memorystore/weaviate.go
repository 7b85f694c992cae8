// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package memorystore

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.ai/memorystore")

// memoryNamespace seeds deterministic record IDs. Changing it orphans
// every previously written record.
var memoryNamespace = uuid.MustParse("7f1c3c2e-8f4a-4b4e-9a6d-2f0f5b1a9c41")

const (
	defaultSearchLimit = 10
	maxSearchLimit     = 50
	// minCertainty filters out barely related vector hits.
	minCertainty = 0.6
)

// WeaviateMemoryStore implements MemoryStore on a Weaviate backend.
type WeaviateMemoryStore struct {
	client   *weaviate.Client
	embedder Embedder
}

// NewWeaviateMemoryStore builds a store. The client and embedder are
// required; construction fails rather than deferring the nil check to
// the first search.
func NewWeaviateMemoryStore(client *weaviate.Client, embedder Embedder) (*WeaviateMemoryStore, error) {
	if client == nil {
		return nil, fmt.Errorf("weaviate client is required")
	}
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	return &WeaviateMemoryStore{client: client, embedder: embedder}, nil
}

// DeterministicID derives the upsert ID for a record from its
// collection and content so re-ingesting the same content dedupes.
func DeterministicID(collection, content string) string {
	return uuid.NewSHA1(memoryNamespace, []byte(collection+"\x00"+content)).String()
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultSearchLimit
	}
	if limit > maxSearchLimit {
		return maxSearchLimit
	}
	return limit
}

// buildFilter combines tier, session, and data space constraints into
// one And-filter. Returns nil when the query has no constraints.
func buildFilter(q datatypes.SearchQuery) *filters.WhereBuilder {
	var operands []*filters.WhereBuilder

	if len(q.Tiers) == 1 {
		operands = append(operands, filters.Where().
			WithPath([]string{"tier"}).
			WithOperator(filters.Equal).
			WithValueText(string(q.Tiers[0])))
	} else if len(q.Tiers) > 1 {
		var tierOps []*filters.WhereBuilder
		for _, tier := range q.Tiers {
			tierOps = append(tierOps, filters.Where().
				WithPath([]string{"tier"}).
				WithOperator(filters.Equal).
				WithValueText(string(tier)))
		}
		operands = append(operands, filters.Where().
			WithOperator(filters.Or).
			WithOperands(tierOps))
	}

	if q.SessionID != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"session_id"}).
			WithOperator(filters.Equal).
			WithValueText(q.SessionID))
	}

	if q.DataSpace != "" {
		operands = append(operands, filters.Where().
			WithPath([]string{"data_space"}).
			WithOperator(filters.Equal).
			WithValueText(q.DataSpace))
	}

	switch len(operands) {
	case 0:
		return nil
	case 1:
		return operands[0]
	default:
		return filters.Where().
			WithOperator(filters.And).
			WithOperands(operands)
	}
}

func memoryFields() []graphql.Field {
	return []graphql.Field{
		{Name: "content"},
		{Name: "summary"},
		{Name: "tier"},
		{Name: "collection"},
		{Name: "session_id"},
		{Name: "turn_number"},
		{Name: "data_space"},
		{Name: "source"},
		{Name: "quality_score"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "score"},
		}},
	}
}

// VectorSearch implements MemoryStore.
//
// # Description
//
// Embeds the query text through the embedding service, then runs a
// nearVector search constrained by tier and session filters. An empty
// query short-circuits to an empty result. Backend failures come back
// wrapped in ErrDegradedDependency.
func (s *WeaviateMemoryStore) VectorSearch(ctx context.Context,
	q datatypes.SearchQuery) ([]datatypes.ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "memorystore.VectorSearch")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	vector, err := s.embedder.Embed(ctx, q.Text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding failed")
		return nil, fmt.Errorf("%w: embedding service: %v", datatypes.ErrDegradedDependency, err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithCertainty(minCertainty)

	query := s.client.GraphQL().Get().
		WithClassName(datatypes.MemoryClassName).
		WithFields(memoryFields()...).
		WithNearVector(nearVector).
		WithLimit(clampLimit(q.Limit))
	if where := buildFilter(q); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "vector search failed")
		return nil, fmt.Errorf("%w: vector search: %v", datatypes.ErrDegradedDependency, err)
	}

	records, err := parseScoredRecords(result, "vector")
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(records)))
	return records, nil
}

// KeywordSearch implements MemoryStore using BM25 over content and
// summary.
func (s *WeaviateMemoryStore) KeywordSearch(ctx context.Context,
	q datatypes.SearchQuery) ([]datatypes.ScoredRecord, error) {
	ctx, span := tracer.Start(ctx, "memorystore.KeywordSearch")
	defer span.End()

	if strings.TrimSpace(q.Text) == "" {
		return nil, nil
	}

	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(q.Text).
		WithProperties("content", "summary")

	query := s.client.GraphQL().Get().
		WithClassName(datatypes.MemoryClassName).
		WithFields(memoryFields()...).
		WithBM25(bm25).
		WithLimit(clampLimit(q.Limit))
	if where := buildFilter(q); where != nil {
		query = query.WithWhere(where)
	}

	result, err := query.Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "keyword search failed")
		return nil, fmt.Errorf("%w: keyword search: %v", datatypes.ErrDegradedDependency, err)
	}

	records, err := parseScoredRecords(result, "keyword")
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("results", len(records)))
	return records, nil
}

// RecentRecords implements MemoryStore.
func (s *WeaviateMemoryStore) RecentRecords(ctx context.Context, tier datatypes.MemoryTier,
	sessionID string, limit int) ([]datatypes.MemoryRecord, error) {
	ctx, span := tracer.Start(ctx, "memorystore.RecentRecords")
	defer span.End()

	if !datatypes.ValidTier(tier) {
		return nil, fmt.Errorf("unknown memory tier %q", tier)
	}

	where := buildFilter(datatypes.SearchQuery{
		Tiers:     []datatypes.MemoryTier{tier},
		SessionID: sessionID,
	})
	sortBy := graphql.Sort{
		Path:  []string{"created_at"},
		Order: graphql.Desc,
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(datatypes.MemoryClassName).
		WithFields(memoryFields()...).
		WithWhere(where).
		WithSort(sortBy).
		WithLimit(clampLimit(limit)).
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "recent records query failed")
		return nil, fmt.Errorf("%w: recent records: %v", datatypes.ErrDegradedDependency, err)
	}

	scored, err := parseScoredRecords(result, "")
	if err != nil {
		return nil, err
	}
	records := make([]datatypes.MemoryRecord, 0, len(scored))
	for _, s := range scored {
		records = append(records, s.Record)
	}
	return records, nil
}

// UpsertRecord implements MemoryStore.
//
// The record ID derives from (collection, content) so a second upsert of
// identical content lands on the same object and merge-updates it
// instead of duplicating.
func (s *WeaviateMemoryStore) UpsertRecord(ctx context.Context,
	rec datatypes.MemoryRecord) error {
	ctx, span := tracer.Start(ctx, "memorystore.UpsertRecord")
	defer span.End()

	if !datatypes.ValidTier(rec.Tier) {
		return fmt.Errorf("unknown memory tier %q", rec.Tier)
	}
	if strings.TrimSpace(rec.Content) == "" {
		return fmt.Errorf("record content is required")
	}

	id := rec.ID
	if id == "" {
		id = DeterministicID(rec.Collection, rec.Content)
	}
	if rec.CreatedAt == 0 {
		rec.CreatedAt = time.Now().UnixMilli()
	}

	vector, err := s.embedder.Embed(ctx, rec.Content)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: embedding service: %v", datatypes.ErrDegradedDependency, err)
	}

	props := map[string]any{
		"content":       rec.Content,
		"summary":       rec.Summary,
		"tier":          string(rec.Tier),
		"collection":    rec.Collection,
		"session_id":    rec.SessionID,
		"turn_number":   rec.TurnNumber,
		"data_space":    rec.DataSpace,
		"source":        rec.Source,
		"quality_score": rec.QualityScore,
		"created_at":    rec.CreatedAt,
	}

	_, err = s.client.Data().Creator().
		WithClassName(datatypes.MemoryClassName).
		WithID(id).
		WithProperties(props).
		WithVector(vector).
		Do(ctx)
	if err == nil {
		return nil
	}

	// Creation conflicts mean the object already exists; merge instead.
	if strings.Contains(err.Error(), "already exists") ||
		strings.Contains(err.Error(), "422") {
		mergeErr := s.client.Data().Updater().
			WithClassName(datatypes.MemoryClassName).
			WithID(id).
			WithProperties(props).
			WithMerge().
			Do(ctx)
		if mergeErr != nil {
			span.RecordError(mergeErr)
			return fmt.Errorf("%w: upsert merge: %v", datatypes.ErrDegradedDependency, mergeErr)
		}
		return nil
	}

	span.RecordError(err)
	return fmt.Errorf("%w: upsert create: %v", datatypes.ErrDegradedDependency, err)
}

// UpdateQualityScore implements MemoryStore.
func (s *WeaviateMemoryStore) UpdateQualityScore(ctx context.Context, id string,
	score float64) error {
	ctx, span := tracer.Start(ctx, "memorystore.UpdateQualityScore")
	defer span.End()

	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid record id %q: %w", id, err)
	}
	score = ClampScore(score)

	err := s.client.Data().Updater().
		WithClassName(datatypes.MemoryClassName).
		WithID(id).
		WithProperties(map[string]any{"quality_score": score}).
		WithMerge().
		Do(ctx)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: quality score update: %v", datatypes.ErrDegradedDependency, err)
	}
	return nil
}

// Healthy implements MemoryStore.
func (s *WeaviateMemoryStore) Healthy(ctx context.Context) bool {
	ready, err := s.client.Misc().ReadyChecker().Do(ctx)
	if err != nil {
		slog.Warn("Weaviate readiness probe failed", "error", err)
		return false
	}
	return ready
}

// ClampScore bounds a quality score to [0,1].
func ClampScore(score float64) float64 {
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// parseScoredRecords converts a raw GraphQL response into scored
// records. Vector hits score by certainty; keyword hits by the BM25
// score string Weaviate returns.
func parseScoredRecords(result *models.GraphQLResponse, origin string) ([]datatypes.ScoredRecord, error) {
	if len(result.Errors) > 0 {
		msgs := make([]string, 0, len(result.Errors))
		for _, e := range result.Errors {
			msgs = append(msgs, e.Message)
		}
		return nil, fmt.Errorf("%w: graphql errors: %s", datatypes.ErrDegradedDependency,
			strings.Join(msgs, "; "))
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.MemoryQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse memory query response: %w", err)
	}

	records := make([]datatypes.ScoredRecord, 0, len(parsed.Get.MemoryRecord))
	for i := range parsed.Get.MemoryRecord {
		hit := &parsed.Get.MemoryRecord[i]
		score := 0.0
		switch origin {
		case "vector":
			if hit.Additional.Certainty != nil {
				score = *hit.Additional.Certainty
			}
		case "keyword":
			if hit.Additional.Score != nil {
				if parsedScore, err := strconv.ParseFloat(*hit.Additional.Score, 64); err == nil {
					score = parsedScore
				}
			}
		}
		records = append(records, datatypes.ScoredRecord{
			Record: hit.ToRecord(),
			Score:  score,
			Origin: origin,
		})
	}
	return records, nil
}
