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
	"errors"
	"strings"
	"testing"

	"github.com/weaviate/weaviate/entities/models"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

func TestDeterministicIDStable(t *testing.T) {
	a := DeterministicID("notes", "the same content")
	b := DeterministicID("notes", "the same content")
	if a != b {
		t.Errorf("same inputs must yield the same id: %q vs %q", a, b)
	}

	c := DeterministicID("other", "the same content")
	if a == c {
		t.Error("different collections must yield different ids")
	}
	d := DeterministicID("notes", "different content")
	if a == d {
		t.Error("different content must yield different ids")
	}
}

func TestClampScore(t *testing.T) {
	cases := []struct {
		in, want float64
	}{
		{-0.5, 0},
		{0, 0},
		{0.42, 0.42},
		{1, 1},
		{1.7, 1},
	}
	for _, tc := range cases {
		if got := ClampScore(tc.in); got != tc.want {
			t.Errorf("ClampScore(%v) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestClampLimit(t *testing.T) {
	if got := clampLimit(0); got != defaultSearchLimit {
		t.Errorf("zero limit should default, got %d", got)
	}
	if got := clampLimit(-3); got != defaultSearchLimit {
		t.Errorf("negative limit should default, got %d", got)
	}
	if got := clampLimit(500); got != maxSearchLimit {
		t.Errorf("excess limit should cap, got %d", got)
	}
	if got := clampLimit(7); got != 7 {
		t.Errorf("valid limit should pass through, got %d", got)
	}
}

func fakeGraphQLResponse() *models.GraphQLResponse {
	score := "1.25"
	certainty := 0.91
	return &models.GraphQLResponse{
		Data: map[string]models.JSONObject{
			"Get": map[string]any{
				"MemoryRecord": []any{
					map[string]any{
						"content":       "go is a language",
						"summary":       "about go",
						"tier":          "document",
						"collection":    "docs",
						"session_id":    "s1",
						"data_space":    "team-a",
						"source":        "manual.md",
						"quality_score": 0.8,
						"created_at":    1700000000000.0,
						"_additional": map[string]any{
							"id":        "11111111-1111-1111-1111-111111111111",
							"certainty": certainty,
							"score":     score,
						},
					},
				},
			},
		},
	}
}

func TestParseScoredRecordsVectorOrigin(t *testing.T) {
	records, err := parseScoredRecords(fakeGraphQLResponse(), "vector")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	rec := records[0]
	if rec.Score != 0.91 {
		t.Errorf("vector origin should score by certainty, got %v", rec.Score)
	}
	if rec.Record.Tier != datatypes.TierDocument {
		t.Errorf("expected document tier, got %q", rec.Record.Tier)
	}
	if rec.Record.ID != "11111111-1111-1111-1111-111111111111" {
		t.Errorf("expected id from _additional, got %q", rec.Record.ID)
	}
	if rec.Record.CreatedAt != 1700000000000 {
		t.Errorf("expected created_at carried over, got %d", rec.Record.CreatedAt)
	}
	if rec.Record.DataSpace != "team-a" {
		t.Errorf("expected data_space carried over, got %q", rec.Record.DataSpace)
	}
}

func TestBuildFilterScopesQuery(t *testing.T) {
	where := buildFilter(datatypes.SearchQuery{
		Tiers:     []datatypes.MemoryTier{datatypes.TierHistory},
		SessionID: "s1",
		DataSpace: "team-a",
	})
	if where == nil {
		t.Fatal("scoped query must produce a filter")
	}
	rendered := where.String()
	for _, field := range []string{"tier", "session_id", "data_space"} {
		if !strings.Contains(rendered, field) {
			t.Errorf("filter missing %s: %s", field, rendered)
		}
	}
}

func TestBuildFilterUnscopedQuery(t *testing.T) {
	if where := buildFilter(datatypes.SearchQuery{Text: "anything"}); where != nil {
		t.Errorf("unscoped query must not filter, got %s", where.String())
	}
}

func TestParseScoredRecordsKeywordOrigin(t *testing.T) {
	records, err := parseScoredRecords(fakeGraphQLResponse(), "keyword")
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if records[0].Score != 1.25 {
		t.Errorf("keyword origin should score by BM25 score, got %v", records[0].Score)
	}
	if records[0].Origin != "keyword" {
		t.Errorf("expected keyword origin, got %q", records[0].Origin)
	}
}

func TestParseScoredRecordsGraphQLErrors(t *testing.T) {
	resp := &models.GraphQLResponse{
		Errors: []*models.GraphQLError{{Message: "class not found"}},
	}
	_, err := parseScoredRecords(resp, "vector")
	if err == nil {
		t.Fatal("expected an error for a GraphQL error payload")
	}
	if !errors.Is(err, datatypes.ErrDegradedDependency) {
		t.Errorf("expected a degraded dependency error, got %v", err)
	}
}
