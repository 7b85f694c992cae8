// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides shared data structures for the recall
// orchestrator: memory records, chat requests, the error taxonomy, and
// the Weaviate schema bootstrap.
package datatypes

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"time"
)

// MemoryTier identifies which memory tier a record belongs to. The tier
// doubles as the routing key for search filters.
type MemoryTier string

const (
	// TierWorking holds scratch state for the active session.
	TierWorking MemoryTier = "working"
	// TierHistory holds summarized past conversation turns.
	TierHistory MemoryTier = "history"
	// TierPattern holds distilled behavioral patterns and learned notes.
	TierPattern MemoryTier = "pattern"
	// TierDocument holds ingested reference material.
	TierDocument MemoryTier = "document"
	// TierExternal holds results fetched from outside tools.
	TierExternal MemoryTier = "external"
)

// ValidTier reports whether t names a known memory tier.
func ValidTier(t MemoryTier) bool {
	switch t {
	case TierWorking, TierHistory, TierPattern, TierDocument, TierExternal:
		return true
	}
	return false
}

// MemoryRecord is the unit of storage across every memory tier.
//
// # Fields
//
//   - ID: UUID. Deterministic for upserts (derived from collection +
//     content hash) so re-ingesting the same content dedupes.
//   - Tier: which memory tier this record lives in.
//   - Collection: logical sub-collection within the tier.
//   - Content: the full text payload.
//   - Summary: optional condensed form used for prompt assembly.
//   - Metadata: free-form string pairs (source attribution, tags).
//   - QualityScore: 0..1 usefulness score, adjusted by outcome feedback.
//   - CreatedAt / LastAccessed: Unix milliseconds UTC.
//   - SessionID / TurnNumber: conversation provenance, empty for
//     session-independent tiers.
//   - DataSpace: logical data space for memory segmentation.
//   - Source: original origin (file path, URL, tool name).
type MemoryRecord struct {
	ID           string            `json:"id"`
	Tier         MemoryTier        `json:"tier"`
	Collection   string            `json:"collection"`
	Content      string            `json:"content"`
	Summary      string            `json:"summary,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	QualityScore float64           `json:"quality_score"`
	CreatedAt    int64             `json:"created_at"`
	LastAccessed int64             `json:"last_accessed,omitempty"`
	SessionID    string            `json:"session_id,omitempty"`
	TurnNumber   int               `json:"turn_number,omitempty"`
	DataSpace    string            `json:"data_space,omitempty"`
	Source       string            `json:"source,omitempty"`
}

// ScoredRecord pairs a record with the score assigned by one retrieval
// source. Origin is "vector" or "keyword".
type ScoredRecord struct {
	Record MemoryRecord `json:"record"`
	Score  float64      `json:"score"`
	Origin string       `json:"origin,omitempty"`
}

// SearchQuery describes one search against the memory store. An empty
// DataSpace searches across data spaces.
type SearchQuery struct {
	Text      string       `json:"text"`
	Tiers     []MemoryTier `json:"tiers,omitempty"`
	SessionID string       `json:"session_id,omitempty"`
	DataSpace string       `json:"data_space,omitempty"`
	Limit     int          `json:"limit,omitempty"`
}

// SourceInfo describes one cited source in a completed answer.
type SourceInfo struct {
	Source string  `json:"source"`
	Tier   string  `json:"tier,omitempty"`
	Score  float64 `json:"score,omitempty"`
}

// =============================================================================
// Embedding service client
// =============================================================================

type EmbeddingRequest struct {
	Text string `json:"text"`
}

type EmbeddingResponse struct {
	Id        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

var embeddingHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
}

// GetWithContext populates e by calling the external embedding service.
//
// # Description
//
// POSTs the text to EMBEDDING_SERVICE_URL and decodes the vector
// response into the receiver. The caller's context bounds the request.
//
// # Inputs
//
//   - ctx: Context for cancellation and timeout.
//   - text: Text to embed. Must be non-empty.
//
// # Outputs
//
//   - error: Non-nil when the service is unreachable, returns a non-200,
//     or the body fails to parse.
func (e *EmbeddingResponse) GetWithContext(ctx context.Context, text string) error {
	embeddingServiceURL := os.Getenv("EMBEDDING_SERVICE_URL")
	if embeddingServiceURL == "" {
		return fmt.Errorf("EMBEDDING_SERVICE_URL is not set")
	}
	reqBody, err := json.Marshal(EmbeddingRequest{Text: text})
	if err != nil {
		return fmt.Errorf("failed to marshal the embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, embeddingServiceURL,
		bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to setup the embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := embeddingHTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach the embedding service: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("failed to close the embedding response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("the embedding service returned %d: %s", resp.StatusCode,
			string(bodyBytes))
	}
	if err := json.Unmarshal(bodyBytes, e); err != nil {
		return fmt.Errorf("failed to parse the embedding response: %w", err)
	}
	return nil
}
