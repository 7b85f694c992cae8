// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse decodes a Weaviate GraphQL response into a typed
// struct by round-tripping through JSON.
//
// # Inputs
//
//   - resp: Raw GraphQL response. Must be non-nil.
//
// # Outputs
//
//   - *T: Typed result.
//   - error: Non-nil on marshal or unmarshal failure.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
//   - The target type T has correct json tags.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// MemoryQueryResponse represents the response from querying the
// MemoryRecord class.
type MemoryQueryResponse struct {
	Get struct {
		MemoryRecord []MemoryResult `json:"MemoryRecord"`
	} `json:"Get"`
}

// MemoryResult is a single memory record from a query.
type MemoryResult struct {
	Content      string  `json:"content"`
	Summary      string  `json:"summary"`
	Tier         string  `json:"tier"`
	Collection   string  `json:"collection"`
	SessionID    string  `json:"session_id"`
	TurnNumber   *int    `json:"turn_number"`
	DataSpace    string  `json:"data_space"`
	Source       string  `json:"source"`
	QualityScore float64 `json:"quality_score"`
	CreatedAt    float64 `json:"created_at"`
	Additional   struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
		Score     *string  `json:"score"`
	} `json:"_additional"`
}

// ToRecord converts a query result into a MemoryRecord.
func (m *MemoryResult) ToRecord() MemoryRecord {
	rec := MemoryRecord{
		ID:           m.Additional.ID,
		Tier:         MemoryTier(m.Tier),
		Collection:   m.Collection,
		Content:      m.Content,
		Summary:      m.Summary,
		QualityScore: m.QualityScore,
		CreatedAt:    int64(m.CreatedAt),
		SessionID:    m.SessionID,
		DataSpace:    m.DataSpace,
		Source:       m.Source,
	}
	if m.TurnNumber != nil {
		rec.TurnNumber = *m.TurnNumber
	}
	return rec
}
