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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// Reranker reorders candidate records by cross-encoder relevance.
type Reranker interface {
	// Rerank reorders the first topN records by relevance to the query
	// and returns the full list (reranked head, untouched tail).
	Rerank(ctx context.Context, query string, records []datatypes.ScoredRecord,
		topN int) ([]datatypes.ScoredRecord, error)
}

// rerankRequest is the wire format of the external reranker service.
type rerankRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

type rerankResponse struct {
	Scores []float64 `json:"scores"`
}

// CrossEncoderClient calls the external cross-encoder reranker service.
type CrossEncoderClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewCrossEncoderClient builds a reranker client for the given base URL.
func NewCrossEncoderClient(baseURL string, timeout time.Duration) *CrossEncoderClient {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &CrossEncoderClient{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Rerank implements Reranker.
//
// # Description
//
// Sends the query and the contents of the first topN records to the
// reranker service and reorders that head by the returned scores,
// descending. Records beyond topN keep their incoming order. Any
// service failure is returned to the caller, who falls back to the
// fused order.
func (c *CrossEncoderClient) Rerank(ctx context.Context, query string,
	records []datatypes.ScoredRecord, topN int) ([]datatypes.ScoredRecord, error) {
	if len(records) == 0 {
		return records, nil
	}
	if topN <= 0 || topN > len(records) {
		topN = len(records)
	}

	head := records[:topN]
	docs := make([]string, len(head))
	for i, r := range head {
		docs[i] = r.Record.Content
	}

	reqBody, err := json.Marshal(rerankRequest{Query: query, Documents: docs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal the rerank request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL,
		bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup the rerank request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: reranker service: %v", datatypes.ErrDegradedDependency, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("failed to close the rerank response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: reranker returned %d: %s",
			datatypes.ErrDegradedDependency, resp.StatusCode, string(bodyBytes))
	}

	var parsed rerankResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse the rerank response: %w", err)
	}
	if len(parsed.Scores) != len(head) {
		return nil, fmt.Errorf("reranker returned %d scores for %d documents",
			len(parsed.Scores), len(head))
	}

	reranked := make([]datatypes.ScoredRecord, len(head))
	copy(reranked, head)
	for i := range reranked {
		reranked[i].Score = parsed.Scores[i]
		reranked[i].Origin = "reranked"
	}
	sort.SliceStable(reranked, func(i, j int) bool {
		return reranked[i].Score > reranked[j].Score
	})

	out := make([]datatypes.ScoredRecord, 0, len(records))
	out = append(out, reranked...)
	out = append(out, records[topN:]...)
	return out, nil
}
