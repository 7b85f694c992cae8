// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// WebSearchArgs are the validated arguments for the web_search tool.
type WebSearchArgs struct {
	Query string `json:"query" validate:"required,min=1,max=512"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=20"`
}

// WebSearchTool queries a SearxNG-compatible metasearch endpoint.
type WebSearchTool struct {
	baseURL    string
	httpClient *http.Client
}

// NewWebSearchTool builds the tool against the given search endpoint
// (a SearxNG instance's /search URL).
func NewWebSearchTool(baseURL string, timeout time.Duration) *WebSearchTool {
	if timeout <= 0 {
		timeout = 8 * time.Second
	}
	return &WebSearchTool{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (t *WebSearchTool) Name() string        { return "web_search" }
func (t *WebSearchTool) SearchClass() bool   { return true }
func (t *WebSearchTool) IdempotentRead() bool { return true }

func (t *WebSearchTool) Description() string {
	return "Search the web. Arguments: query (string, required), limit (int, optional)."
}

func (t *WebSearchTool) NewArgs() any { return &WebSearchArgs{} }

type searxResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Content string `json:"content"`
}

type searxResponse struct {
	Results []searxResult `json:"results"`
}

// Invoke implements Tool.
func (t *WebSearchTool) Invoke(ctx context.Context, args any) (string, error) {
	searchArgs, ok := args.(*WebSearchArgs)
	if !ok {
		return "", fmt.Errorf("unexpected argument type %T", args)
	}
	limit := searchArgs.Limit
	if limit == 0 {
		limit = 5
	}

	query := url.Values{}
	query.Set("q", searchArgs.Query)
	query.Set("format", "json")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		t.baseURL+"?"+query.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to setup the search request: %w", err)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search service request failed: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("failed to close the search response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search service returned %d: %s", resp.StatusCode,
			string(bodyBytes))
	}

	var parsed searxResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return "", fmt.Errorf("failed to parse the search response: %w", err)
	}

	if len(parsed.Results) == 0 {
		return "No results found.", nil
	}
	if len(parsed.Results) > limit {
		parsed.Results = parsed.Results[:limit]
	}

	var sb strings.Builder
	for i, r := range parsed.Results {
		fmt.Fprintf(&sb, "%d. %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Content)
	}
	return strings.TrimSpace(sb.String()), nil
}
