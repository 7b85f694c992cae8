// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/handlers"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tools"
)

type stubLLM struct{}

func (stubLLM) Generate(ctx context.Context, prompt string, params llm.GenerationParams) (string, error) {
	return "", nil
}

func (stubLLM) Chat(ctx context.Context, messages []datatypes.Message, params llm.GenerationParams) (string, error) {
	return "", nil
}

func (stubLLM) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	registry := tools.NewRegistry()
	exec, err := tools.NewExecutor(registry, tools.ExecutorConfig{})
	require.NoError(t, err)
	ag, err := agent.New(stubLLM{}, nil, nil, nil, registry, exec, nil, agent.Config{})
	require.NoError(t, err)

	router := gin.New()
	SetupRoutes(router, handlers.NewAgentChatHandler(ag, nil, nil), nil)
	return router
}

func TestSetupRoutes_RegistersEndpoints(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		method string
		path   string
		want   int
	}{
		{"GET", "/health", http.StatusOK},
		{"GET", "/ready", http.StatusOK},
		{"GET", "/metrics", http.StatusOK},
		{"GET", "/v1/agent/stats", http.StatusServiceUnavailable},
		{"POST", "/v1/agent/chat", http.StatusBadRequest},
		{"GET", "/nope", http.StatusNotFound},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(tc.method, tc.path, nil))
		assert.Equal(t, tc.want, w.Code, "%s %s", tc.method, tc.path)
	}
}
