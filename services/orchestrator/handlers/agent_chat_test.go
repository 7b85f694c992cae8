// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/agent"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/learning"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tools"
)

// =============================================================================
// Test Setup
// =============================================================================

// streamingMockLLM plays one scripted token sequence per ChatStream
// call. The last script repeats for subsequent calls.
type streamingMockLLM struct {
	scripts [][]string
	calls   int
}

func (m *streamingMockLLM) Generate(ctx context.Context, prompt string,
	params llm.GenerationParams) (string, error) {
	return "", nil
}

func (m *streamingMockLLM) Chat(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams) (string, error) {
	return "", nil
}

func (m *streamingMockLLM) ChatStream(ctx context.Context, messages []datatypes.Message,
	params llm.GenerationParams, callback llm.StreamCallback) error {
	idx := m.calls
	if idx >= len(m.scripts) {
		idx = len(m.scripts) - 1
	}
	m.calls++
	for _, token := range m.scripts[idx] {
		if err := callback(llm.StreamEvent{Type: llm.StreamEventToken, Content: token}); err != nil {
			return err
		}
	}
	return callback(llm.StreamEvent{Type: llm.StreamEventDone})
}

// searchToolArgs is the argument shape of the test search tool.
type searchToolArgs struct {
	Query string `json:"query" validate:"required"`
}

// mockSearchTool echoes its query back.
type mockSearchTool struct {
	calls int
}

func (t *mockSearchTool) Name() string         { return "web_search" }
func (t *mockSearchTool) Description() string  { return "Search the web" }
func (t *mockSearchTool) SearchClass() bool    { return true }
func (t *mockSearchTool) IdempotentRead() bool { return true }
func (t *mockSearchTool) NewArgs() any         { return &searchToolArgs{} }

func (t *mockSearchTool) Invoke(ctx context.Context, args any) (string, error) {
	t.calls++
	a := args.(*searchToolArgs)
	return fmt.Sprintf("result for %q", a.Query), nil
}

// newTestHandler wires a real agent over mocked dependencies.
func newTestHandler(t *testing.T, mockLLM *streamingMockLLM,
	tracker *learning.Tracker) (*AgentChatHandler, *mockSearchTool) {
	t.Helper()

	registry := tools.NewRegistry()
	tool := &mockSearchTool{}
	require.NoError(t, registry.Register(tool))

	exec, err := tools.NewExecutor(registry, tools.ExecutorConfig{
		RatePerSecond: 1000,
		Burst:         1000,
	})
	require.NoError(t, err)

	ag, err := agent.New(mockLLM, nil, nil, tracker, registry, exec, nil, agent.Config{})
	require.NoError(t, err)

	return NewAgentChatHandler(ag, tracker, nil), tool
}

// newTestRouter mounts the handler the way routes.SetupRoutes does.
func newTestRouter(h *AgentChatHandler) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/v1/agent/chat/stream", h.HandleChatStream)
	router.POST("/v1/agent/chat", h.HandleChat)
	router.GET("/v1/agent/stats", h.HandleStats)
	router.POST("/v1/agent/stats/reset", h.HandleStatsReset)
	return router
}

// chatRequestBody builds a valid request body for the given question.
func chatRequestBody(t *testing.T, question string) []byte {
	t.Helper()
	body, err := json.Marshal(datatypes.AgentChatRequest{
		RequestID: uuid.NewString(),
		Timestamp: time.Now().UnixMilli(),
		SessionID: "sess-test",
		Messages:  []datatypes.Message{{Role: "user", Content: question}},
	})
	require.NoError(t, err)
	return body
}

func postJSON(router *gin.Engine, path string, body []byte) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest("POST", path, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// Constructor Tests
// =============================================================================

func TestNewAgentChatHandler_PanicsOnNilAgent(t *testing.T) {
	assert.Panics(t, func() {
		NewAgentChatHandler(nil, nil, nil)
	})
}

// =============================================================================
// Streaming Endpoint Tests
// =============================================================================

func TestHandleChatStream_PlainAnswer(t *testing.T) {
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	mockLLM := &streamingMockLLM{scripts: [][]string{{"Hello", " there", "."}}}
	h, _ := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	w := postJSON(router, "/v1/agent/chat/stream", chatRequestBody(t, "hi"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	events := parseSSEEvents(t, w.Body.String())
	require.NotEmpty(t, events)

	var answer strings.Builder
	var done *datatypes.StreamEvent
	for _, ev := range events {
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &event))
		switch ev.Event {
		case "token":
			answer.WriteString(event.Content)
		case "done":
			e := event
			done = &e
		}
	}

	assert.Equal(t, "Hello there.", answer.String())
	require.NotNil(t, done, "stream must end with a done event")
	assert.Equal(t, "sess-test", done.SessionId)
	require.NotNil(t, done.Turn)
	assert.Equal(t, "Hello there.", done.Turn.Answer)
	assert.Equal(t, 1, done.Turn.Iterations)
}

func TestHandleChatStream_ToolRoundTrip(t *testing.T) {
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	mockLLM := &streamingMockLLM{scripts: [][]string{
		{"Let me look. ", `<tool_call>{"tool": "web_search", "args": {"query": "go"}}</tool_call>`},
		{"Found it: Go is great."},
	}}
	h, tool := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	w := postJSON(router, "/v1/agent/chat/stream", chatRequestBody(t, "what is go"))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, tool.calls, "tool must be invoked exactly once")
	assert.Equal(t, 2, mockLLM.calls, "second generation consumes the tool result")

	body := w.Body.String()
	assert.NotContains(t, body, "tool_call>", "markers must not reach the client")

	events := parseSSEEvents(t, w.Body.String())
	var done *datatypes.StreamEvent
	for _, ev := range events {
		if ev.Event == "done" {
			var event datatypes.StreamEvent
			require.NoError(t, json.Unmarshal([]byte(ev.Data), &event))
			done = &event
		}
	}
	require.NotNil(t, done)
	require.NotNil(t, done.Turn)
	assert.Contains(t, done.Turn.Answer, "Found it")
	assert.Equal(t, 2, done.Turn.Iterations)
}

func TestHandleChatStream_HashChainIsContinuous(t *testing.T) {
	t.Setenv("ALEUTIAN_INSECURE_MEMORY", "true")
	mockLLM := &streamingMockLLM{scripts: [][]string{{"a", "b", "c"}}}
	h, _ := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	w := postJSON(router, "/v1/agent/chat/stream", chatRequestBody(t, "hi"))
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSEEvents(t, w.Body.String())
	require.Greater(t, len(events), 2)

	prevHash := ""
	for i, ev := range events {
		var event datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(ev.Data), &event))
		assert.Equal(t, prevHash, event.PrevHash, "event %d breaks the chain", i)
		require.NotEmpty(t, event.Hash)
		prevHash = event.Hash
	}
}

func TestHandleChatStream_InvalidBody(t *testing.T) {
	mockLLM := &streamingMockLLM{scripts: [][]string{{"x"}}}
	h, _ := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	w := postJSON(router, "/v1/agent/chat/stream", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, 0, mockLLM.calls, "turn must not start on a bad request")
}

func TestHandleChatStream_ValidationFailure(t *testing.T) {
	mockLLM := &streamingMockLLM{scripts: [][]string{{"x"}}}
	h, _ := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	// Missing session_id and request_id.
	body, _ := json.Marshal(gin.H{
		"timestamp": time.Now().UnixMilli(),
		"messages":  []gin.H{{"role": "user", "content": "hi"}},
	})
	w := postJSON(router, "/v1/agent/chat/stream", body)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Non-Streaming Endpoint Tests
// =============================================================================

func TestHandleChat_ReturnsAnswerJSON(t *testing.T) {
	mockLLM := &streamingMockLLM{scripts: [][]string{{"The ", "answer."}}}
	h, _ := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	w := postJSON(router, "/v1/agent/chat", chatRequestBody(t, "question"))

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.AgentChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "The answer.", resp.Answer)
	assert.Equal(t, "sess-test", resp.SessionID)
	assert.NotEmpty(t, resp.TurnID)
	assert.Equal(t, 1, resp.Iterations)
}

// =============================================================================
// Stats Endpoint Tests
// =============================================================================

func TestHandleStats_WithTracker(t *testing.T) {
	tracker := learning.NewTracker(nil, 0)
	defer tracker.Close()
	tracker.RecordOutcome(context.Background(), learning.StatKey{
		ContextType: "research",
		ActionType:  "web_search",
		Collection:  "tools",
	}, true)

	mockLLM := &streamingMockLLM{scripts: [][]string{{"x"}}}
	h, _ := newTestHandler(t, mockLLM, tracker)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/agent/stats", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
}

func TestHandleStatsReset(t *testing.T) {
	tracker := learning.NewTracker(nil, 0)
	defer tracker.Close()
	tracker.RecordOutcome(context.Background(), learning.StatKey{
		ContextType: "research",
		ActionType:  "web_search",
		Collection:  "tools",
	}, true)

	mockLLM := &streamingMockLLM{scripts: [][]string{{"x"}}}
	h, _ := newTestHandler(t, mockLLM, tracker)
	router := newTestRouter(h)

	w := postJSON(router, "/v1/agent/stats/reset", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, tracker.Snapshot(), "reset must clear all stats")
}

func TestHandleStats_WithoutTracker(t *testing.T) {
	mockLLM := &streamingMockLLM{scripts: [][]string{{"x"}}}
	h, _ := newTestHandler(t, mockLLM, nil)
	router := newTestRouter(h)

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/agent/stats", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = postJSON(router, "/v1/agent/stats/reset", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

// =============================================================================
// Helper Functions
// =============================================================================

// sseEvent is one parsed SSE event.
type sseEvent struct {
	Event string
	Data  string
}

// parseSSEEvents parses SSE events from a response body. Comment lines
// (keepalives) are skipped.
func parseSSEEvents(t *testing.T, body string) []sseEvent {
	t.Helper()

	var events []sseEvent
	scanner := bufio.NewScanner(strings.NewReader(body))

	var current sseEvent
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			current.Event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			current.Data = strings.TrimPrefix(line, "data: ")
		case line == "" && current.Event != "":
			events = append(events, current)
			current = sseEvent{}
		}
	}
	if current.Event != "" {
		events = append(events, current)
	}
	return events
}
