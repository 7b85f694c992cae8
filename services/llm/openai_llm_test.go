// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

// newStreamingServer returns a fake OpenAI-compatible server that
// streams the given content fragments as SSE chunks.
func newStreamingServer(t *testing.T, fragments []string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		for _, frag := range fragments {
			fmt.Fprintf(w,
				`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":%q}}]}`+"\n\n",
				frag)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
}

func newTestClient(serverURL string) *OpenAIClient {
	config := openai.DefaultConfig("test-key")
	config.BaseURL = serverURL + "/v1"
	return NewOpenAIClientWithConfig(config, "test-model")
}

func TestChatStreamEmitsTokensInOrder(t *testing.T) {
	server := newStreamingServer(t, []string{"Hello", " ", "world"})
	defer server.Close()

	client := newTestClient(server.URL)
	var tokens []string
	var sawDone bool
	callback := func(event StreamEvent) error {
		switch event.Type {
		case StreamEventToken:
			tokens = append(tokens, event.Content)
		case StreamEventDone:
			sawDone = true
		}
		return nil
	}

	err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{}, callback)
	if err != nil {
		t.Fatalf("ChatStream failed: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello world" {
		t.Errorf("expected 'Hello world', got %q", got)
	}
	if !sawDone {
		t.Error("expected a done event at end of stream")
	}
}

func TestChatStreamCallbackAbort(t *testing.T) {
	server := newStreamingServer(t, []string{"a", "b", "c", "d"})
	defer server.Close()

	client := newTestClient(server.URL)
	count := 0
	callback := func(event StreamEvent) error {
		if event.Type == StreamEventToken {
			count++
			if count == 2 {
				return fmt.Errorf("stop here")
			}
		}
		return nil
	}

	err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{}, callback)
	if err == nil {
		t.Fatal("expected the callback error to propagate")
	}
	if count != 2 {
		t.Errorf("expected stream to stop after 2 tokens, got %d", count)
	}
}

func TestChatStreamServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusInternalServerError)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	err := client.ChatStream(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "hi"}}, GenerationParams{},
		func(StreamEvent) error { return nil })
	if err == nil {
		t.Fatal("expected an error from a failing server")
	}
}

func TestChatNonStreaming(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}]}`)
	}))
	defer server.Close()

	client := newTestClient(server.URL)
	got, err := client.Chat(context.Background(),
		[]datatypes.Message{{Role: "user", Content: "ping"}}, GenerationParams{})
	if err != nil {
		t.Fatalf("Chat failed: %v", err)
	}
	if got != "pong" {
		t.Errorf("expected 'pong', got %q", got)
	}
}

func TestToOpenAIMessagesMapsToolRole(t *testing.T) {
	msgs := toOpenAIMessages([]datatypes.Message{
		{Role: "system", Content: "s"},
		{Role: "tool", Content: "result"},
	})
	if msgs[0].Role != "system" {
		t.Errorf("system role should pass through, got %q", msgs[0].Role)
	}
	if msgs[1].Role != "user" {
		t.Errorf("tool role should map to user, got %q", msgs[1].Role)
	}
}
