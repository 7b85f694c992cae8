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
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

type echoArgs struct {
	Query string `json:"query" validate:"required,min=1"`
	Limit int    `json:"limit,omitempty" validate:"omitempty,min=1,max=20"`
}

// scriptedTool is a configurable in-test tool backend.
type scriptedTool struct {
	name   string
	idem   bool
	calls  int
	invoke func(ctx context.Context, call int, args *echoArgs) (string, error)
}

func (t *scriptedTool) Name() string         { return t.name }
func (t *scriptedTool) Description() string  { return "test tool" }
func (t *scriptedTool) SearchClass() bool    { return true }
func (t *scriptedTool) IdempotentRead() bool { return t.idem }
func (t *scriptedTool) NewArgs() any         { return &echoArgs{} }

func (t *scriptedTool) Invoke(ctx context.Context, args any) (string, error) {
	t.calls++
	return t.invoke(ctx, t.calls, args.(*echoArgs))
}

func newTestExecutor(t *testing.T, tool Tool, cfg ExecutorConfig) *Executor {
	t.Helper()
	registry := NewRegistry()
	if err := registry.Register(tool); err != nil {
		t.Fatalf("register: %v", err)
	}
	exec, err := NewExecutor(registry, cfg)
	if err != nil {
		t.Fatalf("NewExecutor: %v", err)
	}
	return exec
}

func TestExecuteHappyPath(t *testing.T) {
	tool := &scriptedTool{
		name: "echo",
		invoke: func(_ context.Context, _ int, args *echoArgs) (string, error) {
			return "result for " + args.Query, nil
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{})

	result, err := exec.Execute(context.Background(), "echo",
		map[string]any{"query": "hello"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Content != "result for hello" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if result.Truncated || result.Retried {
		t.Errorf("unexpected flags: %+v", result)
	}
}

func TestExecuteUnknownToolIsMalformed(t *testing.T) {
	tool := &scriptedTool{name: "echo", invoke: func(context.Context, int, *echoArgs) (string, error) {
		return "", nil
	}}
	exec := newTestExecutor(t, tool, ExecutorConfig{})

	_, err := exec.Execute(context.Background(), "nope", map[string]any{"query": "x"})
	if !errors.Is(err, datatypes.ErrMalformedToolCall) {
		t.Fatalf("expected ErrMalformedToolCall, got %v", err)
	}
}

func TestExecuteRejectsMalformedArgs(t *testing.T) {
	tool := &scriptedTool{
		name: "echo",
		invoke: func(context.Context, int, *echoArgs) (string, error) {
			return "should not run", nil
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{})

	cases := []struct {
		name string
		args map[string]any
	}{
		{"missing required field", map[string]any{"limit": 5}},
		{"unknown field", map[string]any{"query": "x", "extra": true}},
		{"wrong type", map[string]any{"query": 42}},
		{"validation failure", map[string]any{"query": "x", "limit": 99}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := exec.Execute(context.Background(), "echo", tc.args)
			if !errors.Is(err, datatypes.ErrMalformedToolCall) {
				t.Fatalf("expected ErrMalformedToolCall, got %v", err)
			}
		})
	}
	if tool.calls != 0 {
		t.Errorf("backend invoked %d times on malformed input", tool.calls)
	}
}

func TestExecuteOpensBreakerAndFailsFast(t *testing.T) {
	tool := &scriptedTool{
		name: "flaky",
		invoke: func(context.Context, int, *echoArgs) (string, error) {
			return "", fmt.Errorf("backend down")
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{
		Breaker:       BreakerConfig{FailureThreshold: 3, OpenDuration: time.Minute},
		RatePerSecond: 1000,
		Burst:         1000,
	})

	for i := 0; i < 3; i++ {
		_, err := exec.Execute(context.Background(), "flaky", map[string]any{"query": "x"})
		if err == nil {
			t.Fatalf("call %d should fail", i+1)
		}
		if errors.Is(err, datatypes.ErrCircuitOpen) {
			t.Fatalf("breaker opened before the threshold on call %d", i+1)
		}
	}

	_, err := exec.Execute(context.Background(), "flaky", map[string]any{"query": "x"})
	if !errors.Is(err, datatypes.ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if tool.calls != 3 {
		t.Errorf("open breaker must fail fast, backend saw %d calls", tool.calls)
	}
}

func TestExecuteTruncatesOversizedOutput(t *testing.T) {
	big := strings.Repeat("a", 2048)
	tool := &scriptedTool{
		name: "echo",
		invoke: func(context.Context, int, *echoArgs) (string, error) {
			return big, nil
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{MaxResultBytes: 512})

	result, err := exec.Execute(context.Background(), "echo", map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Truncated || !result.NeedsSummarization {
		t.Errorf("oversized output must set truncation flags: %+v", result)
	}
	if !strings.HasSuffix(result.Content, TruncationMarker) {
		t.Error("truncated output must end with the marker")
	}
	if len(result.Content) > 512+len(TruncationMarker) {
		t.Errorf("content still oversized: %d bytes", len(result.Content))
	}
}

func TestExecuteRetriesTimedOutIdempotentRead(t *testing.T) {
	tool := &scriptedTool{
		name: "slowread",
		idem: true,
		invoke: func(ctx context.Context, call int, _ *echoArgs) (string, error) {
			if call == 1 {
				<-ctx.Done()
				return "", ctx.Err()
			}
			return "recovered", nil
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{InvokeTimeout: 30 * time.Millisecond})

	result, err := exec.Execute(context.Background(), "slowread", map[string]any{"query": "x"})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !result.Retried {
		t.Error("retry flag not set")
	}
	if result.Content != "recovered" {
		t.Errorf("unexpected content %q", result.Content)
	}
	if tool.calls != 2 {
		t.Errorf("expected exactly 2 invocations, got %d", tool.calls)
	}
}

func TestExecuteDoesNotRetryNonIdempotentTimeout(t *testing.T) {
	tool := &scriptedTool{
		name: "slowwrite",
		idem: false,
		invoke: func(ctx context.Context, _ int, _ *echoArgs) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{InvokeTimeout: 30 * time.Millisecond})

	_, err := exec.Execute(context.Background(), "slowwrite", map[string]any{"query": "x"})
	if !errors.Is(err, datatypes.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if tool.calls != 1 {
		t.Errorf("non-idempotent tool invoked %d times", tool.calls)
	}
}

func TestExecuteRetriesAtMostOnce(t *testing.T) {
	tool := &scriptedTool{
		name: "deadread",
		idem: true,
		invoke: func(ctx context.Context, _ int, _ *echoArgs) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{InvokeTimeout: 20 * time.Millisecond})

	_, err := exec.Execute(context.Background(), "deadread", map[string]any{"query": "x"})
	if !errors.Is(err, datatypes.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if tool.calls != 2 {
		t.Errorf("expected exactly 2 invocations, got %d", tool.calls)
	}
}

func TestBreakerStatsExposed(t *testing.T) {
	tool := &scriptedTool{
		name: "echo",
		invoke: func(context.Context, int, *echoArgs) (string, error) {
			return "ok", nil
		},
	}
	exec := newTestExecutor(t, tool, ExecutorConfig{})

	if _, err := exec.Execute(context.Background(), "echo", map[string]any{"query": "x"}); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	stats := exec.BreakerStats()
	if stats["echo"].TotalSuccesses != 1 {
		t.Errorf("unexpected stats: %+v", stats["echo"])
	}
}

func TestTruncateAtRunePreservesValidUTF8(t *testing.T) {
	s := strings.Repeat("é", 100)
	cut := truncateAtRune(s, 101)
	if len(cut) > 101 {
		t.Errorf("cut too long: %d", len(cut))
	}
	if !strings.HasPrefix(s, cut) {
		t.Error("cut is not a prefix of the input")
	}
	for _, r := range cut {
		if r == '�' {
			t.Fatal("cut split a rune")
		}
	}
}
