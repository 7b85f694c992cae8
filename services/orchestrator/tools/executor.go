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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
)

var tracer = otel.Tracer("aleutian.ai/tools")

// TruncationMarker is appended to output cut at the size cap.
const TruncationMarker = "\n[output truncated]"

// ExecutorConfig tunes the executor. Zero values take defaults.
type ExecutorConfig struct {
	// InvokeTimeout bounds one tool invocation. Default 10s.
	InvokeTimeout time.Duration
	// MaxResultBytes caps tool output before truncation. Default 16KB.
	MaxResultBytes int
	// Breaker configures the per-backend circuit breakers.
	Breaker BreakerConfig
	// RatePerSecond and Burst configure the per-backend rate limiter.
	// Defaults 5/5.
	RatePerSecond float64
	Burst         int
	// OnBreakerTransition, when non-nil, observes circuit state changes
	// per tool backend. Hooked to metrics in production.
	OnBreakerTransition func(tool, state string)
}

func (c ExecutorConfig) withDefaults() ExecutorConfig {
	if c.InvokeTimeout <= 0 {
		c.InvokeTimeout = 10 * time.Second
	}
	if c.MaxResultBytes <= 0 {
		c.MaxResultBytes = 16 * 1024
	}
	if c.RatePerSecond <= 0 {
		c.RatePerSecond = 5
	}
	if c.Burst <= 0 {
		c.Burst = 5
	}
	return c
}

// Executor runs tool invocations behind argument sanitation, a
// per-backend circuit breaker, a rate limiter, and a result size cap.
//
// # Thread Safety
//
// Safe for concurrent use across turns.
type Executor struct {
	registry *Registry
	cfg      ExecutorConfig
	validate *validator.Validate

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewExecutor builds an executor over a registry.
func NewExecutor(registry *Registry, cfg ExecutorConfig) (*Executor, error) {
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	return &Executor{
		registry: registry,
		cfg:      cfg.withDefaults(),
		validate: validator.New(),
		breakers: make(map[string]*CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}, nil
}

func (e *Executor) breakerFor(tool string) *CircuitBreaker {
	e.mu.Lock()
	defer e.mu.Unlock()
	b, ok := e.breakers[tool]
	if !ok {
		cfg := e.cfg.Breaker
		if notify := e.cfg.OnBreakerTransition; notify != nil {
			name := tool
			cfg.OnTransition = func(state CircuitState) {
				notify(name, state.String())
			}
		}
		b = NewCircuitBreaker(cfg)
		e.breakers[tool] = b
	}
	return b
}

func (e *Executor) limiterFor(tool string) *rate.Limiter {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.limiters[tool]
	if !ok {
		l = rate.NewLimiter(rate.Limit(e.cfg.RatePerSecond), e.cfg.Burst)
		e.limiters[tool] = l
	}
	return l
}

// BreakerStats exposes breaker snapshots for diagnostics endpoints.
func (e *Executor) BreakerStats() map[string]BreakerStats {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]BreakerStats, len(e.breakers))
	for name, b := range e.breakers {
		out[name] = b.Stats()
	}
	return out
}

// sanitizeArgs decodes raw arguments into the tool's typed struct with
// strict field checking and runs validation. This is the validation
// boundary: nothing downstream re-checks arguments.
func (e *Executor) sanitizeArgs(tool Tool, rawArgs map[string]any) (any, error) {
	args := tool.NewArgs()
	if args == nil {
		return nil, nil
	}

	payload, err := json.Marshal(rawArgs)
	if err != nil {
		return nil, fmt.Errorf("%w: arguments not serializable: %v",
			datatypes.ErrMalformedToolCall, err)
	}
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.DisallowUnknownFields()
	if err := dec.Decode(args); err != nil {
		return nil, fmt.Errorf("%w: %v", datatypes.ErrMalformedToolCall, err)
	}
	if err := e.validate.Struct(args); err != nil {
		return nil, fmt.Errorf("%w: %v", datatypes.ErrMalformedToolCall, err)
	}
	return args, nil
}

// Execute runs one tool invocation.
//
// # Description
//
// The pipeline is: registry lookup, argument sanitation, breaker
// admission, rate limiting, timed invocation, outcome recording, and
// size-capped truncation. A timed-out invocation retries once when the
// tool declares itself an idempotent read; all other failures surface
// immediately. Malformed arguments return ErrMalformedToolCall for the
// model to correct, they never reach the backend.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation aborts the invocation.
//   - toolName: Registered tool name.
//   - rawArgs: Arguments as parsed from the model's tool call.
//
// # Outputs
//
//   - ToolResult: Output with truncation flags. Zero value on error.
//   - error: Taxonomy-wrapped failure.
func (e *Executor) Execute(ctx context.Context, toolName string,
	rawArgs map[string]any) (ToolResult, error) {
	ctx, span := tracer.Start(ctx, "tools.Execute")
	defer span.End()
	span.SetAttributes(attribute.String("tool", toolName))

	tool, ok := e.registry.Get(toolName)
	if !ok {
		return ToolResult{}, fmt.Errorf("%w: unknown tool %q",
			datatypes.ErrMalformedToolCall, toolName)
	}

	args, err := e.sanitizeArgs(tool, rawArgs)
	if err != nil {
		span.SetStatus(codes.Error, "argument sanitation failed")
		return ToolResult{}, err
	}

	breaker := e.breakerFor(toolName)
	allowed, release := breaker.Allow()
	if !allowed {
		span.SetStatus(codes.Error, "circuit open")
		return ToolResult{}, ErrCircuitOpenFor(toolName)
	}
	if release != nil {
		defer release()
	}

	if err := e.limiterFor(toolName).Wait(ctx); err != nil {
		breaker.RecordFailure()
		return ToolResult{}, fmt.Errorf("%w: rate limit wait: %v", datatypes.ErrTimeout, err)
	}

	start := time.Now()
	content, err := e.invokeOnce(ctx, tool, args)
	retried := false
	if err != nil && errors.Is(err, datatypes.ErrTimeout) && tool.IdempotentRead() {
		slog.Warn("tool timed out, retrying idempotent read", "tool", toolName)
		retried = true
		content, err = e.invokeOnce(ctx, tool, args)
	}
	elapsed := time.Since(start)

	if err != nil {
		breaker.RecordFailure()
		span.RecordError(err)
		span.SetStatus(codes.Error, "invocation failed")
		return ToolResult{}, err
	}
	breaker.RecordSuccess()

	result := ToolResult{Content: content, Elapsed: elapsed, Retried: retried}
	if len(result.Content) > e.cfg.MaxResultBytes {
		result.Content = truncateAtRune(result.Content, e.cfg.MaxResultBytes) + TruncationMarker
		result.Truncated = true
		result.NeedsSummarization = true
	}
	span.SetAttributes(
		attribute.Int("result_bytes", len(result.Content)),
		attribute.Bool("truncated", result.Truncated),
	)
	return result, nil
}

// invokeOnce runs the tool under the invocation timeout, mapping
// deadline expiry to ErrTimeout.
func (e *Executor) invokeOnce(ctx context.Context, tool Tool, args any) (string, error) {
	invokeCtx, cancel := context.WithTimeout(ctx, e.cfg.InvokeTimeout)
	defer cancel()

	content, err := tool.Invoke(invokeCtx, args)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) ||
			(invokeCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil) {
			return "", fmt.Errorf("%w: tool %s: %v", datatypes.ErrTimeout, tool.Name(), err)
		}
		return "", fmt.Errorf("tool %s failed: %w", tool.Name(), err)
	}
	return content, nil
}

// truncateAtRune cuts s to at most max bytes without splitting a rune.
func truncateAtRune(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := s[:max]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
