// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the orchestrator configuration.
//
// Service wiring (endpoints, backends, ports) is env-first like the
// rest of the stack. Runtime tunables (budgets, thresholds, breaker
// settings) live in an optional YAML file that can be hot-reloaded
// without a restart.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Service is the env-first wiring configuration, read once at startup.
type Service struct {
	// Port is the HTTP listen port. RECALL_PORT, default 12310.
	Port string
	// WeaviateURL is the memory store endpoint. WEAVIATE_SERVICE_URL;
	// empty runs the service in lightweight mode without memory.
	WeaviateURL string
	// RerankerURL is the cross-encoder endpoint. RERANKER_SERVICE_URL;
	// empty disables reranking.
	RerankerURL string
	// SearchURL is the web search backend. SEARCH_SERVICE_URL; empty
	// disables the web_search tool.
	SearchURL string
	// LLMBackend selects the LLM client. LLM_BACKEND_TYPE, default
	// openai (which also covers OpenAI-compatible local servers via
	// OPENAI_BASE_URL).
	LLMBackend string
	// StatsPath is the badger directory for effectiveness stats.
	// RECALL_STATS_PATH; empty keeps stats in memory only.
	StatsPath string
	// TunablesPath is the YAML tunables file. RECALL_TUNABLES_FILE;
	// empty runs on defaults.
	TunablesPath string
	// OTLPEndpoint is the trace collector. OTEL_EXPORTER_OTLP_ENDPOINT.
	OTLPEndpoint string
}

// ServiceFromEnv reads the wiring configuration from the environment.
func ServiceFromEnv() Service {
	return Service{
		Port:         envOr("RECALL_PORT", "12310"),
		WeaviateURL:  os.Getenv("WEAVIATE_SERVICE_URL"),
		RerankerURL:  os.Getenv("RERANKER_SERVICE_URL"),
		SearchURL:    os.Getenv("SEARCH_SERVICE_URL"),
		LLMBackend:   envOr("LLM_BACKEND_TYPE", "openai"),
		StatsPath:    os.Getenv("RECALL_STATS_PATH"),
		TunablesPath: os.Getenv("RECALL_TUNABLES_FILE"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// Tunables are the runtime knobs. Zero values defer to the consuming
// package's defaults, so a partial YAML file is fine.
type Tunables struct {
	Agent struct {
		// MaxIterations bounds generate/tool cycles per turn.
		MaxIterations int `yaml:"max_iterations" validate:"omitempty,min=1,max=25"`
		// PromptBudget is the prompt token budget.
		PromptBudget int `yaml:"prompt_budget" validate:"omitempty,min=256,max=131072"`
		// WorkingMemoryLimit caps the working-tier prefetch.
		WorkingMemoryLimit int `yaml:"working_memory_limit" validate:"omitempty,min=1,max=100"`
		// MaxAnswerBytes caps the accumulated answer per turn.
		MaxAnswerBytes int `yaml:"max_answer_bytes" validate:"omitempty,min=1024"`
	} `yaml:"agent"`

	Gating struct {
		// ConfidenceThreshold suppresses search tools at or above it.
		ConfidenceThreshold float64 `yaml:"confidence_threshold" validate:"omitempty,gt=0,lte=1"`
		// EffectivenessFloor marks tools low-effectiveness below it.
		EffectivenessFloor float64 `yaml:"effectiveness_floor" validate:"omitempty,gt=0,lt=1"`
		// MinAttempts gates effectiveness advisories.
		MinAttempts int64 `yaml:"min_attempts" validate:"omitempty,min=1"`
	} `yaml:"gating"`

	Executor struct {
		// InvokeTimeoutMs bounds one tool invocation.
		InvokeTimeoutMs int `yaml:"invoke_timeout_ms" validate:"omitempty,min=100,max=300000"`
		// MaxResultBytes caps tool output before truncation.
		MaxResultBytes int `yaml:"max_result_bytes" validate:"omitempty,min=1024"`
		// RatePerSecond and Burst configure the per-backend limiter.
		RatePerSecond float64 `yaml:"rate_per_second" validate:"omitempty,gt=0"`
		Burst         int     `yaml:"burst" validate:"omitempty,min=1"`
	} `yaml:"executor"`

	Breaker struct {
		// FailureThreshold opens the circuit.
		FailureThreshold int `yaml:"failure_threshold" validate:"omitempty,min=1"`
		// SuccessThreshold closes it from half-open.
		SuccessThreshold int `yaml:"success_threshold" validate:"omitempty,min=1"`
		// OpenDurationMs is the cool-down before half-open.
		OpenDurationMs int `yaml:"open_duration_ms" validate:"omitempty,min=100"`
	} `yaml:"breaker"`

	Retrieval struct {
		// TotalBudgetMs is the hard wall for one retrieval.
		TotalBudgetMs int `yaml:"total_budget_ms" validate:"omitempty,min=100"`
		// SearchBudgetMs bounds the search fan-out.
		SearchBudgetMs int `yaml:"search_budget_ms" validate:"omitempty,min=100"`
		// RerankBudgetMs bounds the rerank stage.
		RerankBudgetMs int `yaml:"rerank_budget_ms" validate:"omitempty,min=100"`
		// TopN is how many fused candidates go to the reranker.
		TopN int `yaml:"top_n" validate:"omitempty,min=1,max=200"`
	} `yaml:"retrieval"`
}

// Durations converted from the millisecond YAML fields.

func (t *Tunables) InvokeTimeout() time.Duration {
	return time.Duration(t.Executor.InvokeTimeoutMs) * time.Millisecond
}

func (t *Tunables) BreakerOpenDuration() time.Duration {
	return time.Duration(t.Breaker.OpenDurationMs) * time.Millisecond
}

func (t *Tunables) RetrievalTotalBudget() time.Duration {
	return time.Duration(t.Retrieval.TotalBudgetMs) * time.Millisecond
}

func (t *Tunables) RetrievalSearchBudget() time.Duration {
	return time.Duration(t.Retrieval.SearchBudgetMs) * time.Millisecond
}

func (t *Tunables) RetrievalRerankBudget() time.Duration {
	return time.Duration(t.Retrieval.RerankBudgetMs) * time.Millisecond
}

var validate = validator.New()

// LoadTunables reads and validates the YAML tunables file. A missing
// path returns zero tunables (pure defaults) without error.
func LoadTunables(path string) (*Tunables, error) {
	t := &Tunables{}
	if path == "" {
		return t, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tunables file: %w", err)
	}
	if err := yaml.Unmarshal(data, t); err != nil {
		return nil, fmt.Errorf("failed to parse tunables file: %w", err)
	}
	applyEnvOverrides(t)
	if err := validate.Struct(t); err != nil {
		return nil, fmt.Errorf("invalid tunables: %w", err)
	}
	return t, nil
}

// applyEnvOverrides lets individual knobs be forced from the
// environment, taking precedence over the file. Only the knobs that
// operators actually reach for in incidents are exposed.
func applyEnvOverrides(t *Tunables) {
	if v, ok := envInt("RECALL_MAX_ITERATIONS"); ok {
		t.Agent.MaxIterations = v
	}
	if v, ok := envInt("RECALL_PROMPT_BUDGET"); ok {
		t.Agent.PromptBudget = v
	}
	if v, ok := envFloat("RECALL_CONFIDENCE_THRESHOLD"); ok {
		t.Gating.ConfidenceThreshold = v
	}
	if v, ok := envInt("RECALL_INVOKE_TIMEOUT_MS"); ok {
		t.Executor.InvokeTimeoutMs = v
	}
}

func envInt(key string) (int, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		slog.Warn("ignoring non-integer env override", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}

func envFloat(key string) (float64, bool) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		slog.Warn("ignoring non-numeric env override", "key", key, "value", raw)
		return 0, false
	}
	return v, true
}

// Store holds the current tunables behind an atomic pointer so readers
// never block on a reload.
//
// # Thread Safety
//
// Safe for concurrent use. Load returns a consistent snapshot; a
// reload swaps the whole pointer.
type Store struct {
	current atomic.Pointer[Tunables]
	path    string
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewStore creates a store seeded with the given tunables.
func NewStore(path string, initial *Tunables) *Store {
	s := &Store{path: path, done: make(chan struct{})}
	s.current.Store(initial)
	return s
}

// Load returns the current tunables snapshot. Never nil.
func (s *Store) Load() *Tunables {
	return s.current.Load()
}

// Watch starts hot reload of the tunables file. onReload, when non-nil,
// runs after each successful swap. No-op when the store has no path.
func (s *Store) Watch(onReload func(*Tunables)) error {
	if s.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create tunables watcher: %w", err)
	}
	// Watch the directory, not the file: editors and configmap mounts
	// replace the file, which drops a file-level watch.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch tunables directory: %w", err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case <-s.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(s.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				s.reload(onReload)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("tunables watcher error", "error", err)
			}
		}
	}()
	slog.Info("watching tunables file for changes", "path", s.path)
	return nil
}

// reload re-reads the file and swaps the snapshot. A bad file keeps
// the previous tunables in place.
func (s *Store) reload(onReload func(*Tunables)) {
	t, err := LoadTunables(s.path)
	if err != nil {
		slog.Error("tunables reload failed, keeping previous values",
			"path", s.path, "error", err)
		return
	}
	s.current.Store(t)
	slog.Info("tunables reloaded", "path", s.path)
	if onReload != nil {
		onReload(t)
	}
}

// Close stops the watcher.
func (s *Store) Close() {
	close(s.done)
	if s.watcher != nil {
		s.watcher.Close()
	}
}
