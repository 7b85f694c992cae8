// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging provides structured logging for the recall orchestrator.
//
// It wraps log/slog with a service-aware configuration, a console handler,
// and an optional exporter side-channel so callers (tests, diagnostics
// bundles) can capture log entries without scraping stdout.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

// Level mirrors slog levels with a string form used in config files.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// slogLevel converts a Level to its slog equivalent. Unknown values
// fall back to info.
func (l Level) slogLevel() slog.Level {
	switch strings.ToLower(string(l)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Config controls logger construction.
//
//   - Level: minimum level emitted ("debug", "info", "warn", "error").
//   - Service: service name attached to every record.
//   - JSON: emit JSON records instead of text.
//   - Quiet: suppress console output (exporter still receives records).
//   - Exporter: optional side-channel receiving every record.
type Config struct {
	Level    Level
	Service  string
	JSON     bool
	Quiet    bool
	Exporter LogExporter
}

// Entry is a captured log record handed to a LogExporter.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// LogExporter receives every log entry emitted through a Logger.
// Implementations must be safe for concurrent use.
type LogExporter interface {
	Export(e Entry)
}

// NopExporter discards all entries.
type NopExporter struct{}

func (NopExporter) Export(Entry) {}

// BufferedExporter retains entries in memory, bounded by Cap.
// Useful in tests and diagnostics endpoints.
type BufferedExporter struct {
	Cap int

	mu      sync.Mutex
	entries []Entry
}

func (b *BufferedExporter) Export(e Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, e)
	if b.Cap > 0 && len(b.entries) > b.Cap {
		b.entries = b.entries[len(b.entries)-b.Cap:]
	}
}

// Entries returns a copy of the captured entries.
func (b *BufferedExporter) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Entry, len(b.entries))
	copy(out, b.entries)
	return out
}

// WriterExporter writes one JSON-ish line per entry to W.
type WriterExporter struct {
	W io.Writer

	mu sync.Mutex
}

func (w *WriterExporter) Export(e Entry) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fmt.Fprintf(w.W, "%s %s %s %v\n", e.Time.Format(time.RFC3339), e.Level, e.Message, e.Attrs)
}

// Logger is the service logger. Zero value is not usable; construct
// with New or Default.
type Logger struct {
	s        *slog.Logger
	exporter LogExporter
	level    slog.Level
}

// New builds a Logger from cfg.
//
// # Description
//
// Constructs a slog-backed logger with a console handler (text or JSON)
// and an optional exporter fan-out. Quiet mode drops the console handler
// so only the exporter sees records.
//
// # Outputs
//
//   - *Logger: ready-to-use logger. Never nil.
func New(cfg Config) *Logger {
	level := cfg.Level.slogLevel()
	exporter := cfg.Exporter
	if exporter == nil {
		exporter = NopExporter{}
	}

	var console slog.Handler
	if !cfg.Quiet {
		opts := &slog.HandlerOptions{Level: level}
		if cfg.JSON {
			console = slog.NewJSONHandler(os.Stdout, opts)
		} else {
			console = slog.NewTextHandler(os.Stdout, opts)
		}
	}

	h := &multiHandler{
		console:  console,
		exporter: exporter,
		level:    level,
	}
	s := slog.New(h)
	if cfg.Service != "" {
		s = s.With("service", cfg.Service)
	}
	return &Logger{s: s, exporter: exporter, level: level}
}

// Default returns an info-level JSON logger for the given service.
func Default(service string) *Logger {
	return New(Config{Level: LevelInfo, Service: service, JSON: true})
}

func (l *Logger) Debug(msg string, args ...any) { l.s.Debug(msg, args...) }
func (l *Logger) Info(msg string, args ...any)  { l.s.Info(msg, args...) }
func (l *Logger) Warn(msg string, args ...any)  { l.s.Warn(msg, args...) }
func (l *Logger) Error(msg string, args ...any) { l.s.Error(msg, args...) }

// With returns a logger carrying additional attrs.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{s: l.s.With(args...), exporter: l.exporter, level: l.level}
}

// Slog exposes the underlying slog.Logger for libraries that want one.
func (l *Logger) Slog() *slog.Logger { return l.s }

// multiHandler fans records out to the console handler and the exporter.
type multiHandler struct {
	console  slog.Handler
	exporter LogExporter
	level    slog.Level
	attrs    []slog.Attr
}

func (m *multiHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= m.level
}

func (m *multiHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs()+len(m.attrs))
	for _, a := range m.attrs {
		attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})
	m.exporter.Export(Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   attrs,
	})
	if m.console != nil {
		return m.console.Handle(ctx, r)
	}
	return nil
}

func (m *multiHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := &multiHandler{
		exporter: m.exporter,
		level:    m.level,
		attrs:    append(append([]slog.Attr{}, m.attrs...), attrs...),
	}
	if m.console != nil {
		next.console = m.console.WithAttrs(attrs)
	}
	return next
}

func (m *multiHandler) WithGroup(name string) slog.Handler {
	next := &multiHandler{
		exporter: m.exporter,
		level:    m.level,
		attrs:    m.attrs,
	}
	if m.console != nil {
		next.console = m.console.WithGroup(name)
	}
	return next
}
