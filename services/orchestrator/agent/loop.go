// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianRecall/services/llm"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/datatypes"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/gating"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/intent"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/learning"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/loopdetect"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/memorystore"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/observability"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/retrieval"
	"github.com/AleutianAI/AleutianRecall/services/orchestrator/tools"
)

var tracer = otel.Tracer("aleutian.ai/agent")

// State names one stage of the turn pipeline.
type State string

const (
	StateInit        State = "init"
	StatePrefetch    State = "prefetch_memory"
	StateBuildPrompt State = "build_prompt"
	StateGenerating  State = "generating"
	StateExecuting   State = "executing"
	StateFinalizing  State = "finalizing"
	StateDone        State = "done"
)

// EventType identifies what one turn event carries.
type EventType string

const (
	// EventStatus marks a state transition.
	EventStatus EventType = "status"
	// EventToken carries one visible answer fragment.
	EventToken EventType = "token"
	// EventSources carries the resolved citations.
	EventSources EventType = "sources"
	// EventDone carries the final turn state. Terminal.
	EventDone EventType = "done"
	// EventError carries an unrecoverable failure. Terminal.
	EventError EventType = "error"
)

// Event is one observable step of a running turn, bridged to SSE by the
// handlers.
type Event struct {
	Type    EventType               `json:"type"`
	State   State                   `json:"state,omitempty"`
	Token   string                  `json:"token,omitempty"`
	Sources []datatypes.SourceInfo  `json:"sources,omitempty"`
	Turn    *TurnState              `json:"turn,omitempty"`
	Err     error                   `json:"-"`
}

// EmitFunc receives turn events in order. Called from the turn
// goroutine only.
type EmitFunc func(Event)

// TurnState is the complete outcome of one turn.
type TurnState struct {
	TurnID             string                 `json:"turn_id"`
	SessionID          string                 `json:"session_id"`
	Answer             string                 `json:"answer"`
	Sources            []datatypes.SourceInfo `json:"sources,omitempty"`
	CitedMemoryIDs     []string               `json:"cited_memory_ids,omitempty"`
	Degraded           bool                   `json:"degraded"`
	DegradationReasons []string               `json:"degradation_reasons,omitempty"`
	LoopAborted        bool                   `json:"loop_aborted"`
	Repaired           bool                   `json:"repaired,omitempty"`
	Truncated          bool                   `json:"truncated,omitempty"`
	TruncatedBytes     int                    `json:"truncated_bytes,omitempty"`
	Iterations         int                    `json:"iterations"`
	GatingRule         string                 `json:"gating_rule,omitempty"`
	GenerationBudget   int                    `json:"generation_budget,omitempty"`
	Prompt             PromptStats            `json:"prompt"`
	Elapsed            time.Duration          `json:"-"`
}

// ToResponse converts the turn state to the wire response shape.
func (t *TurnState) ToResponse() datatypes.AgentChatResponse {
	return datatypes.AgentChatResponse{
		Answer:      t.Answer,
		SessionID:   t.SessionID,
		TurnID:      t.TurnID,
		Sources:     t.Sources,
		Degraded:    t.Degraded,
		LoopAborted: t.LoopAborted,
		Truncated:   t.Truncated,
		Iterations:  t.Iterations,
	}
}

// errDegenerateStream aborts a runaway generation from inside the
// stream callback.
var errDegenerateStream = errors.New("degenerate token stream")

// errAnswerLimit stops generation once the accumulated visible answer
// hits the byte ceiling.
var errAnswerLimit = errors.New("answer byte ceiling reached")

// Config tunes the agent. Zero values take defaults.
type Config struct {
	// MaxIterations bounds generate/tool cycles per turn. Default 10.
	MaxIterations int
	// PromptBudget is the token budget for prompt assembly.
	PromptBudget int
	// Persona overrides the default system persona.
	Persona string
	// Gating configures the tool gate.
	Gating gating.Config
	// Loop configures the loop detector.
	Loop loopdetect.Config
	// Params are the generation parameters passed to the backend.
	Params llm.GenerationParams
	// RerankerConfigured marks that retrieval carries a reranker, so a
	// fused-order fallback counts as degradation.
	RerankerConfigured bool
	// WorkingMemoryLimit caps the working-tier prefetch. Default 10.
	WorkingMemoryLimit int
	// MaxAnswerBytes caps the accumulated visible answer per turn.
	// Generation stops and the turn is marked truncated past it.
	// Default 64KB.
	MaxAnswerBytes int
}

func (c Config) withDefaults() Config {
	if c.MaxIterations <= 0 {
		c.MaxIterations = 10
	}
	if c.WorkingMemoryLimit <= 0 {
		c.WorkingMemoryLimit = 10
	}
	if c.MaxAnswerBytes <= 0 {
		c.MaxAnswerBytes = 64 * 1024
	}
	return c
}

// defaultFollowUpTokens is the generation budget for iterations after
// tool results, when no MaxTokens was configured. The opening pass runs
// at half of the follow-up budget: before any tool result the model
// should commit to a call or a short answer, not a long synthesis.
const defaultFollowUpTokens = 2048

// generationParams returns the parameters for one generation pass and
// the token budget it carries. A configured MaxTokens acts as the
// follow-up budget.
func (a *Agent) generationParams(iteration int) (llm.GenerationParams, int) {
	params := a.cfg.Params
	budget := defaultFollowUpTokens
	if params.MaxTokens != nil && *params.MaxTokens > 0 {
		budget = *params.MaxTokens
	}
	if iteration == 1 && budget > 1 {
		budget /= 2
	}
	params.MaxTokens = &budget
	return params, budget
}

// ContextRetriever is the retrieval surface the agent depends on.
// *retrieval.HybridRetriever satisfies it.
type ContextRetriever interface {
	Retrieve(ctx context.Context, q datatypes.SearchQuery) (*retrieval.Result, error)
}

// Agent runs turns against a fixed set of dependencies.
//
// # Thread Safety
//
// Safe for concurrent turns. Per-turn state lives on the stack; shared
// dependencies guard themselves.
type Agent struct {
	llmClient llm.LLMClient
	retriever ContextRetriever
	store     memorystore.MemoryStore
	tracker   *learning.Tracker
	registry  *tools.Registry
	executor  *tools.Executor
	metrics   *observability.AgentMetrics
	builder   *PromptBuilder
	cfg       Config
	model     string
}

// ModelNamer is implemented by LLM clients that expose their model name
// for metrics labeling.
type ModelNamer interface {
	ModelName() string
}

// New builds an agent. The LLM client, registry, and executor are
// required; retrieval, store, tracker, and metrics may be nil and the
// corresponding stages degrade.
func New(llmClient llm.LLMClient, retriever ContextRetriever,
	store memorystore.MemoryStore, tracker *learning.Tracker,
	registry *tools.Registry, executor *tools.Executor,
	metrics *observability.AgentMetrics, cfg Config) (*Agent, error) {
	if llmClient == nil {
		return nil, fmt.Errorf("llm client is required")
	}
	if registry == nil || executor == nil {
		return nil, fmt.Errorf("tool registry and executor are required")
	}
	cfg = cfg.withDefaults()
	model := "default"
	if namer, ok := llmClient.(ModelNamer); ok && namer.ModelName() != "" {
		model = namer.ModelName()
	}
	return &Agent{
		llmClient: llmClient,
		retriever: retriever,
		store:     store,
		tracker:   tracker,
		registry:  registry,
		executor:  executor,
		metrics:   metrics,
		builder:   NewPromptBuilder(cfg.PromptBudget),
		cfg:       cfg,
		model:     model,
	}, nil
}

// toolOutcome is one executed call pending outcome recording.
type toolOutcome struct {
	tool    string
	success bool
}

// RunTurn executes one complete turn.
//
// # Description
//
// Drives the turn state machine: prefetch, prompt assembly, streaming
// generation with tool calling, and finalization. Dependency failures
// degrade the turn instead of failing it; the returned error is non-nil
// only for caller cancellation or unrecoverable internal faults.
// Background learning continues after return on a detached context.
//
// # Inputs
//
//   - ctx: Caller context. Cancellation aborts generation and tool
//     execution but not background learning.
//   - req: Validated chat request.
//   - emit: Event sink for streaming surfaces. Nil for non-streaming.
func (a *Agent) RunTurn(ctx context.Context, req datatypes.AgentChatRequest,
	emit EmitFunc) (*TurnState, error) {
	ctx, span := tracer.Start(ctx, "agent.RunTurn")
	defer span.End()

	if emit == nil {
		emit = func(Event) {}
	}
	start := time.Now()
	turn := &TurnState{
		TurnID:    uuid.NewString(),
		SessionID: req.SessionID,
	}
	span.SetAttributes(
		attribute.String("turn_id", turn.TurnID),
		attribute.String("session_id", req.SessionID),
	)
	emit(Event{Type: EventStatus, State: StateInit})

	question := req.LastUserMessage()

	// Prefetch fans out to retrieval, working memory, and effectiveness
	// stats. Failures degrade, they never fail the turn.
	emit(Event{Type: EventStatus, State: StatePrefetch})
	retrieved, working, effectiveness, degradation := a.prefetch(ctx, req, question)
	turn.Degraded = degradation.Any()
	turn.DegradationReasons = degradation.Reasons()

	intentRes := intent.Detect(question, a.registry.Names())

	confidence := 0.0
	if retrieved != nil {
		confidence = retrieved.Confidence
	}
	decision := gating.Decide(a.cfg.Gating, gating.Input{
		Degradation:    degradation,
		ExplicitTools:  intentRes.ExplicitTools,
		ResearchIntent: intentRes.Research,
		Confidence:     confidence,
		Tools:          a.registry.GatingInfo(),
		Effectiveness:  effectiveness,
	})
	turn.GatingRule = decision.RuleFired
	if a.metrics != nil {
		a.metrics.RecordGatingDecision(decision.RuleFired)
	}
	slog.Debug("gating decided",
		"rule", decision.RuleFired,
		"allowed", len(decision.Allowed),
		"suppressed", len(decision.Suppressed),
		"reasons", strings.Join(decision.Reasons, ","))

	emit(Event{Type: EventStatus, State: StateBuildPrompt})
	var retrievedRecords []datatypes.ScoredRecord
	if retrieved != nil {
		retrievedRecords = retrieved.Records
	}
	messages, promptStats := a.builder.Build(PromptInput{
		Persona:       a.cfg.Persona,
		ToolManifest:  a.manifest(decision),
		Retrieved:     retrievedRecords,
		WorkingMemory: working,
		History:       req.Messages,
		FirstTurn:     len(req.Messages) <= 1,
	})
	turn.Prompt = promptStats

	maxIterations := a.cfg.MaxIterations
	if req.MaxIterations > 0 && req.MaxIterations < maxIterations {
		maxIterations = req.MaxIterations
	}

	detector := loopdetect.New(a.cfg.Loop)
	var answer strings.Builder
	var outcomes []toolOutcome
	outputTokens := 0

generate:
	for iteration := 1; iteration <= maxIterations; iteration++ {
		turn.Iterations = iteration
		emit(Event{Type: EventStatus, State: StateGenerating})

		params, genBudget := a.generationParams(iteration)
		turn.GenerationBudget = genBudget

		parser := NewStreamParser()
		streamErr := a.llmClient.ChatStream(ctx, messages, params,
			func(ev llm.StreamEvent) error {
				switch ev.Type {
				case llm.StreamEventToken:
					outputTokens++
					parser.TrackToken(ev.Content)
					if parser.Degenerate() {
						return errDegenerateStream
					}
					if visible := parser.Feed(ev.Content); visible != "" {
						if room := a.cfg.MaxAnswerBytes - answer.Len(); len(visible) > room {
							kept := clipAtRune(visible, room)
							turn.Truncated = true
							turn.TruncatedBytes += len(visible) - len(kept)
							if kept != "" {
								answer.WriteString(kept)
								emit(Event{Type: EventToken, Token: kept})
							}
							return errAnswerLimit
						}
						answer.WriteString(visible)
						emit(Event{Type: EventToken, Token: visible})
					}
				case llm.StreamEventError:
					return ev.Err
				}
				return nil
			})

		switch {
		case streamErr == nil:
		case errors.Is(streamErr, errDegenerateStream):
			// Runaway stream: keep what was emitted and finalize.
			slog.Warn("degenerate stream aborted", "turn_id", turn.TurnID)
			turn.Repaired = true
			break generate
		case errors.Is(streamErr, errAnswerLimit):
			slog.Warn("answer byte ceiling reached, truncating",
				"turn_id", turn.TurnID,
				"limit", a.cfg.MaxAnswerBytes,
				"dropped_bytes", turn.TruncatedBytes)
			break generate
		case ctx.Err() != nil:
			span.SetStatus(codes.Error, "turn cancelled")
			return nil, fmt.Errorf("turn cancelled: %w", ctx.Err())
		default:
			if answer.Len() > 0 {
				// A partial answer still reaches the user.
				slog.Warn("generation failed mid-stream, finalizing partial answer",
					"error", streamErr)
				turn.Degraded = true
				break generate
			}
			span.RecordError(streamErr)
			span.SetStatus(codes.Error, "generation failed")
			if a.metrics != nil {
				a.metrics.RecordTurn(observability.TurnError, turn.Iterations,
					time.Since(start).Seconds())
			}
			emit(Event{Type: EventError, Err: streamErr})
			return nil, fmt.Errorf("generation failed: %w", streamErr)
		}

		if rest, corrupted := parser.Finish(); corrupted {
			turn.Repaired = true
		} else if rest != "" {
			answer.WriteString(rest)
			emit(Event{Type: EventToken, Token: rest})
		}

		calls := parser.Calls()
		if len(calls) == 0 {
			break
		}

		emit(Event{Type: EventStatus, State: StateExecuting})
		assistantMsg, toolMsgs, aborted := a.executeCalls(ctx, calls, decision,
			detector, turn, &outcomes)
		messages = append(messages, assistantMsg)
		messages = append(messages, toolMsgs...)
		if aborted {
			break
		}
	}

	emit(Event{Type: EventStatus, State: StateFinalizing})
	text, repaired := RepairMarkers(answer.String())
	if repaired {
		turn.Repaired = true
	}
	turn.Answer = text
	turn.Sources = AttributeCitations(text, retrievedRecords)
	cited := CitedRecords(text, retrievedRecords)
	for _, rec := range cited {
		if rec.Record.ID != "" {
			turn.CitedMemoryIDs = append(turn.CitedMemoryIDs, rec.Record.ID)
		}
	}
	turn.Elapsed = time.Since(start)

	if len(turn.Sources) > 0 {
		emit(Event{Type: EventSources, Sources: turn.Sources})
	}

	a.recordTurnMetrics(turn, retrieved, outputTokens)
	a.backgroundLearning(ctx, req, intentRes.ContextType, question, turn, outcomes, cited)

	emit(Event{Type: EventStatus, State: StateDone})
	emit(Event{Type: EventDone, Turn: turn})
	span.SetAttributes(
		attribute.Int("iterations", turn.Iterations),
		attribute.Bool("degraded", turn.Degraded),
		attribute.Bool("loop_aborted", turn.LoopAborted),
	)
	return turn, nil
}

// prefetch fans out to the three memory dependencies.
func (a *Agent) prefetch(ctx context.Context, req datatypes.AgentChatRequest,
	question string) (*retrieval.Result, []datatypes.MemoryRecord,
	map[string]gating.Effectiveness, datatypes.DegradationStatus) {
	ctx, span := tracer.Start(ctx, "agent.prefetch")
	defer span.End()

	var (
		retrieved    *retrieval.Result
		retrievedErr error
		working      []datatypes.MemoryRecord
		workingErr   error
		effect       map[string]gating.Effectiveness
		statsErr     error
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if a.retriever == nil {
			retrievedErr = fmt.Errorf("%w: no retriever", datatypes.ErrDegradedDependency)
			return nil
		}
		retrieved, retrievedErr = a.retriever.Retrieve(gctx, datatypes.SearchQuery{
			Text:      question,
			Tiers:     []datatypes.MemoryTier{datatypes.TierHistory, datatypes.TierDocument, datatypes.TierPattern},
			SessionID: req.SessionID,
			DataSpace: req.DataSpace,
		})
		return nil
	})
	g.Go(func() error {
		if a.store == nil {
			workingErr = fmt.Errorf("%w: no memory store", datatypes.ErrDegradedDependency)
			return nil
		}
		working, workingErr = a.store.RecentRecords(gctx, datatypes.TierWorking,
			req.SessionID, a.cfg.WorkingMemoryLimit)
		return nil
	})
	g.Go(func() error {
		if a.tracker == nil {
			statsErr = fmt.Errorf("%w: no tracker", datatypes.ErrDegradedDependency)
			return nil
		}
		effect = a.effectivenessByTool()
		return nil
	})
	_ = g.Wait()

	var degradation datatypes.DegradationStatus
	if retrievedErr != nil || (retrieved != nil && retrieved.Degraded) || workingErr != nil {
		degradation.MemoryDown = true
		if retrievedErr != nil {
			slog.Warn("retrieval prefetch failed", "error", retrievedErr)
		}
		if workingErr != nil {
			slog.Warn("working memory prefetch failed", "error", workingErr)
		}
	}
	if a.cfg.RerankerConfigured && retrieved != nil &&
		len(retrieved.Records) > 0 && !retrieved.RerankerUsed {
		degradation.RerankerDown = true
	}
	if statsErr != nil {
		degradation.StatsDown = true
	}

	span.SetAttributes(attribute.Bool("degraded", degradation.Any()))
	return retrieved, working, effect, degradation
}

// effectivenessByTool aggregates tracker stats across context types
// into the per-tool view gating consumes.
func (a *Agent) effectivenessByTool() map[string]gating.Effectiveness {
	out := make(map[string]gating.Effectiveness)
	for _, stat := range a.tracker.Snapshot() {
		cur := out[stat.Key.ActionType]
		cur.Attempts += stat.Attempts()
		// Keep the weakest bound; an advisory should fire if any
		// context shows the tool underperforming.
		if cur.Attempts == stat.Attempts() || stat.WilsonLow < cur.WilsonLow {
			cur.WilsonLow = stat.WilsonLow
		}
		out[stat.Key.ActionType] = cur
	}
	return out
}

// manifest renders the allowed tools for the prompt.
func (a *Agent) manifest(decision gating.Decision) string {
	var sb strings.Builder
	for _, tool := range a.registry.List() {
		if !decision.Allows(tool.Name()) {
			continue
		}
		fmt.Fprintf(&sb, "- %s: %s\n", tool.Name(), tool.Description())
	}
	return strings.TrimSpace(sb.String())
}

// executeCalls runs the parsed calls of one iteration.
//
// Returns the assistant echo message, the tool result messages, and
// whether the loop detector aborted the turn.
func (a *Agent) executeCalls(ctx context.Context, calls []ParsedCall,
	decision gating.Decision, detector *loopdetect.Detector, turn *TurnState,
	outcomes *[]toolOutcome) (datatypes.Message, []datatypes.Message, bool) {

	// Session-scoped tools (memory lookup) read the session from the
	// invocation context.
	ctx = tools.WithSession(ctx, turn.SessionID)

	// The model needs to see its own calls in the transcript.
	var echo strings.Builder
	for _, call := range calls {
		echo.WriteString(toolCallOpen)
		echo.WriteString(call.Raw)
		echo.WriteString(toolCallClose)
		echo.WriteString("\n")
	}
	assistantMsg := datatypes.Message{Role: "assistant", Content: strings.TrimSpace(echo.String())}

	var toolMsgs []datatypes.Message
	for _, call := range calls {
		if call.Err != nil {
			// Malformed calls go back to the model for correction.
			toolMsgs = append(toolMsgs, datatypes.Message{
				Role:    "tool",
				Content: fmt.Sprintf("Error: malformed tool call: %v", call.Err),
			})
			continue
		}
		if !decision.Allows(call.Name) {
			toolMsgs = append(toolMsgs, datatypes.Message{
				Role:    "tool",
				Content: fmt.Sprintf("Error: tool %q is not available this turn", call.Name),
			})
			continue
		}

		detection := detector.AddStep(loopdetect.Signature(call.Name, call.Args))
		if detection.Detected {
			slog.Warn("loop detected, aborting tool calls",
				"turn_id", turn.TurnID,
				"kind", detection.Kind,
				"tool", call.Name)
			turn.LoopAborted = true
			if a.metrics != nil {
				a.metrics.RecordLoopAbort(detection.Kind)
			}
			return assistantMsg, toolMsgs, true
		}

		result, err := a.executor.Execute(ctx, call.Name, call.Args)
		*outcomes = append(*outcomes, toolOutcome{tool: call.Name, success: err == nil})
		if a.metrics != nil {
			a.metrics.RecordToolInvocation(call.Name, toolStatus(err),
				result.Elapsed.Seconds())
		}
		if err != nil {
			toolMsgs = append(toolMsgs, datatypes.Message{
				Role:    "tool",
				Content: fmt.Sprintf("Error: %s: %v", datatypes.ErrorCode(err), err),
			})
			continue
		}
		content := result.Content
		if result.NeedsSummarization {
			content += "\n(Note: output was truncated, summarize before reasoning further.)"
		}
		toolMsgs = append(toolMsgs, datatypes.Message{Role: "tool", Content: content})
	}
	return assistantMsg, toolMsgs, false
}

// toolStatus maps an execution error to its metrics label.
func toolStatus(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, datatypes.ErrTimeout):
		return "timeout"
	case errors.Is(err, datatypes.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, datatypes.ErrMalformedToolCall):
		return "malformed"
	default:
		return "error"
	}
}

func (a *Agent) recordTurnMetrics(turn *TurnState, retrieved *retrieval.Result,
	outputTokens int) {
	if a.metrics == nil {
		return
	}
	outcome := observability.TurnCompleted
	switch {
	case turn.LoopAborted:
		outcome = observability.TurnLoopAborted
	case turn.Degraded:
		outcome = observability.TurnDegraded
	}
	a.metrics.RecordTurn(outcome, turn.Iterations, turn.Elapsed.Seconds())
	a.metrics.RecordTokens(turn.Prompt.TokensUsed, outputTokens, a.model)
	if retrieved != nil {
		a.metrics.RecordRetrieval(
			retrieved.SearchTime.Seconds(),
			retrieved.RerankTime.Seconds(),
			(retrieved.SearchTime + retrieved.RerankTime).Seconds(),
			turn.DegradationReasons,
		)
	}
}

// backgroundLearning records outcomes, reinforces cited records, and
// persists the turn summary on a detached context. Caller cancellation
// does not reach it.
func (a *Agent) backgroundLearning(ctx context.Context, req datatypes.AgentChatRequest,
	contextType, question string, turn *TurnState, outcomes []toolOutcome,
	cited []datatypes.ScoredRecord) {
	bg := context.WithoutCancel(ctx)
	summary := learning.TurnSummary{
		SessionID:  req.SessionID,
		DataSpace:  req.DataSpace,
		TurnNumber: len(req.Messages),
		Question:   question,
		Answer:     turn.Answer,
	}

	go func() {
		bgCtx, cancel := context.WithTimeout(bg, 30*time.Second)
		defer cancel()

		if a.tracker != nil {
			for _, o := range outcomes {
				a.tracker.RecordOutcome(bgCtx, learning.StatKey{
					ContextType: contextType,
					ActionType:  o.tool,
					Collection:  "tools",
				}, o.success)
			}
		}
		if a.store != nil {
			learning.ReinforceCitations(bgCtx, a.store, cited)
			if summary.Answer != "" {
				if err := learning.PersistTurnSummary(bgCtx, a.store, summary); err != nil {
					slog.Warn("failed to persist turn summary",
						"session_id", summary.SessionID, "error", err)
				}
			}
		}
	}()
}

// clipAtRune cuts s to at most n bytes without splitting a rune.
func clipAtRune(s string, n int) string {
	if n <= 0 {
		return ""
	}
	if n >= len(s) {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
