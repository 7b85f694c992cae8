// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "errors"

// Error taxonomy for the agent pipeline. Packages wrap these sentinels
// so handlers can classify failures without string matching.
var (
	// ErrDegradedDependency marks a backing service (memory store,
	// reranker, stats) as unavailable. The turn proceeds degraded.
	ErrDegradedDependency = errors.New("dependency degraded")

	// ErrCircuitOpen marks a tool backend whose breaker is open.
	// Callers fail fast instead of waiting on a dead backend.
	ErrCircuitOpen = errors.New("circuit open")

	// ErrLoopDetected marks a turn aborted by the loop detector.
	ErrLoopDetected = errors.New("tool loop detected")

	// ErrTimeout marks an operation that exceeded its budget. Retried
	// at most once, and only for idempotent reads.
	ErrTimeout = errors.New("operation timed out")

	// ErrMalformedToolCall marks unparseable or invalid tool arguments.
	// Returned to the model for correction, never to the user.
	ErrMalformedToolCall = errors.New("malformed tool call")

	// ErrStructuralCorruption marks unbalanced markers in model output.
	// Repaired automatically during finalization.
	ErrStructuralCorruption = errors.New("structural corruption in model output")
)

// ErrorCode maps a pipeline error to a stable machine-readable code for
// metrics labels and SSE error events. Unknown errors map to "internal".
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrDegradedDependency):
		return "degraded_dependency"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrLoopDetected):
		return "loop_detected"
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrMalformedToolCall):
		return "malformed_tool_call"
	case errors.Is(err, ErrStructuralCorruption):
		return "structural_corruption"
	default:
		return "internal"
	}
}

// Recoverable reports whether the turn can still produce a completed
// response after err. Only unclassified internal errors are fatal to
// the user-visible response.
func Recoverable(err error) bool {
	if err == nil {
		return true
	}
	return ErrorCode(err) != "internal"
}
