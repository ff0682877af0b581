// Package trace is a per-execution, append-only record of RPC calls and
// branch decisions, finalized exactly once into a sanitized, immutable
// ExecutionTrace.
package trace

import (
	"fmt"
	"regexp"
	"sync"
	"time"
)

// TaskResult is one recorded tool call within an execution.
type TaskResult struct {
	TaskID     string // monotonic per-execution: t1, t2, ...
	ToolID     string
	Args       map[string]any
	Result     any
	Success    bool
	DurationMs int64
	Timestamp  time.Time
}

// BranchDecision is one recorded conditional branch taken during an
// execution, appended through RecordBranchDecision.
type BranchDecision struct {
	NodeID    string
	Outcome   string
	Condition string
	Timestamp time.Time
}

// ExecutionTrace is the finalized, immutable record of one execution.
type ExecutionTrace struct {
	CapabilityID string
	Success      bool
	Error        string
	DurationMs   int64
	TaskResults  []TaskResult
	Decisions    []BranchDecision
	Timestamp    time.Time
	UserID       string
}

// secretKeyPattern matches key names whose values must be redacted before a
// trace is ever emitted.
var secretKeyPattern = regexp.MustCompile(`(?i)(key|token|password|secret|authorization|credential)`)

// maxValueLen truncates oversized payload values before emission.
const maxValueLen = 4096

// Collector accumulates task results and branch decisions for one execution.
// It is safe for concurrent use by multiple in-flight RPC calls belonging to
// the same execution; Finalize may only be called once.
type Collector struct {
	mu        sync.Mutex
	taskSeq   int
	tasks     []TaskResult
	decisions []BranchDecision
	finalized bool
}

// New creates an empty Collector.
func New() *Collector {
	return &Collector{}
}

// RecordMcpCall appends a sanitized TaskResult with the next monotonic task
// id. It is a no-op (returns an error) once the collector is finalized.
func (c *Collector) RecordMcpCall(toolID string, args map[string]any, result any, durationMs int64, success bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return fmt.Errorf("trace collector: already finalized")
	}
	c.taskSeq++
	c.tasks = append(c.tasks, TaskResult{
		TaskID:     fmt.Sprintf("t%d", c.taskSeq),
		ToolID:     toolID,
		Args:       sanitizeValue(args).(map[string]any),
		Result:     sanitizeValue(result),
		Success:    success,
		DurationMs: durationMs,
		Timestamp:  time.Now(),
	})
	return nil
}

// RecordBranchDecision appends a branch decision to the trace.
func (c *Collector) RecordBranchDecision(nodeID, outcome, condition string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return fmt.Errorf("trace collector: already finalized")
	}
	c.decisions = append(c.decisions, BranchDecision{
		NodeID: nodeID, Outcome: outcome, Condition: condition, Timestamp: time.Now(),
	})
	return nil
}

// Finalize freezes the collector and returns the sanitized ExecutionTrace.
// Calling it more than once returns an error on the second and later calls.
func (c *Collector) Finalize(capabilityID string, success bool, execErr error, durationMs int64, userID string) (ExecutionTrace, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.finalized {
		return ExecutionTrace{}, fmt.Errorf("trace collector: already finalized")
	}
	c.finalized = true

	errMsg := ""
	if execErr != nil {
		errMsg = execErr.Error()
	}
	return ExecutionTrace{
		CapabilityID: capabilityID,
		Success:      success,
		Error:        errMsg,
		DurationMs:   durationMs,
		TaskResults:  append([]TaskResult(nil), c.tasks...),
		Decisions:    append([]BranchDecision(nil), c.decisions...),
		Timestamp:    time.Now(),
		UserID:       userID,
	}, nil
}

// sanitizeValue redacts secret-shaped keys and truncates oversize strings,
// recursing into maps and slices. Non-container values pass through.
func sanitizeValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, x := range val {
			if secretKeyPattern.MatchString(k) {
				out[k] = "[REDACTED]"
				continue
			}
			out[k] = sanitizeValue(x)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, x := range val {
			out[i] = sanitizeValue(x)
		}
		return out
	case string:
		if len(val) > maxValueLen {
			return val[:maxValueLen] + "...[truncated]"
		}
		return val
	default:
		return val
	}
}
