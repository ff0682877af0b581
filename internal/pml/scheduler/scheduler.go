// Package scheduler executes a task DAG level by level: Kahn's algorithm
// assigns each task to the earliest level its dependencies allow, then every
// level runs in parallel bounded by a concurrent request queue. A failed
// task marks every descendant skipped rather than retried.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/dag"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/queue"
)

// Invoker dispatches one task to its backing tool or capability.
type Invoker interface {
	InvokeTool(ctx context.Context, callName string, args map[string]any) (any, error)
	InvokeCapability(ctx context.Context, callName string, args map[string]any) (any, error)
}

// TaskError records why one task did not contribute a result.
type TaskError struct {
	TaskID  string
	Message string
}

// Result is the outcome of running an entire DAG.
type Result struct {
	Results               map[string]any
	Errors                []TaskError
	ExecutionTimeMs       int64
	ParallelizationLayers int
}

// Run levels tasks via Kahn's algorithm, then executes each level in
// parallel with concurrency bounded by q. args supplies each task's input
// by task id; a missing entry is passed as an empty map.
func Run(ctx context.Context, tasks []dag.Task, args map[string]map[string]any, invoker Invoker, q *queue.Queue) (Result, error) {
	start := time.Now()

	levels, err := levelize(tasks)
	if err != nil {
		return Result{}, err
	}

	byID := make(map[string]dag.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	results := make(map[string]any)
	var resultsMu sync.Mutex
	var errs []TaskError
	var errsMu sync.Mutex
	skipped := make(map[string]bool)
	var skippedMu sync.Mutex

	recordError := func(taskID, msg string) {
		errsMu.Lock()
		errs = append(errs, TaskError{TaskID: taskID, Message: msg})
		errsMu.Unlock()
	}
	markSkipped := func(taskID string) {
		skippedMu.Lock()
		skipped[taskID] = true
		skippedMu.Unlock()
	}
	isSkipped := func(taskID string) bool {
		skippedMu.Lock()
		defer skippedMu.Unlock()
		return skipped[taskID]
	}

	for _, level := range levels {
		g, gctx := errgroup.WithContext(ctx)
		for _, taskID := range level {
			taskID := taskID
			t := byID[taskID]

			dependencyFailed := false
			for _, dep := range t.DependsOn {
				if isSkipped(dep) {
					dependencyFailed = true
					break
				}
			}
			if dependencyFailed {
				markSkipped(taskID)
				recordError(taskID, "skipped: a dependency failed")
				continue
			}

			g.Go(func() error {
				if q != nil {
					tok, err := q.Acquire()
					if err != nil {
						markSkipped(taskID)
						recordError(taskID, err.Error())
						return nil
					}
					defer q.Release(tok)
				}

				taskArgs := args[taskID]
				if taskArgs == nil {
					taskArgs = map[string]any{}
				}

				var out any
				var callErr error
				switch t.Type {
				case dag.ItemCapability:
					out, callErr = invoker.InvokeCapability(gctx, t.CallName, taskArgs)
				default:
					out, callErr = invoker.InvokeTool(gctx, t.CallName, taskArgs)
				}

				if callErr != nil {
					markSkipped(taskID)
					recordError(taskID, callErr.Error())
					return nil
				}

				resultsMu.Lock()
				results[taskID] = out
				resultsMu.Unlock()
				return nil
			})
		}
		// Errors are captured per-task above; Wait only propagates goroutine
		// panics/unexpected errors, which never surface here by construction.
		_ = g.Wait()
	}

	return Result{
		Results:               results,
		Errors:                errs,
		ExecutionTimeMs:       time.Since(start).Milliseconds(),
		ParallelizationLayers: len(levels),
	}, nil
}

// levelize implements Kahn's algorithm: each task's level is one more than
// the maximum level of its dependencies, so a level can be executed as a
// single parallel batch.
func levelize(tasks []dag.Task) ([][]string, error) {
	byID := make(map[string]dag.Task, len(tasks))
	indegree := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)

	for _, t := range tasks {
		byID[t.ID] = t
		indegree[t.ID] = len(t.DependsOn)
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("scheduler: task %q depends on unknown task %q", t.ID, dep)
			}
			dependents[dep] = append(dependents[dep], t.ID)
		}
	}

	var levels [][]string
	ready := make([]string, 0)
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}

	processed := 0
	for len(ready) > 0 {
		levels = append(levels, ready)
		var next []string
		for _, id := range ready {
			processed++
			for _, child := range dependents[id] {
				indegree[child]--
				if indegree[child] == 0 {
					next = append(next, child)
				}
			}
		}
		ready = next
	}

	if processed != len(tasks) {
		return nil, fmt.Errorf("scheduler: task graph has a cycle")
	}
	return levels, nil
}
