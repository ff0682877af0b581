// Package learning updates persistent statistics from a finalized execution
// trace: tool-dependency confidence, capability success rate, and queued
// training examples for the ranker. Every update is best-effort — a failure
// here is logged and discarded, never surfaced to the caller that finished
// the execution.
package learning

import (
	"log/slog"
	"time"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/capability"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/trace"
)

// DependencyStore persists tool-to-tool dependency edges.
type DependencyStore interface {
	Get(from, to string) (capability.Dependency, bool)
	Put(capability.Dependency)
}

// CapabilityStore persists capability-level learned statistics.
type CapabilityStore interface {
	Get(id string) (capability.Capability, bool)
	Put(capability.Capability)
}

// TrainingExample is one queued sample for the ranker's background trainer.
type TrainingExample struct {
	IntentEmbedding []float64
	ContextTools    []string
	CandidateID     string
	Outcome         int // 0 or 1
	NegativeCapIDs  []string
}

// Loop consumes finalized traces and keeps dependency/capability statistics
// current, queuing a training example for whoever drains Examples().
type Loop struct {
	deps     DependencyStore
	caps     CapabilityStore
	prior    capability.BetaPrior
	log      *slog.Logger
	examples chan TrainingExample
}

// Config configures a Loop.
type Config struct {
	Dependencies  DependencyStore
	Capabilities  CapabilityStore
	Prior         capability.BetaPrior
	QueueCapacity int
	Logger        *slog.Logger
}

// New builds a Loop. A zero-value Prior defaults to capability.DefaultBetaPrior.
func New(cfg Config) *Loop {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	prior := cfg.Prior
	if prior == (capability.BetaPrior{}) {
		prior = capability.DefaultBetaPrior
	}
	capacity := cfg.QueueCapacity
	if capacity <= 0 {
		capacity = 256
	}
	return &Loop{
		deps:     cfg.Dependencies,
		caps:     cfg.Capabilities,
		prior:    prior,
		log:      logger.With("component", "learning"),
		examples: make(chan TrainingExample, capacity),
	}
}

// Examples exposes the queued training examples for a background trainer to
// drain; the channel is never closed by Loop.
func (l *Loop) Examples() <-chan TrainingExample {
	return l.examples
}

// Process updates dependency confidences for every consecutive pair of
// successful tool calls, updates the capability's success rate and usage
// count, and best-effort enqueues one training example. It never returns an
// error: all failure is logged and swallowed.
func (l *Loop) Process(tr trace.ExecutionTrace, intentEmbedding []float64, contextTools, negativeCapIDs []string) {
	defer func() {
		if r := recover(); r != nil {
			l.log.Error("learning update panicked, discarding", "panic", r, "capabilityId", tr.CapabilityID)
		}
	}()

	now := time.Now()
	l.updateDependencies(tr, now)
	l.updateCapability(tr, now)
	l.enqueueExample(tr, intentEmbedding, contextTools, negativeCapIDs)
}

func (l *Loop) updateDependencies(tr trace.ExecutionTrace, at time.Time) {
	if l.deps == nil {
		return
	}
	for i := 0; i+1 < len(tr.TaskResults); i++ {
		a, b := tr.TaskResults[i], tr.TaskResults[i+1]
		if !a.Success || !b.Success {
			continue
		}
		dep, ok := l.deps.Get(a.ToolID, b.ToolID)
		if !ok {
			dep = capability.Dependency{From: a.ToolID, To: b.ToolID}
		}
		l.deps.Put(capability.Observe(dep, l.prior, at))
	}
}

func (l *Loop) updateCapability(tr trace.ExecutionTrace, at time.Time) {
	if l.caps == nil || tr.CapabilityID == "" {
		return
	}
	cap, ok := l.caps.Get(tr.CapabilityID)
	if !ok {
		cap = capability.Capability{ID: tr.CapabilityID}
	}
	l.caps.Put(capability.RecordOutcome(cap, tr.Success, at))
}

func (l *Loop) enqueueExample(tr trace.ExecutionTrace, intentEmbedding []float64, contextTools, negativeCapIDs []string) {
	if tr.CapabilityID == "" {
		return
	}
	outcome := 0
	if tr.Success {
		outcome = 1
	}
	example := TrainingExample{
		IntentEmbedding: intentEmbedding,
		ContextTools:    contextTools,
		CandidateID:     tr.CapabilityID,
		Outcome:         outcome,
		NegativeCapIDs:  negativeCapIDs,
	}
	select {
	case l.examples <- example:
	default:
		l.log.Warn("training queue full, dropping example", "capabilityId", tr.CapabilityID)
	}
}
