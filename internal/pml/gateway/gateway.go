// Package gateway wires the tool index, ranker, DAG suggester, and scheduler
// around the capability loader into the single
// intent-driven surface a client process drives: Suggest turns an intent
// embedding into a task graph, Execute runs it through the loader, and
// Call/Continue expose the loader's single-call path directly for clients
// that already know which tool they want.
package gateway

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/capability"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/dag"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/loader"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/queue"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/scheduler"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/shgat"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/toolindex"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/trace"
)

// CapabilityStore persists capability definitions so the gateway can rank
// and compose them; it doubles as learning.CapabilityStore.
type CapabilityStore interface {
	Get(id string) (capability.Capability, bool)
	Put(capability.Capability)
	List() []capability.Capability
}

// DependencyStore persists tool-to-tool dependency edges used as
// dag.ProvidesEdge weights; it doubles as learning.DependencyStore.
type DependencyStore interface {
	Get(from, to string) (capability.Dependency, bool)
	Put(capability.Dependency)
	List() []capability.Dependency
}

// MapCapabilityStore is an in-memory CapabilityStore.
type MapCapabilityStore struct {
	mu    sync.RWMutex
	items map[string]capability.Capability
}

func NewMapCapabilityStore() *MapCapabilityStore {
	return &MapCapabilityStore{items: make(map[string]capability.Capability)}
}

func (s *MapCapabilityStore) Get(id string) (capability.Capability, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.items[id]
	return c, ok
}

func (s *MapCapabilityStore) Put(c capability.Capability) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[c.ID] = c
}

func (s *MapCapabilityStore) List() []capability.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capability.Capability, 0, len(s.items))
	for _, c := range s.items {
		out = append(out, c)
	}
	return out
}

// MapDependencyStore is an in-memory DependencyStore, keyed "from\x00to".
type MapDependencyStore struct {
	mu    sync.RWMutex
	items map[string]capability.Dependency
}

func NewMapDependencyStore() *MapDependencyStore {
	return &MapDependencyStore{items: make(map[string]capability.Dependency)}
}

func depKey(from, to string) string { return from + "\x00" + to }

func (s *MapDependencyStore) Get(from, to string) (capability.Dependency, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.items[depKey(from, to)]
	return d, ok
}

func (s *MapDependencyStore) Put(d capability.Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[depKey(d.From, d.To)] = d
}

func (s *MapDependencyStore) List() []capability.Dependency {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]capability.Dependency, 0, len(s.items))
	for _, d := range s.items {
		out = append(out, d)
	}
	return out
}

// Config wires the components a Gateway coordinates. Index, Ranker, Queue,
// Capabilities, and Dependencies may be nil; Suggest/Execute degrade
// gracefully (an unset Index yields no tool candidates, an unset Queue runs
// unbounded).
type Config struct {
	Loader       *loader.Loader
	Index        *toolindex.Index
	Ranker       *shgat.Ranker
	Queue        *queue.Queue
	Capabilities CapabilityStore
	Dependencies DependencyStore
	Learning     LearningProcessor
}

// LearningProcessor is the subset of *learning.Loop accepted as
// Config.Learning. The Gateway stores it; no Gateway method calls it.
type LearningProcessor interface {
	Process(tr trace.ExecutionTrace, intentEmbedding []float64, contextTools, negativeCapIDs []string)
}

// Gateway is the top-level facade a client process drives: discovery feeds
// Index and Capabilities/Dependencies out of band (C10, C15's stores),
// Suggest (C12+C13) turns an intent into a task graph, and Execute (C14)
// runs it through the Loader (C5). The outcome is not fed back into
// Learning (C15): the configured LearningProcessor is never invoked.
type Gateway struct {
	loader *loader.Loader
	index  *toolindex.Index
	ranker *shgat.Ranker
	queue  *queue.Queue
	caps   CapabilityStore
	deps   DependencyStore
	learn  LearningProcessor
}

// New builds a Gateway. cfg.Loader must be non-nil; it is the only
// collaborator every call path needs.
func New(cfg Config) *Gateway {
	return &Gateway{
		loader: cfg.Loader,
		index:  cfg.Index,
		ranker: cfg.Ranker,
		queue:  cfg.Queue,
		caps:   cfg.Capabilities,
		deps:   cfg.Dependencies,
		learn:  cfg.Learning,
	}
}

// Call delegates to the Loader's single-call path.
func (g *Gateway) Call(ctx context.Context, toolID string, args map[string]any, userID string) (any, *loader.ApprovalRequired, error) {
	return g.loader.Call(ctx, toolID, args, userID)
}

// Continue delegates to the Loader's approval-continuation path.
func (g *Gateway) Continue(ctx context.Context, workflowID string, approved bool) (any, *loader.ApprovalRequired, error) {
	return g.loader.Continue(ctx, workflowID, approved)
}

// DefaultSearchK bounds how many tool candidates SearchTools surfaces to
// the DAG suggester before composition is attempted.
const DefaultSearchK = 10

// Suggest ranks every known tool and capability against an intent embedding
// and turns the result into an executable task graph. ok is false when
// neither single-capability nor composition mode produces at least two
// tasks, meaning the caller should fall back to a plain Call.
func (g *Gateway) Suggest(ctx context.Context, intentEmbedding []float64, contextTools []string) (dag.Suggestion, bool, error) {
	items, err := g.discover(ctx, intentEmbedding, contextTools)
	if err != nil {
		return dag.Suggestion{}, false, err
	}
	edges := g.provideEdges()
	sugg, ok := dag.Suggest(items, edges, dag.DefaultThreshold)
	return sugg, ok, nil
}

func (g *Gateway) discover(ctx context.Context, intentEmbedding []float64, contextTools []string) ([]dag.DiscoveredItem, error) {
	var items []dag.DiscoveredItem

	if g.index != nil {
		q32 := make([]float32, len(intentEmbedding))
		for i, v := range intentEmbedding {
			q32[i] = float32(v)
		}
		matches, err := g.index.SearchTools(ctx, q32, DefaultSearchK)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			entry, ok := g.index.Get(m.ToolID)
			if !ok {
				continue
			}
			items = append(items, dag.DiscoveredItem{
				ID: m.ToolID, Type: dag.ItemTool, Score: m.Score, InputSchema: entry.Schema,
			})
		}
	}

	if g.ranker != nil && g.caps != nil {
		graph := g.buildGraph()
		contextSet := make(map[string]bool, len(contextTools))
		for _, t := range contextTools {
			contextSet[t] = true
		}
		scored, err := g.ranker.ScoreAllCapabilities(intentEmbedding, graph, contextSet)
		if err != nil {
			return nil, err
		}
		for _, s := range scored {
			c, ok := g.caps.Get(s.CapID)
			if !ok {
				continue
			}
			items = append(items, dag.DiscoveredItem{
				ID: c.ID, Type: dag.ItemCapability, Score: s.Score, ToolsUsed: c.ToolsUsed,
			})
		}
	}

	return items, nil
}

func (g *Gateway) buildGraph() shgat.Graph {
	graph := shgat.Graph{Tools: map[string][]float64{}, Capabilities: map[string]shgat.CapabilityInput{}}
	if g.index != nil {
		for _, e := range g.index.All() {
			graph.Tools[e.ToolID] = float32To64(e.Embedding)
		}
	}
	if g.caps != nil {
		for _, c := range g.caps.List() {
			graph.Capabilities[c.ID] = shgat.CapabilityInput{
				ID: c.ID, ToolsUsed: c.ToolsUsed, Embedding: float32To64(c.Embedding),
			}
		}
	}
	return graph
}

func float32To64(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	return out
}

func (g *Gateway) provideEdges() []dag.ProvidesEdge {
	if g.deps == nil {
		return nil
	}
	deps := g.deps.List()
	edges := make([]dag.ProvidesEdge, 0, len(deps))
	for _, d := range deps {
		edges = append(edges, dag.ProvidesEdge{From: d.From, To: d.To, Weight: 1 - d.Confidence})
	}
	return edges
}

// gatewayInvoker adapts the Loader's Call into scheduler.Invoker; a pending
// approval is surfaced as a plain error since the scheduler has no
// continuation channel of its own (matching the Loader's own treatment of
// nested sandboxed calls, see internal/pml/loader).
type gatewayInvoker struct {
	g      *Gateway
	userID string
}

func (iv gatewayInvoker) InvokeTool(ctx context.Context, callName string, args map[string]any) (any, error) {
	v, ar, err := iv.g.loader.Call(ctx, callName, args, iv.userID)
	if ar != nil {
		return nil, ar
	}
	return v, err
}

// InvokeCapability runs a capability task by recursively executing its own
// ToolsUsed as a sub-DAG, rather than passing the bare capability id to the
// Loader as if it were a namespaced ToolId. A capability with no ToolsUsed
// is treated as pure composition metadata: it contributes no call of its
// own and succeeds with a nil result.
func (iv gatewayInvoker) InvokeCapability(ctx context.Context, callName string, args map[string]any) (any, error) {
	if iv.g.caps == nil {
		return nil, fmt.Errorf("gateway: no capability store configured, cannot invoke capability %q", callName)
	}
	cap, ok := iv.g.caps.Get(callName)
	if !ok {
		return nil, fmt.Errorf("gateway: unknown capability %q", callName)
	}
	if len(cap.ToolsUsed) == 0 {
		return nil, nil
	}

	subTasks := dag.CapabilityTasks(cap.ID, cap.ToolsUsed)
	subArgs := map[string]map[string]any{subTasks[0].ID: args}

	sub, err := scheduler.Run(ctx, subTasks, subArgs, iv, iv.g.queue)
	if err != nil {
		return nil, err
	}
	if len(sub.Errors) > 0 {
		msgs := make([]string, 0, len(sub.Errors))
		for _, e := range sub.Errors {
			msgs = append(msgs, fmt.Sprintf("%s: %s", e.TaskID, e.Message))
		}
		return nil, fmt.Errorf("gateway: capability %q failed: %s", callName, strings.Join(msgs, "; "))
	}

	last := subTasks[len(subTasks)-1]
	return sub.Results[last.ID], nil
}

// Execute runs a suggested task graph through the Loader and returns the
// scheduler's result. It does not call the configured LearningProcessor and
// does not itself produce a trace.Collector per task;
// callers that need a full call-level trace should drive ExecuteSandboxed
// directly for code-bearing capabilities.
func (g *Gateway) Execute(ctx context.Context, sugg dag.Suggestion, args map[string]map[string]any, userID string) (scheduler.Result, error) {
	return scheduler.Run(ctx, sugg.Tasks, args, gatewayInvoker{g: g, userID: userID}, g.queue)
}
