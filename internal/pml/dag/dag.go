// Package dag turns a ranked set of discovered tools and capabilities into
// an executable task graph: either the ordered steps of a single
// high-confidence capability, or a composition chaining several discovered
// items together via their "provides" relationships.
package dag

import (
	"fmt"
	"math"
	"sort"
)

// ItemType distinguishes a task's target.
type ItemType string

const (
	ItemTool       ItemType = "tool"
	ItemCapability ItemType = "capability"
)

// DiscoveredItem is one candidate surfaced by the ranker, carrying enough
// information to become a task if selected.
type DiscoveredItem struct {
	ID          string
	Type        ItemType
	Score       float64
	ToolsUsed   []string // populated for capabilities
	InputSchema map[string]any
}

// ProvidesEdge is a directed "produces output consumed by" relationship
// between two discovered items, weighted by traversal cost (lower is
// cheaper/more direct).
type ProvidesEdge struct {
	From, To string
	Weight   float64
}

// Task is one node of the suggested DAG.
type Task struct {
	ID          string
	CallName    string
	Type        ItemType
	InputSchema map[string]any
	DependsOn   []string
}

// Mode reports which strategy produced a Suggestion.
type Mode string

const (
	ModeSingle      Mode = "single"
	ModeComposition Mode = "composition"
)

// Suggestion is a non-empty task graph plus the confidence that it answers
// the intent.
type Suggestion struct {
	Tasks      []Task
	Mode       Mode
	Confidence float64
}

// DefaultThreshold is θ: the minimum capability score for single-capability
// mode to fire without attempting composition.
const DefaultThreshold = 0.5

// Suggest builds a DAG from the ranked items and provides-edges. The second
// return value is false when neither strategy can produce at least two
// tasks ("no suggestion").
func Suggest(items []DiscoveredItem, edges []ProvidesEdge, theta float64) (Suggestion, bool) {
	if best, ok := bestCapability(items); ok && best.Score >= theta {
		if tasks := CapabilityTasks(best.ID, best.ToolsUsed); len(tasks) >= 2 {
			return Suggestion{Tasks: tasks, Mode: ModeSingle, Confidence: best.Score}, true
		}
	}

	if sugg, ok := compose(items, edges); ok && len(sugg.Tasks) >= 2 {
		return sugg, true
	}

	return Suggestion{}, false
}

func bestCapability(items []DiscoveredItem) (DiscoveredItem, bool) {
	var best DiscoveredItem
	found := false
	for _, it := range items {
		if it.Type != ItemCapability {
			continue
		}
		if !found || it.Score > best.Score || (it.Score == best.Score && it.ID < best.ID) {
			best = it
			found = true
		}
	}
	return best, found
}

// CapabilityTasks builds the linear sub-DAG a capability's own ToolsUsed
// list expands into: each tool depends on the one before it, in list order.
// Both the top-level suggester (single-capability mode) and a capability
// task's own recursive execution use this to derive the same shape.
func CapabilityTasks(capID string, toolsUsed []string) []Task {
	tasks := make([]Task, 0, len(toolsUsed))
	var prev string
	for i, toolID := range toolsUsed {
		id := fmt.Sprintf("%s.%d", capID, i)
		t := Task{ID: id, CallName: toolID, Type: ItemTool}
		if prev != "" {
			t.DependsOn = []string{prev}
		}
		tasks = append(tasks, t)
		prev = id
	}
	return tasks
}

// compose builds a path through the discovered-item graph by greedily
// walking from the highest-scoring item that has an outgoing provides-edge
// (the highest-scoring item overall when none has one) along its cheapest outgoing
// provides-edge to an unvisited item, repeating until no edge remains. This
// is a bounded approximation of shortest-hyperpath search: exact
// hyperpath search is NP-hard in the general case and this demonstration
// operates over small discovered-item sets where greedy chaining already
// captures the common "A feeds B feeds C" composition shape.
func compose(items []DiscoveredItem, edges []ProvidesEdge) (Suggestion, bool) {
	if len(items) == 0 {
		return Suggestion{}, false
	}

	byID := make(map[string]DiscoveredItem, len(items))
	for _, it := range items {
		byID[it.ID] = it
	}

	adjacency := make(map[string][]ProvidesEdge)
	for _, e := range edges {
		adjacency[e.From] = append(adjacency[e.From], e)
	}
	for from := range adjacency {
		sort.Slice(adjacency[from], func(i, j int) bool {
			return adjacency[from][i].Weight < adjacency[from][j].Weight
		})
	}

	sorted := append([]DiscoveredItem(nil), items...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Score != sorted[j].Score {
			return sorted[i].Score > sorted[j].Score
		}
		return sorted[i].ID < sorted[j].ID
	})

	visited := make(map[string]bool)
	current := sorted[0].ID
	for _, it := range sorted {
		if len(adjacency[it.ID]) > 0 {
			current = it.ID
			break
		}
	}
	visited[current] = true
	path := []string{current}
	var pathWeight float64

	for {
		var next string
		var nextWeight float64
		for _, e := range adjacency[current] {
			if !visited[e.To] {
				next = e.To
				nextWeight = e.Weight
				break
			}
		}
		if next == "" {
			break
		}
		visited[next] = true
		path = append(path, next)
		pathWeight += nextWeight
		current = next
	}

	if len(path) < 2 {
		return Suggestion{}, false
	}

	tasks := make([]Task, 0, len(path))
	var scoreSum float64
	var prev string
	for i, id := range path {
		it := byID[id]
		scoreSum += it.Score
		taskID := fmt.Sprintf("compose.%d", i)
		t := Task{ID: taskID, CallName: it.ID, Type: it.Type, InputSchema: it.InputSchema}
		if prev != "" {
			t.DependsOn = []string{prev}
		}
		tasks = append(tasks, t)
		prev = taskID
	}

	avgScore := scoreSum / float64(len(path))
	confidence := avgScore * math.Exp(-pathWeight/10)
	return Suggestion{Tasks: tasks, Mode: ModeComposition, Confidence: confidence}, true
}
