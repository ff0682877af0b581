// Package toolindex is the durable source of truth for every discovered
// tool's schema and description, plus an approximate-nearest-neighbor index
// over its embedding for similarity search. The ANN index is a derived
// structure: it is always rebuildable from the entries held here.
package toolindex

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/capability"
)

// Entry is the persisted record for one tool.
type Entry struct {
	ToolID      string
	Description string
	Schema      map[string]any
	Embedding   []float32
}

// Match is one ranked search result.
type Match struct {
	ToolID string
	Score  float64 // cosine similarity in [-1, 1]
}

const collectionName = "tools"

// Index is the tool registry plus its ANN search structure. Writes only
// happen at discovery time (a backend's tools changing); reads happen on
// every suggestion request, so the ANN side is optimized for query latency.
type Index struct {
	mu      sync.RWMutex
	db      *chromem.DB
	col     *chromem.Collection
	entries map[string]Entry

	schemaMu sync.Mutex
	schemas  map[string]*jsonschema.Schema
}

// identityEmbed signals that embeddings are always supplied by the caller;
// chromem-go must never compute one itself for this collection.
func identityEmbed(_ context.Context, _ string) ([]float32, error) {
	return nil, fmt.Errorf("toolindex: embeddings must be precomputed, chromem must not compute them")
}

// New builds an empty, in-memory index. Persistence is the caller's
// responsibility via Rebuild from whatever durable store holds the Entry set.
func New() (*Index, error) {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collectionName, nil, identityEmbed)
	if err != nil {
		return nil, fmt.Errorf("toolindex: create collection: %w", err)
	}
	return &Index{db: db, col: col, entries: make(map[string]Entry)}, nil
}

// Upsert records or replaces one tool's schema, description, and embedding.
func (idx *Index) Upsert(ctx context.Context, e Entry) error {
	if !capability.ValidateEmbedding(e.Embedding) {
		return fmt.Errorf("toolindex: embedding for %q has non-finite components", e.ToolID)
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	doc := chromem.Document{
		ID:        e.ToolID,
		Content:   e.Description,
		Embedding: e.Embedding,
	}
	if err := idx.col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("toolindex: upsert %q: %w", e.ToolID, err)
	}
	idx.entries[e.ToolID] = e
	idx.invalidateSchema(e.ToolID)
	return nil
}

// Remove deletes a tool from both the entry map and the ANN index.
func (idx *Index) Remove(ctx context.Context, toolID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, ok := idx.entries[toolID]; !ok {
		return nil
	}
	if err := idx.col.Delete(ctx, nil, nil, toolID); err != nil {
		return fmt.Errorf("toolindex: remove %q: %w", toolID, err)
	}
	delete(idx.entries, toolID)
	idx.invalidateSchema(toolID)
	return nil
}

func (idx *Index) invalidateSchema(toolID string) {
	idx.schemaMu.Lock()
	delete(idx.schemas, toolID)
	idx.schemaMu.Unlock()
}

// Get returns the stored entry for toolID, if any.
func (idx *Index) Get(toolID string) (Entry, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	e, ok := idx.entries[toolID]
	return e, ok
}

// Count returns the number of indexed tools.
func (idx *Index) Count() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries)
}

// All returns every indexed entry, in no particular order.
func (idx *Index) All() []Entry {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	out := make([]Entry, 0, len(idx.entries))
	for _, e := range idx.entries {
		out = append(out, e)
	}
	return out
}

// SearchTools ranks every indexed tool against query by cosine similarity,
// returning the top k matches descending by score, ties broken by ToolID for
// determinism.
func (idx *Index) SearchTools(ctx context.Context, query []float32, k int) ([]Match, error) {
	if !capability.ValidateEmbedding(query) {
		return nil, fmt.Errorf("toolindex: query embedding has non-finite components")
	}

	idx.mu.RLock()
	n := len(idx.entries)
	idx.mu.RUnlock()
	if n == 0 || k <= 0 {
		return nil, nil
	}
	if k > n {
		k = n
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()
	results, err := idx.col.QueryEmbedding(ctx, query, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("toolindex: search: %w", err)
	}

	matches := make([]Match, 0, len(results))
	for _, r := range results {
		matches = append(matches, Match{ToolID: r.ID, Score: float64(r.Similarity)})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].ToolID < matches[j].ToolID
	})
	return matches, nil
}

// Rebuild replaces the entire ANN index from entries, discarding whatever
// the index currently holds. Used to reconstruct the ANN structure from a
// durable source of truth (e.g. after a process restart).
func (idx *Index) Rebuild(ctx context.Context, entries []Entry) error {
	db := chromem.NewDB()
	col, err := db.GetOrCreateCollection(collectionName, nil, identityEmbed)
	if err != nil {
		return fmt.Errorf("toolindex: rebuild collection: %w", err)
	}

	fresh := make(map[string]Entry, len(entries))
	for _, e := range entries {
		if !capability.ValidateEmbedding(e.Embedding) {
			return fmt.Errorf("toolindex: rebuild: embedding for %q has non-finite components", e.ToolID)
		}
		doc := chromem.Document{ID: e.ToolID, Content: e.Description, Embedding: e.Embedding}
		if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
			return fmt.Errorf("toolindex: rebuild: add %q: %w", e.ToolID, err)
		}
		fresh[e.ToolID] = e
	}

	idx.mu.Lock()
	idx.db, idx.col, idx.entries = db, col, fresh
	idx.mu.Unlock()

	idx.schemaMu.Lock()
	idx.schemas = nil
	idx.schemaMu.Unlock()
	return nil
}

// compiledSchema lazily compiles and caches toolID's recorded input schema.
// A tool with no entry or no schema compiles to (nil, nil): validation is
// trivially satisfied rather than treated as an error, since not every
// discovered tool is required to carry a JSON-schema-shaped description.
func (idx *Index) compiledSchema(toolID string) (*jsonschema.Schema, error) {
	idx.schemaMu.Lock()
	defer idx.schemaMu.Unlock()

	if s, ok := idx.schemas[toolID]; ok {
		return s, nil
	}

	idx.mu.RLock()
	e, ok := idx.entries[toolID]
	idx.mu.RUnlock()
	if !ok || len(e.Schema) == 0 {
		return nil, nil
	}

	raw, err := json.Marshal(e.Schema)
	if err != nil {
		return nil, fmt.Errorf("toolindex: marshal schema for %q: %w", toolID, err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("toolindex: decode schema for %q: %w", toolID, err)
	}

	url := "mem://pml/tool/" + toolID
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("toolindex: add schema resource for %q: %w", toolID, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("toolindex: compile schema for %q: %w", toolID, err)
	}

	if idx.schemas == nil {
		idx.schemas = make(map[string]*jsonschema.Schema)
	}
	idx.schemas[toolID] = schema
	return schema, nil
}

// ValidateArgs validates args against toolID's recorded input schema, if
// any; it satisfies loader.SchemaValidator so the Capability Loader can
// reject malformed calls before they ever reach a backend.
func (idx *Index) ValidateArgs(toolID string, args map[string]any) error {
	schema, err := idx.compiledSchema(toolID)
	if err != nil {
		return err
	}
	if schema == nil {
		return nil
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("toolindex: marshal args for %q: %w", toolID, err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("toolindex: decode args for %q: %w", toolID, err)
	}
	if err := schema.Validate(instance); err != nil {
		return fmt.Errorf("toolindex: args for %q fail schema: %w", toolID, err)
	}
	return nil
}
