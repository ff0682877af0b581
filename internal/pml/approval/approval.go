// Package approval is an in-memory, session-scoped registry of approval
// continuations, keyed by a globally unique workflow id, with TTL expiry and
// at-most-once consumption. A pause surfaces as a first-class return value
// (ApprovalRequired) rather than a background task status: the caller's next
// call carries the same workflow id back in to resume.
package approval

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
)

// Kind enumerates the four gates that can create a PendingApproval.
type Kind string

const (
	KindDependency     Kind = "dependency"
	KindAPIKey         Kind = "api-key"
	KindIntegrity      Kind = "integrity"
	KindToolPermission Kind = "tool-permission"
)

// MaxTTL bounds every pending approval's lifetime.
const MaxTTL = 5 * time.Minute

// DefaultTTL is used by New when no explicit ttl is supplied.
const DefaultTTL = 5 * time.Minute

// Pending is a continuation captured at a gate: enough state to resume the
// originally-blocked action once a human approves or rejects it.
type Pending struct {
	WorkflowID  string
	Code        string // captured sandboxed code, for dependency/api-key gates
	ToolID      string
	Args        json.RawMessage // captured call arguments, for tool-permission/integrity/dependency gates
	BackendFqdn string
	Kind        Kind
	CreatedAt   time.Time
	expiresAt   time.Time
}

// Expired reports whether p's TTL has elapsed as of now.
func (p Pending) Expired(now time.Time) bool {
	return now.After(p.expiresAt)
}

// Store is the in-memory, session-scoped pending-approval registry. It is
// never persisted: a process restart implies loss of all pending approvals.
type Store struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]Pending
}

// New creates an empty store. ttl <= 0 uses DefaultTTL; ttl is clamped to
// MaxTTL.
func New(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &Store{ttl: ttl, m: make(map[string]Pending)}
}

// Create inserts a new pending approval and returns its workflow id. If
// reuseWorkflowID is non-empty it is used verbatim (for correlation with an
// enclosing flow, e.g. an integrity gate synthesized from within a call
// already carrying a workflow id); otherwise a fresh UUID is minted.
func (s *Store) Create(p Pending, reuseWorkflowID string, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := reuseWorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	p.WorkflowID = id
	p.CreatedAt = now
	p.expiresAt = now.Add(s.ttl)
	s.m[id] = p
	return id
}

// Lookup returns the pending approval for id without consuming it, or false
// if it does not exist or has expired (an expired entry is evicted as a side
// effect, matching the store's TTL invariant).
func (s *Store) Lookup(id string, now time.Time) (Pending, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.m[id]
	if !ok {
		return Pending{}, false
	}
	if p.Expired(now) {
		delete(s.m, id)
		return Pending{}, false
	}
	return p, true
}

// Consume removes and returns the pending approval for id, guaranteeing
// at-most-one consumer via map-and-remove. Returns a WORKFLOW_UNKNOWN error
// if id is unknown or has expired.
func (s *Store) Consume(id string, now time.Time) (Pending, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.m[id]
	if !ok {
		return Pending{}, gatewayerr.New(gatewayerr.CodeWorkflowUnknown, "workflow unknown or expired")
	}
	delete(s.m, id)
	if p.Expired(now) {
		return Pending{}, gatewayerr.New(gatewayerr.CodeWorkflowUnknown, "workflow unknown or expired")
	}
	return p, nil
}

// Count returns the number of currently tracked (not necessarily
// unexpired) pending approvals. Useful for tests and diagnostics.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}

// EvictExpired removes all entries whose TTL has elapsed as of now, and
// returns how many were removed. Callers may run this periodically; it is
// never required for correctness since Lookup/Consume evict lazily.
func (s *Store) EvictExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, p := range s.m {
		if p.Expired(now) {
			delete(s.m, id)
			n++
		}
	}
	return n
}
