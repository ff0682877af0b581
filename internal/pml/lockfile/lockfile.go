// Package lockfile is a per-workspace durable record of trusted backends at
// <workspace>/.pml/mcp.lock, with hash-change detection that surfaces an
// approval workflow when a previously trusted backend's integrity hash
// changes.
//
// Writes are serialized through a mutex so only one mutation proceeds at a
// time; at-rest atomicity is provided by internal/pml/atomicfile.
package lockfile

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/atomicfile"
)

// BackendType distinguishes how a backend is hosted.
type BackendType string

const (
	TypeSubprocess BackendType = "subprocess"
	TypeEmbedded   BackendType = "embedded"
)

// Entry is one trusted-backend record, keyed by its fqdn base.
type Entry struct {
	Fqdn           string      `json:"fqdn"`
	Integrity      string      `json:"integrity"`
	FetchedAt      time.Time   `json:"fetchedAt"`
	LastValidated  time.Time   `json:"lastValidatedAt"`
	Type           BackendType `json:"type"`
	Approved       bool        `json:"approved"`
}

// fileShape is the on-disk JSON shape: {version, entries: {base -> Entry}, updatedAt}.
type fileShape struct {
	Version   int              `json:"version"`
	Entries   map[string]Entry `json:"entries"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

const schemaVersion = 1

// ValidateResult is the tagged outcome of Validate.
type ValidateResult struct {
	Valid            bool
	IsNew            bool
	ApprovalRequired bool
	ApprovalKind     string // "integrity" when ApprovalRequired
	WorkflowID       string
	OldHash4         string
	NewHash4         string
	OldFetchedAt     time.Time
}

// Lockfile is the per-workspace integrity store.
type Lockfile struct {
	path        string
	autoApprove bool

	mu      sync.Mutex
	entries map[string]Entry
}

// Open loads (or initializes) the lockfile at <workspace>/.pml/mcp.lock.
func Open(workspace string, autoApprove bool) (*Lockfile, error) {
	path := workspace + "/.pml/mcp.lock"
	l := &Lockfile{path: path, autoApprove: autoApprove, entries: make(map[string]Entry)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return l, nil
		}
		return nil, fmt.Errorf("read lockfile %s: %w", path, err)
	}

	var fs fileShape
	if err := json.Unmarshal(data, &fs); err != nil {
		return nil, fmt.Errorf("parse lockfile %s: %w", path, err)
	}
	if fs.Entries != nil {
		l.entries = fs.Entries
	}
	return l, nil
}

func (l *Lockfile) persistLocked() error {
	fs := fileShape{Version: schemaVersion, Entries: l.entries, UpdatedAt: time.Now()}
	data, err := json.MarshalIndent(fs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal lockfile: %w", err)
	}
	return atomicfile.Write(l.path, data, 0o600)
}

// Validate checks fqdn's current integrity hash against the stored entry.
// existingWorkflowID, when non-empty, is reused for the synthesized approval
// so it correlates with an enclosing flow.
func (l *Lockfile) Validate(fqdn, serverIntegrity string, typ BackendType, existingWorkflowID string) (ValidateResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := fqdnBase(fqdn)
	now := time.Now()

	entry, exists := l.entries[base]
	if !exists {
		if l.autoApprove {
			l.entries[base] = Entry{
				Fqdn: base, Integrity: serverIntegrity, FetchedAt: now,
				LastValidated: now, Type: typ, Approved: true,
			}
			if err := l.persistLocked(); err != nil {
				return ValidateResult{}, err
			}
		}
		return ValidateResult{Valid: true, IsNew: true}, nil
	}

	if entry.Integrity == serverIntegrity {
		entry.LastValidated = now
		l.entries[base] = entry
		if err := l.persistLocked(); err != nil {
			return ValidateResult{}, err
		}
		return ValidateResult{Valid: true, IsNew: false}, nil
	}

	id := existingWorkflowID
	if id == "" {
		id = uuid.NewString()
	}
	return ValidateResult{
		ApprovalRequired: true,
		ApprovalKind:     "integrity",
		WorkflowID:       id,
		OldHash4:         hash4(entry.Integrity),
		NewHash4:         hash4(serverIntegrity),
		OldFetchedAt:     entry.FetchedAt,
	}, nil
}

// ApproveIntegrityChange commits a new integrity hash for fqdn and marks the
// entry approved.
func (l *Lockfile) ApproveIntegrityChange(fqdn, newIntegrity string, typ BackendType) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	base := fqdnBase(fqdn)
	now := time.Now()
	entry, exists := l.entries[base]
	fetchedAt := now
	if exists {
		fetchedAt = entry.FetchedAt
	}

	l.entries[base] = Entry{
		Fqdn: base, Integrity: newIntegrity, FetchedAt: fetchedAt,
		LastValidated: now, Type: typ, Approved: true,
	}
	return l.persistLocked()
}

// Get returns the entry for fqdn's base, if any.
func (l *Lockfile) Get(fqdn string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[fqdnBase(fqdn)]
	return e, ok
}

// Count returns the number of entries currently tracked.
func (l *Lockfile) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

// RemoveNotIn deletes every entry whose fqdn base is not in keep.
func (l *Lockfile) RemoveNotIn(keep []string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	keepSet := make(map[string]bool, len(keep))
	for _, k := range keep {
		keepSet[fqdnBase(k)] = true
	}
	for base := range l.entries {
		if !keepSet[base] {
			delete(l.entries, base)
		}
	}
	return l.persistLocked()
}

// RemoveOlderThan deletes every entry last validated before the cutoff.
func (l *Lockfile) RemoveOlderThan(maxAge time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	for base, e := range l.entries {
		if e.LastValidated.Before(cutoff) {
			delete(l.entries, base)
		}
	}
	return l.persistLocked()
}

// fqdnBase trims any 5th hash segment, so entries are always keyed on the
// 4-segment identity regardless of which form callers pass in.
func fqdnBase(fqdn string) string {
	parts := strings.Split(fqdn, ".")
	if len(parts) > 4 {
		parts = parts[:4]
	}
	return strings.Join(parts, ".")
}

func hash4(integrity string) string {
	// Integrity strings look like "sha256-<hex>"; take the first 4 chars of
	// the hash payload after the algorithm prefix.
	if idx := strings.IndexByte(integrity, '-'); idx >= 0 {
		payload := integrity[idx+1:]
		if len(payload) >= 4 {
			return payload[:4]
		}
		return payload
	}
	if len(integrity) >= 4 {
		return integrity[:4]
	}
	return integrity
}
