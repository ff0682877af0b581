// Package toolid normalizes and parses the two canonical identifiers the
// gateway operates on: ToolId ("namespace:action") and BackendFqdn, the
// 4- or 5-segment hierarchical identity of a backend artifact.
package toolid

import (
	"fmt"
	"strings"
)

// Normalize rewrites alternate external spellings of a tool id
// ("namespace.action", "ns__action") into the canonical "namespace:action"
// form. The empty namespace is rejected.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("tool id: empty")
	}

	if strings.Contains(s, ":") {
		// already canonical-shaped; fall through to validation below
	} else if idx := strings.Index(s, "__"); idx >= 0 {
		s = s[:idx] + ":" + s[idx+2:]
	} else if idx := strings.LastIndex(s, "."); idx >= 0 {
		s = s[:idx] + ":" + s[idx+1:]
	}

	ns, action, ok := strings.Cut(s, ":")
	if !ok || ns == "" {
		return "", fmt.Errorf("tool id %q: missing or empty namespace", raw)
	}
	if action == "" {
		return "", fmt.Errorf("tool id %q: missing action", raw)
	}
	if strings.ContainsAny(ns, ":") || strings.Count(s, ":") != 1 {
		return "", fmt.Errorf("tool id %q: malformed", raw)
	}

	return ns + ":" + action, nil
}

// Namespace returns the namespace segment of an already-normalized ToolId.
func Namespace(toolID string) string {
	ns, _, _ := strings.Cut(toolID, ":")
	return ns
}

// Action returns the action segment of an already-normalized ToolId.
func Action(toolID string) string {
	_, action, _ := strings.Cut(toolID, ":")
	return action
}

// Fqdn is a parsed BackendFqdn: org.project.namespace.action[.hash4].
type Fqdn struct {
	Org       string
	Project   string
	Namespace string
	Action    string
	Hash4     string // empty when the 4-segment form was given
}

// Base returns the 4-segment identity string, ignoring any hash suffix.
// This is the key used by the Integrity Lockfile.
func (f Fqdn) Base() string {
	return strings.Join([]string{f.Org, f.Project, f.Namespace, f.Action}, ".")
}

// String renders the full fqdn, including the hash segment if present.
func (f Fqdn) String() string {
	base := f.Base()
	if f.Hash4 == "" {
		return base
	}
	return base + "." + f.Hash4
}

// ParseFqdn parses a 4- or 5-segment backend fqdn.
func ParseFqdn(raw string) (Fqdn, error) {
	parts := strings.Split(raw, ".")
	switch len(parts) {
	case 4:
		return Fqdn{Org: parts[0], Project: parts[1], Namespace: parts[2], Action: parts[3]}, nil
	case 5:
		return Fqdn{Org: parts[0], Project: parts[1], Namespace: parts[2], Action: parts[3], Hash4: parts[4]}, nil
	default:
		return Fqdn{}, fmt.Errorf("backend fqdn %q: expected 4 or 5 dot-separated segments, got %d", raw, len(parts))
	}
}
