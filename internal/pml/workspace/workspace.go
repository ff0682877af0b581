// Package workspace resolves the per-workspace state layout
// (<workspace>/.pml.json, <workspace>/.mcp.json, <workspace>/.pml/) and the
// per-user routing cache path, and loads the two JSON config files with
// environment-variable expansion the same way the teacher's own config
// loader expands `${VAR}`/`${VAR:-default}` forms before parsing.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/permission"
)

// WorkspaceEnvVar overrides workspace root autodetection.
const WorkspaceEnvVar = "PML_WORKSPACE"

// APIKeyEnvVar is the optional credential for cloud calls.
const APIKeyEnvVar = "PML_API_KEY"

// markerFile is the file whose presence identifies a directory as a
// workspace root during upward autodetection.
const markerFile = ".pml.json"

// Policy is the on-disk shape of <workspace>/.pml.json.
type Policy struct {
	AllowPatterns []string `json:"allow"`
	DenyPatterns  []string `json:"deny"`
	AskPatterns   []string `json:"ask"`
	CloudURL      string   `json:"cloudUrl"`
	Workspace     bool     `json:"workspace"`
}

// ToPermissionPolicy converts the on-disk shape into permission.Policy.
func (p Policy) ToPermissionPolicy() permission.Policy {
	return permission.Policy{AllowPatterns: p.AllowPatterns, DenyPatterns: p.DenyPatterns, AskPatterns: p.AskPatterns}
}

// BackendRosterEntry is one entry of <workspace>/.mcp.json's backend roster.
type BackendRosterEntry struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
}

// Roster is the on-disk shape of <workspace>/.mcp.json.
type Roster struct {
	Servers map[string]BackendRosterEntry `json:"mcpServers"`
}

// Root is a resolved workspace: its directory plus the derived state paths.
type Root struct {
	Dir string
}

// PolicyPath is <workspace>/.pml.json.
func (r Root) PolicyPath() string { return filepath.Join(r.Dir, ".pml.json") }

// RosterPath is <workspace>/.mcp.json.
func (r Root) RosterPath() string { return filepath.Join(r.Dir, ".mcp.json") }

// StateDir is <workspace>/.pml/, project-local mutable state.
func (r Root) StateDir() string { return filepath.Join(r.Dir, ".pml") }

// LockfilePath is <workspace>/.pml/mcp.lock.
func (r Root) LockfilePath() string { return filepath.Join(r.StateDir(), "mcp.lock") }

// RoutingCachePath is ~/.pml/routing-cache.json, the per-user cache shared
// across every workspace on the machine.
func RoutingCachePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("workspace: resolve home directory: %w", err)
	}
	return filepath.Join(home, ".pml", "routing-cache.json"), nil
}

// Detect resolves the workspace root: override (typically the PML_WORKSPACE
// env var) wins outright; otherwise it walks upward from start looking for
// a .pml.json marker, falling back to start itself if none is found.
func Detect(start, override string) (Root, error) {
	if override != "" {
		abs, err := filepath.Abs(override)
		if err != nil {
			return Root{}, fmt.Errorf("workspace: resolve override %q: %w", override, err)
		}
		return Root{Dir: abs}, nil
	}

	dir, err := filepath.Abs(start)
	if err != nil {
		return Root{}, fmt.Errorf("workspace: resolve start %q: %w", start, err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, markerFile)); err == nil {
			return Root{Dir: dir}, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	abs, err := filepath.Abs(start)
	if err != nil {
		return Root{}, fmt.Errorf("workspace: resolve start %q: %w", start, err)
	}
	return Root{Dir: abs}, nil
}

// DetectFromEnv is Detect using the PML_WORKSPACE environment variable as
// the override and the process's current directory as the search start.
func DetectFromEnv() (Root, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Root{}, fmt.Errorf("workspace: getwd: %w", err)
	}
	return Detect(cwd, os.Getenv(WorkspaceEnvVar))
}

var (
	envWithDefault = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*):-(.*?)\}`)
	envBraced      = regexp.MustCompile(`\$\{([A-Z_][A-Z0-9_]*)\}`)
)

// expandEnv rewrites ${VAR} and ${VAR:-default} references in s against the
// process environment, leaving anything else untouched.
func expandEnv(s string) string {
	if !strings.Contains(s, "$") {
		return s
	}
	s = envWithDefault.ReplaceAllStringFunc(s, func(match string) string {
		parts := envWithDefault.FindStringSubmatch(match)
		if val := os.Getenv(parts[1]); val != "" {
			return val
		}
		return parts[2]
	})
	return envBraced.ReplaceAllStringFunc(s, func(match string) string {
		parts := envBraced.FindStringSubmatch(match)
		return os.Getenv(parts[1])
	})
}

// LoadDotEnv loads <workspace>/.env into the process environment if
// present; a missing file is not an error.
func LoadDotEnv(r Root) error {
	path := filepath.Join(r.Dir, ".env")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	return godotenv.Load(path)
}

// policyDefaults seeds koanf before the on-disk file is loaded, so a minimal
// ".pml.json" (e.g. "{}") still marks its directory as a recognized
// workspace rather than requiring every field to be spelled out explicitly.
var policyDefaults = map[string]any{"workspace": true}

// LoadPolicy parses <workspace>/.pml.json via koanf, applying env-var
// expansion to CloudURL. A missing file yields a zero Policy, not an error.
func LoadPolicy(r Root) (Policy, error) {
	path := r.PolicyPath()
	if _, err := os.Stat(path); err != nil {
		return Policy{}, nil
	}

	k := koanf.New(".")
	if err := k.Load(confmap.Provider(policyDefaults, "."), nil); err != nil {
		return Policy{}, fmt.Errorf("workspace: load policy defaults: %w", err)
	}
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return Policy{}, fmt.Errorf("workspace: load %s: %w", path, err)
	}
	var p Policy
	if err := k.Unmarshal("", &p); err != nil {
		return Policy{}, fmt.Errorf("workspace: parse %s: %w", path, err)
	}
	p.CloudURL = expandEnv(p.CloudURL)
	return p, nil
}

// LoadRoster parses <workspace>/.mcp.json via koanf, expanding env
// references in each entry's Env map. A missing file yields an empty
// Roster, not an error.
func LoadRoster(r Root) (Roster, error) {
	path := r.RosterPath()
	if _, err := os.Stat(path); err != nil {
		return Roster{Servers: map[string]BackendRosterEntry{}}, nil
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), json.Parser()); err != nil {
		return Roster{}, fmt.Errorf("workspace: load %s: %w", path, err)
	}
	var roster Roster
	if err := k.Unmarshal("", &roster); err != nil {
		return Roster{}, fmt.Errorf("workspace: parse %s: %w", path, err)
	}
	for name, entry := range roster.Servers {
		for envKey, v := range entry.Env {
			entry.Env[envKey] = expandEnv(v)
		}
		roster.Servers[name] = entry
	}
	return roster, nil
}

// EnsureStateDir creates <workspace>/.pml/ if it does not already exist.
func EnsureStateDir(r Root) error {
	return os.MkdirAll(r.StateDir(), 0o755)
}
