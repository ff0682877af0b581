// Package routing maps a ToolId to the backend class that should serve it
// ({local, cloud}) against a synchronized cloud-namespace allowlist, and
// persists that allowlist so a restart does not require an immediate refetch.
package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/atomicfile"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/toolid"
	"github.com/Casys-AI/casys-pml-sub016/pkg/httpclient"
)

// HTTPDoer is satisfied by both *http.Client and *httpclient.Client, so a
// caller can supply either; Resolver defaults to the latter for its
// built-in retry/backoff handling of the conditional-GET wire contract.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Target is the resolved backend class for a call.
type Target string

const (
	Local Target = "local"
	Cloud Target = "cloud"
)

// cacheShape is the on-disk shape of ~/.pml/routing-cache.json.
type cacheShape struct {
	Version      string    `json:"version"`
	CloudServers []string  `json:"cloudServers"`
	LastSync     time.Time `json:"lastSync"`
	CloudURL     string    `json:"cloudUrl"`
}

// Resolver holds the currently active cloud-namespace allowlist. The zero
// value resolves every toolId to Local until Init or Sync populates it.
type Resolver struct {
	cachePath string
	cloudURL  string
	client    HTTPDoer
	log       *slog.Logger

	mu             sync.RWMutex
	version        string
	cloudNamespace map[string]bool
	fallbackFailed bool // no cache ever existed and the last sync failed
}

// Config configures a Resolver.
type Config struct {
	CachePath string // on-disk cache file, normally ~/.pml/routing-cache.json (resolved by the caller); empty disables cache load and persist
	CloudURL  string
	Client    HTTPDoer
	Logger    *slog.Logger

	// CACertificate and InsecureSkipVerify configure the default client's
	// TLS transport, for cloud registries behind a corporate proxy with a
	// private CA or a self-signed dev/test endpoint. Ignored when Client is
	// set explicitly.
	CACertificate      string
	InsecureSkipVerify bool
}

// New builds a Resolver; call Init to load any on-disk cache before first use.
func New(cfg Config) *Resolver {
	client := cfg.Client
	if client == nil {
		opts := []httpclient.Option{
			httpclient.WithHTTPClient(&http.Client{Timeout: 10 * time.Second}),
			httpclient.WithMaxRetries(2),
			httpclient.WithHeaderParser(httpclient.ParseRetryAfter),
		}
		if cfg.CACertificate != "" || cfg.InsecureSkipVerify {
			opts = append(opts, httpclient.WithTLSConfig(&httpclient.TLSConfig{
				CACertificate:      cfg.CACertificate,
				InsecureSkipVerify: cfg.InsecureSkipVerify,
			}))
		}
		client = httpclient.New(opts...)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		cachePath:      cfg.CachePath,
		cloudURL:       cfg.CloudURL,
		client:         client,
		log:            logger.With("component", "routing"),
		cloudNamespace: make(map[string]bool),
	}
}

// Init loads the on-disk cache, if any. Idempotent: calling it again re-reads
// the file and replaces the in-memory set atomically.
func (r *Resolver) Init() error {
	if r.cachePath == "" {
		return nil
	}
	data, err := os.ReadFile(r.cachePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read routing cache %s: %w", r.cachePath, err)
	}

	var cs cacheShape
	if err := json.Unmarshal(data, &cs); err != nil {
		return fmt.Errorf("parse routing cache %s: %w", r.cachePath, err)
	}

	set := make(map[string]bool, len(cs.CloudServers))
	for _, ns := range cs.CloudServers {
		set[ns] = true
	}

	r.mu.Lock()
	r.version = cs.Version
	r.cloudNamespace = set
	r.mu.Unlock()
	return nil
}

// CurrentVersion returns the allowlist version currently held in memory.
func (r *Resolver) CurrentVersion() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.version
}

// CloudNamespaces returns a snapshot of the active cloud allowlist.
func (r *Resolver) CloudNamespaces() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.cloudNamespace))
	for ns := range r.cloudNamespace {
		out = append(out, ns)
	}
	return out
}

// Resolve maps a normalized ToolId to its backend class. Unknown namespaces,
// and any state reached before a successful Init/Sync, resolve to Local.
func (r *Resolver) Resolve(toolID string) Target {
	ns := toolid.Namespace(toolID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.cloudNamespace[ns] {
		return Cloud
	}
	return Local
}

// FallbackUnavailable reports whether the last sync failed with no usable
// cache, meaning cloud-routed calls must fail loudly instead of silently
// defaulting to local.
func (r *Resolver) FallbackUnavailable() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fallbackFailed
}

type routingResponse struct {
	Version      string   `json:"version"`
	CloudServers []string `json:"cloudServers"`
}

// Sync performs a conditional fetch of the routing registry and applies one
// of three outcomes: unchanged, replace-and-persist, or fetch-failure
// (falling back to cache, or marking fallback-unavailable if there is none).
func (r *Resolver) Sync(ctx context.Context, endpoint, bearerToken string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("build routing sync request: %w", err)
	}
	if bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+bearerToken)
	}
	r.mu.RLock()
	if r.version != "" {
		req.Header.Set("If-None-Match", r.version)
	}
	r.mu.RUnlock()

	resp, err := r.client.Do(req)
	if err != nil {
		return r.handleSyncFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		r.log.Debug("routing allowlist unchanged", "version", r.CurrentVersion())
		return nil
	}
	if resp.StatusCode != http.StatusOK {
		return r.handleSyncFailure(fmt.Errorf("routing sync: unexpected status %d", resp.StatusCode))
	}

	var rr routingResponse
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return r.handleSyncFailure(fmt.Errorf("decode routing response: %w", err))
	}

	set := make(map[string]bool, len(rr.CloudServers))
	for _, ns := range rr.CloudServers {
		set[ns] = true
	}

	r.mu.Lock()
	r.version = rr.Version
	r.cloudNamespace = set
	r.fallbackFailed = false
	r.mu.Unlock()

	return r.persist(rr.Version, rr.CloudServers, endpoint)
}

// handleSyncFailure implements outcome (c): log+keep cache if one exists, or
// mark fallback-unavailable if this resolver has never had a usable cache.
func (r *Resolver) handleSyncFailure(cause error) error {
	r.mu.Lock()
	hadCache := r.version != ""
	if !hadCache {
		r.fallbackFailed = true
	}
	r.mu.Unlock()

	if hadCache {
		r.log.Warn("routing sync failed, continuing with cached allowlist", "error", cause)
		return nil
	}
	r.log.Warn("routing sync failed with no cache available", "error", cause)
	return fmt.Errorf("routing sync failed and no cache is available: %w", cause)
}

func (r *Resolver) persist(version string, cloudServers []string, cloudURL string) error {
	if r.cachePath == "" {
		return nil
	}
	cs := cacheShape{Version: version, CloudServers: cloudServers, LastSync: time.Now(), CloudURL: cloudURL}
	data, err := json.MarshalIndent(cs, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal routing cache: %w", err)
	}
	return atomicfile.Write(r.cachePath, data, 0o600)
}
