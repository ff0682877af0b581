// Package subprocess spawns and supervises local tool-providing subprocesses
// over line-delimited JSON-RPC 2.0, hiding reconnection from callers.
package subprocess

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"sync"
	"time"

	mcpclient "github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/sony/gobreaker"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
	"github.com/Casys-AI/casys-pml-sub016/pkg/registry"
)

// envVarPattern matches "${VAR}" for startup substitution in command/args/env.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv substitutes "${VAR}" references in s using lookup; a missing var
// yields the empty string and a logged warning, never an error that could
// leak the raw template into a user-visible message.
func expandEnv(s string, lookup func(string) (string, bool), log *slog.Logger) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(m string) string {
		name := envVarPattern.FindStringSubmatch(m)[1]
		if v, ok := lookup(name); ok {
			return v
		}
		log.Warn("subprocess env var not set, substituting empty string", "var", name)
		return ""
	})
}

// ServerSpec describes how to start one tool-providing backend.
type ServerSpec struct {
	ID      string
	Command string
	Args    []string
	Env     map[string]string
}

// server is one supervised subprocess connection. breaker guards Call:
// a crashing backend that fails repeatedly trips the circuit so the pool
// stops hammering it between health-check-driven reconnects, rather than
// retrying every single caller's request against a backend already known
// to be down.
type server struct {
	spec    ServerSpec
	mu      sync.Mutex
	client  *mcpclient.Client
	tools   map[string]mcp.Tool
	breaker *gobreaker.CircuitBreaker
}

// newServerBreaker opens after 3 consecutive call failures and probes
// recovery with a single request after 30s, independent of the health-check
// loop's own reconnect cadence.
func newServerBreaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
	})
}

// Pool manages the full set of local subprocess backends.
type Pool struct {
	reg *registry.BaseRegistry[*server]
	log *slog.Logger

	healthInterval time.Duration
	maxBackoff     time.Duration
	envLookup      func(string) (string, bool)

	stopOnce sync.Once
	stop     chan struct{}
}

// Config configures a Pool.
type Config struct {
	HealthInterval time.Duration // defaults to 30s
	MaxBackoff     time.Duration // defaults to 30s
	EnvLookup      func(string) (string, bool)
	Logger         *slog.Logger
}

// New builds an empty Pool.
func New(cfg Config) *Pool {
	health := cfg.HealthInterval
	if health <= 0 {
		health = 30 * time.Second
	}
	maxBackoff := cfg.MaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 30 * time.Second
	}
	lookup := cfg.EnvLookup
	if lookup == nil {
		lookup = func(string) (string, bool) { return "", false }
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		reg:            registry.NewBaseRegistry[*server](),
		log:            logger.With("component", "subprocess-pool"),
		healthInterval: health,
		maxBackoff:     maxBackoff,
		envLookup:      lookup,
		stop:           make(chan struct{}),
	}
}

// Spawn starts a backend, connects, and registers it under spec.ID,
// replacing and closing any previous connection already registered under
// that ID so a respawn never leaks the old subprocess's file descriptors.
func (p *Pool) Spawn(ctx context.Context, spec ServerSpec) error {
	expandedCmd := expandEnv(spec.Command, p.envLookup, p.log)
	expandedArgs := make([]string, len(spec.Args))
	for i, a := range spec.Args {
		expandedArgs[i] = expandEnv(a, p.envLookup, p.log)
	}
	expandedEnv := make([]string, 0, len(spec.Env))
	for k, v := range spec.Env {
		expandedEnv = append(expandedEnv, k+"="+expandEnv(v, p.envLookup, p.log))
	}

	c, err := connectStdio(ctx, expandedCmd, expandedEnv, expandedArgs)
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "spawn subprocess backend "+spec.ID, err)
	}

	srv := &server{spec: spec, client: c, tools: make(map[string]mcp.Tool), breaker: newServerBreaker(spec.ID)}
	if err := p.refreshTools(ctx, srv); err != nil {
		_ = c.Close()
		return err
	}

	if old, ok := p.reg.Get(spec.ID); ok {
		old.mu.Lock()
		_ = old.client.Close()
		old.mu.Unlock()
	}
	p.reg.Upsert(spec.ID, srv)
	return nil
}

// connectStdio starts a stdio-transport MCP client and completes its
// handshake: Start, then Initialize with the gateway's client identity.
func connectStdio(ctx context.Context, command string, env []string, args []string) (*mcpclient.Client, error) {
	c, err := mcpclient.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("create mcp client: %w", err)
	}
	if err := c.Start(ctx); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("start mcp client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: "pml-gateway", Version: "1.0.0"}
	initReq.Params.ProtocolVersion = "2024-11-05"
	if _, err := c.Initialize(ctx, initReq); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("initialize mcp client: %w", err)
	}
	return c, nil
}

func (p *Pool) refreshTools(ctx context.Context, srv *server) error {
	srv.mu.Lock()
	defer srv.mu.Unlock()

	res, err := srv.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "list tools on "+srv.spec.ID, err)
	}
	for _, t := range res.Tools {
		srv.tools[t.Name] = t
	}
	return nil
}

// Call invokes toolName on serverID with args, transparently reconnecting
// once on any failure other than an open breaker before surfacing
// BackendUnavailable.
// A server whose breaker is open is not reconnected inline; the health-check
// loop's own reconnect cadence is left to clear the fault.
func (p *Pool) Call(ctx context.Context, serverID, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	srv, ok := p.reg.Get(serverID)
	if !ok {
		return nil, gatewayerr.New(gatewayerr.CodeBackendUnavailable, "unknown subprocess backend "+serverID)
	}

	res, err := p.callThroughBreaker(ctx, srv, toolName, args)
	if err == nil {
		return res, nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "circuit open for "+serverID, err)
	}

	p.log.Warn("subprocess call failed, attempting one reconnect", "server", serverID, "tool", toolName, "error", err)
	if rerr := p.reconnect(ctx, srv); rerr != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "reconnect to "+serverID+" after call failure", rerr)
	}
	res, err = p.callThroughBreaker(ctx, srv, toolName, args)
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "circuit open for "+serverID, err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "call "+toolName+" on "+serverID, err)
	}
	return res, nil
}

func (p *Pool) callThroughBreaker(ctx context.Context, srv *server, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	srv.mu.Lock()
	breaker := srv.breaker
	srv.mu.Unlock()

	v, err := breaker.Execute(func() (any, error) {
		return p.call(ctx, srv, toolName, args)
	})
	if err != nil {
		return nil, err
	}
	res, _ := v.(*mcp.CallToolResult)
	return res, nil
}

func (p *Pool) call(ctx context.Context, srv *server, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	srv.mu.Lock()
	client := srv.client
	srv.mu.Unlock()

	req := mcp.CallToolRequest{}
	req.Params.Name = toolName
	req.Params.Arguments = args
	return client.CallTool(ctx, req)
}

// reconnect respawns the backend's subprocess with exponential backoff up to
// maxBackoff, replacing the connection in place.
func (p *Pool) reconnect(ctx context.Context, srv *server) error {
	srv.mu.Lock()
	spec := srv.spec
	old := srv.client
	srv.mu.Unlock()
	_ = old.Close()

	backoff := 100 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}

		c, err := connectStdio(ctx, spec.Command, nil, spec.Args)
		if err == nil {
			srv.mu.Lock()
			srv.client = c
			srv.mu.Unlock()
			return p.refreshTools(ctx, srv)
		}
		lastErr = err
		backoff *= 2
		if backoff > p.maxBackoff {
			backoff = p.maxBackoff
		}
	}
	return fmt.Errorf("subprocess %s: exhausted reconnect attempts: %w", spec.ID, lastErr)
}

// Stop terminates every registered backend, halts the health-check loop, and
// empties the registry so a stopped Pool reports Count() == 0.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	for _, srv := range p.reg.List() {
		srv.mu.Lock()
		_ = srv.client.Close()
		srv.mu.Unlock()
	}
	p.reg.Clear()
}

// HealthCheckLoop runs until ctx is done or Stop is called, periodically
// probing every registered backend with tools/list and triggering a
// reconnect on failure.
func (p *Pool) HealthCheckLoop(ctx context.Context) {
	ticker := time.NewTicker(p.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			for _, srv := range p.reg.List() {
				if err := p.refreshTools(ctx, srv); err != nil {
					p.log.Warn("health probe failed, reconnecting", "server", srv.spec.ID, "error", err)
					if err := p.reconnect(ctx, srv); err != nil {
						p.log.Error("subprocess reconnect failed", "server", srv.spec.ID, "error", err)
					}
				}
			}
		}
	}
}

// Count returns the number of registered backends.
func (p *Pool) Count() int {
	return p.reg.Count()
}

// Has reports whether id is currently spawned and registered.
func (p *Pool) Has(id string) bool {
	_, ok := p.reg.Get(id)
	return ok
}

// ParseResult flattens an MCP tool response's text content into a plain
// value, surfacing resp.IsError as a gateway error rather than a result.
func ParseResult(resp *mcp.CallToolResult) (any, error) {
	var texts []string
	for _, content := range resp.Content {
		if tc, ok := content.(mcp.TextContent); ok {
			texts = append(texts, tc.Text)
		}
	}

	if resp.IsError {
		msg := "tool call reported an error"
		if len(texts) > 0 {
			msg = texts[0]
		}
		return nil, gatewayerr.New(gatewayerr.CodeCodeError, msg)
	}

	switch len(texts) {
	case 0:
		return nil, nil
	case 1:
		return texts[0], nil
	default:
		return texts, nil
	}
}
