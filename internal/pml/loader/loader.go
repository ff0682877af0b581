// Package loader implements the Capability Loader: the top-level call state
// machine that turns an opaque "namespace:action" call into either a
// completed tool invocation or an ApprovalRequired sentinel, by composing
// the permission evaluator, integrity lockfile, pending-approval store,
// routing resolver, and subprocess pool. It is also the single choke point
// every sandboxed code execution's outbound tool calls are routed through.
package loader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/approval"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/bridge"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/lockfile"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/permission"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/routing"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/sandbox"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/subprocess"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/toolid"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/trace"
)

// BackendInfo is everything the loader needs to know about the backend that
// serves one namespace: its integrity identity and how to spawn it locally
// if it is not yet running.
type BackendInfo struct {
	Fqdn      string
	Integrity string
	Type      lockfile.BackendType
	Spec      subprocess.ServerSpec
}

// BackendDirectory resolves a ToolId's namespace to the backend that serves
// it. A namespace with no entry is treated as an unknown dependency: the
// loader gates it behind an install approval rather than guessing.
type BackendDirectory interface {
	Lookup(namespace string) (BackendInfo, bool)
}

// MapDirectory is a simple in-memory BackendDirectory keyed by namespace.
type MapDirectory map[string]BackendInfo

func (m MapDirectory) Lookup(namespace string) (BackendInfo, bool) {
	info, ok := m[namespace]
	return info, ok
}

// CloudTransport dispatches a call to a cloud-routed backend. The loader
// never falls back to local on cloud failure: a nil transport or a transport
// error both surface as BackendUnavailable.
type CloudTransport interface {
	Call(ctx context.Context, toolID string, args map[string]any) (any, error)
}

// SchemaValidator checks call arguments against a tool's recorded input
// schema before dispatch. toolindex.Index satisfies this; a nil Config.Schemas
// skips validation entirely (the backend itself is the last line of defense).
type SchemaValidator interface {
	ValidateArgs(toolID string, args map[string]any) error
}

// ApprovalRequired is returned instead of a value whenever a gate is not yet
// satisfied. The caller is expected to present it to a human and, on a
// decision, invoke Continue with the same WorkflowID.
type ApprovalRequired struct {
	Kind         approval.Kind
	WorkflowID   string
	Description  string
	ToolID       string
	BackendFqdn  string
	OldHash4     string
	NewHash4     string
	OldFetchedAt time.Time
}

func (a *ApprovalRequired) Error() string {
	return fmt.Sprintf("approval required (%s): %s [workflow %s]", a.Kind, a.Description, a.WorkflowID)
}

// CallOptions carries per-call context that does not belong to the policy
// itself.
type CallOptions struct {
	UserID string
	// approved marks this call as a re-entry from Continue after a
	// tool-permission gate was satisfied; it must not be set by ordinary
	// callers, only by Continue itself.
	approved bool
}

// Config wires the Loader's collaborators. Cloud, Backends, and Subprocess
// may be nil for a loader that only ever resolves to a fully local,
// fully-known backend set; Policy is copied, not referenced.
type Config struct {
	Policy     permission.Policy
	Routing    *routing.Resolver
	Lockfile   *lockfile.Lockfile
	Approvals  *approval.Store
	Backends   BackendDirectory
	Subprocess *subprocess.Pool
	Cloud      CloudTransport
	Sandbox    *sandbox.Runner
	Schemas    SchemaValidator

	// CloudBreaker overrides the circuit breaker guarding Cloud.Call; nil
	// uses DefaultCloudBreakerSettings. Breaker wiring is skipped entirely
	// when Cloud is nil.
	CloudBreaker *gobreaker.Settings

	CallTimeout    time.Duration // per-dispatch timeout; defaults to 30s
	ExecuteTimeout time.Duration // per-sandbox-execution timeout; defaults to bridge.DefaultExecuteTimeout
}

// DefaultCloudBreakerSettings opens the cloud-call circuit after 5
// consecutive failures and probes recovery with a single request after 30s.
func DefaultCloudBreakerSettings() gobreaker.Settings {
	return gobreaker.Settings{
		Name:        "cloud-transport",
		MaxRequests: 1,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
}

// Loader is the central call state machine (C5).
type Loader struct {
	policy     permission.Policy
	routing    *routing.Resolver
	lockfile   *lockfile.Lockfile
	approvals  *approval.Store
	backends   BackendDirectory
	subprocess *subprocess.Pool
	cloud      CloudTransport
	sandbox    *sandbox.Runner
	schemas    SchemaValidator

	cloudBreaker *gobreaker.CircuitBreaker

	callTimeout    time.Duration
	executeTimeout time.Duration
}

// New builds a Loader from cfg.
func New(cfg Config) *Loader {
	callTimeout := cfg.CallTimeout
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	executeTimeout := cfg.ExecuteTimeout
	if executeTimeout <= 0 {
		executeTimeout = bridge.DefaultExecuteTimeout
	}
	approvals := cfg.Approvals
	if approvals == nil {
		approvals = approval.New(approval.DefaultTTL)
	}

	var breaker *gobreaker.CircuitBreaker
	if cfg.Cloud != nil {
		settings := DefaultCloudBreakerSettings()
		if cfg.CloudBreaker != nil {
			settings = *cfg.CloudBreaker
		}
		breaker = gobreaker.NewCircuitBreaker(settings)
	}

	return &Loader{
		policy:         cfg.Policy,
		routing:        cfg.Routing,
		lockfile:       cfg.Lockfile,
		approvals:      approvals,
		backends:       cfg.Backends,
		subprocess:     cfg.Subprocess,
		cloud:          cfg.Cloud,
		sandbox:        cfg.Sandbox,
		schemas:        cfg.Schemas,
		cloudBreaker:   breaker,
		callTimeout:    callTimeout,
		executeTimeout: executeTimeout,
	}
}

// SetPolicy replaces the active permission policy; callers typically do this
// once at startup after loading a workspace's .pml.json.
func (l *Loader) SetPolicy(p permission.Policy) {
	l.policy = p
}

// Call is the top-level entry point: normalize, permission-check, route,
// and either dispatch or return an ApprovalRequired sentinel. A non-nil
// *ApprovalRequired is returned as `value`'s companion, not as `err`; err is
// reserved for terminal failures.
func (l *Loader) Call(ctx context.Context, rawToolID string, args map[string]any, userID string) (any, *ApprovalRequired, error) {
	return l.call(ctx, rawToolID, args, CallOptions{UserID: userID})
}

func (l *Loader) call(ctx context.Context, rawToolID string, args map[string]any, opts CallOptions) (any, *ApprovalRequired, error) {
	toolID, err := toolid.Normalize(rawToolID)
	if err != nil {
		return nil, nil, gatewayerr.Wrap(gatewayerr.CodeProtocolError, "normalize tool id", err)
	}

	// 1. Permission check.
	verdict := permission.Check(toolID, l.policy)
	switch verdict {
	case permission.Deny:
		return nil, nil, gatewayerr.New(gatewayerr.CodePermissionDenied, "policy denies "+toolID)
	case permission.Ask:
		if !opts.approved {
			ar, err := l.gateToolPermission(toolID, args)
			return nil, ar, err
		}
	}

	// 2. Routing.
	target := routing.Local
	if l.routing != nil {
		target = l.routing.Resolve(toolID)
	}
	if target == routing.Cloud {
		return l.callCloud(ctx, toolID, args)
	}

	// 3. Local path — backend directory lookup, then integrity, then
	// availability.
	info, known := l.lookupBackend(toolID)
	if !known {
		ar, err := l.gateDependency(toolID, args, "")
		return nil, ar, err
	}

	if l.lockfile != nil {
		vr, err := l.lockfile.Validate(info.Fqdn, info.Integrity, info.Type, "")
		if err != nil {
			return nil, nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "validate integrity of "+info.Fqdn, err)
		}
		if vr.ApprovalRequired {
			p := approval.Pending{Kind: approval.KindIntegrity, ToolID: toolID, BackendFqdn: info.Fqdn, Args: marshalArgs(args)}
			id := l.approvals.Create(p, vr.WorkflowID, time.Now())
			return nil, &ApprovalRequired{
				Kind: approval.KindIntegrity, WorkflowID: id,
				Description:  fmt.Sprintf("backend %s integrity changed from %s to %s", info.Fqdn, vr.OldHash4, vr.NewHash4),
				ToolID:       toolID,
				BackendFqdn:  info.Fqdn,
				OldHash4:     vr.OldHash4,
				NewHash4:     vr.NewHash4,
				OldFetchedAt: vr.OldFetchedAt,
			}, nil
		}
	}

	if l.subprocess != nil && !l.subprocess.Has(info.Spec.ID) {
		ar, err := l.gateDependency(toolID, args, info.Fqdn)
		return nil, ar, err
	}

	// 4. Dispatch.
	return l.dispatch(ctx, toolID, info, args)
}

func (l *Loader) lookupBackend(toolID string) (BackendInfo, bool) {
	if l.backends == nil {
		return BackendInfo{}, false
	}
	return l.backends.Lookup(toolid.Namespace(toolID))
}

func (l *Loader) gateToolPermission(toolID string, args map[string]any) (*ApprovalRequired, error) {
	p := approval.Pending{Kind: approval.KindToolPermission, ToolID: toolID, Args: marshalArgs(args)}
	id := l.approvals.Create(p, "", time.Now())
	return &ApprovalRequired{
		Kind:        approval.KindToolPermission,
		WorkflowID:  id,
		Description: "tool " + toolID + " requires approval",
		ToolID:      toolID,
	}, nil
}

func (l *Loader) gateDependency(toolID string, args map[string]any, fqdn string) (*ApprovalRequired, error) {
	p := approval.Pending{Kind: approval.KindDependency, ToolID: toolID, BackendFqdn: fqdn, Args: marshalArgs(args)}
	id := l.approvals.Create(p, "", time.Now())
	return &ApprovalRequired{
		Kind:        approval.KindDependency,
		WorkflowID:  id,
		Description: "backend for " + toolID + " is not yet installed",
		ToolID:      toolID,
		BackendFqdn: fqdn,
	}, nil
}

func (l *Loader) callCloud(ctx context.Context, toolID string, args map[string]any) (any, *ApprovalRequired, error) {
	if l.cloud == nil {
		return nil, nil, gatewayerr.New(gatewayerr.CodeBackendUnavailable, "no cloud transport configured for "+toolID)
	}
	if l.routing != nil && l.routing.FallbackUnavailable() {
		return nil, nil, gatewayerr.New(gatewayerr.CodeBackendUnavailable, "cloud routing allowlist unavailable, refusing to fall back to local for "+toolID)
	}
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()

	call := func() (any, error) { return l.cloud.Call(ctx, toolID, args) }

	var v any
	var err error
	if l.cloudBreaker != nil {
		v, err = l.cloudBreaker.Execute(call)
	} else {
		v, err = call()
	}
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "cloud transport circuit open for "+toolID, err)
		}
		return nil, nil, gatewayerr.Wrap(gatewayerr.CodeBackendUnavailable, "cloud call "+toolID, err)
	}
	return v, nil, nil
}

func (l *Loader) dispatch(ctx context.Context, toolID string, info BackendInfo, args map[string]any) (any, *ApprovalRequired, error) {
	if l.schemas != nil {
		if err := l.schemas.ValidateArgs(toolID, args); err != nil {
			return nil, nil, gatewayerr.Wrap(gatewayerr.CodeProtocolError, "args for "+toolID+" fail schema validation", err)
		}
	}
	if l.subprocess == nil {
		return nil, nil, gatewayerr.New(gatewayerr.CodeBackendUnavailable, "no subprocess pool configured for "+toolID)
	}
	ctx, cancel := context.WithTimeout(ctx, l.callTimeout)
	defer cancel()
	res, err := l.subprocess.Call(ctx, info.Spec.ID, toolid.Action(toolID), args)
	if err != nil {
		return nil, nil, err
	}
	v, err := subprocess.ParseResult(res)
	if err != nil {
		return nil, nil, err
	}
	return v, nil, nil
}

// Continue resolves a pending approval. Approved re-enters the call one
// step past the gate that created it; the earlier gates are not repeated,
// though any later gate the re-entry reaches (e.g. availability, following
// an integrity approval) is evaluated normally.
func (l *Loader) Continue(ctx context.Context, workflowID string, approved bool) (any, *ApprovalRequired, error) {
	p, err := l.approvals.Consume(workflowID, time.Now())
	if err != nil {
		return nil, nil, err
	}

	if !approved {
		return nil, nil, rejectionError(p)
	}

	var args map[string]any
	if len(p.Args) > 0 {
		if err := json.Unmarshal(p.Args, &args); err != nil {
			return nil, nil, gatewayerr.Wrap(gatewayerr.CodeProtocolError, "decode captured call args", err)
		}
	}

	switch p.Kind {
	case approval.KindToolPermission:
		return l.call(ctx, p.ToolID, args, CallOptions{approved: true})
	case approval.KindIntegrity:
		if err := l.commitIntegrityApproval(p); err != nil {
			return nil, nil, err
		}
		return l.call(ctx, p.ToolID, args, CallOptions{approved: true})
	case approval.KindDependency:
		if err := l.installDependency(ctx, p); err != nil {
			return nil, nil, err
		}
		return l.call(ctx, p.ToolID, args, CallOptions{approved: true})
	default:
		return nil, nil, gatewayerr.New(gatewayerr.CodeWorkflowUnknown, "unsupported approval kind "+string(p.Kind))
	}
}

func rejectionError(p approval.Pending) error {
	switch p.Kind {
	case approval.KindIntegrity:
		return gatewayerr.New(gatewayerr.CodeIntegrityMismatch, "integrity change rejected for "+p.BackendFqdn)
	case approval.KindDependency:
		return gatewayerr.New(gatewayerr.CodeBackendUnavailable, "backend install rejected for "+p.BackendFqdn)
	default:
		return gatewayerr.New(gatewayerr.CodePermissionDenied, "approval rejected for "+p.ToolID)
	}
}

func (l *Loader) commitIntegrityApproval(p approval.Pending) error {
	if l.lockfile == nil {
		return gatewayerr.New(gatewayerr.CodeBackendUnavailable, "no lockfile configured")
	}
	info, ok := l.lookupBackend(p.ToolID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeBackendUnavailable, "backend "+p.BackendFqdn+" no longer registered")
	}
	return l.lockfile.ApproveIntegrityChange(info.Fqdn, info.Integrity, info.Type)
}

func (l *Loader) installDependency(ctx context.Context, p approval.Pending) error {
	if l.subprocess == nil {
		return gatewayerr.New(gatewayerr.CodeBackendUnavailable, "no subprocess pool configured")
	}
	info, ok := l.lookupBackend(p.ToolID)
	if !ok {
		return gatewayerr.New(gatewayerr.CodeBackendUnavailable, "backend for "+p.ToolID+" is unknown")
	}
	if l.subprocess.Has(info.Spec.ID) {
		return nil
	}
	return l.subprocess.Spawn(ctx, info.Spec)
}

func marshalArgs(args map[string]any) json.RawMessage {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return nil
	}
	return data
}

// ExecuteSandboxed runs code in a freshly spawned, zero-authority worker
// (one worker per execution, per the sandbox lifecycle) and finalizes a
// sanitized trace of every tool call the code made. Every outbound call the
// sandboxed code issues is routed through Loader.Call, so it is subject to
// the same permission, integrity, and routing gates as a direct call.
func (l *Loader) ExecuteSandboxed(ctx context.Context, code string, args json.RawMessage, userID string) (trace.ExecutionTrace, error) {
	if l.sandbox == nil {
		return trace.ExecutionTrace{}, gatewayerr.New(gatewayerr.CodeBackendUnavailable, "sandbox runner not configured")
	}

	collector := trace.New()
	handler := l.sandboxRPCHandler(collector, userID)

	worker, err := l.sandbox.Spawn(ctx, handler)
	if err != nil {
		return trace.ExecutionTrace{}, err
	}
	defer worker.Terminate()

	start := time.Now()
	result, execErr := worker.Execute(ctx, uuid.NewString(), code, args, l.executeTimeout)
	durationMs := time.Since(start).Milliseconds()

	ex, finalizeErr := collector.Finalize("", execErr == nil, execErr, durationMs, userID)
	if finalizeErr != nil {
		return trace.ExecutionTrace{}, finalizeErr
	}
	_ = result
	return ex, execErr
}

// sandboxRPCHandler adapts Loader.Call into the bridge.RPCHandler contract,
// recording every call (successful or not) into collector. An ApprovalRequired
// sentinel surfaces to the sandboxed code as a regular rpc_error: sandboxed
// code has no channel to drive a human approval itself, so the enclosing
// agent host must inspect the error and re-issue the whole execution after
// calling Continue out-of-band.
func (l *Loader) sandboxRPCHandler(collector *trace.Collector, userID string) bridge.RPCHandler {
	return func(ctx context.Context, method string, rawArgs json.RawMessage) (any, error) {
		var callArgs map[string]any
		if len(rawArgs) > 0 {
			if err := json.Unmarshal(rawArgs, &callArgs); err != nil {
				return nil, gatewayerr.Wrap(gatewayerr.CodeCodeError, "decode rpc args for "+method, err)
			}
		}

		start := time.Now()
		value, ar, err := l.Call(ctx, method, callArgs, userID)
		durationMs := time.Since(start).Milliseconds()

		if ar != nil {
			_ = collector.RecordMcpCall(method, callArgs, nil, durationMs, false)
			return nil, ar
		}
		_ = collector.RecordMcpCall(method, callArgs, value, durationMs, err == nil)
		if err != nil {
			return nil, err
		}
		return value, nil
	}
}
