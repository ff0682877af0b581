// Package bridge is the full-duplex, correlation-id-multiplexed message
// channel between the main process and one sandbox worker: outbound
// "execute" calls, inbound "rpc" tool calls originating from sandboxed code,
// and their respective responses.
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
)

// MessageType tags every envelope crossing the bridge.
type MessageType string

const (
	TypeExecute     MessageType = "execute"
	TypeResult      MessageType = "result"
	TypeError       MessageType = "error"
	TypeRPC         MessageType = "rpc"
	TypeRPCResponse MessageType = "rpc_response"
	TypeRPCError    MessageType = "rpc_error"
)

// Envelope is the wire shape for every message, in either direction.
type Envelope struct {
	Type    MessageType     `json:"type"`
	ID      string          `json:"id,omitempty"`    // correlates execute <-> result/error
	RPCID   string          `json:"rpcId,omitempty"` // correlates rpc <-> rpc_response/rpc_error
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

// Transport sends one envelope to the worker. Receiving is pushed into the
// Bridge via Dispatch, keeping the Bridge transport-agnostic (a stdio pipe,
// an in-memory channel, or a go-plugin RPC stream can all implement this).
type Transport interface {
	Send(Envelope) error
}

// RPCHandler executes one inbound tool call originating from sandboxed code
// and returns its JSON-encodable result.
type RPCHandler func(ctx context.Context, method string, args json.RawMessage) (any, error)

const (
	DefaultRPCTimeout     = 30 * time.Second
	DefaultExecuteTimeout = 5 * time.Minute
)

type pendingExecute struct {
	resultCh chan Envelope
}

type pendingRPC struct {
	cancel context.CancelFunc
}

// Bridge multiplexes execute/result/error and rpc/rpc_response/rpc_error
// traffic with one worker, across two independent correlation tables.
type Bridge struct {
	transport Transport
	handler   RPCHandler

	mu       sync.Mutex
	executes map[string]*pendingExecute
	rpcs     map[string]*pendingRPC
	torndown bool
}

// New builds a Bridge over transport. handler serves inbound "rpc" messages
// (tool calls issued by the sandboxed code currently executing).
func New(transport Transport, handler RPCHandler) *Bridge {
	return &Bridge{
		transport: transport,
		handler:   handler,
		executes:  make(map[string]*pendingExecute),
		rpcs:      make(map[string]*pendingRPC),
	}
}

// Execute sends an "execute" envelope and blocks for its matching
// "result"/"error", or until timeout elapses.
func (b *Bridge) Execute(ctx context.Context, id, code string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}

	b.mu.Lock()
	if b.torndown {
		b.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.CodeWorkerTerminated, "bridge already torn down")
	}
	pe := &pendingExecute{resultCh: make(chan Envelope, 1)}
	b.executes[id] = pe
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.executes, id)
		b.mu.Unlock()
	}()

	if err := b.transport.Send(Envelope{Type: TypeExecute, ID: id, Value: mustMarshal(code), Args: args}); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeWorkerTerminated, "send execute to worker", err)
	}

	select {
	case env := <-pe.resultCh:
		if env.Type == TypeError {
			return nil, gatewayerr.New(codeOrDefault(env.Code, gatewayerr.CodeCodeError), env.Message)
		}
		return env.Value, nil
	case <-time.After(timeout):
		return nil, gatewayerr.New(gatewayerr.CodeExecutionTimeout, "execute timed out")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Dispatch is called by the transport implementation whenever a message
// arrives from the worker. It routes result/error envelopes to the waiting
// Execute call, and rpc envelopes to the RPCHandler, replying with
// rpc_response/rpc_error.
func (b *Bridge) Dispatch(ctx context.Context, env Envelope) {
	switch env.Type {
	case TypeResult, TypeError:
		b.mu.Lock()
		pe, ok := b.executes[env.ID]
		b.mu.Unlock()
		if ok {
			pe.resultCh <- env
		}
	case TypeRPC:
		go b.serveRPC(ctx, env)
	}
}

func (b *Bridge) serveRPC(ctx context.Context, env Envelope) {
	rpcCtx, cancel := context.WithTimeout(ctx, DefaultRPCTimeout)

	b.mu.Lock()
	if b.torndown {
		b.mu.Unlock()
		cancel()
		return
	}
	b.rpcs[env.RPCID] = &pendingRPC{cancel: cancel}
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.rpcs, env.RPCID)
		b.mu.Unlock()
		cancel()
	}()

	result, err := b.handler(rpcCtx, env.Method, env.Args)
	if rpcCtx.Err() != nil {
		// Teardown (or the rpc timeout) already canceled this call; the
		// worker's transport may be gone, so there is nothing to reply to.
		return
	}
	if err != nil {
		_ = b.transport.Send(Envelope{
			Type:  TypeRPCError,
			RPCID: env.RPCID,
			Error: mustMarshal(err.Error()),
		})
		return
	}
	_ = b.transport.Send(Envelope{
		Type:   TypeRPCResponse,
		RPCID:  env.RPCID,
		Result: mustMarshal(result),
	})
}

// Teardown fails every in-flight execute with WORKER_TERMINATED, cancels
// every in-flight rpc, and rejects all further calls; idempotent.
func (b *Bridge) Teardown() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.torndown {
		return
	}
	b.torndown = true
	for id, pe := range b.executes {
		pe.resultCh <- Envelope{Type: TypeError, ID: id, Code: string(gatewayerr.CodeWorkerTerminated), Message: "worker terminated"}
	}
	for _, pr := range b.rpcs {
		pr.cancel()
	}
}

func codeOrDefault(code string, def gatewayerr.Code) gatewayerr.Code {
	if code == "" {
		return def
	}
	return gatewayerr.Code(code)
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(fmt.Sprintf("%q", fmt.Sprintf("marshal error: %v", err)))
	}
	return data
}
