// Package sandbox manages the lifecycle of zero-authority worker processes
// that execute untrusted code reachable only through internal/pml/bridge.
package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/Casys-AI/casys-pml-sub016/internal/pml/bridge"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gatewayerr"
)

// stdioTransport writes one JSON envelope per line to the worker's stdin.
type stdioTransport struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (t *stdioTransport) Send(env bridge.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := t.w.Write(data); err != nil {
		return err
	}
	if err := t.w.WriteByte('\n'); err != nil {
		return err
	}
	return t.w.Flush()
}

// Worker is one isolated, zero-authority execution environment: created
// lazily, reused within a single call chain, and torn down on timeout or
// fatal error. Executions on a single worker are strictly serial.
type Worker struct {
	cmd       *exec.Cmd
	bridge    *bridge.Bridge
	transport *stdioTransport

	mu         sync.Mutex // guards terminated
	terminated bool

	execMu sync.Mutex // held for the full duration of one Execute call, enforcing one execution at a time
}

// Runner creates and supervises sandbox workers.
type Runner struct {
	workerPath string // path to the sandbox worker binary
	log        *slog.Logger
}

// Config configures a Runner.
type Config struct {
	WorkerPath string
	Logger     *slog.Logger
}

// New builds a Runner.
func New(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{workerPath: cfg.WorkerPath, log: logger.With("component", "sandbox")}
}

// Spawn starts a fresh worker with no filesystem, network, environment, or
// process authority beyond the message channel: empty Env, no ExtraFiles,
// stdio pipes only.
func (r *Runner) Spawn(ctx context.Context, handler bridge.RPCHandler) (*Worker, error) {
	cmd := exec.CommandContext(ctx, r.workerPath)
	cmd.Env = []string{} // no ambient environment

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeWorkerTerminated, "open worker stdin", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeWorkerTerminated, "open worker stdout", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeWorkerTerminated, "open worker stderr", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.CodeWorkerTerminated, "start sandbox worker", err)
	}

	transport := &stdioTransport{w: bufio.NewWriter(stdin)}
	w := &Worker{cmd: cmd, transport: transport}
	w.bridge = bridge.New(transport, handler)

	go w.readLoop(ctx, stdout, r.log)
	go logWorkerStderr(stderr, r.log)

	return w, nil
}

func (w *Worker) readLoop(ctx context.Context, stdout io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var env bridge.Envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			log.Warn("sandbox worker emitted malformed envelope", "error", err)
			continue
		}
		w.bridge.Dispatch(ctx, env)
	}
	w.mu.Lock()
	w.terminated = true
	w.mu.Unlock()
	w.bridge.Teardown()
}

func logWorkerStderr(stderr io.Reader, log *slog.Logger) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debug("sandbox worker stderr", "line", scanner.Text())
	}
}

// Execute runs code on w, enforcing one execution at a time per worker: a
// second concurrent call on the same Worker is rejected immediately rather
// than interleaved with the one in flight. EXECUTION_TIMEOUT forcibly
// terminates the worker.
func (w *Worker) Execute(ctx context.Context, execID, code string, args json.RawMessage, timeout time.Duration) (json.RawMessage, error) {
	if !w.execMu.TryLock() {
		return nil, gatewayerr.New(gatewayerr.CodeCapacityExceeded, "worker is already executing; one execution at a time per worker")
	}
	defer w.execMu.Unlock()

	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return nil, gatewayerr.New(gatewayerr.CodeWorkerTerminated, "worker already terminated")
	}
	w.mu.Unlock()

	result, err := w.bridge.Execute(ctx, execID, code, args, timeout)
	if gatewayerr.CodeOf(err) == gatewayerr.CodeExecutionTimeout {
		w.Terminate()
	}
	return result, err
}

// Terminate forcibly kills the worker process; idempotent.
func (w *Worker) Terminate() {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return
	}
	w.terminated = true
	w.mu.Unlock()

	_ = w.cmd.Process.Kill()
	w.bridge.Teardown()
}

// Terminated reports whether this worker has been torn down and can no
// longer accept executions; callers must Spawn a new one.
func (w *Worker) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

// ClassifyError maps a worker-reported message into the error taxonomy by
// inspecting message content, for workers that cannot emit a structured code.
func ClassifyError(message string) gatewayerr.Code {
	lower := strings.ToLower(message)
	switch {
	case strings.Contains(lower, "permission"):
		return gatewayerr.CodePermissionDenied
	case strings.Contains(lower, "timeout"):
		return gatewayerr.CodeExecutionTimeout
	case strings.Contains(lower, "sandbox"):
		return gatewayerr.CodeSandboxViolation
	default:
		return gatewayerr.CodeCodeError
	}
}
