// Command pml-gateway is the CLI for the Procedural Memory Layer gateway.
//
// Usage:
//
//	pml-gateway call fs:read_file --args '{"path":"README.md"}'
//	pml-gateway continue <workflow-id> --approve
//	pml-gateway serve
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/alecthomas/kong"

	pml "github.com/Casys-AI/casys-pml-sub016"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/approval"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/gateway"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/loader"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/lockfile"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/routing"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/sandbox"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/subprocess"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/toolindex"
	"github.com/Casys-AI/casys-pml-sub016/internal/pml/workspace"
	"github.com/Casys-AI/casys-pml-sub016/pkg/logger"
)

// CLI defines the command-line interface.
type CLI struct {
	Version  VersionCmd  `cmd:"" help:"Show version information."`
	Call     CallCmd     `cmd:"" help:"Call a tool by id."`
	Continue ContinueCmd `cmd:"" help:"Resume a paused call with an approval decision."`
	Serve    ServeCmd    `cmd:"" help:"Build the gateway and hold the process open until interrupted (starts no health-check loop and no routing sync)."`

	Workspace string `help:"Workspace root override." env:"PML_WORKSPACE" type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error)." default:"info"`
}

type VersionCmd struct{}

func (c *VersionCmd) Run(cli *CLI) error {
	fmt.Println(pml.GetVersion().String())
	return nil
}

type CallCmd struct {
	ToolID string `arg:"" help:"Tool id, e.g. fs:read_file."`
	Args   string `help:"JSON object of call arguments." default:"{}"`
	UserID string `help:"Caller identity for policy/audit purposes."`
}

func (c *CallCmd) Run(cli *CLI) error {
	g, cleanup, err := buildGateway(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	var args map[string]any
	if err := json.Unmarshal([]byte(c.Args), &args); err != nil {
		return fmt.Errorf("parse --args: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	value, ar, err := g.Call(ctx, c.ToolID, args, c.UserID)
	return printCallOutcome(value, ar, err)
}

type ContinueCmd struct {
	WorkflowID string `arg:"" help:"Workflow id from a prior ApprovalRequired response."`
	Approve    bool   `help:"Approve the pending action." negatable:""`
}

func (c *ContinueCmd) Run(cli *CLI) error {
	g, cleanup, err := buildGateway(cli)
	if err != nil {
		return err
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	value, ar, err := g.Continue(ctx, c.WorkflowID, c.Approve)
	return printCallOutcome(value, ar, err)
}

type ServeCmd struct{}

func (c *ServeCmd) Run(cli *CLI) error {
	g, cleanup, err := buildGateway(cli)
	if err != nil {
		return err
	}
	defer cleanup()
	_ = g

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	slog.Info("pml-gateway serving", "workspace", cli.Workspace)
	<-ctx.Done()
	slog.Info("pml-gateway shutting down")
	return nil
}

func printCallOutcome(value any, ar *loader.ApprovalRequired, err error) error {
	if ar != nil {
		out, _ := json.Marshal(map[string]any{
			"approvalRequired": true,
			"approvalKind":     ar.Kind,
			"workflowId":       ar.WorkflowID,
			"description":      ar.Description,
			"toolId":           ar.ToolID,
			"backendFqdn":      ar.BackendFqdn,
			"oldHash4":         ar.OldHash4,
			"newHash4":         ar.NewHash4,
		})
		fmt.Println(string(out))
		return nil
	}
	if err != nil {
		return err
	}
	out, marshalErr := json.Marshal(value)
	if marshalErr != nil {
		return marshalErr
	}
	fmt.Println(string(out))
	return nil
}

// buildGateway assembles the full C1-C15 wiring from the detected workspace:
// policy + roster from .pml.json/.mcp.json, lockfile at .pml/mcp.lock,
// routing resolver initialized from the on-disk cloud allowlist cache (no
// sync is performed here), a backend directory built from the roster over an
// initially empty subprocess pool, and a sandbox runner pointed at the
// sibling pml-sandbox-worker binary.
func buildGateway(cli *CLI) (*gateway.Gateway, func(), error) {
	level, err := logger.ParseLevel(cli.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	level, format := logger.EnvOverride(level, "simple")
	logger.Init(level, os.Stderr, format)

	root, err := workspace.Detect(".", cli.Workspace)
	if err != nil {
		return nil, nil, err
	}
	if err := workspace.LoadDotEnv(root); err != nil {
		return nil, nil, err
	}
	if err := workspace.EnsureStateDir(root); err != nil {
		return nil, nil, err
	}

	policy, err := workspace.LoadPolicy(root)
	if err != nil {
		return nil, nil, err
	}
	rosterCfg, err := workspace.LoadRoster(root)
	if err != nil {
		return nil, nil, err
	}

	lf, err := lockfile.Open(root.Dir, true)
	if err != nil {
		return nil, nil, err
	}

	cachePath, err := workspace.RoutingCachePath()
	if err != nil {
		return nil, nil, err
	}
	resolver := routing.New(routing.Config{CachePath: cachePath, CloudURL: policy.CloudURL})
	if err := resolver.Init(); err != nil {
		return nil, nil, err
	}

	pool := subprocess.New(subprocess.Config{})
	backends := make(loader.MapDirectory, len(rosterCfg.Servers))
	for name, entry := range rosterCfg.Servers {
		backends[name] = loader.BackendInfo{
			Fqdn: name,
			Type: lockfile.TypeSubprocess,
			Spec: subprocess.ServerSpec{ID: name, Command: entry.Command, Args: entry.Args, Env: entry.Env},
		}
	}

	sandboxRunner := sandbox.New(sandbox.Config{WorkerPath: sandboxWorkerPath()})

	index, err := toolindex.New()
	if err != nil {
		return nil, nil, err
	}

	ld := loader.New(loader.Config{
		Policy:     policy.ToPermissionPolicy(),
		Routing:    resolver,
		Lockfile:   lf,
		Approvals:  approval.New(approval.DefaultTTL),
		Backends:   backends,
		Subprocess: pool,
		Sandbox:    sandboxRunner,
		Schemas:    index,
	})

	g := gateway.New(gateway.Config{Loader: ld, Index: index})

	cleanup := func() { pool.Stop() }
	return g, cleanup, nil
}

// sandboxWorkerPath resolves the sandbox worker binary relative to this
// executable, falling back to $PATH lookup if absent.
func sandboxWorkerPath() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "pml-sandbox-worker")
		if _, statErr := os.Stat(candidate); statErr == nil {
			return candidate
		}
	}
	return "pml-sandbox-worker"
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("pml-gateway"),
		kong.Description("Procedural Memory Layer gateway CLI."),
		kong.UsageOnError(),
	)
	err := ctx.Run(&cli)
	ctx.FatalIfErrorf(err)
}
