// Package pml implements a Procedural Memory Layer gateway: an
// intelligent intermediary between an LLM-driven agent host and a
// heterogeneous population of tool-providing subprocess and cloud
// backends.
//
// The gateway discovers tool schemas from many backends, ranks tools and
// composite capabilities against a natural-language intent, executes
// sandboxed user code that calls those tools through an RPC bridge, routes
// each call to the correct backend, enforces per-call permission policy
// with human-in-the-loop approval gating, records execution traces and
// learns capability-to-tool dependency structure from them, and verifies
// the integrity of newly introduced backends against a per-workspace
// lockfile.
//
// # Quick Start
//
// Install the gateway binary:
//
//	go install github.com/Casys-AI/casys-pml-sub016/cmd/pml-gateway@latest
//
// A workspace declares its policy and cloud routing in .pml.json and its
// backend roster in .mcp.json (see internal/pml/workspace):
//
//	{
//	  "allow": ["fs:*", "memory:*"],
//	  "ask": ["*"],
//	  "cloudUrl": "https://pml.example.com"
//	}
//
// Call a tool:
//
//	pml-gateway call fs:read_file --args '{"path":"README.md"}'
//
// # Architecture
//
// Client process → Gateway (Loader, Tool Index, Ranker, Scheduler) →
// Subprocess Pool / Cloud transport → tool-providing backends.
//
// Every call passes through the Capability Loader's gate pipeline
// (permission, routing, integrity, dependency) before dispatch; any gate
// may pause the call as a pending approval that the client resumes with
// continue(workflowId, approved).
//
// # Status
//
// This module is under active development; the wire contracts in spec.md
// and SPEC_FULL.md are the source of truth for exact behavior.
package pml
