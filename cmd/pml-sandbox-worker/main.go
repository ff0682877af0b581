// Command pml-sandbox-worker is the zero-authority process that runs each
// "execute" message in its own goroutine (the parent-side runner sends at
// most one at a time per worker) and reports back to its parent exclusively
// through the line-delimited JSON envelope protocol on stdin/stdout. It has
// no filesystem, network, or environment access beyond those two pipes: the
// only operation it understands is "run this ordered list of tool-call
// steps and report each call upstream via rpc", so there is no surface for
// user-supplied code to reach host facilities directly.
package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

type envelope struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	RPCID   string          `json:"rpcId,omitempty"`
	Code    string          `json:"code,omitempty"`
	Message string          `json:"message,omitempty"`
	Method  string          `json:"method,omitempty"`
	Args    json.RawMessage `json:"args,omitempty"`
	Value   json.RawMessage `json:"value,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   json.RawMessage `json:"error,omitempty"`
}

type step struct {
	Method string          `json:"method"`
	Args   json.RawMessage `json:"args"`
}

func main() {
	out := bufio.NewWriter(os.Stdout)
	var outMu sync.Mutex
	send := func(env envelope) {
		outMu.Lock()
		defer outMu.Unlock()
		data, err := json.Marshal(env)
		if err != nil {
			return
		}
		out.Write(data)
		out.WriteByte('\n')
		out.Flush()
	}

	pending := make(map[string]chan envelope)
	var pendingMu sync.Mutex
	var rpcSeq int
	var rpcSeqMu sync.Mutex

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var env envelope
		if err := json.Unmarshal(scanner.Bytes(), &env); err != nil {
			continue
		}

		switch env.Type {
		case "execute":
			go runExecution(env, send, pending, &pendingMu, &rpcSeq, &rpcSeqMu)
		case "rpc_response", "rpc_error":
			pendingMu.Lock()
			ch, ok := pending[env.RPCID]
			pendingMu.Unlock()
			if ok {
				ch <- env
			}
		}
	}
}

// runExecution interprets the code as a JSON array of sequential tool-call
// steps, dispatching each as an "rpc" message and collecting its results.
func runExecution(execEnv envelope, send func(envelope), pending map[string]chan envelope, pendingMu *sync.Mutex, rpcSeq *int, rpcSeqMu *sync.Mutex) {
	// Value carries the execute message's "code" field, itself a
	// JSON-encoded string whose contents are a JSON array of steps.
	var codeStr string
	if err := json.Unmarshal(execEnv.Value, &codeStr); err != nil {
		send(envelope{Type: "error", ID: execEnv.ID, Code: "CODE_ERROR", Message: fmt.Sprintf("malformed code envelope: %v", err)})
		return
	}

	var steps []step
	if err := json.Unmarshal([]byte(codeStr), &steps); err != nil {
		send(envelope{Type: "error", ID: execEnv.ID, Code: "CODE_ERROR", Message: fmt.Sprintf("malformed code: %v", err)})
		return
	}

	results := make([]json.RawMessage, 0, len(steps))
	for _, s := range steps {
		rpcSeqMu.Lock()
		*rpcSeq++
		rpcID := fmt.Sprintf("r%d", *rpcSeq)
		rpcSeqMu.Unlock()

		ch := make(chan envelope, 1)
		pendingMu.Lock()
		pending[rpcID] = ch
		pendingMu.Unlock()

		send(envelope{Type: "rpc", RPCID: rpcID, Method: s.Method, Args: s.Args})
		resp := <-ch

		pendingMu.Lock()
		delete(pending, rpcID)
		pendingMu.Unlock()

		if resp.Type == "rpc_error" {
			send(envelope{Type: "error", ID: execEnv.ID, Code: "RPC_ERROR", Message: string(resp.Error)})
			return
		}
		results = append(results, resp.Result)
	}

	out, _ := json.Marshal(results)
	send(envelope{Type: "result", ID: execEnv.ID, Value: out})
}
