// Package mock provides a configurable mock agent server for tests.
//
// It answers agent/dispatch with canned output per agent id, with optional
// latency, failures, JSON-RPC errors and bearer-token enforcement.
package mock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AltairaLabs/CollabKit/runtime/agentrpc"
)

type rule struct {
	output   json.RawMessage
	failure  string
	rpcError string
	latency  time.Duration
	handler  func(agentrpc.DispatchParams) (string, error)
}

// AgentServer is a mock agent backed by httptest.Server. One server can
// stand in for many agents; rules are keyed by agent id.
type AgentServer struct {
	rules    map[string]rule
	fallback *rule
	token    string
	calls    atomic.Int64

	mu       sync.Mutex
	received []agentrpc.DispatchParams

	ts *httptest.Server
}

// Option configures an AgentServer.
type Option func(*AgentServer)

// WithOutput answers agentID with a string output.
func WithOutput(agentID, output string) Option {
	raw, _ := json.Marshal(output)
	return WithJSONOutput(agentID, raw)
}

// WithJSONOutput answers agentID with arbitrary JSON output.
func WithJSONOutput(agentID string, output json.RawMessage) Option {
	return func(m *AgentServer) {
		r := m.rules[agentID]
		r.output = output
		m.rules[agentID] = r
	}
}

// WithFailure answers agentID with status "failed".
func WithFailure(agentID, msg string) Option {
	return func(m *AgentServer) {
		r := m.rules[agentID]
		r.failure = msg
		m.rules[agentID] = r
	}
}

// WithRPCError answers agentID with a JSON-RPC error object.
func WithRPCError(agentID, msg string) Option {
	return func(m *AgentServer) {
		r := m.rules[agentID]
		r.rpcError = msg
		m.rules[agentID] = r
	}
}

// WithLatency delays answers for agentID.
func WithLatency(agentID string, d time.Duration) Option {
	return func(m *AgentServer) {
		r := m.rules[agentID]
		r.latency = d
		m.rules[agentID] = r
	}
}

// WithHandler computes every answer not covered by an agent rule.
func WithHandler(fn func(agentrpc.DispatchParams) (string, error)) Option {
	return func(m *AgentServer) {
		m.fallback = &rule{handler: fn}
	}
}

// WithRequiredToken rejects requests without "Bearer token".
func WithRequiredToken(token string) Option {
	return func(m *AgentServer) { m.token = token }
}

// NewAgentServer creates and starts a mock agent server.
func NewAgentServer(opts ...Option) *AgentServer {
	m := &AgentServer{rules: make(map[string]rule)}
	for _, opt := range opts {
		opt(m)
	}
	m.ts = httptest.NewServer(m.handler())
	return m
}

// URL returns the endpoint to put on an Agent.
func (m *AgentServer) URL() string {
	return m.ts.URL + "/rpc"
}

// Close shuts the server down.
func (m *AgentServer) Close() {
	m.ts.Close()
}

// Calls returns how many dispatches were handled.
func (m *AgentServer) Calls() int64 {
	return m.calls.Load()
}

// Received returns the params of every handled dispatch.
func (m *AgentServer) Received() []agentrpc.DispatchParams {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]agentrpc.DispatchParams(nil), m.received...)
}

func (m *AgentServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", m.handleRPC)
	return mux
}

func (m *AgentServer) handleRPC(w http.ResponseWriter, r *http.Request) {
	if m.token != "" && r.Header.Get("Authorization") != "Bearer "+m.token {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var req agentrpc.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, 0, agentrpc.CodeParseError, "Parse error")
		return
	}
	if req.Method != agentrpc.MethodDispatch {
		writeError(w, req.ID, agentrpc.CodeMethodNotFound, "Method not found")
		return
	}
	var params agentrpc.DispatchParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		writeError(w, req.ID, agentrpc.CodeInvalidParams, "Invalid params")
		return
	}

	m.calls.Add(1)
	m.mu.Lock()
	m.received = append(m.received, params)
	m.mu.Unlock()

	rl, ok := m.rules[params.AgentID]
	if !ok {
		if m.fallback == nil {
			writeError(w, req.ID, agentrpc.CodeAgentError, "no matching rule")
			return
		}
		rl = *m.fallback
	}

	if rl.latency > 0 {
		select {
		case <-time.After(rl.latency):
		case <-r.Context().Done():
			return
		}
	}

	switch {
	case rl.rpcError != "":
		writeError(w, req.ID, agentrpc.CodeAgentError, rl.rpcError)
	case rl.failure != "":
		writeResult(w, req.ID, agentrpc.DispatchResult{Status: agentrpc.StatusFailed, Error: rl.failure})
	case rl.handler != nil:
		out, err := rl.handler(params)
		if err != nil {
			writeResult(w, req.ID, agentrpc.DispatchResult{Status: agentrpc.StatusFailed, Error: err.Error()})
			return
		}
		raw, _ := json.Marshal(out)
		writeResult(w, req.ID, agentrpc.DispatchResult{Status: agentrpc.StatusCompleted, Output: raw})
	default:
		writeResult(w, req.ID, agentrpc.DispatchResult{Status: agentrpc.StatusCompleted, Output: rl.output})
	}
}

func writeResult(w http.ResponseWriter, id int64, result agentrpc.DispatchResult) {
	raw, _ := json.Marshal(result)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agentrpc.Response{JSONRPC: "2.0", ID: id, Result: raw})
}

func writeError(w http.ResponseWriter, id int64, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(agentrpc.Response{
		JSONRPC: "2.0",
		ID:      id,
		Error:   &agentrpc.ErrorObject{Code: code, Message: msg},
	})
}
