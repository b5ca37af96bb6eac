// Package agentrpc invokes external agents over JSON-RPC 2.0 on HTTP.
//
// An agent is called with method "agent/dispatch" and answers with a
// DispatchResult. The client propagates trace context, authenticates with a
// static token or an OAuth2 client-credentials token source, and can narrow
// structured output with the agent's JMESPath ResultPath.
package agentrpc

import (
	"encoding/json"
	"fmt"
)

// MethodDispatch is the JSON-RPC method agents implement.
const MethodDispatch = "agent/dispatch"

// JSON-RPC 2.0 error codes used by agents and the mock server.
const (
	CodeParseError     = -32700
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeAgentError     = -32000
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a Response.
type ErrorObject struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// RPCError is returned when an agent answers with a JSON-RPC error.
type RPCError struct {
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("agentrpc: rpc error %d: %s", e.Code, e.Message)
}

// DispatchParams are the params of agent/dispatch.
type DispatchParams struct {
	AgentID      string `json:"agentId"`
	Prompt       string `json:"prompt"`
	Instructions string `json:"instructions,omitempty"`
	TaskID       string `json:"taskId"`
	SessionID    string `json:"sessionId"`
}

// Dispatch statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// DispatchResult is the result of agent/dispatch. Output is either a JSON
// string or any JSON value narrowed by the agent's ResultPath.
type DispatchResult struct {
	Status string          `json:"status"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}
