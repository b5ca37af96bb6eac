package agentrpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/AltairaLabs/CollabKit/pkg/httputil"
	"github.com/AltairaLabs/CollabKit/runtime/events"
	"github.com/AltairaLabs/CollabKit/runtime/logger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// ErrNoEndpoint is returned when an agent has no RPC endpoint.
var ErrNoEndpoint = errors.New("agent has no endpoint")

// maxErrorBody bounds how much of a non-200 body is kept in errors.
const maxErrorBody = 512

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithAuth sets a static Authorization header on all requests.
func WithAuth(scheme, token string) Option {
	return func(c *Client) {
		c.authScheme = scheme
		c.authToken = token
	}
}

// WithTokenSource authenticates every request with a bearer token from ts.
func WithTokenSource(ts oauth2.TokenSource) Option {
	return func(c *Client) { c.tokenSource = ts }
}

// WithClientCredentials fetches tokens with the OAuth2 client-credentials grant.
func WithClientCredentials(cfg *clientcredentials.Config) Option {
	return func(c *Client) {
		c.tokenSource = cfg.TokenSource(context.Background())
	}
}

// WithEmitter publishes agent.invoked events.
func WithEmitter(em *events.Emitter) Option {
	return func(c *Client) { c.emitter = em }
}

// Client invokes agents. It is safe for concurrent use.
type Client struct {
	httpClient  *http.Client
	authScheme  string
	authToken   string
	tokenSource oauth2.TokenSource
	emitter     *events.Emitter
	reqID       atomic.Int64
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{httpClient: httputil.NewHTTPClient(httputil.DefaultAgentTimeout)}
	for _, opt := range opts {
		opt(c)
	}
	if c.tokenSource != nil {
		c.tokenSource = oauth2.ReuseTokenSource(nil, c.tokenSource)
	}
	return c
}

// Invoke dispatches inv to its agent and returns the extracted output.
// Every failure wraps types.ErrAgentInvocation.
func (c *Client) Invoke(ctx context.Context, inv types.Invocation) (string, error) {
	start := time.Now()
	out, err := c.invoke(ctx, inv)
	c.emitter.ForSession(inv.SessionID).AgentInvoked(inv.Agent.ID, time.Since(start), err)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %w", types.ErrAgentInvocation, inv.Agent.ID, err)
	}
	return out, nil
}

func (c *Client) invoke(ctx context.Context, inv types.Invocation) (string, error) {
	if inv.Agent == nil || inv.Agent.Endpoint == "" {
		return "", ErrNoEndpoint
	}
	var result DispatchResult
	err := c.call(ctx, inv.Agent.Endpoint, MethodDispatch, DispatchParams{
		AgentID:      inv.Agent.ID,
		Prompt:       inv.Prompt,
		Instructions: inv.Agent.Instructions,
		TaskID:       inv.TaskID,
		SessionID:    inv.SessionID,
	}, &result)
	if err != nil {
		return "", err
	}
	if result.Status == StatusFailed {
		if result.Error == "" {
			result.Error = "agent reported failure"
		}
		return "", errors.New(result.Error)
	}
	return ExtractOutput(result.Output, inv.Agent.ResultPath)
}

// call performs one JSON-RPC 2.0 POST to endpoint.
func (c *Client) call(ctx context.Context, endpoint, method string, params, result any) error {
	paramsJSON, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	body, err := json.Marshal(Request{
		JSONRPC: "2.0",
		ID:      c.reqID.Add(1),
		Method:  method,
		Params:  paramsJSON,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if err := c.setAuth(httpReq); err != nil {
		return fmt.Errorf("%s: auth: %w", method, err)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))
	logger.AgentRequest(ctx, http.MethodPost, endpoint, map[string]string{
		"Authorization": httpReq.Header.Get("Authorization"),
	})

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%s: status %d: %s", method, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	var rpcResp Response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("%s: decode response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return &RPCError{Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}
	if result != nil {
		if err := json.Unmarshal(rpcResp.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) setAuth(req *http.Request) error {
	if c.tokenSource != nil {
		tok, err := c.tokenSource.Token()
		if err != nil {
			return err
		}
		tok.SetAuthHeader(req)
		return nil
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authScheme+" "+c.authToken)
	}
	return nil
}
