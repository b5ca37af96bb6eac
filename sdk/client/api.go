package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/AltairaLabs/CollabKit/runtime/ledger"
	"github.com/AltairaLabs/CollabKit/runtime/types"
)

// APIError is a non-2xx REST response.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("collab api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

func (c *Client) endpoint(path string, q url.Values) string {
	u := *c.baseURL
	u.Path += path
	u.RawQuery = q.Encode()
	return u.String()
}

func (c *Client) do(ctx context.Context, method, target string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, target, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(apiErr)
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) poll(ctx context.Context, kind types.MessageKind, since int64, limit int) (ledger.Page, error) {
	q := url.Values{}
	q.Set("since", strconv.FormatInt(since, 10))
	q.Set("limit", strconv.Itoa(limit))
	q.Set("clientId", c.clientID)
	path := "/sessions/" + c.sessionID + "/messages"
	if kind == types.KindDirect {
		path = "/sessions/" + c.sessionID + "/direct-messages"
	}
	var page ledger.Page
	err := c.do(ctx, http.MethodGet, c.endpoint(path, q), nil, &page)
	return page, err
}

// Tasks lists the session's delegation tasks.
func (c *Client) Tasks(ctx context.Context) ([]*types.DelegationTask, error) {
	var out struct {
		Tasks []*types.DelegationTask `json:"tasks"`
	}
	err := c.do(ctx, http.MethodGet, c.endpoint("/sessions/"+c.sessionID+"/tasks", nil), nil, &out)
	return out.Tasks, err
}

// Task fetches one delegation task.
func (c *Client) Task(ctx context.Context, taskID string) (*types.DelegationTask, error) {
	var out types.DelegationTask
	if err := c.do(ctx, http.MethodGet, c.endpoint("/tasks/"+taskID, nil), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) send(typ types.InboundType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Send(types.Envelope{
		Type:      typ,
		SessionID: c.sessionID,
		ClientID:  c.clientID,
		Payload:   data,
	})
}

// Broadcast sends a message to the whole session.
func (c *Client) Broadcast(_ context.Context, content string) error {
	return c.send(types.InboundBroadcast, types.BroadcastPayload{Content: content})
}

// Direct sends a message to one participant. Private messages are seen only
// by sender, recipient and the session owner.
func (c *Client) Direct(_ context.Context, recipientID, content string, private bool) error {
	return c.send(types.InboundDirect, types.DirectPayload{
		RecipientID: recipientID,
		Content:     content,
		IsPrivate:   &private,
	})
}

// Delegate asks the session's manager to split content across specialists.
func (c *Client) Delegate(_ context.Context, content string) error {
	return c.send(types.InboundDelegateRequest, types.DelegatePayload{Content: content})
}

// SubmitResult answers a subtask on behalf of agentID. An empty agentID
// means this client's id.
func (c *Client) SubmitResult(_ context.Context, taskID, agentID, result string, failure error) error {
	p := types.SubtaskResultPayload{TaskID: taskID, AgentID: agentID, Result: result}
	if failure != nil {
		p.Error = failure.Error()
	}
	return c.send(types.InboundSubtaskResult, p)
}
