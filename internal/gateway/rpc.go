package gateway

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// GatewaySession is the gateway's view of one session. The gateway is the
// source of truth for these rows; we only ever read them.
type GatewaySession struct {
	ID         string `json:"id"`
	Key        string `json:"key,omitempty"`
	Status     string `json:"status,omitempty"`
	Model      string `json:"model,omitempty"`
	Provider   string `json:"provider,omitempty"`
	TokensUsed int64  `json:"tokensUsed,omitempty"`
}

// GatewayNode is one node entry from node.list.
type GatewayNode struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Platform string `json:"platform,omitempty"`
	Online   bool   `json:"online,omitempty"`
}

// SessionsList fetches the gateway's session list. Gateways disagree on the
// envelope, so decoding is lenient with a fixed priority: a bare array first,
// then `{"sessions": [...]}`. Anything else is an explicit error rather than
// a silent empty list.
func (c *Client) SessionsList(ctx context.Context) ([]GatewaySession, error) {
	payload, err := c.Call(ctx, "sessions.list", struct{}{})
	if err != nil {
		return nil, err
	}
	var sessions []GatewaySession
	if err := json.Unmarshal(payload, &sessions); err == nil {
		return sessions, nil
	}
	var wrapped struct {
		Sessions []GatewaySession `json:"sessions"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Sessions != nil {
		return wrapped.Sessions, nil
	}
	return nil, fmt.Errorf("sessions.list: unrecognized payload shape: %s", truncatePayload(payload))
}

// SessionsHistory returns the raw message history for one session. The
// entries are opaque to us; callers render or forward them untouched.
func (c *Client) SessionsHistory(ctx context.Context, sessionID string) ([]json.RawMessage, error) {
	payload, err := c.Call(ctx, "sessions.history", map[string]string{"sessionId": sessionID})
	if err != nil {
		return nil, err
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(payload, &entries); err == nil {
		return entries, nil
	}
	var wrapped struct {
		Messages []json.RawMessage `json:"messages"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Messages != nil {
		return wrapped.Messages, nil
	}
	return nil, fmt.Errorf("sessions.history: unrecognized payload shape: %s", truncatePayload(payload))
}

// SessionsSend delivers free-form content into an existing session.
func (c *Client) SessionsSend(ctx context.Context, sessionID, content string) error {
	_, err := c.Call(ctx, "sessions.send", map[string]string{
		"sessionId": sessionID,
		"content":   content,
	})
	return err
}

// SessionsCreate asks the gateway to open a session on the given channel.
// peer is optional and names the remote counterpart when the channel needs
// one.
func (c *Client) SessionsCreate(ctx context.Context, channel, peer string) (GatewaySession, error) {
	params := map[string]string{"channel": channel}
	if peer != "" {
		params["peer"] = peer
	}
	payload, err := c.Call(ctx, "sessions.create", params)
	if err != nil {
		return GatewaySession{}, err
	}
	var session GatewaySession
	if err := json.Unmarshal(payload, &session); err == nil && session.ID != "" {
		return session, nil
	}
	var wrapped struct {
		Session GatewaySession `json:"session"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Session.ID != "" {
		return wrapped.Session, nil
	}
	return GatewaySession{}, fmt.Errorf("sessions.create: unrecognized payload shape: %s", truncatePayload(payload))
}

// NodeList fetches the gateway's known nodes.
func (c *Client) NodeList(ctx context.Context) ([]GatewayNode, error) {
	payload, err := c.Call(ctx, "node.list", struct{}{})
	if err != nil {
		return nil, err
	}
	var nodes []GatewayNode
	if err := json.Unmarshal(payload, &nodes); err == nil {
		return nodes, nil
	}
	var wrapped struct {
		Nodes []GatewayNode `json:"nodes"`
	}
	if err := json.Unmarshal(payload, &wrapped); err == nil && wrapped.Nodes != nil {
		return wrapped.Nodes, nil
	}
	return nil, fmt.Errorf("node.list: unrecognized payload shape: %s", truncatePayload(payload))
}

// NodeDescribe returns the raw description of one node.
func (c *Client) NodeDescribe(ctx context.Context, nodeID string) (json.RawMessage, error) {
	return c.Call(ctx, "node.describe", map[string]string{"nodeId": nodeID})
}

// ChatSend posts a message into the session named by its key. Every send
// carries a fresh idempotency key so gateway-side retries cannot double
// deliver.
func (c *Client) ChatSend(ctx context.Context, sessionKey, message, model string) error {
	params := map[string]string{
		"sessionKey":     sessionKey,
		"message":        message,
		"idempotencyKey": uuid.NewString(),
	}
	if model != "" {
		params["model"] = model
	}
	_, err := c.Call(ctx, "chat.send", params)
	return err
}

// truncatePayload keeps unrecognized-shape errors readable when the gateway
// sends something enormous.
func truncatePayload(payload json.RawMessage) string {
	const max = 200
	if len(payload) <= max {
		return string(payload)
	}
	return string(payload[:max]) + "..."
}
