package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
)

type Webhook struct {
	GID      string `json:"gid"`
	Target   string `json:"target"`
	Resource struct {
		GID  string `json:"gid"`
		Name string `json:"name"`
	} `json:"resource"`
	Active bool `json:"active"`
}

// CreateWebhook subscribes target to change notifications for the resource.
// The upstream completes the subscription only after a successful handshake
// against the target (see the server's ingress route).
func (c *Client) CreateWebhook(ctx context.Context, resource, target string) (Webhook, error) {
	payload := map[string]any{"data": map[string]any{
		"resource": resource,
		"target":   target,
	}}
	body, err := c.do(ctx, http.MethodPost, "/webhooks", nil, payload)
	if err != nil {
		return Webhook{}, err
	}
	var resp struct {
		Data Webhook `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Webhook{}, fmt.Errorf("decode webhook: %w", err)
	}
	return resp.Data, nil
}

// ListWebhooks returns the subscriptions registered in the workspace.
func (c *Client) ListWebhooks(ctx context.Context, workspace string) ([]Webhook, error) {
	body, err := c.do(ctx, http.MethodGet, "/webhooks", url.Values{"workspace": {workspace}}, nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Data []Webhook `json:"data"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode webhooks: %w", err)
	}
	return resp.Data, nil
}

func (c *Client) DeleteWebhook(ctx context.Context, gid string) error {
	_, err := c.do(ctx, http.MethodDelete, "/webhooks/"+gid, nil, nil)
	return err
}
