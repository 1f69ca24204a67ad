// Package registration implements the HTTP client that registers this node
// with a controller before opening any tunnel, and unregisters it on
// shutdown. The protocol and retry/backoff shape are spec'd as an external
// collaborator's interface; this is a minimal-but-real client against the
// documented endpoints so the tunnel subsystem can function end-to-end.
package registration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/aether-proxy/aether-agent/internal/hardware"
)

// Request is the outgoing POST body for /api/admin/proxy-nodes/register.
type Request struct {
	Name                     string              `json:"name"`
	IP                       string              `json:"ip"`
	Port                     int                 `json:"port"`
	Region                   string              `json:"region,omitempty"`
	HeartbeatInterval        uint64              `json:"heartbeat_interval"`
	HardwareInfo             *hardware.Fingerprint `json:"hardware_info,omitempty"`
	EstimatedMaxConcurrency  int                 `json:"estimated_max_concurrency,omitempty"`
	TunnelMode               bool                `json:"tunnel_mode"`
}

// Response is the register endpoint's reply.
type Response struct {
	NodeID string `json:"node_id"`
}

// Client talks to one controller's registration HTTP API.
type Client struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client

	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
}

// NewClient builds a registration Client with the retry fields mirroring
// aether_retry_max_attempts/base_delay_ms/max_delay_ms.
func NewClient(baseURL, token string, httpClient *http.Client, maxAttempts int, baseDelay, maxDelay time.Duration) *Client {
	return &Client{
		BaseURL:     baseURL,
		Token:       token,
		HTTPClient:  httpClient,
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
	}
}

// Register attempts registration with exponential backoff between tries,
// capped at MaxAttempts.
func (c *Client) Register(ctx context.Context, req Request) (*Response, error) {
	var lastErr error
	delay := c.BaseDelay

	for attempt := 1; attempt <= c.MaxAttempts; attempt++ {
		resp, err := c.registerOnce(ctx, req)
		if err == nil {
			return resp, nil
		}
		lastErr = err

		if attempt == c.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > c.MaxDelay {
			delay = c.MaxDelay
		}
	}
	return nil, fmt.Errorf("registration: all %d attempts failed: %w", c.MaxAttempts, lastErr)
}

func (c *Client) registerOnce(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("registration: encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/admin/proxy-nodes/register", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("registration: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("registration: controller returned %d", httpResp.StatusCode)
	}

	var parsed Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, 1<<16)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("registration: decode response: %w", err)
	}
	if parsed.NodeID == "" {
		return nil, fmt.Errorf("registration: controller returned empty node_id")
	}
	return &parsed, nil
}

// Unregister is a best-effort, single-attempt notification on shutdown; a
// failure here is logged by the caller and never blocks process exit.
func (c *Client) Unregister(ctx context.Context, nodeID string) error {
	body, err := json.Marshal(map[string]string{"node_id": nodeID})
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/api/admin/proxy-nodes/unregister", bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.Token)

	httpResp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("registration: unregister returned %d", httpResp.StatusCode)
	}
	return nil
}
