package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mindflora/mindflora/internal/agent"
	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/notifications"
	"github.com/mindflora/mindflora/internal/storage"
)

// APIError is a non-2xx reply from the daemon
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// Client talks to a running daemon over its REST API
type Client struct {
	baseURL string
	http    *http.Client
}

var _ agent.Processor = (*Client)(nil)

// NewClient creates a client for the daemon at baseURL
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Process sends one chat turn
func (c *Client) Process(ctx context.Context, req core.AgentRequest) (*core.AgentResponse, error) {
	var resp core.AgentResponse
	if err := c.do(ctx, http.MethodPost, "/api/v1/agent/chat", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// TestSMS triggers a direct test send
func (c *Client) TestSMS(ctx context.Context, req agent.TestSMSRequest) (*agent.TestSMSResult, error) {
	var resp agent.TestSMSResult
	if err := c.do(ctx, http.MethodPost, "/api/v1/agent/test-sms", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Providers returns the chain status
func (c *Client) Providers(ctx context.Context) ([]notifications.ProviderStatus, bool, error) {
	var resp struct {
		Providers []notifications.ProviderStatus `json:"providers"`
		Simulated bool                           `json:"simulated"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/providers", nil, &resp); err != nil {
		return nil, false, err
	}
	return resp.Providers, resp.Simulated, nil
}

// Profile fetches a user's profile
func (c *Client) Profile(ctx context.Context, uid core.UserID) (*core.UserProfile, error) {
	var p core.UserProfile
	if err := c.do(ctx, http.MethodGet, "/api/v1/profile/"+url.PathEscape(string(uid)), nil, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// SetPreferences merges prefs into a user's preferences and reports
// whether anything changed
func (c *Client) SetPreferences(ctx context.Context, uid core.UserID, prefs map[string]any) (bool, error) {
	var resp struct {
		Updated bool `json:"updated"`
	}
	body := map[string]any{"preferences": prefs}
	path := "/api/v1/profile/" + url.PathEscape(string(uid)) + "/preferences"
	if err := c.do(ctx, http.MethodPut, path, body, &resp); err != nil {
		return false, err
	}
	return resp.Updated, nil
}

// Deliveries lists provider attempts for one request, or the most recent
// ones when requestID is empty
func (c *Client) Deliveries(ctx context.Context, requestID string, limit int) ([]storage.AttemptRecord, error) {
	path := fmt.Sprintf("/api/v1/deliveries?limit=%d", limit)
	if requestID != "" {
		path = "/api/v1/deliveries/" + url.PathEscape(requestID)
	}
	var resp struct {
		Attempts []storage.AttemptRecord `json:"attempts"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Attempts, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&e) != nil || e.Error == "" {
			e.Error = http.StatusText(resp.StatusCode)
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
