// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

// buildHTTPClient mirrors the teacher's client construction: bounded idle
// connections and handshake timeout, proxy from environment.
func buildHTTPClient() *http.Client {
	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          64,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return &http.Client{Transport: tr}
}

const userAgent = "dependency-agent/1"

// ControlPlane is a thin JSON-RPC client for the control-plane's
// register/queue/status/heartbeat endpoints (§6 of the specification).
type ControlPlane struct {
	BaseURL      string
	SharedSecret string
	httpc        *http.Client
	bearerToken  string
}

// NewControlPlane returns a client bound to baseURL.
func NewControlPlane(baseURL, sharedSecret string) *ControlPlane {
	return &ControlPlane{
		BaseURL:      baseURL,
		SharedSecret: sharedSecret,
		httpc:        buildHTTPClient(),
	}
}

// SetBearerToken installs the agent token returned by Register, used by
// every subsequent call.
func (c *ControlPlane) SetBearerToken(token string) {
	c.bearerToken = token
}

// RegisterRequest is the body of POST /dependencies/register.
type RegisterRequest struct {
	ServerType  string `json:"serverType"`
	AgentVer    string `json:"agentVersion"`
	InstanceID  string `json:"instanceId,omitempty"`
	InstanceIP  string `json:"instanceIp,omitempty"`
}

// DynamicPolicy mirrors the profile-delivered eviction policy (§4.D).
type DynamicPolicy struct {
	Enabled          bool  `json:"enabled"`
	MinFreeBytes     int64 `json:"minFreeBytes"`
	MaxDynamicBytes  int64 `json:"maxDynamicBytes"`
	EvictionBatchMax int   `json:"evictionBatchMax"`
	PinTTLMs         int64 `json:"pinTtlMs"`
}

// Profile is the optional registration payload configuring the agent.
type Profile struct {
	DynamicPolicy *DynamicPolicy `json:"dynamicPolicy,omitempty"`
}

// RegisterResponse is the body of a successful registration.
type RegisterResponse struct {
	InstanceID string   `json:"instanceId"`
	AgentToken string   `json:"agentToken"`
	Profile    *Profile `json:"profile,omitempty"`
}

// Register performs POST /dependencies/register. On success it installs
// the returned bearer token for subsequent calls.
func (c *ControlPlane) Register(ctx context.Context, req RegisterRequest) (*RegisterResponse, error) {
	var resp RegisterResponse
	err := c.doJSON(ctx, http.MethodPost, "/dependencies/register", req, &resp, true)
	if err != nil {
		return nil, err
	}
	if resp.InstanceID == "" || resp.AgentToken == "" {
		return nil, ErrRegistration
	}
	c.SetBearerToken(resp.AgentToken)
	return &resp, nil
}

// QueueItem is one unit of work returned by GET /dependencies/queue.
type QueueItem struct {
	ItemID   string          `json:"itemId"`
	DepID    string          `json:"depId"`
	Op       string          `json:"op"`
	Resolved json.RawMessage `json:"resolved"`
}

type queueResponse struct {
	Items []QueueItem `json:"items"`
}

// FetchQueue performs GET /dependencies/queue?instanceId=...&limit=....
func (c *ControlPlane) FetchQueue(ctx context.Context, instanceID string, limit int) ([]QueueItem, error) {
	path := fmt.Sprintf("/dependencies/queue?instanceId=%s&limit=%d", instanceID, limit)
	var resp queueResponse
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &resp, false); err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// ItemState is the state a status post reports for one queue item.
type ItemState string

const (
	StateRunning   ItemState = "running"
	StateSucceeded ItemState = "succeeded"
	StateFailed    ItemState = "failed"
	StateRetrying  ItemState = "retrying"
)

// DiskStats mirrors internal/pathutil.DiskStats for wire purposes,
// avoiding an import cycle between transport and pathutil's callers.
type DiskStats struct {
	TotalBytes int64 `json:"totalBytes"`
	FreeBytes  int64 `json:"freeBytes"`
	UsedBytes  int64 `json:"usedBytes"`
}

// StatusRequest is the body of POST /dependencies/status.
type StatusRequest struct {
	InstanceID       string    `json:"instanceId"`
	ItemID           string    `json:"itemId"`
	DepID            string    `json:"depId"`
	Op               string    `json:"op"`
	State            ItemState `json:"state"`
	DiskStats        DiskStats `json:"diskStats"`
	DynamicBytesUsed int64     `json:"dynamicBytesUsed"`
	Error            string    `json:"error,omitempty"`
}

// PostStatus performs POST /dependencies/status.
func (c *ControlPlane) PostStatus(ctx context.Context, req StatusRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/dependencies/status", req, nil, false)
}

// HeartbeatRequest is the body of POST /dependencies/heartbeat.
type HeartbeatRequest struct {
	InstanceID             string    `json:"instanceId"`
	InstalledStaticDepIDs  []string  `json:"installedStaticDepIds"`
	InstalledDynamicDepIDs []string  `json:"installedDynamicDepIds"`
	DownloadingDepIDs      []string  `json:"downloadingDepIds"`
	FailedDepIDs           []string  `json:"failedDepIds"`
	DiskStats              DiskStats `json:"diskStats"`
	DynamicBytesUsed       int64     `json:"dynamicBytesUsed"`
	QueueDepth             *int      `json:"queueDepth,omitempty"`
}

// Heartbeat performs POST /dependencies/heartbeat.
func (c *ControlPlane) Heartbeat(ctx context.Context, req HeartbeatRequest) error {
	return c.doJSON(ctx, http.MethodPost, "/dependencies/heartbeat", req, nil, false)
}

// doJSON executes one control-plane call with a small transport-level
// retry (distinct from the persisted, per-artifact retry scheduler):
// transient DNS/connection failures get up to 2 extra attempts with
// jittered backoff before surfacing to the caller.
func (c *ControlPlane) doJSON(ctx context.Context, method, path string, body, out any, withSecret bool) error {
	backoff := retry.WithMaxRetries(2, retry.WithJitterPercent(20, retry.NewExponential(200*time.Millisecond)))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := c.attemptJSON(ctx, method, path, body, out, withSecret)
		if err == nil {
			return nil
		}
		var apiErr *APIError
		if ok := asAPIError(err, &apiErr); ok && !apiErr.IsRetryable() {
			return err // non-retryable API error: stop immediately
		}
		var transportErr *TransportError
		if ok := asTransportError(err, &transportErr); ok {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (c *ControlPlane) attemptJSON(ctx context.Context, method, path string, body, out any, withSecret bool) error {
	url := c.BaseURL + path

	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("transport: marshal request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("transport: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}
	if withSecret && c.SharedSecret != "" {
		req.Header.Set("X-DM-Secret", c.SharedSecret)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return &TransportError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       string(respBody),
			URL:        url,
		}
	}

	if out != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("transport: decode response from %s: %w", url, err)
		}
	}
	return nil
}

func asAPIError(err error, target **APIError) bool {
	if ae, ok := err.(*APIError); ok {
		*target = ae
		return true
	}
	return false
}

func asTransportError(err error, target **TransportError) bool {
	if te, ok := err.(*TransportError); ok {
		*target = te
		return true
	}
	return false
}
