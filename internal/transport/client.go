// Package transport speaks the sync wire protocol: a JSON push/pull pair
// over HTTP. Credentials come from a token callback so the auth subsystem
// stays external.
package transport

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
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d: %s", e.Code, e.Body)
}

// TokenFunc supplies the bearer credential for one request. Nil means
// unauthenticated.
type TokenFunc func(ctx context.Context) (string, error)

// WireOperation is one local operation as submitted to /sync/push.
type WireOperation struct {
	ID         string         `json:"id"`
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Operation  string         `json:"operation"`
	Payload    map[string]any `json:"payload,omitempty"`
	Priority   int            `json:"priority"`
	CreatedAt  time.Time      `json:"created_at"`
}

// PushRequest is the /sync/push body. When Compressed is set, Operations
// is empty and CompressedPayload carries the zstd+base64 encoding of the
// operations array.
type PushRequest struct {
	Operations        []WireOperation `json:"operations,omitempty"`
	Compressed        bool            `json:"compressed"`
	CompressedPayload string          `json:"compressed_payload,omitempty"`
	ClientTimestamp   time.Time       `json:"client_timestamp"`
}

// OperationResult is the per-operation outcome of a push batch. Exactly
// one result corresponds to one submitted operation.
type OperationResult struct {
	LocalOperation string         `json:"local_operation"`
	Success        bool           `json:"success"`
	HasConflict    bool           `json:"has_conflict"`
	ServerData     map[string]any `json:"server_data,omitempty"`
	Error          string         `json:"error,omitempty"`
}

// PushResponse is the /sync/push response.
type PushResponse struct {
	Results []OperationResult `json:"results"`
}

// ServerOperation is one remote mutation returned by /sync/pull.
type ServerOperation struct {
	EntityType    string         `json:"entity_type"`
	EntityID      string         `json:"entity_id"`
	OperationType string         `json:"operation_type"`
	Version       int64          `json:"version"`
	Data          map[string]any `json:"data,omitempty"`
}

// PullResponse is the /sync/pull response.
type PullResponse struct {
	Operations []ServerOperation `json:"operations"`
}

// Client is the HTTP sync client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      TokenFunc
	userAgent  string
}

// NewClient builds a Client for baseURL. httpClient nil gets a default
// with sane timeouts; token may be nil.
func NewClient(baseURL string, httpClient *http.Client, token TokenFunc) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        20,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		httpClient: httpClient,
		token:      token,
		userAgent:  "drift-sync/1.0",
	}
}

// Push submits one batch of local operations.
func (c *Client) Push(ctx context.Context, req PushRequest) (*PushResponse, error) {
	var resp PushResponse
	if err := c.postJSON(ctx, "/sync/push", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Pull fetches remote operations since the watermark. An empty entities
// slice means all types; deleted entities are always included so
// tombstones propagate.
func (c *Client) Pull(ctx context.Context, since time.Time, entities []string) (*PullResponse, error) {
	q := url.Values{}
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	if len(entities) > 0 {
		q.Set("entities", strings.Join(entities, ","))
	} else {
		q.Set("entities", "all")
	}
	q.Set("include_deleted", "true")

	var resp PullResponse
	if err := c.getJSON(ctx, "/sync/pull?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func (c *Client) postJSON(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != nil {
		tok, err := c.token(req.Context())
		if err != nil {
			return fmt.Errorf("get token: %w", err)
		}
		if tok != "" {
			req.Header.Set("Authorization", "Bearer "+tok)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
