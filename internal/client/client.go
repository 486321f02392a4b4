// Package client is a typed HTTP client for the ingestion API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"batch-ingestion-service/internal/models"
)

// ErrNotFound is returned by Status for unknown ingestion ids.
var ErrNotFound = errors.New("ingestion id not found")

// APIError carries a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
	RetryAfter string
}

func (e *APIError) Error() string {
	if e.RetryAfter != "" {
		return fmt.Sprintf("api returned %d: %s (retry after %ss)", e.StatusCode, e.Message, e.RetryAfter)
	}
	return fmt.Sprintf("api returned %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running batchd.
type Client struct {
	baseURL  string
	clientID string
	http     *http.Client
}

// New returns a client for the server at baseURL. clientID, when set, is
// sent as X-Client-ID so intake throttling is keyed per caller.
func New(baseURL, clientID string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		clientID: clientID,
		http:     &http.Client{Timeout: timeout},
	}
}

// Submit posts ids at the given priority and returns the ingestion id.
func (c *Client) Submit(ctx context.Context, ids []int64, priority models.Priority) (string, error) {
	body, err := json.Marshal(map[string]any{"ids": ids, "priority": priority})
	if err != nil {
		return "", err
	}
	var out struct {
		IngestionID string `json:"ingestion_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/ingest", bytes.NewReader(body), &out); err != nil {
		return "", err
	}
	return out.IngestionID, nil
}

// Status fetches the current view of a submission.
func (c *Client) Status(ctx context.Context, ingestionID string) (models.SubmissionView, error) {
	var view models.SubmissionView
	err := c.do(ctx, http.MethodGet, "/status/"+url.PathEscape(ingestionID), nil, &view)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return view, fmt.Errorf("%w: %s", ErrNotFound, ingestionID)
	}
	return view, err
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.clientID != "" {
		req.Header.Set("X-Client-ID", c.clientID)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			msg = e.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg, RetryAfter: resp.Header.Get("Retry-After")}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
