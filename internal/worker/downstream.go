package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"batch-ingestion-service/internal/models"
)

// Result is the downstream answer for one identifier.
type Result struct {
	ID   int64  `json:"id"`
	Data string `json:"data"`
}

// Response is what the downstream collaborator returns for one work unit.
type Response struct {
	UnitID  string   `json:"batch_id"`
	Results []Result `json:"results"`
}

// Downstream processes one work unit. Any error is treated as a transient
// failure of that unit.
type Downstream interface {
	Process(ctx context.Context, unit models.WorkUnit) (Response, error)
}

// DownstreamFunc adapts a function to Downstream.
type DownstreamFunc func(ctx context.Context, unit models.WorkUnit) (Response, error)

func (f DownstreamFunc) Process(ctx context.Context, unit models.WorkUnit) (Response, error) {
	return f(ctx, unit)
}

// SimulatedDownstream stands in for the external API: it waits for a fixed
// delay and marks every identifier processed.
type SimulatedDownstream struct {
	Delay time.Duration
}

func (s SimulatedDownstream) Process(ctx context.Context, unit models.WorkUnit) (Response, error) {
	if s.Delay > 0 {
		t := time.NewTimer(s.Delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			return Response{}, ctx.Err()
		case <-t.C:
		}
	}
	return processedResponse(unit), nil
}

func processedResponse(unit models.WorkUnit) Response {
	results := make([]Result, 0, len(unit.IDs))
	for _, id := range unit.IDs {
		results = append(results, Result{ID: id, Data: "processed"})
	}
	return Response{UnitID: unit.ID, Results: results}
}

// HTTPDownstream posts each unit to an external endpoint.
type HTTPDownstream struct {
	url    string
	client *http.Client
}

type downstreamRequest struct {
	UnitID       string  `json:"batch_id"`
	SubmissionID string  `json:"ingestion_id"`
	IDs          []int64 `json:"ids"`
}

const maxDownstreamBody = 4 << 20

// NewHTTPDownstream builds a client for url with the given request timeout.
func NewHTTPDownstream(url string, timeout time.Duration) *HTTPDownstream {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &HTTPDownstream{url: url, client: &http.Client{Timeout: timeout}}
}

func (h *HTTPDownstream) Process(ctx context.Context, unit models.WorkUnit) (Response, error) {
	body, err := json.Marshal(downstreamRequest{UnitID: unit.ID, SubmissionID: unit.SubmissionID, IDs: unit.IDs})
	if err != nil {
		return Response{}, fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return Response{}, fmt.Errorf("call downstream: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxDownstreamBody))
	if err != nil {
		return Response{}, fmt.Errorf("read downstream response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return Response{}, fmt.Errorf("downstream status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	out := processedResponse(unit)
	if len(bytes.TrimSpace(raw)) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return Response{}, fmt.Errorf("decode downstream response: %w", err)
	}
	if out.UnitID == "" {
		out.UnitID = unit.ID
	}
	return out, nil
}
