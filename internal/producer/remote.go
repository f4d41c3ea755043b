package producer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteOptions controls how a Remote producer is configured.
type RemoteOptions struct {
	Name       string
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Remote is a producer backed by an HTTP generation endpoint. It posts the
// normalized request as JSON to {BaseURL}/v1/generate and expects a terminal
// JSON result. Timeouts and cancellation come from the caller's ctx; the
// lifecycle manager owns the deadline.
type Remote struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewRemote creates a Remote producer. Returns an error if Name or BaseURL
// is empty.
func NewRemote(opts RemoteOptions) (*Remote, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("producer: remote name is required")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("producer: remote base URL is required")
	}
	client := opts.HTTPClient
	if client == nil {
		// No client-level timeout: the per-call deadline arrives via ctx.
		client = &http.Client{}
	}
	return &Remote{
		name:    opts.Name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		apiKey:  opts.APIKey,
		client:  client,
	}, nil
}

// Name implements Producer.
func (r *Remote) Name() string { return r.name }

// remoteRequest is the wire form sent to the generation endpoint.
type remoteRequest struct {
	RequestID      string         `json:"request_id"`
	Prompt         string         `json:"prompt"`
	NegativePrompt string         `json:"negative_prompt,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// remoteResponse is the wire form returned by the generation endpoint.
type remoteResponse struct {
	Status  string   `json:"status"`
	Outputs []Output `json:"outputs"`
	Error   string   `json:"error,omitempty"`
}

// Generate implements Producer.
func (r *Remote) Generate(ctx context.Context, req Request, beat Heartbeat) (Result, error) {
	if beat != nil {
		beat("dispatch", fmt.Sprintf("posting request %s to %s", req.JobID, r.baseURL))
	}

	body, err := json.Marshal(remoteRequest{
		RequestID:      req.JobID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Params:         req.Params,
	})
	if err != nil {
		return Result{}, fmt.Errorf("producer %s: marshal request: %w", r.name, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/generate", bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("producer %s: build request: %w", r.name, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	start := time.Now()
	resp, err := r.client.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("producer %s: call failed: %w", r.name, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return Result{}, fmt.Errorf("producer %s: read response: %w", r.name, err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("producer %s: status %d: %s", r.name, resp.StatusCode, truncate(raw, 200))
	}

	var out remoteResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Result{}, fmt.Errorf("producer %s: decode response: %w", r.name, err)
	}
	if out.Status != "completed" {
		msg := out.Error
		if msg == "" {
			msg = "producer reported " + out.Status
		}
		return Result{}, fmt.Errorf("producer %s: %s", r.name, msg)
	}
	if len(out.Outputs) == 0 {
		return Result{}, fmt.Errorf("producer %s: completed with no outputs", r.name)
	}

	if beat != nil {
		beat("received", fmt.Sprintf("%d outputs in %s", len(out.Outputs), time.Since(start).Round(time.Millisecond)))
	}
	return Result{Outputs: out.Outputs}, nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "…"
}
