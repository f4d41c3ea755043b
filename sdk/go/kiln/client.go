package kiln

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kiln server (e.g. "http://localhost:8080").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 60-second timeout is used. Subscribe always uses an untimed
	// client regardless of this setting.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 60 seconds,
	// which must cover a full synchronous generation call in CreateJob.
	Timeout time.Duration
}

// Client is an HTTP client for the Kiln job-tracking API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
	// streamClient has no client-level timeout; SSE connections are
	// long-lived and bounded only by ctx.
	streamClient *http.Client
}

// NewClient creates a Client from the given configuration.
// Returns an error if BaseURL is empty.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kiln: BaseURL is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 60 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		streamClient: &http.Client{},
	}, nil
}

// CreateJob creates a job and runs it to a terminal state. The call blocks
// for the full generation, so the configured timeout must cover it. A
// failed job is not an error at this level: check the response's Status
// and Error fields.
func (c *Client) CreateJob(ctx context.Context, req CreateJobRequest) (*CreateJobResponse, error) {
	var resp CreateJobResponse
	if err := c.post(ctx, "/v1/jobs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetJob fetches a job with its outputs.
func (c *Client) GetJob(ctx context.Context, jobID uuid.UUID) (*JobDetail, error) {
	var detail JobDetail
	if err := c.get(ctx, "/v1/jobs/"+jobID.String(), &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

// InspectJob fetches a job's diagnostics view.
func (c *Client) InspectJob(ctx context.Context, jobID uuid.UUID) (*Inspection, error) {
	var insp Inspection
	if err := c.get(ctx, "/v1/jobs/"+jobID.String()+"/debug", &insp); err != nil {
		return nil, err
	}
	return &insp, nil
}

// PageOptions controls a PageJobs call.
type PageOptions struct {
	// Cursor resumes from a previous page's NextCursor. Empty starts at
	// the top of the order.
	Cursor string

	// Limit is the page size; zero uses the server default.
	Limit int
}

// PageJobs fetches one cursor page of a parent collection's jobs.
func (c *Client) PageJobs(ctx context.Context, parentID string, opts *PageOptions) (*JobPage, error) {
	path := "/v1/collections/" + url.PathEscape(parentID) + "/jobs"
	q := url.Values{}
	if opts != nil {
		if opts.Cursor != "" {
			q.Set("cursor", opts.Cursor)
		}
		if opts.Limit > 0 {
			q.Set("limit", strconv.Itoa(opts.Limit))
		}
	}
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var page JobPage
	if err := c.get(ctx, path, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// Subscribe opens the server's SSE change feed for parentID (empty watches
// all collections) and delivers events on the returned channel. The
// channel closes when the stream ends for any reason; callers wanting a
// durable feed reconnect and rely on polling to cover the gap. The
// connection lives until ctx is cancelled.
func (c *Client) Subscribe(ctx context.Context, parentID string) (<-chan ChangeEvent, error) {
	endpoint := c.baseURL + "/v1/subscribe"
	if parentID != "" {
		endpoint += "?parent_id=" + url.QueryEscape(parentID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("kiln: create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kiln: subscribe: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		return nil, parseErrorResponse(resp.StatusCode, body)
	}

	events := make(chan ChangeEvent, 16)
	go func() {
		defer close(events)
		defer func() { _ = resp.Body.Close() }()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			// Keepalive comments and event-type lines carry no payload.
			data, ok := strings.CutPrefix(scanner.Text(), "data: ")
			if !ok {
				continue
			}
			var ev ChangeEvent
			if err := json.Unmarshal([]byte(data), &ev); err != nil {
				continue
			}
			select {
			case events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return events, nil
}

// HealthResponse reports the server's health.
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Postgres  string `json:"postgres"`
	Uptime    int64  `json:"uptime"`
	SSEBroker string `json:"sse_broker,omitempty"`
}

// Health checks the server's health endpoint.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	var health HealthResponse
	if err := c.get(ctx, "/health", &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// apiErrorEnvelope is the server's standard error response wrapper.
type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) post(ctx context.Context, path string, body any, dest any) error {
	encoded, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("kiln: marshal request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("kiln: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.doRequest(req, dest)
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("kiln: create request: %w", err)
	}
	return c.doRequest(req, dest)
}

func (c *Client) doRequest(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kiln: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kiln: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kiln: decode response envelope: %w", err)
	}

	if envelope.Data == nil {
		// Fallback: some endpoints may not wrap in "data".
		return json.Unmarshal(bodyBytes, dest)
	}

	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}

	return apiErr
}
