package kiln

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
)

// mockServer creates an httptest server that mimics the Kiln API.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	return httptest.NewServer(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL: serverURL,
		Timeout: 5 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestCreateJobUnwrapsEnvelope(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/jobs": func(w http.ResponseWriter, r *http.Request) {
			var req CreateJobRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode request: %v", err)
			}
			if req.ProducerID != "sdxl" {
				t.Errorf("got producer_id %q, want %q", req.ProducerID, "sdxl")
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": CreateJobResponse{
					ID:     jobID,
					Status: StatusCompleted,
					Outputs: []Output{
						{ID: uuid.New(), JobID: jobID, URL: "https://cdn.example.com/a.png", Kind: "image"},
					},
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.CreateJob(context.Background(), CreateJobRequest{
		ParentID:   "col-1",
		ProducerID: "sdxl",
		Prompt:     "a kiln",
	})
	if err != nil {
		t.Fatalf("CreateJob failed: %v", err)
	}
	if resp.ID != jobID {
		t.Errorf("got id %s, want %s", resp.ID, jobID)
	}
	if resp.Status != StatusCompleted {
		t.Errorf("got status %q, want %q", resp.Status, StatusCompleted)
	}
	if len(resp.Outputs) != 1 {
		t.Errorf("got %d outputs, want 1", len(resp.Outputs))
	}
}

func TestCreateJobSurfacesFailedJob(t *testing.T) {
	jobID := uuid.New()
	errMsg := "timeout"

	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/jobs": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": CreateJobResponse{ID: jobID, Status: StatusFailed, Error: &errMsg},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	resp, err := c.CreateJob(context.Background(), CreateJobRequest{
		ParentID: "col-1", ProducerID: "sdxl", Prompt: "a kiln",
	})
	if err != nil {
		t.Fatalf("a failed job must not be a client error, got: %v", err)
	}
	if resp.Status != StatusFailed {
		t.Errorf("got status %q, want %q", resp.Status, StatusFailed)
	}
	if resp.Error == nil || *resp.Error != "timeout" {
		t.Errorf("got error %v, want %q", resp.Error, "timeout")
	}
}

func TestGetJobNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{job_id}": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "job not found"},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetJob(context.Background(), uuid.New())
	if !IsNotFound(err) {
		t.Fatalf("expected a not-found error, got: %v", err)
	}
}

func TestPageJobsSendsCursorAndLimit(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/collections/{parent_id}/jobs": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("cursor"); got != "abc123" {
				t.Errorf("got cursor %q, want %q", got, "abc123")
			}
			if got := r.URL.Query().Get("limit"); got != "2" {
				t.Errorf("got limit %q, want %q", got, "2")
			}
			next := "def456"
			writeJSON(w, http.StatusOK, map[string]any{
				"data": JobPage{
					Data:       []Job{{ID: uuid.New(), ParentID: "col-1", Status: StatusProcessing}},
					HasMore:    true,
					NextCursor: &next,
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	page, err := c.PageJobs(context.Background(), "col-1", &PageOptions{Cursor: "abc123", Limit: 2})
	if err != nil {
		t.Fatalf("PageJobs failed: %v", err)
	}
	if !page.HasMore || page.NextCursor == nil || *page.NextCursor != "def456" {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestSubscribeDeliversEvents(t *testing.T) {
	ev := ChangeEvent{
		ParentID:   "col-1",
		EntityKind: "job",
		EventKind:  "update",
		EntityID:   uuid.New(),
	}
	payload, _ := json.Marshal(ev)

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/subscribe": func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher.Flush()

			// Keepalive first, then a real event.
			_, _ = w.Write([]byte(":keepalive\n\n"))
			_, _ = w.Write([]byte("event: kiln_jobs\ndata: " + string(payload) + "\n\n"))
			flusher.Flush()
			<-r.Context().Done()
		},
	})
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := newTestClient(t, srv.URL)
	events, err := c.Subscribe(ctx, "col-1")
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	select {
	case got := <-events:
		if got.EntityID != ev.EntityID {
			t.Errorf("got entity %s, want %s", got.EntityID, ev.EntityID)
		}
		if got.ParentID != "col-1" {
			t.Errorf("got parent %q, want %q", got.ParentID, "col-1")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}
}

func TestInspectJob(t *testing.T) {
	jobID := uuid.New()

	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/jobs/{job_id}/debug": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{
				"data": Inspection{
					ID:          jobID,
					Status:      StatusProcessing,
					LastStep:    "render",
					OutputCount: 0,
					DebugLogs:   []string{"step 3/30"},
				},
			})
		},
	})
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	insp, err := c.InspectJob(context.Background(), jobID)
	if err != nil {
		t.Fatalf("InspectJob failed: %v", err)
	}
	if insp.LastStep != "render" {
		t.Errorf("got last step %q, want %q", insp.LastStep, "render")
	}
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected an error for empty BaseURL")
	}
}
