package viewsync

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/glazeworks/kiln/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// gatedFetcher blocks each fetch until released, counting calls.
type gatedFetcher struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	page    model.JobPage
}

func newGatedFetcher(page model.JobPage) *gatedFetcher {
	return &gatedFetcher{release: make(chan struct{}), page: page}
}

func (g *gatedFetcher) fetch(ctx context.Context) (model.JobPage, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	select {
	case <-g.release:
	case <-ctx.Done():
		return model.JobPage{}, ctx.Err()
	}
	return g.page, nil
}

func (g *gatedFetcher) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func processingPage() model.JobPage {
	return model.JobPage{Data: []model.Job{{Status: model.JobStatusProcessing}}}
}

func terminalPage() model.JobPage {
	return model.JobPage{Data: []model.Job{{Status: model.JobStatusCompleted}, {Status: model.JobStatusFailed}}}
}

// N triggers arriving while a refresh is in flight must collapse into
// exactly one trailing refresh.
func TestTriggerCoalescing(t *testing.T) {
	fetcher := newGatedFetcher(terminalPage())
	pages := make(chan model.JobPage, 16)

	view := NewView("s1", fetcher.fetch, Options{
		PollInterval: time.Hour, // keep polling out of this test
		OnPage:       func(p model.JobPage) { pages <- p },
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go view.Run(ctx)

	// Wait for the initial refresh to start, then pile on triggers while
	// it is blocked in the fetcher.
	waitFor(t, func() bool { return fetcher.callCount() == 1 })
	for range 10 {
		view.Trigger()
	}

	fetcher.release <- struct{}{} // finish initial refresh
	<-pages
	fetcher.release <- struct{}{} // the one coalesced trailing refresh
	<-pages

	// No further refreshes may be pending.
	select {
	case fetcher.release <- struct{}{}:
		t.Fatalf("unexpected third refresh after coalesced triggers (calls=%d)", fetcher.callCount())
	case <-time.After(100 * time.Millisecond):
	}
	if got := fetcher.callCount(); got != 2 {
		t.Fatalf("got %d fetches, want 2 (initial + one coalesced)", got)
	}
}

// While the page contains a processing job, the view polls on a short
// interval without external triggers.
func TestAdaptivePollingWhileProcessing(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context) (model.JobPage, error) {
		calls.Add(1)
		return processingPage(), nil
	}
	pages := make(chan model.JobPage, 64)

	view := NewView("s1", fetch, Options{
		PollInterval: 10 * time.Millisecond,
		OnPage:       func(p model.JobPage) { pages <- p },
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go view.Run(ctx)

	waitFor(t, func() bool { return calls.Load() >= 4 })
}

// Once the page is fully terminal, polling stops until the next trigger.
func TestPollingDisabledWhenTerminal(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context) (model.JobPage, error) {
		calls.Add(1)
		return terminalPage(), nil
	}

	view := NewView("s1", fetch, Options{
		PollInterval: 10 * time.Millisecond,
		OnPage:       func(model.JobPage) {},
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go view.Run(ctx)

	waitFor(t, func() bool { return calls.Load() == 1 })
	time.Sleep(80 * time.Millisecond)
	if got := calls.Load(); got != 1 {
		t.Fatalf("view kept polling a terminal collection: %d fetches", got)
	}

	// A push re-enables the view.
	view.Trigger()
	waitFor(t, func() bool { return calls.Load() == 2 })
}

// A failing fetch retries on the poll cadence instead of stranding the view.
func TestRefreshErrorRetries(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context) (model.JobPage, error) {
		if calls.Add(1) < 3 {
			return model.JobPage{}, errors.New("connection reset")
		}
		return terminalPage(), nil
	}
	var errCount atomic.Int64
	pages := make(chan model.JobPage, 4)

	view := NewView("s1", fetch, Options{
		PollInterval: 10 * time.Millisecond,
		OnPage:       func(p model.JobPage) { pages <- p },
		OnError:      func(error) { errCount.Add(1) },
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go view.Run(ctx)

	select {
	case <-pages:
	case <-time.After(2 * time.Second):
		t.Fatal("view never recovered from fetch errors")
	}
	if got := errCount.Load(); got != 2 {
		t.Fatalf("got %d error callbacks, want 2", got)
	}
}

func TestPumpTriggersOnEvents(t *testing.T) {
	var calls atomic.Int64
	fetch := func(ctx context.Context) (model.JobPage, error) {
		calls.Add(1)
		return terminalPage(), nil
	}

	view := NewView("s1", fetch, Options{
		PollInterval: time.Hour,
		OnPage:       func(model.JobPage) {},
		Logger:       testLogger(),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go view.Run(ctx)
	waitFor(t, func() bool { return calls.Load() == 1 })

	events := make(chan model.ChangeEvent)
	go view.Pump(ctx, events)

	events <- model.ChangeEvent{ParentID: "s1", EntityKind: model.EntityJob, EventKind: model.EventUpdate}
	waitFor(t, func() bool { return calls.Load() == 2 })

	close(events)
}

// Concurrent refreshes of the same parent collapse into one store fetch.
func TestSharedFetcherDeduplicates(t *testing.T) {
	var calls atomic.Int64
	release := make(chan struct{})
	base := func(ctx context.Context) (model.JobPage, error) {
		calls.Add(1)
		<-release
		return terminalPage(), nil
	}

	var group singleflight.Group
	shared := SharedFetcher(&group, "s1", base)

	const viewers = 8
	var wg sync.WaitGroup
	results := make([]model.JobPage, viewers)
	for i := range viewers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			page, err := shared(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			results[i] = page
		}()
	}

	waitFor(t, func() bool { return calls.Load() == 1 })
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("got %d underlying fetches for %d concurrent viewers, want 1", got, viewers)
	}
	for i := range viewers {
		if len(results[i].Data) != 2 {
			t.Fatalf("viewer %d got %d jobs, want 2", i, len(results[i].Data))
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
