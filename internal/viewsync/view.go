// Package viewsync reconciles push notifications and adaptive polling into
// a single "refresh needed" signal per parent collection.
//
// Each viewer owns a View. The View never assumes a trigger says what
// changed, only that something may have changed, and always re-fetches
// the full current page rather than patching incrementally. Fetching is
// idempotent: two fetches with no intervening mutation return identical
// pages, so redundant triggers are harmless and are deliberately collapsed.
package viewsync

import (
	"context"
	"log/slog"
	"time"

	"github.com/glazeworks/kiln/internal/model"
)

// DefaultPollInterval is the poll cadence while the fetched page contains
// a processing job.
const DefaultPollInterval = 3 * time.Second

// Fetcher retrieves the current page set for the view's parent collection.
type Fetcher func(ctx context.Context) (model.JobPage, error)

// Options configures a View.
type Options struct {
	// PollInterval is the delay between polls while any fetched job is
	// still processing. Zero means DefaultPollInterval.
	PollInterval time.Duration

	// OnPage is invoked after every successful refresh with the fetched
	// page. Required.
	OnPage func(model.JobPage)

	// OnError is invoked when a refresh fails. Optional.
	OnError func(error)

	Logger *slog.Logger
}

// View is one viewer's refresh state machine for a single parent
// collection. Triggers from any source (push event, poll expiry, explicit
// invalidation) collapse into at most one queued refresh behind the one in
// flight: a single goroutine performs all fetches, so at most one refresh
// per view is ever outstanding, and N triggers arriving during a refresh
// cause exactly one trailing refresh, never N.
type View struct {
	parentID string
	fetch    Fetcher
	opts     Options

	triggerCh chan struct{}
}

// NewView creates a View for parentID. Call Run to start it.
func NewView(parentID string, fetch Fetcher, opts Options) *View {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &View{
		parentID: parentID,
		fetch:    fetch,
		opts:     opts,
		// Capacity 1 is the coalescing: a trigger landing while a refresh
		// is in flight parks here; further triggers find the buffer full
		// and are dropped as already-covered.
		triggerCh: make(chan struct{}, 1),
	}
}

// Trigger requests a refresh. Non-blocking; safe for concurrent use from
// push consumers and invalidation paths.
func (v *View) Trigger() {
	select {
	case v.triggerCh <- struct{}{}:
	default:
	}
}

// Run drives the view until ctx is cancelled. It performs one immediate
// refresh (the navigation trigger), then refreshes on pushes and on the
// adaptive poll timer. It blocks, so call it in a goroutine.
func (v *View) Run(ctx context.Context) {
	poll := time.NewTimer(v.opts.PollInterval)
	pollArmed := true
	disarmPoll := func() {
		if pollArmed && !poll.Stop() {
			<-poll.C
		}
		pollArmed = false
	}
	disarmPoll()

	v.Trigger()

	for {
		select {
		case <-ctx.Done():
			disarmPoll()
			return
		case <-v.triggerCh:
			// A push-triggered refresh supersedes any scheduled poll.
			disarmPoll()
		case <-poll.C:
			pollArmed = false
		}

		page, err := v.fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			v.opts.Logger.Warn("viewsync: refresh failed",
				"parent_id", v.parentID, "error", err)
			if v.opts.OnError != nil {
				v.opts.OnError(err)
			}
			// Retry on the poll cadence so a transient fetch failure
			// cannot strand the view.
			poll.Reset(v.opts.PollInterval)
			pollArmed = true
			continue
		}

		v.opts.OnPage(page)

		// Adaptive poll: keep polling only while the collection is
		// active. Terminal collections go quiet until the next push or
		// explicit invalidation.
		if hasProcessing(page) {
			poll.Reset(v.opts.PollInterval)
			pollArmed = true
		}
	}
}

// Pump forwards change events into Trigger until ctx is done or the
// channel closes. The event content is ignored: delivery is at-least-once
// and possibly reordered, so the only safe reading is "refresh".
func (v *View) Pump(ctx context.Context, events <-chan model.ChangeEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			v.Trigger()
		}
	}
}

func hasProcessing(page model.JobPage) bool {
	for _, job := range page.Data {
		if job.Status == model.JobStatusProcessing {
			return true
		}
	}
	return false
}
