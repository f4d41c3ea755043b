// Command kilnwatch tails a parent collection: it subscribes to the kiln
// server's SSE change feed, keeps a cursor page in sync through viewsync,
// and prints every refreshed page. Useful for watching jobs converge while
// exercising the push and polling paths end to end.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/glazeworks/kiln/internal/model"
	"github.com/glazeworks/kiln/internal/viewsync"
	"github.com/glazeworks/kiln/sdk/go/kiln"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	serverURL := flag.String("server", "http://localhost:8080", "kiln server base URL")
	parentID := flag.String("parent", "", "parent collection to watch (required)")
	limit := flag.Int("limit", 20, "page size")
	poll := flag.Duration("poll", viewsync.DefaultPollInterval, "poll interval while jobs are processing")
	flag.Parse()

	if *parentID == "" {
		fmt.Fprintln(os.Stderr, "usage: kilnwatch -parent <collection> [-server URL] [-limit N] [-poll 3s]")
		os.Exit(2)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger, *serverURL, *parentID, *limit, *poll); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, serverURL, parentID string, limit int, poll time.Duration) error {
	client, err := kiln.NewClient(kiln.Config{BaseURL: serverURL})
	if err != nil {
		return err
	}

	view := viewsync.NewView(parentID, pageFetcher(client, parentID, limit), viewsync.Options{
		PollInterval: poll,
		OnPage:       printPage,
		OnError: func(err error) {
			logger.Warn("refresh failed", "error", err)
		},
		Logger: logger,
	})

	events := make(chan model.ChangeEvent, 16)
	go subscribeLoop(ctx, logger, client, parentID, events)
	go view.Pump(ctx, events)

	logger.Info("watching collection", "parent_id", parentID, "server", serverURL)
	view.Run(ctx)
	return nil
}

// pageFetcher returns a Fetcher over the client's collection page call.
func pageFetcher(client *kiln.Client, parentID string, limit int) viewsync.Fetcher {
	return func(ctx context.Context) (model.JobPage, error) {
		page, err := client.PageJobs(ctx, parentID, &kiln.PageOptions{Limit: limit})
		if err != nil {
			return model.JobPage{}, err
		}
		return toModelPage(page), nil
	}
}

// subscribeLoop holds a change-feed subscription open and forwards its
// events. Reconnects with backoff until ctx is cancelled; events missed
// during a gap are covered by the view's poll fallback.
func subscribeLoop(ctx context.Context, logger *slog.Logger, client *kiln.Client, parentID string, events chan<- model.ChangeEvent) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		err := streamEvents(ctx, client, parentID, events)
		if ctx.Err() != nil {
			return
		}
		logger.Warn("subscription dropped, reconnecting", "error", err, "backoff", backoff)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

// streamEvents drains one subscription until it breaks.
func streamEvents(ctx context.Context, client *kiln.Client, parentID string, events chan<- model.ChangeEvent) error {
	stream, err := client.Subscribe(ctx, parentID)
	if err != nil {
		return err
	}
	for ev := range stream {
		select {
		case events <- model.ChangeEvent{
			ParentID:   ev.ParentID,
			EntityKind: model.EntityKind(ev.EntityKind),
			EventKind:  model.EventKind(ev.EventKind),
			EntityID:   ev.EntityID,
		}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("subscribe: stream closed")
}

func toModelPage(page *kiln.JobPage) model.JobPage {
	out := model.JobPage{
		Data:       make([]model.Job, len(page.Data)),
		HasMore:    page.HasMore,
		NextCursor: page.NextCursor,
	}
	for i, job := range page.Data {
		out.Data[i] = model.Job{
			ID:             job.ID,
			ParentID:       job.ParentID,
			OwnerID:        job.OwnerID,
			ProducerID:     job.ProducerID,
			Prompt:         job.Prompt,
			NegativePrompt: job.NegativePrompt,
			Params:         job.Params,
			Debug: model.DebugRecord{
				LastHeartbeatAt: job.Debug.LastHeartbeatAt,
				LastStep:        job.Debug.LastStep,
				Logs:            job.Debug.Logs,
			},
			Status:    model.JobStatus(job.Status),
			Error:     job.Error,
			CreatedAt: job.CreatedAt,
			UpdatedAt: job.UpdatedAt,
		}
	}
	return out
}

func printPage(page model.JobPage) {
	fmt.Printf("--- %s (%d jobs", time.Now().Format(time.TimeOnly), len(page.Data))
	if page.HasMore {
		fmt.Print(", more")
	}
	fmt.Println(") ---")
	for _, job := range page.Data {
		line := fmt.Sprintf("%s  %-10s  %s", job.ID, job.Status, truncate(job.Prompt, 48))
		if job.Status == model.JobStatusProcessing && job.Debug.LastStep != "" {
			line += "  [" + job.Debug.LastStep + "]"
		}
		if job.Error != nil {
			line += "  error: " + *job.Error
		}
		fmt.Println(line)
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
