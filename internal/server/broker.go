package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/glazeworks/kiln/internal/storage"
)

// Broker fans out Postgres LISTEN/NOTIFY change events to SSE subscribers.
// It runs a background goroutine that calls db.WaitForNotification in a loop
// and sends each payload to the subscribers watching the event's collection.
type Broker struct {
	db     *storage.DB
	logger *slog.Logger

	mu sync.RWMutex
	// Each subscriber channel is keyed by the parent collection it watches.
	// An empty parent ID subscribes to everything.
	subscribers map[chan []byte]string
}

// NewBroker creates a new SSE broker. Call Start to begin listening.
func NewBroker(db *storage.DB, logger *slog.Logger) *Broker {
	return &Broker{
		db:          db,
		logger:      logger,
		subscribers: make(map[chan []byte]string),
	}
}

// Start begins listening on the jobs and outputs channels.
// It blocks, so call it in a goroutine. Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	if err := b.db.Listen(ctx, storage.ChannelJobs); err != nil {
		b.logger.Error("broker: listen jobs", "error", err)
		return
	}
	if err := b.db.Listen(ctx, storage.ChannelOutputs); err != nil {
		b.logger.Error("broker: listen outputs", "error", err)
		return
	}

	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelJobs, storage.ChannelOutputs})

	for {
		channel, payload, err := b.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return // Shutting down.
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			continue
		}

		b.broadcast(channel, payload)
	}
}

// Subscribe returns a channel that receives SSE-formatted events for the
// given parent collection. An empty parentID receives all events.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(parentID string) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = parentID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast sends an event to every subscriber watching its collection.
// Slow subscribers with a full buffer are skipped (their event is dropped)
// to prevent one slow client from blocking all others. Dropped events are
// safe to lose: subscribers treat any event as a refresh hint and the next
// event or poll converges them.
func (b *Broker) broadcast(channel, payload string) {
	// Only the routing key is parsed here; the payload passes through as-is.
	var ev struct {
		ParentID string `json:"parent_id"`
	}
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		b.logger.Warn("broker: malformed notification payload", "channel", channel, "error", err)
		return
	}

	event := formatSSE(channel, payload)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, parentID := range b.subscribers {
		if parentID != "" && parentID != ev.ParentID {
			continue
		}
		select {
		case ch <- event:
		default:
			// Subscriber buffer full, drop this event for them.
		}
	}
}

// formatSSE formats a notification as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
