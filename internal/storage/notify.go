package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/glazeworks/kiln/internal/model"
)

// Postgres LISTEN/NOTIFY channel names for the change feed.
const (
	ChannelJobs    = "kiln_jobs"
	ChannelOutputs = "kiln_outputs"
)

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
// Returns the channel name and payload.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

// NotifyChange publishes a change event on the channel matching its entity
// kind. The payload is the JSON-encoded event.
func (db *DB) NotifyChange(ctx context.Context, ev model.ChangeEvent) error {
	channel := ChannelJobs
	if ev.EntityKind == model.EntityOutput {
		channel = ChannelOutputs
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("storage: marshal change event: %w", err)
	}
	return db.Notify(ctx, channel, string(payload))
}
