package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kansa/internal/model"
)

// ChannelWindowEvents carries WindowEvents to any process that LISTENs on the
// gateway's database.
const ChannelWindowEvents = "kansa_window_events"

// Postgres caps NOTIFY payloads at 8000 bytes.
const maxNotifyPayload = 7900

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return errors.New("storage: notify connection not configured")
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
		return "", "", errors.New("storage: notify connection not configured")
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

// EventRelay publishes window events through Postgres NOTIFY and delivers
// events received by LISTEN to a local sink. Subscribers on the gateway and
// external LISTEN clients therefore see the same stream, in the same order.
type EventRelay struct {
	db      *DB
	out     chan model.WindowEvent
	timeout time.Duration
}

// NewEventRelay returns a relay over db's notify connection.
func NewEventRelay(db *DB) *EventRelay {
	return &EventRelay{db: db, out: make(chan model.WindowEvent, 1024), timeout: 2 * time.Second}
}

// Publish queues ev for relay without blocking. When the queue is full the
// event is dropped for remote subscribers; the audit chain is unaffected.
func (r *EventRelay) Publish(ev model.WindowEvent) {
	select {
	case r.out <- ev:
	default:
		r.db.logger.Warn("storage: event relay queue full, dropping event", "window_id", ev.WindowID, "kind", ev.Kind)
	}
}

func (r *EventRelay) send(ev model.WindowEvent) {
	data, err := json.Marshal(ev)
	if err == nil && len(data) > maxNotifyPayload {
		ev.Details = map[string]any{"truncated": true}
		data, err = json.Marshal(ev)
	}
	if err != nil {
		r.db.logger.Warn("storage: marshal window event", "window_id", ev.WindowID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.db.Notify(ctx, ChannelWindowEvents, string(data)); err != nil {
		r.db.logger.Warn("storage: relay window event", "window_id", ev.WindowID, "error", err)
	}
}

// Run sends queued events and hands every relayed event to sink until ctx
// is done. The notify connection is used only by this loop.
func (r *EventRelay) Run(ctx context.Context, sink func(model.WindowEvent)) error {
	if err := r.db.Listen(ctx, ChannelWindowEvents); err != nil {
		return err
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-r.out:
				r.send(ev)
			}
		}
	}()
	for {
		channel, payload, err := r.db.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if channel != ChannelWindowEvents {
			continue
		}
		var ev model.WindowEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			r.db.logger.Warn("storage: decode relayed event", "error", err)
			continue
		}
		sink(ev)
	}
}
