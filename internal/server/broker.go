package server

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/kansa/internal/model"
)

// Broker fans window events out to SSE subscribers. It implements
// governance.Publisher directly, or sits behind the Postgres event relay
// when external LISTEN clients share the stream.
type Broker struct {
	logger *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID // uuid.Nil subscribes to every window.
}

// NewBroker creates a new SSE broker.
func NewBroker(logger *slog.Logger) *Broker {
	return &Broker{
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Publish formats ev as an SSE message and broadcasts it. It never blocks
// the window actor that emitted the event.
func (b *Broker) Publish(ev model.WindowEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		b.logger.Warn("broker: marshal event", "window_id", ev.WindowID, "error", err)
		return
	}
	b.broadcast(ev.WindowID, formatSSE(ev.Kind, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events for
// windowID, or for every window when windowID is uuid.Nil.
// The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(windowID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64) // Buffer to avoid blocking the broadcast loop.
	b.mu.Lock()
	b.subscribers[ch] = windowID
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

// Subscribers returns the number of connected subscribers.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// broadcast sends an event to matching subscribers. Slow subscribers that
// have a full buffer are skipped (their event is dropped) to prevent one
// slow client from blocking all others.
func (b *Broker) broadcast(windowID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, filter := range b.subscribers {
		if filter != uuid.Nil && filter != windowID {
			continue
		}
		select {
		case ch <- event:
		default:
			b.logger.Debug("broker: subscriber buffer full, dropping event", "window_id", windowID)
		}
	}
}

// formatSSE formats an event as a Server-Sent Events message.
func formatSSE(eventType, data string) []byte {
	// SSE format: "event: <type>\ndata: <payload>\n\n"
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
