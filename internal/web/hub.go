// Package web provides the local console for the accrual engine: JSON control
// endpoints, live events over SSE and Prometheus metrics.
package web

import (
	"context"
	"sync"
	"time"

	"github.com/sodmax/cityverse-miner/internal/events"
)

const maxHistory = 200

// EventHub broadcasts engine events to connected SSE clients.
type EventHub struct {
	mu      sync.RWMutex
	clients map[chan events.Event]struct{}
	history []events.Event
}

// NewEventHub creates a new event hub.
func NewEventHub() *EventHub {
	return &EventHub{
		clients: make(map[chan events.Event]struct{}),
		history: make([]events.Event, 0, maxHistory),
	}
}

// Publish sends an event to all connected clients and stores it in history.
// It never blocks and never fails, so the hub can sit in an events.Fanout.
func (h *EventHub) Publish(_ context.Context, e events.Event) error {
	e = e.Stamp(time.Now())

	h.mu.Lock()
	if len(h.history) >= maxHistory {
		h.history = h.history[1:]
	}
	h.history = append(h.history, e)
	h.mu.Unlock()

	h.mu.RLock()
	for ch := range h.clients {
		select {
		case ch <- e:
		default:
			// Slow client, drop rather than stall the engine.
		}
	}
	h.mu.RUnlock()
	return nil
}

// Close disconnects nothing; SSE handlers end with their request context.
func (h *EventHub) Close() error { return nil }

// Subscribe returns a channel of events and an unsubscribe function.
// The caller receives a replay of recent history followed by live events.
func (h *EventHub) Subscribe() (<-chan events.Event, func()) {
	ch := make(chan events.Event, 64)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	snapshot := make([]events.Event, len(h.history))
	copy(snapshot, h.history)
	h.mu.Unlock()

	// Replay in background so Subscribe doesn't block.
	stop := make(chan struct{})
	go func() {
		for _, e := range snapshot {
			select {
			case ch <- e:
			case <-stop:
				return
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			close(stop)
			h.mu.Lock()
			delete(h.clients, ch)
			h.mu.Unlock()
		})
	}
	return ch, unsubscribe
}

// Recent returns up to n of the latest events, oldest first.
func (h *EventHub) Recent(n int) []events.Event {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if n <= 0 || n > len(h.history) {
		n = len(h.history)
	}
	out := make([]events.Event, n)
	copy(out, h.history[len(h.history)-n:])
	return out
}
