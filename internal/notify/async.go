package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	asyncQueueSize = 64
	deliverTimeout = 15 * time.Second
)

// Async delivers events on a background goroutine so that callers never
// block on the transport. Events are dropped when the queue is full.
type Async struct {
	next   Notifier
	logger *slog.Logger
	events chan Event
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
}

// NewAsync wraps next and starts its delivery goroutine.
func NewAsync(next Notifier, logger *slog.Logger) *Async {
	a := &Async{
		next:   next,
		logger: logger,
		events: make(chan Event, asyncQueueSize),
		done:   make(chan struct{}),
	}
	go a.loop()
	return a
}

// Notify queues e and returns immediately.
func (a *Async) Notify(_ context.Context, e Event) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil
	}
	select {
	case a.events <- e:
	default:
		a.logger.Warn("notification dropped", "kind", e.Kind, "title", e.Title)
	}
	return nil
}

// Close stops accepting events, delivers what is queued and returns once
// the delivery goroutine has exited.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	<-a.done
}

func (a *Async) loop() {
	defer close(a.done)
	for e := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
		if err := a.next.Notify(ctx, e); err != nil {
			a.logger.Error("notification delivery failed", "kind", e.Kind, "error", err)
		}
		cancel()
	}
}
