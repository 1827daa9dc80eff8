// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Plugrun Contributors

package trigger

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/oops"
)

// ErrBusClosed is returned when publishing to a closed bus.
var ErrBusClosed = errors.New("trigger bus closed")

// Bus is an unbounded FIFO of trigger events. Publishers never block.
// Any number of listeners drain the queue; each event reaches exactly one.
type Bus struct {
	mu     sync.Mutex
	queue  []Event
	closed bool

	signal chan struct{}
	done   chan struct{}
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Publish enqueues ev.
func (b *Bus) Publish(_ context.Context, ev Event) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return oops.Code("TRIGGER_BUS_CLOSED").With("source", ev.Source.String()).Wrap(ErrBusClosed)
	}
	b.queue = append(b.queue, ev)
	b.mu.Unlock()
	b.wake()
	return nil
}

// Listen returns a channel of events. The channel is closed when ctx is
// done or the bus is closed and drained. Events still queued when a
// listener stops stay on the bus.
func (b *Bus) Listen(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		defer close(out)
		for {
			ev, ok := b.next(ctx)
			if !ok {
				return
			}
			select {
			case out <- ev:
			case <-ctx.Done():
				b.requeue(ev)
				return
			}
		}
	}()
	return out
}

// Len reports the number of queued events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Close stops accepting events. Listeners exit once the queue is empty.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
}

func (b *Bus) next(ctx context.Context) (Event, bool) {
	for {
		b.mu.Lock()
		if len(b.queue) > 0 {
			ev := b.queue[0]
			b.queue[0] = Event{}
			b.queue = b.queue[1:]
			more := len(b.queue) > 0
			b.mu.Unlock()
			if more {
				b.wake()
			}
			return ev, true
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Event{}, false
		}

		select {
		case <-ctx.Done():
			return Event{}, false
		case <-b.signal:
		case <-b.done:
		}
	}
}

func (b *Bus) requeue(ev Event) {
	b.mu.Lock()
	b.queue = append([]Event{ev}, b.queue...)
	b.mu.Unlock()
	b.wake()
}

func (b *Bus) wake() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}
