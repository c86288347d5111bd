// Package transport carries chat turns between a client connection and the
// orchestrator.
package transport

import (
	"context"
	"errors"
	"sync"
)

var (
	// ErrClosed is returned by shim operations after Close.
	ErrClosed = errors.New("transport closed")
	// ErrNotOpen is returned by Send before Open.
	ErrNotOpen = errors.New("transport not open")
)

// Event is one value moving through the shim.
type Event struct {
	Type   string `json:"type"`
	Text   string `json:"text,omitempty"`
	Sender string `json:"sender,omitempty"`
}

// Sink displays outbound events.
type Sink interface {
	Deliver(ctx context.Context, e Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, e Event) error

// Deliver calls f.
func (f SinkFunc) Deliver(ctx context.Context, e Event) error {
	return f(ctx, e)
}

// Shim is a single-producer, single-consumer queue of inbound events paired
// with an outbound sink. The queue is bounded; Push blocks while it is full.
type Shim struct {
	sink  Sink
	queue chan Event

	mu     sync.Mutex
	opened bool
	closed chan struct{}
	once   sync.Once
}

// NewShim creates a shim delivering outbound events to sink. Capacity below
// one is raised to one.
func NewShim(sink Sink, capacity int) *Shim {
	if capacity < 1 {
		capacity = 1
	}
	return &Shim{
		sink:   sink,
		queue:  make(chan Event, capacity),
		closed: make(chan struct{}),
	}
}

// Open marks the shim ready. Calling it again has no effect.
func (s *Shim) Open() error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	s.mu.Lock()
	s.opened = true
	s.mu.Unlock()
	return nil
}

// IsOpen reports whether Open was called and Close was not.
func (s *Shim) IsOpen() bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opened
}

// Send hands e to the sink.
func (s *Shim) Send(ctx context.Context, e Event) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	if !s.IsOpen() {
		return ErrNotOpen
	}
	return s.sink.Deliver(ctx, e)
}

// Push queues e for the next Receive.
func (s *Shim) Push(ctx context.Context, e Event) error {
	select {
	case <-s.closed:
		return ErrClosed
	default:
	}
	select {
	case s.queue <- e:
		return nil
	case <-s.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive blocks until a pushed event is available. Events queued before
// Close are still drained.
func (s *Shim) Receive(ctx context.Context) (Event, error) {
	select {
	case e := <-s.queue:
		return e, nil
	default:
	}
	select {
	case e := <-s.queue:
		return e, nil
	case <-s.closed:
		return Event{}, ErrClosed
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// Close releases any blocked Push or Receive. It is safe to call more than once.
func (s *Shim) Close() {
	s.once.Do(func() {
		close(s.closed)
	})
}
