package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrSubscriptionClosed is returned by Recv after Close or Bus.Close.
var ErrSubscriptionClosed = errors.New("events: subscription closed")

// Bus fans values out to every subscriber. Each subscriber owns a ring of
// fixed capacity; when a slow subscriber's ring is full the oldest
// undelivered value is dropped. Publish never blocks.
type Bus[T any] struct {
	capacity int

	mu     sync.RWMutex
	subs   map[*Subscription[T]]struct{}
	closed bool
}

// NewBus creates a bus whose subscribers each buffer up to capacity values.
func NewBus[T any](capacity int) *Bus[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus[T]{
		capacity: capacity,
		subs:     make(map[*Subscription[T]]struct{}),
	}
}

// Publish delivers v to every live subscription and returns how many
// subscriptions received it.
func (b *Bus[T]) Publish(v T) int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0
	}
	for s := range b.subs {
		s.push(v)
	}
	return len(b.subs)
}

// Subscribe registers a new subscription. Values published before the call
// are not replayed.
func (b *Bus[T]) Subscribe() *Subscription[T] {
	s := &Subscription[T]{
		bus:    b,
		buf:    make([]T, 0, b.capacity),
		cap:    b.capacity,
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.closeLocked()
		return s
	}
	b.subs[s] = struct{}{}
	return s
}

// Subscribers reports the number of live subscriptions.
func (b *Bus[T]) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close ends every subscription. Later publishes are no-ops.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.mu.Lock()
		s.closeLocked()
		s.mu.Unlock()
		delete(b.subs, s)
	}
}

func (b *Bus[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one subscriber's view of a Bus.
type Subscription[T any] struct {
	bus *Bus[T]
	cap int

	mu      sync.Mutex
	buf     []T
	closed  bool
	notify  chan struct{}
	done    chan struct{}
	dropped atomic.Uint64
}

func (s *Subscription[T]) push(v T) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if len(s.buf) == s.cap {
		var zero T
		s.buf[0] = zero
		s.buf = s.buf[1:]
		s.dropped.Add(1)
	}
	s.buf = append(s.buf, v)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Recv returns the oldest buffered value, waiting until one is published,
// ctx is done, or the subscription is closed.
func (s *Subscription[T]) Recv(ctx context.Context) (T, error) {
	var zero T
	for {
		s.mu.Lock()
		if len(s.buf) > 0 {
			v := s.buf[0]
			s.buf[0] = zero
			s.buf = s.buf[1:]
			s.mu.Unlock()
			return v, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return zero, ErrSubscriptionClosed
		}

		select {
		case <-s.notify:
		case <-s.done:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// Dropped reports how many values this subscriber lost to overflow.
func (s *Subscription[T]) Dropped() uint64 {
	return s.dropped.Load()
}

// Len reports the number of buffered values.
func (s *Subscription[T]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buf)
}

// Close detaches the subscription from its bus. Buffered values are
// discarded.
func (s *Subscription[T]) Close() {
	s.bus.remove(s)
	s.mu.Lock()
	s.closeLocked()
	s.mu.Unlock()
}

func (s *Subscription[T]) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.buf = nil
	close(s.done)
}
