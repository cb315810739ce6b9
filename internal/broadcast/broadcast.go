// SPDX-License-Identifier:Apache-2.0

// Package broadcast delivers values to subscribers asynchronously.
//
// Each subscriber receives values in the order they were broadcast, on
// tasks run by an Executor. A slow or panicking subscriber only delays
// itself: other subscribers and the broadcasting goroutine carry on.
package broadcast

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// ID identifies a subscription.
type ID uint64

// Broadcaster fans values of type T out to subscribers.
type Broadcaster[T any] struct {
	logger log.Logger
	exec   Executor

	mu     sync.Mutex
	nextID ID
	subs   map[ID]*subscriber[T]

	// draining counts delivery tasks handed to exec that have not
	// finished.
	draining atomic.Int64
}

const flushPollInterval = 5 * time.Millisecond

// New returns a Broadcaster delivering on exec. A nil exec runs each
// delivery on its own goroutine.
func New[T any](l log.Logger, exec Executor) *Broadcaster[T] {
	if exec == nil {
		exec = Goroutines
	}
	return &Broadcaster[T]{
		logger: l,
		exec:   exec,
		subs:   map[ID]*subscriber[T]{},
	}
}

// Subscribe registers fn and returns the ID to pass to Unsubscribe.
func (b *Broadcaster[T]) Subscribe(fn func(T)) ID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = &subscriber[T]{fn: fn}
	return b.nextID
}

// Unsubscribe removes a subscription. Values still queued for it are
// dropped.
func (b *Broadcaster[T]) Unsubscribe(id ID) {
	b.mu.Lock()
	s, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()
	if ok {
		s.remove()
	}
}

// HasSubscribers reports whether anyone is listening.
func (b *Broadcaster[T]) HasSubscribers() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs) > 0
}

// Broadcast queues v for every current subscriber and returns
// immediately.
func (b *Broadcaster[T]) Broadcast(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		if s.enqueue(v) {
			b.draining.Add(1)
			b.exec.Go(func() { b.drain(id, s) })
		}
	}
}

// Flush waits until every value broadcast so far has been delivered, or
// timeout elapses. It reports whether the queues emptied in time.
func (b *Broadcaster[T]) Flush(timeout time.Duration) bool {
	if b.draining.Load() == 0 {
		return true
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(flushPollInterval)
	defer tick.Stop()
	for {
		select {
		case <-tick.C:
			if b.draining.Load() == 0 {
				return true
			}
		case <-deadline.C:
			level.Warn(b.logger).Log("op", "flush", "timeout", timeout, "msg", "subscribers still busy")
			return false
		}
	}
}

// Close removes every subscription.
func (b *Broadcaster[T]) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = map[ID]*subscriber[T]{}
	b.mu.Unlock()
	for _, s := range subs {
		s.remove()
	}
}

type subscriber[T any] struct {
	fn func(T)

	mu      sync.Mutex
	queue   []T
	running bool
	removed bool
}

// enqueue reports whether the caller must start a drain task.
func (s *subscriber[T]) enqueue(v T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.removed {
		return false
	}
	s.queue = append(s.queue, v)
	if s.running {
		return false
	}
	s.running = true
	return true
}

func (s *subscriber[T]) remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = true
	s.queue = nil
}

// next pops the oldest queued value, or reports that the drain task
// should stop.
func (s *subscriber[T]) next() (T, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero T
	if s.removed || len(s.queue) == 0 {
		s.running = false
		s.queue = nil
		return zero, false
	}
	v := s.queue[0]
	s.queue = s.queue[1:]
	return v, true
}

func (b *Broadcaster[T]) drain(id ID, s *subscriber[T]) {
	defer b.draining.Add(-1)
	for {
		v, ok := s.next()
		if !ok {
			return
		}
		b.deliver(id, s, v)
	}
}

func (b *Broadcaster[T]) deliver(id ID, s *subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			level.Error(b.logger).Log("op", "broadcast", "subscription", id, "error", fmt.Sprint(r), "msg", "subscriber panicked")
		}
	}()
	s.fn(v)
}
