// SPDX-License-Identifier:Apache-2.0

// Package backoff computes reconnect delays for the streaming connection.
package backoff

import (
	"math/rand"
	"time"
)

const (
	DefaultFirstRetryDelay = time.Second
	DefaultMaxRetryDelay   = 60 * time.Second
	DefaultResetInterval   = 60 * time.Second
	DefaultJitterRatio     = 0.5
)

// Policy is an exponential backoff with jitter that forgives earlier
// failures once a connection has been healthy for ResetInterval.
//
// Policy is not safe for concurrent use. The synchronizer only calls it
// from its run goroutine.
type Policy struct {
	first         time.Duration
	max           time.Duration
	resetInterval time.Duration
	jitter        float64

	retries     int
	lastHealthy time.Time

	now  func() time.Time
	rand func() float64
}

// Option customizes a Policy.
type Option func(*Policy)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Policy) { p.now = now }
}

// WithRand replaces the uniform [0,1) source used for jitter.
func WithRand(r func() float64) Option {
	return func(p *Policy) { p.rand = r }
}

// New returns a Policy. Zero durations take the package defaults and
// jitter is clamped to [0,1].
func New(first, max, resetInterval time.Duration, jitter float64, opts ...Option) *Policy {
	if first <= 0 {
		first = DefaultFirstRetryDelay
	}
	if max <= 0 {
		max = DefaultMaxRetryDelay
	}
	if max < first {
		max = first
	}
	if resetInterval <= 0 {
		resetInterval = DefaultResetInterval
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > 1 {
		jitter = 1
	}

	p := &Policy{
		first:         first,
		max:           max,
		resetInterval: resetInterval,
		jitter:        jitter,
		now:           time.Now,
		rand:          rand.Float64,
	}
	for _, o := range opts {
		o(p)
	}
	p.lastHealthy = p.now()
	return p
}

// Default returns a Policy with the package defaults.
func Default() *Policy {
	return New(DefaultFirstRetryDelay, DefaultMaxRetryDelay, DefaultResetInterval, DefaultJitterRatio)
}

// MarkHealthy records the start of a connection attempt.
func (p *Policy) MarkHealthy() {
	p.lastHealthy = p.now()
}

// Retries returns the current retry counter.
func (p *Policy) Retries() int {
	return p.retries
}

// Duration returns how long to wait before the next connection attempt.
// With forceMax the counter is reset and the delay is exactly the maximum.
func (p *Policy) Duration(forceMax bool) time.Duration {
	defer func() { p.retries++ }()

	if p.now().Sub(p.lastHealthy) > p.resetInterval {
		p.retries = 0
	}
	if forceMax {
		p.retries = 0
		return p.max
	}

	b := p.backoff(p.retries)
	jitter := time.Duration(float64(b) * p.jitter * p.rand())
	return b/2 + jitter
}

// backoff is min(first * 2^n, max) without overflowing.
func (p *Policy) backoff(n int) time.Duration {
	b := p.first
	for i := 0; i < n; i++ {
		if b >= p.max/2 {
			return p.max
		}
		b *= 2
	}
	if b > p.max {
		return p.max
	}
	return b
}
