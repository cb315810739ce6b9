// SPDX-License-Identifier:Apache-2.0

package broadcast

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Executor runs notification deliveries. Go must not block the caller.
type Executor interface {
	Go(func())
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(func())

func (f ExecutorFunc) Go(fn func()) { f(fn) }

// Goroutines runs every task on its own goroutine.
var Goroutines Executor = ExecutorFunc(func(fn func()) { go fn() })

// Pool runs tasks on at most size concurrent goroutines. Tasks submitted
// while the pool is busy wait their turn without blocking the submitter.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
}

// NewPool returns a Pool running at most size tasks at once.
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		sem:    semaphore.NewWeighted(int64(size)),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (p *Pool) Go(fn func()) {
	go func() {
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			// Pool closed.
			return
		}
		defer p.sem.Release(1)
		fn()
	}()
}

// Close drops tasks that have not started yet. Running tasks finish.
func (p *Pool) Close() {
	p.cancel()
}
