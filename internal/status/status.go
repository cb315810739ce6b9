// SPDX-License-Identifier:Apache-2.0

// Package status tracks the connection state of the synchronizer and is
// the only path through which synchronized data reaches the store.
package status

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/flagsync/flagsync/internal/broadcast"
	"github.com/flagsync/flagsync/internal/datamodel"
	"github.com/flagsync/flagsync/internal/store"
)

// Manager holds the current ConnectionState, wakes waiters on every
// transition and forwards data updates to the store. Store failures
// become Interrupted transitions instead of errors.
type Manager struct {
	logger    log.Logger
	store     store.DataStore
	listeners *broadcast.Broadcaster[ConnectionState]
	now       func() time.Time

	mu      sync.Mutex
	current ConnectionState
	lastErr *ErrorInfo
	// changed is closed and replaced on every recorded transition.
	changed chan struct{}
}

// New returns a Manager in the Initializing state.
func New(l log.Logger, s store.DataStore, listeners *broadcast.Broadcaster[ConnectionState]) *Manager {
	m := &Manager{
		logger:    l,
		store:     s,
		listeners: listeners,
		now:       time.Now,
		changed:   make(chan struct{}),
	}
	m.current = ConnectionState{State: Initializing, Since: m.now()}
	return m
}

// Current returns the current state.
func (m *Manager) Current() ConnectionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// LastError returns the most recent error recorded, even if the state has
// since recovered.
func (m *Manager) LastError() *ErrorInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// UpdateStatus records a transition to state. Interrupted is only
// meaningful after a successful start, so while still Initializing it is
// recorded as Initializing. Nothing is recorded when the effective state
// is unchanged and no error is given, or once Off has been reached.
func (m *Manager) UpdateStatus(state State, errInfo *ErrorInfo) {
	m.mu.Lock()
	prev := m.current
	if prev.State == Off {
		m.mu.Unlock()
		return
	}
	if state == Interrupted && prev.State == Initializing {
		state = Initializing
	}
	if state == prev.State && errInfo == nil {
		m.mu.Unlock()
		return
	}

	next := ConnectionState{State: state, Since: m.now(), Error: errInfo}
	if state == prev.State {
		// Same state with a new error: keep the time the state was entered.
		next.Since = prev.Since
	}
	m.current = next
	if errInfo != nil {
		m.lastErr = errInfo
	}
	close(m.changed)
	m.changed = make(chan struct{})
	// Broadcast only queues, so listeners see transitions in the order
	// they were recorded.
	if m.listeners != nil {
		m.listeners.Broadcast(next)
	}
	m.mu.Unlock()

	if errInfo != nil {
		level.Warn(m.logger).Log("event", "stateChanged", "from", prev.State, "to", state, "error", errInfo, "msg", "synchronizer state changed")
	} else {
		level.Info(m.logger).Log("event", "stateChanged", "from", prev.State, "to", state, "msg", "synchronizer state changed")
	}
}

// WaitFor blocks until the state is desired, in which case it returns
// true. It returns false if the state becomes Off (unless Off is what is
// being waited for), if timeout elapses, or if ctx is done. A zero
// timeout waits without limit.
func (m *Manager) WaitFor(ctx context.Context, desired State, timeout time.Duration) bool {
	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	for {
		m.mu.Lock()
		cur := m.current.State
		changed := m.changed
		m.mu.Unlock()

		if cur == desired {
			return true
		}
		if cur == Off {
			return false
		}

		select {
		case <-changed:
		case <-expired:
			return false
		case <-ctx.Done():
			return false
		}
	}
}

// Init replaces the store contents. It returns false only if the store
// failed; a rejected version is not a failure.
func (m *Manager) Init(data datamodel.Snapshot, version int64) bool {
	if _, err := m.store.Init(data, version); err != nil {
		m.storeFailed("init", err)
		return false
	}
	return true
}

// Upsert updates one item. It returns false only if the store failed.
func (m *Manager) Upsert(cat datamodel.Category, id string, item *datamodel.Item, version int64) bool {
	if _, err := m.store.Upsert(cat, id, item, version); err != nil {
		m.storeFailed("upsert", err)
		return false
	}
	return true
}

// GetAll lists the live items of a category, or nil if the store failed.
func (m *Manager) GetAll(cat datamodel.Category) map[string]*datamodel.Item {
	items, err := m.store.GetAll(cat)
	if err != nil {
		m.storeFailed("getAll", err)
		return nil
	}
	return items
}

// Version is the store version, or 0 if it has no data yet.
func (m *Manager) Version() int64 {
	if !m.store.IsInitialized() {
		return 0
	}
	return m.store.Version()
}

func (m *Manager) storeFailed(op string, err error) {
	level.Error(m.logger).Log("op", op, "error", err, "msg", "data store operation failed")
	m.UpdateStatus(Interrupted, NewError(ErrorKindStore, "%s", err))
}
