// SPDX-License-Identifier:Apache-2.0

// Package client is the application-facing entry point: it keeps an
// in-memory copy of the flag data in sync with the service and tells
// listeners when the connection state or flag definitions change.
package client

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/flagsync/flagsync/internal/backoff"
	"github.com/flagsync/flagsync/internal/broadcast"
	"github.com/flagsync/flagsync/internal/changes"
	"github.com/flagsync/flagsync/internal/datamodel"
	"github.com/flagsync/flagsync/internal/status"
	"github.com/flagsync/flagsync/internal/store"
	"github.com/flagsync/flagsync/internal/streaming"
)

type (
	Category        = datamodel.Category
	Item            = datamodel.Item
	State           = status.State
	ConnectionState = status.ConnectionState
	ErrorInfo       = status.ErrorInfo
	ErrorKind       = status.ErrorKind
	ChangeEvent     = changes.Event
	ListenerID      = broadcast.ID
	Executor        = broadcast.Executor
	StreamingConfig = streaming.Config
	Dialer          = streaming.Dialer
	Conn            = streaming.Conn
	BackoffPolicy   = backoff.Policy
	DataStore       = store.DataStore
)

const (
	Initializing = status.Initializing
	OK           = status.OK
	Interrupted  = status.Interrupted
	Off          = status.Off
)

// listenerFlushTimeout bounds how long Close waits for listeners to
// receive what was queued before shutdown.
const listenerFlushTimeout = time.Second

var (
	Features = datamodel.Features
	Segments = datamodel.Segments
)

// ReadOnlyStore is the view of the data used by flag evaluation.
type ReadOnlyStore interface {
	// Get returns nil if id is unknown or archived.
	Get(cat Category, id string) *Item
	GetAll(cat Category) map[string]*Item
	IsInitialized() bool
}

// Options configure a Client. Streaming is required.
type Options struct {
	Streaming StreamingConfig
	Logger    log.Logger

	// Workers bounds concurrent listener callbacks. Ignored when
	// Executor is set.
	Workers  int
	Executor Executor

	// Dialer, Backoff and Store replace the production defaults.
	Dialer  Dialer
	Backoff *BackoffPolicy
	Store   DataStore
}

// Client owns the store, the synchronizer and the listener registries.
type Client struct {
	logger   log.Logger
	store    DataStore
	status   *status.Manager
	states   *broadcast.Broadcaster[ConnectionState]
	changes  *broadcast.Broadcaster[ChangeEvent]
	notifier *changes.Notifier
	syncer   *streaming.Synchronizer
	pool     *broadcast.Pool

	startOnce sync.Once
	startDone chan struct{}
	startOK   atomic.Bool
	closeOnce sync.Once
}

var _ ReadOnlyStore = &Client{}

// New builds a Client. Nothing connects until Start.
func New(opts Options) (*Client, error) {
	l := opts.Logger
	if l == nil {
		l = log.NewNopLogger()
	}
	c := &Client{
		logger:    log.With(l, "component", "client"),
		store:     opts.Store,
		startDone: make(chan struct{}),
	}
	if c.store == nil {
		c.store = store.NewMemory()
	}

	exec := opts.Executor
	if exec == nil {
		c.pool = broadcast.NewPool(opts.Workers)
		exec = c.pool
	}
	c.states = broadcast.New[ConnectionState](log.With(l, "component", "state-listeners"), exec)
	c.changes = broadcast.New[ChangeEvent](log.With(l, "component", "change-listeners"), exec)
	c.status = status.New(log.With(l, "component", "status"), c.store, c.states)
	c.notifier = changes.New(log.With(l, "component", "changes"), c.status, datamodel.Features, datamodel.Segments, datamodel.SegmentRefs, c.changes)

	var syncOpts []streaming.Option
	if opts.Backoff != nil {
		syncOpts = append(syncOpts, streaming.WithBackoff(opts.Backoff))
	}
	syncer, err := streaming.New(opts.Streaming, l, opts.Dialer, c.status, c.notifier, syncOpts...)
	if err != nil {
		c.shutdown()
		return nil, errors.Wrap(err, "creating synchronizer")
	}
	c.syncer = syncer
	return c, nil
}

// Start connects and waits up to timeout for the first successful sync.
// It reports whether the data is ready. After a timeout, synchronization
// goes on in the background; use WaitForState to wait again.
func (c *Client) Start(timeout time.Duration) bool {
	c.startOnce.Do(func() {
		ready := c.syncer.Start()
		go func() {
			c.startOK.Store(<-ready)
			close(c.startDone)
		}()
	})

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-c.startDone:
		ok := c.startOK.Load()
		if !ok {
			level.Error(c.logger).Log("op", "start", "state", c.State(), "msg", "synchronization stopped before the first sync")
		}
		return ok
	case <-t.C:
		level.Warn(c.logger).Log("op", "start", "timeout", timeout, "msg", "no data yet, still synchronizing in the background")
		return false
	}
}

// IsInitialized reports whether a full data set has been received.
func (c *Client) IsInitialized() bool {
	return c.store.IsInitialized()
}

// Get returns the live item cat/id, or nil.
func (c *Client) Get(cat Category, id string) *Item {
	it, err := c.store.Get(cat, id)
	if err != nil {
		level.Error(c.logger).Log("op", "get", "category", cat, "id", id, "error", err, "msg", "store read failed")
		return nil
	}
	return it
}

// GetAll returns the live items of cat. The map must not be modified.
func (c *Client) GetAll(cat Category) map[string]*Item {
	return c.status.GetAll(cat)
}

// Version is the timestamp of the newest data applied, 0 before the
// first sync.
func (c *Client) Version() int64 {
	return c.status.Version()
}

// State returns the current connection state.
func (c *Client) State() ConnectionState {
	return c.status.Current()
}

// LastError returns the most recent synchronization error, or nil.
func (c *Client) LastError() *ErrorInfo {
	return c.status.LastError()
}

// WaitForState blocks until the state is desired, Off is reached, ctx is
// done or timeout elapses. A timeout <= 0 waits on ctx alone.
func (c *Client) WaitForState(ctx context.Context, desired State, timeout time.Duration) bool {
	return c.status.WaitFor(ctx, desired, timeout)
}

// AddStateListener calls fn with every connection state transition, in
// order. fn runs on the listener executor.
func (c *Client) AddStateListener(fn func(ConnectionState)) ListenerID {
	return c.states.Subscribe(fn)
}

func (c *Client) RemoveStateListener(id ListenerID) {
	c.states.Unsubscribe(id)
}

// AddChangeListener calls fn for every flag whose definition may have
// changed, including through a segment it references.
func (c *Client) AddChangeListener(fn func(ChangeEvent)) ListenerID {
	return c.changes.Subscribe(fn)
}

func (c *Client) RemoveChangeListener(id ListenerID) {
	c.changes.Unsubscribe(id)
}

// AddFlagChangeListener is AddChangeListener restricted to one flag key.
// Remove it with RemoveChangeListener.
func (c *Client) AddFlagChangeListener(key string, fn func(ChangeEvent)) ListenerID {
	return c.changes.Subscribe(func(e ChangeEvent) {
		if e.Key == key {
			fn(e)
		}
	})
}

// Collector exports the store contents as Prometheus metrics.
func (c *Client) Collector() prometheus.Collector {
	return store.NewCollector(log.With(c.logger, "component", "collector"), c.store)
}

// Close stops synchronization and releases the listener workers. The
// state becomes Off and state listeners are told so before Close
// returns, unless they take longer than a second. Close is idempotent.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		if err := c.syncer.Close(); err != nil {
			level.Warn(c.logger).Log("op", "close", "error", err)
		}
		c.states.Flush(listenerFlushTimeout)
		c.changes.Flush(listenerFlushTimeout)
		c.shutdown()
	})
	return nil
}

func (c *Client) shutdown() {
	c.states.Close()
	c.changes.Close()
	if c.pool != nil {
		c.pool.Close()
	}
}
