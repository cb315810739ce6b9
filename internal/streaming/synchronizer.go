// SPDX-License-Identifier:Apache-2.0

// Package streaming keeps a local data store in sync with the flag
// service over a long-lived streaming connection.
package streaming

import (
	"context"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/flagsync/flagsync/internal/backoff"
	"github.com/flagsync/flagsync/internal/datamodel"
	"github.com/flagsync/flagsync/internal/status"
	"github.com/flagsync/flagsync/internal/version"
)

// Defaults for the zero values of Config.
const (
	DefaultPingInterval   = 10 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultCloseTimeout   = 5 * time.Second
)

// closeGoingAway is sent when dropping a broken connection.
const closeGoingAway = 1001

var (
	errClosed            = errors.New("synchronizer closed")
	errRetriesExhausted  = errors.New("connection attempts exhausted")
	errApplyFailed       = errors.New("data apply failed")
	errUnsupportedScheme = errors.New("streaming URL must use ws or wss")
)

// Config configures a Synchronizer.
type Config struct {
	// URL is the streaming endpoint, ws:// or wss://.
	URL string
	// EnvSecret authenticates the connection.
	EnvSecret string
	// MaxRetryTimes bounds consecutive connection attempts without a
	// successful sync. 0 means unlimited.
	MaxRetryTimes int

	PingInterval   time.Duration
	ConnectTimeout time.Duration
	CloseTimeout   time.Duration

	FirstRetryDelay time.Duration
	MaxRetryDelay   time.Duration
	ResetInterval   time.Duration
	JitterRatio     float64
}

// Updates is where applied data and state transitions go.
// status.Manager implements it.
type Updates interface {
	Init(data datamodel.Snapshot, version int64) bool
	Upsert(cat datamodel.Category, id string, item *datamodel.Item, version int64) bool
	UpdateStatus(state status.State, errInfo *status.ErrorInfo)
	Version() int64
}

// Notifier is told about every successfully applied batch.
type Notifier interface {
	Notify(batch map[datamodel.Category][]*datamodel.Item) []string
}

// Option customizes a Synchronizer.
type Option func(*Synchronizer)

// WithBackoff replaces the policy built from Config.
func WithBackoff(p *backoff.Policy) Option {
	return func(s *Synchronizer) { s.backoff = p }
}

// WithTracer sets the tracer used for batch application spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Synchronizer) { s.tracer = t }
}

// WithClock overrides time.Now for token generation.
func WithClock(now func() time.Time) Option {
	return func(s *Synchronizer) { s.now = now }
}

// Synchronizer maintains the streaming connection. A single run goroutine
// connects, reads, applies data and sleeps between attempts; a second one
// sends keepalives.
type Synchronizer struct {
	cfg      Config
	endpoint *url.URL
	logger   log.Logger
	dialer   Dialer
	updates  Updates
	notifier Notifier
	backoff  *backoff.Policy
	tracer   trace.Tracer
	now      func() time.Time

	stopCh    chan struct{}
	wg        sync.WaitGroup
	ready     chan bool
	readyOnce sync.Once
	closeOnce sync.Once

	mu      sync.Mutex
	started bool
	closing bool
	conn    Conn
	// closeCode is the code we closed conn with, 0 while it is open.
	closeCode int
	attempts  int
}

// New validates cfg and returns a Synchronizer that does nothing until
// Start is called.
func New(cfg Config, l log.Logger, dialer Dialer, updates Updates, notifier Notifier, opts ...Option) (*Synchronizer, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.Wrap(err, "parsing streaming URL")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.Wrapf(errUnsupportedScheme, "got %q", u.Scheme)
	}
	if cfg.EnvSecret == "" {
		return nil, errors.New("missing env secret")
	}
	if cfg.MaxRetryTimes < 0 {
		return nil, errors.Errorf("invalid max retry times %d", cfg.MaxRetryTimes)
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.CloseTimeout <= 0 {
		cfg.CloseTimeout = DefaultCloseTimeout
	}
	if dialer == nil {
		dialer = &WebsocketDialer{}
	}

	s := &Synchronizer{
		cfg:      cfg,
		endpoint: u,
		logger:   log.With(l, "component", "streaming", "url", redact(cfg.URL)),
		dialer:   dialer,
		updates:  updates,
		notifier: notifier,
		tracer:   otel.Tracer("github.com/flagsync/flagsync/internal/streaming"),
		now:      time.Now,
		stopCh:   make(chan struct{}),
		ready:    make(chan bool, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.backoff == nil {
		s.backoff = backoff.New(cfg.FirstRetryDelay, cfg.MaxRetryDelay, cfg.ResetInterval, cfg.JitterRatio)
	}
	return s, nil
}

// Start begins synchronizing. The returned channel receives true once the
// first batch has been applied, or false if the synchronizer shuts down
// first. Calling Start again returns the same channel.
func (s *Synchronizer) Start() <-chan bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closing {
		return s.ready
	}
	s.started = true
	s.attempts = 0
	stats.NewEndpoint(s.endpointLabel())

	s.wg.Add(2)
	go s.run()
	go s.sendKeepalives()
	return s.ready
}

// Close sends a normal close frame if connected, stops all goroutines and
// records Off. It waits at most CloseTimeout for the goroutines to exit.
func (s *Synchronizer) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closing = true
		if s.conn != nil && s.closeCode == 0 {
			s.closeCode = CloseNormal
			if err := s.conn.Close(CloseNormal, "client closed"); err != nil {
				level.Debug(s.logger).Log("op", "close", "error", err)
			}
		}
		s.mu.Unlock()
		close(s.stopCh)

		s.updates.UpdateStatus(status.Off, nil)
		s.markReady(false)

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()
		t := time.NewTimer(s.cfg.CloseTimeout)
		defer t.Stop()
		select {
		case <-done:
		case <-t.C:
			level.Warn(s.logger).Log("op", "close", "timeout", s.cfg.CloseTimeout, "msg", "goroutines still running after close")
		}
		level.Info(s.logger).Log("event", "closed", "msg", "streaming synchronizer closed")
	})
	return nil
}

// run tries to stay connected to the service and applies what it sends.
func (s *Synchronizer) run() {
	defer s.wg.Done()
	endpoint := s.endpointLabel()
	for {
		conn, l, err := s.connect()
		switch {
		case err == errClosed:
			return
		case err == errRetriesExhausted:
			s.giveUp()
			return
		case err != nil:
			level.Error(s.logger).Log("op", "connect", "error", err, "msg", "failed to connect to streaming service")
		default:
			stats.ConnectionUp(endpoint)
			level.Info(l).Log("event", "connectionUp", "msg", "streaming connection established")
			err = s.consume(conn, l)
			stats.ConnectionDown(endpoint)
			level.Warn(l).Log("event", "connectionDown", "error", err, "msg", "streaming connection lost")
		}

		if !s.disconnected(conn, err) {
			return
		}

		d := s.backoff.Duration(false)
		stats.ReconnectDelay(endpoint, d)
		level.Info(s.logger).Log("op", "reconnect", "delay", d, "msg", "waiting before reconnecting")
		t := time.NewTimer(d)
		select {
		case <-s.stopCh:
			t.Stop()
			return
		case <-t.C:
		}
	}
}

// connect dials the service and sends the resume request. On success the
// connection is installed as s.conn.
func (s *Synchronizer) connect() (Conn, log.Logger, error) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return nil, nil, errClosed
	}
	if s.cfg.MaxRetryTimes > 0 && s.attempts >= s.cfg.MaxRetryTimes {
		s.mu.Unlock()
		return nil, nil, errRetriesExhausted
	}
	s.attempts++
	s.mu.Unlock()

	s.backoff.MarkHealthy()
	stats.ConnectAttempt(s.endpointLabel())

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	go func() {
		select {
		case <-s.stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	header := http.Header{}
	header.Set("User-Agent", version.UserAgent())
	conn, err := s.dialer.Dial(ctx, s.streamURL(), header)
	if err != nil {
		return nil, nil, err
	}

	l := log.With(s.logger, "conn", uuid.NewString())
	resume := resumeMessage(s.updates.Version())

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		if err := conn.Close(CloseNormal, "client closed"); err != nil {
			level.Debug(l).Log("op", "close", "error", err)
		}
		return nil, nil, errClosed
	}
	s.conn = conn
	s.closeCode = 0
	if err := conn.WriteMessage(resume); err != nil {
		return conn, l, errors.Wrap(err, "sending resume request")
	}
	level.Debug(l).Log("op", "resume", "version", s.updates.Version())
	return conn, l, nil
}

func (s *Synchronizer) streamURL() string {
	u := *s.endpoint
	q := u.Query()
	q.Set("token", BuildToken(s.cfg.EnvSecret, s.now()))
	q.Set("type", "server")
	q.Set("version", ProtocolVersion)
	u.RawQuery = q.Encode()
	return u.String()
}

func (s *Synchronizer) endpointLabel() string {
	return redact(s.cfg.URL)
}

// consume reads messages until the connection fails or a message cannot
// be handled.
func (s *Synchronizer) consume(conn Conn, l log.Logger) error {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := s.handleMessage(conn, l, data); err != nil {
			return err
		}
	}
}

func (s *Synchronizer) handleMessage(conn Conn, l log.Logger, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &RuntimeError{Err: errors.Errorf("panic handling message: %v", r)}
		}
	}()

	msg, err := decodeMessage(data)
	if err != nil {
		return err
	}
	stats.MessageReceived(s.endpointLabel(), messageLabel(msg.MessageType))

	switch msg.MessageType {
	case msgPing:
		return nil
	case msgDataSync:
	default:
		level.Debug(l).Log("event", "unknownMessage", "type", msg.MessageType)
		return nil
	}

	d, err := decodeSyncData(msg.Data)
	if err != nil {
		return err
	}
	if d.EventType != eventFull && d.EventType != eventPatch {
		level.Warn(l).Log("event", "unknownEventType", "type", d.EventType, "msg", "ignoring data-sync message")
		return nil
	}
	if !s.apply(l, d) {
		stats.ApplyFailure(s.endpointLabel())
		s.closeConn(conn, l, CloseDataApplyFailed, "data apply failed")
		return errApplyFailed
	}
	return nil
}

// apply writes one data-sync batch. It reports false if any write was
// refused because of a store failure.
func (s *Synchronizer) apply(l log.Logger, d *syncData) bool {
	_, span := s.tracer.Start(context.Background(), "streaming.apply", trace.WithAttributes(
		attribute.String("flagsync.event_type", d.EventType),
		attribute.Int("flagsync.items", d.len()),
	))
	defer span.End()

	batch := d.batch()
	switch d.EventType {
	case eventFull:
		snap := snapshot(batch)
		if !s.updates.Init(snap, snap.MaxTimestamp()) {
			span.SetStatus(codes.Error, "init failed")
			return false
		}
	case eventPatch:
		for _, e := range patchOrder(batch) {
			if !s.updates.Upsert(e.cat, e.item.ID, e.item, e.item.Timestamp) {
				span.SetStatus(codes.Error, "upsert failed")
				return false
			}
		}
	}

	s.updates.UpdateStatus(status.OK, nil)
	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()
	s.markReady(true)

	var changed []string
	if s.notifier != nil {
		changed = s.notifier.Notify(batch)
	}
	level.Debug(l).Log("event", "dataApplied", "type", d.EventType, "items", d.len(), "changed", len(changed))
	return true
}

// closeConn closes conn with code unless it was already closed by us.
func (s *Synchronizer) closeConn(conn Conn, l log.Logger, code int, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn || s.closeCode != 0 {
		return
	}
	s.closeCode = code
	if err := conn.Close(code, reason); err != nil {
		level.Debug(l).Log("op", "close", "code", code, "error", err)
	}
}

// disconnected releases conn and records why it ended. It reports whether
// the run loop should reconnect.
func (s *Synchronizer) disconnected(conn Conn, err error) bool {
	s.mu.Lock()
	closing := s.closing
	code := 0
	if conn != nil && s.conn == conn {
		code = s.closeCode
		if code == 0 {
			conn.Close(closeGoingAway, "")
		}
		s.conn = nil
		s.closeCode = 0
	}
	s.mu.Unlock()

	if closing || code == CloseNormal {
		return false
	}
	if code == CloseDataApplyFailed {
		level.Warn(s.logger).Log("event", "resync", "msg", "reconnecting after failing to apply data")
		return true
	}

	var ce *CloseError
	if errors.As(err, &ce) {
		if ce.Code == CloseRequestInvalid {
			s.terminate(status.NewError(status.ErrorKindRequestInvalid, "%s", ce.Reason))
			return false
		}
		s.updates.UpdateStatus(status.Interrupted, status.NewError(status.ErrorKindUnknownCloseCode, "close code %d: %s", ce.Code, ce.Reason))
		return true
	}

	kind := errorKind(err)
	info := status.NewError(kind, "%s", err)
	if !kind.Retryable() {
		s.terminate(info)
		return false
	}
	s.updates.UpdateStatus(status.Interrupted, info)
	return true
}

func (s *Synchronizer) giveUp() {
	s.mu.Lock()
	attempts := s.attempts
	s.mu.Unlock()
	level.Error(s.logger).Log("op", "connect", "attempts", attempts, "msg", "giving up on streaming connection")
	s.terminate(status.NewError(status.ErrorKindRetriesExhausted, "no successful sync after %d connection attempts", attempts))
}

// terminate records Off. Nothing reconnects afterwards.
func (s *Synchronizer) terminate(info *status.ErrorInfo) {
	level.Error(s.logger).Log("event", "off", "error", info, "msg", "streaming synchronizer stopped")
	s.updates.UpdateStatus(status.Off, info)
	s.markReady(false)
}

func (s *Synchronizer) markReady(ok bool) {
	s.readyOnce.Do(func() { s.ready <- ok })
}

// sendKeepalives pings the service every PingInterval while connected.
func (s *Synchronizer) sendKeepalives() {
	defer s.wg.Done()
	t := time.NewTicker(s.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			s.sendKeepalive()
		}
	}
}

func (s *Synchronizer) sendKeepalive() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing || s.conn == nil || s.closeCode != 0 {
		return
	}
	if err := s.conn.WriteMessage(pingMessage); err != nil {
		level.Warn(s.logger).Log("op", "sendKeepalive", "error", err, "msg", "failed to send keepalive")
	}
}
