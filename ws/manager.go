// Package ws implements the connection manager: a socket.io client over a
// gorilla websocket connection with bounded reconnection.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"
	"github.com/sourcegraph/conc"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/proto"
)

const (
	DefaultMaxAttempts      = 5
	DefaultRetryDelay       = time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultQueueSize        = 64
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	}
	return "unknown"
}

var errSuperseded = errors.New("superseded by a newer connect or disconnect")

// Manager owns the single realtime connection of a session.
//
// Lifecycle events are dispatched through the same router as stream events:
// connect (no payload), disconnect (the reason as a JSON string), connect_error
// and connect_failed ({"message": ...}).
type Manager struct {
	router           *Router
	dialer           *websocket.Dialer
	exec             func(func()) bool
	maxAttempts      int
	retryDelay       time.Duration
	handshakeTimeout time.Duration
	queueSize        int
	queueable        map[string]bool
	logger           *slog.Logger

	mu       sync.Mutex
	state    State
	attempts int
	lastErr  error
	endpoint string
	token    string
	conn     *conn
	// run identifies the current Connect call. Goroutines of an older run
	// compare it before touching the state.
	run    uint64
	ctx    context.Context
	cancel context.CancelFunc
	queue  [][]byte

	wg conc.WaitGroup
}

type Option func(*Manager)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMaxAttempts sets how many reconnection attempts are made after the
// connection is lost before connect_failed is emitted.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		m.maxAttempts = n
	}
}

func WithRetryDelay(d time.Duration) Option {
	return func(m *Manager) {
		m.retryDelay = d
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.handshakeTimeout = d
	}
}

func WithQueueSize(n int) Option {
	return func(m *Manager) {
		m.queueSize = n
	}
}

// WithQueueable marks commands that are kept while disconnected and sent on
// the next connect.
func WithQueueable(events ...string) Option {
	return func(m *Manager) {
		for _, e := range events {
			m.queueable[e] = true
		}
	}
}

// WithExecutor sets where handlers run. exec must run tasks one at a time in
// the order they were submitted and return false once it no longer accepts tasks.
// Without an executor, handlers run on the goroutine that produced the event.
func WithExecutor(exec func(func()) bool) Option {
	return func(m *Manager) {
		m.exec = exec
	}
}

func WithDialer(dialer *websocket.Dialer) Option {
	return func(m *Manager) {
		m.dialer = dialer
	}
}

func NewManager(opts ...Option) *Manager {
	m := &Manager{
		dialer:           websocket.DefaultDialer,
		maxAttempts:      DefaultMaxAttempts,
		retryDelay:       DefaultRetryDelay,
		handshakeTimeout: DefaultHandshakeTimeout,
		queueSize:        DefaultQueueSize,
		queueable:        make(map[string]bool),
		logger:           slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.maxAttempts < 1 {
		m.maxAttempts = 1
	}
	if m.exec == nil {
		m.exec = func(f func()) bool {
			f()
			return true
		}
	}
	m.logger = m.logger.With(slog.String("component", "ws"))
	m.router = NewRouter(m.logger)
	return m
}

// On registers the handler of a stream or lifecycle event.
// It must be called before Connect.
func (m *Manager) On(event string, h Handler) {
	m.router.On(event, h)
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnection attempts since the last
// successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

func (m *Manager) LastError() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastErr
}

// Connect tears down any prior connection and connects to endpoint with the
// given credential. It blocks for the first attempt. When that attempt fails the
// error is returned and reconnection continues in the background, unless ctx
// was cancelled.
func (m *Manager) Connect(ctx context.Context, endpoint, token string) error {
	m.mu.Lock()
	old := m.stopLocked()
	run := m.run
	m.ctx, m.cancel = context.WithCancel(context.Background())
	runCtx := m.ctx
	m.endpoint, m.token = endpoint, token
	m.state = StateConnecting
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	if old != nil {
		old.close()
		m.emit(proto.EventDisconnect, reasonPayload(proto.ReasonClientDisconnect))
	}

	m.logger.Info("connecting", slog.String("endpoint", endpoint))
	dialCtx, cancelDial := context.WithCancel(ctx)
	stop := context.AfterFunc(runCtx, cancelDial)
	c, err := m.dial(dialCtx)
	stop()
	cancelDial()
	if err != nil {
		if !m.attemptFailed(run, err) {
			return err
		}
		m.logger.Warn(fmt.Sprintf("connect: %v", err))
		m.emit(proto.EventConnectError, errorPayload(err))
		if ctx.Err() != nil {
			m.mu.Lock()
			if run == m.run {
				m.state = StateDisconnected
			}
			m.mu.Unlock()
			return err
		}
		m.wg.Go(func() {
			m.reconnect(runCtx, run)
		})
		return err
	}
	if !m.established(run, c) {
		return errSuperseded
	}
	return nil
}

// Disconnect closes the connection and stops reconnection. Queued commands
// are discarded.
func (m *Manager) Disconnect() {
	m.disconnect()
}

func (m *Manager) disconnect() *conn {
	m.mu.Lock()
	c := m.stopLocked()
	m.queue = nil
	m.mu.Unlock()
	if c != nil {
		c.close()
		m.logger.Info("disconnected", slog.String("reason", proto.ReasonClientDisconnect))
		m.emit(proto.EventDisconnect, reasonPayload(proto.ReasonClientDisconnect))
	}
	return c
}

// Close disconnects and waits for every goroutine of the manager to exit.
// It must not be called from a handler.
func (m *Manager) Close() {
	if c := m.disconnect(); c != nil {
		c.wait()
	}
	m.wg.Wait()
}

// Send transmits event if connected. Otherwise queueable events are kept until
// the next connect, within the queue bound. It reports whether the event was
// handed to the transport.
func (m *Manager) Send(event string, payload interface{}) bool {
	frame, err := encodeEvent(defaultNamespace, event, payload)
	if err != nil {
		m.logger.Error(fmt.Sprintf("send(%s): %v", event, err))
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == StateConnected && m.conn != nil {
		return m.conn.send(frame)
	}
	if !m.queueable[event] {
		m.logger.Debug(fmt.Sprintf("send(%s): not connected", event))
		return false
	}
	if len(m.queue) >= m.queueSize {
		m.logger.Warn(fmt.Sprintf("send(%s): queue full, dropping", event))
		return false
	}
	m.queue = append(m.queue, frame)
	m.logger.Debug(fmt.Sprintf("send(%s): queued", event), slog.Int("queue.len", len(m.queue)))
	return false
}

// stopLocked cancels the current run and detaches its connection.
func (m *Manager) stopLocked() *conn {
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.run++
	c := m.conn
	m.conn = nil
	m.state = StateDisconnected
	return c
}

func (m *Manager) dial(ctx context.Context) (*conn, error) {
	m.mu.Lock()
	endpoint, token := m.endpoint, m.token
	m.mu.Unlock()
	return dial(ctx, m.dialer, endpoint, token, m.handshakeTimeout, m.logger)
}

// established installs c as the live connection of run, emits connect and
// flushes the queue. It closes c and returns false if run is stale.
func (m *Manager) established(run uint64, c *conn) bool {
	m.mu.Lock()
	if run != m.run {
		m.mu.Unlock()
		c.close()
		return false
	}
	m.conn = c
	m.state = StateConnected
	m.attempts = 0
	m.lastErr = nil
	m.mu.Unlock()

	m.logger.Info("connected", slog.String("sid", c.sid))
	// connect must reach the handlers before any event of the new connection
	m.exec(func() {
		m.router.Dispatch(proto.EventConnect, nil)
		m.flush(run, c)
	})
	c.start(m.handlePacket, func(reason string, err error) {
		m.connLost(run, c, reason, err)
	})
	return true
}

func (m *Manager) flush(run uint64, c *conn) {
	m.mu.Lock()
	if run != m.run || m.conn != c {
		m.mu.Unlock()
		return
	}
	queued := m.queue
	m.queue = nil
	m.mu.Unlock()

	for _, frame := range queued {
		if !c.send(frame) {
			m.logger.Warn("flush: connection closed, dropping queued commands")
			return
		}
	}
	if len(queued) > 0 {
		m.logger.Debug("flushed queued commands", slog.Int("count", len(queued)))
	}
}

func (m *Manager) handlePacket(p *Packet) {
	switch p.Socket {
	case socketEvent:
		m.emit(p.Event, p.Data)
	case socketConnectError:
		m.emit(proto.EventConnectError, p.Data)
	}
}

func (m *Manager) connLost(run uint64, c *conn, reason string, err error) {
	m.mu.Lock()
	if run != m.run || m.conn != c {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = StateDisconnected
	if err != nil {
		m.lastErr = core.NewError(core.TransportError, reason, err)
	}
	ctx := m.ctx
	m.mu.Unlock()

	m.logger.Warn("connection lost", slog.String("reason", reason))
	m.emit(proto.EventDisconnect, reasonPayload(reason))
	m.wg.Go(func() {
		m.reconnect(ctx, run)
	})
}

// reconnect makes up to maxAttempts attempts separated by the retry delay and
// emits connect_failed when all of them fail.
func (m *Manager) reconnect(ctx context.Context, run uint64) {
	t := time.NewTimer(m.retryDelay)
	select {
	case <-ctx.Done():
		t.Stop()
		return
	case <-t.C:
	}

	backoff := retry.WithMaxRetries(uint64(m.maxAttempts-1), retry.NewConstant(m.retryDelay))
	var c *conn
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		n, ok := m.beginAttempt(run)
		if !ok {
			return errSuperseded
		}
		var err error
		c, err = m.dial(ctx)
		if err != nil {
			if !m.attemptFailed(run, err) {
				return errSuperseded
			}
			m.logger.Warn(fmt.Sprintf("reconnect attempt %d/%d: %v", n, m.maxAttempts, err))
			m.emit(proto.EventConnectError, errorPayload(err))
			return retry.RetryableError(err)
		}
		return nil
	})
	if err == nil {
		m.established(run, c)
		return
	}
	if ctx.Err() != nil || errors.Is(err, errSuperseded) {
		return
	}

	m.mu.Lock()
	if run != m.run {
		m.mu.Unlock()
		return
	}
	m.state = StateDisconnected
	attempts := m.attempts
	m.mu.Unlock()

	m.logger.Error(fmt.Sprintf("reconnection failed after %d attempts: %v", attempts, err))
	m.emit(proto.EventConnectFailed, errorPayload(err))
}

func (m *Manager) beginAttempt(run uint64) (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run != m.run {
		return 0, false
	}
	m.attempts++
	m.state = StateConnecting
	return m.attempts, true
}

func (m *Manager) attemptFailed(run uint64, err error) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run != m.run {
		return false
	}
	m.state = StateDisconnected
	m.lastErr = err
	return true
}

func (m *Manager) emit(event string, payload json.RawMessage) {
	if !m.exec(func() { m.router.Dispatch(event, payload) }) {
		m.logger.Debug(fmt.Sprintf("executor closed, dropping %s", event))
	}
}

func reasonPayload(reason string) json.RawMessage {
	b, _ := json.Marshal(reason)
	return b
}

func errorPayload(err error) json.RawMessage {
	msg := err.Error()
	var ce *ConnectError
	if errors.As(err, &ce) {
		msg = ce.Message
	}
	b, _ := json.Marshal(connectErrorPayload{Message: msg})
	return b
}

// Reason decodes the payload of a disconnect event.
func Reason(payload json.RawMessage) string {
	var reason string
	if err := json.Unmarshal(payload, &reason); err != nil {
		return ""
	}
	return reason
}

// ErrorMessage decodes the payload of a connect_error, connect_failed or error event.
func ErrorMessage(payload json.RawMessage) string {
	var p connectErrorPayload
	if err := json.Unmarshal(payload, &p); err == nil && p.Message != "" {
		return p.Message
	}
	var s string
	if err := json.Unmarshal(payload, &s); err == nil {
		return s
	}
	return string(payload)
}
