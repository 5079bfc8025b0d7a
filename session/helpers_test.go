package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/core/coretest"
	"github.com/putto11262002/chatter-client/proto"
	"github.com/putto11262002/chatter-client/ws"
)

var epoch = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func testToken(t *testing.T, userID int, username string, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id":  userID,
		"username": username,
		"exp":      exp.Unix(),
	})
	signed, err := tok.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

type sent struct {
	Event   string
	Payload json.RawMessage
}

// fakeTransport records commands and lets tests fire stream events by hand.
// Handlers run on the calling goroutine.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]ws.Handler
	state    ws.State
	sent     []sent
	connects int
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]ws.Handler)}
}

func (f *fakeTransport) On(event string, h ws.Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = h
}

func (f *fakeTransport) Connect(_ context.Context, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connects++
	return nil
}

func (f *fakeTransport) Send(event string, payload interface{}) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != ws.StateConnected {
		return false
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	f.sent = append(f.sent, sent{Event: event, Payload: b})
	return true
}

func (f *fakeTransport) State() ws.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeTransport) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = ws.StateDisconnected
	f.closed = true
}

func (f *fakeTransport) fire(event string, payload string) error {
	f.mu.Lock()
	h := f.handlers[event]
	f.mu.Unlock()
	if h == nil {
		return nil
	}
	var raw json.RawMessage
	if payload != "" {
		raw = json.RawMessage(payload)
	}
	return h(raw)
}

func (f *fakeTransport) connect(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	f.state = ws.StateConnected
	f.mu.Unlock()
	require.NoError(t, f.fire(proto.EventConnect, ""))
}

func (f *fakeTransport) disconnect(t *testing.T, reason string) {
	t.Helper()
	f.mu.Lock()
	f.state = ws.StateDisconnected
	f.mu.Unlock()
	b, _ := json.Marshal(reason)
	require.NoError(t, f.fire(proto.EventDisconnect, string(b)))
}

func (f *fakeTransport) commands(event string) []json.RawMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []json.RawMessage
	for _, s := range f.sent {
		if s.Event == event {
			out = append(out, s.Payload)
		}
	}
	return out
}

type fixture struct {
	session   *Session
	transport *fakeTransport
	sched     *coretest.Scheduler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	ft := newFakeTransport()
	sched := coretest.NewScheduler(epoch)
	cfg := DefaultConfig()
	cfg.StreamURL = "http://chat.test"
	cfg.Token = testToken(t, 1, "alice", time.Now().Add(time.Hour))

	s, err := New(cfg, append([]Option{WithTransport(ft), WithScheduler(sched)}, opts...)...)
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(s.Close)
	return &fixture{session: s, transport: ft, sched: sched}
}
