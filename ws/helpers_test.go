package ws

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const baseTimeout = time.Second * 5

// waitOrTimeout waits for fn to finish or times out.
func waitOrTimeout(timeout time.Duration, fn func()) bool {
	done := make(chan struct{})
	go func() {
		fn()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

type frame struct {
	Event string
	Data  json.RawMessage
}

// fakeServer speaks just enough socket.io to drive the manager.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader
	token    string

	// reject makes the upgrade fail with 503.
	reject atomic.Bool
	// refuse answers the namespace connect with connect_error.
	refuse atomic.Bool

	requests atomic.Int32
	handled  atomic.Int32

	mu       sync.Mutex
	conns    []*websocket.Conn
	received chan frame
	auth     chan json.RawMessage
}

func newFakeServer(t *testing.T, token string) *fakeServer {
	s := &fakeServer{
		t:        t,
		token:    token,
		received: make(chan frame, 64),
		auth:     make(chan json.RawMessage, 16),
	}
	r := chi.NewRouter()
	r.Get("/socket.io/", s.handle)
	s.srv = httptest.NewServer(r)
	t.Cleanup(s.close)
	return s
}

func (s *fakeServer) endpoint() string {
	return s.srv.URL
}

func (s *fakeServer) close() {
	s.dropAll()
	s.srv.Close()
}

func (s *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	s.requests.Add(1)
	if s.reject.Load() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	if r.URL.Query().Get("EIO") != "4" || r.URL.Query().Get("transport") != "websocket" {
		http.Error(w, "bad transport", http.StatusBadRequest)
		return
	}
	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, c)
	s.mu.Unlock()

	sid := fmt.Sprintf("sid-%d", s.requests.Load())
	c.WriteMessage(websocket.TextMessage, []byte(`0{"sid":"`+sid+`","upgrades":[],"pingInterval":25000,"pingTimeout":20000,"maxPayload":1000000}`))

	_, b, err := c.ReadMessage()
	if err != nil {
		return
	}
	p, err := decodePacket(b)
	if err != nil || p.Socket != socketConnect {
		c.Close()
		return
	}
	select {
	case s.auth <- p.Data:
	default:
	}
	var auth authPayload
	json.Unmarshal(p.Data, &auth)
	if s.refuse.Load() || (s.token != "" && auth.Token != s.token) {
		c.WriteMessage(websocket.TextMessage, []byte(`44{"message":"invalid token"}`))
		return
	}
	c.WriteMessage(websocket.TextMessage, []byte(`40{"sid":"`+sid+`"}`))
	s.handled.Add(1)

	for {
		_, b, err := c.ReadMessage()
		if err != nil {
			return
		}
		p, err := decodePacket(b)
		if err != nil || p.Engine != engineMessage || p.Socket != socketEvent {
			continue
		}
		s.received <- frame{Event: p.Event, Data: p.Data}
	}
}

// emit writes a raw frame to every connection.
func (s *fakeServer) emitRaw(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.WriteMessage(websocket.TextMessage, []byte(raw))
	}
}

func (s *fakeServer) emit(event string, payload interface{}) {
	b, err := encodeEvent(defaultNamespace, event, payload)
	require.NoError(s.t, err)
	s.emitRaw(string(b))
}

// dropAll closes every connection without a close handshake.
func (s *fakeServer) dropAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *fakeServer) next(t *testing.T) frame {
	t.Helper()
	select {
	case f := <-s.received:
		return f
	case <-time.After(baseTimeout):
		require.FailNow(t, "timeout waiting for a frame")
	}
	return frame{}
}

// recorder collects dispatched events in order.
type recorder struct {
	mu     sync.Mutex
	events []frame
	ch     chan frame
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan frame, 64)}
}

func (r *recorder) handler(event string) Handler {
	return func(payload json.RawMessage) error {
		f := frame{Event: event, Data: payload}
		r.mu.Lock()
		r.events = append(r.events, f)
		r.mu.Unlock()
		r.ch <- f
		return nil
	}
}

// waitFor returns the next recorded event named event, skipping others.
func (r *recorder) waitFor(t *testing.T, event string) frame {
	t.Helper()
	deadline := time.After(baseTimeout)
	for {
		select {
		case f := <-r.ch:
			if f.Event == event {
				return f
			}
		case <-deadline:
			require.FailNow(t, "timeout waiting for event", event)
			return frame{}
		}
	}
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, f := range r.events {
		if f.Event == event {
			n++
		}
	}
	return n
}
