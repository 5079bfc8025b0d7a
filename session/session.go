// Package session owns the components of one authenticated chat session and
// wires the realtime stream into them.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sourcegraph/conc"
	"golang.org/x/sync/errgroup"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/message"
	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/presence"
	"github.com/putto11262002/chatter-client/proto"
	"github.com/putto11262002/chatter-client/room"
	"github.com/putto11262002/chatter-client/snapshot"
	"github.com/putto11262002/chatter-client/typing"
	"github.com/putto11262002/chatter-client/ws"
)

const loopSize = 256

// Config holds the tunables of a session.
type Config struct {
	StreamURL         string
	Token             string
	MaxAttempts       int
	RetryDelay        time.Duration
	HandshakeTimeout  time.Duration
	QueueSize         int
	GraceWindow       time.Duration
	TypingCountdown   time.Duration
	RejoinOnReconnect bool
}

// DefaultConfig returns a config with the default tunables and no endpoint.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:       ws.DefaultMaxAttempts,
		RetryDelay:        ws.DefaultRetryDelay,
		HandshakeTimeout:  ws.DefaultHandshakeTimeout,
		QueueSize:         ws.DefaultQueueSize,
		GraceWindow:       message.DefaultGraceWindow,
		TypingCountdown:   typing.DefaultCountdown,
		RejoinOnReconnect: true,
	}
}

// withDefaults fills the zero tunables of c from DefaultConfig.
func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.GraceWindow <= 0 {
		c.GraceWindow = d.GraceWindow
	}
	if c.TypingCountdown <= 0 {
		c.TypingCountdown = d.TypingCountdown
	}
	return c
}

// Transport is the connection manager as seen by the session.
type Transport interface {
	On(event string, h ws.Handler)
	Connect(ctx context.Context, endpoint, token string) error
	Send(event string, payload interface{}) bool
	State() ws.State
	Close()
}

// Session is the explicit context object of a logged in client. Every
// component is owned here and reached through the session, never globally.
//
// Stream events, lifecycle events and timer callbacks run on the session loop.
// Commands block on the loop, so Start must be called before them. Read
// accessors may be called from any goroutine.
type Session struct {
	cfg    Config
	claims *core.Claims
	self   models.ID
	logger *slog.Logger

	loop      *core.Loop
	sched     core.Scheduler
	transport Transport
	dialer    *websocket.Dialer
	api       *snapshot.Client
	metrics   *Metrics

	rooms        *room.Controller
	presence     *presence.Engine
	messages     *message.Merger
	remoteTyping *typing.Tracker
	localTyping  *typing.Indicator

	notices core.Emitter[Notice]
	unsubs  []func()
	wg      conc.WaitGroup
	closed  sync.Once

	mu            sync.RWMutex
	username      string
	groups        []models.Group
	conversations []models.Conversation
}

type Option func(*Session)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		s.logger = logger
	}
}

// WithSnapshotClient sets the client of the snapshot API. Without one the
// session runs on the stream alone.
func WithSnapshotClient(api *snapshot.Client) Option {
	return func(s *Session) {
		s.api = api
	}
}

// WithRegisterer registers the session metrics with reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(s *Session) {
		s.metrics = NewMetrics(reg)
	}
}

// WithTransport replaces the websocket connection manager.
func WithTransport(t Transport) Option {
	return func(s *Session) {
		s.transport = t
	}
}

// WithDialer sets the websocket dialer of the default transport.
func WithDialer(dialer *websocket.Dialer) Option {
	return func(s *Session) {
		s.dialer = dialer
	}
}

// WithScheduler replaces the loop as the scheduler of timers.
func WithScheduler(sched core.Scheduler) Option {
	return func(s *Session) {
		s.sched = sched
	}
}

// New creates a session for the credential in cfg. The token is inspected, not
// verified: an expired or malformed token is refused before any connection.
func New(cfg Config, opts ...Option) (*Session, error) {
	claims, err := core.InspectToken(cfg.Token, time.Now())
	if err != nil {
		return nil, err
	}

	cfg = cfg.withDefaults()
	s := &Session{
		cfg:      cfg,
		claims:   claims,
		self:     claims.LocalUserID(),
		username: claims.Username,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(slog.String("user.id", s.self.String()))
	if s.api != nil && s.api.Token() == "" {
		s.api.SetToken(cfg.Token)
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(nil)
	}
	s.loop = core.NewLoop(loopSize, s.logger)
	if s.sched == nil {
		s.sched = s.loop
	}
	if s.transport == nil {
		wsOpts := []ws.Option{
			ws.WithLogger(s.logger),
			ws.WithExecutor(s.loop.Post),
			ws.WithMaxAttempts(cfg.MaxAttempts),
			ws.WithRetryDelay(cfg.RetryDelay),
			ws.WithHandshakeTimeout(cfg.HandshakeTimeout),
			ws.WithQueueSize(cfg.QueueSize),
			ws.WithQueueable(proto.CommandLeaveGroup, proto.CommandLeaveDirectChat),
		}
		if s.dialer != nil {
			wsOpts = append(wsOpts, ws.WithDialer(s.dialer))
		}
		s.transport = ws.NewManager(wsOpts...)
	}

	s.rooms = room.NewController(s.transport,
		room.WithLogger(s.logger),
		room.WithRejoinOnReconnect(cfg.RejoinOnReconnect))
	s.presence = presence.New(presence.WithLogger(s.logger))
	s.messages = message.NewMerger(s.self,
		message.WithLogger(s.logger),
		message.WithScheduler(s.sched),
		message.WithGraceWindow(cfg.GraceWindow))
	s.remoteTyping = typing.NewTracker(s.self, typing.WithTrackerLogger(s.logger))
	s.localTyping = typing.NewIndicator(s.transport,
		typing.WithLogger(s.logger),
		typing.WithScheduler(s.sched),
		typing.WithCountdown(cfg.TypingCountdown))

	s.registerHandlers()
	s.subscribe()
	return s, nil
}

func (s *Session) subscribe() {
	s.unsubs = append(s.unsubs,
		s.rooms.OnSwitch(func(sw room.Switch) {
			s.localTyping.Stop()
			s.remoteTyping.Reset()
		}),
		s.rooms.OnGroupCreated(func(g models.Group) {
			s.addGroup(g)
			s.notices.Emit(Notice{Kind: NoticeGroupCreated, Key: models.GroupKey(g.ID), Text: g.Name})
		}),
		s.messages.OnTouch(func(t message.Touch) {
			s.notices.Emit(Notice{Kind: NoticeMessage, Key: t.Key, Message: t.Message})
		}),
		s.presence.OnChange(func(online []models.ID) {
			s.metrics.onlineUsers.Set(float64(len(online)))
			s.notices.Emit(Notice{Kind: NoticePresence})
		}),
		s.remoteTyping.OnChange(func(users []models.TypingUser) {
			s.notices.Emit(Notice{Kind: NoticeTyping})
		}),
	)
}

// Start runs the session loop, loads the snapshot lists and connects to the
// stream. A failed first connection attempt is logged and retried in the
// background; Start only fails when the session cannot run at all.
func (s *Session) Start(ctx context.Context) error {
	s.loop.Start()
	if err := s.Refresh(ctx); err != nil {
		s.logger.Warn(fmt.Sprintf("bootstrap: %v", err))
	}
	if err := s.transport.Connect(ctx, s.cfg.StreamURL, s.cfg.Token); err != nil {
		if ctx.Err() != nil {
			return err
		}
		s.logger.Warn(fmt.Sprintf("connect: %v", err))
	}
	return nil
}

// Close leaves the active room, disconnects and stops the loop. Subscriptions
// are released first so no observer outlives the session.
func (s *Session) Close() {
	s.closed.Do(func() {
		for _, unsub := range s.unsubs {
			unsub()
		}
		s.loop.Close()
		s.localTyping.Stop()
		s.rooms.Leave()
		s.transport.Close()
		s.wg.Wait()
	})
}

// Refresh fetches the group and conversation lists concurrently. A failed
// fetch keeps the last known list.
func (s *Session) Refresh(ctx context.Context) error {
	if s.api == nil {
		return nil
	}
	var (
		groups        []models.Group
		conversations []models.Conversation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		groups, err = s.api.Groups(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		conversations, err = s.api.Conversations(gctx)
		return err
	})
	err := g.Wait()

	s.mu.Lock()
	if groups != nil {
		s.groups = groups
	}
	if conversations != nil {
		s.conversations = conversations
	}
	s.mu.Unlock()

	if conversations != nil {
		s.loop.Post(func() {
			for _, c := range conversations {
				if c.OtherUser.IsOnline != nil {
					s.presence.Seed(c.OtherUser.ID, *c.OtherUser.IsOnline)
				} else if c.IsOnline != nil {
					s.presence.Seed(c.OtherUser.ID, *c.IsOnline)
				}
			}
		})
	}
	return err
}

// Select opens a conversation: it switches the room and loads its history
// in the background.
func (s *Session) Select(ctx context.Context, key models.ConversationKey) error {
	err := s.loop.Call(func() error {
		return s.rooms.Select(key)
	})
	if err != nil {
		return err
	}
	if s.api != nil {
		s.wg.Go(func() {
			s.loadHistory(ctx, key)
		})
	}
	return nil
}

func (s *Session) loadHistory(ctx context.Context, key models.ConversationKey) {
	var (
		msgs []models.Message
		err  error
	)
	switch key.Kind {
	case models.KindGroup:
		msgs, err = s.api.GroupMessages(ctx, key.ID)
	case models.KindDirect:
		msgs, err = s.api.DirectMessages(ctx, key.ID)
	}
	if err != nil {
		s.logger.Warn(fmt.Sprintf("history %s: %v", key, err))
		return
	}
	s.loop.Post(func() {
		n := s.messages.AppendHistory(key, msgs)
		s.metrics.messages.WithLabelValues(string(key.Kind), "history").Add(float64(n))
	})
}

// Leave closes the active conversation.
func (s *Session) Leave() error {
	return s.loop.Call(func() error {
		s.rooms.Leave()
		return nil
	})
}

// Send sends body to the active conversation. The body is trimmed; an empty
// body, a missing conversation or a down connection reject the send before any
// optimistic entry is created.
func (s *Session) Send(body string) error {
	return s.loop.Call(func() error {
		return s.send(body)
	})
}

func (s *Session) send(body string) error {
	const op = "send"
	body = strings.TrimSpace(body)
	key, _, ok := s.rooms.Active()
	switch {
	case !ok:
		s.metrics.sendRejected.Inc()
		return core.NewErrorf(core.SendRejectedError, op, "no active conversation")
	case body == "":
		s.metrics.sendRejected.Inc()
		return core.NewErrorf(core.SendRejectedError, op, "empty message")
	case s.transport.State() != ws.StateConnected:
		s.metrics.sendRejected.Inc()
		return core.NewErrorf(core.SendRejectedError, op, "not connected")
	}
	cmd, err := proto.SendMessageCommand(key, body)
	if err != nil {
		return core.NewError(core.SendRejectedError, op, err)
	}

	s.localTyping.Stop()
	tempID, err := s.messages.AppendOptimistic(key, s.Username(), body)
	if err != nil {
		s.metrics.sendRejected.Inc()
		return err
	}
	if !s.transport.Send(cmd.Event, cmd.Payload) {
		s.messages.ConfirmOrExpireOptimistic(tempID)
		s.metrics.sendRejected.Inc()
		return core.NewErrorf(core.SendRejectedError, op, "transport refused the message")
	}
	s.metrics.messages.WithLabelValues(string(key.Kind), "optimistic").Inc()
	return nil
}

// Keystroke notifies the active conversation that the local user is typing.
func (s *Session) Keystroke() {
	s.loop.Post(func() {
		if key, _, ok := s.rooms.Active(); ok {
			s.localTyping.Keystroke(key)
		}
	})
}

// CreateGroup creates a group through the snapshot API. The group shows up
// once the server announces it on the stream.
func (s *Session) CreateGroup(ctx context.Context, name string, memberIDs []models.ID) (models.Group, error) {
	if s.api == nil {
		return models.Group{}, errors.New("create group: no snapshot client")
	}
	return s.api.CreateGroup(ctx, name, memberIDs)
}

func (s *Session) SearchUsers(ctx context.Context, q string) ([]models.User, error) {
	if s.api == nil {
		return nil, errors.New("search users: no snapshot client")
	}
	return s.api.SearchUsers(ctx, q)
}

// OnNotice registers fn to be told about state changes worth rendering.
// fn runs on the session loop and must not block.
func (s *Session) OnNotice(fn func(Notice)) (unsubscribe func()) {
	return s.notices.Subscribe(fn)
}

func (s *Session) Self() models.ID {
	return s.self
}

func (s *Session) Username() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.username
}

func (s *Session) SetUsername(username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.username = username
}

func (s *Session) State() ws.State {
	return s.transport.State()
}

func (s *Session) Active() (models.ConversationKey, bool) {
	key, _, ok := s.rooms.Active()
	return key, ok
}

func (s *Session) Online() []models.ID {
	return s.presence.Read()
}

func (s *Session) IsOnline(id models.ID) bool {
	return s.presence.IsOnline(id)
}

func (s *Session) Messages(key models.ConversationKey) []models.Message {
	return s.messages.Read(key)
}

// Recent lists the conversations of kind that received messages, most recent first.
func (s *Session) Recent(kind models.Kind) []models.ConversationKey {
	return s.messages.Recent(kind)
}

// Typing lists the remote users typing in the active conversation.
func (s *Session) Typing() []models.TypingUser {
	return s.remoteTyping.Read()
}

func (s *Session) Groups() []models.Group {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.groups)
}

func (s *Session) Conversations() []models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.conversations)
}

func (s *Session) addGroup(g models.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if slices.ContainsFunc(s.groups, func(e models.Group) bool { return e.ID == g.ID }) {
		return
	}
	s.groups = append([]models.Group{g}, s.groups...)
}

func decodeReason(payload json.RawMessage) string {
	if r := ws.Reason(payload); r != "" {
		return r
	}
	return "unknown"
}
