// Package typing tracks who is typing in the active conversation and debounces
// the local user's own typing notifications.
package typing

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/proto"
)

const DefaultCountdown = time.Second

// Tracker holds the remote users typing in the active conversation, in the
// order they started typing. Entries only clear on an explicit stop event or
// on Reset; there is no local timeout.
type Tracker struct {
	self   models.ID
	logger *slog.Logger

	mu      sync.RWMutex
	users   []models.TypingUser
	changes core.Emitter[[]models.TypingUser]
}

type TrackerOption func(*Tracker)

func WithTrackerLogger(logger *slog.Logger) TrackerOption {
	return func(t *Tracker) {
		t.logger = logger
	}
}

func NewTracker(self models.ID, opts ...TrackerOption) *Tracker {
	t := &Tracker{
		self:   self,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.logger = t.logger.With(slog.String("component", "typing"))
	return t
}

// HandleRemote applies a user_typing event. Events about the local user are ignored.
func (t *Tracker) HandleRemote(userID models.ID, username string, isTyping bool) {
	if userID == "" || userID == t.self {
		t.logger.Debug("typing event ignored", slog.String("user_id", string(userID)))
		return
	}
	t.mu.Lock()
	i := slices.IndexFunc(t.users, func(u models.TypingUser) bool {
		return u.UserID == userID
	})
	changed := false
	switch {
	case isTyping && i < 0:
		t.users = append(t.users, models.TypingUser{UserID: userID, Username: username})
		changed = true
	case isTyping && t.users[i].Username != username && username != "":
		t.users[i].Username = username
		changed = true
	case !isTyping && i >= 0:
		t.users = slices.Delete(t.users, i, i+1)
		changed = true
	}
	t.mu.Unlock()
	if changed {
		t.logger.Debug("typing changed",
			slog.String("user_id", string(userID)), slog.Bool("is_typing", isTyping))
		t.changes.Emit(t.Read())
	}
}

// Reset clears the set, used when the active conversation changes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	n := len(t.users)
	t.users = nil
	t.mu.Unlock()
	if n > 0 {
		t.changes.Emit(nil)
	}
}

func (t *Tracker) Read() []models.TypingUser {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.Clone(t.users)
}

func (t *Tracker) IsTyping(userID models.ID) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return slices.ContainsFunc(t.users, func(u models.TypingUser) bool {
		return u.UserID == userID
	})
}

func (t *Tracker) OnChange(fn func([]models.TypingUser)) (unsubscribe func()) {
	return t.changes.Subscribe(fn)
}

// Sender transmits a command and reports whether it was handed to the transport.
type Sender interface {
	Send(event string, payload interface{}) bool
}

// Indicator debounces the local user's typing state. The first keystroke sends
// is_typing=true and arms a countdown; further keystrokes re-arm it; when it
// elapses is_typing=false is sent.
type Indicator struct {
	sender    Sender
	sched     core.Scheduler
	countdown time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	key    models.ConversationKey
	typing bool
	timer  core.Timer
	// gen invalidates countdowns that fired while being re-armed.
	gen uint64
}

type Option func(*Indicator)

func WithScheduler(sched core.Scheduler) Option {
	return func(in *Indicator) {
		in.sched = sched
	}
}

func WithCountdown(d time.Duration) Option {
	return func(in *Indicator) {
		in.countdown = d
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(in *Indicator) {
		in.logger = logger
	}
}

func NewIndicator(sender Sender, opts ...Option) *Indicator {
	in := &Indicator{
		sender:    sender,
		sched:     core.SystemScheduler{},
		countdown: DefaultCountdown,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(in)
	}
	in.logger = in.logger.With(slog.String("component", "typing"))
	return in
}

// Keystroke records local input in the conversation key.
func (in *Indicator) Keystroke(key models.ConversationKey) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.typing && in.key != key {
		in.stopLocked()
	}
	if !in.typing {
		in.key = key
		in.typing = true
		in.sendLocked(true)
	}
	if in.timer != nil {
		in.timer.Stop()
	}
	in.gen++
	gen := in.gen
	in.timer = in.sched.AfterFunc(in.countdown, func() {
		in.expire(gen)
	})
}

func (in *Indicator) expire(gen uint64) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if gen != in.gen {
		return
	}
	in.timer = nil
	if in.typing {
		in.typing = false
		in.sendLocked(false)
	}
}

// Stop cancels the countdown and sends is_typing=false if the flag is set.
// It is called on send and on conversation switch.
func (in *Indicator) Stop() {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.stopLocked()
}

func (in *Indicator) stopLocked() {
	in.gen++
	if in.timer != nil {
		in.timer.Stop()
		in.timer = nil
	}
	if in.typing {
		in.typing = false
		in.sendLocked(false)
	}
}

func (in *Indicator) sendLocked(isTyping bool) {
	cmd := proto.TypingCommand(in.key, isTyping)
	if !in.sender.Send(cmd.Event, cmd.Payload) {
		in.logger.Debug("typing not sent", slog.Bool("is_typing", isTyping))
	}
}

// Typing reports whether the local user is flagged as typing.
func (in *Indicator) Typing() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.typing
}
