// Package room tracks the conversation room the client is subscribed to.
package room

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/proto"
)

type State int

const (
	StateIdle State = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	}
	return "unknown"
}

// Sender transmits a command. It reports false when the command could not be
// handed to the transport.
type Sender interface {
	Send(event string, payload interface{}) bool
}

// Switch describes a change of the active room. A zero key means no room.
type Switch struct {
	From models.ConversationKey
	To   models.ConversationKey
}

// Controller owns the room membership of a session. At most one room is
// active at a time; selecting another room leaves the previous one.
type Controller struct {
	sender Sender
	rejoin bool
	logger *slog.Logger

	mu     sync.RWMutex
	active models.ConversationKey
	state  State
	// acked is set when the server confirmed the join of the active room.
	acked bool

	switches     core.Emitter[Switch]
	groupCreated core.Emitter[models.Group]
}

type Option func(*Controller)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Controller) {
		c.logger = logger
	}
}

// WithRejoinOnReconnect controls whether the active room is joined again
// after the connection comes back.
func WithRejoinOnReconnect(rejoin bool) Option {
	return func(c *Controller) {
		c.rejoin = rejoin
	}
}

func NewController(sender Sender, opts ...Option) *Controller {
	c := &Controller{
		sender: sender,
		rejoin: true,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With(slog.String("component", "room"))
	return c
}

// Select makes key the active room. The previous room is left without waiting
// for an acknowledgement and the new room is entered optimistically. Selecting
// the room that is already joined does nothing.
func (c *Controller) Select(key models.ConversationKey) error {
	if !key.Kind.Valid() || key.ID == "" {
		return fmt.Errorf("select room: invalid conversation %q", key)
	}
	join, err := proto.JoinCommand(key)
	if err != nil {
		return fmt.Errorf("select room: %w", err)
	}

	c.mu.Lock()
	if c.active == key && c.state == StateJoined {
		c.mu.Unlock()
		return nil
	}
	prev := c.active
	if !prev.IsZero() {
		c.leaveLocked()
	}

	c.transitionLocked(StateJoining)
	c.active = key
	c.acked = false
	if !c.sender.Send(join.Event, join.Payload) {
		c.logger.Debug(fmt.Sprintf("join %s not sent", key))
	}
	c.transitionLocked(StateJoined)
	c.mu.Unlock()

	c.switches.Emit(Switch{From: prev, To: key})
	return nil
}

// Leave leaves the active room, if any.
func (c *Controller) Leave() {
	c.mu.Lock()
	prev := c.active
	if prev.IsZero() {
		c.mu.Unlock()
		return
	}
	c.leaveLocked()
	c.mu.Unlock()

	c.switches.Emit(Switch{From: prev})
}

// leaveLocked sends the leave command of the active room. The command is fire
// and forget, so the slot goes straight back to idle.
func (c *Controller) leaveLocked() {
	key := c.active
	c.transitionLocked(StateLeaving)
	if leave, err := proto.LeaveCommand(key); err == nil {
		if !c.sender.Send(leave.Event, leave.Payload) {
			c.logger.Debug(fmt.Sprintf("leave %s not sent", key))
		}
	}
	c.active = models.ConversationKey{}
	c.acked = false
	c.transitionLocked(StateIdle)
}

func (c *Controller) transitionLocked(to State) {
	if c.state == to {
		return
	}
	c.logger.Debug("transition", slog.String("room", c.active.String()),
		slog.String("from", c.state.String()), slog.String("to", to.String()))
	c.state = to
}

// Active returns the active room and its state. ok is false when no room is active.
func (c *Controller) Active() (key models.ConversationKey, state State, ok bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.state, !c.active.IsZero()
}

// Acknowledged reports whether the server confirmed the join of the active room.
func (c *Controller) Acknowledged() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.acked
}

// HandleJoined records the server acknowledgement of a join. It never changes
// which room is active.
func (c *Controller) HandleJoined(key models.ConversationKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if key != c.active {
		c.logger.Debug(fmt.Sprintf("join acknowledged for inactive room %s", key))
		return
	}
	c.acked = true
}

// HandleGroupCreated publishes a group the local user was added to and joins
// its room so that its messages are delivered. The active room is unchanged.
func (c *Controller) HandleGroupCreated(g models.Group) {
	c.groupCreated.Emit(g)
	join, err := proto.JoinCommand(models.GroupKey(g.ID))
	if err != nil {
		return
	}
	if !c.sender.Send(join.Event, join.Payload) {
		c.logger.Debug(fmt.Sprintf("join new group %s not sent", g.ID))
	}
}

// HandleConnected joins the active room again after a (re)connect, since the
// server does not keep room membership across connections.
func (c *Controller) HandleConnected() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.rejoin || c.active.IsZero() {
		return
	}
	join, err := proto.JoinCommand(c.active)
	if err != nil {
		return
	}
	c.acked = false
	if c.sender.Send(join.Event, join.Payload) {
		c.logger.Info(fmt.Sprintf("rejoined %s", c.active))
	}
}

// OnSwitch registers fn to be called after the active room changed.
func (c *Controller) OnSwitch(fn func(Switch)) (unsubscribe func()) {
	return c.switches.Subscribe(fn)
}

func (c *Controller) OnGroupCreated(fn func(models.Group)) (unsubscribe func()) {
	return c.groupCreated.Subscribe(fn)
}
