package ws

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/putto11262002/chatter-client/core"
)

// Handler handles one inbound or lifecycle event. The payload is the raw first
// argument of the event, or nil when the event carries none.
type Handler func(payload json.RawMessage) error

// Router maps event names to handlers.
type Router struct {
	handlers map[string]Handler
	logger   *slog.Logger
}

func NewRouter(logger *slog.Logger) *Router {
	return &Router{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// On registers h for event. Registering the same event twice panics.
func (r *Router) On(event string, h Handler) {
	if _, ok := r.handlers[event]; ok {
		panic(fmt.Sprintf("handler(%s): already exists", event))
	}
	r.handlers[event] = h
}

// Dispatch runs the handler of event. A failing or panicking handler is logged
// and never affects the connection or other events.
func (r *Router) Dispatch(event string, payload json.RawMessage) {
	h, ok := r.handlers[event]
	if !ok {
		r.logger.Debug(fmt.Sprintf("handler for %s not found", event))
		return
	}
	defer func() {
		if _r := recover(); _r != nil {
			r.logger.Error(fmt.Sprintf("handler(%s): %v", event, _r))
		}
	}()
	if err := h(payload); err != nil {
		if errors.Is(err, core.ErrProtocol) {
			r.logger.Warn(fmt.Sprintf("handler(%s): dropped event: %v", event, err))
			return
		}
		r.logger.Error(fmt.Sprintf("handler(%s): %v", event, err))
	}
}
