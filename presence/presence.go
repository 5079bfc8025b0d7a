// Package presence reconciles the set of online users from stream snapshots,
// stream deltas and the hints of the snapshot API.
package presence

import (
	"log/slog"
	"sync"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
)

// Engine holds the set of online user ids.
//
// While connected a stream snapshot is authoritative: ids absent from it are
// evicted. While disconnected snapshots are ignored and the set is frozen, so
// the last known picture stays visible. Deltas always apply.
type Engine struct {
	mu     sync.RWMutex
	online *core.Set[models.ID]
	// connected mirrors the connection state.
	connected bool
	// snapshotSeen is set once a stream snapshot arrived on the current
	// connection. Seeds from the snapshot API are ignored from then on.
	snapshotSeen bool
	changes      core.Emitter[[]models.ID]
	logger       *slog.Logger
}

type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		online: core.NewSet[models.ID](),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "presence"))
	return e
}

// SetConnected records a connection state change. Going offline freezes the
// set; coming online waits for the next snapshot.
func (e *Engine) SetConnected(connected bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = connected
	if connected {
		e.snapshotSeen = false
	}
}

// ApplySnapshot replaces the set with ids while connected and reports whether
// the snapshot was applied.
func (e *Engine) ApplySnapshot(ids []models.ID) bool {
	e.mu.Lock()
	if !e.connected {
		e.mu.Unlock()
		e.logger.Debug("ignoring snapshot while disconnected", slog.Int("ids", len(ids)))
		return false
	}
	snapshot := core.NewSet(ids...)
	added := e.online.Union(snapshot)
	removed := e.online.Retain(snapshot)
	e.snapshotSeen = true
	changed := len(added) > 0 || len(removed) > 0
	e.mu.Unlock()

	e.logger.Debug("applied snapshot", slog.Int("added", len(added)), slog.Int("removed", len(removed)))
	if changed {
		e.notify()
	}
	return true
}

// ApplyDelta marks a single user online or offline.
func (e *Engine) ApplyDelta(id models.ID, online bool) {
	e.mu.Lock()
	changed := e.setLocked(id, online)
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

// Seed applies an is_online hint from the snapshot API. Hints only fill the
// gap before the first stream snapshot of a connection.
func (e *Engine) Seed(id models.ID, online bool) {
	e.mu.Lock()
	if e.snapshotSeen {
		e.mu.Unlock()
		return
	}
	changed := e.setLocked(id, online)
	e.mu.Unlock()
	if changed {
		e.notify()
	}
}

func (e *Engine) setLocked(id models.ID, online bool) bool {
	if online {
		return e.online.Add(id)
	}
	return e.online.Remove(id)
}

// Read returns the online user ids in id order.
func (e *Engine) Read() []models.ID {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online.Sorted(models.CompareIDs)
}

func (e *Engine) IsOnline(id models.ID) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.online.Has(id)
}

// OnChange registers fn to receive the set after every change.
func (e *Engine) OnChange(fn func(online []models.ID)) (unsubscribe func()) {
	return e.changes.Subscribe(fn)
}

func (e *Engine) notify() {
	if e.changes.Len() == 0 {
		return
	}
	e.changes.Emit(e.Read())
}
