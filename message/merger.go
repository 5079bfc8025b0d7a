// Package message merges stream messages, history pages and optimistic local
// echoes into per-conversation logs.
package message

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
)

const (
	DefaultGraceWindow = 2 * time.Second

	tempPrefix = "temp-"
)

// Touch is published whenever a message is merged into a conversation log.
type Touch struct {
	Key     models.ConversationKey
	Message models.Message
}

type conversationLog struct {
	entries []models.Message
	durable *core.Set[models.ID]
}

type pending struct {
	key   models.ConversationKey
	timer core.Timer
}

// Merger owns the conversation logs of a session.
//
// A log never holds two entries with the same durable id. Optimistic entries
// carry a temporary id and disappear when their durable echo arrives, when
// they are confirmed, or when the grace window elapses.
type Merger struct {
	self   models.ID
	sched  core.Scheduler
	grace  time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	logs    map[models.ConversationKey]*conversationLog
	pending map[models.ID]pending
	// touched maps a conversation to the sequence number of its last touch.
	touched map[models.ConversationKey]uint64
	seq     uint64

	touches core.Emitter[Touch]
}

type Option func(*Merger)

func WithLogger(logger *slog.Logger) Option {
	return func(m *Merger) {
		m.logger = logger
	}
}

func WithScheduler(sched core.Scheduler) Option {
	return func(m *Merger) {
		m.sched = sched
	}
}

func WithGraceWindow(d time.Duration) Option {
	return func(m *Merger) {
		m.grace = d
	}
}

// NewMerger creates a merger for the local user self.
func NewMerger(self models.ID, opts ...Option) *Merger {
	m := &Merger{
		self:    self,
		sched:   core.SystemScheduler{},
		grace:   DefaultGraceWindow,
		logger:  slog.Default(),
		logs:    make(map[models.ConversationKey]*conversationLog),
		pending: make(map[models.ID]pending),
		touched: make(map[models.ConversationKey]uint64),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "message"))
	return m
}

func IsTemporary(id models.ID) bool {
	return strings.HasPrefix(string(id), tempPrefix)
}

// AppendFromStream merges a message received on the stream into the log of
// its conversation. It reports false when the message was a duplicate.
func (m *Merger) AppendFromStream(sm models.StreamMessage) bool {
	msg := sm.ToMessage(m.self)
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.sched.Now()
	}

	m.mu.Lock()
	added := m.mergeLocked(msg)
	if added {
		m.touchLocked(msg.Key)
	}
	m.mu.Unlock()

	if !added {
		m.logger.Debug(fmt.Sprintf("dropped duplicate message %s in %s", msg.ID, msg.Key))
		return false
	}
	m.touches.Emit(Touch{Key: msg.Key, Message: msg})
	return true
}

// mergeLocked adds a durable message. An optimistic entry matching the message
// is replaced in place so that exactly one entry stays visible.
func (m *Merger) mergeLocked(msg models.Message) bool {
	l := m.logLocked(msg.Key)
	if msg.ID == "" || l.durable.Has(msg.ID) {
		return false
	}
	l.durable.Add(msg.ID)

	if i := m.matchTempLocked(l, msg); i >= 0 {
		tempID := l.entries[i].ID
		if p, ok := m.pending[tempID]; ok {
			p.timer.Stop()
			delete(m.pending, tempID)
		}
		l.entries[i] = msg
		m.logger.Debug(fmt.Sprintf("confirmed %s as %s", tempID, msg.ID))
		return true
	}
	l.entries = append(l.entries, msg)
	return true
}

// matchTempLocked returns the index of the oldest optimistic entry still
// pending with the same sender and body as msg, or -1. Pending entries are at
// most one grace window old by the local clock, so the server's created_at is
// not compared: the two clocks may disagree.
func (m *Merger) matchTempLocked(l *conversationLog, msg models.Message) int {
	for i, e := range l.entries {
		if !e.Temporary || e.SenderID != msg.SenderID || e.Body != msg.Body {
			continue
		}
		if _, ok := m.pending[e.ID]; ok {
			return i
		}
	}
	return -1
}

// AppendHistory merges a page fetched from the snapshot API. History precedes
// the live traffic of the conversation, so entries missing from the log are
// placed before the entries already received from the stream. It returns the
// number of entries added.
func (m *Merger) AppendHistory(key models.ConversationKey, msgs []models.Message) int {
	m.mu.Lock()
	l := m.logLocked(key)
	var fresh []models.Message
	for _, msg := range msgs {
		msg.Key = key
		msg.Temporary = false
		if msg.ID == "" || l.durable.Has(msg.ID) {
			continue
		}
		if i := m.matchTempLocked(l, msg); i >= 0 {
			m.mergeLocked(msg)
			continue
		}
		l.durable.Add(msg.ID)
		fresh = append(fresh, msg)
	}
	l.entries = append(fresh, l.entries...)

	var tail models.Message
	touched := len(l.entries) > 0 && len(fresh) > 0
	if touched {
		tail = l.entries[len(l.entries)-1]
		m.touchLocked(key)
	}
	m.mu.Unlock()

	if touched {
		m.touches.Emit(Touch{Key: key, Message: tail})
	}
	return len(fresh)
}

// AppendOptimistic appends a local echo of a message being sent and returns
// its temporary id. The entry expires after the grace window.
func (m *Merger) AppendOptimistic(key models.ConversationKey, senderName, body string) (models.ID, error) {
	if !key.Kind.Valid() || key.ID == "" {
		return "", core.NewErrorf(core.SendRejectedError, "append optimistic", "invalid conversation %s", key)
	}
	if strings.TrimSpace(body) == "" {
		return "", core.NewErrorf(core.SendRejectedError, "append optimistic", "empty body")
	}

	id := models.ID(tempPrefix + uuid.NewString())
	msg := models.Message{
		ID:         id,
		Key:        key,
		SenderID:   m.self,
		SenderName: senderName,
		Body:       body,
		CreatedAt:  m.sched.Now(),
		Temporary:  true,
	}

	m.mu.Lock()
	l := m.logLocked(key)
	l.entries = append(l.entries, msg)
	m.pending[id] = pending{
		key: key,
		timer: m.sched.AfterFunc(m.grace, func() {
			if m.ConfirmOrExpireOptimistic(id) {
				m.logger.Debug(fmt.Sprintf("optimistic message %s expired", id))
			}
		}),
	}
	m.touchLocked(key)
	m.mu.Unlock()

	m.touches.Emit(Touch{Key: key, Message: msg})
	return id, nil
}

// ConfirmOrExpireOptimistic removes an optimistic entry. It reports false when
// the entry was already gone.
func (m *Merger) ConfirmOrExpireOptimistic(tempID models.ID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.pending[tempID]
	if !ok {
		return false
	}
	p.timer.Stop()
	delete(m.pending, tempID)

	l := m.logLocked(p.key)
	i := slices.IndexFunc(l.entries, func(e models.Message) bool {
		return e.ID == tempID
	})
	if i < 0 {
		return false
	}
	l.entries = slices.Delete(l.entries, i, i+1)
	return true
}

// Read returns a copy of the log of key in arrival order.
func (m *Merger) Read(key models.ConversationKey) []models.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.logs[key]
	if !ok {
		return nil
	}
	return slices.Clone(l.entries)
}

func (m *Merger) Len(key models.ConversationKey) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if l, ok := m.logs[key]; ok {
		return len(l.entries)
	}
	return 0
}

// Pending returns the number of optimistic entries waiting for their echo.
func (m *Merger) Pending() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pending)
}

// Recent returns the conversations of kind, most recently touched first.
func (m *Merger) Recent(kind models.Kind) []models.ConversationKey {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []models.ConversationKey
	for k := range m.touched {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	slices.SortFunc(keys, func(a, b models.ConversationKey) int {
		return cmp.Compare(m.touched[b], m.touched[a])
	})
	return keys
}

// OnTouch registers fn to be called whenever a message is merged.
func (m *Merger) OnTouch(fn func(Touch)) (unsubscribe func()) {
	return m.touches.Subscribe(fn)
}

func (m *Merger) logLocked(key models.ConversationKey) *conversationLog {
	l, ok := m.logs[key]
	if !ok {
		l = &conversationLog{durable: core.NewSet[models.ID]()}
		m.logs[key] = l
	}
	return l
}

func (m *Merger) touchLocked(key models.ConversationKey) {
	m.seq++
	m.touched[key] = m.seq
}
