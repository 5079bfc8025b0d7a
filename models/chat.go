package models

import (
	"cmp"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	// KindGroup is a conversation between the members of a group.
	KindGroup Kind = "group"
	// KindDirect is a one-to-one conversation. Its key is the counterpart user id.
	KindDirect Kind = "direct"
)

// Kind represents the type of a conversation.
type Kind string

func (k Kind) Valid() bool {
	return k == KindGroup || k == KindDirect
}

// ID identifies users, groups and messages.
// The server encodes durable ids as JSON numbers while temporary ids are strings,
// so ID accepts both forms.
type ID string

func (id *ID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*id = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return fmt.Errorf("unmarshal id: %w", err)
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("unmarshal id: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// MarshalJSON encodes numeric ids as numbers so the server sees the same type it sent.
func (id ID) MarshalJSON() ([]byte, error) {
	if _, err := strconv.ParseInt(string(id), 10, 64); err == nil {
		return []byte(id), nil
	}
	return json.Marshal(string(id))
}

func (id ID) String() string {
	return string(id)
}

// CompareIDs orders numeric ids numerically and everything else lexically,
// numeric ids first.
func CompareIDs(a, b ID) int {
	na, errA := strconv.ParseInt(string(a), 10, 64)
	nb, errB := strconv.ParseInt(string(b), 10, 64)
	switch {
	case errA == nil && errB == nil:
		return cmp.Compare(na, nb)
	case errA == nil:
		return -1
	case errB == nil:
		return 1
	}
	return strings.Compare(string(a), string(b))
}

// ConversationKey identifies a conversation log and the room that feeds it.
type ConversationKey struct {
	Kind Kind
	ID   ID
}

func GroupKey(id ID) ConversationKey {
	return ConversationKey{Kind: KindGroup, ID: id}
}

func DirectKey(userID ID) ConversationKey {
	return ConversationKey{Kind: KindDirect, ID: userID}
}

func (k ConversationKey) String() string {
	return fmt.Sprintf("%s:%s", k.Kind, k.ID)
}

func (k ConversationKey) IsZero() bool {
	return k.Kind == "" && k.ID == ""
}

// Message is an entry of a conversation log.
type Message struct {
	// ID is the durable id assigned by the server, or a temporary id
	// for a locally sent message that has not been echoed yet.
	ID         ID
	Key        ConversationKey
	SenderID   ID
	SenderName string
	Body       string
	CreatedAt  time.Time
	// Temporary marks an optimistic local echo.
	Temporary bool
}

// StreamMessage is a message normalized at the stream ingestion boundary.
// It is implemented by GroupMessage and DirectMessage only.
type StreamMessage interface {
	// ConversationKey returns the key of the log the message belongs to
	// from the point of view of the local user.
	ConversationKey(self ID) ConversationKey
	// ToMessage converts the message into a log entry.
	ToMessage(self ID) Message
	streamMessage()
}

type GroupMessage struct {
	ID         ID
	GroupID    ID
	SenderID   ID
	SenderName string
	Body       string
	CreatedAt  time.Time
}

func (m GroupMessage) ConversationKey(_ ID) ConversationKey {
	return GroupKey(m.GroupID)
}

func (m GroupMessage) ToMessage(self ID) Message {
	return Message{
		ID:         m.ID,
		Key:        m.ConversationKey(self),
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}

func (GroupMessage) streamMessage() {}

type DirectMessage struct {
	ID         ID
	SenderID   ID
	ReceiverID ID
	SenderName string
	Body       string
	CreatedAt  time.Time
}

// ConversationKey keys the message by the counterpart of the local user:
// the receiver for messages the local user sent, the sender otherwise.
func (m DirectMessage) ConversationKey(self ID) ConversationKey {
	if m.SenderID == self {
		return DirectKey(m.ReceiverID)
	}
	return DirectKey(m.SenderID)
}

func (m DirectMessage) ToMessage(self ID) Message {
	return Message{
		ID:         m.ID,
		Key:        m.ConversationKey(self),
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		CreatedAt:  m.CreatedAt,
	}
}

func (DirectMessage) streamMessage() {}

// Group is a group conversation as returned by the snapshot API
// and by the group_created stream event.
type Group struct {
	ID          ID            `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	Members     []GroupMember `json:"members,omitempty"`
	CreatedAt   Timestamp     `json:"created_at"`
}

type GroupMember struct {
	User User   `json:"user"`
	Role string `json:"role,omitempty"`
}

// Conversation is a direct conversation summary from the snapshot API.
type Conversation struct {
	OtherUser   User             `json:"other_user"`
	LastMessage *json.RawMessage `json:"last_message,omitempty"`
	// IsOnline is an optional presence hint used before the stream's first snapshot.
	IsOnline *bool `json:"is_online,omitempty"`
}

// TypingUser is a remote user currently flagged as typing.
type TypingUser struct {
	UserID   ID
	Username string
}
