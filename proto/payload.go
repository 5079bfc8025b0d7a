package proto

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/putto11262002/chatter-client/models"
)

// MessagePayload is the wire shape of group_message and direct_message events and of
// messages returned by the history endpoints. The server is inconsistent: groups arrive
// as group or group_id, and users either nested or flat. Normalize before use.
type MessagePayload struct {
	ID         models.ID        `json:"id"`
	Group      *Ref             `json:"group,omitempty"`
	GroupID    models.ID        `json:"group_id,omitempty"`
	Sender     *Party           `json:"sender,omitempty"`
	SenderID   models.ID        `json:"sender_id,omitempty"`
	Receiver   *Party           `json:"receiver,omitempty"`
	ReceiverID models.ID        `json:"receiver_id,omitempty"`
	Message    string           `json:"message"`
	CreatedAt  models.Timestamp `json:"created_at"`
}

type JoinedGroupPayload struct {
	GroupID models.ID `json:"group_id" validate:"required"`
}

type JoinedDirectChatPayload struct {
	OtherUserID models.ID `json:"other_user_id" validate:"required"`
}

type OnlineUsersPayload struct {
	UserIDs []models.ID `json:"user_ids" validate:"required"`
}

type UserStatusPayload struct {
	UserID   models.ID `json:"user_id" validate:"required"`
	IsOnline bool      `json:"is_online"`
}

type UserTypingPayload struct {
	UserID   models.ID   `json:"user_id" validate:"required"`
	Username string      `json:"username"`
	IsTyping bool        `json:"is_typing"`
	Type     models.Kind `json:"type,omitempty"`
	ID       models.ID   `json:"id,omitempty"`
}

type UserRoomPayload struct {
	UserID   models.ID `json:"user_id"`
	Username string    `json:"username"`
	GroupID  models.ID `json:"group_id,omitempty"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

// Ref is a reference to an entity that arrives either as a bare id
// or as an object with an id field.
type Ref struct {
	ID models.ID
}

func (r *Ref) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		var obj struct {
			ID models.ID `json:"id"`
		}
		if err := json.Unmarshal(b, &obj); err != nil {
			return fmt.Errorf("unmarshal ref: %w", err)
		}
		r.ID = obj.ID
		return nil
	}
	return r.ID.UnmarshalJSON(b)
}

// Party is a user reference. It arrives nested ({"id":1,"username":"a"}),
// as a bare numeric id, or as a bare username string.
type Party struct {
	ID       models.ID
	Username string
}

func (p *Party) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	switch b[0] {
	case '{':
		var u models.User
		if err := json.Unmarshal(b, &u); err != nil {
			return fmt.Errorf("unmarshal party: %w", err)
		}
		p.ID = u.ID
		p.Username = u.Username
		return nil
	case '"':
		return json.Unmarshal(b, &p.Username)
	}
	return p.ID.UnmarshalJSON(b)
}
