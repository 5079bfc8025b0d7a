package proto

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode unmarshals an event payload into v and validates it.
// Any failure is reported as a protocol error so the caller can drop the event.
func Decode(event string, raw []byte, v interface{}) error {
	if len(raw) == 0 {
		return core.NewErrorf(core.ProtocolError, event, "empty payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return core.NewError(core.ProtocolError, event, fmt.Errorf("Unmarshal: %w", err))
	}
	if err := validate.Struct(v); err != nil {
		return core.NewError(core.ProtocolError, event, err)
	}
	return nil
}

type normalizedGroupMessage struct {
	ID       models.ID `validate:"required"`
	GroupID  models.ID `validate:"required"`
	SenderID models.ID `validate:"required"`
}

type normalizedDirectMessage struct {
	ID         models.ID `validate:"required"`
	SenderID   models.ID `validate:"required"`
	ReceiverID models.ID `validate:"required"`
}

// GroupMessage normalizes a group message payload. The group comes from group_id
// or from group (bare id or object); the sender from sender_id or the sender object.
func (p *MessagePayload) GroupMessage() (models.GroupMessage, error) {
	m := models.GroupMessage{
		ID:        p.ID,
		GroupID:   p.GroupID,
		SenderID:  p.SenderID,
		Body:      p.Message,
		CreatedAt: p.CreatedAt.Time,
	}
	if m.GroupID == "" && p.Group != nil {
		m.GroupID = p.Group.ID
	}
	if p.Sender != nil {
		if m.SenderID == "" {
			m.SenderID = p.Sender.ID
		}
		m.SenderName = p.Sender.Username
	}
	if err := validate.Struct(normalizedGroupMessage{ID: m.ID, GroupID: m.GroupID, SenderID: m.SenderID}); err != nil {
		return m, core.NewError(core.ProtocolError, EventGroupMessage, err)
	}
	return m, nil
}

// DirectMessage normalizes a direct message payload. Sender and receiver come from the
// flat *_id fields or from the nested objects.
func (p *MessagePayload) DirectMessage() (models.DirectMessage, error) {
	m := models.DirectMessage{
		ID:         p.ID,
		SenderID:   p.SenderID,
		ReceiverID: p.ReceiverID,
		Body:       p.Message,
		CreatedAt:  p.CreatedAt.Time,
	}
	if p.Sender != nil {
		if m.SenderID == "" {
			m.SenderID = p.Sender.ID
		}
		m.SenderName = p.Sender.Username
	}
	if m.ReceiverID == "" && p.Receiver != nil {
		m.ReceiverID = p.Receiver.ID
	}
	if err := validate.Struct(normalizedDirectMessage{ID: m.ID, SenderID: m.SenderID, ReceiverID: m.ReceiverID}); err != nil {
		return m, core.NewError(core.ProtocolError, EventDirectMessage, err)
	}
	return m, nil
}

// DecodeStreamMessage decodes a group_message or direct_message event into the
// tagged variant consumed by the merger.
func DecodeStreamMessage(event string, raw []byte) (models.StreamMessage, error) {
	var p MessagePayload
	if err := Decode(event, raw, &p); err != nil {
		return nil, err
	}
	switch event {
	case EventGroupMessage:
		m, err := p.GroupMessage()
		if err != nil {
			return nil, err
		}
		return m, nil
	case EventDirectMessage:
		m, err := p.DirectMessage()
		if err != nil {
			return nil, err
		}
		return m, nil
	}
	return nil, core.NewErrorf(core.ProtocolError, event, "not a message event")
}

// DecodeGroup decodes a group_created payload.
func DecodeGroup(raw []byte) (models.Group, error) {
	var g models.Group
	if len(raw) == 0 {
		return g, core.NewErrorf(core.ProtocolError, EventGroupCreated, "empty payload")
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return g, core.NewError(core.ProtocolError, EventGroupCreated, fmt.Errorf("Unmarshal: %w", err))
	}
	if g.ID == "" {
		return g, core.NewErrorf(core.ProtocolError, EventGroupCreated, "group has no id")
	}
	return g, nil
}
