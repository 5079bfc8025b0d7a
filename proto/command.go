package proto

import (
	"fmt"

	"github.com/putto11262002/chatter-client/models"
)

type JoinGroupCommandPayload struct {
	GroupID models.ID `json:"group_id"`
}

type JoinDirectChatCommandPayload struct {
	UserID models.ID `json:"user_id"`
}

type SendGroupMessagePayload struct {
	GroupID models.ID `json:"group_id"`
	Message string    `json:"message"`
}

type SendDirectMessagePayload struct {
	ReceiverID models.ID `json:"receiver_id"`
	Message    string    `json:"message"`
}

type TypingCommandPayload struct {
	Type     models.Kind `json:"type"`
	ID       models.ID   `json:"id"`
	IsTyping bool        `json:"is_typing"`
}

// Command is an outbound event ready to be handed to the connection manager.
type Command struct {
	Event   string
	Payload interface{}
}

func JoinCommand(key models.ConversationKey) (Command, error) {
	switch key.Kind {
	case models.KindGroup:
		return Command{CommandJoinGroup, JoinGroupCommandPayload{GroupID: key.ID}}, nil
	case models.KindDirect:
		return Command{CommandJoinDirectChat, JoinDirectChatCommandPayload{UserID: key.ID}}, nil
	}
	return Command{}, fmt.Errorf("join command: unknown conversation kind %q", key.Kind)
}

func LeaveCommand(key models.ConversationKey) (Command, error) {
	switch key.Kind {
	case models.KindGroup:
		return Command{CommandLeaveGroup, JoinGroupCommandPayload{GroupID: key.ID}}, nil
	case models.KindDirect:
		return Command{CommandLeaveDirectChat, JoinDirectChatCommandPayload{UserID: key.ID}}, nil
	}
	return Command{}, fmt.Errorf("leave command: unknown conversation kind %q", key.Kind)
}

func SendMessageCommand(key models.ConversationKey, body string) (Command, error) {
	switch key.Kind {
	case models.KindGroup:
		return Command{CommandSendGroupMessage, SendGroupMessagePayload{GroupID: key.ID, Message: body}}, nil
	case models.KindDirect:
		return Command{CommandSendDirectMessage, SendDirectMessagePayload{ReceiverID: key.ID, Message: body}}, nil
	}
	return Command{}, fmt.Errorf("send command: unknown conversation kind %q", key.Kind)
}

func TypingCommand(key models.ConversationKey, isTyping bool) Command {
	return Command{CommandTyping, TypingCommandPayload{Type: key.Kind, ID: key.ID, IsTyping: isTyping}}
}
