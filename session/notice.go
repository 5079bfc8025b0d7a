package session

import "github.com/putto11262002/chatter-client/models"

type NoticeKind int

const (
	NoticeConnected NoticeKind = iota + 1
	NoticeDisconnected
	NoticeConnectFailed
	NoticeMessage
	NoticePresence
	NoticeTyping
	NoticeGroupCreated
	NoticeServerError
)

// Notice tells the presentation layer that some state changed.
type Notice struct {
	Kind NoticeKind
	// Key is the conversation concerned, if any.
	Key     models.ConversationKey
	Message models.Message
	Text    string
}
