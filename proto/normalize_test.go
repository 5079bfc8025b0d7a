package proto

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
)

func TestDecodeGroupMessageShapes(t *testing.T) {
	utc := time.Date(2025, 3, 1, 10, 30, 0, 0, time.UTC)
	tests := []struct {
		name string
		raw  string
		want time.Time
	}{
		{
			name: "group_id and flat sender",
			raw:  `{"id": 11, "group_id": 3, "sender_id": 5, "sender": "alice", "message": "hi", "created_at": "2025-03-01T10:30:00Z"}`,
			want: utc,
		},
		{
			name: "group as id and nested sender",
			raw:  `{"id": 11, "group": 3, "sender": {"id": 5, "username": "alice"}, "message": "hi", "created_at": "2025-03-01T10:30:00Z"}`,
			want: utc,
		},
		{
			name: "group as object and naive timestamp",
			raw:  `{"id": "11", "group": {"id": 3, "name": "team"}, "sender": {"id": 5, "username": "alice"}, "message": "hi", "created_at": "2025-03-01T10:30:00.000000"}`,
			want: time.Date(2025, 3, 1, 10, 30, 0, 0, time.Local),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := DecodeStreamMessage(EventGroupMessage, []byte(tt.raw))
			require.NoError(t, err)
			m, ok := sm.(models.GroupMessage)
			require.True(t, ok, "expected a GroupMessage, got %T", sm)
			assert.Equal(t, models.ID("11"), m.ID)
			assert.Equal(t, models.ID("3"), m.GroupID)
			assert.Equal(t, models.ID("5"), m.SenderID)
			assert.Equal(t, "alice", m.SenderName)
			assert.Equal(t, "hi", m.Body)
			assert.True(t, tt.want.Equal(m.CreatedAt), "created_at: got %v", m.CreatedAt)
			assert.Equal(t, models.GroupKey("3"), sm.ConversationKey("5"))
		})
	}
}

func TestDecodeDirectMessageShapes(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{
			name: "flat ids",
			raw:  `{"id": 8, "sender_id": 1, "receiver_id": 2, "message": "yo", "created_at": "2025-03-01T10:30:00Z"}`,
		},
		{
			name: "nested users",
			raw:  `{"id": 8, "sender": {"id": 1, "username": "bob"}, "receiver": {"id": 2, "username": "me"}, "message": "yo", "created_at": "2025-03-01T10:30:00Z"}`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm, err := DecodeStreamMessage(EventDirectMessage, []byte(tt.raw))
			require.NoError(t, err)
			m, ok := sm.(models.DirectMessage)
			require.True(t, ok)
			assert.Equal(t, models.ID("1"), m.SenderID)
			assert.Equal(t, models.ID("2"), m.ReceiverID)
			// the local user is the receiver: keyed by the sender
			assert.Equal(t, models.DirectKey("1"), sm.ConversationKey("2"))
			// the local user is the sender: keyed by the receiver
			assert.Equal(t, models.DirectKey("2"), sm.ConversationKey("1"))
		})
	}
}

func TestDecodeMalformedPayloads(t *testing.T) {
	tests := []struct {
		name  string
		event string
		raw   string
	}{
		{"not json", EventGroupMessage, `{"id":`},
		{"missing id", EventGroupMessage, `{"group_id": 1, "sender_id": 2, "message": "x"}`},
		{"missing group", EventGroupMessage, `{"id": 1, "sender_id": 2, "message": "x"}`},
		{"missing receiver", EventDirectMessage, `{"id": 1, "sender_id": 2, "message": "x"}`},
		{"bad timestamp", EventDirectMessage, `{"id": 1, "sender_id": 2, "receiver_id": 3, "created_at": "yesterday"}`},
		{"empty", EventDirectMessage, ``},
		{"wrong event", EventUserTyping, `{"id": 1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeStreamMessage(tt.event, []byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrProtocol)
		})
	}
}

func TestDecodeValidatesRequiredFields(t *testing.T) {
	var status UserStatusPayload
	err := Decode(EventUserStatusChange, []byte(`{"is_online": true}`), &status)
	assert.ErrorIs(t, err, core.ErrProtocol)

	var online OnlineUsersPayload
	require.NoError(t, Decode(EventOnlineUsersList, []byte(`{"user_ids": []}`), &online))
	assert.Empty(t, online.UserIDs)
	assert.ErrorIs(t, Decode(EventOnlineUsersList, []byte(`{}`), &online), core.ErrProtocol)

	var typing UserTypingPayload
	require.NoError(t, Decode(EventUserTyping, []byte(`{"user_id": 4, "username": "dee", "is_typing": true}`), &typing))
	assert.Equal(t, models.ID("4"), typing.UserID)
	assert.True(t, typing.IsTyping)
}

func TestDecodeGroup(t *testing.T) {
	g, err := DecodeGroup([]byte(`{"id": 9, "name": "ops", "members": [{"user": {"id": 1, "username": "a"}}], "created_at": "2025-03-01T10:30:00.123456"}`))
	require.NoError(t, err)
	assert.Equal(t, models.ID("9"), g.ID)
	assert.Equal(t, "ops", g.Name)
	require.Len(t, g.Members, 1)
	assert.Equal(t, models.ID("1"), g.Members[0].User.ID)

	_, err = DecodeGroup([]byte(`{"name": "no id"}`))
	assert.ErrorIs(t, err, core.ErrProtocol)
}

func TestCommands(t *testing.T) {
	cmd, err := JoinCommand(models.GroupKey("3"))
	require.NoError(t, err)
	assert.Equal(t, CommandJoinGroup, cmd.Event)
	assert.Equal(t, JoinGroupCommandPayload{GroupID: "3"}, cmd.Payload)

	cmd, err = LeaveCommand(models.DirectKey("7"))
	require.NoError(t, err)
	assert.Equal(t, CommandLeaveDirectChat, cmd.Event)
	assert.Equal(t, JoinDirectChatCommandPayload{UserID: "7"}, cmd.Payload)

	cmd, err = SendMessageCommand(models.DirectKey("7"), "hello")
	require.NoError(t, err)
	assert.Equal(t, CommandSendDirectMessage, cmd.Event)
	assert.Equal(t, SendDirectMessagePayload{ReceiverID: "7", Message: "hello"}, cmd.Payload)

	_, err = JoinCommand(models.ConversationKey{Kind: "channel", ID: "1"})
	assert.Error(t, err)

	cmd = TypingCommand(models.GroupKey("3"), true)
	assert.Equal(t, TypingCommandPayload{Type: models.KindGroup, ID: "3", IsTyping: true}, cmd.Payload)
}
