// Package proto describes the events exchanged over the realtime stream and
// normalizes inbound payloads into the models used by the synchronization core.
package proto

// Lifecycle events are emitted by the connection manager itself.
const (
	EventConnect       = "connect"
	EventDisconnect    = "disconnect"
	EventConnectError  = "connect_error"
	EventConnectFailed = "connect_failed"
)

// Inbound stream events.
const (
	EventError            = "error"
	EventJoinedGroup      = "joined_group"
	EventJoinedDirectChat = "joined_direct_chat"
	EventGroupMessage     = "group_message"
	EventDirectMessage    = "direct_message"
	EventGroupCreated     = "group_created"
	EventOnlineUsersList  = "online_users_list"
	EventUserStatusChange = "user_status_change"
	EventUserTyping       = "user_typing"
	EventUserJoined       = "user_joined"
	EventUserLeft         = "user_left"
)

// Outbound stream commands.
const (
	CommandJoinGroup         = "join_group"
	CommandLeaveGroup        = "leave_group"
	CommandJoinDirectChat    = "join_direct_chat"
	CommandLeaveDirectChat   = "leave_direct_chat"
	CommandSendGroupMessage  = "send_group_message"
	CommandSendDirectMessage = "send_direct_message"
	CommandTyping            = "typing"
)

// Disconnect reasons, as reported by socket.io clients.
const (
	ReasonClientDisconnect = "io client disconnect"
	ReasonServerDisconnect = "io server disconnect"
	ReasonTransportClose   = "transport close"
	ReasonTransportError   = "transport error"
	ReasonPingTimeout      = "ping timeout"
)
