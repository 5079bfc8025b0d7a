package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/proto"
	"github.com/putto11262002/chatter-client/ws"
)

func (s *Session) registerHandlers() {
	t := s.transport
	t.On(proto.EventConnect, s.handleConnect)
	t.On(proto.EventDisconnect, s.handleDisconnect)
	t.On(proto.EventConnectError, s.handleConnectError)
	t.On(proto.EventConnectFailed, s.handleConnectFailed)
	t.On(proto.EventError, s.handleServerError)
	t.On(proto.EventJoinedGroup, s.dropping(proto.EventJoinedGroup, s.handleJoinedGroup))
	t.On(proto.EventJoinedDirectChat, s.dropping(proto.EventJoinedDirectChat, s.handleJoinedDirectChat))
	t.On(proto.EventGroupMessage, s.dropping(proto.EventGroupMessage, s.messageHandler(proto.EventGroupMessage)))
	t.On(proto.EventDirectMessage, s.dropping(proto.EventDirectMessage, s.messageHandler(proto.EventDirectMessage)))
	t.On(proto.EventGroupCreated, s.dropping(proto.EventGroupCreated, s.handleGroupCreated))
	t.On(proto.EventOnlineUsersList, s.dropping(proto.EventOnlineUsersList, s.handleOnlineUsers))
	t.On(proto.EventUserStatusChange, s.dropping(proto.EventUserStatusChange, s.handleUserStatus))
	t.On(proto.EventUserTyping, s.dropping(proto.EventUserTyping, s.handleUserTyping))
	t.On(proto.EventUserJoined, s.roomNotice(proto.EventUserJoined, "joined"))
	t.On(proto.EventUserLeft, s.roomNotice(proto.EventUserLeft, "left"))
}

// dropping counts events whose payload could not be decoded. The error is
// still returned so the router logs it.
func (s *Session) dropping(event string, h ws.Handler) ws.Handler {
	return func(payload json.RawMessage) error {
		err := h(payload)
		if errors.Is(err, core.ErrProtocol) {
			s.metrics.droppedEvents.WithLabelValues(event).Inc()
		}
		return err
	}
}

func (s *Session) handleConnect(_ json.RawMessage) error {
	s.logger.Info("connected")
	s.metrics.connected.Set(1)
	s.presence.SetConnected(true)
	s.rooms.HandleConnected()
	s.notices.Emit(Notice{Kind: NoticeConnected})
	return nil
}

func (s *Session) handleDisconnect(payload json.RawMessage) error {
	reason := decodeReason(payload)
	s.logger.Info("disconnected", slog.String("reason", reason))
	s.metrics.connected.Set(0)
	s.metrics.disconnects.WithLabelValues(reason).Inc()
	s.presence.SetConnected(false)
	s.localTyping.Stop()
	s.notices.Emit(Notice{Kind: NoticeDisconnected, Text: reason})
	return nil
}

func (s *Session) handleConnectError(payload json.RawMessage) error {
	s.metrics.connectErrors.Inc()
	s.logger.Warn(fmt.Sprintf("connect error: %s", ws.ErrorMessage(payload)))
	return nil
}

func (s *Session) handleConnectFailed(payload json.RawMessage) error {
	msg := ws.ErrorMessage(payload)
	s.metrics.connectFailed.Inc()
	s.logger.Error(fmt.Sprintf("connection failed: %s", msg))
	s.notices.Emit(Notice{Kind: NoticeConnectFailed, Text: msg})
	return nil
}

func (s *Session) handleServerError(payload json.RawMessage) error {
	var p proto.ErrorPayload
	if err := json.Unmarshal(payload, &p); err != nil || p.Message == "" {
		p.Message = string(payload)
	}
	s.logger.Warn(fmt.Sprintf("server error: %s", p.Message))
	s.notices.Emit(Notice{Kind: NoticeServerError, Text: p.Message})
	return nil
}

func (s *Session) handleJoinedGroup(payload json.RawMessage) error {
	var p proto.JoinedGroupPayload
	if err := proto.Decode(proto.EventJoinedGroup, payload, &p); err != nil {
		return err
	}
	s.rooms.HandleJoined(models.GroupKey(p.GroupID))
	return nil
}

func (s *Session) handleJoinedDirectChat(payload json.RawMessage) error {
	var p proto.JoinedDirectChatPayload
	if err := proto.Decode(proto.EventJoinedDirectChat, payload, &p); err != nil {
		return err
	}
	s.rooms.HandleJoined(models.DirectKey(p.OtherUserID))
	return nil
}

func (s *Session) messageHandler(event string) ws.Handler {
	return func(payload json.RawMessage) error {
		sm, err := proto.DecodeStreamMessage(event, payload)
		if err != nil {
			return err
		}
		key := sm.ConversationKey(s.self)
		if s.messages.AppendFromStream(sm) {
			s.metrics.messages.WithLabelValues(string(key.Kind), "stream").Inc()
		} else {
			s.metrics.duplicates.Inc()
		}
		return nil
	}
}

func (s *Session) handleGroupCreated(payload json.RawMessage) error {
	g, err := proto.DecodeGroup(payload)
	if err != nil {
		return err
	}
	s.rooms.HandleGroupCreated(g)
	return nil
}

func (s *Session) handleOnlineUsers(payload json.RawMessage) error {
	var p proto.OnlineUsersPayload
	if err := proto.Decode(proto.EventOnlineUsersList, payload, &p); err != nil {
		return err
	}
	if !s.presence.ApplySnapshot(p.UserIDs) {
		s.logger.Debug("presence snapshot ignored while disconnected")
	}
	return nil
}

func (s *Session) handleUserStatus(payload json.RawMessage) error {
	var p proto.UserStatusPayload
	if err := proto.Decode(proto.EventUserStatusChange, payload, &p); err != nil {
		return err
	}
	s.presence.ApplyDelta(p.UserID, p.IsOnline)
	return nil
}

// handleUserTyping applies typing events of the active conversation. Events
// naming another conversation are late deliveries from a room already left.
func (s *Session) handleUserTyping(payload json.RawMessage) error {
	var p proto.UserTypingPayload
	if err := proto.Decode(proto.EventUserTyping, payload, &p); err != nil {
		return err
	}
	key, _, ok := s.rooms.Active()
	if !ok {
		return nil
	}
	if p.Type != "" && p.Type != key.Kind {
		return nil
	}
	switch {
	case key.Kind == models.KindGroup && p.ID != "" && p.ID != key.ID:
		return nil
	case key.Kind == models.KindDirect && p.UserID != key.ID:
		return nil
	}
	s.remoteTyping.HandleRemote(p.UserID, p.Username, p.IsTyping)
	return nil
}

func (s *Session) roomNotice(event, verb string) ws.Handler {
	return func(payload json.RawMessage) error {
		var p proto.UserRoomPayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return core.NewError(core.ProtocolError, event, fmt.Errorf("Unmarshal: %w", err))
		}
		s.logger.Debug(fmt.Sprintf("%s %s the room", p.Username, verb), slog.String("user.id", p.UserID.String()))
		return nil
	}
}
