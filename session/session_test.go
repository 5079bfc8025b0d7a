package session

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/putto11262002/chatter-client/core"
	"github.com/putto11262002/chatter-client/models"
	"github.com/putto11262002/chatter-client/proto"
	"github.com/putto11262002/chatter-client/snapshot"
)

func TestNewRejectsBadCredential(t *testing.T) {
	cfg := DefaultConfig()

	_, err := New(cfg, WithTransport(newFakeTransport()))
	assert.ErrorIs(t, err, core.ErrCredential)

	cfg.Token = testToken(t, 1, "alice", time.Now().Add(-time.Minute))
	_, err = New(cfg, WithTransport(newFakeTransport()))
	assert.ErrorIs(t, err, core.ErrTokenExpired)
}

func TestSessionSelf(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, models.ID("1"), f.session.Self())
	assert.Equal(t, "alice", f.session.Username())
	assert.Equal(t, 1, f.transport.connects)
}

func TestSendRejectedWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	key := models.GroupKey("5")
	require.NoError(t, f.session.Select(context.Background(), key))

	err := f.session.Send("hello")
	assert.ErrorIs(t, err, core.ErrSendRejected)
	assert.Empty(t, f.session.Messages(key), "no optimistic entry on a rejected send")
	assert.Empty(t, f.transport.commands(proto.CommandSendGroupMessage))
}

func TestSendRejectedWithoutRoomOrBody(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)

	assert.ErrorIs(t, f.session.Send("hello"), core.ErrSendRejected)

	key := models.DirectKey("2")
	require.NoError(t, f.session.Select(context.Background(), key))
	assert.ErrorIs(t, f.session.Send("   \n"), core.ErrSendRejected)
	assert.Empty(t, f.session.Messages(key))
}

func TestSendOptimisticThenEcho(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	key := models.GroupKey("5")
	require.NoError(t, f.session.Select(context.Background(), key))

	require.NoError(t, f.session.Send("  hi all "))
	msgs := f.session.Messages(key)
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Temporary)
	assert.Equal(t, "hi all", msgs[0].Body)

	cmds := f.transport.commands(proto.CommandSendGroupMessage)
	require.Len(t, cmds, 1)
	assert.JSONEq(t, `{"group_id":5,"message":"hi all"}`, string(cmds[0]))

	echo := `{"id":100,"group_id":5,"sender":{"id":1,"username":"alice"},"message":"hi all"}`
	require.NoError(t, f.transport.fire(proto.EventGroupMessage, echo))
	msgs = f.session.Messages(key)
	require.Len(t, msgs, 1, "the echo replaces the optimistic entry")
	assert.Equal(t, models.ID("100"), msgs[0].ID)
	assert.False(t, msgs[0].Temporary)

	// replayed echo
	require.NoError(t, f.transport.fire(proto.EventGroupMessage, echo))
	assert.Len(t, f.session.Messages(key), 1)
}

func TestOptimisticExpires(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	key := models.DirectKey("2")
	require.NoError(t, f.session.Select(context.Background(), key))
	require.NoError(t, f.session.Send("anyone?"))
	require.Len(t, f.session.Messages(key), 1)

	f.sched.Advance(DefaultConfig().GraceWindow)
	assert.Empty(t, f.session.Messages(key))
}

func TestDirectMessageRouting(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)

	in := `{"id":7,"sender":{"id":2,"username":"bob"},"receiver":{"id":1,"username":"alice"},"message":"yo"}`
	require.NoError(t, f.transport.fire(proto.EventDirectMessage, in))
	out := `{"id":8,"sender_id":1,"receiver_id":2,"message":"hey"}`
	require.NoError(t, f.transport.fire(proto.EventDirectMessage, out))

	msgs := f.session.Messages(models.DirectKey("2"))
	require.Len(t, msgs, 2)
	assert.Equal(t, "yo", msgs[0].Body)
	assert.Equal(t, "hey", msgs[1].Body)
	assert.Equal(t, []models.ConversationKey{models.DirectKey("2")}, f.session.Recent(models.KindDirect))
}

func TestRejoinOnReconnect(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	key := models.GroupKey("5")
	require.NoError(t, f.session.Select(context.Background(), key))
	require.Len(t, f.transport.commands(proto.CommandJoinGroup), 1)

	f.transport.disconnect(t, proto.ReasonTransportClose)
	f.transport.connect(t)

	joins := f.transport.commands(proto.CommandJoinGroup)
	require.Len(t, joins, 2)
	assert.JSONEq(t, `{"group_id":5}`, string(joins[1]))
	active, ok := f.session.Active()
	assert.True(t, ok)
	assert.Equal(t, key, active)
}

func TestSelectSwitchesRooms(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	require.NoError(t, f.session.Select(context.Background(), models.GroupKey("5")))
	require.NoError(t, f.session.Select(context.Background(), models.DirectKey("2")))

	leaves := f.transport.commands(proto.CommandLeaveGroup)
	require.Len(t, leaves, 1)
	assert.JSONEq(t, `{"group_id":5}`, string(leaves[0]))
	joins := f.transport.commands(proto.CommandJoinDirectChat)
	require.Len(t, joins, 1)
	assert.JSONEq(t, `{"user_id":2}`, string(joins[0]))

	require.NoError(t, f.session.Leave())
	_, ok := f.session.Active()
	assert.False(t, ok)
}

func TestPresenceFrozenWhileDisconnected(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	require.NoError(t, f.transport.fire(proto.EventOnlineUsersList, `{"user_ids":[2,3]}`))
	assert.Equal(t, []models.ID{"2", "3"}, f.session.Online())

	f.transport.disconnect(t, proto.ReasonPingTimeout)
	assert.Equal(t, []models.ID{"2", "3"}, f.session.Online(), "presence survives the disconnect")

	require.NoError(t, f.transport.fire(proto.EventOnlineUsersList, `{"user_ids":[]}`))
	assert.Equal(t, []models.ID{"2", "3"}, f.session.Online(), "snapshots are ignored while disconnected")

	require.NoError(t, f.transport.fire(proto.EventUserStatusChange, `{"user_id":4,"is_online":true}`))
	assert.True(t, f.session.IsOnline("4"), "deltas always apply")

	f.transport.connect(t)
	require.NoError(t, f.transport.fire(proto.EventOnlineUsersList, `{"user_ids":[3]}`))
	assert.Equal(t, []models.ID{"3"}, f.session.Online())
}

func TestTypingScopedToActiveConversation(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	require.NoError(t, f.session.Select(context.Background(), models.GroupKey("5")))

	require.NoError(t, f.transport.fire(proto.EventUserTyping, `{"user_id":2,"username":"bob","is_typing":true,"type":"group","id":5}`))
	require.NoError(t, f.transport.fire(proto.EventUserTyping, `{"user_id":3,"username":"carol","is_typing":true,"type":"group","id":6}`))
	require.NoError(t, f.transport.fire(proto.EventUserTyping, `{"user_id":1,"username":"alice","is_typing":true}`))
	assert.Equal(t, []models.TypingUser{{UserID: "2", Username: "bob"}}, f.session.Typing())

	require.NoError(t, f.session.Select(context.Background(), models.GroupKey("6")))
	assert.Empty(t, f.session.Typing(), "switching conversations resets the typing set")
}

func TestKeystrokeAndSendStopTyping(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)
	require.NoError(t, f.session.Select(context.Background(), models.GroupKey("5")))

	f.session.Keystroke()
	f.session.Keystroke()
	require.NoError(t, f.session.Send("done"))

	typing := f.transport.commands(proto.CommandTyping)
	require.Len(t, typing, 2)
	assert.JSONEq(t, `{"type":"group","id":5,"is_typing":true}`, string(typing[0]))
	assert.JSONEq(t, `{"type":"group","id":5,"is_typing":false}`, string(typing[1]))
}

func TestGroupCreated(t *testing.T) {
	f := newFixture(t)
	f.transport.connect(t)

	notices := make(chan Notice, 8)
	unsub := f.session.OnNotice(func(n Notice) {
		if n.Kind == NoticeGroupCreated {
			notices <- n
		}
	})
	defer unsub()

	require.NoError(t, f.transport.fire(proto.EventGroupCreated, `{"id":9,"name":"climbing"}`))
	groups := f.session.Groups()
	require.Len(t, groups, 1)
	assert.Equal(t, "climbing", groups[0].Name)
	assert.Len(t, f.transport.commands(proto.CommandJoinGroup), 1)
	_, ok := f.session.Active()
	assert.False(t, ok, "a created group is not selected")

	select {
	case n := <-notices:
		assert.Equal(t, models.GroupKey("9"), n.Key)
	default:
		t.Fatal("no group created notice")
	}
}

func TestMalformedEventsCounted(t *testing.T) {
	reg := prometheus.NewRegistry()
	f := newFixture(t, WithRegisterer(reg))
	f.transport.connect(t)

	err := f.transport.fire(proto.EventGroupMessage, `{"message":"no ids"}`)
	assert.True(t, errors.Is(err, core.ErrProtocol))
	err = f.transport.fire(proto.EventOnlineUsersList, `[1,2]`)
	assert.True(t, errors.Is(err, core.ErrProtocol))

	assert.Equal(t, 1.0, testutil.ToFloat64(f.session.metrics.droppedEvents.WithLabelValues(proto.EventGroupMessage)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.session.metrics.droppedEvents.WithLabelValues(proto.EventOnlineUsersList)))
	assert.Equal(t, 1.0, testutil.ToFloat64(f.session.metrics.connected))
}

func TestRefreshSeedsPresence(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/api/groups/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{{"id": 5, "name": "ops"}})
	})
	r.Get("/api/direct-messages/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"other_user": map[string]interface{}{"id": 2, "username": "bob", "is_online": true}},
			{"other_user": map[string]interface{}{"id": 3, "username": "carol"}, "is_online": false},
		})
	})
	r.Get("/api/group-messages/group_messages/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]interface{}{
			{"id": 1, "group_id": 5, "sender": map[string]interface{}{"id": 2, "username": "bob"}, "message": "old"},
		})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	f := newFixture(t, WithSnapshotClient(snapshot.New(srv.URL)))

	require.Eventually(t, func() bool {
		return f.session.IsOnline("2")
	}, 2*time.Second, 10*time.Millisecond)
	assert.False(t, f.session.IsOnline("3"))
	assert.Len(t, f.session.Groups(), 1)
	assert.Len(t, f.session.Conversations(), 2)

	require.NoError(t, f.session.Select(context.Background(), models.GroupKey("5")))
	require.Eventually(t, func() bool {
		return len(f.session.Messages(models.GroupKey("5"))) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRefreshKeepsLastKnownLists(t *testing.T) {
	var fail atomic.Bool
	r := chi.NewRouter()
	r.Get("/api/groups/", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode([]map[string]interface{}{{"id": 5, "name": "ops"}})
	})
	r.Get("/api/direct-messages/", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]interface{}{})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	f := newFixture(t, WithSnapshotClient(snapshot.New(srv.URL)))
	require.Len(t, f.session.Groups(), 1)

	fail.Store(true)
	err := f.session.Refresh(context.Background())
	assert.ErrorIs(t, err, core.ErrStaleData)
	assert.Len(t, f.session.Groups(), 1)
}
