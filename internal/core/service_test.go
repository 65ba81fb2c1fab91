// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/roomcast/roomcast/pkg/errutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testHarness bundles a service with its collaborators and the event
// channels of connected test users.
type testHarness struct {
	service  *Service
	registry *Registry
	members  *MemoryMembershipStore
	log      *MemoryMessageLog
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	registry := NewRegistry()
	members := NewMemoryMembershipStore()
	log := NewMemoryMessageLog()
	return &testHarness{
		service:  NewService(registry, NewFanout(registry), members, log),
		registry: registry,
		members:  members,
		log:      log,
	}
}

// connect registers a connection and drains its connect-time events.
func (h *testHarness) connect(t *testing.T, userID UserID, username string) (ulid.ULID, <-chan Event) {
	t.Helper()
	connID := NewULID()
	events, err := h.service.Connect(context.Background(), connID, userID, username)
	require.NoError(t, err)
	drainEvents(events)
	return connID, events
}

func eventNames(events []Event) []EventName {
	names := make([]EventName, len(events))
	for i, e := range events {
		names[i] = e.Name
	}
	return names
}

func findEvent(events []Event, name EventName) (Event, bool) {
	for _, e := range events {
		if e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

func TestService_Connect(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	_, otherCh := h.connect(t, 1, "alice")

	connID := NewULID()
	events, err := h.service.Connect(ctx, connID, 2, "bob")
	require.NoError(t, err)

	own := drainEvents(events)
	names := eventNames(own)
	assert.Equal(t, []EventName{EventUserJoined, EventSetUsername, EventOnlineUsers}, names)

	setUser, _ := findEvent(own, EventSetUsername)
	assert.Equal(t, SetUsernamePayload{Username: "bob"}, setUser.Data)

	presence, _ := findEvent(own, EventOnlineUsers)
	assert.Equal(t, OnlineUsersPayload{Users: []string{"alice", "bob"}}, presence.Data)

	// Existing connections see the arrival and the fresh snapshot.
	otherEvents := drainEvents(otherCh)
	joined, ok := findEvent(otherEvents, EventUserJoined)
	require.True(t, ok)
	assert.Equal(t, UserJoinedPayload{Username: "bob"}, joined.Data)
	_, ok = findEvent(otherEvents, EventOnlineUsers)
	assert.True(t, ok)
}

func TestService_ConnectDuplicate(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	connID := NewULID()
	_, err := h.service.Connect(ctx, connID, 1, "alice")
	require.NoError(t, err)

	_, err = h.service.Connect(ctx, connID, 2, "bob")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeDuplicateConnection)
	assert.Equal(t, 1, h.registry.Len())
}

func TestService_JoinSuccess(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	h.members.AddMember(10, 2, false)

	aliceID, aliceCh := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Join(ctx, aliceID, 10))
	drainEvents(aliceCh)

	bobID, bobCh := h.connect(t, 2, "bob")
	drainEvents(aliceCh) // bob's connect broadcasts

	require.NoError(t, h.service.Join(ctx, bobID, 10))

	own := drainEvents(bobCh)
	joined, ok := findEvent(own, EventJoinedChat)
	require.True(t, ok, "caller should get joined_chat")
	assert.Equal(t, JoinedChatPayload{ChatID: 10, Status: "success"}, joined.Data)
	_, ok = findEvent(own, EventUserJoinedChat)
	assert.False(t, ok, "caller must not see their own user_joined_chat")

	roomEvents := drainEvents(aliceCh)
	announce, ok := findEvent(roomEvents, EventUserJoinedChat)
	require.True(t, ok, "room members should be told about the join")
	assert.Equal(t, UserJoinedChatPayload{Username: "bob", ChatID: 10}, announce.Data)
}

func TestService_JoinSendsHistory(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	_, err := h.log.Append(ctx, 10, 1, "first")
	require.NoError(t, err)
	_, err = h.log.Append(ctx, 10, 1, "second")
	require.NoError(t, err)

	connID, ch := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Join(ctx, connID, 10))

	own := drainEvents(ch)
	hist, ok := findEvent(own, EventMessageHistory)
	require.True(t, ok)
	payload := hist.Data.(MessageHistoryPayload)
	require.Len(t, payload.Messages, 2)
	assert.Equal(t, "first", payload.Messages[0].Message)
	assert.Equal(t, "second", payload.Messages[1].Message)
}

func TestService_JoinBanned(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	require.NoError(t, h.members.Ban(ctx, 10, 1, "spam"))

	connID, ch := h.connect(t, 1, "alice")
	err := h.service.Join(ctx, connID, 10)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeBanned)
	errutil.AssertErrorContext(t, err, "chat_id", int64(10))
	assert.Equal(t, "You are banned from this chat", ClientMessage(err))

	// Zero state mutation: no room set, no events emitted.
	assert.Nil(t, h.registry.Get(connID).Room)
	assert.Empty(t, drainEvents(ch))
}

func TestService_JoinNotMember(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")

	connID, _ := h.connect(t, 1, "alice")
	err := h.service.Join(ctx, connID, 10)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeNotMember)
	assert.Nil(t, h.registry.Get(connID).Room)
}

func TestService_JoinStorageFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)

	connID, ch := h.connect(t, 1, "alice")
	h.members.SetCheckErr(errors.New("db down"))

	err := h.service.Join(ctx, connID, 10)
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeStorageError)
	assert.Equal(t, "Failed to join chat", ClientMessage(err))
	assert.Nil(t, h.registry.Get(connID).Room)
	assert.Empty(t, drainEvents(ch))
}

func TestService_SendMessage(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	h.members.AddMember(10, 2, false)

	aliceID, aliceCh := h.connect(t, 1, "alice")
	bobID, bobCh := h.connect(t, 2, "bob")
	require.NoError(t, h.service.Join(ctx, aliceID, 10))
	require.NoError(t, h.service.Join(ctx, bobID, 10))
	drainEvents(aliceCh)
	drainEvents(bobCh)

	require.NoError(t, h.service.SendMessage(ctx, aliceID, 10, "hello"))

	// Sender and room member both receive the broadcast.
	for name, ch := range map[string]<-chan Event{"alice": aliceCh, "bob": bobCh} {
		events := drainEvents(ch)
		msg, ok := findEvent(events, EventReceiveMessage)
		require.True(t, ok, "%s should receive the message", name)
		payload := msg.Data.(ReceiveMessagePayload)
		assert.Equal(t, "alice", payload.Username)
		assert.Equal(t, UserID(1), payload.UserID)
		assert.Equal(t, "hello", payload.Message)
		assert.Equal(t, RoomID(10), payload.ChatID)
		assert.NotEmpty(t, payload.MessageID)
		assert.NotZero(t, payload.Timestamp)
	}

	assert.Equal(t, 1, h.log.Count(10))
}

func TestService_SendMessageCurrentRoomDefault(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)

	connID, ch := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Join(ctx, connID, 10))
	drainEvents(ch)

	// Zero room means "my current room".
	require.NoError(t, h.service.SendMessage(ctx, connID, 0, "hi"))
	events := drainEvents(ch)
	_, ok := findEvent(events, EventReceiveMessage)
	assert.True(t, ok)
}

func TestService_SendMessageNoRoom(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	connID, _ := h.connect(t, 1, "alice")

	err := h.service.SendMessage(ctx, connID, 0, "hello")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeNoRoomSelected)
	assert.Equal(t, 0, h.log.Count(0))
}

func TestService_SendMessageWrongRoom(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)

	connID, ch := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Join(ctx, connID, 10))
	drainEvents(ch)

	err := h.service.SendMessage(ctx, connID, 11, "hello")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeNoRoomSelected)
	assert.Equal(t, 0, h.log.Count(11))
}

func TestService_SendMessageBannedAfterJoin(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)

	connID, ch := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Join(ctx, connID, 10))
	drainEvents(ch)

	// Ban lands after the join; the per-send re-check must catch it.
	require.NoError(t, h.members.Ban(ctx, 10, 1, "spam"))

	err := h.service.SendMessage(ctx, connID, 10, "hello")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeBanned)
	assert.Equal(t, 0, h.log.Count(10), "no message may be stored")
	assert.Empty(t, drainEvents(ch), "no fan-out may happen")
}

func TestService_SendMessageStorageFailure(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	h.members.AddMember(10, 2, false)

	aliceID, aliceCh := h.connect(t, 1, "alice")
	bobID, bobCh := h.connect(t, 2, "bob")
	require.NoError(t, h.service.Join(ctx, aliceID, 10))
	require.NoError(t, h.service.Join(ctx, bobID, 10))
	drainEvents(aliceCh)
	drainEvents(bobCh)

	h.log.SetAppendErr(errors.New("disk on fire"))

	err := h.service.SendMessage(ctx, aliceID, 10, "hello")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeStorageError)
	assert.Equal(t, "Failed to send message", ClientMessage(err))

	// Append failed, so nothing reaches the room.
	assert.Empty(t, drainEvents(bobCh))
	assert.Empty(t, drainEvents(aliceCh))
}

func TestService_Leave(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	h.members.AddMember(10, 2, false)

	aliceID, aliceCh := h.connect(t, 1, "alice")
	bobID, bobCh := h.connect(t, 2, "bob")
	require.NoError(t, h.service.Join(ctx, aliceID, 10))
	require.NoError(t, h.service.Join(ctx, bobID, 10))
	drainEvents(aliceCh)
	drainEvents(bobCh)

	require.NoError(t, h.service.Leave(ctx, bobID, 0))

	assert.Nil(t, h.registry.Get(bobID).Room)

	roomEvents := drainEvents(aliceCh)
	left, ok := findEvent(roomEvents, EventUserLeftChat)
	require.True(t, ok)
	assert.Equal(t, UserLeftChatPayload{Username: "bob", ChatID: 10}, left.Data)

	// The leaver gets no broadcast; their room was already cleared.
	assert.Empty(t, drainEvents(bobCh))
}

func TestService_LeaveWithoutRoom(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	connID, ch := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Leave(ctx, connID, 0))
	assert.Empty(t, drainEvents(ch))
}

func TestService_Typing(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	h.members.AddMember(10, 2, false)

	aliceID, aliceCh := h.connect(t, 1, "alice")
	bobID, bobCh := h.connect(t, 2, "bob")
	require.NoError(t, h.service.Join(ctx, aliceID, 10))
	require.NoError(t, h.service.Join(ctx, bobID, 10))
	drainEvents(aliceCh)
	drainEvents(bobCh)

	h.service.Typing(ctx, aliceID, true)

	events := drainEvents(bobCh)
	typing, ok := findEvent(events, EventTyping)
	require.True(t, ok)
	assert.Equal(t, TypingPayload{Username: "alice", IsTyping: true}, typing.Data)

	// Never echoed to the typist.
	assert.Empty(t, drainEvents(aliceCh))
}

func TestService_TypingWithoutRoom(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	connID, ch := h.connect(t, 1, "alice")
	h.service.Typing(ctx, connID, true)
	assert.Empty(t, drainEvents(ch), "typing while roomless is silently ignored")
}

func TestService_Disconnect(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	aliceID, _ := h.connect(t, 1, "alice")
	_, bobCh := h.connect(t, 2, "bob")
	drainEvents(bobCh)

	h.service.Disconnect(ctx, aliceID)

	assert.Equal(t, 1, h.registry.Len())
	events := drainEvents(bobCh)
	left, ok := findEvent(events, EventUserLeft)
	require.True(t, ok)
	assert.Equal(t, UserLeftPayload{Username: "alice"}, left.Data)
	presence, ok := findEvent(events, EventOnlineUsers)
	require.True(t, ok)
	assert.Equal(t, OnlineUsersPayload{Users: []string{"bob"}}, presence.Data)

	// Idempotent: a second disconnect emits nothing.
	h.service.Disconnect(ctx, aliceID)
	assert.Empty(t, drainEvents(bobCh))
}

func TestService_UpdateUsername(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	// Two connections of the same user; both must carry the new name.
	conn1, ch1 := h.connect(t, 1, "alice")
	conn2, ch2 := h.connect(t, 1, "alice")
	drainEvents(ch1)

	require.NoError(t, h.service.UpdateUsername(ctx, conn1, "alicia"))

	assert.Equal(t, "alicia", h.registry.Get(conn1).Username)
	assert.Equal(t, "alicia", h.registry.Get(conn2).Username)

	for _, ch := range []<-chan Event{ch1, ch2} {
		events := drainEvents(ch)
		updated, ok := findEvent(events, EventUsernameUpdated)
		require.True(t, ok)
		assert.Equal(t, UsernameUpdatedPayload{OldUsername: "alice", NewUsername: "alicia"}, updated.Data)
	}
}

func TestService_UpdateUsernameTooShort(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	connID, ch := h.connect(t, 1, "alice")

	err := h.service.UpdateUsername(ctx, connID, "ab")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeInvalidUsername)
	assert.Equal(t, "alice", h.registry.Get(connID).Username)
	assert.Empty(t, drainEvents(ch))
}

func TestService_OnlineUsers(t *testing.T) {
	h := newTestHarness(t)

	connID, ch := h.connect(t, 1, "alice")
	h.connect(t, 2, "bob")
	drainEvents(ch)

	h.service.OnlineUsers(connID)
	events := drainEvents(ch)
	presence, ok := findEvent(events, EventOnlineUsers)
	require.True(t, ok)
	assert.Equal(t, OnlineUsersPayload{Users: []string{"alice", "bob"}}, presence.Data)
}

func TestService_BanMember(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddRoom(20, "random")
	h.members.AddMember(10, 1, true) // moderator
	h.members.AddMember(10, 2, false)
	h.members.AddMember(20, 2, false)

	modID, modCh := h.connect(t, 1, "mod")
	require.NoError(t, h.service.Join(ctx, modID, 10))

	// The banned user holds two connections in the room and a third one in
	// an unrelated room.
	conn1, ch1 := h.connect(t, 2, "troll")
	conn2, ch2 := h.connect(t, 2, "troll")
	conn3, ch3 := h.connect(t, 2, "troll")
	require.NoError(t, h.service.Join(ctx, conn1, 10))
	require.NoError(t, h.service.Join(ctx, conn2, 10))
	require.NoError(t, h.service.Join(ctx, conn3, 20))
	drainEvents(modCh)
	drainEvents(ch1)
	drainEvents(ch2)
	drainEvents(ch3)

	require.NoError(t, h.service.BanMember(ctx, 10, 2, "mod", "spam"))

	// Persistent state carries the ban.
	m, err := h.members.Check(ctx, 2, 10)
	require.NoError(t, err)
	assert.True(t, m.IsBanned)
	assert.NotNil(t, m.BannedAt)
	assert.Equal(t, "spam", m.BannedReason)

	// Every connection of the banned user is notified and removed from
	// the room without a client-initiated leave.
	for _, tc := range []struct {
		connID ulid.ULID
		ch     <-chan Event
	}{{conn1, ch1}, {conn2, ch2}} {
		events := drainEvents(tc.ch)
		notice, ok := findEvent(events, EventBannedFromChat)
		require.True(t, ok)
		assert.Equal(t, BannedFromChatPayload{ChatID: 10, ChatName: "general"}, notice.Data)
		assert.Nil(t, h.registry.Get(tc.connID).Room)
	}

	// The connection in the other room gets the notice but keeps its room.
	otherRoom := drainEvents(ch3)
	_, ok := findEvent(otherRoom, EventBannedFromChat)
	require.True(t, ok)
	require.NotNil(t, h.registry.Get(conn3).Room, "connections in other rooms are untouched")
	assert.Equal(t, RoomID(20), *h.registry.Get(conn3).Room)

	// The room is told; the banned user's connections are already out.
	modEvents := drainEvents(modCh)
	banned, ok := findEvent(modEvents, EventUserBanned)
	require.True(t, ok)
	assert.Equal(t, UserBannedPayload{Username: "troll", BannedBy: "mod"}, banned.Data)
}

func TestService_BanMemberOffline(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, true)
	h.members.AddMember(10, 2, false)
	h.members.AddUser(2, "troll")

	modID, modCh := h.connect(t, 1, "mod")
	require.NoError(t, h.service.Join(ctx, modID, 10))
	drainEvents(modCh)

	// The target has no live connection; the broadcast still names them.
	require.NoError(t, h.service.BanMember(ctx, 10, 2, "mod", "spam"))

	events := drainEvents(modCh)
	banned, ok := findEvent(events, EventUserBanned)
	require.True(t, ok)
	assert.Equal(t, UserBannedPayload{Username: "troll", BannedBy: "mod"}, banned.Data)
}

func TestService_BanModeratorRefused(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, true)

	connID, ch := h.connect(t, 1, "mod")
	require.NoError(t, h.service.Join(ctx, connID, 10))
	drainEvents(ch)

	err := h.service.BanMember(ctx, 10, 1, "other-mod", "nope")
	require.Error(t, err)
	errutil.AssertErrorCode(t, err, CodeModeratorProtected)

	m, checkErr := h.members.Check(ctx, 1, 10)
	require.NoError(t, checkErr)
	assert.False(t, m.IsBanned)
	assert.NotNil(t, h.registry.Get(connID).Room, "moderator must stay in the room")
}

func TestService_UnbanMember(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	h.members.AddMember(10, 1, false)
	require.NoError(t, h.members.Ban(ctx, 10, 1, "spam"))

	require.NoError(t, h.service.UnbanMember(ctx, 10, 1, "mod"))

	m, err := h.members.Check(ctx, 1, 10)
	require.NoError(t, err)
	assert.False(t, m.IsBanned)
	assert.Nil(t, m.BannedAt)

	// Ban lifted: joining works again.
	connID, _ := h.connect(t, 1, "alice")
	require.NoError(t, h.service.Join(ctx, connID, 10))
}

// TestService_ConcurrentModerationAndChurn hammers the protocol from several
// goroutines at once: users connecting, joining, sending, leaving, and
// disconnecting while a moderator repeatedly bans and unbans one of them.
// Coded errors are expected when a ban lands mid-operation; lost connections
// and data races are not.
func TestService_ConcurrentModerationAndChurn(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	h.members.AddRoom(10, "general")
	const users = 4
	for u := UserID(1); u <= users; u++ {
		h.members.AddMember(10, u, false)
		h.members.AddUser(u, fmt.Sprintf("user%d", u))
	}

	var wg sync.WaitGroup
	for u := UserID(1); u <= users; u++ {
		wg.Add(1)
		go func(userID UserID) {
			defer wg.Done()
			name := fmt.Sprintf("user%d", userID)
			for i := 0; i < 25; i++ {
				connID := NewULID()
				if _, err := h.service.Connect(ctx, connID, userID, name); err != nil {
					t.Errorf("connect failed for %s: %v", name, err)
					return
				}
				_ = h.service.Join(ctx, connID, 10)
				_ = h.service.SendMessage(ctx, connID, 0, "hi")
				h.service.Typing(ctx, connID, true)
				_ = h.service.Leave(ctx, connID, 0)
				h.service.Disconnect(ctx, connID)
			}
		}(u)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 25; i++ {
			_ = h.service.BanMember(ctx, 10, 1, "mod", "churn")
			_ = h.service.UnbanMember(ctx, 10, 1, "mod")
		}
	}()

	wg.Wait()

	assert.Equal(t, 0, h.registry.Len(), "every connection must be reclaimed")
	assert.Empty(t, h.registry.OnlineUsernames())
}
