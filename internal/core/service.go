// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"context"
	"log/slog"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roomcast/roomcast/internal/observability"
)

var tracer = otel.Tracer("roomcast/core")

// minUsernameLength is the shortest username a client may set.
const minUsernameLength = 3

// DefaultHistoryLimit is how many recent messages a joining client receives.
const DefaultHistoryLimit = 50

// Service implements the session protocol: the lifecycle of one connection
// from connect through join/send/leave/typing to disconnect, plus the
// moderator-initiated forced-removal transition.
//
// Business-rule violations are returned as coded errors; callers report
// them to the originating connection only and never terminate it. Only an
// authentication failure at connect time and an explicit disconnect end a
// connection.
type Service struct {
	registry     *Registry
	fanout       *Fanout
	members      MembershipStore
	log          MessageLog
	historyLimit int
}

// ServiceOption configures a Service during construction.
type ServiceOption func(*Service)

// WithHistoryLimit overrides how many recent messages are sent on join.
func WithHistoryLimit(limit int) ServiceOption {
	return func(s *Service) {
		if limit > 0 {
			s.historyLimit = limit
		}
	}
}

// NewService creates the session protocol service.
func NewService(registry *Registry, fanout *Fanout, members MembershipStore, log MessageLog, opts ...ServiceOption) *Service {
	s := &Service{
		registry:     registry,
		fanout:       fanout,
		members:      members,
		log:          log,
		historyLimit: DefaultHistoryLimit,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect registers an authenticated connection and returns its outbound
// event channel. The caller must have resolved the identity already; an
// unauthenticated attempt never reaches the registry.
//
// On success the caller's identity is unicast back, and user_joined plus a
// fresh presence snapshot are broadcast to all connections.
func (s *Service) Connect(ctx context.Context, connID ulid.ULID, userID UserID, username string) (<-chan Event, error) {
	events, err := s.registry.Register(connID, userID, username)
	if err != nil {
		return nil, err
	}

	slog.InfoContext(ctx, "connection registered",
		"conn_id", connID.String(),
		"user_id", int64(userID),
		"username", username,
	)
	observability.RecordConnection("connect")

	s.fanout.ToAll(Event{Name: EventUserJoined, Data: UserJoinedPayload{Username: username}})
	s.fanout.Unicast(connID, Event{Name: EventSetUsername, Data: SetUsernamePayload{Username: username}})
	s.pushPresence()

	return events, nil
}

// Disconnect removes a connection and broadcasts user_left plus an updated
// presence snapshot. Idempotent; safe to call after a forced removal or a
// concurrent transport failure.
func (s *Service) Disconnect(ctx context.Context, connID ulid.ULID) {
	conn := s.registry.Unregister(connID)
	if conn == nil {
		return
	}

	slog.InfoContext(ctx, "connection unregistered",
		"conn_id", connID.String(),
		"username", conn.Username,
	)
	observability.RecordConnection("disconnect")

	s.fanout.ToAll(Event{Name: EventUserLeft, Data: UserLeftPayload{Username: conn.Username}})
	s.pushPresence()
}

// Join moves the connection into a room after verifying, in order, that the
// room exists, the user is a member, and the user is not banned. On any
// failure nothing changes and the coded error is returned for the caller to
// report. On success the caller gets joined_chat and recent history, and the
// other room members get user_joined_chat.
func (s *Service) Join(ctx context.Context, connID ulid.ULID, roomID RoomID) (err error) {
	ctx, span := tracer.Start(ctx, "session.join")
	span.SetAttributes(attribute.Int64("chat.id", int64(roomID)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn := s.registry.Get(connID)
	if conn == nil {
		return s.unknownConnection(ctx, "join", connID)
	}

	// Membership I/O happens before the registry mutation and never under
	// the registry lock.
	m, err := s.members.Check(ctx, conn.UserID, roomID)
	if err != nil {
		return ErrStorage("join", roomID, err)
	}
	if m.IsBanned {
		slog.WarnContext(ctx, "banned user attempted join",
			"username", conn.Username,
			"chat_id", int64(roomID),
		)
		return ErrBanned(roomID)
	}
	if !m.IsMember {
		return ErrNotMember(roomID)
	}

	if err := s.registry.SetRoom(connID, &roomID); err != nil {
		return err
	}

	slog.InfoContext(ctx, "user joined chat",
		"username", conn.Username,
		"chat_id", int64(roomID),
	)

	s.fanout.Unicast(connID, Event{
		Name: EventJoinedChat,
		Data: JoinedChatPayload{ChatID: roomID, Status: "success"},
	})
	s.sendHistory(ctx, connID, roomID)
	s.fanout.ToRoom(roomID, Event{
		Name: EventUserJoinedChat,
		Data: UserJoinedChatPayload{Username: conn.Username, ChatID: roomID},
	}, connID)

	return nil
}

// Leave clears the connection's current room and notifies the remaining
// members. roomID may be zero to mean "whatever room I am in". Leaving when
// not in a room is a silent no-op, matching the client protocol.
func (s *Service) Leave(ctx context.Context, connID ulid.ULID, roomID RoomID) error {
	conn := s.registry.Get(connID)
	if conn == nil {
		return s.unknownConnection(ctx, "leave", connID)
	}

	if roomID == 0 {
		if conn.Room == nil {
			return nil
		}
		roomID = *conn.Room
	}

	if conn.InRoom(roomID) {
		if err := s.registry.SetRoom(connID, nil); err != nil {
			return err
		}
	}

	slog.InfoContext(ctx, "user left chat",
		"username", conn.Username,
		"chat_id", int64(roomID),
	)

	// The leaver's room is already cleared, so the room broadcast cannot
	// reach them; no self-confirmation is required.
	s.fanout.ToRoom(roomID, Event{
		Name: EventUserLeftChat,
		Data: UserLeftChatPayload{Username: conn.Username, ChatID: roomID},
	}, connID)

	return nil
}

// SendMessage appends a message to the log and fans it out to the room.
// roomID may be zero to mean the connection's current room. The ban status
// is re-checked against the membership store on every send; a join-time
// result is never trusted.
func (s *Service) SendMessage(ctx context.Context, connID ulid.ULID, roomID RoomID, content string) (err error) {
	ctx, span := tracer.Start(ctx, "session.send_message")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	conn := s.registry.Get(connID)
	if conn == nil {
		return s.unknownConnection(ctx, "send_message", connID)
	}

	if conn.Room == nil {
		return ErrNoRoomSelected()
	}
	if roomID == 0 {
		roomID = *conn.Room
	} else if !conn.InRoom(roomID) {
		return ErrNoRoomSelected()
	}
	span.SetAttributes(attribute.Int64("chat.id", int64(roomID)))

	m, err := s.members.Check(ctx, conn.UserID, roomID)
	if err != nil {
		return ErrStorage("send_message", roomID, err)
	}
	if m.IsBanned {
		slog.WarnContext(ctx, "banned user attempted send",
			"username", conn.Username,
			"chat_id", int64(roomID),
		)
		return ErrBanned(roomID)
	}
	if !m.IsMember {
		return ErrNotMember(roomID)
	}

	res, err := s.log.Append(ctx, roomID, conn.UserID, content)
	if err != nil {
		slog.ErrorContext(ctx, "message append failed",
			"username", conn.Username,
			"chat_id", int64(roomID),
			"error", err,
		)
		return ErrStorage("send_message", roomID, err)
	}
	observability.RecordMessageAppended()

	// Sender receives the broadcast too; the message ID lets the client
	// reconcile it with its local echo.
	s.fanout.ToRoom(roomID, Event{
		Name: EventReceiveMessage,
		Data: ReceiveMessagePayload{
			Username:  conn.Username,
			UserID:    conn.UserID,
			Message:   content,
			Timestamp: res.SentAt.UnixMilli(),
			MessageID: res.MessageID.String(),
			ChatID:    roomID,
		},
	}, ulid.ULID{})

	return nil
}

// Typing relays a typing indicator to the other members of the current
// room. Silently ignored when the connection is not in a room.
func (s *Service) Typing(ctx context.Context, connID ulid.ULID, isTyping bool) {
	conn := s.registry.Get(connID)
	if conn == nil || conn.Room == nil {
		return
	}
	s.fanout.ToRoom(*conn.Room, Event{
		Name: EventTyping,
		Data: TypingPayload{Username: conn.Username, IsTyping: isTyping},
	}, connID)
}

// OnlineUsers unicasts the current presence snapshot to the caller.
func (s *Service) OnlineUsers(connID ulid.ULID) {
	s.fanout.Unicast(connID, Event{
		Name: EventOnlineUsers,
		Data: OnlineUsersPayload{Users: s.registry.OnlineUsernames()},
	})
}

// UpdateUsername changes the denormalized username on every connection of
// the caller's user and broadcasts the change to all connections. Rejected
// names produce a username_error to the caller only.
func (s *Service) UpdateUsername(ctx context.Context, connID ulid.ULID, username string) error {
	conn := s.registry.Get(connID)
	if conn == nil {
		return s.unknownConnection(ctx, "update_username", connID)
	}

	if len(username) < minUsernameLength {
		return ErrInvalidUsername("Username must be at least 3 characters")
	}

	old := conn.Username
	s.registry.Rename(conn.UserID, username)

	slog.InfoContext(ctx, "username updated",
		"old_username", old,
		"new_username", username,
	)

	s.fanout.ToAll(Event{
		Name: EventUsernameUpdated,
		Data: UsernameUpdatedPayload{OldUsername: old, NewUsername: username},
	})
	return nil
}

// BanMember is the moderation entry point: it persists the ban, then runs
// the forced-removal transition — every live connection of the banned user
// gets a banned_from_chat notice and is moved out of the room without
// waiting for a client-initiated leave, and the room is told user_banned.
//
// Re-entrant-safe against concurrent leave/disconnect on the same
// connections: a connection that vanished mid-removal is skipped.
func (s *Service) BanMember(ctx context.Context, roomID RoomID, targetID UserID, bannedBy, reason string) (err error) {
	ctx, span := tracer.Start(ctx, "moderation.ban")
	span.SetAttributes(
		attribute.Int64("chat.id", int64(roomID)),
		attribute.Int64("user.id", int64(targetID)),
	)
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if err := s.members.Ban(ctx, roomID, targetID, reason); err != nil {
		return err
	}

	roomName, err := s.members.RoomName(ctx, roomID)
	if err != nil {
		slog.WarnContext(ctx, "room name lookup failed after ban",
			"chat_id", int64(roomID),
			"error", err,
		)
		roomName = ""
	}

	username := s.resolveUsername(ctx, targetID)
	for _, conn := range s.registry.ListByUser(targetID) {
		s.fanout.Unicast(conn.ID, Event{
			Name: EventBannedFromChat,
			Data: BannedFromChatPayload{ChatID: roomID, ChatName: roomName},
		})
		if conn.InRoom(roomID) {
			if err := s.registry.SetRoom(conn.ID, nil); err != nil {
				// Connection disconnected concurrently; nothing to clear.
				slog.DebugContext(ctx, "forced removal raced disconnect",
					"conn_id", conn.ID.String(),
				)
			}
		}
	}

	slog.InfoContext(ctx, "user banned from chat",
		"user_id", int64(targetID),
		"chat_id", int64(roomID),
		"banned_by", bannedBy,
	)

	s.fanout.ToRoom(roomID, Event{
		Name: EventUserBanned,
		Data: UserBannedPayload{Username: username, BannedBy: bannedBy},
	}, ulid.ULID{})

	return nil
}

// UnbanMember clears a ban and announces it to the room.
func (s *Service) UnbanMember(ctx context.Context, roomID RoomID, targetID UserID, unbannedBy string) error {
	if err := s.members.Unban(ctx, roomID, targetID); err != nil {
		return err
	}

	username := s.resolveUsername(ctx, targetID)

	slog.InfoContext(ctx, "user unbanned from chat",
		"user_id", int64(targetID),
		"chat_id", int64(roomID),
		"unbanned_by", unbannedBy,
	)

	s.fanout.ToRoom(roomID, Event{
		Name: EventUserUnbanned,
		Data: UserUnbannedPayload{Username: username, UnbannedBy: unbannedBy},
	}, ulid.ULID{})

	return nil
}

// resolveUsername prefers the live denormalized name; a user with no
// connection is looked up in the store so moderation broadcasts still carry
// a name.
func (s *Service) resolveUsername(ctx context.Context, userID UserID) string {
	if conns := s.registry.ListByUser(userID); len(conns) > 0 {
		return conns[0].Username
	}
	name, err := s.members.UserName(ctx, userID)
	if err != nil {
		slog.WarnContext(ctx, "username lookup failed",
			"user_id", int64(userID),
			"error", err,
		)
		return ""
	}
	return name
}

// pushPresence broadcasts a fresh presence snapshot to every connection.
func (s *Service) pushPresence() {
	s.fanout.ToAll(Event{
		Name: EventOnlineUsers,
		Data: OnlineUsersPayload{Users: s.registry.OnlineUsernames()},
	})
}

// sendHistory unicasts recent room history to a joining caller. Best
// effort: a history read failure is logged and skipped, never surfaced.
func (s *Service) sendHistory(ctx context.Context, connID ulid.ULID, roomID RoomID) {
	msgs, err := s.log.History(ctx, roomID, s.historyLimit)
	if err != nil {
		slog.ErrorContext(ctx, "history read failed on join",
			"chat_id", int64(roomID),
			"error", err,
		)
		return
	}
	if len(msgs) == 0 {
		return
	}

	payload := MessageHistoryPayload{ChatID: roomID, Messages: make([]HistoryMessage, 0, len(msgs))}
	for _, m := range msgs {
		payload.Messages = append(payload.Messages, HistoryMessage{
			MessageID: m.ID.String(),
			UserID:    m.UserID,
			Message:   m.Content,
			Timestamp: m.SentAt.UnixMilli(),
		})
	}
	s.fanout.Unicast(connID, Event{Name: EventMessageHistory, Data: payload})
}

// unknownConnection logs a registry/protocol desynchronization as a bug and
// returns the coded error. This should not occur in correct operation.
func (s *Service) unknownConnection(ctx context.Context, op string, connID ulid.ULID) error {
	err := ErrUnknownConnection(connID.String())
	slog.ErrorContext(ctx, "operation on unknown connection",
		"operation", op,
		"conn_id", connID.String(),
	)
	return err
}
