// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package core contains the connection registry, room fan-out engine,
// presence tracking, and the session protocol.
package core

// RoomID identifies a chat room. Rooms are created and administered by the
// membership collaborator; the core never invents room IDs.
type RoomID int64

// UserID identifies an authenticated user. A user may hold several live
// connections at once.
type UserID int64

// EventName identifies the kind of event delivered to a connection.
type EventName string

// Events produced by the core toward connections. The wire names and payload
// keys are part of the client protocol and must not change.
const (
	EventSetUsername     EventName = "set_username"
	EventUserJoined      EventName = "user_joined"
	EventUserLeft        EventName = "user_left"
	EventOnlineUsers     EventName = "online_users"
	EventJoinedChat      EventName = "joined_chat"
	EventUserJoinedChat  EventName = "user_joined_chat"
	EventUserLeftChat    EventName = "user_left_chat"
	EventReceiveMessage  EventName = "receive_message"
	EventMessageHistory  EventName = "message_history"
	EventTyping          EventName = "typing"
	EventError           EventName = "error"
	EventBannedFromChat  EventName = "banned_from_chat"
	EventUserBanned      EventName = "user_banned"
	EventUserUnbanned    EventName = "user_unbanned"
	EventUsernameUpdated EventName = "username_updated"
	EventUsernameError   EventName = "username_error"
)

// Event is one unit of fan-out delivery: a name plus a typed payload.
// Payloads are plain structs; the gateway marshals them at the transport
// boundary.
type Event struct {
	Name EventName
	Data any
}

// SetUsernamePayload confirms the caller's identity after connect.
type SetUsernamePayload struct {
	Username string `json:"username"`
}

// UserJoinedPayload announces a user coming online.
type UserJoinedPayload struct {
	Username string `json:"username"`
}

// UserLeftPayload announces a user going offline.
type UserLeftPayload struct {
	Username string `json:"username"`
}

// OnlineUsersPayload carries the deduplicated presence snapshot.
type OnlineUsersPayload struct {
	Users []string `json:"users"`
}

// JoinedChatPayload confirms a successful room join to the caller only.
type JoinedChatPayload struct {
	ChatID RoomID `json:"chat_id"`
	Status string `json:"status"`
}

// UserJoinedChatPayload announces a join to the other room members.
type UserJoinedChatPayload struct {
	Username string `json:"username"`
	ChatID   RoomID `json:"chat_id"`
}

// UserLeftChatPayload announces a leave to the remaining room members.
type UserLeftChatPayload struct {
	Username string `json:"username"`
	ChatID   RoomID `json:"chat_id"`
}

// ReceiveMessagePayload carries one chat message to room members. The
// message ID lets clients deduplicate; Timestamp is server-assigned epoch
// milliseconds.
type ReceiveMessagePayload struct {
	Username  string `json:"username"`
	UserID    UserID `json:"user_id"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
	MessageID string `json:"message_id"`
	ChatID    RoomID `json:"chat_id"`
}

// HistoryMessage is one persisted message in a history payload. UserID is
// nil when the author account was deleted after the message was sent.
type HistoryMessage struct {
	MessageID string  `json:"message_id"`
	UserID    *UserID `json:"user_id"`
	Message   string  `json:"message"`
	Timestamp int64   `json:"timestamp"`
}

// MessageHistoryPayload carries recent room history to a joining caller.
type MessageHistoryPayload struct {
	ChatID   RoomID           `json:"chat_id"`
	Messages []HistoryMessage `json:"messages"`
}

// TypingPayload relays a typing indicator to the other room members.
type TypingPayload struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// ErrorPayload reports a business-rule violation to the caller only.
type ErrorPayload struct {
	Message string `json:"message"`
	ChatID  RoomID `json:"chat_id,omitempty"`
}

// BannedFromChatPayload notifies a banned user's own connections.
type BannedFromChatPayload struct {
	ChatID   RoomID `json:"chat_id"`
	ChatName string `json:"chat_name"`
}

// UserBannedPayload announces a ban to the room.
type UserBannedPayload struct {
	Username string `json:"username"`
	BannedBy string `json:"banned_by"`
}

// UserUnbannedPayload announces an unban to the room.
type UserUnbannedPayload struct {
	Username   string `json:"username"`
	UnbannedBy string `json:"unbanned_by"`
}

// UsernameUpdatedPayload announces a username change to all connections.
type UsernameUpdatedPayload struct {
	OldUsername string `json:"old_username"`
	NewUsername string `json:"new_username"`
}

// UsernameErrorPayload reports a rejected username change to the caller.
type UsernameErrorPayload struct {
	Error string `json:"error"`
}
