// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"github.com/samber/oops"
)

// Error codes for session protocol failures.
const (
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeDuplicateConnection = "DUPLICATE_CONNECTION"
	CodeUnknownConnection   = "UNKNOWN_CONNECTION"
	CodeBanned              = "FORBIDDEN_BANNED"
	CodeNotMember           = "FORBIDDEN_NOT_MEMBER"
	CodeNoRoomSelected      = "NO_ROOM_SELECTED"
	CodeStorageError        = "STORAGE_ERROR"
	CodeInvalidUsername     = "INVALID_USERNAME"
	CodeModeratorProtected  = "MODERATOR_PROTECTED"
)

// ErrUnauthorized creates an error for a connect attempt without a valid
// authenticated identity.
func ErrUnauthorized() error {
	return oops.Code(CodeUnauthorized).
		Errorf("connection requires an authenticated identity")
}

// ErrDuplicateConnection creates an error for a connection ID collision.
// The transport guarantees unique IDs, so this indicates a logic error.
func ErrDuplicateConnection(connID string) error {
	return oops.Code(CodeDuplicateConnection).
		With("conn_id", connID).
		Errorf("connection %s already registered", connID)
}

// ErrUnknownConnection creates an error for an operation on a connection the
// registry does not know. Indicates registry/protocol desynchronization.
func ErrUnknownConnection(connID string) error {
	return oops.Code(CodeUnknownConnection).
		With("conn_id", connID).
		Errorf("unknown connection %s", connID)
}

// ErrBanned creates an error for an action by a banned room member.
func ErrBanned(roomID RoomID) error {
	return oops.Code(CodeBanned).
		With("chat_id", int64(roomID)).
		Errorf("user is banned from room %d", roomID)
}

// ErrNotMember creates an error for an action by a non-member.
func ErrNotMember(roomID RoomID) error {
	return oops.Code(CodeNotMember).
		With("chat_id", int64(roomID)).
		Errorf("user is not a member of room %d", roomID)
}

// ErrNoRoomSelected creates an error for a room-scoped action from a
// connection that has no current room.
func ErrNoRoomSelected() error {
	return oops.Code(CodeNoRoomSelected).
		Errorf("no chat room selected")
}

// ErrStorage creates an error for a storage failure during a protocol
// operation. The op selects the client-facing message.
func ErrStorage(op string, roomID RoomID, cause error) error {
	return oops.Code(CodeStorageError).
		With("op", op).
		With("chat_id", int64(roomID)).
		Wrap(cause)
}

// ErrInvalidUsername creates an error for a rejected username change.
func ErrInvalidUsername(reason string) error {
	return oops.Code(CodeInvalidUsername).
		Errorf("%s", reason)
}

// ErrModeratorProtected creates an error for a ban attempt against a
// moderator. Moderators cannot be banned by business rule.
func ErrModeratorProtected(roomID RoomID, target UserID) error {
	return oops.Code(CodeModeratorProtected).
		With("chat_id", int64(roomID)).
		With("user_id", int64(target)).
		Errorf("moderators cannot be banned")
}

// HasCode reports whether err carries the given error code.
func HasCode(err error, code string) bool {
	oopsErr, ok := oops.AsOops(err)
	return ok && oopsErr.Code() == code
}

// ClientMessage extracts a client-facing message from an error. The strings
// are part of the client protocol.
func ClientMessage(err error) string {
	if err == nil {
		return "Something went wrong"
	}
	oopsErr, ok := oops.AsOops(err)
	if !ok {
		return "Something went wrong"
	}

	switch oopsErr.Code() {
	case CodeBanned:
		return "You are banned from this chat"
	case CodeNotMember:
		return "You are not a member of this chat"
	case CodeNoRoomSelected:
		return "No chat room selected"
	case CodeStorageError:
		if oopsErr.Context()["op"] == "join" {
			return "Failed to join chat"
		}
		return "Failed to send message"
	case CodeUnauthorized:
		return "Authentication required"
	case CodeInvalidUsername:
		// The error message is the client-facing rejection reason.
		return oopsErr.Error()
	case CodeModeratorProtected:
		return "Moderators cannot be banned"
	default:
		return "Something went wrong"
	}
}

// ErrorEvent builds the error event sent to the connection that triggered
// err. The room ID is recovered from the error context when present.
func ErrorEvent(err error) Event {
	payload := ErrorPayload{Message: ClientMessage(err)}
	if oopsErr, ok := oops.AsOops(err); ok {
		if chatID, ok := oopsErr.Context()["chat_id"].(int64); ok {
			payload.ChatID = RoomID(chatID)
		}
	}
	return Event{Name: EventError, Data: payload}
}
