// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// ErrRoomNotFound is returned when a room does not exist.
var ErrRoomNotFound = errors.New("room not found")

// ErrUserNotFound is returned when a user does not exist.
var ErrUserNotFound = errors.New("user not found")

// Membership is the persistent member/moderator/ban tuple for one user in
// one room. A user who was never added to the room has the zero value
// (IsMember false).
type Membership struct {
	IsMember     bool
	IsModerator  bool
	IsBanned     bool
	BannedAt     *time.Time
	BannedReason string
}

// MembershipStore answers membership and ban questions against persistent
// storage and applies moderation mutations. Calls may block on I/O and must
// never be made while holding the registry lock.
type MembershipStore interface {
	// Check returns the membership tuple for a user in a room.
	Check(ctx context.Context, userID UserID, roomID RoomID) (Membership, error)

	// RoomName returns the display name of a room, or ErrRoomNotFound.
	RoomName(ctx context.Context, roomID RoomID) (string, error)

	// UserName returns the display name of a user, or ErrUserNotFound.
	// Used when a moderation broadcast must name a user with no live
	// connection.
	UserName(ctx context.Context, userID UserID) (string, error)

	// Ban marks a member banned with metadata. Must refuse moderators.
	Ban(ctx context.Context, roomID RoomID, userID UserID, reason string) error

	// Unban clears a member's ban flag and metadata.
	Unban(ctx context.Context, roomID RoomID, userID UserID) error
}

// AppendResult is the durable identity of a stored message.
type AppendResult struct {
	MessageID ulid.ULID
	SentAt    time.Time
}

// Message is one persisted chat message. UserID is nil when the author
// account was deleted; history must survive author deletion.
type Message struct {
	ID      ulid.ULID
	RoomID  RoomID
	UserID  *UserID
	Content string
	SentAt  time.Time
}

// MessageLog durably appends chat messages before fan-out and serves
// history reads. Message ID order is the authoritative history order.
type MessageLog interface {
	// Append persists a message and returns its ID and server timestamp.
	Append(ctx context.Context, roomID RoomID, userID UserID, content string) (AppendResult, error)

	// History returns up to limit most recent messages in a room, oldest
	// first.
	History(ctx context.Context, roomID RoomID, limit int) ([]Message, error)
}

// MemoryMembershipStore is an in-memory MembershipStore for testing.
// SetCheckErr injects a failure into subsequent Check calls.
type MemoryMembershipStore struct {
	mu       sync.RWMutex
	rooms    map[RoomID]string
	users    map[UserID]string
	members  map[RoomID]map[UserID]*Membership
	checkErr error
}

// NewMemoryMembershipStore creates an empty in-memory membership store.
func NewMemoryMembershipStore() *MemoryMembershipStore {
	return &MemoryMembershipStore{
		rooms:   make(map[RoomID]string),
		users:   make(map[UserID]string),
		members: make(map[RoomID]map[UserID]*Membership),
	}
}

// AddRoom registers a room with a display name.
func (s *MemoryMembershipStore) AddRoom(roomID RoomID, name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rooms[roomID] = name
	if s.members[roomID] == nil {
		s.members[roomID] = make(map[UserID]*Membership)
	}
}

// AddUser registers a user's display name.
func (s *MemoryMembershipStore) AddUser(userID UserID, username string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = username
}

// SetCheckErr makes subsequent Check calls fail with err. Pass nil to
// restore normal operation.
func (s *MemoryMembershipStore) SetCheckErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkErr = err
}

// AddMember adds a user to a room.
func (s *MemoryMembershipStore) AddMember(roomID RoomID, userID UserID, moderator bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.members[roomID] == nil {
		s.members[roomID] = make(map[UserID]*Membership)
	}
	s.members[roomID][userID] = &Membership{IsMember: true, IsModerator: moderator}
}

// Check returns the membership tuple for a user in a room.
func (s *MemoryMembershipStore) Check(_ context.Context, userID UserID, roomID RoomID) (Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.checkErr != nil {
		return Membership{}, s.checkErr
	}
	m, exists := s.members[roomID][userID]
	if !exists {
		return Membership{}, nil
	}
	return *m, nil
}

// RoomName returns the display name of a room.
func (s *MemoryMembershipStore) RoomName(_ context.Context, roomID RoomID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, exists := s.rooms[roomID]
	if !exists {
		return "", ErrRoomNotFound
	}
	return name, nil
}

// UserName returns the display name of a user.
func (s *MemoryMembershipStore) UserName(_ context.Context, userID UserID) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name, exists := s.users[userID]
	if !exists {
		return "", ErrUserNotFound
	}
	return name, nil
}

// Ban marks a member banned. Refuses moderators.
func (s *MemoryMembershipStore) Ban(_ context.Context, roomID RoomID, userID UserID, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.members[roomID][userID]
	if !exists {
		return ErrNotMember(roomID)
	}
	if m.IsModerator {
		return ErrModeratorProtected(roomID, userID)
	}
	now := time.Now()
	m.IsBanned = true
	m.BannedAt = &now
	m.BannedReason = reason
	return nil
}

// Unban clears a member's ban flag and metadata.
func (s *MemoryMembershipStore) Unban(_ context.Context, roomID RoomID, userID UserID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, exists := s.members[roomID][userID]
	if !exists {
		return ErrNotMember(roomID)
	}
	m.IsBanned = false
	m.BannedAt = nil
	m.BannedReason = ""
	return nil
}

// MemoryMessageLog is an in-memory MessageLog for testing. SetAppendErr
// injects a failure into the next Append calls.
type MemoryMessageLog struct {
	mu        sync.RWMutex
	messages  map[RoomID][]Message
	appendErr error
}

// NewMemoryMessageLog creates an empty in-memory message log.
func NewMemoryMessageLog() *MemoryMessageLog {
	return &MemoryMessageLog{
		messages: make(map[RoomID][]Message),
	}
}

// SetAppendErr makes subsequent Append calls fail with err. Pass nil to
// restore normal operation.
func (l *MemoryMessageLog) SetAppendErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr = err
}

// Append persists a message in memory.
func (l *MemoryMessageLog) Append(_ context.Context, roomID RoomID, userID UserID, content string) (AppendResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.appendErr != nil {
		return AppendResult{}, l.appendErr
	}

	uid := userID
	msg := Message{
		ID:      NewULID(),
		RoomID:  roomID,
		UserID:  &uid,
		Content: content,
		SentAt:  time.Now(),
	}
	l.messages[roomID] = append(l.messages[roomID], msg)
	return AppendResult{MessageID: msg.ID, SentAt: msg.SentAt}, nil
}

// History returns up to limit most recent messages, oldest first.
func (l *MemoryMessageLog) History(_ context.Context, roomID RoomID, limit int) ([]Message, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	msgs := l.messages[roomID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	result := make([]Message, len(msgs))
	copy(result, msgs)
	return result, nil
}

// Count returns the number of stored messages for a room.
func (l *MemoryMessageLog) Count(roomID RoomID) int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages[roomID])
}
