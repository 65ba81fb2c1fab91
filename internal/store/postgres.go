// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package store provides PostgreSQL-backed storage for room membership,
// moderation state, and the message log.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"

	"github.com/roomcast/roomcast/internal/core"
)

// poolIface abstracts *pgxpool.Pool for testing with pgxmock.
type poolIface interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
	Close()
}

// Connect opens a connection pool and verifies it with a ping, retrying with
// exponential backoff so the service survives a database that is still
// coming up.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "create pool").Wrap(err)
	}

	backoff := retry.WithMaxRetries(5, retry.NewExponential(500*time.Millisecond))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if pingErr := pool.Ping(ctx); pingErr != nil {
			return retry.RetryableError(pingErr)
		}
		return nil
	})
	if err != nil {
		pool.Close()
		return nil, oops.Code("DB_CONNECT_FAILED").With("operation", "ping").Wrap(err)
	}

	return pool, nil
}

// Store implements core.MembershipStore and core.MessageLog on PostgreSQL.
type Store struct {
	pool poolIface
}

// NewStore creates a store over an open connection pool.
func NewStore(pool poolIface) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Check returns the membership tuple for a user in a room. A user with no
// chat_members row is simply not a member; that is not an error.
func (s *Store) Check(ctx context.Context, userID core.UserID, roomID core.RoomID) (core.Membership, error) {
	var m core.Membership
	err := s.pool.QueryRow(ctx,
		`SELECT is_moderator, is_banned, banned_at, banned_reason
		 FROM chat_members WHERE chat_id = $1 AND user_id = $2`,
		int64(roomID), int64(userID)).
		Scan(&m.IsModerator, &m.IsBanned, &m.BannedAt, &m.BannedReason)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Membership{}, nil
	}
	if err != nil {
		return core.Membership{}, oops.With("operation", "check membership").
			With("chat_id", int64(roomID)).
			With("user_id", int64(userID)).
			Wrap(err)
	}
	m.IsMember = true
	return m, nil
}

// RoomName returns the display name of a room.
func (s *Store) RoomName(ctx context.Context, roomID core.RoomID) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT name FROM chats WHERE id = $1`, int64(roomID)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", core.ErrRoomNotFound
	}
	if err != nil {
		return "", oops.With("operation", "room name").With("chat_id", int64(roomID)).Wrap(err)
	}
	return name, nil
}

// UserName returns the display name of a user.
func (s *Store) UserName(ctx context.Context, userID core.UserID) (string, error) {
	var name string
	err := s.pool.QueryRow(ctx,
		`SELECT username FROM users WHERE id = $1`, int64(userID)).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", core.ErrUserNotFound
	}
	if err != nil {
		return "", oops.With("operation", "user name").With("user_id", int64(userID)).Wrap(err)
	}
	return name, nil
}

// Ban marks a member banned with a timestamp and reason. Refuses moderators
// and unknown members. The moderator check and the update run as two
// statements; a concurrent promotion between them is accepted.
func (s *Store) Ban(ctx context.Context, roomID core.RoomID, userID core.UserID, reason string) error {
	m, err := s.Check(ctx, userID, roomID)
	if err != nil {
		return err
	}
	if !m.IsMember {
		return core.ErrNotMember(roomID)
	}
	if m.IsModerator {
		return core.ErrModeratorProtected(roomID, userID)
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE chat_members
		 SET is_banned = TRUE, banned_at = now(), banned_reason = $3
		 WHERE chat_id = $1 AND user_id = $2`,
		int64(roomID), int64(userID), reason)
	if err != nil {
		return oops.With("operation", "ban member").
			With("chat_id", int64(roomID)).
			With("user_id", int64(userID)).
			Wrap(err)
	}
	return nil
}

// Unban clears a member's ban flag and metadata.
func (s *Store) Unban(ctx context.Context, roomID core.RoomID, userID core.UserID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE chat_members
		 SET is_banned = FALSE, banned_at = NULL, banned_reason = ''
		 WHERE chat_id = $1 AND user_id = $2`,
		int64(roomID), int64(userID))
	if err != nil {
		return oops.With("operation", "unban member").
			With("chat_id", int64(roomID)).
			With("user_id", int64(userID)).
			Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return core.ErrNotMember(roomID)
	}
	return nil
}

// Append persists a message. The ID is a ULID generated here, so insertion
// order and ID order agree and history reads can sort by ID alone.
func (s *Store) Append(ctx context.Context, roomID core.RoomID, userID core.UserID, content string) (core.AppendResult, error) {
	id := core.NewULID()
	sentAt := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, chat_id, user_id, content, sent_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		id.String(), int64(roomID), int64(userID), content, sentAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.ForeignKeyViolation {
			return core.AppendResult{}, oops.With("chat_id", int64(roomID)).Wrap(core.ErrRoomNotFound)
		}
		return core.AppendResult{}, oops.With("operation", "append message").
			With("chat_id", int64(roomID)).
			Wrap(err)
	}

	return core.AppendResult{MessageID: id, SentAt: sentAt}, nil
}

// History returns up to limit most recent messages in a room, oldest first.
// user_id is NULL for messages whose author account was deleted.
func (s *Store) History(ctx context.Context, roomID core.RoomID, limit int) ([]core.Message, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, content, sent_at
		 FROM messages WHERE chat_id = $1
		 ORDER BY id DESC LIMIT $2`,
		int64(roomID), limit)
	if err != nil {
		return nil, oops.With("operation", "read history").With("chat_id", int64(roomID)).Wrap(err)
	}
	defer rows.Close()

	var messages []core.Message
	for rows.Next() {
		var (
			idStr  string
			userID *int64
			msg    core.Message
		)
		if err := rows.Scan(&idStr, &userID, &msg.Content, &msg.SentAt); err != nil {
			return nil, oops.With("operation", "scan history row").With("chat_id", int64(roomID)).Wrap(err)
		}
		msg.ID, err = core.ParseULID(idStr)
		if err != nil {
			return nil, oops.With("operation", "parse message id").
				With("chat_id", int64(roomID)).
				With("message_id", idStr).
				Wrap(err)
		}
		msg.RoomID = roomID
		if userID != nil {
			uid := core.UserID(*userID)
			msg.UserID = &uid
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, oops.With("operation", "iterate history").With("chat_id", int64(roomID)).Wrap(err)
	}

	// Query returns newest first; the protocol wants oldest first.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}
