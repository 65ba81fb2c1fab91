// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package auth

import (
	"context"
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// rowQuerier is the slice of pgxpool.Pool the verifier needs; pgxmock
// satisfies it too.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresVerifier resolves tokens against the sessions table.
type PostgresVerifier struct {
	pool rowQuerier
}

// NewPostgresVerifier creates a verifier over an open connection pool.
func NewPostgresVerifier(pool rowQuerier) *PostgresVerifier {
	return &PostgresVerifier{pool: pool}
}

// Verify looks up an unexpired session by token hash and returns the
// identity it belongs to.
func (v *PostgresVerifier) Verify(ctx context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, core.ErrUnauthorized()
	}

	var (
		userID   int64
		username string
	)
	err := v.pool.QueryRow(ctx,
		`SELECT u.id, u.username
		 FROM sessions s JOIN users u ON u.id = s.user_id
		 WHERE s.token_hash = $1 AND s.expires_at > now()`,
		HashToken(token)).Scan(&userID, &username)
	if errors.Is(err, pgx.ErrNoRows) {
		return Identity{}, core.ErrUnauthorized()
	}
	if err != nil {
		return Identity{}, oops.With("operation", "verify session").Wrap(err)
	}

	return Identity{UserID: core.UserID(userID), Username: username}, nil
}

// StaticVerifier is an in-memory Verifier for testing and local
// development. Tokens are stored in the clear; never use it in production.
type StaticVerifier struct {
	mu     sync.RWMutex
	tokens map[string]Identity
}

// NewStaticVerifier creates an empty static verifier.
func NewStaticVerifier() *StaticVerifier {
	return &StaticVerifier{tokens: make(map[string]Identity)}
}

// Add registers a token for an identity.
func (v *StaticVerifier) Add(token string, id Identity) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.tokens[token] = id
}

// Verify resolves a token added with Add.
func (v *StaticVerifier) Verify(_ context.Context, token string) (Identity, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	id, ok := v.tokens[token]
	if !ok {
		return Identity{}, core.ErrUnauthorized()
	}
	return id, nil
}
