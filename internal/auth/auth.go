// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package auth resolves session tokens to authenticated identities.
package auth

import (
	"context"

	"github.com/roomcast/roomcast/internal/core"
)

// Identity is an authenticated user as seen by the gateway.
type Identity struct {
	UserID   core.UserID
	Username string
}

// Verifier resolves a session token to an identity. A failed verification
// returns an UNAUTHORIZED coded error; the connection attempt must be
// rejected before it reaches the registry.
type Verifier interface {
	Verify(ctx context.Context, token string) (Identity, error)
}
