// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package auth

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashToken returns the hex SHA-256 digest of a session token. Only the
// digest is stored; a database leak does not leak usable tokens.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
