// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package gateway

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newRequest(t *testing.T, authorization string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, "/ws", nil)
	if authorization != "" {
		r.Header.Set("Authorization", authorization)
	}
	return r
}

func TestLimiter_Burst(t *testing.T) {
	l := newLimiter()
	now := time.Now()

	for i := 0; i < rateBurst; i++ {
		assert.True(t, l.allow(now), "message %d within burst should pass", i)
	}
	assert.False(t, l.allow(now), "message beyond burst should be dropped")
}

func TestLimiter_Refill(t *testing.T) {
	l := newLimiter()
	now := time.Now()

	for i := 0; i < rateBurst; i++ {
		l.allow(now)
	}
	assert.False(t, l.allow(now))

	// One refill interval restores one token.
	assert.True(t, l.allow(now.Add(rateRefill)))
}

func TestLimiter_RefillCapped(t *testing.T) {
	l := newLimiter()
	now := time.Now()

	// A long idle period must not accumulate more than the burst.
	l.allow(now)
	later := now.Add(time.Hour)
	for i := 0; i < rateBurst; i++ {
		assert.True(t, l.allow(later.Add(time.Duration(i))), "message %d", i)
	}
	assert.False(t, l.allow(later.Add(rateBurst)))
}

func TestBearerToken(t *testing.T) {
	// Covered indirectly by server tests via the query parameter; this
	// exercises the header path.
	r := newRequest(t, "Bearer tok-123")
	assert.Equal(t, "tok-123", bearerToken(r))

	r = newRequest(t, "")
	r.URL.RawQuery = "token=tok-456"
	assert.Equal(t, "tok-456", bearerToken(r))

	r = newRequest(t, "Basic xyz")
	assert.Equal(t, "", bearerToken(r))
}
