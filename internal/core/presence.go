// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import "sort"

// OnlineUsernames returns the distinct set of usernames with at least one
// live connection, sorted for stable payloads. Two connections from the
// same user count once. Computed fresh on every call; never cached.
func (r *Registry) OnlineUsernames() []string {
	r.mu.RLock()
	seen := make(map[string]struct{}, len(r.entries))
	for _, e := range r.entries {
		seen[e.conn.Username] = struct{}{}
	}
	r.mu.RUnlock()

	users := make([]string, 0, len(seen))
	for name := range seen {
		users = append(users, name)
	}
	sort.Strings(users)
	return users
}
