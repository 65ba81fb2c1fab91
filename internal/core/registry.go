// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"sync"

	"github.com/oklog/ulid/v2"
)

// eventBufferSize is the outbound buffer per connection. A client that
// stops reading for this many events starts losing fan-out deliveries.
const eventBufferSize = 100

// Connection is the registry's record for one live transport session.
// Room is nil while the connection has not joined a room.
type Connection struct {
	ID       ulid.ULID
	UserID   UserID
	Username string
	Room     *RoomID
}

// InRoom reports whether the connection is currently in the given room.
func (c *Connection) InRoom(room RoomID) bool {
	return c.Room != nil && *c.Room == room
}

// copyConn returns a defensive copy so callers cannot mutate registry state.
func copyConn(c *Connection) *Connection {
	out := &Connection{
		ID:       c.ID,
		UserID:   c.UserID,
		Username: c.Username,
	}
	if c.Room != nil {
		room := *c.Room
		out.Room = &room
	}
	return out
}

type entry struct {
	conn Connection
	out  chan Event
}

// Registry is the single source of truth for who is online and where. It is
// the only shared mutable structure in the core; every operation takes the
// one mutex so fan-out snapshots never observe a connection mid-update.
type Registry struct {
	mu      sync.RWMutex
	entries map[ulid.ULID]*entry
}

// NewRegistry creates an empty connection registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[ulid.ULID]*entry),
	}
}

// Register adds a connection and returns its outbound event channel. Fails
// with DUPLICATE_CONNECTION if the ID is already present; the transport
// guarantees unique IDs, so that is a logic error, not a recoverable state.
func (r *Registry) Register(connID ulid.ULID, userID UserID, username string) (<-chan Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[connID]; exists {
		return nil, ErrDuplicateConnection(connID.String())
	}

	e := &entry{
		conn: Connection{ID: connID, UserID: userID, Username: username},
		out:  make(chan Event, eventBufferSize),
	}
	r.entries[connID] = e
	return e.out, nil
}

// Unregister removes a connection. Idempotent: returns the removed record,
// or nil if the connection was already gone. The outbound channel is never
// closed here; the owning reader simply stops draining it.
func (r *Registry) Unregister(connID ulid.ULID) *Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[connID]
	if !exists {
		return nil
	}
	delete(r.entries, connID)
	return copyConn(&e.conn)
}

// SetRoom updates the connection's current room. A nil room clears it.
// Fails with UNKNOWN_CONNECTION if the connection is absent.
func (r *Registry) SetRoom(connID ulid.ULID, room *RoomID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[connID]
	if !exists {
		return ErrUnknownConnection(connID.String())
	}
	if room == nil {
		e.conn.Room = nil
		return nil
	}
	v := *room
	e.conn.Room = &v
	return nil
}

// Get returns a copy of a connection's record, or nil if absent.
func (r *Registry) Get(connID ulid.ULID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[connID]
	if !exists {
		return nil
	}
	return copyConn(&e.conn)
}

// ListByRoom returns copies of all connections currently in the room.
// O(n) room scan; fine at chat-room scale.
func (r *Registry) ListByRoom(room RoomID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Connection
	for _, e := range r.entries {
		if e.conn.InRoom(room) {
			result = append(result, copyConn(&e.conn))
		}
	}
	return result
}

// ListByUser returns copies of all live connections belonging to a user.
func (r *Registry) ListByUser(userID UserID) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []*Connection
	for _, e := range r.entries {
		if e.conn.UserID == userID {
			result = append(result, copyConn(&e.conn))
		}
	}
	return result
}

// ListAll returns copies of every live connection.
func (r *Registry) ListAll() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Connection, 0, len(r.entries))
	for _, e := range r.entries {
		result = append(result, copyConn(&e.conn))
	}
	return result
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Rename rewrites the denormalized username on every connection of the user
// and returns how many connections were updated.
func (r *Registry) Rename(userID UserID, username string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	updated := 0
	for _, e := range r.entries {
		if e.conn.UserID == userID {
			e.conn.Username = username
			updated++
		}
	}
	return updated
}

// target pairs a connection ID with its outbound channel for delivery
// outside the registry lock.
type target struct {
	id  ulid.ULID
	out chan Event
}

// roomTargets snapshots the delivery targets for a room under the read
// lock. Delivery itself happens outside the lock.
func (r *Registry) roomTargets(room RoomID, exclude ulid.ULID) []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var targets []target
	for id, e := range r.entries {
		if id == exclude {
			continue
		}
		if e.conn.InRoom(room) {
			targets = append(targets, target{id: id, out: e.out})
		}
	}
	return targets
}

// allTargets snapshots every live connection's delivery target.
func (r *Registry) allTargets() []target {
	r.mu.RLock()
	defer r.mu.RUnlock()

	targets := make([]target, 0, len(r.entries))
	for id, e := range r.entries {
		targets = append(targets, target{id: id, out: e.out})
	}
	return targets
}

// oneTarget returns the delivery target for a single connection.
func (r *Registry) oneTarget(connID ulid.ULID) (target, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[connID]
	if !exists {
		return target{}, false
	}
	return target{id: connID, out: e.out}, true
}
