// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/roomcast/roomcast/internal/observability"
)

// Fanout delivers events to live connections. Delivery is fire-and-forget:
// a send is attempted while the connection is known live, never retried or
// acknowledged. The registry snapshot is taken under the lock; the sends
// happen outside it.
type Fanout struct {
	registry *Registry
}

// NewFanout creates a fan-out engine over the given registry.
func NewFanout(registry *Registry) *Fanout {
	return &Fanout{registry: registry}
}

// ToRoom delivers an event to every connection currently in the room,
// skipping exclude if non-zero. Returns the number of deliveries attempted
// successfully.
func (f *Fanout) ToRoom(room RoomID, event Event, exclude ulid.ULID) int {
	return f.deliver(f.registry.roomTargets(room, exclude), event)
}

// ToAll delivers an event to every live connection. Used for global
// presence and username-change events only.
func (f *Fanout) ToAll(event Event) int {
	return f.deliver(f.registry.allTargets(), event)
}

// Unicast delivers an event to exactly one connection. Returns false if the
// connection is not registered or its buffer is full.
func (f *Fanout) Unicast(connID ulid.ULID, event Event) bool {
	t, ok := f.registry.oneTarget(connID)
	if !ok {
		return false
	}
	return f.send(t, event)
}

func (f *Fanout) deliver(targets []target, event Event) int {
	delivered := 0
	for _, t := range targets {
		if f.send(t, event) {
			delivered++
		}
	}
	return delivered
}

// send attempts a non-blocking delivery. A full buffer means the client has
// stopped reading; the event is dropped rather than blocking the sender.
func (f *Fanout) send(t target, event Event) bool {
	select {
	case t.out <- event:
		observability.RecordEventDelivered(string(event.Name))
		return true
	default:
		slog.Warn("event dropped: connection buffer full",
			"conn_id", t.id.String(),
			"event", string(event.Name),
		)
		observability.RecordEventDropped(string(event.Name))
		return false
	}
}
