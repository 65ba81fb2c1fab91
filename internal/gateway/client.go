// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/pkg/errutil"
)

const (
	// writeWait is the deadline for a single outbound write.
	writeWait = 10 * time.Second

	// pongWait is how long a connection may stay silent before it is
	// considered dead. pingPeriod must be shorter so pings go out in time.
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10

	maxMessageSize = 4096

	// Inbound rate limit: a client gets a burst allowance that refills
	// continuously. Excess messages are dropped, not fatal.
	rateBurst  = 10
	rateRefill = 200 * time.Millisecond
)

// envelope is the wire frame in both directions: an event name plus its
// payload.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

type outEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type joinPayload struct {
	ChatID int64 `json:"chat_id"`
}

type sendMessagePayload struct {
	ChatID  int64  `json:"chat_id"`
	Message string `json:"message"`
}

type typingPayload struct {
	IsTyping bool `json:"isTyping"`
}

type updateUsernamePayload struct {
	Username string `json:"username"`
}

// limiter is a per-connection token bucket for inbound messages.
type limiter struct {
	tokens float64
	last   time.Time
}

func newLimiter() *limiter {
	return &limiter{tokens: rateBurst, last: time.Now()}
}

// allow consumes one token if available, refilling by elapsed time.
func (l *limiter) allow(now time.Time) bool {
	l.tokens += float64(now.Sub(l.last)) / float64(rateRefill)
	if l.tokens > rateBurst {
		l.tokens = rateBurst
	}
	l.last = now
	if l.tokens < 1 {
		return false
	}
	l.tokens--
	return true
}

// client handles a single WebSocket connection. All writes happen from the
// run loop; gorilla connections allow only one concurrent writer.
type client struct {
	conn     *websocket.Conn
	service  *core.Service
	identity auth.Identity
	connID   ulid.ULID
	limit    *limiter
}

func newClient(conn *websocket.Conn, service *core.Service, identity auth.Identity) *client {
	return &client{
		conn:     conn,
		service:  service,
		identity: identity,
		connID:   core.NewULID(),
		limit:    newLimiter(),
	}
}

// run processes the connection until it closes.
func (c *client) run(ctx context.Context) {
	defer func() {
		c.service.Disconnect(ctx, c.connID)
		if err := c.conn.Close(); err != nil {
			slog.Debug("error closing websocket", "conn_id", c.connID.String(), "error", err)
		}
	}()

	events, err := c.service.Connect(ctx, c.connID, c.identity.UserID, c.identity.Username)
	if err != nil {
		errutil.LogError(slog.With("conn_id", c.connID.String()),
			"connection registration failed", err)
		return
	}

	c.conn.SetReadLimit(maxMessageSize)
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		slog.Debug("failed to set read deadline", "conn_id", c.connID.String(), "error", err)
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Channels for frames read from the connection. errCh is buffered so
	// the reader can park its final error and exit even after the run loop
	// has returned; done covers the frame hand-off for the same case.
	inCh := make(chan envelope)
	errCh := make(chan error, 1)
	done := make(chan struct{})
	defer close(done)

	go func() {
		for {
			var env envelope
			if err := c.conn.ReadJSON(&env); err != nil {
				errCh <- err
				return
			}
			select {
			case inCh <- env:
			case <-done:
				return
			}
		}
	}()

	pings := time.NewTicker(pingPeriod)
	defer pings.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case err := <-errCh:
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) &&
				!errors.Is(err, context.Canceled) {
				slog.Debug("websocket read error",
					"conn_id", c.connID.String(),
					"error", err,
				)
			}
			return

		case env := <-inCh:
			if !c.limit.allow(time.Now()) {
				slog.Warn("inbound message rate limited",
					"conn_id", c.connID.String(),
					"event", env.Event,
				)
				continue
			}
			c.dispatch(ctx, env)

		case event, ok := <-events:
			if !ok {
				return
			}
			c.writeEvent(event)

		case <-pings.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				slog.Debug("ping failed", "conn_id", c.connID.String(), "error", err)
				return
			}
		}
	}
}

// dispatch routes one inbound frame to the session protocol. Business-rule
// failures are reported to this connection only; nothing here terminates it.
func (c *client) dispatch(ctx context.Context, env envelope) {
	switch env.Event {
	case "join":
		var p joinPayload
		if !c.decode(env, &p) {
			return
		}
		if p.ChatID == 0 {
			slog.Warn("join without chat_id",
				"conn_id", c.connID.String(),
				"username", c.identity.Username,
			)
			return
		}
		if err := c.service.Join(ctx, c.connID, core.RoomID(p.ChatID)); err != nil {
			c.writeEvent(core.ErrorEvent(err))
		}

	case "leave":
		var p joinPayload
		if !c.decode(env, &p) {
			return
		}
		if err := c.service.Leave(ctx, c.connID, core.RoomID(p.ChatID)); err != nil {
			c.writeEvent(core.ErrorEvent(err))
		}

	case "send_message":
		var p sendMessagePayload
		if !c.decode(env, &p) {
			return
		}
		if err := c.service.SendMessage(ctx, c.connID, core.RoomID(p.ChatID), p.Message); err != nil {
			c.writeEvent(core.ErrorEvent(err))
		}

	case "typing":
		var p typingPayload
		if !c.decode(env, &p) {
			return
		}
		c.service.Typing(ctx, c.connID, p.IsTyping)

	case "get_online_users":
		c.service.OnlineUsers(c.connID)

	case "update_username":
		var p updateUsernamePayload
		if !c.decode(env, &p) {
			return
		}
		if err := c.service.UpdateUsername(ctx, c.connID, p.Username); err != nil {
			if core.HasCode(err, core.CodeInvalidUsername) {
				c.writeEvent(core.Event{
					Name: core.EventUsernameError,
					Data: core.UsernameErrorPayload{Error: core.ClientMessage(err)},
				})
				return
			}
			c.writeEvent(core.ErrorEvent(err))
		}

	default:
		slog.Debug("unknown inbound event",
			"conn_id", c.connID.String(),
			"event", env.Event,
		)
	}
}

// decode unmarshals an inbound payload, reporting a malformed frame to the
// sender.
func (c *client) decode(env envelope, v any) bool {
	if len(env.Data) == 0 {
		return true
	}
	if err := json.Unmarshal(env.Data, v); err != nil {
		slog.Debug("malformed inbound payload",
			"conn_id", c.connID.String(),
			"event", env.Event,
			"error", err,
		)
		c.writeEvent(core.Event{
			Name: core.EventError,
			Data: core.ErrorPayload{Message: "Malformed request"},
		})
		return false
	}
	return true
}

// writeEvent marshals and sends one outbound event frame.
func (c *client) writeEvent(event core.Event) {
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		slog.Debug("failed to set write deadline", "conn_id", c.connID.String(), "error", err)
	}
	if err := c.conn.WriteJSON(outEnvelope{Event: string(event.Name), Data: event.Data}); err != nil {
		slog.Debug("failed to write event",
			"conn_id", c.connID.String(),
			"event", string(event.Name),
			"error", err,
		)
	}
}
