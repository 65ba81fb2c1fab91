// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package gateway provides the WebSocket protocol adapter.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
)

// Server is the WebSocket server. Each accepted connection is authenticated
// at upgrade time and then handled by its own client loop.
type Server struct {
	addr     string
	service  *core.Service
	verifier auth.Verifier
	upgrader websocket.Upgrader
	listener net.Listener
	mu       sync.RWMutex
}

// NewServer creates a new WebSocket server.
func NewServer(addr string, service *core.Service, verifier auth.Verifier) *Server {
	return &Server{
		addr:     addr,
		service:  service,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browsers connect from the app origin; cross-origin access is
			// governed by the session token, not the Origin header.
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Addr returns the server's listen address.
func (s *Server) Addr() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Run starts the server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		s.handleWS(ctx, w, r)
	})

	httpSrv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("websocket server started", "addr", listener.Addr())

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Debug("error shutting down websocket server", "error", err)
		}
	}()

	if err := httpSrv.Serve(listener); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("websocket server failed: %w", err)
	}
	return nil
}

// handleWS authenticates and upgrades one connection. Authentication happens
// before the upgrade so a rejected client gets a plain 401 and never touches
// the registry.
func (s *Server) handleWS(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	identity, err := s.verifier.Verify(r.Context(), bearerToken(r))
	if err != nil {
		slog.Warn("rejected unauthenticated connection", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := newClient(conn, s.service, identity)
	go client.run(ctx)
}

// bearerToken extracts the session token from the Authorization header or,
// for browser WebSocket clients that cannot set headers, the token query
// parameter.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, found := strings.CutPrefix(h, "Bearer "); found {
			return token
		}
	}
	return r.URL.Query().Get("token")
}
