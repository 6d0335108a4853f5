// Package server exposes a session to local presentation clients: health
// and readiness probes, the current snapshot, mode switching and a
// WebSocket stream of snapshots.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/e7canasta/expression-client/internal/core"
	"github.com/e7canasta/expression-client/internal/types"
)

// Session is the part of *core.Session the bridge needs.
type Session interface {
	Snapshot() core.Snapshot
	Subscribe() (<-chan core.Snapshot, func())
	SetMode(ctx context.Context, mode types.Mode) error
}

// Server is the presentation bridge.
type Server struct {
	session Session
	started time.Time
	hub     *hub

	httpServer *http.Server
	listener   net.Listener
}

// New creates a bridge for session listening on addr (e.g. ":8090").
func New(addr string, session Session) (*Server, error) {
	if session == nil {
		return nil, fmt.Errorf("server: session is required")
	}
	if addr == "" {
		return nil, fmt.Errorf("server: listen address is required")
	}

	s := &Server{
		session: session,
		started: time.Now(),
		hub:     newHub(session),
	}
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.Handler(),
		ReadTimeout: 5 * time.Second,
		// No WriteTimeout: hijacked WebSocket connections manage their own deadlines.
		IdleTimeout: 60 * time.Second,
	}
	return s, nil
}

// Handler returns the bridge routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/readiness", s.handleReadiness)
	mux.HandleFunc("/state", s.handleState)
	mux.HandleFunc("/mode", s.handleMode)
	mux.HandleFunc("/ws", s.hub.serveWS)
	return mux
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.httpServer.Addr, err)
	}
	s.listener = ln

	slog.Info("server: presentation bridge listening",
		"addr", ln.Addr().String(),
		"endpoints", []string{"/healthz", "/readiness", "/state", "/mode", "/ws"},
	)

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server: presentation bridge failed", "error", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Shutdown stops accepting requests and closes WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	s.hub.closeAll()
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	slog.Info("server: presentation bridge stopped")
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": int64(time.Since(s.started).Seconds()),
	})
}

// handleReadiness answers 200 only while frames can be processed.
func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	snap := s.session.Snapshot()
	status := http.StatusOK
	if !snap.Ready() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, snap.Connection)
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.session.Snapshot())
}

type modeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var req modeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := types.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.session.SetMode(r.Context(), mode); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, core.ErrNotRunning) {
			status = http.StatusServiceUnavailable
		}
		writeError(w, status, err.Error())
		return
	}

	slog.Info("server: mode changed", "mode", mode, "remote", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]any{"mode": mode})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("server: write response failed", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
