// Package api implements the HTTP/WS surface (C8): a thin layer that
// validates inputs, resolves auth, and delegates to the session manager
// (C4) and aggregator (C7), proxying to HQ federation (C9) for sessions it
// doesn't own locally. Grounded on the teacher's internal/relay/server.go
// (stdlib http.ServeMux pattern routing, tracked-connection broadcast idiom
// for graceful shutdown).
package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/vibetunnel/vibetunnel/internal/aggregator"
	"github.com/vibetunnel/vibetunnel/internal/auth"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// Version is reported by GET /api/health.
const Version = "1.0.0"

// RemoteRouter lets C9 (HQ federation) handle sessions this process doesn't
// own locally, without api importing federation directly (federation's
// Registry satisfies this interface without importing api either).
type RemoteRouter interface {
	// ForwardHTTP proxies a REST request for sessionID to its owning remote.
	// Returns false if sessionID isn't a known remote session (caller falls
	// through to a local 404).
	ForwardHTTP(w http.ResponseWriter, r *http.Request, sessionID string) bool
	// BridgeWebSocket opens a matching WS to the owning remote and shuttles
	// frames both directions until either side closes (§4.9). Returns false
	// if sessionID isn't a known remote session.
	BridgeWebSocket(w http.ResponseWriter, r *http.Request, sessionID string) bool
	// RemoteSessions lists sessions owned by registered remotes; sessions of
	// a remote that is missing heartbeats are reported with Active false (§4.9).
	RemoteSessions() []session.Session
}

// Server is the HTTP/WS entry point.
type Server struct {
	manager  *session.Manager
	agg      *aggregator.Aggregator
	verifier auth.Verifier
	kv       *config.KVStore
	remote   RemoteRouter

	mux *http.ServeMux

	shuttingDown atomic.Bool

	connMu sync.Mutex
	conns  map[*websocket.Conn]struct{}
}

// NewServer builds the API server. remote may be nil (standalone mode).
func NewServer(manager *session.Manager, agg *aggregator.Aggregator, verifier auth.Verifier, kv *config.KVStore, remote RemoteRouter) *Server {
	if verifier == nil {
		verifier = auth.AllowAll{}
	}
	s := &Server{
		manager:  manager,
		agg:      agg,
		verifier: verifier,
		kv:       kv,
		remote:   remote,
		mux:      http.NewServeMux(),
		conns:    make(map[*websocket.Conn]struct{}),
	}
	s.registerRoutes()
	return s
}

// SetRemoteRouter replaces the RemoteRouter after construction.
// internal/app does not use it: it passes its federation.Registry to
// NewServer directly.
func (s *Server) SetRemoteRouter(r RemoteRouter) { s.remote = r }

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /api/health", s.withMiddleware(s.handleHealth))
	s.mux.HandleFunc("GET /api/sessions", s.withMiddleware(s.handleListSessions))
	s.mux.HandleFunc("POST /api/sessions", s.withMiddleware(s.handleCreateSession))
	s.mux.HandleFunc("GET /api/sessions/{id}", s.withMiddleware(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/sessions/{id}", s.withMiddleware(s.handleDeleteSession))
	s.mux.HandleFunc("POST /api/sessions/{id}/input", s.withMiddleware(s.handleInput))
	s.mux.HandleFunc("POST /api/sessions/{id}/resize", s.withMiddleware(s.handleResize))
	s.mux.HandleFunc("GET /api/sessions/{id}/stream", s.withStreamMiddleware(s.handleStream))

	s.mux.HandleFunc("POST /api/remotes", s.withMiddleware(s.handleRegisterRemote))
	s.mux.HandleFunc("POST /api/remotes/{name}/refresh-sessions", s.withMiddleware(s.handleRefreshRemoteSessions))

	s.mux.HandleFunc("GET /api/config", s.withMiddleware(s.handleGetConfig))
	s.mux.HandleFunc("PUT /api/config", s.withMiddleware(s.handlePutConfig))

	s.mux.HandleFunc("GET /ws/input/{id}", s.withStreamMiddleware(s.handleWSInput))
	s.mux.HandleFunc("GET /ws/buffers", s.withStreamMiddleware(s.handleWSBuffers))
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// BeginShutdown marks the server as draining; new requests and WS upgrades
// get 503, existing connections are left for the lifecycle package (C11) to
// close explicitly with status 1001.
func (s *Server) BeginShutdown() { s.shuttingDown.Store(true) }

// CloseAllSockets closes every tracked WebSocket with status 1001, for C11's
// shutdown drain.
func (s *Server) CloseAllSockets() {
	s.connMu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.Unlock()
	for _, c := range conns {
		c.Close(websocket.StatusGoingAway, "server shutting down")
	}
}

func (s *Server) trackConn(c *websocket.Conn) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrackConn(c *websocket.Conn) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

// NewHTTPServer builds a *http.Server wrapping s with the deadlines the
// teacher applies to its production listener.
func NewHTTPServer(addr string, s *Server) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
