package api

import (
	"context"
	"net/http"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/apierr"
	"github.com/vibetunnel/vibetunnel/internal/logger"
)

// requestDeadline bounds ordinary JSON endpoints; streaming endpoints
// (SSE replay, WebSockets) opt out via withStreamMiddleware since they are
// expected to stay open indefinitely.
const requestDeadline = 30 * time.Second

// withMiddleware applies shutdown rejection, auth, a 30s deadline, and panic
// recovery, translated the way the teacher's gRPC recoveryUnary interceptor
// does but at the HTTP layer (§4.14).
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.withStreamMiddleware(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), requestDeadline)
		defer cancel()
		next(w, r.WithContext(ctx))
	})
}

// withStreamMiddleware applies the same guardrails without a request
// deadline, for SSE/WS handlers that hold the connection open.
func (s *Server) withStreamMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("api: panic recovered", "panic", rec, "path", r.URL.Path)
				apierr.WriteHTTP(w, apierr.New(apierr.Internal, "internal error"))
			}
		}()

		if s.shuttingDown.Load() {
			apierr.WriteHTTP(w, apierr.New(apierr.ServerShuttingDown, "server is shutting down"))
			return
		}
		if !s.verifier.Allow(r) {
			apierr.WriteHTTP(w, apierr.New(apierr.Unauthorized, "unauthorized"))
			return
		}
		next(w, r)
	}
}
