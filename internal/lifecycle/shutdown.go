// Package lifecycle implements graceful shutdown (C11): on SIGTERM/SIGINT,
// stop accepting new work, drain what's in flight within a grace period,
// and exit without killing any child PTY. Grounded on the teacher's
// cmd/wt/serve.go (signal.NotifyContext + select{ctx.Done, errCh}) and
// internal/relay/server.go's GracefulShutdown (broadcast-close-then-Shutdown).
package lifecycle

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/vibetunnel/vibetunnel/internal/logger"
)

// apiDrainer is the subset of api.Server the coordinator drives.
type apiDrainer interface {
	BeginShutdown()
	CloseAllSockets()
}

// flusher is the subset of session.Manager the coordinator drives.
type flusher interface {
	FlushAll()
}

// remoteSuppressor is the subset of federation.Client the coordinator wires
// up so remote-notification failures during drain stay quiet (§4.11).
type remoteSuppressor interface {
	SetShuttingDown(fn func() bool)
}

// Coordinator owns the shutdown sequence. Construct once at boot; call
// SetRemote only when running in federation.ModeRemote.
type Coordinator struct {
	api     apiDrainer
	manager flusher
	grace   time.Duration

	draining atomic.Bool
}

// NewCoordinator builds a shutdown coordinator with the given drain grace
// period (§4.11: "completes in-flight requests within a 10s grace").
func NewCoordinator(api apiDrainer, manager flusher, grace time.Duration) *Coordinator {
	return &Coordinator{api: api, manager: manager, grace: grace}
}

// SetRemote wires a remote-mode federation client so it suppresses noisy
// re-registration-failure logs once a drain has started.
func (c *Coordinator) SetRemote(r remoteSuppressor) {
	r.SetShuttingDown(c.draining.Load)
}

// IsShuttingDown reports whether a drain has begun.
func (c *Coordinator) IsShuttingDown() bool { return c.draining.Load() }

// NotifyContext returns a context cancelled on SIGINT/SIGTERM, the signal
// set the teacher's serve command listens for.
func NotifyContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// Run serves httpSrv until ctx is cancelled or ListenAndServe itself fails,
// then drains. Mirrors the teacher's serveCmd select{ctx.Done, errCh}.
func (c *Coordinator) Run(ctx context.Context, httpSrv *http.Server) error {
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return c.Shutdown(httpSrv)
	case err := <-errCh:
		return err
	}
}

// Shutdown runs the drain sequence directly, for callers that manage their
// own serve loop instead of using Run.
func (c *Coordinator) Shutdown(httpSrv *http.Server) error {
	c.draining.Store(true)
	c.api.BeginShutdown()

	deadline := time.Now().Add(c.grace)
	logger.Info("shutdown: draining", "forced deadline", humanize.Time(deadline))

	c.api.CloseAllSockets()
	c.manager.FlushAll()

	drainCtx, cancel := context.WithTimeout(context.Background(), c.grace)
	defer cancel()
	if err := httpSrv.Shutdown(drainCtx); err != nil {
		return err
	}
	logger.Info("shutdown: complete")
	return nil
}
