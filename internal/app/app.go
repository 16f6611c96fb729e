// Package app wires the components (C1-C11) into a single running server,
// the way the teacher's internal/relay.Server is the central struct
// cmd/wt/serve.go constructs and drives. Boot order and mode selection are
// this package's job; each component stays ignorant of the others beyond
// the narrow interfaces they already accept.
package app

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/activity"
	"github.com/vibetunnel/vibetunnel/internal/aggregator"
	"github.com/vibetunnel/vibetunnel/internal/api"
	"github.com/vibetunnel/vibetunnel/internal/auth"
	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/controldir"
	"github.com/vibetunnel/vibetunnel/internal/federation"
	"github.com/vibetunnel/vibetunnel/internal/lifecycle"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// shutdownGrace matches §4.11's "completes in-flight requests within a 10s grace".
const shutdownGrace = 10 * time.Second

// App holds every wired component for one running server process.
type App struct {
	Config  config.Config
	Manager *session.Manager

	Watcher    *controldir.Watcher
	API        *api.Server
	HTTPServer *http.Server
	Lifecycle  *lifecycle.Coordinator

	registry *federation.Registry // nil only in remote mode
	remote   *federation.Client   // set only in remote mode
}

// New constructs and wires every component per cfg, but starts nothing.
func New(cfg config.Config) (*App, error) {
	level := cfg.LogLevel
	if cfg.Debug {
		level = "debug"
	}
	if err := logger.Init(level, ""); err != nil {
		return nil, fmt.Errorf("app: init logger: %w", err)
	}
	if cfg.Debug {
		logger.Log = logger.Log.With("debug", true)
	}

	if err := os.MkdirAll(cfg.ControlDir, 0o755); err != nil {
		return nil, fmt.Errorf("app: create control dir: %w", err)
	}

	detector := activity.NewDetector()

	// Aggregator (C7) is constructed against the manager but the manager
	// also needs the aggregator as its Notifier — built via a two-step tie
	// identical in shape to the teacher's egg/relay wiring, where the
	// broadcaster and the session table reference each other by id lookup
	// rather than a direct cyclic pointer (§9).
	manager := session.NewManager(cfg.ControlDir, nil, detector)
	agg := aggregator.New(manager)
	manager.SetNotifier(agg)

	watcher := controldir.New(cfg.ControlDir, manager)

	kvPath := filepath.Join(filepath.Dir(cfg.ControlDir), "vibetunneld.yaml")
	kv, err := config.NewKVStore(kvPath)
	if err != nil {
		return nil, fmt.Errorf("app: load config store: %w", err)
	}

	verifier := resolveVerifier(cfg)

	// §4.9 names three modes (standalone/HQ/remote) but only remote mode has
	// its own boot flags (--hq URL --hq-token T --name NAME): a server never
	// declares itself "the HQ" up front, it simply accepts POST /api/remotes
	// from whichever remotes are configured to point at it (see DESIGN.md).
	// So every non-remote boot wires a federation.Registry unconditionally;
	// it just never receives a registration if nothing points at it.
	var remoteRouter api.RemoteRouter
	var registry *federation.Registry
	var remoteClient *federation.Client

	if cfg.HQURL != "" && cfg.RemoteName != "" {
		selfURL := fmt.Sprintf("http://%s:%d", cfg.Bind, cfg.Port)
		remoteClient = federation.NewClient(cfg.HQURL, cfg.RemoteName, cfg.HQAuth, selfURL)
	} else {
		registry = federation.NewRegistry()
		remoteRouter = registry
	}

	apiSrv := api.NewServer(manager, agg, verifier, kv, remoteRouter)
	httpSrv := api.NewHTTPServer(fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port), apiSrv)

	coord := lifecycle.NewCoordinator(apiSrv, manager, shutdownGrace)
	if remoteClient != nil {
		coord.SetRemote(remoteClient)
		watcher.SetOnLocalChange(remoteClient.TriggerSync)
	}

	return &App{
		Config:     cfg,
		Manager:    manager,
		Watcher:    watcher,
		API:        apiSrv,
		HTTPServer: httpSrv,
		Lifecycle:  coord,
		registry:   registry,
		remote:     remoteClient,
	}, nil
}

// Start launches the background components (watcher, remote registration)
// that must run before HTTP traffic is served. The HTTP listener itself is
// driven separately via a.Lifecycle.Run, so callers can intercept signals
// around it.
func (a *App) Start() error {
	if err := a.Watcher.Start(); err != nil {
		return fmt.Errorf("app: start control-dir watcher: %w", err)
	}
	if a.remote != nil {
		if err := a.remote.Start(context.Background()); err != nil {
			a.Watcher.Stop()
			return fmt.Errorf("app: register with HQ: %w", err)
		}
	}
	return nil
}

// Stop halts the background components started by Start. Draining the HTTP
// server itself is lifecycle.Coordinator's job (called separately so the
// CLI layer controls exactly when that happens relative to signal receipt).
func (a *App) Stop() {
	a.Watcher.Stop()
	if a.registry != nil {
		a.registry.Stop()
	}
}

func resolveVerifier(cfg config.Config) auth.Verifier {
	if cfg.NoAuth {
		return auth.AllowAll{}
	}
	if cfg.AuthToken == "" {
		logger.Warn("no VIBETUNNEL_AUTH_TOKEN set and --no-auth not passed; allowing all requests")
		return auth.AllowAll{}
	}
	return auth.BearerToken{Token: cfg.AuthToken}
}
