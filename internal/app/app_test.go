package app

import (
	"testing"

	"github.com/vibetunnel/vibetunnel/internal/auth"
	"github.com/vibetunnel/vibetunnel/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	return config.Config{
		Port:       0,
		Bind:       "127.0.0.1",
		ControlDir: t.TempDir(),
		LogLevel:   "error",
		NoAuth:     true,
	}
}

func TestNewWiresStandaloneApp(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Manager == nil || a.Watcher == nil || a.API == nil || a.HTTPServer == nil || a.Lifecycle == nil {
		t.Fatal("expected every component to be wired")
	}
	if a.registry == nil {
		t.Fatal("expected a standalone app to carry a federation.Registry")
	}
	if a.remote != nil {
		t.Fatal("expected no federation.Client in standalone mode")
	}
}

func TestNewWiresRemoteModeWhenHQConfigured(t *testing.T) {
	cfg := testConfig(t)
	cfg.HQURL = "http://hq.example.invalid:4020"
	cfg.RemoteName = "edge-1"
	cfg.HQAuth = "hq-token"

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.remote == nil {
		t.Fatal("expected a federation.Client when --hq and --name are both set")
	}
	if a.registry != nil {
		t.Fatal("expected no federation.Registry in remote mode")
	}
}

func TestNewDoesNotWireRemoteClientWithoutRemoteName(t *testing.T) {
	cfg := testConfig(t)
	cfg.HQURL = "http://hq.example.invalid:4020"

	a, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.remote != nil {
		t.Fatal("expected --hq alone (no --name) to not trigger remote mode")
	}
	if a.registry == nil {
		t.Fatal("expected a federation.Registry when remote mode isn't fully configured")
	}
}

func TestStopIsSafeWithoutStart(t *testing.T) {
	a, err := New(testConfig(t))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.Stop()
}

func TestResolveVerifierFallsBackToAllowAllWithoutToken(t *testing.T) {
	cfg := config.Config{NoAuth: false, AuthToken: ""}
	v := resolveVerifier(cfg)
	if v == nil {
		t.Fatal("expected a non-nil verifier")
	}
	if _, ok := v.(auth.AllowAll); !ok {
		t.Fatalf("expected auth.AllowAll, got %T", v)
	}
}

func TestResolveVerifierUsesBearerTokenWhenSet(t *testing.T) {
	cfg := config.Config{NoAuth: false, AuthToken: "secret"}
	v := resolveVerifier(cfg)
	if v == nil {
		t.Fatal("expected a non-nil verifier")
	}
	if b, ok := v.(auth.BearerToken); !ok || b.Token != "secret" {
		t.Fatalf("expected auth.BearerToken with the configured token, got %T", v)
	}
}
