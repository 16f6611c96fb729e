package lifecycle

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"
)

type fakeAPI struct {
	began  bool
	closed bool
}

func (f *fakeAPI) BeginShutdown()   { f.began = true }
func (f *fakeAPI) CloseAllSockets() { f.closed = true }

type fakeManager struct{ flushed bool }

func (f *fakeManager) FlushAll() { f.flushed = true }

type fakeRemote struct{ fn func() bool }

func (f *fakeRemote) SetShuttingDown(fn func() bool) { f.fn = fn }

func newTestServer(t *testing.T) (*http.Server, net.Listener) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	return &http.Server{Handler: http.NewServeMux()}, ln
}

func TestShutdownDrainsAndMarksDraining(t *testing.T) {
	api := &fakeAPI{}
	mgr := &fakeManager{}
	c := NewCoordinator(api, mgr, 2*time.Second)

	httpSrv, ln := newTestServer(t)
	go httpSrv.Serve(ln)

	if c.IsShuttingDown() {
		t.Fatal("expected not draining before Shutdown")
	}
	if err := c.Shutdown(httpSrv); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !api.began || !api.closed {
		t.Fatal("expected BeginShutdown and CloseAllSockets to be called")
	}
	if !mgr.flushed {
		t.Fatal("expected FlushAll to be called")
	}
	if !c.IsShuttingDown() {
		t.Fatal("expected draining to be true after Shutdown")
	}
}

func TestSetRemoteWiresShuttingDownPredicate(t *testing.T) {
	api := &fakeAPI{}
	mgr := &fakeManager{}
	c := NewCoordinator(api, mgr, time.Second)
	r := &fakeRemote{}
	c.SetRemote(r)

	if r.fn == nil {
		t.Fatal("expected SetShuttingDown to be called with a predicate")
	}
	if r.fn() {
		t.Fatal("expected the predicate to report false before any shutdown")
	}
	httpSrv, ln := newTestServer(t)
	go httpSrv.Serve(ln)
	c.Shutdown(httpSrv)
	if !r.fn() {
		t.Fatal("expected the predicate to report true once draining has started")
	}
}

func TestRunReturnsOnContextCancel(t *testing.T) {
	api := &fakeAPI{}
	mgr := &fakeManager{}
	c := NewCoordinator(api, mgr, time.Second)

	httpSrv := &http.Server{Addr: "127.0.0.1:0", Handler: http.NewServeMux()}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	if err := c.Run(ctx, httpSrv); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !api.began {
		t.Fatal("expected a drain to have been triggered by context cancellation")
	}
}
