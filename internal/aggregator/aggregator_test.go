package aggregator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/vibetunnel/vibetunnel/internal/session"
)

func newTestServer(t *testing.T, handler func(*websocket.Conn)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			t.Logf("accept error: %v", err)
			return
		}
		handler(conn)
	}))
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestSubscribeSendsInitialSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := session.NewManager(dir, notifierFunc{}, nil)
	agg := New(m)

	id, err := m.Create(session.CreateOpts{Command: []string{"sh", "-c", "sleep 1"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer m.Kill(id, 0)

	serverConnCh := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		serverConnCh <- conn
		<-time.After(2 * time.Second)
	})
	defer srv.Close()

	client := dial(t, srv)
	defer client.Close(websocket.StatusNormalClosure, "")

	serverConn := <-serverConnCh
	sub := NewSubscriber(serverConn)
	agg.Subscribe(sub, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	typ, data, err := client.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageBinary {
		t.Fatalf("expected binary snapshot frame, got %v", typ)
	}
	if len(data) == 0 || data[0] != frameMagic {
		t.Fatalf("expected frame to start with magic byte 0x%x, got %v", frameMagic, data)
	}

	if agg.RefCount(id) != 1 {
		t.Fatalf("expected ref count 1, got %d", agg.RefCount(id))
	}
	agg.Unsubscribe(sub, id)
	if agg.RefCount(id) != 0 {
		t.Fatalf("expected ref count 0 after unsubscribe, got %d", agg.RefCount(id))
	}
}

func TestNotifyExitSendsControlFrame(t *testing.T) {
	dir := t.TempDir()
	m := session.NewManager(dir, notifierFunc{}, nil)
	agg := New(m)

	id, err := m.Create(session.CreateOpts{Command: []string{"sh", "-c", "true"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		s, _ := m.Get(id)
		if s.Status == session.StatusExited {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	serverConnCh := make(chan *websocket.Conn, 1)
	srv := newTestServer(t, func(conn *websocket.Conn) {
		serverConnCh <- conn
		<-time.After(2 * time.Second)
	})
	defer srv.Close()

	client := dial(t, srv)
	defer client.Close(websocket.StatusNormalClosure, "")

	serverConn := <-serverConnCh
	sub := NewSubscriber(serverConn)
	agg.Subscribe(sub, id)

	// Drain the initial snapshot frame before triggering the exit push.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	client.Read(ctx)
	cancel()

	agg.NotifyExit(id)

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	typ, data, err := client.Read(ctx2)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if typ != websocket.MessageText || !strings.Contains(string(data), `"type":"exit"`) {
		t.Fatalf("expected JSON exit control frame, got type=%v data=%s", typ, data)
	}
}

type notifierFunc struct{}

func (notifierFunc) Notify(string)     {}
func (notifierFunc) NotifyExit(string) {}
