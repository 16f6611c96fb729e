package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/aggregator"
	"github.com/vibetunnel/vibetunnel/internal/auth"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

type noopNotifier struct{}

func (noopNotifier) Notify(string)     {}
func (noopNotifier) NotifyExit(string) {}

func newTestAPI(t *testing.T) (*Server, *session.Manager) {
	t.Helper()
	dir := t.TempDir()
	m := session.NewManager(dir, noopNotifier{}, nil)
	agg := aggregator.New(m)
	return NewServer(m, agg, auth.AllowAll{}, nil, nil), m
}

func TestHealthEndpoint(t *testing.T) {
	s, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok=true, got %+v", body)
	}
}

func TestCreateListGetDeleteSession(t *testing.T) {
	s, _ := newTestAPI(t)

	createBody, _ := json.Marshal(map[string]any{
		"command": []string{"sh", "-c", "sleep 1"}, "workingDir": ".",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/sessions", bytes.NewReader(createBody))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("create: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var created map[string]string
	json.Unmarshal(rec.Body.Bytes(), &created)
	id := created["sessionId"]
	if id == "" {
		t.Fatal("expected non-empty sessionId")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions", nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	var list []session.Session
	json.Unmarshal(rec.Body.Bytes(), &list)
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected one session %s, got %+v", id, list)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/sessions/"+id, nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("get: expected 200, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/api/sessions/"+id, nil)
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("delete: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetUnknownSessionIs404(t *testing.T) {
	s, _ := newTestAPI(t)
	req := httptest.NewRequest(http.MethodGet, "/api/sessions/nope", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestShuttingDownReturns503(t *testing.T) {
	s, _ := newTestAPI(t)
	s.BeginShutdown()

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "5" {
		t.Fatalf("expected Retry-After: 5, got %q", rec.Header().Get("Retry-After"))
	}
}

func TestUnauthorizedRequestIsRejected(t *testing.T) {
	dir := t.TempDir()
	m := session.NewManager(dir, noopNotifier{}, nil)
	agg := aggregator.New(m)
	s := NewServer(m, agg, auth.BearerToken{Token: "secret"}, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/health", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d", rec.Code)
	}
}

func TestResizeRejectsBadBody(t *testing.T) {
	s, m := newTestAPI(t)
	id, err := m.Create(session.CreateOpts{Command: []string{"sh", "-c", "sleep 1"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if st, _ := m.Get(id); st.Status == session.StatusRunning {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/sessions/"+id+"/resize", bytes.NewReader([]byte("not json")))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	m.Kill(id, 0)
}
