package session

import (
	"syscall"
	"testing"
	"time"
)

type noopNotifier struct{}

func (noopNotifier) Notify(string)     {}
func (noopNotifier) NotifyExit(string) {}

func waitForStatus(t *testing.T, m *Manager, id string, want Status, timeout time.Duration) Session {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if s.Status == want {
			return s
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to reach status %s", id, want)
	return Session{}
}

func TestCreateListGetAndExit(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, noopNotifier{}, nil)

	id, err := m.Create(CreateOpts{Command: []string{"sh", "-c", "printf hi; sleep 0.05"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if id == "" {
		t.Fatal("expected non-empty session id")
	}

	waitForStatus(t, m, id, StatusRunning, time.Second)

	list := m.List()
	if len(list) != 1 || list[0].ID != id {
		t.Fatalf("expected one session %s in list, got %+v", id, list)
	}

	exited := waitForStatus(t, m, id, StatusExited, 2*time.Second)
	if exited.ExitCode == nil || *exited.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %+v", exited.ExitCode)
	}
}

func TestInputRejectedAfterExit(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, noopNotifier{}, nil)

	id, err := m.Create(CreateOpts{Command: []string{"sh", "-c", "true"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, m, id, StatusExited, 2*time.Second)

	if err := m.Input(id, InputPayload{Text: "x"}); err == nil {
		t.Fatal("expected error writing input to an exited session")
	}
}

func TestInputRejectsUnknownKeyTag(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, noopNotifier{}, nil)

	id, err := m.Create(CreateOpts{Command: []string{"sh", "-c", "sleep 1"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, m, id, StatusRunning, time.Second)

	if err := m.Input(id, InputPayload{Key: "not_a_real_key"}); err == nil {
		t.Fatal("expected error for unknown key tag")
	}
	m.Kill(id, syscall.SIGKILL)
}

func TestResizeClampsDimensions(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, noopNotifier{}, nil)

	id, err := m.Create(CreateOpts{Command: []string{"sh", "-c", "sleep 1"}, WorkingDir: "."})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, m, id, StatusRunning, time.Second)

	if err := m.Resize(id, 5000, -1); err != nil {
		t.Fatalf("Resize: %v", err)
	}
	s, err := m.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if s.Cols != 1000 || s.Rows != 1 {
		t.Fatalf("expected clamp to (1000,1), got (%d,%d)", s.Cols, s.Rows)
	}
	m.Kill(id, syscall.SIGKILL)
}

func TestRenameIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, noopNotifier{}, nil)

	id, err := m.Create(CreateOpts{Command: []string{"sh", "-c", "sleep 1"}, WorkingDir: ".", Name: "first"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	waitForStatus(t, m, id, StatusRunning, time.Second)

	if err := m.Rename(id, "second"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	s, _ := m.Get(id)
	if s.Name != "second" {
		t.Fatalf("expected name 'second', got %q", s.Name)
	}
	if err := m.Rename(id, "second"); err != nil {
		t.Fatalf("Rename no-op: %v", err)
	}
	m.Kill(id, syscall.SIGKILL)
}

func TestGetUnknownSessionIsNotFound(t *testing.T) {
	dir := t.TempDir()
	m := NewManager(dir, noopNotifier{}, nil)
	if _, err := m.Get("does-not-exist"); err == nil {
		t.Fatal("expected error for unknown session id")
	}
}
