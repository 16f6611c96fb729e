package controldir

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

type noopNotifier struct{}

func (noopNotifier) Notify(string)     {}
func (noopNotifier) NotifyExit(string) {}

func writeExternalSession(t *testing.T, controlDir, id string) {
	t.Helper()
	dir := filepath.Join(controlDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		t.Fatal(err)
	}
	sess := session.Session{
		ID: id, Name: "external", Command: []string{"bash"}, WorkingDir: ".",
		Status: session.StatusRunning, Cols: 80, Rows: 24, Source: session.SourceLocal,
	}
	data, _ := json.Marshal(sess)
	if err := os.WriteFile(filepath.Join(dir, "session.json"), data, 0644); err != nil {
		t.Fatal(err)
	}

	w, err := recording.NewWriter(dir, 80, 24, "bash", false)
	if err != nil {
		t.Fatal(err)
	}
	w.AppendOutput("hello from outside")
	w.Close()
}

func TestWatcherDiscoversExistingSession(t *testing.T) {
	controlDir := t.TempDir()
	id := "ext-session-1"
	writeExternalSession(t, controlDir, id)

	m := session.NewManager(controlDir, noopNotifier{}, nil)
	w := New(controlDir, m)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if m.Has(id) {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !m.Has(id) {
		t.Fatal("expected watcher to register the pre-existing external session")
	}
}

func TestWatcherDetectsRemoval(t *testing.T) {
	controlDir := t.TempDir()
	id := "ext-session-2"
	writeExternalSession(t, controlDir, id)

	m := session.NewManager(controlDir, noopNotifier{}, nil)
	w := New(controlDir, m)
	if err := w.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer w.Stop()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) && !m.Has(id) {
		time.Sleep(20 * time.Millisecond)
	}
	if !m.Has(id) {
		t.Fatal("setup: watcher never discovered session")
	}

	if err := os.RemoveAll(filepath.Join(controlDir, id)); err != nil {
		t.Fatal(err)
	}

	deadline = time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		s, err := m.Get(id)
		if err == nil && s.Status == session.StatusExited {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected session to be marked exited after its directory was removed")
}
