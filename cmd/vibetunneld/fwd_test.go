package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/vibetunnel/vibetunnel/internal/session"
)

func TestRunFwdWritesSessionAndRecording(t *testing.T) {
	controlDir := t.TempDir()
	sessionID := "test-session-1"

	if err := runFwd(controlDir, sessionID, []string{"/bin/sh", "-c", "echo hello"}); err != nil {
		t.Fatalf("runFwd: %v", err)
	}

	dir := filepath.Join(controlDir, sessionID)
	sess, err := session.LoadSessionFile(dir)
	if err != nil {
		t.Fatalf("LoadSessionFile: %v", err)
	}
	if sess.Status != session.StatusExited {
		t.Fatalf("expected exited status, got %s", sess.Status)
	}
	if sess.ExitCode == nil || *sess.ExitCode != 0 {
		t.Fatalf("expected exit code 0, got %v", sess.ExitCode)
	}
	if sess.Source != session.SourceLocal {
		t.Fatalf("expected SourceLocal, got %s", sess.Source)
	}

	stdoutPath := filepath.Join(dir, "stdout")
	data, err := os.ReadFile(stdoutPath)
	if err != nil {
		t.Fatalf("read stdout log: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected a non-empty stdout recording")
	}
}

func TestRunFwdSurfacesSpawnFailure(t *testing.T) {
	controlDir := t.TempDir()
	sessionID := "test-session-bad-cmd"

	err := runFwd(controlDir, sessionID, []string{"/no/such/binary-xyz"})
	if err == nil {
		t.Fatal("expected an error for a non-existent binary")
	}

	dir := filepath.Join(controlDir, sessionID)
	sess, loadErr := session.LoadSessionFile(dir)
	if loadErr != nil {
		t.Fatalf("LoadSessionFile: %v", loadErr)
	}
	if sess.Status != session.StatusExited {
		t.Fatalf("expected exited status after spawn failure, got %s", sess.Status)
	}
}
