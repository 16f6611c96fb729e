package pty

import (
	"context"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"
)

func TestSpawnEchoExitsZero(t *testing.T) {
	sup, err := Spawn([]string{"sh", "-c", "printf hello"}, ".", []string{"TERM=xterm-256color"}, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	var mu sync.Mutex
	var out strings.Builder
	exitCh := make(chan ExitInfo, 1)
	sup.OnData = func(p []byte) {
		mu.Lock()
		out.Write(p)
		mu.Unlock()
	}
	sup.OnExit = func(e ExitInfo) { exitCh <- e }

	select {
	case e := <-exitCh:
		if e.Code != 0 {
			t.Errorf("expected exit code 0, got %d", e.Code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for exit")
	}

	mu.Lock()
	got := out.String()
	mu.Unlock()
	if !strings.Contains(got, "hello") {
		t.Errorf("expected output to contain %q, got %q", "hello", got)
	}
}

func TestKillEscalatesToSigkill(t *testing.T) {
	sup, err := Spawn([]string{"sh", "-c", "trap '' TERM; sleep 60"}, ".", []string{"TERM=xterm-256color"}, 80, 24)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	exitCh := make(chan ExitInfo, 1)
	sup.OnExit = func(e ExitInfo) { exitCh <- e }

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	sup.Kill(ctx, syscall.SIGTERM)

	select {
	case <-exitCh:
	case <-time.After(5 * time.Second):
		t.Fatal("expected kill escalation to terminate the trapping child")
	}
}
