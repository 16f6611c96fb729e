package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/vibetunnel/vibetunnel/internal/config"
	"github.com/vibetunnel/vibetunnel/internal/pty"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
	vtterm "github.com/vibetunnel/vibetunnel/internal/term"
)

// fwd runs a command attached to a new external session descriptor under
// the control directory (§4.5, §6): it owns the PTY itself and writes
// session.json/stdout directly to disk, where a running server's
// control-directory watcher (C5) picks the directory up as an external
// session and tails those files. The filesystem is the IPC; fwd never talks
// to a running server.
func fwdCmd() *cobra.Command {
	var controlDir string

	cmd := &cobra.Command{
		Use:   "fwd <session-id> <cmd...>",
		Short: "Attach a command to a new external session descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return badUsage("usage: vibetunneld fwd <session-id> <cmd...>")
			}
			return runFwd(controlDir, args[0], args[1:])
		},
	}
	cmd.Flags().StringVar(&controlDir, "control-dir", "", "control directory (default $VIBETUNNEL_CONTROL_DIR or ~/.vibetunnel/control)")
	return cmd
}

func runFwd(controlDir, sessionID string, argv []string) error {
	cfg := config.Load(config.Flags{ControlDir: controlDir})
	dir := filepath.Join(cfg.ControlDir, sessionID)

	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("fwd: %w", err)
	}

	cols, rows := 80, 24
	stdinIsTTY := isatty.IsTerminal(os.Stdin.Fd())
	if stdinIsTTY {
		if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
			cols, rows = w, h
		}
	}

	now := time.Now()
	sess := session.Session{
		ID: sessionID, Name: strings.Join(argv, " "), Command: argv, WorkingDir: cwd,
		CreatedAt: now, UpdatedAt: now, Status: session.StatusStarting,
		InitialCols: cols, InitialRows: rows, Cols: cols, Rows: rows,
		Source: session.SourceLocal,
	}
	if err := session.WriteSessionFile(dir, sess); err != nil {
		return fmt.Errorf("fwd: write session metadata: %w", err)
	}

	rec, err := recording.NewWriter(dir, cols, rows, sess.Name, true)
	if err != nil {
		return fmt.Errorf("fwd: open recording store: %w", err)
	}

	env := append(os.Environ(), "TERM=xterm-256color", "VIBETUNNEL_SESSION_ID="+sessionID)
	sup, err := pty.Spawn(argv, cwd, env, cols, rows)
	if err != nil {
		rec.AppendOutput("spawn failed: " + err.Error())
		rec.AppendExit(-1)
		rec.Close()
		code := -1
		sess.Status = session.StatusExited
		sess.ExitCode = &code
		session.WriteSessionFile(dir, sess)
		return fmt.Errorf("fwd: spawn: %w", err)
	}
	pid := sup.PID()
	sess.PID = &pid
	sess.Status = session.StatusRunning
	session.WriteSessionFile(dir, sess)

	var restoreStdin func()
	if stdinIsTTY {
		if prev, err := term.MakeRaw(int(os.Stdin.Fd())); err == nil {
			restoreStdin = func() { term.Restore(int(os.Stdin.Fd()), prev) }
		}
	}

	exitCh := make(chan pty.ExitInfo, 1)
	var sessMu sync.Mutex
	sup.OnData = func(data []byte) {
		os.Stdout.Write(data)
		rec.AppendOutput(string(data))
		if vtterm.DetectClear(data) {
			rec.AppendClear()
			off := rec.ClearOffset()
			sessMu.Lock()
			sess.LastClearOffset = &off
			sess.UpdatedAt = time.Now()
			snapshot := sess
			sessMu.Unlock()
			session.WriteSessionFile(dir, snapshot)
		}
	}
	sup.OnExit = func(info pty.ExitInfo) {
		exitCh <- info
	}

	resizeStop := make(chan struct{})
	go pumpStdin(sup, rec)
	go watchResize(sup, rec, &sess, &sessMu, dir, stdinIsTTY, resizeStop)

	info := <-exitCh
	close(resizeStop)
	if restoreStdin != nil {
		restoreStdin()
		restoreStdin = nil
	}

	rec.AppendExit(info.Code)
	rec.Close()

	sessMu.Lock()
	sess.Status = session.StatusExited
	sess.ExitCode = &info.Code
	sess.UpdatedAt = time.Now()
	final := sess
	sessMu.Unlock()
	session.WriteSessionFile(dir, final)

	if info.Code != 0 {
		os.Exit(info.Code)
	}
	return nil
}

func pumpStdin(sup *pty.Supervisor, rec *recording.Writer) {
	buf := make([]byte, 4096)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			sup.Write(chunk)
			rec.AppendInput(string(chunk))
		}
		if err != nil {
			return
		}
	}
}

func watchResize(sup *pty.Supervisor, rec *recording.Writer, sess *session.Session, sessMu *sync.Mutex, dir string, tty bool, stop <-chan struct{}) {
	if !tty {
		return
	}
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGWINCH)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-stop:
			return
		case <-sigCh:
			w, h, err := term.GetSize(int(os.Stdout.Fd()))
			if err != nil {
				continue
			}
			sup.Resize(w, h)
			rec.AppendResize(w, h)

			sessMu.Lock()
			sess.Cols, sess.Rows = w, h
			sess.UpdatedAt = time.Now()
			snapshot := *sess
			sessMu.Unlock()
			session.WriteSessionFile(dir, snapshot)
		}
	}
}
