// Package pty implements the PTY supervisor (C3): spawns a child process
// attached to a pseudo-terminal, pumps bytes in both directions, and
// handles resize/kill/exit. Grounded on the teacher's internal/egg/server.go
// RunSession/readPTY, stripped of its gRPC/sandbox/agent-profile concerns
// since this spec's supervisor runs in-process (see DESIGN.md dropped-deps
// ledger for why no RPC layer is carried over).
package pty

import (
	"context"
	"errors"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"golang.org/x/time/rate"
)

const (
	readBufSize    = 4096
	maxInputBuffer = 1 << 20 // 1 MiB, spec §4.3
	killGrace      = 3 * time.Second
)

// ExitInfo is reported once via OnExit.
type ExitInfo struct {
	Code   int
	Signal string
}

// Supervisor owns one child process's PTY. Safe for concurrent Write/Resize/
// Kill; OnData/OnExit are invoked from the internal reader goroutine and
// must not block for long.
type Supervisor struct {
	OnData func([]byte)
	OnExit func(ExitInfo)

	mu       sync.Mutex
	cond     *sync.Cond
	cmd      *exec.Cmd
	ptmx     *os.File
	limiter  *rate.Limiter
	inputBuf [][]byte
	inputLen int
	dropped  int

	exited   bool
	exitOnce sync.Once
}

// Spawn starts argv[0] with argv[1:] attached to a new PTY at cols x rows.
// env is used verbatim by the caller (already a superset of the server's
// environment with TERM and VIBETUNNEL_SESSION_ID injected, per §4.3).
func Spawn(argv []string, cwd string, env []string, cols, rows int) (*Supervisor, error) {
	if len(argv) == 0 {
		return nil, errors.New("pty: empty argv")
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = cwd
	cmd.Env = env

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
	if err != nil {
		return nil, err
	}

	s := &Supervisor{
		cmd:     cmd,
		ptmx:    ptmx,
		limiter: rate.NewLimiter(rate.Inf, 0),
	}
	s.cond = sync.NewCond(&s.mu)
	go s.readLoop()
	go s.writeLoop()
	return s, nil
}

// PID returns the child process id.
func (s *Supervisor) PID() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

func (s *Supervisor) readLoop() {
	buf := make([]byte, readBufSize)
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if s.OnData != nil {
				s.OnData(data)
			}
		}
		if err != nil {
			s.finish(err)
			return
		}
	}
}

func (s *Supervisor) finish(readErr error) {
	s.exitOnce.Do(func() {
		s.mu.Lock()
		s.exited = true
		s.cond.Broadcast()
		s.mu.Unlock()

		code, sig := s.waitExitCode(readErr)
		if s.OnExit != nil {
			s.OnExit(ExitInfo{Code: code, Signal: sig})
		}
	})
}

// waitExitCode reaps the child and maps §4.3's failure model: EIO is the
// normal end-of-session signal; any other read error is treated as a fatal
// mid-run failure (code -2) rather than trusting the child's own exit code.
func (s *Supervisor) waitExitCode(readErr error) (int, string) {
	err := s.cmd.Wait()
	s.ptmx.Close()

	if !errors.Is(readErr, io.EOF) && !isEIO(readErr) {
		return -2, ""
	}
	if err == nil {
		return 0, ""
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if status, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if status.Signaled() {
				return 128 + int(status.Signal()), status.Signal().String()
			}
			return status.ExitStatus(), ""
		}
		return exitErr.ExitCode(), ""
	}
	return -2, ""
}

func isEIO(err error) bool {
	return errors.Is(err, syscall.EIO)
}

// Write queues bytes for the child, never blocking. If the supervisor's
// bounded 1 MiB internal buffer is full, the oldest buffered input is
// dropped (counted) to make room, per §4.3. A single background writer
// goroutine drains the queue in order, preserving the per-session prefix
// ordering of keystrokes required by §5.
func (s *Supervisor) Write(p []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exited {
		return
	}

	s.inputBuf = append(s.inputBuf, p)
	s.inputLen += len(p)
	for s.inputLen > maxInputBuffer && len(s.inputBuf) > 1 {
		dropped := s.inputBuf[0]
		s.inputBuf = s.inputBuf[1:]
		s.inputLen -= len(dropped)
		s.dropped++
	}
	s.cond.Signal()
}

func (s *Supervisor) writeLoop() {
	for {
		s.mu.Lock()
		for len(s.inputBuf) == 0 && !s.exited {
			s.cond.Wait()
		}
		if len(s.inputBuf) == 0 && s.exited {
			s.mu.Unlock()
			return
		}
		chunk := s.inputBuf[0]
		s.inputBuf = s.inputBuf[1:]
		s.inputLen -= len(chunk)
		ptmx := s.ptmx
		limiter := s.limiter
		s.mu.Unlock()

		limiter.WaitN(context.Background(), max(1, len(chunk)))
		ptmx.Write(chunk)
	}
}

// SetInputRateLimit bounds bytes/sec written to the child, guarding against
// a misbehaving client flooding the PTY. Unset (default) is unlimited.
func (s *Supervisor) SetInputRateLimit(bytesPerSec int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bytesPerSec <= 0 {
		s.limiter = rate.NewLimiter(rate.Inf, 0)
		return
	}
	s.limiter = rate.NewLimiter(rate.Limit(bytesPerSec), bytesPerSec)
}

// DroppedInputCount returns the number of input chunks dropped due to
// buffer overflow, for diagnostics.
func (s *Supervisor) DroppedInputCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Resize applies TIOCSWINSZ. Callers must record a resize event into the
// recording before delivering any subsequent output at the new dimensions
// (§4.3); that ordering is the caller's (session manager's) responsibility.
func (s *Supervisor) Resize(cols, rows int) error {
	s.mu.Lock()
	ptmx := s.ptmx
	s.mu.Unlock()
	return pty.Setsize(ptmx, &pty.Winsize{Cols: uint16(cols), Rows: uint16(rows)})
}

// Kill sends sig (default SIGTERM) and escalates to SIGKILL after 3s if the
// process is still running, per §4.4.
func (s *Supervisor) Kill(ctx context.Context, sig syscall.Signal) {
	if sig == 0 {
		sig = syscall.SIGTERM
	}
	s.mu.Lock()
	proc := s.cmd.Process
	s.mu.Unlock()
	if proc == nil {
		return
	}
	proc.Signal(sig)

	timer := time.NewTimer(killGrace)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.mu.Lock()
		exited := s.exited
		s.mu.Unlock()
		if !exited {
			proc.Signal(syscall.SIGKILL)
		}
	case <-ctx.Done():
	}
}
