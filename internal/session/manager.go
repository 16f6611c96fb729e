package session

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vibetunnel/vibetunnel/internal/apierr"
	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/pty"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/term"
)

// Notifier is the subset of the WebSocket fan-out aggregator (C7) the
// session manager drives. Kept as a narrow interface to avoid an import
// cycle and to match §9's "cyclic references broken via id lookup" guidance.
type Notifier interface {
	Notify(sessionID string)
	NotifyExit(sessionID string)
}

// ActivityTracker is the subset of the prompt detector (C10) the manager
// feeds with output as it arrives.
type ActivityTracker interface {
	Observe(sessionID string, chunk []byte)
	IsActive(sessionID string) bool
	SpecificStatus(sessionID string) string
	Forget(sessionID string)
}

const createGrace = 250 * time.Millisecond

type entry struct {
	mu      sync.Mutex // serializes mutation + input writes (prefix ordering, §5)
	session Session
	sup     *pty.Supervisor
	emu     *term.Emulator
	rec     *recording.Writer
	external bool
	dir     string
}

// Manager implements the session manager (C4).
type Manager struct {
	controlDir string
	notifier   Notifier
	activity   ActivityTracker

	mu       sync.RWMutex
	sessions map[string]*entry
}

func NewManager(controlDir string, notifier Notifier, activity ActivityTracker) *Manager {
	return &Manager{
		controlDir: controlDir,
		notifier:   notifier,
		activity:   activity,
		sessions:   make(map[string]*entry),
	}
}

// SetNotifier wires the fan-out aggregator (C7) after construction, for
// callers (internal/app) that must build the aggregator from the manager
// before the manager can hold a reference back to it.
func (m *Manager) SetNotifier(n Notifier) { m.notifier = n }

func newID() string {
	return ulid.Make().String()
}

// Create spawns a new local session (§4.4).
func (m *Manager) Create(opts CreateOpts) (string, error) {
	if len(opts.Command) == 0 {
		return "", apierr.New(apierr.BadRequest, "command must not be empty")
	}
	cwd := opts.WorkingDir
	if cwd == "" {
		cwd = "."
	}
	if st, err := os.Stat(cwd); err != nil || !st.IsDir() {
		return "", apierr.New(apierr.BadRequest, "workingDir does not exist")
	}
	cols, rows := opts.Cols, opts.Rows
	if cols <= 0 {
		cols = 80
	}
	if rows <= 0 {
		rows = 24
	}

	id := newID()
	dir := filepath.Join(m.controlDir, id)
	now := time.Now()

	sess := Session{
		ID: id, Name: opts.Name, Command: opts.Command, WorkingDir: cwd,
		CreatedAt: now, UpdatedAt: now, Status: StatusStarting,
		InitialCols: cols, InitialRows: rows, Cols: cols, Rows: rows,
		Source: SourceLocal, TitleMode: opts.TitleMode,
	}
	if sess.Name == "" {
		sess.Name = strings.Join(opts.Command, " ")
	}

	// Inserted into the map before session.json hits disk (and before any
	// other on-disk file for this id exists) so the control-directory
	// watcher's fsnotify Create handler, which skips ids where Has(id) is
	// already true, can never race RegisterExternal against this local
	// Create for the same id.
	e := &entry{session: sess, dir: dir}
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()

	abort := func() {
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
	}

	if err := writeSessionJSON(dir, sess); err != nil {
		abort()
		return "", apierr.Wrap(apierr.Internal, "failed to write session metadata", err)
	}

	rec, err := recording.NewWriter(dir, cols, rows, strings.Join(opts.Command, " "), false)
	if err != nil {
		abort()
		return "", apierr.Wrap(apierr.Internal, "failed to open recording store", err)
	}
	e.mu.Lock()
	e.rec = rec
	e.emu = term.New(cols, rows)
	e.mu.Unlock()

	env := append(os.Environ(), "TERM=xterm-256color", "VIBETUNNEL_SESSION_ID="+id)
	sup, err := pty.Spawn(opts.Command, cwd, env, cols, rows)
	if err != nil {
		sess.Status = StatusExited
		code := -1
		sess.ExitCode = &code
		writeSessionJSON(dir, sess)
		rec.AppendOutput("spawn failed: " + err.Error())
		rec.AppendExit(code)
		rec.Close()
		e.mu.Lock()
		e.session = sess
		e.mu.Unlock()
		return id, nil
	}
	pid := sup.PID()
	sess.PID = &pid
	e.mu.Lock()
	e.sup = sup
	e.session = sess
	e.mu.Unlock()

	sup.OnData = func(data []byte) {
		e.mu.Lock()
		if e.session.Status == StatusStarting {
			e.session.Status = StatusRunning
			writeSessionJSON(e.dir, e.session)
		}
		e.mu.Unlock()

		e.rec.AppendOutput(string(data))
		if term.DetectClear(data) {
			e.rec.AppendClear()
			off := e.rec.ClearOffset()
			e.mu.Lock()
			e.session.LastClearOffset = &off
			e.session.UpdatedAt = time.Now()
			writeSessionJSON(e.dir, e.session)
			e.mu.Unlock()
		}
		e.emu.Feed(data)
		e.mu.Lock()
		if e.session.TitleMode {
			e.session.Title = e.emu.Title()
		}
		e.mu.Unlock()
		if m.activity != nil {
			m.activity.Observe(id, data)
		}
		if m.notifier != nil {
			m.notifier.Notify(id)
		}
	}
	sup.OnExit = func(info pty.ExitInfo) {
		e.mu.Lock()
		e.session.Status = StatusExited
		code := info.Code
		e.session.ExitCode = &code
		e.session.UpdatedAt = time.Now()
		writeSessionJSON(e.dir, e.session)
		e.mu.Unlock()

		e.rec.AppendExit(info.Code)
		e.rec.Close()
		if m.notifier != nil {
			m.notifier.NotifyExit(id)
		}
		logger.Session(id).Info("session exited", "code", info.Code)
	}

	go func() {
		time.Sleep(createGrace)
		e.mu.Lock()
		if e.session.Status == StatusStarting {
			e.session.Status = StatusRunning
			writeSessionJSON(e.dir, e.session)
		}
		e.mu.Unlock()
	}()

	return id, nil
}

// List returns every locally-known session (control directory contents),
// augmented with live activity state. Federated remote sessions are merged
// in by the HTTP layer via the federation package, not here (§4.4 lists
// "control directory + federated remotes" as the combined view; C9 owns the
// remote half).
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for id, e := range m.sessions {
		e.mu.Lock()
		s := e.session
		e.mu.Unlock()
		if m.activity != nil {
			s.Active = m.activity.IsActive(id)
			s.SpecificStatus = m.activity.SpecificStatus(id)
		}
		out = append(out, s)
	}
	return out
}

// Get returns the canonical view of one session.
func (m *Manager) Get(id string) (Session, error) {
	e, err := m.lookup(id)
	if err != nil {
		return Session{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	s := e.session
	if m.activity != nil {
		s.Active = m.activity.IsActive(id)
		s.SpecificStatus = m.activity.SpecificStatus(id)
	}
	return s, nil
}

// FlushAll flushes every locally-owned session's recording writer to disk
// without touching any child process, for C11's shutdown drain (§4.11: "no
// child kills — sessions continue on disk").
func (m *Manager) FlushAll() {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sessions))
	for _, e := range m.sessions {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	for _, e := range entries {
		e.mu.Lock()
		rec, id := e.rec, e.session.ID
		e.mu.Unlock()
		if rec != nil {
			if err := rec.Flush(); err != nil {
				logger.Session(id).Warn("flush recording writer during shutdown failed", "error", err)
			}
		}
	}
}

// Emulator returns the live terminal emulator for id, for C6/C7 use. External
// sessions have one too, fed by the control-directory watcher's replay.
// Returns nil for an unknown id.
func (m *Manager) Emulator(id string) *term.Emulator {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.emu
}

// ClearOffset returns id's most recent clear-marker byte offset, or -1 if
// none has been recorded yet. Locally-owned sessions consult their live
// recording.Writer; external sessions fall back to the LastClearOffset read
// from session.json when the control-directory watcher registered them.
// Clear markers an external producer writes after that are not picked up.
func (m *Manager) ClearOffset(id string) int64 {
	e, err := m.lookup(id)
	if err != nil {
		return -1
	}
	e.mu.Lock()
	rec, s := e.rec, e.session
	e.mu.Unlock()
	if rec != nil {
		return rec.ClearOffset()
	}
	if s.LastClearOffset != nil {
		return *s.LastClearOffset
	}
	return -1
}

// RecordingPath returns the path to id's stdout event log, for replay (C8).
func (m *Manager) RecordingPath(id string) (string, error) {
	e, err := m.lookup(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(e.dir, "stdout"), nil
}

func (m *Manager) lookup(id string) (*entry, error) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return nil, apierr.New(apierr.NotFound, "unknown session")
	}
	return e, nil
}

// Input writes payload to the session's PTY (§4.4).
func (m *Manager) Input(id string, payload InputPayload) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status != StatusRunning {
		return apierr.New(apierr.SessionExited, "session is not running")
	}
	if e.external || e.sup == nil {
		return apierr.New(apierr.BadRequest, "cannot write input to an external session")
	}

	var data []byte
	if payload.Key != "" {
		if !KeyTags[payload.Key] {
			return apierr.New(apierr.BadRequest, "unknown key tag")
		}
		b, err := ansiForKey(payload.Key)
		if err != nil {
			return apierr.New(apierr.BadRequest, err.Error())
		}
		data = b
	} else {
		data = []byte(payload.Text)
	}

	e.sup.Write(data)
	e.rec.AppendInput(string(data))
	return nil
}

// Resize clamps and applies new dimensions (§4.4).
func (m *Manager) Resize(id string, cols, rows int) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	cols = clamp(cols, 1, 1000)
	rows = clamp(rows, 1, 1000)

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Status == StatusExited {
		return apierr.New(apierr.SessionExited, "session has exited")
	}
	if e.sup != nil {
		if err := e.sup.Resize(cols, rows); err != nil {
			return apierr.Wrap(apierr.Internal, "resize failed", err)
		}
	}
	// Resize event must precede any subsequent output event (§4.3); since
	// OnData only runs from the supervisor's single reader goroutine and we
	// hold e.mu here (the same lock OnData takes), this append happens
	// strictly before the next OnData-driven append.
	e.rec.AppendResize(cols, rows)
	e.emu.Resize(cols, rows)
	e.session.Cols, e.session.Rows = cols, rows
	e.session.UpdatedAt = time.Now()
	writeSessionJSON(e.dir, e.session)
	return nil
}

// Kill sends sig (default SIGTERM) and escalates to SIGKILL after 3s.
func (m *Manager) Kill(id string, sig syscall.Signal) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	status := e.session.Status
	sup := e.sup
	e.mu.Unlock()
	if status == StatusExited {
		return nil
	}
	if sup == nil {
		return apierr.New(apierr.BadRequest, "cannot kill an external session")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
	go func() {
		defer cancel()
		sup.Kill(ctx, sig)
	}()
	return nil
}

// Rename rewrites session.json with a new name. Renaming to the current
// name is a no-op that does not touch the file (§8 property 7).
func (m *Manager) Rename(id, newName string) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Name == newName {
		return nil
	}
	e.session.Name = newName
	e.session.UpdatedAt = time.Now()
	return writeSessionJSON(e.dir, e.session)
}

// RegisterExternal registers a session discovered by the control-directory
// watcher (C5): no owned PTY supervisor, reads are driven by tailing stdout.
func (m *Manager) RegisterExternal(id string, sess Session) {
	dir := filepath.Join(m.controlDir, id)
	e := &entry{session: sess, external: true, dir: dir, emu: term.New(sess.Cols, sess.Rows)}
	m.mu.Lock()
	m.sessions[id] = e
	m.mu.Unlock()
}

// ApplyExternalEvent replays one decoded recording event (tailed from an
// external session's stdout log by the control-directory watcher) against
// that session's in-process emulator, keeping it in sync without owning the
// PTY directly.
func (m *Manager) ApplyExternalEvent(id string, ev recording.Event) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case recording.KindOutput:
		data := []byte(ev.Text)
		e.emu.Feed(data)
		if m.activity != nil {
			m.activity.Observe(id, data)
		}
	case recording.KindResize:
		e.emu.Resize(ev.Cols, ev.Rows)
		e.mu.Lock()
		e.session.Cols, e.session.Rows = ev.Cols, ev.Rows
		e.mu.Unlock()
	case recording.KindExit:
		m.MarkExternalExited(id)
		return
	}
	if m.notifier != nil {
		m.notifier.Notify(id)
	}
}

// Has reports whether id is already known to the manager, local or external.
func (m *Manager) Has(id string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.sessions[id]
	return ok
}

// LoadSessionFile reads and decodes <dir>/session.json.
func LoadSessionFile(dir string) (Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, "session.json"))
	if err != nil {
		return Session{}, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, err
	}
	return s, nil
}

// MarkExternalExited transitions an external session to exited when its
// control directory is removed (§4.5).
func (m *Manager) MarkExternalExited(id string) {
	m.mu.RLock()
	e, ok := m.sessions[id]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.session.Status != StatusExited {
		e.session.Status = StatusExited
		e.session.UpdatedAt = time.Now()
	}
	e.mu.Unlock()
	if m.notifier != nil {
		m.notifier.NotifyExit(id)
	}
}

// Remove deletes id from the in-memory table (the control directory itself
// is managed by whichever component owns it: C4 for local force-delete, C5
// for external removal).
func (m *Manager) Remove(id string) {
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
	if m.activity != nil {
		m.activity.Forget(id)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// WriteSessionFile atomically (temp+rename) writes session.json to dir, the
// same primitive Manager uses internally. Exported for the fwd helper (§4.5),
// which writes directly into the control directory from its own process
// rather than going through a Manager.
func WriteSessionFile(dir string, s Session) error {
	return writeSessionJSON(dir, s)
}

func writeSessionJSON(dir string, s Session) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	tmp := filepath.Join(dir, ".session.json.tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, filepath.Join(dir, "session.json"))
}
