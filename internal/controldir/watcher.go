// Package controldir implements the control-directory watcher (C5): it
// discovers sessions that another process created directly under the
// control directory (the `fwd` CLI, or a tmux-attached helper) and keeps
// their in-process emulator in sync by tailing their stdout event log.
// Grounded on other_examples' termsocket-manager.go's monitorSession/
// monitorSessionPolling split (direct-callback path vs. polling fallback),
// adapted here to fsnotify-with-polling-fallback over session.json/stdout
// rather than a direct in-process callback, since external sessions by
// definition have no PTY supervisor in this process to register a callback
// on.
package controldir

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/vibetunnel/vibetunnel/internal/logger"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

// backoffSchedule is the session.json readiness retry ladder (§4.5): a
// session directory can appear before its metadata file is fully written.
var backoffSchedule = []time.Duration{
	100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
	800 * time.Millisecond, 1600 * time.Millisecond,
}

const tailPollInterval = 100 * time.Millisecond

// Watcher watches the control directory for sessions created out-of-process
// and for their removal.
type Watcher struct {
	dir     string
	manager *session.Manager

	fw       *fsnotify.Watcher
	useFw    bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	started  bool // set by Start once a watch loop (which closes doneCh) is running

	mu      sync.Mutex
	tailing map[string]chan struct{} // sessionID -> stop channel for its tail loop

	onChange func() // optional: fired on every create/remove, local or external (§4.9's remote-mode re-register trigger)
}

// SetOnLocalChange registers a callback fired whenever a session directory
// appears or disappears under the control directory, whether created by this
// process's own Manager.Create or by an external producer. C9's remote-mode
// client uses this to re-register with HQ immediately rather than waiting
// for its own polling interval (§4.9's ordering guarantee).
func (w *Watcher) SetOnLocalChange(fn func()) { w.onChange = fn }

func (w *Watcher) notifyChange() {
	if w.onChange != nil {
		w.onChange()
	}
}

// New creates a watcher rooted at dir (the process's control directory).
func New(dir string, manager *session.Manager) *Watcher {
	w := &Watcher{
		dir:     dir,
		manager: manager,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		tailing: make(map[string]chan struct{}),
	}
	if fw, err := fsnotify.NewWatcher(); err == nil {
		w.fw = fw
		w.useFw = true
	} else {
		logger.Warn("controldir: fsnotify unavailable, falling back to polling", "error", err)
	}
	return w
}

// Start performs an initial scan, then watches for subsequent changes until
// Stop is called. It does not block.
func (w *Watcher) Start() error {
	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return err
	}
	w.scanExisting()

	if w.useFw {
		if err := w.fw.Add(w.dir); err != nil {
			logger.Warn("controldir: watch failed, falling back to polling", "error", err)
			w.useFw = false
			w.fw.Close()
			w.fw = nil
		}
	}

	w.started = true
	if w.useFw {
		go w.fsnotifyLoop()
	} else {
		go w.pollLoop()
	}
	return nil
}

// Stop halts the watcher and all per-session tail loops.
func (w *Watcher) Stop() {
	close(w.stopCh)
	if w.fw != nil {
		w.fw.Close()
	}
	if w.started {
		<-w.doneCh
	}
}

func (w *Watcher) scanExisting() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		return
	}
	for _, ent := range entries {
		if !ent.IsDir() {
			continue
		}
		id := ent.Name()
		if w.manager.Has(id) {
			continue
		}
		go w.registerWithBackoff(id)
	}
}

func (w *Watcher) fsnotifyLoop() {
	defer close(w.doneCh)
	for {
		select {
		case ev, ok := <-w.fw.Events:
			if !ok {
				return
			}
			id := filepath.Base(ev.Name)
			if ev.Op&(fsnotify.Create) != 0 {
				if st, err := os.Stat(ev.Name); err == nil && st.IsDir() {
					w.notifyChange()
					if !w.manager.Has(id) {
						go w.registerWithBackoff(id)
					}
				}
			}
			if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
				w.handleRemoval(id)
				w.notifyChange()
			}
		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			logger.Warn("controldir: watch error", "error", err)
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) pollLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	known := make(map[string]bool)
	for {
		select {
		case <-ticker.C:
			entries, err := os.ReadDir(w.dir)
			if err != nil {
				continue
			}
			seen := make(map[string]bool, len(entries))
			for _, ent := range entries {
				if !ent.IsDir() {
					continue
				}
				id := ent.Name()
				seen[id] = true
				if !known[id] {
					known[id] = true
					if !w.manager.Has(id) {
						go w.registerWithBackoff(id)
					}
					w.notifyChange()
				}
			}
			for id := range known {
				if !seen[id] {
					delete(known, id)
					w.handleRemoval(id)
					w.notifyChange()
				}
			}
		case <-w.stopCh:
			return
		}
	}
}

// registerWithBackoff retries reading session.json on the spec's ladder
// before giving up on a directory that never produces valid metadata.
func (w *Watcher) registerWithBackoff(id string) {
	dir := filepath.Join(w.dir, id)
	var sess session.Session
	var err error
	for _, delay := range backoffSchedule {
		sess, err = session.LoadSessionFile(dir)
		if err == nil {
			break
		}
		time.Sleep(delay)
	}
	if err != nil {
		logger.Warn("controldir: giving up on session metadata", "session_id", id, "error", err)
		return
	}

	w.manager.RegisterExternal(id, sess)
	w.startTailing(id, dir)
}

func (w *Watcher) startTailing(id, dir string) {
	stop := make(chan struct{})
	w.mu.Lock()
	w.tailing[id] = stop
	w.mu.Unlock()

	go func() {
		path := filepath.Join(dir, "stdout")
		var offset int64
		ticker := time.NewTicker(tailPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				events, newOffset, err := recording.ReadFrom(path, offset)
				if err != nil {
					continue
				}
				offset = newOffset
				for _, ev := range events {
					w.manager.ApplyExternalEvent(id, ev)
				}
			case <-stop:
				return
			case <-w.stopCh:
				return
			}
		}
	}()
}

func (w *Watcher) handleRemoval(id string) {
	w.mu.Lock()
	stop, ok := w.tailing[id]
	delete(w.tailing, id)
	w.mu.Unlock()
	if ok {
		close(stop)
	}
	if w.manager.Has(id) {
		w.manager.MarkExternalExited(id)
	}
}
