package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"syscall"
	"time"

	"github.com/vibetunnel/vibetunnel/internal/apierr"
	"github.com/vibetunnel/vibetunnel/internal/recording"
	"github.com/vibetunnel/vibetunnel/internal/session"
)

const streamPollInterval = 200 * time.Millisecond

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "version": Version})
}

func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.manager.List()
	if s.remote != nil {
		sessions = append(sessions, s.remote.RemoteSessions()...)
	}
	writeJSON(w, http.StatusOK, sessions)
}

type createSessionRequest struct {
	Command    []string `json:"command"`
	WorkingDir string   `json:"workingDir"`
	Name       string   `json:"name"`
	Cols       int      `json:"cols"`
	Rows       int      `json:"rows"`
	TitleMode  bool     `json:"titleMode"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "invalid JSON body"))
		return
	}
	id, err := s.manager.Create(session.CreateOpts{
		Command: req.Command, WorkingDir: req.WorkingDir, Name: req.Name,
		Cols: req.Cols, Rows: req.Rows, TitleMode: req.TitleMode,
	})
	if err != nil {
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"sessionId": id})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sess, err := s.manager.Get(id)
	if err != nil {
		if s.remote != nil && s.remote.ForwardHTTP(w, r, id) {
			return
		}
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.Kill(id, syscall.SIGTERM); err != nil {
		if s.remote != nil && s.remote.ForwardHTTP(w, r, id) {
			return
		}
		apierr.WriteHTTP(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleInput(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var payload session.InputPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "invalid JSON body"))
		return
	}
	if err := s.manager.Input(id, payload); err != nil {
		if s.remote != nil && s.remote.ForwardHTTP(w, r, id) {
			return
		}
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type resizeRequest struct {
	Cols int `json:"cols"`
	Rows int `json:"rows"`
}

func (s *Server) handleResize(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resizeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apierr.WriteHTTP(w, apierr.New(apierr.BadRequest, "invalid JSON body"))
		return
	}
	if err := s.manager.Resize(id, req.Cols, req.Rows); err != nil {
		if s.remote != nil && s.remote.ForwardHTTP(w, r, id) {
			return
		}
		apierr.WriteHTTP(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleStream streams recording events as Server-Sent Events from a byte
// offset, with no-buffer headers and a flush after every event (§4.8).
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	path, err := s.manager.RecordingPath(id)
	if err != nil {
		if s.remote != nil && s.remote.ForwardHTTP(w, r, id) {
			return
		}
		apierr.WriteHTTP(w, err)
		return
	}

	from := int64(0)
	if v := r.URL.Query().Get("from"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			from = n
		}
	} else if off := s.manager.ClearOffset(id); off >= 0 {
		// No explicit offset: jump straight to the last clear event instead
		// of replaying the whole file (§3, §10's clear-marker fast path).
		from = off
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	bw := bufio.NewWriter(w)
	send := func(ev recording.Event) bool {
		line, err := recording.MarshalLine(ev)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(bw, "data: %s\n\n", line); err != nil {
			return false
		}
		if err := bw.Flush(); err != nil {
			return false
		}
		if canFlush {
			flusher.Flush()
		}
		return true
	}

	offset := from
	events, newOffset, err := recording.ReadFrom(path, offset)
	if err != nil {
		return
	}
	offset = newOffset
	for _, ev := range events {
		if !send(ev) {
			return
		}
	}

	// Live-tail: poll for new events until the client disconnects or the
	// session reaches a terminal state with nothing left to send.
	ticker := time.NewTicker(streamPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			events, newOffset, err := recording.ReadFrom(path, offset)
			if err != nil {
				return
			}
			offset = newOffset
			exited := false
			for _, ev := range events {
				if !send(ev) {
					return
				}
				if ev.Kind == recording.KindExit {
					exited = true
				}
			}
			if exited {
				return
			}
		}
	}
}
