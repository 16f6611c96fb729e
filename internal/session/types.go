// Package session implements the session manager (C4): create/list/get/
// input/resize/kill/rename, owning each session's PTY supervisor, terminal
// emulator, and recording writer.
package session

import "time"

// Status is a session's lifecycle state. exited is terminal.
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
)

// Source distinguishes sessions in this node's control directory (local,
// whether the PTY is owned by this process or by an external producer such as
// `fwd`, C5) from sessions owned by another node (remote, C9).
type Source string

const (
	SourceLocal  Source = "local"
	SourceRemote Source = "remote"
)

// Session is the central entity (spec §3). JSON tags match the REST surface
// in §6; every optional field is explicitly marked, matching §9's "no
// runtime reflection to auto-map fields" guidance.
type Session struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Command         []string  `json:"command"`
	WorkingDir      string    `json:"workingDir"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
	Status          Status    `json:"status"`
	ExitCode        *int      `json:"exitCode,omitempty"`
	PID             *int      `json:"pid,omitempty"`
	InitialCols     int       `json:"initialCols"`
	InitialRows     int       `json:"initialRows"`
	Cols            int       `json:"cols"`
	Rows            int       `json:"rows"`
	Version         string    `json:"version,omitempty"`
	LastClearOffset *int64    `json:"lastClearOffset,omitempty"`
	Source          Source    `json:"source,omitempty"`
	RemoteID        string    `json:"remoteId,omitempty"`
	Title           string    `json:"title,omitempty"`
	TitleMode       bool      `json:"-"`

	// Active and SpecificStatus are augmented at list/get time, not stored in
	// session.json: they reflect C10's activity detector. For remote sessions
	// HQ reports Active as false while the owning remote is missing heartbeats
	// (see §4.9/S6). RemoteActive is not set by any component and is never
	// serialized.
	Active          bool   `json:"active"`
	SpecificStatus  string `json:"specificStatus,omitempty"`
	RemoteActive    *bool  `json:"-"`
}

// CreateOpts is the input to Manager.Create.
type CreateOpts struct {
	Command    []string
	WorkingDir string
	Name       string
	Cols       int
	Rows       int
	TitleMode  bool
}

// InputPayload is either raw text or a special-key tag (§4.4).
type InputPayload struct {
	Text string
	Key  string
}

// KeyTags enumerates the fixed special-key vocabulary accepted by input().
var KeyTags = map[string]bool{
	"arrow_up": true, "arrow_down": true, "arrow_left": true, "arrow_right": true,
	"escape": true, "enter": true, "ctrl_enter": true, "shift_enter": true,
	"backspace": true, "tab": true, "shift_tab": true,
	"page_up": true, "page_down": true, "home": true, "end": true, "delete": true,
	"f1": true, "f2": true, "f3": true, "f4": true, "f5": true, "f6": true,
	"f7": true, "f8": true, "f9": true, "f10": true, "f11": true, "f12": true,
}
