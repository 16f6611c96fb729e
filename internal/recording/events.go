// Package recording implements the append-only per-session recording store
// (C1): the asciinema-v2-compatible event log that underpins both replay
// and live tailing. Grounded on the real VibeTunnel Linux port reference
// (other_examples' termsocket-manager.go files) for the event-array shape,
// and on the teacher's buffered-writer-with-periodic-flush idiom
// (internal/egg/server.go).
package recording

import "encoding/json"

// Event kinds, one JSON array per line after the header line (spec §4.1).
const (
	KindOutput = "o"
	KindResize = "r"
	KindClear  = "x"
	KindExit   = "e"
	KindInput  = "i"
)

// Header is the first line of stdout/stdin: an asciinema-v2-style object.
type Header struct {
	Version   int    `json:"version"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
	Command   string `json:"command,omitempty"`
}

// Event is a decoded line from the event log. Only the fields relevant to
// Kind are populated.
type Event struct {
	Kind string
	Time float64
	Text string
	Cols int
	Rows int
	Code int
}

// MarshalLine encodes an event as its on-wire JSON array.
func MarshalLine(e Event) ([]byte, error) {
	switch e.Kind {
	case KindOutput, KindInput:
		return json.Marshal([]any{e.Kind, e.Time, e.Text})
	case KindResize:
		return json.Marshal([]any{e.Kind, e.Time, e.Cols, e.Rows})
	case KindClear:
		return json.Marshal([]any{e.Kind, e.Time})
	case KindExit:
		return json.Marshal([]any{e.Kind, e.Time, e.Code})
	default:
		return json.Marshal([]any{e.Kind, e.Time})
	}
}

// UnmarshalLine decodes one event-log line. A malformed or partial trailing
// line (crash mid-write) returns an error the caller is expected to
// tolerate by discarding it, per §4.1.
func UnmarshalLine(line []byte) (Event, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return Event{}, err
	}
	if len(raw) < 2 {
		return Event{}, errShortEvent
	}
	var kind string
	if err := json.Unmarshal(raw[0], &kind); err != nil {
		return Event{}, err
	}
	var t float64
	if err := json.Unmarshal(raw[1], &t); err != nil {
		return Event{}, err
	}
	e := Event{Kind: kind, Time: t}
	switch kind {
	case KindOutput, KindInput:
		if len(raw) < 3 {
			return Event{}, errShortEvent
		}
		if err := json.Unmarshal(raw[2], &e.Text); err != nil {
			return Event{}, err
		}
	case KindResize:
		if len(raw) < 4 {
			return Event{}, errShortEvent
		}
		if err := json.Unmarshal(raw[2], &e.Cols); err != nil {
			return Event{}, err
		}
		if err := json.Unmarshal(raw[3], &e.Rows); err != nil {
			return Event{}, err
		}
	case KindExit:
		if len(raw) < 3 {
			return Event{}, errShortEvent
		}
		if err := json.Unmarshal(raw[2], &e.Code); err != nil {
			return Event{}, err
		}
	}
	return e, nil
}
