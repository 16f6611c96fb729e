// Package term wraps a headless VT emulator behind a small mutex-guarded
// API, generalizing the teacher's internal/egg/vterm.go wrapper idiom from
// an ANSI-text snapshot to the structured per-cell screen state C6's binary
// codec needs.
package term

import (
	"image/color"
	"sync"

	headlessterm "github.com/danielgatis/go-headless-term"
)

// DefaultScrollback matches spec §3's "bounded (default 1000 rows)".
const DefaultScrollback = 1000

// Cell is the minimal per-cell view C6 encodes. ColorKind 0=default,
// 1=indexed, 2=rgb, matching §4.6's fg/bg-kind byte.
type Cell struct {
	Codepoint rune
	FgKind    uint8
	Fg        [3]byte
	BgKind    uint8
	Bg        [3]byte
	Bold      bool
	Italic    bool
	Underline bool
	Inverse   bool
	Strike    bool
	Dim       bool
}

// Screen is a read-only view of the emulator's current state, sized for C6.
type Screen struct {
	Cols      int
	Rows      int
	ViewportY int
	CursorX   int
	CursorY   int
	Bell      bool
	Rows_     [][]Cell
}

type bellFlag struct{ fired bool }

func (b *bellFlag) Bell() { b.fired = true }

type titleSink struct{ title string }

func (t *titleSink) SetTitle(s string) { t.title = s }

// Emulator is a single session's headless terminal, safe for concurrent
// Feed/Resize/Snapshot calls from the PTY reader goroutine and the HTTP/WS
// layer respectively.
type Emulator struct {
	mu    sync.Mutex
	term  *headlessterm.Terminal
	bell  *bellFlag
	title *titleSink
	cols  int
	rows  int
}

// New creates an emulator at the given initial dimensions.
func New(cols, rows int) *Emulator {
	b := &bellFlag{}
	t := &titleSink{}
	scrollback := headlessterm.NewMemoryScrollback(DefaultScrollback)
	term := headlessterm.New(
		headlessterm.WithSize(rows, cols),
		headlessterm.WithScrollback(scrollback),
		headlessterm.WithBell(b),
		headlessterm.WithTitle(t),
	)
	return &Emulator{term: term, bell: b, title: t, cols: cols, rows: rows}
}

// Feed applies raw PTY bytes to the screen. Deterministic: re-feeding the
// same bytes at the same dimensions from a clean emulator yields the same
// screen, per spec §4.2.
func (e *Emulator) Feed(p []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.term.Write(p)
}

// Resize clips/pads the grid; no text re-flow, cursor is clamped by the
// underlying library per spec §4.2.
func (e *Emulator) Resize(cols, rows int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.term.Resize(rows, cols)
	e.cols = cols
	e.rows = rows
}

// Title returns the last OSC-set window title, regardless of title-mode;
// the session layer decides whether to surface it (see DESIGN.md open
// question on titleMode).
func (e *Emulator) Title() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.title.title
}

// Snapshot captures the current screen state for C6 to encode. The bell
// flag is consumed (reset) on read, matching "sets the bell flag for the
// next snapshot".
func (e *Emulator) Snapshot() Screen {
	e.mu.Lock()
	defer e.mu.Unlock()

	cols, rows := e.cols, e.rows
	cursorRow, cursorCol := e.term.CursorPosition()

	rowsOut := make([][]Cell, rows)
	for r := 0; r < rows; r++ {
		row := make([]Cell, cols)
		for c := 0; c < cols; c++ {
			cell := e.term.Cell(r, c)
			if cell == nil {
				row[c] = Cell{Codepoint: ' '}
				continue
			}
			row[c] = cellFromTerm(cell)
		}
		rowsOut[r] = row
	}

	bell := e.bell.fired
	e.bell.fired = false

	return Screen{
		Cols:      cols,
		Rows:      rows,
		ViewportY: 0,
		CursorX:   cursorCol,
		CursorY:   cursorRow,
		Bell:      bell,
		Rows_:     rowsOut,
	}
}

func cellFromTerm(c *headlessterm.Cell) Cell {
	out := Cell{
		Codepoint: c.Char,
		Bold:      c.HasFlag(headlessterm.CellFlagBold),
		Italic:    c.HasFlag(headlessterm.CellFlagItalic),
		Underline: c.HasFlag(headlessterm.CellFlagUnderline),
		Inverse:   c.HasFlag(headlessterm.CellFlagReverse),
		Strike:    c.HasFlag(headlessterm.CellFlagStrike),
		Dim:       c.HasFlag(headlessterm.CellFlagDim),
	}
	out.FgKind, out.Fg = colorToPayload(c.Fg)
	out.BgKind, out.Bg = colorToPayload(c.Bg)
	return out
}

// colorToPayload converts a color.Color to the kind+payload scheme C6
// encodes. nil means "default" (kind 0). Anything else is reported as
// truecolor (kind 2); the headless emulator resolves indexed palette colors
// to RGBA internally via ResolveDefaultColor, so there is no separate
// indexed representation to preserve here.
func colorToPayload(c color.Color) (uint8, [3]byte) {
	if c == nil {
		return 0, [3]byte{}
	}
	rgba := headlessterm.ResolveDefaultColor(c, true)
	r, g, b, _ := rgba.RGBA()
	return 2, [3]byte{byte(r >> 8), byte(g >> 8), byte(b >> 8)}
}
