package snapshot

import (
	"testing"

	"github.com/vibetunnel/vibetunnel/internal/term"
)

func blankScreen(cols, rows int) term.Screen {
	rowsOut := make([][]term.Cell, rows)
	for r := range rowsOut {
		row := make([]term.Cell, cols)
		for c := range row {
			row[c] = term.Cell{Codepoint: ' '}
		}
		rowsOut[r] = row
	}
	return term.Screen{Cols: cols, Rows: rows, Rows_: rowsOut}
}

func TestRoundTripBlankScreen(t *testing.T) {
	s := blankScreen(80, 24)
	s.CursorX, s.CursorY = 5, 3

	encoded := Encode(s)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Cols != s.Cols || decoded.Rows != s.Rows {
		t.Fatalf("dimensions mismatch: got %dx%d want %dx%d", decoded.Cols, decoded.Rows, s.Cols, s.Rows)
	}
	if decoded.CursorX != s.CursorX || decoded.CursorY != s.CursorY {
		t.Fatalf("cursor mismatch: got (%d,%d) want (%d,%d)", decoded.CursorX, decoded.CursorY, s.CursorX, s.CursorY)
	}
	if len(encoded) > 200 {
		t.Errorf("expected a blank 80x24 screen to compress to a handful of empty-run records, got %d bytes", len(encoded))
	}
}

func TestRoundTripWithContentAndAttributes(t *testing.T) {
	s := blankScreen(10, 3)
	s.Bell = true
	s.Rows_[1][0] = term.Cell{Codepoint: 'H', Bold: true, FgKind: 2, Fg: [3]byte{255, 0, 0}}
	s.Rows_[1][1] = term.Cell{Codepoint: 'i', Underline: true, BgKind: 1, Bg: [3]byte{4}}

	encoded := Encode(s)
	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !decoded.Bell {
		t.Error("expected bell flag to round-trip")
	}
	got := decoded.Rows_[1][0]
	if got.Codepoint != 'H' || !got.Bold || got.FgKind != 2 || got.Fg != [3]byte{255, 0, 0} {
		t.Errorf("cell 0 mismatch: %+v", got)
	}
	got2 := decoded.Rows_[1][1]
	if got2.Codepoint != 'i' || !got2.Underline || got2.BgKind != 1 || got2.Bg[0] != 4 {
		t.Errorf("cell 1 mismatch: %+v", got2)
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	data := make([]byte, 32)
	if _, err := Decode(data); err == nil {
		t.Error("expected error for zeroed header with bad magic")
	}
}

func TestDecodeRejectsShortFrame(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err == nil {
		t.Error("expected error for too-short frame")
	}
}
