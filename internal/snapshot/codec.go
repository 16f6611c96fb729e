// Package snapshot implements the buffer snapshot codec (C6): a fixed
// binary frame encoding a terminal screen for cheap WebSocket fan-out
// (spec §4.6). Grounded structurally on the teacher's own explicit
// little-endian field writers in internal/egg/server.go's
// writeAuditFrame/writeVarint, though the layout itself is novel (no
// teacher analogue emits structured per-cell binary frames).
package snapshot

import (
	"encoding/binary"
	"fmt"

	"github.com/vibetunnel/vibetunnel/internal/term"
)

const (
	magic0  = 0x54
	magic1  = 0x56
	version = 1

	flagBell = 1 << 0

	rowEmptyRun = 0xFE
	rowCells    = 0xFD

	colorDefault = 0
	colorIndexed = 1
	colorRGB     = 2

	attrBold      = 1 << 0
	attrItalic    = 1 << 1
	attrUnderline = 1 << 2
	attrInverse   = 1 << 3
	attrStrike    = 1 << 4
	attrDim       = 1 << 5
)

// Encode serializes a screen snapshot into the §4.6 binary frame.
func Encode(s term.Screen) []byte {
	buf := make([]byte, 0, 512)

	header := make([]byte, 32)
	header[0] = magic0
	header[1] = magic1
	header[2] = version
	if s.Bell {
		header[3] = flagBell
	}
	binary.LittleEndian.PutUint32(header[4:8], uint32(s.Cols))
	binary.LittleEndian.PutUint32(header[8:12], uint32(s.Rows))
	binary.LittleEndian.PutUint32(header[12:16], uint32(int32(s.ViewportY)))
	binary.LittleEndian.PutUint32(header[16:20], uint32(int32(s.CursorX)))
	binary.LittleEndian.PutUint32(header[20:24], uint32(int32(s.CursorY)))
	buf = append(buf, header...)

	emptyRun := 0
	flushEmpty := func() {
		for emptyRun > 0 {
			n := emptyRun
			if n > 255 {
				n = 255
			}
			buf = append(buf, rowEmptyRun, byte(n))
			emptyRun -= n
		}
	}

	for _, row := range s.Rows_ {
		if isEmptyRow(row) {
			emptyRun++
			continue
		}
		flushEmpty()

		cellBuf := make([]byte, 0, len(row)*12)
		for _, c := range row {
			cellBuf = appendCell(cellBuf, c)
		}
		lenHdr := make([]byte, 3)
		lenHdr[0] = rowCells
		binary.LittleEndian.PutUint16(lenHdr[1:3], uint16(len(row)))
		buf = append(buf, lenHdr...)
		buf = append(buf, cellBuf...)
	}
	flushEmpty()

	return buf
}

func isEmptyRow(row []term.Cell) bool {
	for _, c := range row {
		if c.Codepoint != ' ' && c.Codepoint != 0 {
			return false
		}
		if c.FgKind != colorDefault || c.BgKind != colorDefault {
			return false
		}
		if c.Bold || c.Italic || c.Underline || c.Inverse || c.Strike || c.Dim {
			return false
		}
	}
	return true
}

func appendCell(buf []byte, c term.Cell) []byte {
	cp := make([]byte, 4)
	binary.LittleEndian.PutUint32(cp, uint32(c.Codepoint))
	buf = append(buf, cp...)

	buf = append(buf, c.FgKind)
	buf = appendColorPayload(buf, c.FgKind, c.Fg)
	buf = append(buf, c.BgKind)
	buf = appendColorPayload(buf, c.BgKind, c.Bg)

	var attr byte
	if c.Bold {
		attr |= attrBold
	}
	if c.Italic {
		attr |= attrItalic
	}
	if c.Underline {
		attr |= attrUnderline
	}
	if c.Inverse {
		attr |= attrInverse
	}
	if c.Strike {
		attr |= attrStrike
	}
	if c.Dim {
		attr |= attrDim
	}
	buf = append(buf, attr)
	return buf
}

func appendColorPayload(buf []byte, kind uint8, rgb [3]byte) []byte {
	switch kind {
	case colorDefault:
		return buf
	case colorIndexed:
		return append(buf, rgb[0])
	case colorRGB:
		return append(buf, rgb[0], rgb[1], rgb[2])
	default:
		return buf
	}
}

// Decode parses a §4.6 binary frame back into a Screen. Used for tests and
// by any client-side verification; the server itself only encodes.
func Decode(data []byte) (term.Screen, error) {
	if len(data) < 32 {
		return term.Screen{}, fmt.Errorf("snapshot: frame too short (%d bytes)", len(data))
	}
	if data[0] != magic0 || data[1] != magic1 {
		return term.Screen{}, fmt.Errorf("snapshot: bad magic")
	}
	if data[2] != version {
		return term.Screen{}, fmt.Errorf("snapshot: unsupported version %d", data[2])
	}

	s := term.Screen{
		Bell:      data[3]&flagBell != 0,
		Cols:      int(binary.LittleEndian.Uint32(data[4:8])),
		Rows:      int(binary.LittleEndian.Uint32(data[8:12])),
		ViewportY: int(int32(binary.LittleEndian.Uint32(data[12:16]))),
		CursorX:   int(int32(binary.LittleEndian.Uint32(data[16:20]))),
		CursorY:   int(int32(binary.LittleEndian.Uint32(data[20:24]))),
	}

	pos := 32
	var rows [][]term.Cell
	for len(rows) < s.Rows {
		if pos >= len(data) {
			return term.Screen{}, fmt.Errorf("snapshot: truncated row stream")
		}
		tag := data[pos]
		switch tag {
		case rowEmptyRun:
			if pos+2 > len(data) {
				return term.Screen{}, fmt.Errorf("snapshot: truncated empty run")
			}
			count := int(data[pos+1])
			pos += 2
			for i := 0; i < count; i++ {
				rows = append(rows, emptyRow(s.Cols))
			}
		case rowCells:
			if pos+3 > len(data) {
				return term.Screen{}, fmt.Errorf("snapshot: truncated row header")
			}
			cellCount := int(binary.LittleEndian.Uint16(data[pos+1 : pos+3]))
			pos += 3
			row := make([]term.Cell, cellCount)
			for i := 0; i < cellCount; i++ {
				cell, next, err := parseCell(data, pos)
				if err != nil {
					return term.Screen{}, err
				}
				row[i] = cell
				pos = next
			}
			rows = append(rows, row)
		default:
			return term.Screen{}, fmt.Errorf("snapshot: unknown row tag 0x%02x", tag)
		}
	}
	s.Rows_ = rows
	return s, nil
}

func emptyRow(cols int) []term.Cell {
	row := make([]term.Cell, cols)
	for i := range row {
		row[i] = term.Cell{Codepoint: ' '}
	}
	return row
}

func parseCell(data []byte, pos int) (term.Cell, int, error) {
	if pos+4 > len(data) {
		return term.Cell{}, 0, fmt.Errorf("snapshot: truncated codepoint")
	}
	cp := rune(binary.LittleEndian.Uint32(data[pos : pos+4]))
	pos += 4

	fgKind, fg, pos, err := parseColor(data, pos)
	if err != nil {
		return term.Cell{}, 0, err
	}
	bgKind, bg, pos, err := parseColor(data, pos)
	if err != nil {
		return term.Cell{}, 0, err
	}
	if pos >= len(data) {
		return term.Cell{}, 0, fmt.Errorf("snapshot: truncated attribute byte")
	}
	attr := data[pos]
	pos++

	return term.Cell{
		Codepoint: cp,
		FgKind:    fgKind,
		Fg:        fg,
		BgKind:    bgKind,
		Bg:        bg,
		Bold:      attr&attrBold != 0,
		Italic:    attr&attrItalic != 0,
		Underline: attr&attrUnderline != 0,
		Inverse:   attr&attrInverse != 0,
		Strike:    attr&attrStrike != 0,
		Dim:       attr&attrDim != 0,
	}, pos, nil
}

func parseColor(data []byte, pos int) (uint8, [3]byte, int, error) {
	if pos >= len(data) {
		return 0, [3]byte{}, 0, fmt.Errorf("snapshot: truncated color kind")
	}
	kind := data[pos]
	pos++
	var payload [3]byte
	switch kind {
	case colorDefault:
	case colorIndexed:
		if pos >= len(data) {
			return 0, payload, 0, fmt.Errorf("snapshot: truncated indexed color")
		}
		payload[0] = data[pos]
		pos++
	case colorRGB:
		if pos+3 > len(data) {
			return 0, payload, 0, fmt.Errorf("snapshot: truncated rgb color")
		}
		copy(payload[:], data[pos:pos+3])
		pos += 3
	default:
		return 0, payload, 0, fmt.Errorf("snapshot: unknown color kind %d", kind)
	}
	return kind, payload, pos, nil
}
