package session

import "fmt"

// ansiForKey resolves a special-key tag to the ANSI byte sequence written to
// the PTY, matching xterm's default keymap. Unknown tags are a BadRequest,
// checked by the caller against KeyTags before reaching here.
func ansiForKey(key string) ([]byte, error) {
	switch key {
	case "arrow_up":
		return []byte("\x1b[A"), nil
	case "arrow_down":
		return []byte("\x1b[B"), nil
	case "arrow_right":
		return []byte("\x1b[C"), nil
	case "arrow_left":
		return []byte("\x1b[D"), nil
	case "escape":
		return []byte("\x1b"), nil
	case "enter":
		return []byte("\r"), nil
	case "ctrl_enter":
		return []byte("\n"), nil
	case "shift_enter":
		return []byte("\x1b\r"), nil
	case "backspace":
		return []byte{0x7f}, nil
	case "tab":
		return []byte("\t"), nil
	case "shift_tab":
		return []byte("\x1b[Z"), nil
	case "page_up":
		return []byte("\x1b[5~"), nil
	case "page_down":
		return []byte("\x1b[6~"), nil
	case "home":
		return []byte("\x1b[H"), nil
	case "end":
		return []byte("\x1b[F"), nil
	case "delete":
		return []byte("\x1b[3~"), nil
	case "f1":
		return []byte("\x1bOP"), nil
	case "f2":
		return []byte("\x1bOQ"), nil
	case "f3":
		return []byte("\x1bOR"), nil
	case "f4":
		return []byte("\x1bOS"), nil
	case "f5":
		return []byte("\x1b[15~"), nil
	case "f6":
		return []byte("\x1b[17~"), nil
	case "f7":
		return []byte("\x1b[18~"), nil
	case "f8":
		return []byte("\x1b[19~"), nil
	case "f9":
		return []byte("\x1b[20~"), nil
	case "f10":
		return []byte("\x1b[21~"), nil
	case "f11":
		return []byte("\x1b[23~"), nil
	case "f12":
		return []byte("\x1b[24~"), nil
	default:
		return nil, fmt.Errorf("unknown key tag %q", key)
	}
}
