package term

import "regexp"

// clearScreen matches the escape sequences that wipe the visible grid: ED
// modes 2 and 3 (\x1b[2J erases the screen, \x1b[3J also drops scrollback)
// and RIS (\x1bc, full terminal reset) — the same three cases the teacher's
// own vterm tests exercise.
var clearScreen = regexp.MustCompile(`\x1b\[[23]J|\x1bc`)

// DetectClear reports whether chunk contains a screen-clearing sequence, for
// the recording layer's clear marker event (§3, §4.1).
func DetectClear(chunk []byte) bool {
	return clearScreen.Match(chunk)
}
