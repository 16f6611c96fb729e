// Package activity implements the prompt/idle detector (C10): a small state
// machine that watches each session's trailing output row and classifies it
// as "idle at a shell prompt" or "busy", without re-using C2's full terminal
// emulation (the detector works directly on the raw output stream, per
// spec §4.10's "current row's rendered contents, with ANSI stripped").
package activity

import (
	"bytes"
	"container/list"
	"regexp"
	"strings"
	"sync"
	"time"
)

// activeWindow is how recently output must have occurred for a session to
// be considered active at all (§4.10).
const activeWindow = 2 * time.Second

const lruCapacity = 1024

// ansiEscape strips CSI/OSC/single-char escape sequences and bare CR so the
// remaining text is what would actually render on the terminal row.
var ansiEscape = regexp.MustCompile(`\x1b\[[0-9;?]*[ -/]*[@-~]` + `|\x1b\][^\x07\x1b]*(\x07|\x1b\\)` + `|\x1b[PX^_][^\x1b]*\x1b\\` + `|\x1b[()][AB012]` + `|\x1b[=>78cDEHM]` + `|\r`)

// pythonReplLine matches a bare Python REPL prompt or continuation line.
// RE2 has no lookbehind, so rather than writing a single pattern that
// matches "$/>/#/%/❯/➜ at end of line, unless preceded by another > or .",
// we exclude these shapes up front before testing the generic patterns.
var pythonReplLine = regexp.MustCompile(`^(>>>|\.\.\.)$`)

// promptPatterns cover the shapes named in §4.10: bare sigils at the end of
// a (trimmed) line, and bracketed prompts like "[user@host ~]$ ".
var promptPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\$$`),
	regexp.MustCompile(`>$`),
	regexp.MustCompile(`#$`),
	regexp.MustCompile(`%$`),
	regexp.MustCompile(`❯$`),
	regexp.MustCompile(`➜$`),
	regexp.MustCompile(`\]\s*[$#%>❯➜]$`),
}

type statusPattern struct {
	match *regexp.Regexp
	label string
}

// statusPatterns recognise a handful of well-known application banners for
// the optional specificStatus signal (§4.10). Deliberately small: this is a
// convenience surface, not an attempt to catalogue every TUI.
var statusPatterns = []statusPattern{
	{regexp.MustCompile(`-- INSERT --`), "vim:insert"},
	{regexp.MustCompile(`-- VISUAL --`), "vim:visual"},
	{regexp.MustCompile(`-- REPLACE --`), "vim:replace"},
	{regexp.MustCompile(`(?i)receiving objects`), "git:transfer"},
	{regexp.MustCompile(`(?i)resolving deltas`), "git:transfer"},
}

type sessionState struct {
	lastOutput time.Time
	lastRow    string
	status     string
}

// Detector implements session.ActivityTracker.
type Detector struct {
	mu     sync.Mutex
	states map[string]*sessionState
	cache  *lruCache
}

func NewDetector() *Detector {
	return &Detector{
		states: make(map[string]*sessionState),
		cache:  newLRUCache(lruCapacity),
	}
}

// Observe records a chunk of a session's output. Only the last non-blank
// rendered line is kept; that's the row a prompt match is tested against.
func (d *Detector) Observe(sessionID string, chunk []byte) {
	stripped := ansiEscape.ReplaceAll(chunk, nil)
	row := lastNonBlankLine(stripped)
	status := detectStatus(chunk)

	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[sessionID]
	if !ok {
		st = &sessionState{}
		d.states[sessionID] = st
	}
	st.lastOutput = time.Now()
	if row != "" {
		st.lastRow = row
	}
	if status != "" {
		st.status = status
	}
}

// IsActive reports whether sessionID produced output within the last 2s and
// its trailing row isn't a recognised idle prompt.
func (d *Detector) IsActive(sessionID string) bool {
	d.mu.Lock()
	st, ok := d.states[sessionID]
	d.mu.Unlock()
	if !ok {
		return false
	}
	if time.Since(st.lastOutput) >= activeWindow {
		return false
	}
	return !d.isPromptLine(st.lastRow)
}

// SpecificStatus returns the last recognised application banner for
// sessionID, or "" if none was seen.
func (d *Detector) SpecificStatus(sessionID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok := d.states[sessionID]; ok {
		return st.status
	}
	return ""
}

// Forget drops per-session state once a session is no longer tracked.
func (d *Detector) Forget(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.states, sessionID)
}

func (d *Detector) isPromptLine(row string) bool {
	if cached, ok := d.cache.get(row); ok {
		return cached
	}
	result := classifyPrompt(row)
	d.cache.put(row, result)
	return result
}

func classifyPrompt(row string) bool {
	trimmed := strings.TrimRight(row, " \t")
	if pythonReplLine.MatchString(trimmed) {
		return false
	}
	for _, re := range promptPatterns {
		if re.MatchString(trimmed) {
			return true
		}
	}
	return false
}

func detectStatus(chunk []byte) string {
	for _, p := range statusPatterns {
		if p.match.Match(chunk) {
			return p.label
		}
	}
	return ""
}

func lastNonBlankLine(stripped []byte) string {
	lines := bytes.Split(stripped, []byte("\n"))
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimRight(string(lines[i]), " \t")
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// lruCache memoises row-string -> prompt classification, bounded at a small
// constant so long-running sessions with varied output don't grow it
// unbounded (§4.10).
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value bool
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{
		capacity: capacity,
		order:    list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (c *lruCache) get(key string) (bool, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return false, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}
