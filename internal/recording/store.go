package recording

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

const flushInterval = 50 * time.Millisecond

// Writer owns one session's on-disk stdout (and optional stdin) event log.
// Writes are buffered but flushed at least every 50ms and before Flush/Close
// return, matching spec §4.1.
type Writer struct {
	mu         sync.Mutex
	start      time.Time
	stdoutPath string
	stdinPath  string
	stdout     *os.File
	stdin      *os.File
	bufOut     *bufio.Writer
	bufIn      *bufio.Writer
	offset     int64
	lastClearOffset int64

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}
}

// NewWriter creates <dir>/stdout (and stdin if withStdin) with the header
// line, and starts the periodic flush goroutine.
func NewWriter(dir string, cols, rows int, command string, withStdin bool) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	start := time.Now()

	stdoutPath := filepath.Join(dir, "stdout")
	f, err := os.OpenFile(stdoutPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, err
	}

	w := &Writer{
		start:      start,
		stdoutPath: stdoutPath,
		stdout:     f,
		bufOut:     bufio.NewWriter(f),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}

	header, err := json.Marshal(Header{Version: 2, Width: cols, Height: rows, Timestamp: start.Unix(), Command: command})
	if err != nil {
		f.Close()
		return nil, err
	}
	if err := w.writeLine(w.bufOut, header); err != nil {
		f.Close()
		return nil, err
	}
	if err := w.bufOut.Flush(); err != nil {
		f.Close()
		return nil, err
	}
	stat, _ := f.Stat()
	if stat != nil {
		w.offset = stat.Size()
	}

	if withStdin {
		w.stdinPath = filepath.Join(dir, "stdin")
		sf, err := os.OpenFile(w.stdinPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
		if err != nil {
			f.Close()
			return nil, err
		}
		w.stdin = sf
		w.bufIn = bufio.NewWriter(sf)
		hdr, _ := json.Marshal(Header{Version: 2, Width: cols, Height: rows, Timestamp: start.Unix()})
		w.writeLine(w.bufIn, hdr)
		w.bufIn.Flush()
	}

	go w.flushLoop()
	return w, nil
}

func (w *Writer) flushLoop() {
	defer close(w.doneCh)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			w.bufOut.Flush()
			if w.bufIn != nil {
				w.bufIn.Flush()
			}
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Writer) elapsed() float64 {
	return time.Since(w.start).Seconds()
}

func (w *Writer) writeLine(buf *bufio.Writer, line []byte) error {
	if _, err := buf.Write(line); err != nil {
		return err
	}
	return buf.WriteByte('\n')
}

// AppendOutput records a chunk of PTY output.
func (w *Writer) AppendOutput(text string) error {
	return w.append(Event{Kind: KindOutput, Time: w.elapsed(), Text: text})
}

// AppendResize records a resize event. Per §4.3/§5, callers must call this
// before delivering any subsequent output event at the new dimensions.
func (w *Writer) AppendResize(cols, rows int) error {
	return w.append(Event{Kind: KindResize, Time: w.elapsed(), Cols: cols, Rows: rows})
}

// AppendClear records a screen-clear marker and advances the fast-path
// offset returned by ClearOffset.
func (w *Writer) AppendClear() error {
	w.mu.Lock()
	off := w.offset
	w.mu.Unlock()
	if err := w.append(Event{Kind: KindClear, Time: w.elapsed()}); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastClearOffset = off
	w.mu.Unlock()
	return nil
}

// AppendExit records the terminal exit event. At most one should ever be
// written per session (§8 property 3); callers enforce that.
func (w *Writer) AppendExit(code int) error {
	return w.append(Event{Kind: KindExit, Time: w.elapsed(), Code: code})
}

// AppendInput records an input event to the optional stdin audit log.
func (w *Writer) AppendInput(text string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bufIn == nil {
		return nil
	}
	line, err := MarshalLine(Event{Kind: KindInput, Time: w.elapsed(), Text: text})
	if err != nil {
		return err
	}
	return w.writeLine(w.bufIn, line)
}

func (w *Writer) append(e Event) error {
	line, err := MarshalLine(e)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.writeLine(w.bufOut, line); err != nil {
		return err
	}
	w.offset += int64(len(line)) + 1
	return nil
}

// Offset returns the current byte length of the stdout file including
// buffered-but-unflushed bytes.
func (w *Writer) Offset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.offset
}

// ClearOffset returns the byte offset of the most recent clear event, or -1
// if none has been written yet.
func (w *Writer) ClearOffset() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.lastClearOffset == 0 {
		return -1
	}
	return w.lastClearOffset
}

// Flush forces buffered bytes to disk, as required before returning from
// any API call that reads the file (§4.1).
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.bufOut.Flush(); err != nil {
		return err
	}
	if w.bufIn != nil {
		return w.bufIn.Flush()
	}
	return nil
}

// Close stops the flush goroutine and closes the underlying files.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
	if err := w.Flush(); err != nil {
		return err
	}
	if w.stdin != nil {
		w.stdin.Close()
	}
	return w.stdout.Close()
}

// Stats summarizes a recording for diagnostics/logging, formatted with
// go-humanize the way a production status endpoint would.
func (w *Writer) Stats() string {
	return fmt.Sprintf("%s written", humanize.Bytes(uint64(w.Offset())))
}

// ReadFrom reads events from path starting at byte offset from, tolerating
// a truncated trailing line (crash mid-write, §4.1). Returns the decoded
// events and the new offset to resume from on the next call.
func ReadFrom(path string, from int64) ([]Event, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, from, err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return nil, from, err
	}
	if from >= stat.Size() {
		return nil, stat.Size(), nil
	}
	if _, err := f.Seek(from, 0); err != nil {
		return nil, from, err
	}

	data, err := readAllTolerant(f)
	if err != nil {
		return nil, from, err
	}

	var events []Event
	offset := from
	lines := bytes.Split(data, []byte("\n"))
	for i, line := range lines {
		isLast := i == len(lines)-1
		if len(line) == 0 {
			if !isLast {
				offset++
			}
			continue
		}
		ev, err := UnmarshalLine(line)
		if err != nil {
			if isLast {
				// Truncated final line from a crash mid-write: discard, do
				// not advance past it so the next read retries it once
				// more bytes land.
				break
			}
			offset += int64(len(line)) + 1
			continue
		}
		events = append(events, ev)
		offset += int64(len(line)) + 1
	}
	return events, offset, nil
}

func readAllTolerant(f *os.File) ([]byte, error) {
	var buf bytes.Buffer
	_, err := buf.ReadFrom(f)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
