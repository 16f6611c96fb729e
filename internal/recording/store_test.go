package recording

import (
	"path/filepath"
	"testing"
)

func TestWriterAppendAndReadFrom(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 80, 24, "sh", false)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.AppendOutput("hello"); err != nil {
		t.Fatalf("AppendOutput: %v", err)
	}
	if err := w.AppendResize(120, 40); err != nil {
		t.Fatalf("AppendResize: %v", err)
	}
	if err := w.AppendExit(0); err != nil {
		t.Fatalf("AppendExit: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events, offset, err := ReadFrom(filepath.Join(dir, "stdout"), 0)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if offset <= 0 {
		t.Errorf("expected positive offset, got %d", offset)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events (header line is not an event), got %d: %+v", len(events), events)
	}
	if events[0].Kind != KindOutput || events[0].Text != "hello" {
		t.Errorf("event 0 = %+v", events[0])
	}
	if events[1].Kind != KindResize || events[1].Cols != 120 || events[1].Rows != 40 {
		t.Errorf("event 1 = %+v", events[1])
	}
	if events[2].Kind != KindExit || events[2].Code != 0 {
		t.Errorf("event 2 = %+v", events[2])
	}
}

func TestReadFromResumesAtOffset(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, 80, 24, "sh", false)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	w.AppendOutput("first")
	mid := w.Offset()
	w.AppendOutput("second")
	w.Close()

	events, _, err := ReadFrom(filepath.Join(dir, "stdout"), mid)
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if len(events) != 1 || events[0].Text != "second" {
		t.Fatalf("expected only the second event from offset %d, got %+v", mid, events)
	}
}

func TestClearOffsetAdvancesMonotonically(t *testing.T) {
	dir := t.TempDir()
	w, _ := NewWriter(dir, 80, 24, "sh", false)
	defer w.Close()

	if w.ClearOffset() != -1 {
		t.Fatalf("expected no clear offset initially")
	}
	w.AppendOutput("abc")
	w.AppendClear()
	first := w.ClearOffset()
	if first <= 0 {
		t.Fatalf("expected positive clear offset, got %d", first)
	}
	w.AppendOutput("def")
	w.AppendClear()
	second := w.ClearOffset()
	if second <= first {
		t.Fatalf("expected clear offset to strictly increase: %d -> %d", first, second)
	}
}
