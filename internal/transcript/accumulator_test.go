package transcript

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestAccumulatorMergeSequence(t *testing.T) {
	acc := New()

	acc.SetInterim("hello")
	if got := acc.Display(); got != "hello" {
		t.Fatalf("expected display %q, got %q", "hello", got)
	}

	acc.AppendFinal("hello world")
	acc.SetInterim("")
	if acc.Finalized() != "hello world" || acc.Interim() != "" {
		t.Fatalf("unexpected state finalized=%q interim=%q", acc.Finalized(), acc.Interim())
	}
	if got := acc.Display(); got != "hello world" {
		t.Fatalf("expected display %q, got %q", "hello world", got)
	}

	acc.SetInterim(" foo")
	if got := acc.Display(); got != "hello world foo" {
		t.Fatalf("expected display %q, got %q", "hello world foo", got)
	}
}

func TestInterimIsReplacedNotAppended(t *testing.T) {
	acc := New()
	acc.SetInterim("one")
	acc.SetInterim("two")
	if acc.Interim() != "two" {
		t.Fatalf("expected interim replaced, got %q", acc.Interim())
	}
}

func TestAppendFinalIsNotIdempotent(t *testing.T) {
	acc := New()
	acc.AppendFinal("a ")
	acc.AppendFinal("a ")
	if acc.Finalized() != "a a " {
		t.Fatalf("expected double append, got %q", acc.Finalized())
	}
}

func TestClearResetsBoth(t *testing.T) {
	acc := New()
	acc.AppendFinal("done. ")
	acc.SetInterim("pending")
	acc.Clear()
	if acc.Display() != "" || acc.Finalized() != "" || acc.Interim() != "" {
		t.Fatalf("expected empty accumulator, got %q", acc.Display())
	}
}

func TestWriteToEmitsFinalizedOnly(t *testing.T) {
	acc := New()
	acc.AppendFinal("first. ")
	acc.AppendFinal("second.")
	acc.SetInterim(" never exported")

	var buf bytes.Buffer
	n, err := acc.WriteTo(&buf)
	if err != nil {
		t.Fatalf("write: %v", err)
	}
	if buf.String() != "first. second." || n != int64(len("first. second.")) {
		t.Fatalf("unexpected export %q (%d bytes)", buf.String(), n)
	}
}

func TestExportFileMatchesFinalized(t *testing.T) {
	acc := New()
	acc.AppendFinal("line one\n")
	acc.AppendFinal("ünïcode ")
	path := filepath.Join(t.TempDir(), "out", "transcript.txt")

	if err := ExportFile(path, acc.Finalized()); err != nil {
		t.Fatalf("export: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if string(data) != acc.Finalized() {
		t.Fatalf("export mismatch: %q vs %q", data, acc.Finalized())
	}
}

type failingClipboard struct{ calls int }

func (f *failingClipboard) WriteAll(string) error {
	f.calls++
	return errors.New("host rejected copy")
}

type memoryClipboard struct{ text string }

func (m *memoryClipboard) WriteAll(text string) error {
	m.text = text
	return nil
}

func TestCopyWrapsClipboardFailure(t *testing.T) {
	cb := &failingClipboard{}
	err := Copy(cb, "text")
	if !errors.Is(err, ErrClipboard) {
		t.Fatalf("expected ErrClipboard, got %v", err)
	}
	if err := Copy(cb, "text"); !errors.Is(err, ErrClipboard) {
		t.Fatalf("expected retry to fail the same way, got %v", err)
	}
	if cb.calls != 2 {
		t.Fatalf("expected two attempts, got %d", cb.calls)
	}
}

func TestCopyWritesText(t *testing.T) {
	cb := &memoryClipboard{}
	if err := Copy(cb, "hello world"); err != nil {
		t.Fatalf("copy: %v", err)
	}
	if cb.text != "hello world" {
		t.Fatalf("unexpected clipboard %q", cb.text)
	}
}
