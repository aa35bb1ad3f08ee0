package transcript

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/atotto/clipboard"
)

// ErrClipboard wraps failures reported by the host clipboard.
var ErrClipboard = errors.New("clipboard unavailable")

// Clipboard receives copied transcript text.
type Clipboard interface {
	WriteAll(text string) error
}

// SystemClipboard writes to the desktop clipboard.
type SystemClipboard struct{}

func (SystemClipboard) WriteAll(text string) error {
	if clipboard.Unsupported {
		return ErrClipboard
	}
	if err := clipboard.WriteAll(text); err != nil {
		return fmt.Errorf("%w: %v", ErrClipboard, err)
	}
	return nil
}

// Copy hands text to the clipboard. Failures are wrapped with ErrClipboard so
// callers can retry without touching transcript state.
func Copy(cb Clipboard, text string) error {
	if cb == nil {
		return ErrClipboard
	}
	if err := cb.WriteAll(text); err != nil {
		if errors.Is(err, ErrClipboard) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrClipboard, err)
	}
	return nil
}

// ExportFile writes text to path as a plain-text file. The content is exactly
// text; the file is replaced atomically.
func ExportFile(path, text string) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create export dir: %w", err)
		}
	}
	tmp, err := os.CreateTemp(dir, ".transcript-*.txt")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(text); err != nil {
		tmp.Close()
		return fmt.Errorf("write transcript: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close transcript: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		return fmt.Errorf("chmod transcript: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename transcript: %w", err)
	}
	return nil
}
