package logging

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// RotatingWriter appends to a log file and shifts it to path.1, path.2, ...
// once a write would take it past the size limit. At most keep old files
// survive a shift. Every write is synced so `tail -f` follows a worker.
type RotatingWriter struct {
	mu    sync.Mutex
	path  string
	limit int64
	keep  int
	f     *os.File
	size  int64
}

// NewRotatingWriter opens path for appending, creating its directory.
// A limit of 0 MB shifts the file before every write that finds it non-empty.
func NewRotatingWriter(path string, maxSizeMB, maxFiles int) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	w := &RotatingWriter{path: path, limit: int64(maxSizeMB) << 20, keep: max(maxFiles, 1)}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.shift(); err != nil {
			// Keep logging to whatever file is open.
			_, _ = fmt.Fprintf(os.Stderr, "bivy: log rotation failed: %v\n", err)
		}
	}
	if w.f == nil {
		return 0, fs.ErrClosed
	}

	n, err := w.f.Write(p)
	w.size += int64(n)
	if err == nil {
		err = w.f.Sync()
	}
	return n, err
}

// Close syncs and closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.f == nil {
		return nil
	}
	err := errors.Join(w.f.Sync(), w.f.Close())
	w.f = nil
	return err
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.f, w.size = f, info.Size()
	return nil
}

// shift renames path.N-1 to path.N down to path -> path.1, dropping the
// oldest, then reopens an empty path.
func (w *RotatingWriter) shift() error {
	if err := w.f.Close(); err != nil {
		return fmt.Errorf("failed to close log file: %w", err)
	}
	w.f = nil

	numbered := func(i int) string { return fmt.Sprintf("%s.%d", w.path, i) }
	if err := os.Remove(numbered(w.keep)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return errors.Join(err, w.open())
	}
	for i := w.keep - 1; i >= 1; i-- {
		if err := os.Rename(numbered(i), numbered(i+1)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return errors.Join(err, w.open())
		}
	}
	if err := os.Rename(w.path, numbered(1)); err != nil {
		return errors.Join(err, w.open())
	}
	return w.open()
}
