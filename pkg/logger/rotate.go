package logger

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	defaultMaxSizeMB  = 50
	defaultMaxBackups = 5
	defaultMaxAgeDays = 14
)

// rotatingWriter appends to path and shifts it to path.1, path.2, ... once it
// grows past maxSize. Backups older than maxAge are removed on rotation.
type rotatingWriter struct {
	mu         sync.Mutex
	file       *os.File
	path       string
	size       int64
	maxSize    int64
	maxBackups int
	maxAge     time.Duration
}

func newRotatingWriter(path string, maxSizeMB, maxBackups, maxAgeDays int) (*rotatingWriter, error) {
	if path == "" {
		return nil, errors.New("path is required")
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultMaxSizeMB
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	if maxAgeDays <= 0 {
		maxAgeDays = defaultMaxAgeDays
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit log directory: %w", err)
	}
	return &rotatingWriter{
		path:       path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
	}, nil
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil && w.size+int64(len(p)) > w.maxSize {
		w.rotate()
	}
	if err := w.open(); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *rotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file, w.size = nil, 0
	return err
}

func (w *rotatingWriter) open() error {
	if w.file != nil {
		return nil
	}
	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	w.file, w.size = file, info.Size()
	return nil
}

func (w *rotatingWriter) rotate() {
	_ = w.file.Close()
	w.file, w.size = nil, 0

	for i := w.maxBackups - 1; i >= 1; i-- {
		_ = os.Rename(w.backup(i), w.backup(i+1))
	}
	_ = os.Rename(w.path, w.backup(1))

	cutoff := time.Now().Add(-w.maxAge)
	for i := 1; i <= w.maxBackups; i++ {
		if info, err := os.Stat(w.backup(i)); err == nil && info.ModTime().Before(cutoff) {
			_ = os.Remove(w.backup(i))
		}
	}
}

func (w *rotatingWriter) backup(n int) string {
	return fmt.Sprintf("%s.%d", w.path, n)
}
