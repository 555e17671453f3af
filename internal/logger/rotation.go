package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// RotationConfig bounds the on-disk footprint of the daemon log
type RotationConfig struct {
	Filename   string
	MaxSizeMB  int
	MaxAgeDays int // 0 keeps rotated files forever
	Compress   bool
}

// RotatingWriter appends to a single log file, renaming it aside once it
// reaches the size cap. Rotated files past the retention window are
// pruned at open and after every rotation, so retention holds for a
// long-lived daemon, not just across restarts.
type RotatingWriter struct {
	cfg  RotationConfig
	max  int64
	file *os.File
	size int64
}

// NewRotatingWriter opens (or creates) the log file and prunes stale
// rotated files next to it.
func NewRotatingWriter(cfg RotationConfig) (*RotatingWriter, error) {
	if cfg.MaxSizeMB <= 0 {
		cfg.MaxSizeMB = 100
	}

	dir := filepath.Dir(cfg.Filename)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat log file: %w", err)
	}

	rw := &RotatingWriter{
		cfg:  cfg,
		max:  int64(cfg.MaxSizeMB) * 1024 * 1024,
		file: file,
		size: info.Size(),
	}
	rw.prune()

	return rw, nil
}

// Write appends, rotating first when the entry would push the file past
// the size cap.
func (w *RotatingWriter) Write(p []byte) (n int, err error) {
	if w.size+int64(len(p)) > w.max {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err = w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the current log file
func (w *RotatingWriter) Close() error {
	if w.file != nil {
		return w.file.Close()
	}
	return nil
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	rotated := fmt.Sprintf("%s.%s", w.cfg.Filename, time.Now().Format("20060102-150405"))
	if err := os.Rename(w.cfg.Filename, rotated); err != nil {
		return err
	}

	if w.cfg.Compress {
		go compressFile(rotated)
	}

	file, err := os.OpenFile(w.cfg.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	w.file = file
	w.size = 0

	w.prune()

	return nil
}

// compressFile gzips a rotated file and removes the original
func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(filename + ".gz")
	if err != nil {
		return err
	}
	defer dst.Close()

	gzw := gzip.NewWriter(dst)
	defer gzw.Close()

	if _, err := io.Copy(gzw, src); err != nil {
		return err
	}

	return os.Remove(filename)
}

// prune removes rotated files older than the retention window
func (w *RotatingWriter) prune() {
	if w.cfg.MaxAgeDays <= 0 {
		return
	}

	matches, err := filepath.Glob(w.cfg.Filename + ".*")
	if err != nil {
		return
	}

	cutoff := time.Now().AddDate(0, 0, -w.cfg.MaxAgeDays)
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		os.Remove(path)
		if !strings.HasSuffix(path, ".gz") {
			os.Remove(path + ".gz")
		}
	}
}
