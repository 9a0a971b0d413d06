package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// RotatingWriter is a size-based rotating log file. It is safe for
// concurrent use; zerolog writes from every goroutine that logs.
//
// Rotated files are named <file>.<timestamp>, gzipped when compress is set,
// and pruned once older than maxAge days. Housekeeping runs in the
// background after every rotation and once at startup; Close waits for it.
type RotatingWriter struct {
	mu       sync.Mutex
	filename string
	maxSize  int64 // bytes
	maxAge   int   // days
	compress bool
	file     *os.File
	size     int64
	now      func() time.Time

	housekeeping sync.WaitGroup
}

// NewRotatingWriter opens filename for appending, creating its directory.
func NewRotatingWriter(filename string, maxSizeMB int, maxAge int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, size, err := openAppend(filename)
	if err != nil {
		return nil, err
	}

	w := &RotatingWriter{
		filename: filename,
		maxSize:  int64(maxSizeMB) * 1024 * 1024,
		maxAge:   maxAge,
		compress: compress,
		file:     file,
		size:     size,
		now:      time.Now,
	}
	w.housekeep("")
	return w, nil
}

func openAppend(filename string) (*os.File, int64, error) {
	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, fmt.Errorf("failed to stat log file: %w", err)
	}
	return file, info.Size(), nil
}

// Write appends p, rotating first when p would push the file over the limit.
// A single write larger than the limit still lands in one file.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}

	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the file and waits for pending housekeeping. It is safe to
// call more than once.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.housekeeping.Wait()
	return err
}

// rotate must be called with mu held.
func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}

	stamp := w.now().Format("20060102-150405.000000")
	rotated := fmt.Sprintf("%s.%s", w.filename, stamp)
	for i := 1; fileExists(rotated); i++ {
		rotated = fmt.Sprintf("%s.%s.%d", w.filename, stamp, i)
	}
	if err := os.Rename(w.filename, rotated); err != nil {
		return err
	}

	file, _, err := openAppend(w.filename)
	if err != nil {
		w.file = nil
		return err
	}
	w.file = file
	w.size = 0

	w.housekeep(rotated)
	return nil
}

// housekeep compresses rotated (if any) and prunes expired files in the
// background.
func (w *RotatingWriter) housekeep(rotated string) {
	compress := w.compress && rotated != ""
	var cutoff time.Time
	if w.maxAge > 0 {
		cutoff = w.now().AddDate(0, 0, -w.maxAge)
	}

	w.housekeeping.Add(1)
	go func() {
		defer w.housekeeping.Done()
		if compress {
			_ = compressFile(rotated)
		}
		if !cutoff.IsZero() {
			w.cleanup(cutoff)
		}
	}()
}

// compressFile gzips a rotated file and removes the original.
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
	if _, err := io.Copy(gzw, src); err != nil {
		gzw.Close()
		return err
	}
	if err := gzw.Close(); err != nil {
		return err
	}
	return os.Remove(filename)
}

// cleanup removes rotated files last modified before cutoff. The live file
// never matches the pattern.
func (w *RotatingWriter) cleanup(cutoff time.Time) {
	matches, err := filepath.Glob(w.filename + ".*")
	if err != nil {
		return
	}
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		_ = os.Remove(path)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
