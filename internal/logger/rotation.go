package logger

import (
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const backupTimeFormat = "20060102-150405"

// RotatingWriter appends to a log file and moves it aside once it would grow
// past a size limit. Moved-aside backups are optionally gzipped and removed
// after the retention period. Safe for concurrent use.
type RotatingWriter struct {
	mu        sync.Mutex
	path      string
	limit     int64
	retention time.Duration
	gzip      bool

	file *os.File
	size int64

	// background gzip and pruning after a rotation
	bg  sync.WaitGroup
	now func() time.Time
}

// NewRotatingWriter opens (or creates) path for appending. maxSizeMB is the
// size limit of the live file, maxAgeDays the retention of backups (0 keeps
// them forever).
func NewRotatingWriter(path string, maxSizeMB int, maxAgeDays int, compress bool) (*RotatingWriter, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	w := &RotatingWriter{
		path:      path,
		limit:     int64(maxSizeMB) << 20,
		retention: time.Duration(maxAgeDays) * 24 * time.Hour,
		gzip:      compress,
		now:       time.Now,
	}
	if err := w.openLive(); err != nil {
		return nil, err
	}
	w.removeExpired()
	return w, nil
}

func (w *RotatingWriter) openLive() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when p would push a non-empty file past
// the limit.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size > 0 && w.size+int64(len(p)) > w.limit {
		if err := w.rotate(); err != nil {
			return 0, fmt.Errorf("log rotation failed: %w", err)
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Close closes the live file and waits for pending gzip and pruning work.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	var err error
	if w.file != nil {
		err = w.file.Close()
		w.file = nil
	}
	w.mu.Unlock()

	w.bg.Wait()
	return err
}

func (w *RotatingWriter) rotate() error {
	if err := w.file.Close(); err != nil {
		return err
	}
	w.file = nil

	backup := w.backupName()
	if err := os.Rename(w.path, backup); err != nil {
		return err
	}
	if err := w.openLive(); err != nil {
		return err
	}

	w.bg.Add(1)
	go func() {
		defer w.bg.Done()
		if w.gzip {
			// best effort, the plain backup stays if gzip fails
			_ = gzipFile(backup)
		}
		w.removeExpired()
	}()
	return nil
}

// backupName picks an unused name of the form <path>.<timestamp>[-n].
func (w *RotatingWriter) backupName() string {
	base := w.path + "." + w.now().Format(backupTimeFormat)
	name := base
	for i := 1; ; i++ {
		_, errPlain := os.Stat(name)
		_, errGz := os.Stat(name + ".gz")
		if os.IsNotExist(errPlain) && os.IsNotExist(errGz) {
			return name
		}
		name = fmt.Sprintf("%s-%d", base, i)
	}
}

// removeExpired deletes backups last modified before the retention window
// and returns how many were removed.
func (w *RotatingWriter) removeExpired() int {
	if w.retention <= 0 {
		return 0
	}
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return 0
	}

	cutoff := w.now().Add(-w.retention)
	removed := 0
	for _, b := range backups {
		if !isBackup(w.path, b) {
			continue
		}
		info, err := os.Stat(b)
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(b) == nil {
			removed++
		}
	}
	return removed
}

// isBackup reports whether name looks like <path>.<timestamp>[-n][.gz].
func isBackup(path, name string) bool {
	suffix := strings.TrimSuffix(strings.TrimPrefix(name, path+"."), ".gz")
	if len(suffix) < len(backupTimeFormat) {
		return false
	}
	_, err := time.Parse(backupTimeFormat, suffix[:len(backupTimeFormat)])
	return err == nil
}

// gzipFile replaces name with name.gz.
func gzipFile(name string) error {
	src, err := os.Open(name)
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.Create(name + ".gz")
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		zw.Close()
		dst.Close()
		os.Remove(name + ".gz")
		return err
	}
	if err := zw.Close(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	return os.Remove(name)
}
