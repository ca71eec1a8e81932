// Package output persists generated apps to disk, one directory per session.
package output

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

const (
	// DirPrefix prefixes every app directory
	DirPrefix = "app-"
	// SourceFile holds the raw assistant output of a session
	SourceFile = "source.txt"
)

// ErrUnsafePath is returned for paths that would escape the app directory
var ErrUnsafePath = errors.New("path escapes app directory")

// Dir is the output directory of one generated app
type Dir struct {
	path string
}

// Name returns the directory name for a session
func Name(sessionID string) string {
	return DirPrefix + sessionID
}

// Open creates (if needed) the app directory for sessionID under root
func Open(root, sessionID string) (*Dir, error) {
	if sessionID == "" || !filepath.IsLocal(sessionID) || strings.ContainsAny(sessionID, `/\`) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	path := filepath.Join(root, Name(sessionID))
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create app directory: %w", err)
	}
	return &Dir{path: path}, nil
}

// Path returns the absolute or root-relative directory path
func (d *Dir) Path() string {
	return d.path
}

// WriteFile writes content at the relative path rel, creating parents
func (d *Dir) WriteFile(rel, content string) error {
	full, err := d.resolve(rel)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", rel, err)
	}
	if err := os.WriteFile(full, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", rel, err)
	}
	return nil
}

// WriteSource writes the raw assistant output
func (d *Dir) WriteSource(source string) error {
	return d.WriteFile(SourceFile, source)
}

// WriteAll writes every file in sorted path order. Unsafe paths are skipped
// and returned; a failed write does not stop the remaining ones, and the
// failures are joined into err.
func (d *Dir) WriteAll(files map[string]string) (skipped []string, err error) {
	paths := make([]string, 0, len(files))
	for p := range files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var errs []error
	for _, p := range paths {
		werr := d.WriteFile(p, files[p])
		switch {
		case errors.Is(werr, ErrUnsafePath):
			skipped = append(skipped, p)
		case werr != nil:
			errs = append(errs, werr)
		}
	}
	return skipped, errors.Join(errs...)
}

// ReadFile reads a file back from the app directory
func (d *Dir) ReadFile(rel string) (string, error) {
	full, err := d.resolve(rel)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Exists reports whether rel exists in the app directory
func (d *Dir) Exists(rel string) bool {
	full, err := d.resolve(rel)
	if err != nil {
		return false
	}
	_, err = os.Stat(full)
	return err == nil
}

func (d *Dir) resolve(rel string) (string, error) {
	clean := filepath.FromSlash(rel)
	if !filepath.IsLocal(clean) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return filepath.Join(d.path, clean), nil
}

// Prune removes app directories under root last modified before now-olderThan
// and returns the removed directory names.
func Prune(root string, olderThan time.Duration, now time.Time) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read output root: %w", err)
	}

	cutoff := now.Add(-olderThan)
	var removed []string
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), DirPrefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.RemoveAll(filepath.Join(root, entry.Name())); err != nil {
			return removed, fmt.Errorf("failed to remove %s: %w", entry.Name(), err)
		}
		removed = append(removed, entry.Name())
	}
	return removed, nil
}
