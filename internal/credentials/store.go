// Package credentials reads API keys from per-namespace JSON files.
//
// A namespace maps to <dir>/<namespace>.json holding a flat object of string
// values. Missing files and keys are created empty so the operator knows what
// to fill in.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/harun/appgen/internal/observability"
)

// ErrInvalidNamespace is returned for namespaces that are not plain names
var ErrInvalidNamespace = errors.New("invalid credential namespace")

// Store resolves credentials from files under a directory
type Store struct {
	dir    string
	logger zerolog.Logger

	mu    sync.RWMutex
	cache map[string]map[string]string
	gen   uint64

	watcher  *fsnotify.Watcher
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a store rooted at dir, creating it if needed
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if dir == "" {
		return nil, errors.New("credentials directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create credentials directory: %w", err)
	}
	return &Store{
		dir:    dir,
		logger: logger.With().Str("component", "credentials").Logger(),
		done:   make(chan struct{}),
	}, nil
}

// Dir returns the credentials directory
func (s *Store) Dir() string {
	return s.dir
}

// Get returns the value of key in namespace. ok is false when the file or
// key is missing, the file is malformed or the value is empty.
func (s *Store) Get(ctx context.Context, namespace, key string) (value string, ok bool) {
	status := "missing"
	defer func() {
		if ok {
			status = "resolved"
		}
		observability.RecordCredentialAudit(ctx, namespace, status)
	}()

	path, err := s.path(namespace)
	if err != nil {
		s.logger.Error().Err(err).Str("namespace", namespace).Msg("Rejected credential lookup")
		status = "invalid"
		return "", false
	}

	values, err := s.load(namespace, path)
	if errors.Is(err, os.ErrNotExist) {
		s.logger.Warn().Str("file", path).Msg("Auto-creating missing credentials file, please edit")
		if err := s.write(path, map[string]string{key: ""}); err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("Failed to create credentials file")
		}
		return "", false
	}
	if err != nil {
		s.logger.Error().Err(err).Str("file", path).Msg("Error parsing credentials file")
		status = "malformed"
		return "", false
	}

	v, exists := values[key]
	if !exists {
		s.logger.Error().Str("key", key).Str("file", path).Msg("Missing key in credentials file, please edit")
		values[key] = ""
		if err := s.write(path, values); err != nil {
			s.logger.Error().Err(err).Str("file", path).Msg("Failed to update credentials file")
		}
		return "", false
	}
	return v, v != ""
}

func (s *Store) path(namespace string) (string, error) {
	if namespace == "" || strings.ContainsAny(namespace, `/\.`) || strings.Contains(namespace, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrInvalidNamespace, namespace)
	}
	return filepath.Join(s.dir, namespace+".json"), nil
}

// load returns a copy of the namespace values, from cache when watching
func (s *Store) load(namespace, path string) (map[string]string, error) {
	s.mu.RLock()
	cached, hit := s.cache[namespace]
	gen := s.gen
	s.mu.RUnlock()
	if hit {
		return copyValues(cached), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if err := json.Unmarshal(data, &values); err != nil {
		return nil, err
	}

	// skip caching if the file changed while it was read
	s.mu.Lock()
	if s.cache != nil && s.gen == gen {
		s.cache[namespace] = copyValues(values)
	}
	s.mu.Unlock()
	return values, nil
}

func (s *Store) write(path string, values map[string]string) error {
	data, err := json.MarshalIndent(values, "", "    ")
	if err != nil {
		return err
	}
	s.invalidate(path)
	return os.WriteFile(path, data, 0600)
}

func (s *Store) invalidate(path string) {
	namespace := strings.TrimSuffix(filepath.Base(path), ".json")
	s.mu.Lock()
	delete(s.cache, namespace)
	s.gen++
	s.mu.Unlock()
}

// Watch caches parsed files and drops a namespace from the cache whenever
// its file changes on disk.
func (s *Store) Watch() error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch credentials directory: %w", err)
	}

	s.mu.Lock()
	s.cache = make(map[string]map[string]string)
	s.mu.Unlock()
	s.watcher = watcher

	s.wg.Add(1)
	go s.eventLoop()

	s.logger.Info().Str("path", s.dir).Msg("Credentials watcher started")
	return nil
}

func (s *Store) eventLoop() {
	defer s.wg.Done()
	for {
		select {
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Ext(event.Name) != ".json" {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				s.invalidate(event.Name)
				s.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("Credentials reloaded")
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error().Err(err).Msg("Watcher error")

		case <-s.done:
			return
		}
	}
}

// Close stops the watcher, if running
func (s *Store) Close() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.done)
		if s.watcher != nil {
			err = s.watcher.Close()
		}
		s.wg.Wait()
	})
	return err
}

func copyValues(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
