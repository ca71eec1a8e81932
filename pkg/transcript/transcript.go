// Package transcript keeps an append-only JSONL log of every session's turns.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/appgen/internal/tracing"
	"github.com/harun/appgen/pkg/upstream"
)

const (
	tracerName = "appgen/transcript"
	fileExt    = ".jsonl"
)

// Entry is one recorded turn
type Entry struct {
	SessionID string           `json:"sessionId"`
	Index     int              `json:"index"`
	Turn      upstream.Message `json:"turn"`
	Timestamp time.Time        `json:"timestamp"`
}

// Log stores transcripts as one JSONL file per session
type Log struct {
	dir    string
	logger zerolog.Logger

	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
}

// New creates a transcript log rooted at dir
func New(dir string, logger zerolog.Logger) (*Log, error) {
	if dir == "" {
		return nil, fmt.Errorf("transcript directory is required")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Log{
		dir:        dir,
		logger:     logger.With().Str("component", "transcript").Logger(),
		writeLocks: make(map[string]*sync.Mutex),
	}, nil
}

// validateKey rejects session ids that are not safe file names
func validateKey(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\\x00") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	return nil
}

func (l *Log) path(sessionID string) string {
	return filepath.Join(l.dir, sessionID+fileExt)
}

func (l *Log) lock(sessionID string) *sync.Mutex {
	l.locksMu.Lock()
	defer l.locksMu.Unlock()
	if m, ok := l.writeLocks[sessionID]; ok {
		return m
	}
	m := &sync.Mutex{}
	l.writeLocks[sessionID] = m
	return m
}

// RecordTurn appends a turn; it lets the log serve as a session recorder
func (l *Log) RecordTurn(sessionID string, index int, turn upstream.Message) error {
	return l.AppendTurn(context.Background(), sessionID, index, turn)
}

// AppendTurn appends a turn to the session's transcript
func (l *Log) AppendTurn(ctx context.Context, sessionID string, index int, turn upstream.Message) error {
	ctx, span := tracing.StartSpan(ctx, tracerName, "transcript.append",
		attribute.String("session.id", sessionID),
		attribute.String("role", string(turn.Role)),
	)
	var err error
	defer func() { tracing.EndSpan(span, err) }()

	if err = validateKey(sessionID); err != nil {
		return err
	}
	if turn.Role == "" {
		err = fmt.Errorf("turn role cannot be empty")
		return err
	}

	m := l.lock(sessionID)
	m.Lock()
	defer m.Unlock()

	var data []byte
	data, err = json.Marshal(Entry{
		SessionID: sessionID,
		Index:     index,
		Turn:      turn,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		err = fmt.Errorf("failed to marshal turn: %w", err)
		return err
	}

	var file *os.File
	file, err = os.OpenFile(l.path(sessionID), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		err = fmt.Errorf("failed to open transcript: %w", err)
		return err
	}
	defer file.Close()

	if _, err = file.Write(append(data, '\n')); err != nil {
		err = fmt.Errorf("failed to write turn: %w", err)
		return err
	}

	logger := tracing.LoggerFromContext(ctx, l.logger)
	logger.Debug().
		Str("session_id", sessionID).
		Int("index", index).
		Str("role", string(turn.Role)).
		Msg("Turn recorded")
	return nil
}

// Load returns the recorded entries of a session in index order. A missing
// transcript yields no entries; malformed lines are skipped.
func (l *Log) Load(sessionID string) ([]Entry, error) {
	if err := validateKey(sessionID); err != nil {
		return nil, err
	}

	file, err := os.Open(l.path(sessionID))
	if os.IsNotExist(err) {
		return []Entry{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open transcript: %w", err)
	}
	defer file.Close()

	var entries []Entry
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			l.logger.Warn().
				Str("session_id", sessionID).
				Int("line", lineNum).
				Err(err).
				Msg("Failed to parse line, skipping")
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read transcript: %w", err)
	}

	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Index < entries[j].Index })
	return entries, nil
}

// Messages returns the recorded turns of a session
func (l *Log) Messages(sessionID string) ([]upstream.Message, error) {
	entries, err := l.Load(sessionID)
	if err != nil {
		return nil, err
	}
	out := make([]upstream.Message, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Turn)
	}
	return out, nil
}

// List returns the session ids with a transcript, sorted
func (l *Log) List() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read transcript directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), fileExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Delete removes a session's transcript
func (l *Log) Delete(sessionID string) error {
	if err := validateKey(sessionID); err != nil {
		return err
	}

	m := l.lock(sessionID)
	m.Lock()
	defer m.Unlock()

	if err := os.Remove(l.path(sessionID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete transcript: %w", err)
	}

	l.locksMu.Lock()
	delete(l.writeLocks, sessionID)
	l.locksMu.Unlock()
	return nil
}

// Prune deletes transcripts not written to since now-olderThan and returns
// the pruned session ids.
func (l *Log) Prune(olderThan time.Duration, now time.Time) ([]string, error) {
	ids, err := l.List()
	if err != nil {
		return nil, err
	}

	cutoff := now.Add(-olderThan)
	var pruned []string
	for _, id := range ids {
		info, err := os.Stat(l.path(id))
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := l.Delete(id); err != nil {
			l.logger.Warn().Err(err).Str("session_id", id).Msg("Failed to prune transcript")
			continue
		}
		pruned = append(pruned, id)
	}
	return pruned, nil
}
