package conversation

import (
	"strings"
	"sync"

	"github.com/harun/appgen/pkg/assembler"
	"github.com/harun/appgen/pkg/upstream"
)

// State of a session
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateAborted   State = "aborted"
)

// Transcript is the append-only list of turns of a session
type Transcript struct {
	mu    sync.RWMutex
	turns []upstream.Message
}

// Append adds a turn and returns its index
func (t *Transcript) Append(role upstream.Role, content string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.turns = append(t.turns, upstream.Message{Role: role, Content: content})
	return len(t.turns) - 1
}

// Turns returns a copy of all turns
func (t *Transcript) Turns() []upstream.Message {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]upstream.Message(nil), t.turns...)
}

// Len returns the number of turns
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.turns)
}

// Source concatenates every assistant reply, in order
func (t *Transcript) Source() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var b strings.Builder
	for _, turn := range t.turns {
		if turn.Role == upstream.RoleAssistant {
			b.WriteString(turn.Content)
		}
	}
	return b.String()
}

// Session is one generation request. It is driven by a single goroutine;
// Files and the counters must not be touched while Run is in progress.
type Session struct {
	ID          string
	Description string
	Transcript  *Transcript
	Files       *assembler.Assembler
	State       State

	// TurnCount counts successful upstream turns
	TurnCount int
	// Attempts counts every upstream call, retries included
	Attempts int
	Usage    upstream.Usage
}

// NewSession creates an idle session whose file events go to emit
func NewSession(id, description string, emit func(assembler.Event)) *Session {
	return &Session{
		ID:          id,
		Description: description,
		Transcript:  &Transcript{},
		Files:       assembler.New(emit),
		State:       StateIdle,
	}
}
