package dispatch

import (
	"time"

	"github.com/harun/appgen/pkg/assembler"
)

// Kind of a client notification
type Kind string

const (
	// KindChunkAppended is additive: consumers concatenate chunks in order
	KindChunkAppended Kind = "chunk-appended"
	// KindFileFinalized is authoritative: consumers replace the file
	KindFileFinalized Kind = "file-finalized"
	// KindFileReset is authoritative: consumers replace the open file
	KindFileReset Kind = "file-reset"
	// KindFileDiscarded removes a file
	KindFileDiscarded Kind = "file-discarded"
	// KindSessionDone is the last notification of a session
	KindSessionDone Kind = "session-done"
)

// Authoritative reports whether the notification replaces a file's content
// or removes it, making earlier chunks irrelevant.
func (k Kind) Authoritative() bool {
	return k == KindFileFinalized || k == KindFileReset || k == KindFileDiscarded
}

// Notification is what consumers of a session receive
type Notification struct {
	Type         Kind   `json:"type"`
	SessionID    string `json:"sessionId"`
	Seq          int64  `json:"seq"`
	Timestamp    int64  `json:"timestamp"`
	RelativePath string `json:"relativePath,omitempty"`
	TextDelta    string `json:"textDelta,omitempty"`
	FullContent  string `json:"fullContent,omitempty"`
	State        string `json:"state,omitempty"`
}

// FromEvent converts an assembler event to a notification
func FromEvent(e assembler.Event) Notification {
	n := Notification{RelativePath: e.Path}
	switch e.Kind {
	case assembler.ChunkAppended:
		n.Type = KindChunkAppended
		n.TextDelta = e.Text
	case assembler.FileFinalized:
		n.Type = KindFileFinalized
		n.FullContent = e.Text
	case assembler.FileReset:
		n.Type = KindFileReset
		n.FullContent = e.Text
	case assembler.FileDiscarded:
		n.Type = KindFileDiscarded
	}
	return n
}

func stamp(n *Notification, sessionID string, seq int64) {
	n.SessionID = sessionID
	n.Seq = seq
	if n.Timestamp == 0 {
		n.Timestamp = time.Now().UnixMilli()
	}
}
