package upstream

import (
	"context"
)

// Role of a transcript message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn sent upstream
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// Request contains the parameters for one streamed completion call
type Request struct {
	Model         string
	Messages      []Message
	MaxTokens     int
	Temperature   float64
	StopSequences []string
}

// StopReason tells why the upstream service stopped generating
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopSequence  StopReason = "stop_sequence"
	StopMaxTokens StopReason = "max_tokens"
	StopUnknown   StopReason = "unknown"
)

// Stop is the terminal condition of a turn. Sequence is set when a stop
// literal fired.
type Stop struct {
	Reason   StopReason `json:"reason"`
	Sequence string     `json:"sequence,omitempty"`
}

// Usage tracks token consumption of one call
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Add accumulates u2 into u
func (u *Usage) Add(u2 Usage) {
	u.InputTokens += u2.InputTokens
	u.OutputTokens += u2.OutputTokens
}

// Response is the outcome of a completed stream
type Response struct {
	Text  string
	Stop  Stop
	Usage Usage
}

// EventKind discriminates StreamEvent
type EventKind int

const (
	EventTextDelta EventKind = iota + 1
	EventTurnStopped
	EventError
)

// StreamEvent is delivered in order, exactly once, while a call streams.
type StreamEvent struct {
	Kind    EventKind
	Text    string
	Stop    Stop
	Usage   Usage
	Err     error
	ErrKind ErrorKind
}

// Provider is a streaming completion service
type Provider interface {
	// Stream runs one call, invoking onEvent for every event as it arrives.
	// It returns once the stream has ended or failed.
	Stream(ctx context.Context, req Request, onEvent func(StreamEvent)) (Response, error)

	// Name returns the provider name
	Name() string
}
