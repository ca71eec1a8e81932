package dispatch

import (
	"context"

	"github.com/rs/zerolog"
)

// Sink consumes the notifications of a session. Deliver is called from a
// single goroutine per sink, in sequence order.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, n Notification) error
}

type funcSink struct {
	name string
	fn   func(ctx context.Context, n Notification) error
}

func (s funcSink) Name() string { return s.name }

func (s funcSink) Deliver(ctx context.Context, n Notification) error {
	return s.fn(ctx, n)
}

// SinkFunc adapts a function to a named Sink
func SinkFunc(name string, fn func(ctx context.Context, n Notification) error) Sink {
	return funcSink{name: name, fn: fn}
}

// LogSink writes file and session events to the log. Chunks only go out at
// trace level.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a LogSink
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Deliver(_ context.Context, n Notification) error {
	switch n.Type {
	case KindChunkAppended:
		s.logger.Trace().
			Str("path", n.RelativePath).
			Int("bytes", len(n.TextDelta)).
			Msg("Chunk appended")
	case KindSessionDone:
		s.logger.Info().
			Str("session_id", n.SessionID).
			Str("state", n.State).
			Msg("Session done")
	default:
		s.logger.Debug().
			Str("session_id", n.SessionID).
			Str("type", string(n.Type)).
			Str("path", n.RelativePath).
			Int("bytes", len(n.FullContent)).
			Msg("File event")
	}
	return nil
}
