package tracing

import (
	"bytes"
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSessionContext(t *testing.T) {
	ctx := NewSessionContext(context.Background(), "abc123")
	assert.Equal(t, "abc123", GetSessionID(ctx))
	assert.NotEmpty(t, GetTraceID(ctx))

	t.Run("keeps existing trace id", func(t *testing.T) {
		ctx := WithTraceID(context.Background(), "trace-1")
		ctx = NewSessionContext(ctx, "s")
		assert.Equal(t, "trace-1", GetTraceID(ctx))
	})
}

func TestDetach(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	parent = WithClientID(NewSessionContext(parent, "s1"), "c1")
	cancel()

	ctx := Detach(parent)
	require.NoError(t, ctx.Err())
	assert.Equal(t, "s1", GetSessionID(ctx))
	assert.Equal(t, "c1", GetClientID(ctx))
	assert.Equal(t, GetTraceID(parent), GetTraceID(ctx))
}

func TestLoggerFromContext(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	ctx := WithClientID(WithSessionID(WithTraceID(context.Background(), "t1"), "s1"), "c1")
	logger := LoggerFromContext(ctx, base)
	logger.Info().Msg("hello")

	out := buf.String()
	assert.Contains(t, out, `"trace_id":"t1"`)
	assert.Contains(t, out, `"session_id":"s1"`)
	assert.Contains(t, out, `"client_id":"c1"`)
}

func TestStartSpanSetsTraceID(t *testing.T) {
	require.NoError(t, InitOpenTelemetry("appgen-test"))
	ctx, span := StartSpan(context.Background(), "test", "op")
	defer span.End()
	assert.NotEmpty(t, GetTraceID(ctx))
}
