package upstream

import (
	"context"
	"errors"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind classifies an upstream failure for logging and metrics
type ErrorKind string

const (
	ErrorNetwork   ErrorKind = "network"
	ErrorRateLimit ErrorKind = "rate_limit"
	ErrorServer    ErrorKind = "server"
	ErrorAuth      ErrorKind = "auth"
	ErrorStream    ErrorKind = "stream"
	ErrorCanceled  ErrorKind = "canceled"
)

// ClassifyError maps an error returned by a provider to its kind
func ClassifyError(err error) ErrorKind {
	if err == nil {
		return ""
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrorCanceled
	}

	status := 0
	var anthropicErr *anthropic.Error
	var openaiErr *openai.Error
	switch {
	case errors.As(err, &anthropicErr):
		status = anthropicErr.StatusCode
	case errors.As(err, &openaiErr):
		status = openaiErr.StatusCode
	}
	if kind, ok := classifyStatus(status); ok {
		return kind
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return ErrorNetwork
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "ECONNRESET") || strings.Contains(msg, "ETIMEDOUT") ||
		strings.Contains(msg, "connection reset") || strings.Contains(msg, "EOF"):
		return ErrorNetwork
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit"):
		return ErrorRateLimit
	case strings.Contains(msg, "overloaded"):
		return ErrorServer
	}
	return ErrorStream
}

func classifyStatus(status int) (ErrorKind, bool) {
	switch {
	case status == 0:
		return "", false
	case status == 401 || status == 403:
		return ErrorAuth, true
	case status == 429:
		return ErrorRateLimit, true
	case status >= 500:
		return ErrorServer, true
	default:
		return ErrorStream, true
	}
}
