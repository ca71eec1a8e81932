package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/internal/tracing"
	"github.com/harun/appgen/pkg/completion"
	"github.com/harun/appgen/pkg/marker"
	"github.com/harun/appgen/pkg/retry"
	"github.com/harun/appgen/pkg/upstream"
)

const tracerName = "appgen/conversation"

// ErrTurnCeilingExceeded is reported in Result.Err when a session is aborted
// because it used up its turns. Files finalized so far are still valid.
var ErrTurnCeilingExceeded = errors.New("turn ceiling exceeded")

// Config configures the driver
type Config struct {
	Model       string
	MaxTokens   int
	Temperature float64
	// MaxTurns bounds successful upstream turns per session; 0 disables it
	MaxTurns      int
	StopSequences []string
}

// DefaultConfig returns the default driver configuration
func DefaultConfig() Config {
	return Config{
		Model:         "claude-3-opus-20240229",
		MaxTokens:     4096,
		Temperature:   0,
		MaxTurns:      100,
		StopSequences: marker.StopLiterals,
	}
}

// Recorder receives every turn appended to a session's transcript
type Recorder interface {
	RecordTurn(sessionID string, index int, turn upstream.Message) error
}

// Result is the outcome of Run
type Result struct {
	State    State
	Outcome  completion.Outcome
	Turns    int
	Attempts int
	Usage    upstream.Usage
	// Err explains an aborted session: ErrTurnCeilingExceeded or the
	// context error
	Err error
}

// Driver runs the conversation loop of a session
type Driver struct {
	provider upstream.Provider
	retry    *retry.Controller
	config   Config
	logger   zerolog.Logger
	recorder Recorder
}

// NewDriver creates a driver. The provider is owned by the caller and may be
// shared by sessions using the same credential.
func NewDriver(provider upstream.Provider, rc *retry.Controller, cfg Config, logger zerolog.Logger) *Driver {
	if rc == nil {
		rc = retry.New(retry.DefaultDelay, logger)
	}
	if cfg.StopSequences == nil {
		cfg.StopSequences = marker.StopLiterals
	}
	return &Driver{
		provider: provider,
		retry:    rc,
		config:   cfg,
		logger:   logger,
	}
}

// SetRecorder sets the transcript recorder
func (d *Driver) SetRecorder(r Recorder) {
	d.recorder = r
}

// Run drives s until the assistant finishes, the turn ceiling is hit or ctx
// is canceled. Upstream failures are retried and never returned; the error
// return is reserved for sessions that cannot start.
func (d *Driver) Run(ctx context.Context, s *Session) (Result, error) {
	if s.State != StateIdle {
		return Result{}, fmt.Errorf("session %s already %s", s.ID, s.State)
	}

	if tracing.GetSessionID(ctx) == "" {
		ctx = tracing.WithSessionID(ctx, s.ID)
	}
	ctx, span := tracing.StartSpan(ctx, tracerName, "session.run",
		attribute.String("provider", d.provider.Name()),
		attribute.String("model", d.config.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, d.logger)

	if s.Transcript.Len() == 0 {
		prompt, err := BuildPrompt(s.Description)
		if err != nil {
			return Result{}, err
		}
		d.appendTurn(s, upstream.RoleUser, prompt, logger)
	}

	s.State = StateRunning
	logger.Info().Msg("Session started")

	for {
		if d.config.MaxTurns > 0 && s.TurnCount >= d.config.MaxTurns {
			logger.Warn().Int("turns", s.TurnCount).Msg("Turn ceiling exceeded, aborting session")
			return d.finish(s, StateAborted, 0, ErrTurnCeilingExceeded), nil
		}

		resp, outcome, err := d.turn(ctx, s, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("Session canceled")
			return d.finish(s, StateAborted, 0, err), nil
		}

		s.TurnCount++
		s.Usage.Add(resp.Usage)
		d.appendTurn(s, upstream.RoleAssistant, reply(resp), logger)

		logger.Debug().
			Int("turn", s.TurnCount).
			Str("outcome", outcome.String()).
			Str("stop_reason", string(resp.Stop.Reason)).
			Msg("Turn finished")

		if !outcome.Continues() {
			logger.Info().Int("turns", s.TurnCount).Int("attempts", s.Attempts).Msg("Session completed")
			return d.finish(s, StateCompleted, outcome, nil), nil
		}
		d.appendTurn(s, upstream.RoleUser, ContinuePrompt, logger)
	}
}

// turn runs one upstream turn under the retry controller. A failed attempt
// is rolled back so the next one starts from the same files and transcript.
func (d *Driver) turn(ctx context.Context, s *Session, logger zerolog.Logger) (upstream.Response, completion.Outcome, error) {
	req := upstream.Request{
		Model:         d.config.Model,
		Messages:      s.Transcript.Turns(),
		MaxTokens:     d.config.MaxTokens,
		Temperature:   d.config.Temperature,
		StopSequences: d.config.StopSequences,
	}

	var resp upstream.Response
	var outcome completion.Outcome
	_, err := d.retry.Do(ctx, func(ctx context.Context, attempt int) error {
		ctx, span := tracing.StartSpan(ctx, tracerName, "session.turn",
			attribute.Int("turn", s.TurnCount+1),
			attribute.Int("attempt", attempt),
		)

		s.Attempts++
		s.Files.BeginTurn()
		start := time.Now()
		r, callErr := d.provider.Stream(ctx, req, func(ev upstream.StreamEvent) {
			if ev.Kind == upstream.EventTextDelta {
				s.Files.Append(ev.Text)
			}
		})

		var obs marker.Observation
		if callErr != nil {
			s.Files.Rollback()
		} else {
			obs = s.Files.EndTurn(r.Stop.Sequence)
		}
		outcome = completion.Classify(r.Stop, callErr, obs)

		observability.RecordUpstreamCall(d.provider.Name(), time.Since(start), callErr == nil)
		observability.RecordTurnOutcome(outcome.String())
		tracing.EndSpan(span, callErr)

		if outcome == completion.TransientFailure {
			kind := upstream.ClassifyError(callErr)
			if kind != upstream.ErrorCanceled {
				observability.RecordUpstreamRetry(string(kind))
			}
			if kind == upstream.ErrorAuth {
				logger.Error().Err(callErr).Msg("Upstream rejected the credential")
			}
			return callErr
		}

		observability.RecordTokens(d.provider.Name(), r.Usage.InputTokens, r.Usage.OutputTokens)
		resp = r
		return nil
	})
	return resp, outcome, err
}

func (d *Driver) finish(s *Session, state State, outcome completion.Outcome, err error) Result {
	s.Files.Close()
	s.State = state
	return Result{
		State:    state,
		Outcome:  outcome,
		Turns:    s.TurnCount,
		Attempts: s.Attempts,
		Usage:    s.Usage,
		Err:      err,
	}
}

func (d *Driver) appendTurn(s *Session, role upstream.Role, content string, logger zerolog.Logger) {
	idx := s.Transcript.Append(role, content)
	if d.recorder == nil {
		return
	}
	if err := d.recorder.RecordTurn(s.ID, idx, upstream.Message{Role: role, Content: content}); err != nil {
		logger.Warn().Err(err).Int("index", idx).Msg("Failed to record turn")
	}
}

// reply is the assistant turn stored in the transcript. A stop literal the
// service cut off is put back so the reply reads as the model wrote it and
// is never empty.
func reply(resp upstream.Response) string {
	text := resp.Text
	if resp.Stop.Reason == upstream.StopSequence && resp.Stop.Sequence != "" {
		text += resp.Stop.Sequence
	}
	if strings.TrimSpace(text) == "" {
		return marker.EndOfFileLiteral
	}
	return text
}
