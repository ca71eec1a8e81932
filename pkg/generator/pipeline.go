package generator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog"

	"github.com/harun/appgen/internal/observability"
	"github.com/harun/appgen/internal/tracing"
	"github.com/harun/appgen/pkg/conversation"
	"github.com/harun/appgen/pkg/dispatch"
	"github.com/harun/appgen/pkg/output"
	"github.com/harun/appgen/pkg/postprocess"
	"github.com/harun/appgen/pkg/retry"
	"github.com/harun/appgen/pkg/store"
	"github.com/harun/appgen/pkg/upstream"
)

const maxSlugLength = 48

// AppSlug derives the public slug of an app from its description and id
func AppSlug(description, id string) string {
	base := slug.Make(description)
	if len(base) > maxSlugLength {
		base = strings.TrimRight(base[:maxSlugLength], "-")
	}
	if base == "" {
		return output.Name(id)
	}
	return base + "-" + id
}

// run executes one session: wait for a slot, drive the conversation, then
// persist, post-process and announce the end.
func (s *Service) run(ctx context.Context, id, description string, provider upstream.Provider, sinks []dispatch.Sink) Result {
	logger := tracing.LoggerFromContext(ctx, s.logger)
	start := time.Now()

	d := dispatch.New(id, s.cfg.QueueSize, s.deps.Logger, append(append([]dispatch.Sink{}, s.deps.Sinks...), sinks...)...)
	defer d.Close()

	sess := conversation.NewSession(id, description, d.HandleEvent)
	res := Result{
		SessionID: id,
		Slug:      AppSlug(description, id),
	}

	// Post-run work must not be cut short by an abort.
	tail := context.WithoutCancel(ctx)

	if s.deps.Store != nil {
		err := s.deps.Store.CreateApp(tail, store.App{
			ID:          id,
			Slug:        res.Slug,
			Description: description,
			State:       string(conversation.StateRunning),
		})
		if err != nil {
			logger.Error().Err(err).Msg("Failed to record app")
		}
	}
	observability.RecordSessionAudit(ctx, id, "start", "ok", map[string]interface{}{"slug": res.Slug})

	if err := s.sem.Acquire(ctx, 1); err != nil {
		logger.Info().Msg("Session aborted while queued")
		sess.State = conversation.StateAborted
		res.Err = err
	} else {
		res = s.drive(ctx, sess, provider, res, logger)
		s.sem.Release(1)
	}
	res.State = sess.State

	var out *output.Dir
	if s.cfg.OutputDir != "" {
		var err error
		out, err = s.persist(sess, logger)
		if err != nil {
			logger.Error().Err(err).Msg("Failed to write app output")
		}
		if out != nil {
			res.OutputDir = out.Path()
		}
	}

	completed := sess.State == conversation.StateCompleted
	finish := func(ctx context.Context) error {
		if completed && s.deps.Post != nil {
			var po postprocess.Output
			if out != nil {
				po = out
			}
			if err := s.deps.Post.Run(ctx, sess.Files, po); err != nil {
				logger.Error().Err(err).Msg("Post-processing failed")
			}
		}
		s.save(ctx, id, sess, logger)
		return nil
	}
	if !completed {
		_ = finish(tail)
	}
	d.Complete(tail, string(sess.State), completed, finish)

	res.Files = sess.Files.Contents()
	res.Duration = time.Since(start)
	observability.RecordSessionDone(string(res.State), res.Duration)
	observability.RecordSessionAudit(ctx, id, "done", string(res.State), map[string]interface{}{
		"turns":    res.Turns,
		"attempts": res.Attempts,
		"files":    len(res.Files),
	})

	logger.Info().
		Str("state", string(res.State)).
		Int("turns", res.Turns).
		Int("attempts", res.Attempts).
		Int("files", len(res.Files)).
		Dur("duration", res.Duration).
		Msg("Session finished")
	return res
}

func (s *Service) drive(ctx context.Context, sess *conversation.Session, provider upstream.Provider, res Result, logger zerolog.Logger) Result {
	rc := retry.New(s.cfg.RetryDelay, logger)
	driver := conversation.NewDriver(provider, rc, s.cfg.Driver, s.deps.Logger)
	if s.deps.Recorder != nil {
		driver.SetRecorder(s.deps.Recorder)
	}

	out, err := driver.Run(ctx, sess)
	if err != nil {
		logger.Error().Err(err).Msg("Session could not start")
		sess.State = conversation.StateAborted
		res.Err = err
		return res
	}

	res.Outcome = out.Outcome
	res.Turns = out.Turns
	res.Attempts = out.Attempts
	res.Usage = out.Usage
	res.Err = out.Err
	return res
}

// persist writes the raw output and the finalized files
func (s *Service) persist(sess *conversation.Session, logger zerolog.Logger) (*output.Dir, error) {
	out, err := output.Open(s.cfg.OutputDir, sess.ID)
	if err != nil {
		return nil, err
	}
	srcErr := out.WriteSource(sess.Transcript.Source())
	skipped, err := out.WriteAll(sess.Files.Contents())
	if len(skipped) > 0 {
		logger.Warn().Strs("paths", skipped).Msg("Skipped files with unsafe paths")
	}
	return out, errors.Join(srcErr, err)
}

func (s *Service) save(ctx context.Context, id string, sess *conversation.Session, logger zerolog.Logger) {
	if s.deps.Store == nil {
		return
	}
	if err := s.deps.Store.SaveFiles(ctx, id, sess.Files.Contents()); err != nil {
		logger.Error().Err(err).Msg("Failed to save files")
	}
	if err := s.deps.Store.UpdateAppState(ctx, id, string(sess.State)); err != nil {
		logger.Error().Err(err).Msg("Failed to update app state")
	}
}
