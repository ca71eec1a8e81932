package retry

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// DefaultDelay is the fixed wait between attempts
const DefaultDelay = time.Second

// Controller retries an operation without limit at a fixed delay.
// Only success, an error marked Permanent, or cancellation of the context
// end the loop.
type Controller struct {
	Delay  time.Duration
	Logger zerolog.Logger
	// OnRetry is called after a failed attempt, before waiting
	OnRetry func(attempt int, err error)
}

// New creates a controller
func New(delay time.Duration, logger zerolog.Logger) *Controller {
	if delay <= 0 {
		delay = DefaultDelay
	}
	return &Controller{
		Delay:  delay,
		Logger: logger,
	}
}

// Do runs op until it succeeds. It returns the number of attempts made.
func (c *Controller) Do(ctx context.Context, op func(ctx context.Context, attempt int) error) (int, error) {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return attempt, err
		}

		attempt++
		err := op(ctx, attempt)
		if err == nil {
			return attempt, nil
		}

		var perm *permanentError
		if errors.As(err, &perm) {
			return attempt, perm.err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return attempt, ctxErr
		}

		c.Logger.Warn().
			Err(err).
			Int("attempt", attempt).
			Dur("delay", c.Delay).
			Msg("Upstream call failed, retrying")

		if c.OnRetry != nil {
			c.OnRetry(attempt, err)
		}

		timer := time.NewTimer(c.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return attempt, ctx.Err()
		case <-timer.C:
		}
	}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent
func IsPermanent(err error) bool {
	var perm *permanentError
	return errors.As(err, &perm)
}
