// Package janitor periodically removes generated apps and transcripts past
// their retention window.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/harun/appgen/pkg/output"
)

const (
	DefaultSchedule  = "@hourly"
	DefaultRetention = 7 * 24 * time.Hour
)

// PruneFunc removes entries older than olderThan relative to now and returns
// what it removed
type PruneFunc func(olderThan time.Duration, now time.Time) ([]string, error)

// Target is one thing the janitor sweeps
type Target struct {
	Name  string
	Prune PruneFunc
}

// OutputTarget sweeps the generated app directories under root
func OutputTarget(root string) Target {
	return Target{
		Name: "output",
		Prune: func(olderThan time.Duration, now time.Time) ([]string, error) {
			return output.Prune(root, olderThan, now)
		},
	}
}

// Config configures a Janitor
type Config struct {
	Schedule  string
	Retention time.Duration
	Targets   []Target
	Logger    zerolog.Logger
}

// Janitor runs the sweep on a cron schedule
type Janitor struct {
	cfg    Config
	cron   *cron.Cron
	logger zerolog.Logger

	mu      sync.Mutex
	running bool
}

// New validates the schedule and creates a stopped janitor
func New(cfg Config) (*Janitor, error) {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if len(cfg.Targets) == 0 {
		return nil, errors.New("janitor needs at least one target")
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser))

	j := &Janitor{
		cfg:    cfg,
		cron:   c,
		logger: cfg.Logger.With().Str("component", "janitor").Logger(),
	}
	if _, err := c.AddFunc(cfg.Schedule, func() { j.Sweep(time.Now()) }); err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", cfg.Schedule, err)
	}
	return j, nil
}

// Start sweeps once, then on every scheduled tick
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return errors.New("janitor is already running")
	}
	j.running = true

	go j.Sweep(time.Now())
	j.cron.Start()

	j.logger.Info().
		Str("schedule", j.cfg.Schedule).
		Dur("retention", j.cfg.Retention).
		Msg("Janitor started")
	return nil
}

// Stop stops the schedule and waits for a running sweep or ctx
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return errors.New("janitor is not running")
	}
	j.running = false
	j.mu.Unlock()

	select {
	case <-j.cron.Stop().Done():
		j.logger.Info().Msg("Janitor stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep prunes every target once and returns the removed count per target.
// A failing target does not stop the others.
func (j *Janitor) Sweep(now time.Time) map[string]int {
	removed := make(map[string]int, len(j.cfg.Targets))
	for _, t := range j.cfg.Targets {
		gone, err := t.Prune(j.cfg.Retention, now)
		removed[t.Name] = len(gone)
		if err != nil {
			j.logger.Error().Err(err).Str("target", t.Name).Msg("Failed to prune")
			continue
		}
		if len(gone) > 0 {
			j.logger.Info().
				Str("target", t.Name).
				Int("removed", len(gone)).
				Msg("Pruned expired entries")
		}
	}
	return removed
}
