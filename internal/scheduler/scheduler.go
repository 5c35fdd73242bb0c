// Package scheduler drives the measurement loop: on every poll it makes
// sure the broker is reachable and fires one cycle once the configured
// interval has elapsed since the previous one.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CycleFunc runs one measurement cycle.
type CycleFunc func(ctx context.Context) error

// Guard blocks until the device is connected, or fails.
type Guard interface {
	EnsureConnected(ctx context.Context) error
}

// Config controls loop timing.
type Config struct {
	// Interval is the minimum time between two cycles (default: 30s).
	Interval time.Duration

	// PollInterval is how often Run evaluates Tick (default: 100ms).
	PollInterval time.Duration

	// DriftCorrection advances the reference time by Interval instead of
	// resetting it to the firing time.
	DriftCorrection bool

	// Start is the reference time before the first cycle. Defaults to
	// the time New is called, so the first cycle fires one interval
	// after boot.
	Start time.Time
}

// Scheduler manages cycle timing.
type Scheduler struct {
	config Config
	guard  Guard
	cycle  CycleFunc
	logger *slog.Logger

	mu   sync.Mutex
	last time.Time
}

// New creates a scheduler. guard may be nil when no broker is in use.
func New(cfg Config, guard Guard, cycle CycleFunc, logger *slog.Logger) *Scheduler {
	if cycle == nil {
		panic("scheduler: cycle func must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Now()
	}

	return &Scheduler{
		config: cfg,
		guard:  guard,
		cycle:  cycle,
		logger: logger,
		last:   cfg.Start,
	}
}

// Last returns the reference time of the most recent cycle.
func (s *Scheduler) Last() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Due reports whether a cycle would fire at now. The comparison is
// strict: exactly one interval after the last cycle is not yet due.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return now.Sub(s.last) > s.config.Interval
}

// Tick performs one loop iteration at now. The guard runs first and may
// block; its error is returned unchanged and no cycle fires. fired
// reports whether a cycle ran. Missed intervals are not caught up.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) (fired bool, err error) {
	if err := s.ensureConnected(ctx); err != nil {
		return false, err
	}
	return s.fireIfDue(ctx, now), nil
}

func (s *Scheduler) ensureConnected(ctx context.Context) error {
	if s.guard == nil {
		return nil
	}
	return s.guard.EnsureConnected(ctx)
}

// fireIfDue runs the cycle when it is due at now and advances the
// reference time. Cycle errors are logged, never returned.
func (s *Scheduler) fireIfDue(ctx context.Context, now time.Time) bool {
	if !s.Due(now) {
		return false
	}

	s.logger.Debug("cycle due", "since_last", now.Sub(s.Last()).String())

	if err := s.cycle(ctx); err != nil {
		s.logger.Warn("cycle failed", "error", err)
	}

	s.advance(now)
	return true
}

// advance moves the reference time after a fired cycle.
func (s *Scheduler) advance(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.config.DriftCorrection {
		s.last = now
		return
	}

	s.last = s.last.Add(s.config.Interval)
	if now.Sub(s.last) > s.config.Interval {
		// More than one interval behind; resynchronize instead of bursting.
		s.last = now
	}
}

// Run performs a Tick every PollInterval until ctx is cancelled or the
// guard gives up. It returns ctx.Err() on cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		"interval", s.config.Interval.String(),
		"poll_interval", s.config.PollInterval.String(),
		"drift_correction", s.config.DriftCorrection,
	)

	ticker := time.NewTicker(s.config.PollInterval)
	defer ticker.Stop()

	for {
		if err := s.ensureConnected(ctx); err != nil {
			if ctx.Err() != nil {
				s.logger.Info("scheduler stopped")
				return ctx.Err()
			}
			return err
		}
		// The guard may have blocked for a long time; the due check must
		// see the time after it returned.
		s.fireIfDue(ctx, time.Now())

		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
