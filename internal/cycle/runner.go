package cycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Runner defaults, overridable from the bootstrap config.
const (
	DefaultActiveSleep   = 60 * time.Second
	DefaultInactiveSleep = 300 * time.Second
	DefaultMaxErrors     = 10

	// configRetrySleep is the fixed backoff when essential config is
	// missing.
	configRetrySleep = 60 * time.Second
)

// Runner is the background poller loop. It wakes up, checks the polling
// schedule and vacation range, runs one poll cycle when active, and backs
// off on repeated failures.
type Runner struct {
	Processor *Processor
	Logger    *slog.Logger

	ActiveSleep   time.Duration
	InactiveSleep time.Duration
	MaxErrors     int

	// CheckConfig reports whether the essential bootstrap config (IMAP
	// credentials, target URLs) is present. Nil means always ready.
	CheckConfig func() error

	// Now and Sleep are injectable for tests.
	Now   func() time.Time
	Sleep func(ctx context.Context, d time.Duration)

	wasInactive bool
}

// NewRunner wires a runner around a processor with default pacing.
func NewRunner(p *Processor, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Processor:     p,
		Logger:        logger,
		ActiveSleep:   DefaultActiveSleep,
		InactiveSleep: DefaultInactiveSleep,
		MaxErrors:     DefaultMaxErrors,
		Now:           time.Now,
		Sleep:         sleepCtx,
	}
}

// Run loops until the context is cancelled or MaxErrors consecutive cycle
// failures occur. Message-level errors are absorbed inside the cycle; only
// cycle-level errors count here.
func (r *Runner) Run(ctx context.Context) error {
	r.Logger.Info("background poller started")
	errCount := 0
	for {
		if ctx.Err() != nil {
			r.Logger.Info("background poller stopping")
			return ctx.Err()
		}
		if err := r.iterate(ctx); err != nil {
			errCount++
			r.Logger.Error("poll iteration failed", "error", err, "consecutive_errors", errCount)
			if errCount >= r.MaxErrors {
				return fmt.Errorf("poller stopped after %d consecutive errors: %w", errCount, err)
			}
		} else {
			errCount = 0
		}
	}
}

func (r *Runner) iterate(ctx context.Context) error {
	snap, err := r.Processor.Settings.Current(ctx)
	if err != nil {
		r.Sleep(ctx, configRetrySleep)
		return fmt.Errorf("failed to load settings: %w", err)
	}

	now := r.Now().In(snap.Polling.Location())
	sched := snap.Polling.Schedule()

	if sched.OnVacation(now) {
		r.noteInactive("vacation period active, polling paused")
		r.Sleep(ctx, r.InactiveSleep)
		return nil
	}
	if !sched.ActiveAt(now) {
		r.noteInactive("outside polling schedule")
		r.Sleep(ctx, r.InactiveSleep)
		return nil
	}
	if r.wasInactive {
		r.wasInactive = false
		r.Logger.Info("polling schedule active again")
	}

	if r.CheckConfig != nil {
		if err := r.CheckConfig(); err != nil {
			r.Logger.Warn("essential config missing, retrying shortly", "error", err)
			r.Sleep(ctx, configRetrySleep)
			return nil
		}
	}

	n, err := r.Processor.RunCycle(ctx)
	if err != nil {
		r.Sleep(ctx, r.ActiveSleep)
		return err
	}
	if n > 0 {
		r.Logger.Info("poll cycle complete", "triggered", n)
	}
	r.Sleep(ctx, r.ActiveSleep)
	return nil
}

// noteInactive logs the diagnostic once per active-to-inactive transition
// to avoid log spam while the schedule is closed.
func (r *Runner) noteInactive(msg string) {
	if !r.wasInactive {
		r.Logger.Info(msg)
		r.wasInactive = true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
