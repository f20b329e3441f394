// Package dispatcher contains the two emission loops: the cron
// dispatcher, which materializes PENDING executions from cron
// definitions, and the queue dispatcher, which materializes them from
// broker messages.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/fairyhunter13/jobu/internal/cronx"
	"github.com/fairyhunter13/jobu/internal/dbx"
	"github.com/fairyhunter13/jobu/internal/domain"
	"github.com/fairyhunter13/jobu/internal/observability"
	"github.com/fairyhunter13/jobu/internal/store"
)

// Config tunes the cron dispatcher loop.
type Config struct {
	PollInterval    time.Duration
	MaxSleep        time.Duration
	MinCronInterval time.Duration
}

// Dispatcher scans enabled cron definitions and emits one execution per
// elapsed fire. Multiple instances may run concurrently; the store's
// dedup key keeps emission exactly-once per (job, fire).
type Dispatcher struct {
	cfg    Config
	runner *dbx.Runner
	st     *store.Store

	now func() time.Time // test seam
}

// New builds a cron dispatcher over the scheduler database.
func New(cfg Config, runner *dbx.Runner, st *store.Store) *Dispatcher {
	return &Dispatcher{cfg: cfg, runner: runner, st: st, now: time.Now}
}

// Run loops until ctx is cancelled. Each cycle reads the definition
// list once and emits per definition in short transactions; transient
// pool exhaustion retries with a constant backoff instead of failing
// the loop.
func (d *Dispatcher) Run(ctx context.Context) error {
	slog.Info("cron dispatcher started",
		slog.Duration("poll_interval", d.cfg.PollInterval),
		slog.Duration("max_sleep", d.cfg.MaxSleep))
	for {
		sleep, err := d.runCycle(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("cron dispatcher stopped")
				return nil
			}
			slog.Error("dispatch cycle failed", slog.Any("error", err))
			sleep = d.cfg.PollInterval
		}
		select {
		case <-ctx.Done():
			slog.Info("cron dispatcher stopped")
			return nil
		case <-time.After(sleep):
		}
	}
}

// runCycle executes one scan and returns how long to sleep before the
// next one.
func (d *Dispatcher) runCycle(ctx context.Context) (time.Duration, error) {
	var sleep time.Duration
	op := func() error {
		var err error
		sleep, err = d.scanOnce(ctx)
		if err != nil && errors.Is(err, domain.ErrPoolExhausted) {
			return err // retryable
		}
		return backoff.Permanent(err)
	}
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Second), 3), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return 0, err
	}
	return sleep, nil
}

func (d *Dispatcher) scanOnce(ctx context.Context) (time.Duration, error) {
	now := d.now().UTC().Truncate(time.Second)
	nextWake := now.Add(d.cfg.MaxSleep)

	var crons []domain.CronDefinition
	err := d.runner.ReadOnly().Run(ctx, func(ctx context.Context) error {
		var err error
		crons, err = d.st.ListEnabledCrons(ctx)
		return err
	})
	if err != nil {
		return 0, err
	}

	for _, c := range crons {
		next, err := d.dispatchOne(ctx, c, now)
		if err != nil {
			if errors.Is(err, domain.ErrPoolExhausted) {
				return 0, err
			}
			// One bad definition must not starve the rest; its
			// transaction rolls back alone.
			slog.Error("failed to dispatch cron",
				slog.Int64("cron_id", c.ID),
				slog.String("name", c.Name),
				slog.Any("error", err))
			continue
		}
		if next.Before(nextWake) {
			nextWake = next
		}
	}

	sleep := nextWake.Sub(d.now().UTC())
	if sleep < d.cfg.PollInterval {
		sleep = d.cfg.PollInterval
	}
	if sleep > d.cfg.MaxSleep {
		sleep = d.cfg.MaxSleep
	}
	return sleep, nil
}

// dispatchOne emits an execution for c if a fire elapsed within the poll
// window, and returns c's next fire time for sleep planning. The
// overlap check and the emission share one short transaction per
// definition, so a failed emission rolls back alone and cannot poison
// the rest of the cycle.
func (d *Dispatcher) dispatchOne(ctx context.Context, c domain.CronDefinition, now time.Time) (time.Time, error) {
	if err := cronx.Validate(c.CronExpression, d.cfg.MinCronInterval); err != nil {
		return time.Time{}, err
	}
	prev, err := cronx.PrevFire(c.CronExpression, now)
	if err != nil {
		return time.Time{}, err
	}
	next, err := cronx.NextFire(c.CronExpression, now)
	if err != nil {
		return time.Time{}, err
	}

	if now.Sub(prev) > d.cfg.PollInterval {
		return next, nil // fire is outside the window, nothing due
	}

	err = d.runner.Run(ctx, func(ctx context.Context) error {
		if !c.AllowOverlap {
			busy, err := d.st.HasIncompleteExecution(ctx, c.ID)
			if err != nil {
				return err
			}
			if busy {
				slog.Info("skipping fire, previous execution incomplete",
					slog.Int64("cron_id", c.ID), slog.String("name", c.Name))
				return nil
			}
		}

		inserted, err := d.st.CreateExecution(ctx, c.ID, prev)
		if err != nil {
			return err
		}
		if inserted {
			observability.ExecutionsEmittedTotal.WithLabelValues("cron").Inc()
			slog.Info("execution emitted",
				slog.Int64("cron_id", c.ID),
				slog.String("name", c.Name),
				slog.Time("scheduled_time", prev))
		}
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return next, nil
}
