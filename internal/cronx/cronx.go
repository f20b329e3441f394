// Package cronx wraps cron expression evaluation for the dispatcher and
// the admin validation path. Expressions are standard 5-field, minute
// resolution.
package cronx

import (
	"fmt"
	"time"

	"github.com/adhocore/gronx"

	"github.com/fairyhunter13/jobu/internal/domain"
)

// Validate parses expr and enforces the minimum inter-fire interval by
// comparing two successive fire times.
func Validate(expr string, minInterval time.Duration) error {
	gx := gronx.New()
	if !gx.IsValid(expr) {
		return fmt.Errorf("op=cron.validate expr=%q: %w", expr, domain.ErrCronParse)
	}
	now := time.Now().UTC()
	next1, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return fmt.Errorf("op=cron.validate expr=%q: %w: %v", expr, domain.ErrCronParse, err)
	}
	next2, err := gronx.NextTickAfter(expr, next1, false)
	if err != nil {
		return fmt.Errorf("op=cron.validate expr=%q: %w: %v", expr, domain.ErrCronParse, err)
	}
	if interval := next2.Sub(next1); interval < minInterval {
		return fmt.Errorf("op=cron.validate expr=%q interval=%s min=%s: %w",
			expr, interval, minInterval, domain.ErrCronIntervalTooShort)
	}
	return nil
}

// PrevFire returns the latest fire time at or before now, at second
// resolution in UTC.
func PrevFire(expr string, now time.Time) (time.Time, error) {
	prev, err := gronx.PrevTickBefore(expr, now.UTC(), true)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=cron.prev expr=%q: %w: %v", expr, domain.ErrCronParse, err)
	}
	return prev.UTC().Truncate(time.Second), nil
}

// NextFire returns the earliest fire time strictly after now, in UTC.
func NextFire(expr string, now time.Time) (time.Time, error) {
	next, err := gronx.NextTickAfter(expr, now.UTC(), false)
	if err != nil {
		return time.Time{}, fmt.Errorf("op=cron.next expr=%q: %w: %v", expr, domain.ErrCronParse, err)
	}
	return next.UTC(), nil
}
