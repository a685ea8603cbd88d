package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// parseSchedule validates a Submission's schedule and returns the first
// next-run time computed from now, in now's Location. Returning an error
// here means the job is rejected at submission with no state change.
func parseSchedule(kind Kind, value string, now time.Time) (time.Time, error) {
	switch kind {
	case KindCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return sched.Next(now), nil

	case KindInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval duration %q: %w", value, err)
		}
		if d <= 0 {
			return time.Time{}, fmt.Errorf("interval duration must be positive, got %s", d)
		}
		return now.Add(d), nil

	case KindOnce:
		t, err := time.Parse(time.RFC3339, value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid once timestamp %q: %w", value, err)
		}
		if !t.After(now) {
			return time.Time{}, fmt.Errorf("once timestamp %s is not in the future", value)
		}
		return t, nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}

// nextRunAfterFire computes the following fire time for a job that has just
// fired. cron recomputes from now (never catching up); interval advances by
// the stored duration from now; once never fires again (status becomes
// cancelled by the caller).
func nextRunAfterFire(kind Kind, value string, firedAt time.Time) (time.Time, error) {
	switch kind {
	case KindCron:
		sched, err := cron.ParseStandard(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid cron expression %q: %w", value, err)
		}
		return sched.Next(firedAt), nil

	case KindInterval:
		d, err := time.ParseDuration(value)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid interval duration %q: %w", value, err)
		}
		return firedAt.Add(d), nil

	case KindOnce:
		// Far-future sentinel; SetJobStatus to cancelled is what actually
		// stops it from being picked up again.
		return firedAt.Add(100 * 365 * 24 * time.Hour), nil

	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind %q", kind)
	}
}
