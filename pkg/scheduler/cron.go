package scheduler

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidateSchedule checks that a subscription schedule is a parseable
// five-field cron expression.
func ValidateSchedule(schedule string) error {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return nil
}

// NextFire evaluates a cron schedule against a base time and returns the
// next fire instant strictly after base, in UTC.
//
// The base is the subscription's last_run_at when set, otherwise its
// created_at, otherwise now: a subscription that has never run fires at the
// first cron instant after it was created.
func NextFire(schedule string, base time.Time) (time.Time, error) {
	spec, err := cron.ParseStandard(schedule)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron schedule %q: %w", schedule, err)
	}
	return spec.Next(base.UTC()), nil
}
