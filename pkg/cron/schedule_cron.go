package cron

import (
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// parseCronExpr validates a cron expression without needing a timezone,
// used by schedule validation.
func parseCronExpr(expr string) (cronlib.Schedule, error) {
	return cronParser.Parse(expr)
}

// nextCronRunAtMs resolves Expr in the IANA zone TZ and returns the next
// fire instant strictly after nowMs, in epoch milliseconds.
func nextCronRunAtMs(expr, tz string, nowMs int64) (int64, error) {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return 0, wrapf(ErrScheduleInvalid, "unknown timezone %q: %v", tz, err)
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return 0, wrapf(ErrScheduleInvalid, "invalid cron expression %q: %v", expr, err)
	}
	from := time.UnixMilli(nowMs).In(loc)
	next := sched.Next(from)
	return next.UnixMilli(), nil
}
