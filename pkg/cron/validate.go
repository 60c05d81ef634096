package cron

import "strings"

const (
	defaultRetryMax       = 0
	defaultRetryBackoffMs = 1000
	defaultMaxLatenessMs  = 5 * 60 * 1000

	minEveryMs        = 1000
	minRetryBackoffMs = 1000
)

// validateSchedule checks shape invariants independent of "now": a kind
// matching one of the three variants, a positive atMs, an every interval of
// at least minEveryMs, a parseable cron
// expression and timezone. It does not reject schedules already in the
// past — that is a normal "fires immediately on create" case, not an error.
func validateSchedule(sched Schedule) error {
	switch sched.Kind {
	case ScheduleAt:
		if sched.AtMs <= 0 {
			return wrapf(ErrScheduleInvalid, "at schedule requires atMs > 0")
		}
	case ScheduleEvery:
		if sched.EveryMs < minEveryMs {
			return wrapf(ErrScheduleInvalid, "every schedule requires everyMs >= %d", minEveryMs)
		}
	case ScheduleCron:
		if strings.TrimSpace(sched.Expr) == "" {
			return wrapf(ErrScheduleInvalid, "cron schedule requires expr")
		}
		if _, err := parseCronExpr(sched.Expr); err != nil {
			return wrapf(ErrScheduleInvalid, "invalid cron expression %q: %v", sched.Expr, err)
		}
		tz := sched.TZ
		if tz == "" {
			tz = "UTC"
		}
		if _, _, err := computeNextRunAtMs(Schedule{Kind: ScheduleCron, Expr: sched.Expr, TZ: tz}, 0, true); err != nil {
			return err
		}
	default:
		return wrapf(ErrScheduleInvalid, "unknown schedule kind %q", sched.Kind)
	}
	return nil
}

// resolvePolicy fills zero-valued policy fields from defaults, matching
// the "zero means take the service default" rule in §4.4.
func resolvePolicy(p *Policy, defaults Policy) Policy {
	resolved := defaults
	if p == nil {
		return resolved
	}
	if p.MaxLatenessMs > 0 {
		resolved.MaxLatenessMs = p.MaxLatenessMs
	}
	if p.RetryMax > 0 {
		resolved.RetryMax = p.RetryMax
	}
	if p.RetryBackoffMs >= minRetryBackoffMs {
		resolved.RetryBackoffMs = p.RetryBackoffMs
	}
	resolved.DeleteAfterRun = p.DeleteAfterRun || defaults.DeleteAfterRun
	return resolved
}

func defaultPolicy() Policy {
	return Policy{
		MaxLatenessMs:  defaultMaxLatenessMs,
		RetryMax:       defaultRetryMax,
		RetryBackoffMs: defaultRetryBackoffMs,
		DeleteAfterRun: false,
	}
}

// validateStoredJob checks that a record loaded from disk is structurally
// sound before it re-enters the in-memory table. It checks only the id,
// chatId and schedule shape; elapsed schedules and zero-valued policies are
// accepted — it only catches the record-level corruption a hand-edited or
// partially written store file can produce.
func validateStoredJob(j *Job) error {
	if strings.TrimSpace(j.ID) == "" {
		return wrapf(ErrCorruption, "missing id")
	}
	if strings.TrimSpace(j.ChatID) == "" {
		return wrapf(ErrCorruption, "missing chatId")
	}
	if err := validateSchedule(j.Schedule); err != nil {
		return wrapf(ErrCorruption, "%v", err)
	}
	return nil
}

func validateCreate(in JobCreate) error {
	if strings.TrimSpace(in.ChatID) == "" {
		return wrapf(ErrInvalidInput, "chatId is required")
	}
	if strings.TrimSpace(in.Prompt) == "" {
		return wrapf(ErrInvalidInput, "prompt is required")
	}
	if len([]rune(in.Prompt)) > maxPromptLen {
		return wrapf(ErrInvalidInput, "prompt exceeds %d characters", maxPromptLen)
	}
	return validateSchedule(in.Schedule)
}
