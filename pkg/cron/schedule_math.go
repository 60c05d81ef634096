package cron

// computeNextRunAtMs resolves the next fire instant for sched after nowMs.
// strict selects the comparison used by the two call sites named in the
// spec: the initial computation (on create/enable) wants the smallest
// instant >= nowMs, while rescheduling after a run wants the smallest
// instant > nowMs so a job can never re-fire for the instant it just ran.
// Returns ok=false when the schedule has no more occurrences ("at" already
// elapsed).
func computeNextRunAtMs(sched Schedule, nowMs int64, strict bool) (next int64, ok bool, err error) {
	switch sched.Kind {
	case ScheduleAt:
		if strict {
			if sched.AtMs > nowMs {
				return sched.AtMs, true, nil
			}
			return 0, false, nil
		}
		if sched.AtMs >= nowMs {
			return sched.AtMs, true, nil
		}
		return 0, false, nil

	case ScheduleEvery:
		every := sched.EveryMs
		if every <= 0 {
			return 0, false, wrapf(ErrScheduleInvalid, "every schedule requires everyMs > 0")
		}
		anchor := sched.AnchorMs
		if anchor <= 0 {
			anchor = nowMs
		}
		if strict {
			if anchor > nowMs {
				return anchor, true, nil
			}
			elapsed := nowMs - anchor
			steps := elapsed/every + 1
			return anchor + steps*every, true, nil
		}
		if anchor >= nowMs {
			return anchor, true, nil
		}
		elapsed := nowMs - anchor
		steps := (elapsed + every - 1) / every
		return anchor + steps*every, true, nil

	case ScheduleCron:
		nextMs, err := nextCronRunAtMs(sched.Expr, sched.TZ, nowMs)
		if err != nil {
			return 0, false, err
		}
		return nextMs, true, nil

	default:
		return 0, false, wrapf(ErrScheduleInvalid, "unknown schedule kind %q", sched.Kind)
	}
}
