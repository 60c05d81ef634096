package cron

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const minRunTimeout = 5 * time.Second

// onTimerFire is invoked off the serializer lane (it is the Timer's own
// callback goroutine). It hops onto the lane just long enough to decide
// whether the job is still due and to claim it, then runs the executor
// outside the lane so a slow job never blocks other mutations.
func (s *Service) onTimerFire(jobID string) {
	s.dispatch(jobID, RunSourceTimer)
}

// RunNow claims jobID immediately regardless of its schedule, for the
// public manual-run API.
func (s *Service) RunNow(jobID string) error {
	return s.dispatch(jobID, RunSourceManual)
}

// dispatch is the run queue + dispatcher (C7). It is the single entry
// point for turning "this job should run" into an executed RunResult and
// a rescheduled/deleted job.
func (s *Service) dispatch(jobID string, source RunSource) error {
	var rec *RunRecord
	var job *Job

	err := s.ser.submit(func() error {
		j, ok := s.jobs[jobID]
		if !ok {
			return wrapf(ErrNotFound, "job %s", jobID)
		}
		if j.State.RunningRunID != "" {
			// at-most-one-execution-per-job: a run is already in flight.
			return nil
		}
		// A forced manual run (RunNow) bypasses both the enabled gate and the
		// due-ness check; every other source respects both.
		if source != RunSourceManual {
			if !j.Enabled || j.State.NextRunAtMs <= 0 || j.State.NextRunAtMs > s.clock.Now().UnixMilli() {
				return nil
			}
		}

		runID := uuid.NewString()
		nowMs := s.clock.Now().UnixMilli()
		effectiveSource := source
		if effectiveSource == RunSourceTimer && j.Schedule.Kind == ScheduleAt && j.State.ConsecutiveFailures > 0 {
			effectiveSource = RunSourceRetry
		}
		j.State.RunningAtMs = nowMs
		j.State.RunningRunID = runID
		s.setJobLocked(j)
		if err := s.persistLocked(); err != nil {
			s.log.Warn().Err(err).Str("job_id", jobID).Msg("cron: failed to persist run-start marker")
		}

		rec = &RunRecord{
			RunID:     runID,
			JobID:     j.ID,
			ChatID:    j.ChatID,
			Prompt:    j.Prompt,
			Source:    effectiveSource,
			Attempt:   j.State.ConsecutiveFailures + 1,
			StartedAt: nowMs,
		}
		job = j.Clone()
		return nil
	})
	if err != nil {
		return err
	}
	if rec == nil {
		return nil
	}

	atomic.AddInt32(&s.activeRuns, 1)
	go s.execute(*rec, job)
	return nil
}

// execute runs the Executor outside the serializer lane, bounded by the
// service-wide run timeout from runTimeoutFor, then folds the result back in
// through a new lane submission.
func (s *Service) execute(rec RunRecord, job *Job) {
	defer atomic.AddInt32(&s.activeRuns, -1)

	executor := s.getExecutor()
	runTimeout := s.runTimeoutFor(job)

	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	started := s.clock.Now()
	var result RunResult
	var runErr error
	if executor == nil {
		runErr = wrapf(ErrRunFailed, "no executor configured")
	} else {
		result, runErr = executor(ctx, rec)
		if ctx.Err() == context.DeadlineExceeded {
			runErr = wrapf(ErrRunTimeout, "run exceeded %s", runTimeout)
		}
	}
	durationMs := s.clock.Now().Sub(started).Milliseconds()

	ok := runErr == nil && result.OK
	errMsg := ""
	switch {
	case runErr != nil:
		errMsg = runErr.Error()
	case !result.OK:
		errMsg = result.Error
	}

	_ = s.ser.submit(func() error {
		return s.finishRunLocked(rec, ok, errMsg, durationMs)
	})
}

// runTimeoutFor resolves the effective per-run timeout: max(minRunTimeout,
// maxRunMs). minRunTimeout is a floor, not just a fallback for the unset
// case, so a small explicitly configured maxRunMs never starves a run.
func (s *Service) runTimeoutFor(job *Job) time.Duration {
	runTimeout := time.Duration(s.opts.MaxRunMs) * time.Millisecond
	if runTimeout < minRunTimeout {
		return minRunTimeout
	}
	return runTimeout
}

// finishRunLocked folds a completed run's result back into job state,
// reschedules or deletes the job per its schedule kind and policy, and
// re-arms its timer. Must run inside the serializer lane.
func (s *Service) finishRunLocked(rec RunRecord, ok bool, errMsg string, durationMs int64) error {
	j, found := s.jobs[rec.JobID]
	if !found {
		return nil // job was removed mid-run
	}

	nowMs := s.clock.Now().UnixMilli()
	j.State.RunningAtMs = 0
	j.State.RunningRunID = ""
	j.State.LastRunAtMs = nowMs
	j.State.LastDurationMs = durationMs

	var deleted bool
	if ok {
		j.State.LastStatus = "ok"
		j.State.LastError = ""
		j.State.ConsecutiveFailures = 0
		deleted = s.rescheduleAfterSuccess(j, nowMs)
	} else {
		j.State.LastStatus = "error"
		j.State.LastError = errMsg
		j.State.ConsecutiveFailures++
		deleted = s.rescheduleAfterFailure(j, nowMs)
	}

	if deleted {
		s.disarmJob(j.ID)
	} else {
		s.setJobLocked(j)
		s.armJob(j)
	}
	if err := s.persistLocked(); err != nil {
		s.log.Warn().Err(err).Str("job_id", j.ID).Msg("cron: failed to persist run result")
		return err
	}
	return nil
}

// rescheduleAfterSuccess advances a job per its schedule kind, or marks it
// for deletion ("at" + DeleteAfterRun, or any kind with DeleteAfterRun once
// it has no further occurrences). Returns true if the job was removed from
// the in-memory table.
func (s *Service) rescheduleAfterSuccess(j *Job, nowMs int64) bool {
	next, hasNext, err := computeNextRunAtMs(j.Schedule, nowMs, true)
	if err != nil {
		s.log.Warn().Err(err).Str("job_id", j.ID).Msg("cron: failed to compute next run")
		j.State.NextRunAtMs = 0
		return false
	}
	if !hasNext || (j.Schedule.Kind == ScheduleAt && j.Policy.DeleteAfterRun) {
		j.State.NextRunAtMs = 0
		if j.Policy.DeleteAfterRun {
			s.jobsMu.Lock()
			delete(s.jobs, j.ID)
			s.jobsMu.Unlock()
			return true
		}
		// An "at" job with no further occurrences and no DeleteAfterRun is
		// disabled rather than deleted or silently left armed with nothing to
		// fire: invariant 4 requires enabled=false, nextRunAtMs=0 here.
		j.Enabled = false
		return false
	}
	j.State.NextRunAtMs = next
	return false
}

// rescheduleAfterFailure applies the deterministic backoff retry ladder to
// an "at" job when retries remain; "every" and "cron" jobs, and "at" jobs
// out of retries, fall through to the normal reschedule.
// Returns true if the job was removed from the in-memory table.
func (s *Service) rescheduleAfterFailure(j *Job, nowMs int64) bool {
	if j.Schedule.Kind == ScheduleAt && j.State.ConsecutiveFailures <= j.Policy.RetryMax {
		delayMs := retryDelayMs(j.Policy.RetryBackoffMs, j.State.ConsecutiveFailures)
		j.State.NextRunAtMs = nowMs + delayMs
		return false
	}
	return s.rescheduleAfterSuccess(j, nowMs)
}
