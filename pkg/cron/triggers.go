package cron

// Trigger sources (C6). A single generic Timer per job is armed for
// State.NextRunAtMs regardless of schedule kind — the cron evaluator (C3)
// already reduced "cron" schedules to a concrete next instant, so the
// timer facility (C2) doesn't need a separate code path for it. Each job
// has at most one live entry in s.timers at a time (invariant 2).

// armJob (re-)arms the timer for job, disarming any previous one first.
// Must be called from inside the serializer lane.
func (s *Service) armJob(job *Job) {
	s.disarmJob(job.ID)
	if !job.Enabled || job.State.NextRunAtMs <= 0 {
		return
	}
	jobID := job.ID
	targetMs := job.State.NextRunAtMs
	s.timers[jobID] = armTimer(s.clock, targetMs, func() {
		s.onTimerFire(jobID)
	})
}

// disarmJob stops and forgets job's timer, if any. Must be called from
// inside the serializer lane.
func (s *Service) disarmJob(jobID string) {
	if t, ok := s.timers[jobID]; ok {
		t.Stop()
		delete(s.timers, jobID)
	}
}

// disarmAll stops every live timer, used by Stop().
func (s *Service) disarmAll() {
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
}
