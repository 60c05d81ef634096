package cron

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// stuckRunMs bounds how long a RunningRunID marker is trusted after
// restart; anything older is assumed to be a run that was in flight when
// the process died, and is cleared during crash recovery.
const stuckRunMs = 2 * 60 * 60 * 1000

// Options configures a Service.
type Options struct {
	RootDir         string
	BotName         string
	DefaultTimezone string
	MaxJobsPerChat  int
	MaxRunMs        int64
	DefaultPolicy   Policy
	Logger          *zerolog.Logger // nil -> zerolog.Nop()
	Clock           Clock           // nil -> real wall-clock
}

// Service is the lifecycle controller (C8) and the scheduler's public
// entry point; it owns the store, the serializer lane, and every job's
// trigger.
type Service struct {
	opts Options
	log  zerolog.Logger
	clock Clock
	store *Store

	ser *serializer

	jobsMu sync.RWMutex
	jobs   map[string]*Job
	timers map[string]Timer

	execMu   sync.RWMutex
	executor Executor

	activeRuns int32

	startMu sync.Mutex
	started bool
}

// NewService constructs a Service; it does not touch disk until Start.
func NewService(opts Options) *Service {
	if opts.DefaultTimezone == "" {
		opts.DefaultTimezone = "UTC"
	}
	if opts.BotName == "" {
		opts.BotName = "default"
	}
	clock := opts.Clock
	if clock == nil {
		clock = newRealClock()
	}
	log := zerolog.Nop()
	if opts.Logger != nil {
		log = *opts.Logger
	}
	storePath := ResolveStorePath(opts.RootDir, opts.BotName)
	return &Service{
		opts:   opts,
		log:    log.With().Str("component", "cron.service").Str("bot", opts.BotName).Logger(),
		clock:  clock,
		store:  NewStore(storePath, log),
		ser:    newSerializer(),
		jobs:   make(map[string]*Job),
		timers: make(map[string]Timer),
	}
}

// Start loads the store, recovers crashed runs, arms every enabled job's
// timer, and begins accepting mutations.
func (s *Service) Start() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if s.started {
		return nil
	}

	go s.ser.run()

	jobs, _, err := s.store.Load()
	if err != nil {
		return err
	}

	return s.ser.submit(func() error {
		nowMs := s.clock.Now().UnixMilli()
		for _, j := range jobs {
			if s.recoverStuckRunLocked(j, nowMs) {
				continue // exhausted its retries while we were down; drop it
			}
			if j.State.NextRunAtMs <= 0 && j.Enabled {
				if next, ok, err := computeNextRunAtMs(j.Schedule, nowMs, false); err == nil && ok {
					j.State.NextRunAtMs = next
				}
			} else if j.Enabled && j.Schedule.Kind == ScheduleCron && j.State.NextRunAtMs <= nowMs {
				// Cron ticks missed while stopped are not replayed: move
				// straight to the next future tick.
				if next, ok, err := computeNextRunAtMs(j.Schedule, nowMs, true); err == nil && ok {
					j.State.NextRunAtMs = next
				} else {
					j.State.NextRunAtMs = 0
				}
			} else if j.Enabled && j.Policy.MaxLatenessMs > 0 && j.State.NextRunAtMs > 0 &&
				nowMs-j.State.NextRunAtMs > j.Policy.MaxLatenessMs {
				// Missed this occurrence by more than the job tolerates while the
				// process was down. Skip it rather than firing a burst of stale
				// runs, and advance straight to the next legitimate occurrence.
				s.log.Warn().Str("job_id", j.ID).Int64("stale_by_ms", nowMs-j.State.NextRunAtMs).
					Msg("cron: skipping startup catch-up, job missed its schedule while stopped")
				if next, ok, err := computeNextRunAtMs(j.Schedule, nowMs, true); err == nil && ok {
					j.State.NextRunAtMs = next
				} else {
					j.State.NextRunAtMs = 0
				}
			}
			s.jobsMu.Lock()
			s.jobs[j.ID] = j
			s.jobsMu.Unlock()
		}
		for _, j := range jobs {
			s.armJob(j)
		}
		if err := s.persistLocked(); err != nil {
			s.log.Warn().Err(err).Msg("cron: failed to persist store after startup recovery")
		}
		s.started = true
		s.log.Info().Int("jobs", len(jobs)).Msg("cron: started")
		return nil
	})
}

// recoverStuckRunLocked clears a RunningRunID marker left behind by a
// process that crashed mid-run, treating it as a failed attempt so normal
// retry/reschedule logic takes over. Must run inside the serializer lane,
// before the job is added back to the in-memory table. Returns true if the
// job should be dropped entirely (retries exhausted, DeleteAfterRun).
func (s *Service) recoverStuckRunLocked(j *Job, nowMs int64) bool {
	if j.State.RunningRunID == "" {
		return false
	}
	if nowMs-j.State.RunningAtMs < stuckRunMs {
		return false
	}
	j.State.RunningAtMs = 0
	j.State.RunningRunID = ""
	j.State.LastStatus = "error"
	j.State.LastError = "run did not complete before restart"
	j.State.ConsecutiveFailures++
	return s.rescheduleAfterFailure(j, nowMs)
}

// Stop disarms every timer, drains the serializer, and waits up to 10s for
// in-flight runs to finish before returning.
func (s *Service) Stop() error {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	if !s.started {
		return nil
	}

	_ = s.ser.submit(func() error {
		s.disarmAll()
		return nil
	})

	deadline := s.clock.Now().Add(10 * time.Second)
	for atomic.LoadInt32(&s.activeRuns) > 0 && s.clock.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}

	s.ser.stop()
	s.started = false
	s.log.Info().Msg("cron: stopped")
	return nil
}

// IsEnabled reports whether the service is currently running.
func (s *Service) IsEnabled() bool {
	s.startMu.Lock()
	defer s.startMu.Unlock()
	return s.started
}

// GetDefaultTimezone returns the service-wide default IANA timezone name.
func (s *Service) GetDefaultTimezone() string {
	return s.opts.DefaultTimezone
}

// SetExecutor installs (or replaces) the Executor callback. Safe to call
// at any time, including while runs are in flight — each run reads the
// executor once when it starts executing, so runs already executing keep
// the one they started with.
func (s *Service) SetExecutor(ex Executor) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	s.executor = ex
}

func (s *Service) getExecutor() Executor {
	s.execMu.RLock()
	defer s.execMu.RUnlock()
	return s.executor
}

// Create validates and inserts a new job, enforcing the per-chat quota.
func (s *Service) Create(in JobCreate) (*Job, error) {
	if err := validateCreate(in); err != nil {
		return nil, err
	}

	var created *Job
	err := s.ser.submit(func() error {
		if s.opts.MaxJobsPerChat > 0 {
			count := 0
			for _, j := range s.jobs {
				if j.ChatID == in.ChatID {
					count++
				}
			}
			if count >= s.opts.MaxJobsPerChat {
				return wrapf(ErrQuotaExceeded, "chat %s already has %d jobs", in.ChatID, count)
			}
		}

		id, err := generateJobID(s.jobs)
		if err != nil {
			return err
		}

		nowMs := s.clock.Now().UnixMilli()
		enabled := true
		if in.Enabled != nil {
			enabled = *in.Enabled
		}
		policy := resolvePolicy(in.Policy, s.opts.DefaultPolicy)

		job := &Job{
			ID:        id,
			ChatID:    in.ChatID,
			Name:      normalizeName(in.Name, in.Prompt, id),
			Prompt:    in.Prompt,
			Schedule:  in.Schedule,
			Policy:    policy,
			Enabled:   enabled,
			CreatedAt: nowMs,
			UpdatedAt: nowMs,
		}
		if enabled {
			if next, ok, err := computeNextRunAtMs(job.Schedule, nowMs, false); err != nil {
				return err
			} else if ok {
				job.State.NextRunAtMs = next
			}
		}

		s.setJobLocked(job)
		s.armJob(job)
		if err := s.persistLocked(); err != nil {
			return err
		}
		created = job.Clone()
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Remove deletes a job outright, disarming any live timer.
func (s *Service) Remove(jobID string) error {
	return s.ser.submit(func() error {
		if _, ok := s.jobs[jobID]; !ok {
			return wrapf(ErrNotFound, "job %s", jobID)
		}
		s.disarmJob(jobID)
		s.jobsMu.Lock()
		delete(s.jobs, jobID)
		s.jobsMu.Unlock()
		return s.persistLocked()
	})
}

// SetEnabled flips a job's Enabled flag, arming or disarming its timer to
// match, and recomputing NextRunAtMs when re-enabling.
func (s *Service) SetEnabled(jobID string, enabled bool) error {
	return s.ser.submit(func() error {
		j, ok := s.jobs[jobID]
		if !ok {
			return wrapf(ErrNotFound, "job %s", jobID)
		}
		if j.Enabled == enabled {
			return nil
		}
		j.Enabled = enabled
		j.UpdatedAt = s.clock.Now().UnixMilli()
		if enabled {
			nowMs := s.clock.Now().UnixMilli()
			if next, ok, err := computeNextRunAtMs(j.Schedule, nowMs, false); err != nil {
				return err
			} else if ok {
				j.State.NextRunAtMs = next
			}
		} else {
			j.State.NextRunAtMs = 0
		}
		s.setJobLocked(j)
		s.armJob(j)
		return s.persistLocked()
	})
}

// Rename updates a job's display name.
func (s *Service) Rename(jobID, name string) error {
	return s.ser.submit(func() error {
		j, ok := s.jobs[jobID]
		if !ok {
			return wrapf(ErrNotFound, "job %s", jobID)
		}
		j.Name = normalizeName(name, j.Prompt, j.ID)
		j.UpdatedAt = s.clock.Now().UnixMilli()
		s.setJobLocked(j)
		return s.persistLocked()
	})
}

// List returns a deep-copied snapshot of every job, without going through
// the serializer lane.
func (s *Service) List() []*Job {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	out := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j.Clone())
	}
	return out
}

// Get returns a deep copy of one job, or ErrNotFound.
func (s *Service) Get(jobID string) (*Job, error) {
	s.jobsMu.RLock()
	defer s.jobsMu.RUnlock()
	j, ok := s.jobs[jobID]
	if !ok {
		return nil, wrapf(ErrNotFound, "job %s", jobID)
	}
	return j.Clone(), nil
}

// Status reports coarse service health: whether it's running, job count,
// and how many runs are in flight.
type Status struct {
	Running    bool
	JobCount   int
	ActiveRuns int32
}

func (s *Service) Status() Status {
	s.jobsMu.RLock()
	count := len(s.jobs)
	s.jobsMu.RUnlock()
	return Status{
		Running:    s.IsEnabled(),
		JobCount:   count,
		ActiveRuns: atomic.LoadInt32(&s.activeRuns),
	}
}

// setJobLocked installs job into the in-memory map under jobsMu. Must be
// called from inside the serializer lane.
func (s *Service) setJobLocked(job *Job) {
	s.jobsMu.Lock()
	s.jobs[job.ID] = job
	s.jobsMu.Unlock()
}

// persistLocked snapshots the job map and writes it to the store. Must be
// called from inside the serializer lane so persisted state never
// reorders relative to in-memory state.
func (s *Service) persistLocked() error {
	s.jobsMu.RLock()
	jobs := make([]*Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		jobs = append(jobs, j)
	}
	s.jobsMu.RUnlock()
	return s.store.Save(jobs, s.clock.Now().UnixMilli())
}
