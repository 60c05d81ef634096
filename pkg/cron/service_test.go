package cron

import (
	"context"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dir := t.TempDir()
	svc := NewService(Options{
		RootDir:         filepath.Join(dir, "state"),
		BotName:         "testbot",
		DefaultTimezone: "UTC",
		MaxRunMs:        2000,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })
	return svc
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	if !cond() {
		t.Fatalf("condition not met within %s", timeout)
	}
}

// TestAtJobFiresAndDeletesAfterRun covers the one-shot "at" scenario: the
// job fires once near its AtMs instant and, with DeleteAfterRun set, is
// gone from the store afterward.
func TestAtJobFiresAndDeletesAfterRun(t *testing.T) {
	svc := newTestService(t)
	var fired int32
	svc.SetExecutor(func(ctx context.Context, rec RunRecord) (RunResult, error) {
		atomic.AddInt32(&fired, 1)
		return RunResult{OK: true}, nil
	})

	atMs := time.Now().Add(30 * time.Millisecond).UnixMilli()
	job, err := svc.Create(JobCreate{
		ChatID:   "chat1",
		Prompt:   "say hi",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: atMs},
		Policy:   &Policy{DeleteAfterRun: true},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, 2*time.Second, func() bool { return atomic.LoadInt32(&fired) == 1 })
	waitFor(t, time.Second, func() bool {
		_, err := svc.Get(job.ID)
		return err != nil
	})
}

// TestEveryJobReschedules covers the repeating "every" scenario: the job
// fires more than once without manual intervention.
func TestEveryJobReschedules(t *testing.T) {
	svc := newTestService(t)
	var count int32
	svc.SetExecutor(func(ctx context.Context, rec RunRecord) (RunResult, error) {
		atomic.AddInt32(&count, 1)
		return RunResult{OK: true}, nil
	})

	_, err := svc.Create(JobCreate{
		ChatID:   "chat1",
		Prompt:   "tick",
		// EveryMs must clear validateSchedule's 1000ms floor.
		Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 1000},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, 5*time.Second, func() bool { return atomic.LoadInt32(&count) >= 3 })
}

// TestRetryWithExponentialBackoff covers the retry scenario: a job that
// fails is retried per its policy, then succeeds and stops retrying.
func TestRetryWithExponentialBackoff(t *testing.T) {
	svc := newTestService(t)
	var attempts int32
	svc.SetExecutor(func(ctx context.Context, rec RunRecord) (RunResult, error) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return RunResult{OK: false, Error: "transient failure"}, nil
		}
		return RunResult{OK: true}, nil
	})

	atMs := time.Now().Add(10 * time.Millisecond).UnixMilli()
	// RetryBackoffMs must clear the policy floor (>=1000) or resolvePolicy
	// clamps it back to the service default.
	job, err := svc.Create(JobCreate{
		ChatID:   "chat1",
		Prompt:   "flaky",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: atMs},
		Policy:   &Policy{RetryMax: 3, RetryBackoffMs: 1000},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, 6*time.Second, func() bool { return atomic.LoadInt32(&attempts) >= 3 })

	// invariant 4: after a successful At run with no DeleteAfterRun, the job
	// is disabled rather than left armed with nothing left to fire.
	waitFor(t, time.Second, func() bool {
		got, err := svc.Get(job.ID)
		return err == nil && !got.Enabled && got.State.LastStatus == "ok" && got.State.ConsecutiveFailures == 0
	})
}

// TestQuotaEnforcement covers per-tenant quota rejection.
func TestQuotaEnforcement(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Options{
		RootDir:        filepath.Join(dir, "state"),
		BotName:        "testbot",
		MaxJobsPerChat: 1,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	future := Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()}
	if _, err := svc.Create(JobCreate{ChatID: "chat1", Prompt: "a", Schedule: future}); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := svc.Create(JobCreate{ChatID: "chat1", Prompt: "b", Schedule: future})
	if err == nil {
		t.Fatal("expected quota-exceeded error on second job for same chat")
	}
}

// TestManualRunNowBypassesSchedule covers RunNow firing a job whose
// schedule is far in the future.
func TestManualRunNowBypassesSchedule(t *testing.T) {
	svc := newTestService(t)
	var fired int32
	svc.SetExecutor(func(ctx context.Context, rec RunRecord) (RunResult, error) {
		atomic.AddInt32(&fired, 1)
		if rec.Source != RunSourceManual {
			t.Errorf("expected manual source, got %s", rec.Source)
		}
		return RunResult{OK: true}, nil
	})

	future := Schedule{Kind: ScheduleAt, AtMs: time.Now().Add(time.Hour).UnixMilli()}
	job, err := svc.Create(JobCreate{ChatID: "chat1", Prompt: "a", Schedule: future})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if err := svc.RunNow(job.ID); err != nil {
		t.Fatalf("RunNow: %v", err)
	}
	waitFor(t, time.Second, func() bool { return atomic.LoadInt32(&fired) == 1 })
}

// TestRunTimeoutIsReportedAsFailure covers the executor-hangs-past-timeout
// boundary behavior. minRunTimeout (5s) is a floor on top of maxRunMs, not
// just a default for the unset case, so even a small configured maxRunMs
// still waits the full floor before timing out.
func TestRunTimeoutIsReportedAsFailure(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Options{
		RootDir:  filepath.Join(dir, "state"),
		BotName:  "testbot",
		MaxRunMs: 30,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	svc.SetExecutor(func(ctx context.Context, rec RunRecord) (RunResult, error) {
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})

	atMs := time.Now().Add(10 * time.Millisecond).UnixMilli()
	job, err := svc.Create(JobCreate{
		ChatID:   "chat1",
		Prompt:   "hangs",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: atMs},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	waitFor(t, minRunTimeout+2*time.Second, func() bool {
		got, err := svc.Get(job.ID)
		return err == nil && got.State.LastStatus == "error"
	})
}

// TestStartRecoversStuckRun covers scenario 3 (crash recovery): a store file
// seeded directly with a dangling runningRunId older than stuckRunMs must
// have that marker cleared and counted as a failed attempt by Start().
func TestStartRecoversStuckRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state")
	storePath := ResolveStorePath(dir, "testbot")

	nowMs := time.Now().UnixMilli()
	futureAtMs := nowMs + int64(time.Hour/time.Millisecond)
	seeded := &Job{
		ID:      "stuck1",
		ChatID:  "chat1",
		Name:    "stuck job",
		Prompt:  "do it",
		Enabled: true,
		Schedule: Schedule{Kind: ScheduleAt, AtMs: futureAtMs},
		Policy:   defaultPolicy(),
		State: State{
			NextRunAtMs:  futureAtMs,
			RunningAtMs:  nowMs - stuckRunMs - 60_000, // older than the 2h threshold
			RunningRunID: "orphaned-run",
		},
	}
	seedStore := NewStore(storePath, zerolog.Nop())
	if err := seedStore.Save([]*Job{seeded}, nowMs); err != nil {
		t.Fatalf("seed Save: %v", err)
	}

	svc := NewService(Options{RootDir: dir, BotName: "testbot"})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	got, err := svc.Get("stuck1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.State.RunningRunID != "" || got.State.RunningAtMs != 0 {
		t.Fatalf("expected stuck-run markers cleared, got %+v", got.State)
	}
	if got.State.LastStatus != "error" {
		t.Fatalf("expected LastStatus=error, got %q", got.State.LastStatus)
	}
	if got.State.ConsecutiveFailures != 1 {
		t.Fatalf("expected ConsecutiveFailures=1, got %d", got.State.ConsecutiveFailures)
	}
}

// TestStopDrainsInFlightRun covers graceful shutdown waiting for a run that
// is already executing.
func TestStopDrainsInFlightRun(t *testing.T) {
	dir := t.TempDir()
	svc := NewService(Options{
		RootDir:  filepath.Join(dir, "state"),
		BotName:  "testbot",
		MaxRunMs: 5000,
	})
	if err := svc.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	svc.SetExecutor(func(ctx context.Context, rec RunRecord) (RunResult, error) {
		close(started)
		<-release
		return RunResult{OK: true}, nil
	})

	atMs := time.Now().Add(10 * time.Millisecond).UnixMilli()
	if _, err := svc.Create(JobCreate{
		ChatID:   "chat1",
		Prompt:   "slow",
		Schedule: Schedule{Kind: ScheduleAt, AtMs: atMs},
	}); err != nil {
		t.Fatalf("Create: %v", err)
	}

	<-started
	close(release)

	if err := svc.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if st := svc.Status(); st.ActiveRuns != 0 {
		t.Fatalf("expected 0 active runs after Stop, got %d", st.ActiveRuns)
	}
}
