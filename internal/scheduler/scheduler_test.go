package scheduler_test

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentexec/gateway/internal/clock"
	"github.com/agentexec/gateway/internal/runner"
	"github.com/agentexec/gateway/internal/scheduler"
	"github.com/agentexec/gateway/internal/taskstore"
)

// fakeExecutor is a test double for scheduler.Executor: it never spawns a
// real subprocess, so tests run fast and deterministically.
type fakeExecutor struct {
	mu          sync.Mutex
	runCount    atomic.Int32
	concurrent  atomic.Int32
	maxObserved atomic.Int32
	delay       time.Duration
	fail        bool
}

func (f *fakeExecutor) Run(ctx context.Context, job runner.Job) runner.Result {
	now := f.concurrent.Add(1)
	for {
		max := f.maxObserved.Load()
		if now <= max || f.maxObserved.CompareAndSwap(max, now) {
			break
		}
	}
	defer f.concurrent.Add(-1)

	f.runCount.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	start := time.Now()
	return runner.Result{
		StartTime: start,
		EndTime:   start.Add(time.Millisecond),
		Success:   !f.fail,
		Error:     map[bool]string{true: "boom"}[f.fail],
	}
}

func (f *fakeExecutor) Cancel(jobID string) {}

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	s, err := taskstore.New(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}
	return s
}

func TestHeartbeat_DueSelection_RespectsOrderAtBoundary(t *testing.T) {
	// P10: jobs due at now-1s, now, now+1s; a heartbeat at `now` selects
	// exactly the first two.
	store := newTestStore(t)
	fake := &fakeExecutor{delay: 50 * time.Millisecond}
	fc := clock.NewFake(time.Now())

	sched := scheduler.New(scheduler.Config{
		Store: store, Runner: fake, Clock: fc, MaxConcurrent: 10,
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	now := fc.Now().UnixMilli()
	mk := func(offsetMs int64) {
		job, err := store.Create(taskstore.CreateParams{
			Name: "j", Type: taskstore.JobTypePeriodic, Command: "true",
			PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
		})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		next := now + offsetMs
		store.Update(job.ID, func(j *taskstore.Job) { j.NextExecutionTimeMs = &next })
	}
	mk(-1000)
	mk(0)
	mk(1000)

	fc.Advance(5 * time.Second)
	time.Sleep(200 * time.Millisecond)

	if got := fake.runCount.Load(); got != 2 {
		t.Fatalf("expected exactly 2 jobs run, got %d", got)
	}
}

func TestHeartbeat_ConcurrencyCapIsRespected(t *testing.T) {
	// P3: 5 due jobs with maxConcurrent=2; running-set never exceeds 2.
	store := newTestStore(t)
	fake := &fakeExecutor{delay: 150 * time.Millisecond}
	fc := clock.NewFake(time.Now())

	sched := scheduler.New(scheduler.Config{
		Store: store, Runner: fake, Clock: fc, MaxConcurrent: 2,
	})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	now := fc.Now().UnixMilli()
	for i := 0; i < 5; i++ {
		job, _ := store.Create(taskstore.CreateParams{
			Name: "j", Type: taskstore.JobTypePeriodic, Command: "true",
			PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
		})
		store.Update(job.ID, func(j *taskstore.Job) { j.NextExecutionTimeMs = &now })
	}

	fc.Advance(5 * time.Second)
	time.Sleep(400 * time.Millisecond)

	if got := fake.maxObserved.Load(); got > 2 {
		t.Fatalf("expected running-set to never exceed 2, observed max %d", got)
	}
}

func TestStart_RevivesZombieJob(t *testing.T) {
	// P4: a stored job with status=running is reverted to pending on start.
	store := newTestStore(t)
	job, err := store.Create(taskstore.CreateParams{
		Name: "z", Type: taskstore.JobTypePeriodic, Command: "true",
		PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := store.UpdateStatus(job.ID, taskstore.StatusRunning); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	fake := &fakeExecutor{}
	fc := clock.NewFake(time.Now())
	sched := scheduler.New(scheduler.Config{Store: store, Runner: fake, Clock: fc})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	got, ok := store.Get(job.ID)
	if !ok {
		t.Fatal("expected job to exist")
	}
	if got.Status != taskstore.StatusPending {
		t.Fatalf("Status = %s, want pending", got.Status)
	}
}

func TestExecuteNow_RefusesWhenAlreadyRunning(t *testing.T) {
	store := newTestStore(t)
	job, _ := store.Create(taskstore.CreateParams{
		Name: "j", Type: taskstore.JobTypeScheduled, Command: "true",
		ScheduledConfig: &taskstore.ScheduledConfig{ScheduledTimeMs: time.Now().UnixMilli()},
	})
	store.UpdateStatus(job.ID, taskstore.StatusRunning)

	fake := &fakeExecutor{}
	sched := scheduler.New(scheduler.Config{Store: store, Runner: fake})
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sched.Stop()

	if err := sched.ExecuteNow(context.Background(), job.ID); err == nil {
		t.Fatal("expected error when job already running")
	}
}

func TestPauseResumeTask_OnlyValidForPeriodic(t *testing.T) {
	store := newTestStore(t)
	oneShot, _ := store.Create(taskstore.CreateParams{
		Name: "j", Type: taskstore.JobTypeScheduled, Command: "true",
		ScheduledConfig: &taskstore.ScheduledConfig{ScheduledTimeMs: time.Now().UnixMilli()},
	})

	sched := scheduler.New(scheduler.Config{Store: store, Runner: &fakeExecutor{}})

	if err := sched.PauseTask(oneShot.ID); err == nil {
		t.Fatal("expected error pausing a scheduled (non-periodic) job")
	}

	periodic, _ := store.Create(taskstore.CreateParams{
		Name: "p", Type: taskstore.JobTypePeriodic, Command: "true",
		PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
	})
	if err := sched.PauseTask(periodic.ID); err != nil {
		t.Fatalf("PauseTask: %v", err)
	}
	got, _ := store.Get(periodic.ID)
	if got.Status != taskstore.StatusPaused || got.Enabled {
		t.Fatalf("expected paused+disabled, got status=%s enabled=%v", got.Status, got.Enabled)
	}

	if err := sched.ResumeTask(periodic.ID); err != nil {
		t.Fatalf("ResumeTask: %v", err)
	}
	got, _ = store.Get(periodic.ID)
	if got.Status != taskstore.StatusPending || !got.Enabled {
		t.Fatalf("expected pending+enabled, got status=%s enabled=%v", got.Status, got.Enabled)
	}
}

func TestDeleteTask_RemovesFromStore(t *testing.T) {
	store := newTestStore(t)
	job, _ := store.Create(taskstore.CreateParams{
		Name: "j", Type: taskstore.JobTypeScheduled, Command: "true",
		ScheduledConfig: &taskstore.ScheduledConfig{ScheduledTimeMs: time.Now().UnixMilli()},
	})
	sched := scheduler.New(scheduler.Config{Store: store, Runner: &fakeExecutor{}})
	if err := sched.DeleteTask(job.ID); err != nil {
		t.Fatalf("DeleteTask: %v", err)
	}
	if _, ok := store.Get(job.ID); ok {
		t.Fatal("expected job to be gone")
	}
}
