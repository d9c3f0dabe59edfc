// Package scheduler implements the Task Scheduler (spec.md §4.C): a
// heartbeat-driven dispatcher that polls the Task Store, enforces a
// concurrency cap, recovers zombie jobs, and hands due jobs to the Task
// Runner.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/agentexec/gateway/internal/bus"
	"github.com/agentexec/gateway/internal/clock"
	"github.com/agentexec/gateway/internal/egress"
	"github.com/agentexec/gateway/internal/runner"
	"github.com/agentexec/gateway/internal/shared"
	"github.com/agentexec/gateway/internal/taskstore"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow), used when a periodic job's PeriodicConfig.CronExpr is set.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// State is the Scheduler's lifecycle state.
type State int

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

// Executor is the Scheduler's view of the Task Runner: small enough to
// fake in tests without spawning real subprocesses.
type Executor interface {
	Run(ctx context.Context, job runner.Job) runner.Result
	Cancel(jobID string)
}

func (s State) String() string {
	switch s {
	case StateStopped:
		return "STOPPED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	default:
		return "UNKNOWN"
	}
}

// Config holds the Scheduler's dependencies.
type Config struct {
	Store             *taskstore.Store
	Runner            Executor
	Egress            egress.Sender
	Bus               *bus.Bus
	Logger            *slog.Logger
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	MaxConcurrent     int
}

// Scheduler drives the heartbeat loop described in spec.md §4.C.
type Scheduler struct {
	store    *taskstore.Store
	runner   Executor
	egress   egress.Sender
	bus      *bus.Bus
	logger   *slog.Logger
	clock    clock.Clock
	interval time.Duration
	maxConc  int

	mu      sync.Mutex
	state   State
	running map[string]bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs a Scheduler. Unset Config fields take spec.md defaults
// (heartbeat 5s, maxConcurrent 3).
func New(cfg Config) *Scheduler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Egress == nil {
		cfg.Egress = egress.Dashboard()
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		egress:   cfg.Egress,
		bus:      cfg.Bus,
		logger:   cfg.Logger,
		clock:    cfg.Clock,
		interval: cfg.HeartbeatInterval,
		maxConc:  cfg.MaxConcurrent,
		state:    StateStopped,
		running:  make(map[string]bool),
	}
}

// State returns the Scheduler's current lifecycle state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// RunningCount returns the number of jobs currently executing.
func (s *Scheduler) RunningCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.running)
}

// Start loads the store, resets persisted "running" jobs to pending
// (they are zombies from a prior crash), and begins the heartbeat loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateStopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler: cannot start from state %s", s.state)
	}
	s.state = StateStarting
	s.mu.Unlock()

	for _, job := range s.store.GetByStatus(taskstore.StatusRunning) {
		if _, err := s.store.UpdateStatus(job.ID, taskstore.StatusPending); err != nil {
			s.logger.Error("scheduler: failed to revive zombie job on start", "job_id", job.ID, "error", err)
			continue
		}
		if job.Type == taskstore.JobTypePeriodic && job.PeriodicConfig != nil {
			s.recomputeNext(job.ID, job)
		}
		s.logger.Info("scheduler: revived zombie job on start", "job_id", job.ID)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.mu.Lock()
	s.state = StateRunning
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(runCtx)

	s.logger.Info("scheduler started", "interval", s.interval, "max_concurrent", s.maxConc)
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(s.interval):
			s.heartbeat(ctx)
		}
	}
}

// heartbeat runs the zombie sweep and due-job selection described in
// spec.md §4.C. It is exported for tests that want to drive a single
// tick without waiting on the ticker.
func (s *Scheduler) heartbeat(ctx context.Context) {
	if s.State() != StateRunning {
		return
	}

	now := s.clock.Now()

	for _, job := range s.store.GetEnabledTasks() {
		if job.Status != taskstore.StatusRunning {
			continue
		}
		s.mu.Lock()
		_, inSet := s.running[job.ID]
		s.mu.Unlock()
		if inSet {
			continue
		}
		// Zombie: recorded running but not in the in-memory running-set.
		if _, err := s.store.UpdateStatus(job.ID, taskstore.StatusPending); err != nil {
			s.logger.Error("scheduler: zombie sweep failed", "job_id", job.ID, "error", err)
			continue
		}
		if job.Type == taskstore.JobTypePeriodic && job.PeriodicConfig != nil {
			s.recomputeNext(job.ID, job)
		}
		s.logger.Warn("scheduler: reclaimed zombie job", "job_id", job.ID)
	}

	var due []taskstore.Job
	for _, job := range s.store.GetEnabledTasks() {
		if job.Status != taskstore.StatusPending {
			continue
		}
		if job.NextExecutionTimeMs == nil || *job.NextExecutionTimeMs > now.UnixMilli() {
			continue
		}
		due = append(due, job)
	}

	for _, job := range due {
		if s.RunningCount() >= s.maxConc {
			break
		}
		if s.isRunning(job.ID) {
			continue
		}
		s.spawn(ctx, job)
	}
}

func (s *Scheduler) isRunning(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *Scheduler) spawn(ctx context.Context, job taskstore.Job) {
	s.mu.Lock()
	s.running[job.ID] = true
	s.mu.Unlock()

	if _, err := s.store.UpdateStatus(job.ID, taskstore.StatusRunning); err != nil {
		s.logger.Error("scheduler: failed to mark job running", "job_id", job.ID, "error", err)
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicScheduleFired, bus.ScheduleFiredEvent{JobID: job.ID})
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.runTask(ctx, job)
	}()
}

// runTask executes job via the Runner, records history, optionally
// notifies, and resolves the job's terminal/pending state.
func (s *Scheduler) runTask(ctx context.Context, job taskstore.Job) {
	defer func() {
		s.mu.Lock()
		delete(s.running, job.ID)
		s.mu.Unlock()
	}()

	traceID := shared.NewTraceID()
	runCtx := shared.WithTraceID(ctx, traceID)
	s.logger.Info("scheduler: dispatching job", "job_id", job.ID, "trace_id", traceID)

	res := s.runner.Run(runCtx, runner.Job{
		ID:         job.ID,
		Name:       job.Name,
		Command:    job.Command,
		SaveResult: job.SaveResult,
		ResultDir:  job.ResultDir,
	})

	s.logger.Info("scheduler: job finished", "job_id", job.ID, "trace_id", traceID, "success", res.Success)

	record := taskstore.ExecutionRecord{
		StartTimeMs:    res.StartTime.UnixMilli(),
		EndTimeMs:      res.EndTime.UnixMilli(),
		Success:        res.Success,
		Error:          res.Error,
		ResultFilePath: res.ResultFilePath,
		DurationMs:     res.Duration().Milliseconds(),
	}

	updated, err := s.store.AddExecutionHistory(job.ID, record)
	if err != nil {
		s.logger.Error("scheduler: failed to record execution history", "job_id", job.ID, "error", err)
		return
	}

	if job.NotifyQQ && job.NotifyTarget != "" && job.NotifyTarget != taskstore.DashboardSentinel {
		s.notify(runCtx, job, res)
	}

	switch job.Type {
	case taskstore.JobTypeScheduled:
		s.store.Update(job.ID, func(j *taskstore.Job) {
			j.Status = taskstore.StatusCompleted
			j.Enabled = false
		})
	case taskstore.JobTypePeriodic:
		if !res.Success && job.PeriodicConfig != nil && !job.PeriodicConfig.ContinueOnError {
			s.store.Update(job.ID, func(j *taskstore.Job) {
				j.Status = taskstore.StatusFailed
				j.Enabled = false
			})
		} else {
			s.store.UpdateStatus(job.ID, taskstore.StatusPending)
		}
	}

	_ = updated
}

func (s *Scheduler) notify(ctx context.Context, job taskstore.Job, res runner.Result) {
	text := egress.FormatNotification(egress.NotificationParams{
		JobName:        job.Name,
		StartTime:      res.StartTime,
		Success:        res.Success,
		DurationSec:    res.Duration().Seconds(),
		Error:          res.Error,
		ResultFilePath: res.ResultFilePath,
	})
	if err := s.egress.SendMessage(ctx, job.NotifyTarget, text); err != nil {
		s.logger.Error("scheduler: notification delivery failed", "job_id", job.ID, "error", err)
		if s.bus != nil {
			s.bus.Publish(bus.TopicNotificationSuppressed, bus.NotificationEvent{JobID: job.ID, Target: ""})
		}
		return
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicNotificationSent, bus.NotificationEvent{JobID: job.ID, Target: job.NotifyTarget})
	}
}

// ExecuteNow spawns job immediately, respecting MaxConcurrent. Refuses
// when the job is already running.
func (s *Scheduler) ExecuteNow(ctx context.Context, id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("scheduler: job %s not found", id)
	}
	if s.isRunning(id) || job.Status == taskstore.StatusRunning {
		return fmt.Errorf("scheduler: job %s is already running", id)
	}
	if s.RunningCount() >= s.maxConc {
		return fmt.Errorf("scheduler: at max concurrency (%d)", s.maxConc)
	}
	s.spawn(ctx, job)
	return nil
}

// PauseTask pauses a periodic job. Invalid for scheduled jobs.
func (s *Scheduler) PauseTask(id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("scheduler: job %s not found", id)
	}
	if job.Type != taskstore.JobTypePeriodic {
		return fmt.Errorf("scheduler: pause is only valid for periodic jobs")
	}
	_, err := s.store.Update(id, func(j *taskstore.Job) {
		j.Status = taskstore.StatusPaused
		j.Enabled = false
	})
	return err
}

// ResumeTask resumes a paused periodic job.
func (s *Scheduler) ResumeTask(id string) error {
	job, ok := s.store.Get(id)
	if !ok {
		return fmt.Errorf("scheduler: job %s not found", id)
	}
	if job.Type != taskstore.JobTypePeriodic {
		return fmt.Errorf("scheduler: resume is only valid for periodic jobs")
	}
	_, err := s.store.Update(id, func(j *taskstore.Job) {
		j.Status = taskstore.StatusPending
		j.Enabled = true
	})
	return err
}

// DeleteTask cancels any in-flight run for id, then removes it from the store.
func (s *Scheduler) DeleteTask(id string) error {
	s.runner.Cancel(id)
	return s.store.Delete(id)
}

// recomputeNext recomputes a periodic job's nextExecutionTime, honoring
// CronExpr when present.
func (s *Scheduler) recomputeNext(id string, job taskstore.Job) {
	now := s.clock.Now()
	var next int64
	if job.PeriodicConfig.CronExpr != "" {
		sched, err := cronParser.Parse(job.PeriodicConfig.CronExpr)
		if err != nil {
			s.logger.Error("scheduler: invalid cronExpr", "job_id", id, "cron_expr", job.PeriodicConfig.CronExpr, "error", err)
			next = now.UnixMilli() + int64(job.PeriodicConfig.IntervalMinutes*60_000)
		} else {
			next = sched.Next(now).UnixMilli()
		}
	} else {
		next = now.UnixMilli() + int64(job.PeriodicConfig.IntervalMinutes*60_000)
	}
	s.store.Update(id, func(j *taskstore.Job) { j.NextExecutionTimeMs = &next })
}

// Stop transitions to STOPPING, waits up to 30s (polling at 100ms) for
// the running-set to drain, then force-terminates any remaining children.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.state != StateRunning {
		s.mu.Unlock()
		return
	}
	s.state = StateStopping
	s.mu.Unlock()

	if s.cancel != nil {
		s.cancel()
	}

	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if s.RunningCount() == 0 {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	s.mu.Lock()
	remaining := make([]string, 0, len(s.running))
	for id := range s.running {
		remaining = append(remaining, id)
	}
	s.mu.Unlock()
	for _, id := range remaining {
		s.runner.Cancel(id)
	}

	s.wg.Wait()

	s.mu.Lock()
	s.state = StateStopped
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}
