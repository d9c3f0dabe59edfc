package taskstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentexec/gateway/internal/bus"
)

// maxHistorySize caps the number of ExecutionRecords retained per job.
// Kept as a package constant per spec.md; overridable at construction via
// Config.MaxHistorySize so it can be tuned without changing code.
const maxHistorySize = 100

const snapshotVersion = 1

// Store is the Task Store: an in-memory job registry backed by a single
// JSON document persisted via temp-file-then-rename. All mutators hold
// the same mutex, giving single-writer discipline as spec.md requires.
type Store struct {
	mu             sync.Mutex
	path           string
	maxHistorySize int
	logger         *slog.Logger
	bus            *bus.Bus
	now            func() time.Time

	jobs map[string]Job
}

// Option configures a Store at construction.
type Option func(*Store)

// WithMaxHistorySize overrides the default history cap (100).
func WithMaxHistorySize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxHistorySize = n
		}
	}
}

// WithBus wires the Store to publish job lifecycle events.
func WithBus(b *bus.Bus) Option {
	return func(s *Store) { s.bus = b }
}

// WithLogger sets the Store's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the time source (tests only).
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store backed by the JSON document at path, loading any
// existing content. A missing file is not an error: the Store starts empty.
func New(path string, opts ...Option) (*Store, error) {
	s := &Store{
		path:           path,
		maxHistorySize: maxHistorySize,
		logger:         slog.Default(),
		now:            time.Now,
		jobs:           make(map[string]Job),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := s.load(); err != nil {
		return nil, fmt.Errorf("taskstore: loading %s: %w", path, err)
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.Error("taskstore: primary document corrupt", "path", s.path, "error", err)
		return nil
	}
	if doc.Jobs != nil {
		s.jobs = doc.Jobs
	}
	return nil
}

// save persists the current job set via write-temp-then-rename. Caller
// must hold s.mu.
func (s *Store) save() error {
	doc := snapshotDocument{
		Version: snapshotVersion,
		SavedAt: s.now().UnixMilli(),
		Jobs:    s.jobs,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("taskstore: marshaling: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("taskstore: creating %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".taskstore-*.tmp")
	if err != nil {
		return fmt.Errorf("taskstore: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("taskstore: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("taskstore: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("taskstore: renaming into place: %w", err)
	}
	return nil
}

// Create validates and inserts a new Job, computing its initial
// nextExecutionTime, and persists the Store.
func (s *Store) Create(params CreateParams) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if params.Type != JobTypePeriodic && params.Type != JobTypeScheduled {
		return Job{}, fmt.Errorf("taskstore: invalid job type %q", params.Type)
	}
	if params.Type == JobTypePeriodic && params.PeriodicConfig == nil {
		return Job{}, fmt.Errorf("taskstore: periodicConfig required for periodic job")
	}
	if params.Type == JobTypeScheduled && params.ScheduledConfig == nil {
		return Job{}, fmt.Errorf("taskstore: scheduledConfig required for scheduled job")
	}

	now := s.now()
	nowMs := now.UnixMilli()

	job := Job{
		ID:              uuid.NewString(),
		Name:            params.Name,
		Description:     params.Description,
		Type:            params.Type,
		Command:         params.Command,
		PeriodicConfig:  params.PeriodicConfig,
		ScheduledConfig: params.ScheduledConfig,
		Status:          StatusPending,
		Enabled:         true,
		NotifyQQ:        params.NotifyQQ,
		NotifyTarget:    params.NotifyTarget,
		SaveResult:      params.SaveResult,
		ResultDir:       params.ResultDir,
		CreatedAtMs:     nowMs,
	}

	var next int64
	switch params.Type {
	case JobTypePeriodic:
		if params.PeriodicConfig.RunImmediately {
			next = nowMs
		} else {
			next = nowMs + int64(params.PeriodicConfig.IntervalMinutes*60_000)
		}
	case JobTypeScheduled:
		next = params.ScheduledConfig.ScheduledTimeMs
	}
	job.NextExecutionTimeMs = &next

	s.jobs[job.ID] = job
	if err := s.save(); err != nil {
		delete(s.jobs, job.ID)
		return Job{}, err
	}

	s.publish(job.ID, "", StatusPending)
	return job, nil
}

// Get returns a copy of the job with the given id.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	return job, ok
}

// GetAll returns a copy of every job, order is not guaranteed.
func (s *Store) GetAll() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, j)
	}
	return out
}

// GetByStatus returns every job with the given status.
func (s *Store) GetByStatus(status JobStatus) []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

// GetEnabledTasks returns every enabled job.
func (s *Store) GetEnabledTasks() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Job
	for _, j := range s.jobs {
		if j.Enabled {
			out = append(out, j)
		}
	}
	return out
}

// Update shallow-merges the given mutator function's changes into the job
// and persists the Store. The mutator receives a pointer to the job's
// in-memory copy.
func (s *Store) Update(id string, mutate func(*Job)) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("taskstore: job %s not found", id)
	}
	old := job.Status
	mutate(&job)
	s.jobs[id] = job
	if err := s.save(); err != nil {
		return Job{}, err
	}
	if job.Status != old {
		s.publish(id, old, job.Status)
	}
	return job, nil
}

// UpdateStatus is the status-only variant of Update.
func (s *Store) UpdateStatus(id string, status JobStatus) (Job, error) {
	return s.Update(id, func(j *Job) { j.Status = status })
}

// Delete hard-removes a job.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return fmt.Errorf("taskstore: job %s not found", id)
	}
	delete(s.jobs, id)
	return s.save()
}

// AddExecutionHistory appends a record, trims the history beyond the cap,
// bumps the execution/failure counters, and — for periodic jobs —
// recomputes nextExecutionTime.
func (s *Store) AddExecutionHistory(id string, record ExecutionRecord) (Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[id]
	if !ok {
		return Job{}, fmt.Errorf("taskstore: job %s not found", id)
	}

	job.ExecutionHistory = append(job.ExecutionHistory, record)
	if over := len(job.ExecutionHistory) - s.maxHistorySize; over > 0 {
		job.ExecutionHistory = job.ExecutionHistory[over:]
	}
	job.ExecutionCount++
	if !record.Success {
		job.FailureCount++
	}
	last := record.StartTimeMs
	job.LastExecutionTimeMs = &last

	if job.Type == JobTypePeriodic && job.PeriodicConfig != nil {
		next := last + int64(job.PeriodicConfig.IntervalMinutes*60_000)
		job.NextExecutionTimeMs = &next
	}

	s.jobs[id] = job
	if err := s.save(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetStatistics aggregates totals, by-type, and by-status counts.
func (s *Store) GetStatistics() Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()

	stats := Statistics{
		ByType:   make(map[string]int),
		ByStatus: make(map[string]int),
	}
	for _, j := range s.jobs {
		stats.Total++
		stats.ByType[string(j.Type)]++
		stats.ByStatus[string(j.Status)]++
		if j.Status == StatusRunning {
			stats.Running++
		}
		if j.Enabled {
			stats.Enabled++
		}
	}
	return stats
}

func (s *Store) publish(jobID string, oldStatus, newStatus JobStatus) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicJobStateChanged, bus.JobStateChangedEvent{
		JobID:     jobID,
		OldStatus: string(oldStatus),
		NewStatus: string(newStatus),
	})
	switch newStatus {
	case StatusRunning:
		s.bus.Publish(bus.TopicJobRunning, bus.JobStateChangedEvent{JobID: jobID, OldStatus: string(oldStatus), NewStatus: string(newStatus)})
	case StatusCompleted:
		s.bus.Publish(bus.TopicJobSucceeded, bus.JobStateChangedEvent{JobID: jobID, OldStatus: string(oldStatus), NewStatus: string(newStatus)})
	case StatusFailed:
		s.bus.Publish(bus.TopicJobFailed, bus.JobStateChangedEvent{JobID: jobID, OldStatus: string(oldStatus), NewStatus: string(newStatus)})
	}
}
