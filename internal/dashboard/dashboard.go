// Package dashboard implements the Dashboard State + Store (spec.md
// §4.F): an in-memory view of live tasks and aggregate stats, snapshotted
// periodically to disk so a restart doesn't lose the control plane's
// picture of what was running.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/agentexec/gateway/internal/clock"
)

const snapshotVersion = 1

// maxMilestones bounds LiveTask.Milestones per spec.md §3's "bounded
// (≤20)" milestones list — oldest entries are dropped first.
const maxMilestones = 20

// LiveTaskStatus mirrors a LiveTask's lifecycle.
type LiveTaskStatus string

const (
	LiveTaskRunning   LiveTaskStatus = "running"
	LiveTaskCompleted LiveTaskStatus = "completed"
	LiveTaskError     LiveTaskStatus = "error"
)

// MilestoneKind classifies a Milestone entry.
type MilestoneKind string

const (
	MilestoneKindMilestone MilestoneKind = "milestone"
	MilestoneKindProgress  MilestoneKind = "progress"
	MilestoneKindError     MilestoneKind = "error"
)

// Milestone is one bounded progress entry on a LiveTask, per spec.md §3.
type Milestone struct {
	TimestampMs int64         `json:"timestamp"`
	Message     string        `json:"message"`
	Type        MilestoneKind `json:"type"`
}

// LiveTask is the Dashboard's view of one in-flight or recently finished
// task.
type LiveTask struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	GroupID      string         `json:"groupId,omitempty"`
	Prompt       string         `json:"prompt,omitempty"`
	Status       LiveTaskStatus `json:"status"`
	StartedAtMs  int64          `json:"startedAtMs"`
	FinishedAtMs int64          `json:"finishedAtMs,omitempty"`
	Output       string         `json:"output,omitempty"`
	Milestones   []Milestone    `json:"milestones,omitempty"`
	LastMessage  string         `json:"lastMessage,omitempty"`
	Error        string         `json:"error,omitempty"`
}

// AppendMilestone appends m to t.Milestones, dropping the oldest entry
// once the bounded (≤20) capacity is reached.
func (t *LiveTask) AppendMilestone(m Milestone) {
	t.Milestones = append(t.Milestones, m)
	if len(t.Milestones) > maxMilestones {
		t.Milestones = t.Milestones[len(t.Milestones)-maxMilestones:]
	}
}

// Stats is the aggregate view recomputed on every cardinality-changing
// mutation.
type Stats struct {
	TotalTasks     int       `json:"totalTasks"`
	RunningTasks   int       `json:"runningTasks"`
	CompletedTasks int       `json:"completedTasks"`
	StartTime      time.Time `json:"startTime"`
	UptimeSec      int64     `json:"uptimeSec"`
}

// taskEntry preserves map ordering across a snapshot round-trip:
// encoding/json can't serialize a map key order, so the document stores
// an array of [id, LiveTask] pairs instead.
type taskEntry struct {
	ID   string
	Task LiveTask
}

func (e taskEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{e.ID, e.Task})
}

func (e *taskEntry) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if err := json.Unmarshal(pair[0], &e.ID); err != nil {
		return err
	}
	return json.Unmarshal(pair[1], &e.Task)
}

type snapshotDocument struct {
	Version int         `json:"version"`
	SavedAt int64       `json:"savedAt"`
	Tasks   []taskEntry `json:"tasks"`
	Stats   Stats       `json:"stats"`
}

// Dashboard holds the live task map and stats, and snapshots itself
// periodically when dirty.
type Dashboard struct {
	mu    sync.Mutex
	tasks map[string]LiveTask
	stats Stats
	dirty bool

	path   string
	clock  clock.Clock
	logger *slog.Logger
}

// Option configures a Dashboard at construction.
type Option func(*Dashboard)

func WithClock(c clock.Clock) Option {
	return func(d *Dashboard) {
		if c != nil {
			d.clock = c
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Dashboard) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a Dashboard backed by the JSON document at path, loading
// any existing snapshot (falling back to its backup on parse failure).
func New(path string, opts ...Option) *Dashboard {
	d := &Dashboard{
		tasks:  make(map[string]LiveTask),
		path:   path,
		clock:  clock.Real{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.stats.StartTime = d.clock.Now()
	d.load()
	return d
}

func (d *Dashboard) backupPath() string {
	ext := filepath.Ext(d.path)
	return d.path[:len(d.path)-len(ext)] + ".backup" + ext
}

// load tries the primary snapshot file, falling back to the backup on a
// parse or version failure, and starts empty if both fail.
func (d *Dashboard) load() {
	if d.tryLoad(d.path) {
		return
	}
	d.logger.Warn("dashboard: primary snapshot unreadable, trying backup", "path", d.path)
	if d.tryLoad(d.backupPath()) {
		return
	}
	d.logger.Warn("dashboard: no usable snapshot found, starting empty", "path", d.path)
}

func (d *Dashboard) tryLoad(path string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	var doc snapshotDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		d.logger.Error("dashboard: snapshot parse failed", "path", path, "error", err)
		return false
	}
	if doc.Version != snapshotVersion {
		d.logger.Error("dashboard: snapshot version mismatch", "path", path, "version", doc.Version)
		return false
	}
	tasks := make(map[string]LiveTask, len(doc.Tasks))
	for _, e := range doc.Tasks {
		tasks[e.ID] = e.Task
	}
	d.tasks = tasks
	d.stats = doc.Stats
	return true
}

// Save writes the current snapshot: the existing primary file (if any)
// is copied to the backup path, then the primary is atomically replaced.
func (d *Dashboard) Save() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.saveLocked()
}

func (d *Dashboard) saveLocked() error {
	entries := make([]taskEntry, 0, len(d.tasks))
	for id, task := range d.tasks {
		entries = append(entries, taskEntry{ID: id, Task: task})
	}
	doc := snapshotDocument{
		Version: snapshotVersion,
		SavedAt: d.clock.Now().UnixMilli(),
		Tasks:   entries,
		Stats:   d.stats,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("dashboard: marshaling snapshot: %w", err)
	}

	dir := filepath.Dir(d.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("dashboard: creating %s: %w", dir, err)
	}

	if existing, err := os.ReadFile(d.path); err == nil {
		if err := os.WriteFile(d.backupPath(), existing, 0o644); err != nil {
			d.logger.Warn("dashboard: failed writing backup snapshot", "error", err)
		}
	}

	tmp, err := os.CreateTemp(dir, ".dashboard-*.tmp")
	if err != nil {
		return fmt.Errorf("dashboard: creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("dashboard: writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("dashboard: closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, d.path); err != nil {
		return fmt.Errorf("dashboard: renaming into place: %w", err)
	}
	d.dirty = false
	return nil
}

func (d *Dashboard) markDirty() {
	d.dirty = true
}

func (d *Dashboard) recomputeStats() {
	running, completed := 0, 0
	for _, t := range d.tasks {
		switch t.Status {
		case LiveTaskRunning:
			running++
		case LiveTaskCompleted, LiveTaskError:
			completed++
		}
	}
	d.stats.TotalTasks = len(d.tasks)
	d.stats.RunningTasks = running
	d.stats.CompletedTasks = completed
	d.stats.UptimeSec = int64(d.clock.Now().Sub(d.stats.StartTime).Seconds())
}

// UpsertTask inserts or replaces a task and recomputes stats.
func (d *Dashboard) UpsertTask(task LiveTask) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tasks[task.ID] = task
	d.recomputeStats()
	d.markDirty()
}

// UpdateTask mutates an existing task in place via fn; a no-op if the id
// is unknown.
func (d *Dashboard) UpdateTask(id string, fn func(*LiveTask)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	task, ok := d.tasks[id]
	if !ok {
		return
	}
	fn(&task)
	d.tasks[id] = task
	d.recomputeStats()
	d.markDirty()
}

// GetTask returns a task by id.
func (d *Dashboard) GetTask(id string) (LiveTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.tasks[id]
	return t, ok
}

// CurrentTask returns the most recently started still-running task, if
// any — backs GET /api/tasks/current.
func (d *Dashboard) CurrentTask() (LiveTask, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var best LiveTask
	found := false
	for _, t := range d.tasks {
		if t.Status != LiveTaskRunning {
			continue
		}
		if !found || t.StartedAtMs > best.StartedAtMs {
			best = t
			found = true
		}
	}
	return best, found
}

// AllTasks returns a snapshot copy of every tracked task.
func (d *Dashboard) AllTasks() []LiveTask {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]LiveTask, 0, len(d.tasks))
	for _, t := range d.tasks {
		out = append(out, t)
	}
	return out
}

// ClearCompleted removes every task whose status isn't running, per the
// POST /api/tasks/clear endpoint.
func (d *Dashboard) ClearCompleted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for id, t := range d.tasks {
		if t.Status != LiveTaskRunning {
			delete(d.tasks, id)
			n++
		}
	}
	if n > 0 {
		d.recomputeStats()
		d.markDirty()
	}
	return n
}

// Statistics returns the current aggregate stats.
func (d *Dashboard) Statistics() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.recomputeStats()
	return d.stats
}

// HeartbeatChecker is satisfied by *tracker.Tracker; kept as a narrow
// interface here so the dashboard package doesn't import tracker.
type HeartbeatChecker interface {
	HasHeartbeat(id string) bool
}

// CleanupZombieTasks is the orphan reaper (spec.md §4.E): every running
// task whose id has no active heartbeat timer is marked errored. Age
// alone is never a zombie signal — a long-running task with an active
// timer is left untouched.
func (d *Dashboard) CleanupZombieTasks(hc HeartbeatChecker) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	now := d.clock.Now()
	for id, t := range d.tasks {
		if t.Status != LiveTaskRunning {
			continue
		}
		if hc.HasHeartbeat(id) {
			continue
		}
		t.Status = LiveTaskError
		t.Error = "process terminated without heartbeat"
		t.FinishedAtMs = now.UnixMilli()
		d.tasks[id] = t
		n++
	}
	if n > 0 {
		d.recomputeStats()
		d.markDirty()
	}
	return n
}

// RunSnapshotLoop periodically saves the dashboard while dirty, until ctx
// is cancelled. On cancellation it forces one final save if dirty, per
// spec.md §4.F's shutdown rule.
func (d *Dashboard) RunSnapshotLoop(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 60 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			d.mu.Lock()
			dirty := d.dirty
			d.mu.Unlock()
			if dirty {
				if err := d.Save(); err != nil {
					d.logger.Error("dashboard: final snapshot failed", "error", err)
				}
			}
			return
		case <-d.clock.After(interval):
			d.mu.Lock()
			dirty := d.dirty
			d.mu.Unlock()
			if !dirty {
				continue
			}
			if err := d.Save(); err != nil {
				d.logger.Error("dashboard: periodic snapshot failed", "error", err)
			}
		}
	}
}
