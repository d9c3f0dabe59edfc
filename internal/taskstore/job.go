// Package taskstore holds the persistent registry of periodic and
// scheduled jobs: creation, lookup, history trimming, and durable
// JSON-document persistence via temp-file-then-rename.
package taskstore

// JobType distinguishes a recurring job from a one-shot.
type JobType string

const (
	JobTypePeriodic  JobType = "periodic"
	JobTypeScheduled JobType = "scheduled"
)

// JobStatus mirrors the lifecycle a Job moves through under the Scheduler.
type JobStatus string

const (
	StatusPending   JobStatus = "pending"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
)

// DashboardSentinel is the reserved notifyTarget value meaning "do not
// deliver a notification" — along with the empty string.
const DashboardSentinel = "dashboard"

// PeriodicConfig configures a recurring job. Required iff Type==JobTypePeriodic.
type PeriodicConfig struct {
	IntervalMinutes float64 `json:"intervalMinutes"`
	RunImmediately  bool    `json:"runImmediately"`
	MaxRuns         int     `json:"maxRuns,omitempty"`
	ContinueOnError bool    `json:"continueOnError"`

	// CronExpr, when non-empty, overrides IntervalMinutes with a standard
	// 5-field cron expression (minute hour dom month dow) for computing
	// the next execution time. Absent, the plain-interval behavior is
	// unchanged.
	CronExpr string `json:"cronExpr,omitempty"`
}

// ScheduledConfig configures a one-shot job. Required iff Type==JobTypeScheduled.
type ScheduledConfig struct {
	ScheduledTimeMs int64 `json:"scheduledTime"`
}

// ExecutionRecord captures the outcome of one Runner invocation.
type ExecutionRecord struct {
	StartTimeMs    int64  `json:"startTime"`
	EndTimeMs      int64  `json:"endTime"`
	Success        bool   `json:"success"`
	Error          string `json:"error,omitempty"`
	ResultFilePath string `json:"resultFilePath,omitempty"`
	DurationMs     int64  `json:"duration"`
}

// Job is the Task Store's persistent entity.
type Job struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        JobType `json:"type"`
	Command     string `json:"command"`

	PeriodicConfig  *PeriodicConfig  `json:"periodicConfig,omitempty"`
	ScheduledConfig *ScheduledConfig `json:"scheduledConfig,omitempty"`

	Status  JobStatus `json:"status"`
	Enabled bool      `json:"enabled"`

	NotifyQQ     bool   `json:"notifyQQ"`
	NotifyTarget string `json:"notifyTarget,omitempty"`

	SaveResult bool   `json:"saveResult"`
	ResultDir  string `json:"resultDir,omitempty"`

	CreatedAtMs        int64  `json:"createdAt"`
	LastExecutionTimeMs *int64 `json:"lastExecutionTime,omitempty"`
	NextExecutionTimeMs *int64 `json:"nextExecutionTime,omitempty"`

	ExecutionCount int `json:"executionCount"`
	FailureCount   int `json:"failureCount"`

	ExecutionHistory []ExecutionRecord `json:"executionHistory"`
}

// CreateParams is the input to Store.Create.
type CreateParams struct {
	Name            string
	Description     string
	Type            JobType
	Command         string
	PeriodicConfig  *PeriodicConfig
	ScheduledConfig *ScheduledConfig
	NotifyQQ        bool
	NotifyTarget    string
	SaveResult      bool
	ResultDir       string
}

// Statistics aggregates counts across the whole Store.
type Statistics struct {
	Total      int            `json:"total"`
	ByType     map[string]int `json:"byType"`
	ByStatus   map[string]int `json:"byStatus"`
	Running    int            `json:"running"`
	Enabled    int            `json:"enabled"`
}

// snapshotDocument is the on-disk shape of the Task Store.
type snapshotDocument struct {
	Version int            `json:"version"`
	SavedAt int64          `json:"savedAt"`
	Jobs    map[string]Job `json:"jobs"`
}
