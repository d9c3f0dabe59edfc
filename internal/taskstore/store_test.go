package taskstore_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/agentexec/gateway/internal/taskstore"
)

func newTestStore(t *testing.T) *taskstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := taskstore.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestCreate_PeriodicRunImmediately(t *testing.T) {
	s := newTestStore(t)

	job, err := s.Create(taskstore.CreateParams{
		Name:    "echo",
		Type:    taskstore.JobTypePeriodic,
		Command: "echo hi",
		PeriodicConfig: &taskstore.PeriodicConfig{
			IntervalMinutes: 1,
			RunImmediately:  true,
		},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.Status != taskstore.StatusPending {
		t.Fatalf("Status = %s, want pending", job.Status)
	}
	if job.NextExecutionTimeMs == nil {
		t.Fatal("expected NextExecutionTimeMs to be set")
	}
	now := time.Now().UnixMilli()
	if *job.NextExecutionTimeMs > now+1000 {
		t.Fatalf("expected immediate nextExecutionTime, got %d (now=%d)", *job.NextExecutionTimeMs, now)
	}
}

func TestCreate_RejectsMismatchedConfig(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(taskstore.CreateParams{Type: taskstore.JobTypePeriodic, Command: "x"})
	if err == nil {
		t.Fatal("expected error when periodicConfig is missing")
	}
}

func TestAddExecutionHistory_TrimsAtCap(t *testing.T) {
	s := newTestStore(t)
	job, err := s.Create(taskstore.CreateParams{
		Name:           "recurring",
		Type:           taskstore.JobTypePeriodic,
		Command:        "echo hi",
		PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	for i := 0; i < 200; i++ {
		_, err := s.AddExecutionHistory(job.ID, taskstore.ExecutionRecord{
			StartTimeMs: int64(i),
			EndTimeMs:   int64(i + 1),
			Success:     true,
		})
		if err != nil {
			t.Fatalf("AddExecutionHistory[%d]: %v", i, err)
		}
	}

	got, _ := s.Get(job.ID)
	if len(got.ExecutionHistory) != 100 {
		t.Fatalf("ExecutionHistory length = %d, want 100", len(got.ExecutionHistory))
	}
	if got.ExecutionCount != 200 {
		t.Fatalf("ExecutionCount = %d, want 200", got.ExecutionCount)
	}
	// Most recent 100 retained: first entry should be StartTimeMs==100.
	if got.ExecutionHistory[0].StartTimeMs != 100 {
		t.Fatalf("oldest retained StartTimeMs = %d, want 100", got.ExecutionHistory[0].StartTimeMs)
	}
}

func TestAddExecutionHistory_FailureIncrementsFailureCount(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Create(taskstore.CreateParams{
		Name:           "recurring",
		Type:           taskstore.JobTypePeriodic,
		Command:        "false",
		PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
	})

	_, err := s.AddExecutionHistory(job.ID, taskstore.ExecutionRecord{Success: false, Error: "boom"})
	if err != nil {
		t.Fatalf("AddExecutionHistory: %v", err)
	}
	got, _ := s.Get(job.ID)
	if got.FailureCount != 1 {
		t.Fatalf("FailureCount = %d, want 1", got.FailureCount)
	}
}

func TestUpdateStatus_PersistsAcrossReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.json")
	s, err := taskstore.New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	job, _ := s.Create(taskstore.CreateParams{
		Name:            "one-shot",
		Type:            taskstore.JobTypeScheduled,
		Command:         "true",
		ScheduledConfig: &taskstore.ScheduledConfig{ScheduledTimeMs: time.Now().UnixMilli()},
	})

	if _, err := s.UpdateStatus(job.ID, taskstore.StatusCompleted); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	reloaded, err := taskstore.New(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, ok := reloaded.Get(job.ID)
	if !ok {
		t.Fatal("expected job to survive reload")
	}
	if got.Status != taskstore.StatusCompleted {
		t.Fatalf("Status after reload = %s, want completed", got.Status)
	}
}

func TestDelete_RemovesJob(t *testing.T) {
	s := newTestStore(t)
	job, _ := s.Create(taskstore.CreateParams{
		Name:            "to-delete",
		Type:            taskstore.JobTypeScheduled,
		Command:         "true",
		ScheduledConfig: &taskstore.ScheduledConfig{ScheduledTimeMs: time.Now().UnixMilli()},
	})
	if err := s.Delete(job.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := s.Get(job.ID); ok {
		t.Fatal("expected job to be gone after Delete")
	}
}

func TestGetStatistics_Aggregates(t *testing.T) {
	s := newTestStore(t)
	s.Create(taskstore.CreateParams{
		Name: "p", Type: taskstore.JobTypePeriodic, Command: "echo",
		PeriodicConfig: &taskstore.PeriodicConfig{IntervalMinutes: 1},
	})
	s.Create(taskstore.CreateParams{
		Name: "s", Type: taskstore.JobTypeScheduled, Command: "echo",
		ScheduledConfig: &taskstore.ScheduledConfig{ScheduledTimeMs: time.Now().UnixMilli()},
	})

	stats := s.GetStatistics()
	if stats.Total != 2 {
		t.Fatalf("Total = %d, want 2", stats.Total)
	}
	if stats.ByType["periodic"] != 1 || stats.ByType["scheduled"] != 1 {
		t.Fatalf("ByType = %+v, want 1 each", stats.ByType)
	}
	if stats.Enabled != 2 {
		t.Fatalf("Enabled = %d, want 2", stats.Enabled)
	}
}
