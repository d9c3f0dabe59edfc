// Package tracker implements the Progress Tracker (spec.md §4.E): it
// consumes raw progress chunks from the Supervisor/Scheduler, classifies
// and throttles them into a small number of user-visible messages, and
// maintains a heartbeat per running task so a silent child is never
// mistaken for progress.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/agentexec/gateway/internal/bus"
	"github.com/agentexec/gateway/internal/clock"
	"github.com/agentexec/gateway/internal/shared"
)

const (
	defaultSmartTriggerInterval  = 2000 * time.Millisecond
	defaultHeartbeatInterval     = 20 * time.Second
	defaultHeartbeatSuppression  = 5 * time.Second
	defaultMaxBufferChars        = 1900
	truncationMarker             = "\n…(truncated)"
)

// spinnerFrames is the fixed 10-frame braille sequence heartbeats cycle
// through, per spec.md §4.E.
var spinnerFrames = []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}

// Config configures a Tracker.
type Config struct {
	Bus                   *bus.Bus
	Clock                 clock.Clock
	Logger                *slog.Logger
	SmartTriggerInterval  time.Duration
	HeartbeatInterval     time.Duration
	HeartbeatSuppression  time.Duration
	MaxBufferChars        int
}

// taskState is per-task tracker bookkeeping (spec.md §4.E "Per-task
// state").
type taskState struct {
	id              string
	traceID         string
	sessionKey      string
	startTime       time.Time
	buffered        []string
	seen            map[string]bool
	lastSmartSendAt time.Time
	lastMilestone   string
	spinnerIdx      int
	cancelHeartbeat context.CancelFunc
}

// Tracker owns per-task progress state and heartbeat timers.
type Tracker struct {
	mu    sync.Mutex
	tasks map[string]*taskState
	// sessionTasks maps a sessionKey to the currently active task id, so
	// a new task under the same session cancels the prior one's
	// heartbeat (spec.md §4.E "per-user task coherence").
	sessionTasks map[string]string

	bus    *bus.Bus
	clock  clock.Clock
	logger *slog.Logger

	smartTriggerInterval time.Duration
	heartbeatInterval    time.Duration
	heartbeatSuppression time.Duration
	maxBufferChars       int
}

// New constructs a Tracker.
func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.SmartTriggerInterval <= 0 {
		cfg.SmartTriggerInterval = defaultSmartTriggerInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.HeartbeatSuppression <= 0 {
		cfg.HeartbeatSuppression = defaultHeartbeatSuppression
	}
	if cfg.MaxBufferChars <= 0 {
		cfg.MaxBufferChars = defaultMaxBufferChars
	}
	return &Tracker{
		tasks:                make(map[string]*taskState),
		sessionTasks:         make(map[string]string),
		bus:                  cfg.Bus,
		clock:                cfg.Clock,
		logger:               cfg.Logger,
		smartTriggerInterval: cfg.SmartTriggerInterval,
		heartbeatInterval:    cfg.HeartbeatInterval,
		heartbeatSuppression: cfg.HeartbeatSuppression,
		maxBufferChars:       cfg.MaxBufferChars,
	}
}

func sessionKey(userID, groupID string) string {
	if groupID != "" {
		return "group_" + groupID
	}
	return "user_" + userID
}

// StartTask registers a new running task, cancelling any prior task's
// heartbeat under the same session (spec.md §4.E per-user coherence).
func (tr *Tracker) StartTask(ctx context.Context, id, userID, groupID string) {
	key := sessionKey(userID, groupID)

	tr.mu.Lock()
	if prevID, ok := tr.sessionTasks[key]; ok {
		if prev, exists := tr.tasks[prevID]; exists && prev.cancelHeartbeat != nil {
			prev.cancelHeartbeat()
		}
	}
	hbCtx, cancel := context.WithCancel(ctx)
	traceID := shared.TraceID(ctx)
	st := &taskState{
		id:              id,
		traceID:         traceID,
		sessionKey:      key,
		startTime:       tr.clock.Now(),
		seen:            make(map[string]bool),
		cancelHeartbeat: cancel,
	}
	tr.tasks[id] = st
	tr.sessionTasks[key] = id
	tr.mu.Unlock()

	tr.logger.Debug("tracker: task started", "task_id", id, "trace_id", traceID, "session_key", key)
	go tr.heartbeatLoop(hbCtx, id)
}

// OnProgress classifies and (subject to the anti-flood guard) forwards
// one chunk of raw output for task id.
func (tr *Tracker) OnProgress(id, chunk string) {
	for _, line := range splitLines(chunk) {
		kind, rendered := classify(line)

		tr.mu.Lock()
		st, ok := tr.tasks[id]
		if !ok {
			tr.mu.Unlock()
			continue
		}
		if !st.seen[line] {
			st.seen[line] = true
			st.buffered = append(st.buffered, line)
		}

		if kind == KindUpdate {
			tr.mu.Unlock()
			continue
		}

		now := tr.clock.Now()
		if now.Sub(st.lastSmartSendAt) < tr.smartTriggerInterval {
			// Anti-flood guard: recorded above, not forwarded.
			tr.mu.Unlock()
			continue
		}
		st.lastSmartSendAt = now
		st.lastMilestone = rendered
		tr.mu.Unlock()

		topic := bus.TopicProgressMilestone
		if kind == KindError {
			topic = bus.TopicProgressError
		}
		tr.publish(topic, id, rendered)
	}
}

// EndTask finalizes a task with its accumulated output.
func (tr *Tracker) EndTask(id, finalOutput string) {
	tr.finish(id, bus.TopicProgressCompleted, finalOutput)
}

// FailTask finalizes a task with an error.
func (tr *Tracker) FailTask(id, errMsg string) {
	tr.finish(id, bus.TopicProgressError, "❌ **Error**: "+errMsg)
}

func (tr *Tracker) finish(id, topic, message string) {
	tr.mu.Lock()
	st, ok := tr.tasks[id]
	traceID := "-"
	if ok {
		traceID = st.traceID
		if st.cancelHeartbeat != nil {
			st.cancelHeartbeat()
		}
		if tr.sessionTasks[st.sessionKey] == id {
			delete(tr.sessionTasks, st.sessionKey)
		}
		delete(tr.tasks, id)
	}
	tr.mu.Unlock()
	tr.logger.Debug("tracker: task finished", "task_id", id, "trace_id", traceID, "topic", topic)
	tr.publish(topic, id, message)
}

// FlushBuffer returns the deduplicated, truncated buffer for a still-live
// task, per spec.md §4.E's explicit buffer-flush rule.
func (tr *Tracker) FlushBuffer(id string) string {
	tr.mu.Lock()
	st, ok := tr.tasks[id]
	if !ok {
		tr.mu.Unlock()
		return ""
	}
	lines := append([]string(nil), st.buffered...)
	tr.mu.Unlock()

	joined := strings.Join(lines, "\n")
	return truncate(joined, tr.maxBufferChars)
}

// truncate cuts s at a sentence/clause boundary near maxLen, appending an
// explicit marker when truncation happens.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndexAny(cut, ".!?;\n"); idx > maxLen/2 {
		cut = cut[:idx+1]
	}
	return cut + truncationMarker
}

// HasHeartbeat reports whether task id currently has an active heartbeat
// timer — the orphan reaper's witness of liveness (spec.md §4.E).
func (tr *Tracker) HasHeartbeat(id string) bool {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	_, ok := tr.tasks[id]
	return ok
}

func (tr *Tracker) heartbeatLoop(ctx context.Context, id string) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tr.clock.After(tr.heartbeatInterval):
			tr.mu.Lock()
			st, ok := tr.tasks[id]
			if !ok {
				tr.mu.Unlock()
				return
			}
			now := tr.clock.Now()
			if now.Sub(st.lastSmartSendAt) < tr.heartbeatSuppression {
				tr.mu.Unlock()
				continue
			}
			st.spinnerIdx = (st.spinnerIdx + 1) % len(spinnerFrames)
			frame := spinnerFrames[st.spinnerIdx]
			elapsed := now.Sub(st.startTime).Round(time.Second)
			tr.mu.Unlock()

			tr.publish(bus.TopicProgressHeartbeat, id, fmt.Sprintf("%s 任务执行中... %s", frame, elapsed))
		}
	}
}

func (tr *Tracker) publish(topic, taskID, message string) {
	if tr.bus == nil {
		return
	}
	kind := "update"
	switch topic {
	case bus.TopicProgressMilestone:
		kind = "milestone"
	case bus.TopicProgressHeartbeat:
		kind = "heartbeat"
	case bus.TopicProgressCompleted:
		kind = "completed"
	case bus.TopicProgressError:
		kind = "error"
	}
	tr.bus.Publish(topic, bus.ProgressEvent{TaskID: taskID, Kind: kind, Message: message})
}
