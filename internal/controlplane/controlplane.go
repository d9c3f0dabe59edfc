// Package controlplane implements the HTTP/SSE Control Plane (spec.md
// §4.G): a small JSON REST API over the Task Store/Scheduler and the
// Dashboard, plus a server-sent-events stream for live task progress.
package controlplane

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/agentexec/gateway/internal/bus"
	"github.com/agentexec/gateway/internal/config"
	"github.com/agentexec/gateway/internal/dashboard"
	"github.com/agentexec/gateway/internal/doctor"
	"github.com/agentexec/gateway/internal/scheduler"
	"github.com/agentexec/gateway/internal/shared"
	"github.com/agentexec/gateway/internal/supervisor"
	"github.com/agentexec/gateway/internal/taskstore"
	"github.com/agentexec/gateway/internal/tracker"
	"github.com/google/uuid"
)

// Config wires the control plane to the components it fronts.
type Config struct {
	Dashboard   *dashboard.Dashboard
	Scheduler   *scheduler.Scheduler
	Store       *taskstore.Store
	Bus         *bus.Bus
	Supervisor  *supervisor.Supervisor
	Tracker     *tracker.Tracker
	AppConfig   *config.Config
	StaticRoot  string
	ConfigPath  string
	RestartFunc func() error
	Logger      *slog.Logger
	Version     string
}

// Server is the control plane's http.Handler. Routing is a
// map["METHOD:path"]http.HandlerFunc exact match, per spec.md §4.G — not
// net/http.ServeMux's pattern matching.
type Server struct {
	cfg       Config
	routes    map[string]http.HandlerFunc
	startTime time.Time
	logger    *slog.Logger
}

// New constructs a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{cfg: cfg, routes: make(map[string]http.HandlerFunc), startTime: time.Now(), logger: cfg.Logger}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.routes["GET:/api/stats"] = s.handleStats
	s.routes["GET:/api/tasks"] = s.handleTasks
	s.routes["GET:/api/tasks/current"] = s.handleTasksCurrent
	s.routes["POST:/api/tasks/clear"] = s.handleTasksClear
	s.routes["GET:/api/config"] = s.handleConfigGet
	s.routes["PUT:/api/config"] = s.handleConfigPut
	s.routes["POST:/api/restart"] = s.handleRestart
	s.routes["GET:/api/scheduled-tasks"] = s.handleScheduledTasksList
	s.routes["POST:/api/scheduled-tasks"] = s.handleScheduledTasksCreate
	s.routes["GET:/api/scheduled-tasks/stats"] = s.handleScheduledTasksStats
	s.routes["GET:/api/stream"] = s.handleStream
	s.routes["POST:/api/sessions/submit"] = s.handleSessionsSubmit
	s.routes["GET:/api/doctor"] = s.handleDoctor
}

// Handler returns the fully wired http.Handler, CORS middleware applied.
func (s *Server) Handler() http.Handler {
	return withCORS(http.HandlerFunc(s.dispatch))
}

// dispatch looks up the exact "METHOD:path" route; any path under
// /api/scheduled-tasks/<id>[/action] is matched dynamically since the id
// varies. A path that exists under a different method returns 405 per
// spec.md §7, rather than falling through to 404. Everything else falls
// through to static file serving.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	key := r.Method + ":" + path
	if h, ok := s.routes[key]; ok {
		h(w, r)
		return
	}
	if allowed := s.allowedMethods(path); len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if strings.HasPrefix(path, "/api/scheduled-tasks/") {
		s.handleScheduledTaskByID(w, r)
		return
	}
	if strings.HasPrefix(path, "/api/") {
		writeError(w, http.StatusNotFound, "no such route")
		return
	}
	s.serveStatic(w, r)
}

// allowedMethods returns the methods registered for path in the exact-match
// route table, sorted, so dispatch can tell "wrong method" apart from "no
// such route".
func (s *Server) allowedMethods(path string) []string {
	suffix := ":" + path
	var methods []string
	for key := range s.routes {
		if strings.HasSuffix(key, suffix) {
			methods = append(methods, strings.TrimSuffix(key, suffix))
		}
	}
	sort.Strings(methods)
	return methods
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	stats := map[string]interface{}{
		"gateway": map[string]interface{}{
			"version": s.cfg.Version,
			"uptimeSec": int64(time.Since(s.startTime).Seconds()),
		},
	}
	if s.cfg.Dashboard != nil {
		stats["dashboard"] = s.cfg.Dashboard.Statistics()
	}
	if s.cfg.Store != nil {
		stats["scheduledTasks"] = s.cfg.Store.GetStatistics()
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dashboard == nil {
		writeError(w, http.StatusServiceUnavailable, "dashboard not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Dashboard.AllTasks())
}

func (s *Server) handleTasksCurrent(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Dashboard == nil {
		writeError(w, http.StatusServiceUnavailable, "dashboard not configured")
		return
	}
	task, ok := s.cfg.Dashboard.CurrentTask()
	if !ok {
		writeJSON(w, http.StatusOK, nil)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTasksClear(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Dashboard == nil {
		writeError(w, http.StatusServiceUnavailable, "dashboard not configured")
		return
	}
	n := s.cfg.Dashboard.ClearCompleted()
	writeJSON(w, http.StatusOK, map[string]int{"removed": n})
}

func (s *Server) handleConfigGet(w http.ResponseWriter, r *http.Request) {
	doc, err := readConfigDocument(s.cfg.ConfigPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleConfigPut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed reading request body")
		return
	}
	var patch map[string]interface{}
	if err := json.Unmarshal(body, &patch); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	doc, err := readConfigDocument(s.cfg.ConfigPath)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for k, v := range patch {
		doc[k] = v
	}
	if err := writeConfigDocument(s.cfg.ConfigPath, doc); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	if s.cfg.RestartFunc != nil {
		go func() {
			if err := s.cfg.RestartFunc(); err != nil {
				s.logger.Error("controlplane: restart failed", "error", err)
			}
		}()
	}
}

func (s *Server) handleScheduledTasksList(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Store.GetAll())
}

func (s *Server) handleScheduledTasksStats(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Store.GetStatistics())
}

func (s *Server) handleScheduledTasksCreate(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	var params taskstore.CreateParams
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed reading request body")
		return
	}
	if err := json.Unmarshal(body, &params); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.cfg.Store.Create(params)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// handleScheduledTaskByID handles /api/scheduled-tasks/<id>[/pause|/resume|/execute].
func (s *Server) handleScheduledTaskByID(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Store == nil {
		writeError(w, http.StatusServiceUnavailable, "task store not configured")
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/scheduled-tasks/")
	parts := strings.SplitN(rest, "/", 2)
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, "missing task id")
		return
	}

	if len(parts) == 2 {
		s.handleScheduledTaskAction(w, r, id, parts[1])
		return
	}

	switch r.Method {
	case http.MethodGet:
		job, ok := s.cfg.Store.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "no such task")
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			writeError(w, http.StatusBadRequest, "failed reading request body")
			return
		}
		var patch taskstore.Job
		if err := json.Unmarshal(body, &patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		job, err := s.cfg.Store.Update(id, func(j *taskstore.Job) {
			j.Name = patch.Name
			j.Description = patch.Description
			j.Command = patch.Command
			j.NotifyQQ = patch.NotifyQQ
			j.NotifyTarget = patch.NotifyTarget
			j.SaveResult = patch.SaveResult
			j.ResultDir = patch.ResultDir
		})
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, job)
	case http.MethodDelete:
		if s.cfg.Scheduler != nil {
			if err := s.cfg.Scheduler.DeleteTask(id); err != nil {
				writeError(w, http.StatusNotFound, err.Error())
				return
			}
		} else if err := s.cfg.Store.Delete(id); err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleScheduledTaskAction(w http.ResponseWriter, r *http.Request, id, action string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if s.cfg.Scheduler == nil {
		writeError(w, http.StatusServiceUnavailable, "scheduler not configured")
		return
	}
	var err error
	switch action {
	case "pause":
		err = s.cfg.Scheduler.PauseTask(id)
	case "resume":
		err = s.cfg.Scheduler.ResumeTask(id)
	case "execute":
		err = s.cfg.Scheduler.ExecuteNow(r.Context(), id)
	default:
		writeError(w, http.StatusNotFound, "unknown action")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleStream subscribes the caller to progress.* events for one task id
// and relays them as server-sent events until the client disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	taskID := r.URL.Query().Get("task_id")
	if taskID == "" {
		writeError(w, http.StatusBadRequest, "task_id query parameter is required")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flusher, ok := w.(http.Flusher)
	if !ok {
		return
	}

	sub := s.cfg.Bus.Subscribe("progress.")
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			pe, ok := event.Payload.(bus.ProgressEvent)
			if !ok || pe.TaskID != taskID {
				continue
			}
			data, err := json.Marshal(pe)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
			if pe.Kind == "completed" || pe.Kind == "error" {
				return
			}
		}
	}
}

// handleDoctor exposes the same diagnostic checks as the `agentgw doctor`
// subcommand, mirroring the teacher's dual HTTP/CLI health exposure.
func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	diag := doctor.Run(r.Context(), s.cfg.AppConfig, s.cfg.Version)
	writeJSON(w, http.StatusOK, diag)
}

// handleSessionsSubmit is the control plane's stand-in for a chat-channel
// adapter (out of scope per spec.md §1): it accepts one interactive
// prompt, drives it through the Session Supervisor with progress fanned
// out to the Tracker, and reflects the result in the Dashboard.
func (s *Server) handleSessionsSubmit(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Supervisor == nil {
		writeError(w, http.StatusServiceUnavailable, "supervisor not configured")
		return
	}
	var req struct {
		UserID    string `json:"userId"`
		GroupID   string `json:"groupId"`
		Prompt    string `json:"prompt"`
		TimeoutMs int64  `json:"timeoutMs"`
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed reading request body")
		return
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Prompt) == "" {
		writeError(w, http.StatusBadRequest, "userId and prompt are required")
		return
	}

	taskID := uuid.NewString()
	traceID := shared.NewTraceID()
	ctx := shared.WithTraceID(r.Context(), traceID)
	now := time.Now()
	if s.cfg.Dashboard != nil {
		s.cfg.Dashboard.UpsertTask(dashboard.LiveTask{
			ID:          taskID,
			UserID:      req.UserID,
			GroupID:     req.GroupID,
			Prompt:      req.Prompt,
			Status:      dashboard.LiveTaskRunning,
			StartedAtMs: now.UnixMilli(),
		})
	}
	if s.cfg.Tracker != nil {
		s.cfg.Tracker.StartTask(ctx, taskID, req.UserID, req.GroupID)
	}
	s.logger.Info("session submitted", "task_id", taskID, "trace_id", traceID, "user_id", req.UserID)

	timeout := time.Duration(req.TimeoutMs) * time.Millisecond
	resp, err := s.cfg.Supervisor.Submit(ctx, supervisor.Request{
		UserID:  req.UserID,
		GroupID: req.GroupID,
		Prompt:  req.Prompt,
		Timeout: timeout,
	}, func(chunk string) {
		if s.cfg.Tracker != nil {
			s.cfg.Tracker.OnProgress(taskID, chunk)
		}
		if s.cfg.Dashboard != nil {
			s.cfg.Dashboard.UpdateTask(taskID, func(t *dashboard.LiveTask) {
				t.Output += chunk
				t.AppendMilestone(dashboard.Milestone{
					TimestampMs: time.Now().UnixMilli(),
					Message:     strings.TrimSpace(chunk),
					Type:        dashboard.MilestoneKindProgress,
				})
			})
		}
	})

	finishedAt := time.Now().UnixMilli()
	if err != nil || !resp.Success {
		errMsg := resp.Error
		if err != nil {
			errMsg = err.Error()
		}
		if s.cfg.Tracker != nil {
			s.cfg.Tracker.FailTask(taskID, errMsg)
		}
		if s.cfg.Dashboard != nil {
			s.cfg.Dashboard.UpdateTask(taskID, func(t *dashboard.LiveTask) {
				t.Status = dashboard.LiveTaskError
				t.Error = errMsg
				t.FinishedAtMs = finishedAt
				t.AppendMilestone(dashboard.Milestone{
					TimestampMs: finishedAt,
					Message:     errMsg,
					Type:        dashboard.MilestoneKindError,
				})
			})
		}
		s.logger.Warn("session failed", "task_id", taskID, "trace_id", traceID, "error", errMsg)
		writeJSON(w, http.StatusOK, map[string]interface{}{"taskId": taskID, "success": false, "error": errMsg})
		return
	}

	s.logger.Info("session completed", "task_id", taskID, "trace_id", traceID)
	if s.cfg.Tracker != nil {
		s.cfg.Tracker.EndTask(taskID, resp.Output)
	}
	if s.cfg.Dashboard != nil {
		s.cfg.Dashboard.UpdateTask(taskID, func(t *dashboard.LiveTask) {
			t.Status = dashboard.LiveTaskCompleted
			t.LastMessage = resp.Output
			t.Output = resp.Output
			t.FinishedAtMs = finishedAt
			t.AppendMilestone(dashboard.Milestone{
				TimestampMs: finishedAt,
				Message:     "completed",
				Type:        dashboard.MilestoneKindMilestone,
			})
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"taskId": taskID, "success": true, "output": resp.Output})
}

// serveStatic serves files under StaticRoot with directory-traversal
// containment: the cleaned, joined path must remain inside the root.
func (s *Server) serveStatic(w http.ResponseWriter, r *http.Request) {
	if s.cfg.StaticRoot == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	rel := filepath.Clean("/" + r.URL.Path)
	full := filepath.Join(s.cfg.StaticRoot, rel)
	root, err := filepath.Abs(s.cfg.StaticRoot)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "bad static root")
		return
	}
	absFull, err := filepath.Abs(full)
	if err != nil || (absFull != root && !strings.HasPrefix(absFull, root+string(filepath.Separator))) {
		writeError(w, http.StatusForbidden, "path escapes static root")
		return
	}

	http.ServeFile(w, r, absFull)
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func readConfigDocument(path string) (map[string]interface{}, error) {
	doc := make(map[string]interface{})
	if path == "" {
		return doc, nil
	}
	data, err := readFileTolerant(path)
	if err != nil {
		return nil, fmt.Errorf("controlplane: reading config: %w", err)
	}
	if len(data) == 0 {
		return doc, nil
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("controlplane: parsing config: %w", err)
	}
	return doc, nil
}

func writeConfigDocument(path string, doc map[string]interface{}) error {
	if path == "" {
		return fmt.Errorf("controlplane: no config path configured")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("controlplane: marshaling config: %w", err)
	}
	return writeFileAtomic(path, data)
}
