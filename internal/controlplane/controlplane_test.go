package controlplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/agentexec/gateway/internal/config"
	"github.com/agentexec/gateway/internal/dashboard"
	"github.com/agentexec/gateway/internal/doctor"
	"github.com/agentexec/gateway/internal/supervisor"
	"github.com/agentexec/gateway/internal/taskstore"
	"github.com/agentexec/gateway/internal/tracker"
)

func newTestServer(t *testing.T) (*Server, *taskstore.Store) {
	t.Helper()
	store, err := taskstore.New(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}
	dash := dashboard.New(filepath.Join(t.TempDir(), "dash.json"))
	srv := New(Config{Store: store, Dashboard: dash, StaticRoot: t.TempDir()})
	return srv, store
}

func doRequest(t *testing.T, srv *Server, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var r *http.Request
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = httptest.NewRequest(method, path, bytes.NewReader(data))
	} else {
		r = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func TestCreateThenListScheduledTask(t *testing.T) {
	// Scenario 5: POST creates a task; GET lists it.
	srv, _ := newTestServer(t)

	createBody := map[string]interface{}{
		"Name":    "x",
		"Type":    "periodic",
		"Command": "true",
		"PeriodicConfig": map[string]interface{}{
			"intervalMinutes": 1,
		},
	}
	w := doRequest(t, srv, http.MethodPost, "/api/scheduled-tasks", createBody)
	if w.Code != http.StatusCreated {
		t.Fatalf("create status = %d, body: %s", w.Code, w.Body.String())
	}
	var created taskstore.Job
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("unmarshal created job: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected non-empty job id")
	}

	w = doRequest(t, srv, http.MethodGet, "/api/scheduled-tasks", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), created.ID) {
		t.Fatalf("expected list to contain created id %s, got %s", created.ID, w.Body.String())
	}
}

func TestUnknownRoute_Returns404(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/api/not-a-real-endpoint", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestWrongMethod_Returns405(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodDelete, "/api/stats", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestMalformedBody_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)
	r := httptest.NewRequest(http.MethodPost, "/api/scheduled-tasks", strings.NewReader("{not json"))
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestDeleteMissingTask_Returns404(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodDelete, "/api/scheduled-tasks/does-not-exist", nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestStaticFileServing_BlocksDirectoryTraversal(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodGet, "/../../etc/passwd", nil)
	if w.Code == http.StatusOK {
		t.Fatal("expected traversal attempt to be rejected")
	}
}

func TestStaticFileServing_ServesFileUnderRoot(t *testing.T) {
	store, err := taskstore.New(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}
	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "index.html"), []byte("hello"), 0o644); err != nil {
		t.Fatalf("write static file: %v", err)
	}
	srv := New(Config{Store: store, StaticRoot: root})

	w := doRequest(t, srv, http.MethodGet, "/index.html", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body: %s", w.Code, w.Body.String())
	}
	if w.Body.String() != "hello" {
		t.Fatalf("body = %q, want hello", w.Body.String())
	}
}

func TestConfigGetPut_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	store, _ := taskstore.New(filepath.Join(t.TempDir(), "tasks.json"))
	srv := New(Config{Store: store, ConfigPath: path})

	w := doRequest(t, srv, http.MethodPut, "/api/config", map[string]interface{}{"maxConcurrent": 5})
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d, body %s", w.Code, w.Body.String())
	}

	w = doRequest(t, srv, http.MethodGet, "/api/config", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "maxConcurrent") {
		t.Fatalf("expected persisted config, got %s", w.Body.String())
	}
}

func TestTasksClear_RemovesOnlyNonRunning(t *testing.T) {
	store, _ := taskstore.New(filepath.Join(t.TempDir(), "tasks.json"))
	dash := dashboard.New(filepath.Join(t.TempDir(), "dash.json"))
	dash.UpsertTask(dashboard.LiveTask{ID: "running", Status: dashboard.LiveTaskRunning})
	dash.UpsertTask(dashboard.LiveTask{ID: "done", Status: dashboard.LiveTaskCompleted})
	srv := New(Config{Store: store, Dashboard: dash})

	w := doRequest(t, srv, http.MethodPost, "/api/tasks/clear", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(dash.AllTasks()) != 1 {
		t.Fatalf("expected 1 task remaining, got %d", len(dash.AllTasks()))
	}
}

func TestHandleDoctor_ReturnsDiagnosis(t *testing.T) {
	srv, _ := newTestServer(t)
	srv.cfg.AppConfig = &config.Config{HomeDir: t.TempDir(), CLIBin: "true"}

	w := doRequest(t, srv, http.MethodGet, "/api/doctor", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var diag doctor.Diagnosis
	if err := json.Unmarshal(w.Body.Bytes(), &diag); err != nil {
		t.Fatalf("unmarshal diagnosis: %v", err)
	}
	if len(diag.Results) == 0 {
		t.Fatal("expected at least one check result")
	}
}

// writeFakeSubmitCLI writes a shell script that echoes back a
// stream-json result line derived from stdin, standing in for the model
// CLI in handleSessionsSubmit round-trip tests.
func writeFakeSubmitCLI(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli.sh")
	script := "#!/bin/sh\n" +
		"read line\n" +
		"printf '{\"type\":\"result\",\"result\":\"echo: %s\"}\\n' \"$line\"\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write fake cli: %v", err)
	}
	return path
}

func TestHandleSessionsSubmit_RoundTripsViaFakeCLI(t *testing.T) {
	store, err := taskstore.New(filepath.Join(t.TempDir(), "tasks.json"))
	if err != nil {
		t.Fatalf("taskstore.New: %v", err)
	}
	dash := dashboard.New(filepath.Join(t.TempDir(), "dash.json"))
	sup := supervisor.New(supervisor.Config{CLIBin: writeFakeSubmitCLI(t)})
	trk := tracker.New(tracker.Config{})
	srv := New(Config{Store: store, Dashboard: dash, Supervisor: sup, Tracker: trk, StaticRoot: t.TempDir()})

	w := doRequest(t, srv, http.MethodPost, "/api/sessions/submit", map[string]interface{}{
		"userId": "u1",
		"prompt": "ping",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if success, _ := resp["success"].(bool); !success {
		t.Fatalf("expected success=true, got %v", resp)
	}
	if !strings.Contains(fmt.Sprint(resp["output"]), "ping") {
		t.Fatalf("expected output to echo prompt, got %v", resp["output"])
	}
}

func TestHandleSessionsSubmit_MissingFields_Returns400(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/sessions/submit", map[string]interface{}{"userId": ""})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}

func TestHandleSessionsSubmit_NoSupervisor_Returns503(t *testing.T) {
	srv, _ := newTestServer(t)
	w := doRequest(t, srv, http.MethodPost, "/api/sessions/submit", map[string]interface{}{
		"userId": "u1",
		"prompt": "ping",
	})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
}
