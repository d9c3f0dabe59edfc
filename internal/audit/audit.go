package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/agentexec/gateway/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Decision  string `json:"decision"`
	Action    string `json:"action"`
	Reason    string `json:"reason"`
	Subject   string `json:"subject,omitempty"`
}

var (
	mu        sync.Mutex
	file      *os.File
	db        *sql.DB
	denyCount atomic.Int64
)

// Init opens the JSONL audit log plus a SQLite sink under homeDir so the
// audit trail can be queried (by trace id, action, or decision) without
// grepping the JSONL file. The SQLite sink is best-effort: if it fails to
// open, Record still appends to the JSONL file.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f

	if d, derr := sql.Open("sqlite3", filepath.Join(logDir, "audit.db")); derr == nil {
		if _, cerr := d.Exec(`
			CREATE TABLE IF NOT EXISTS audit_log (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				timestamp TEXT NOT NULL,
				trace_id TEXT,
				subject TEXT,
				action TEXT NOT NULL,
				decision TEXT NOT NULL,
				reason TEXT
			);
		`); cerr == nil {
			db = d
		} else {
			d.Close()
		}
	}
	return nil
}

// SetDB overrides the audit_log sink, mainly for tests that want an
// in-memory database instead of Init's on-disk one.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if db != nil {
		_ = db.Close()
		db = nil
	}
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DenyCount returns the total number of deny decisions since startup.
func DenyCount() int64 {
	return denyCount.Load()
}

// Record logs a single runner/supervisor decision: action is the dotted
// operation name (e.g. "runner.classifyCommand", "supervisor.sanitizeEnv"),
// subject is the job or task id it concerns. classifyCommand findings are
// informational only — spec.md keeps --dangerously-skip-permissions
// always-on, so a "flag" decision here never blocks execution.
func Record(decision, action, reason, subject string) {
	if decision == "deny" || decision == "flag" {
		denyCount.Add(1)
	}

	// Redact secrets before persistence.
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)

	mu.Lock()
	defer mu.Unlock()

	// Write to JSONL file.
	if file != nil {
		ev := entry{
			Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
			Decision:  decision,
			Action:    action,
			Reason:    reason,
			Subject:   subject,
		}
		b, err := json.Marshal(ev)
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.Background(), `
			INSERT INTO audit_log (timestamp, trace_id, subject, action, decision, reason)
			VALUES (?, ?, ?, ?, ?, ?);
		`, time.Now().UTC().Format(time.RFC3339Nano), "", subject, action, decision, reason)
	}
}
