// Package runner executes a single Job's command against the model CLI
// in non-interactive print mode and produces an ExecutionRecord, per
// spec.md §4.B. It never panics or returns an error across its own
// boundary — every failure is captured as a failed ExecutionRecord.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/agentexec/gateway/internal/audit"
	"github.com/agentexec/gateway/internal/shared"
)

// Result mirrors taskstore.ExecutionRecord's shape without importing
// taskstore, keeping the Runner a leaf package with no domain-store
// dependency.
type Result struct {
	StartTime      time.Time
	EndTime        time.Time
	Success        bool
	Error          string
	ResultFilePath string
}

// Duration returns EndTime - StartTime.
func (r Result) Duration() time.Duration { return r.EndTime.Sub(r.StartTime) }

// Job is the minimal view of a taskstore.Job the Runner needs. Defined
// locally (rather than importing taskstore) so Runner stays a leaf
// package usable from tests without pulling in persistence.
type Job struct {
	ID         string
	Name       string
	Command    string
	SaveResult bool
	ResultDir  string
}

// Config configures a Runner.
type Config struct {
	CLIBin            string
	MaxResultFileSize int64 // bytes; default 10 MiB
	TaskTimeout       time.Duration
	StripVSCodeEnv    bool
	Logger            *slog.Logger
}

// Runner spawns the model CLI in non-interactive print mode for a Job's
// command and collects its output.
type Runner struct {
	cfg Config

	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// New creates a Runner. Zero-value Config fields get spec.md's defaults.
func New(cfg Config) *Runner {
	if cfg.MaxResultFileSize <= 0 {
		cfg.MaxResultFileSize = 10 * 1024 * 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.CLIBin == "" {
		cfg.CLIBin = "claude"
	}
	return &Runner{cfg: cfg, running: make(map[string]context.CancelFunc)}
}

// Cancel terminates the in-flight run for jobID, if any.
func (r *Runner) Cancel(jobID string) {
	r.mu.Lock()
	cancel, ok := r.running[jobID]
	r.mu.Unlock()
	if ok {
		cancel()
	}
}

// Run executes job's command and returns a Result. It never returns an
// error: failures are captured in Result.Error/Success.
func (r *Runner) Run(ctx context.Context, job Job) Result {
	start := time.Now()
	res := Result{StartTime: start}
	traceID := shared.TraceID(ctx)

	if dangerous, reason := classifyCommand(job.Command); dangerous {
		audit.Record("flag", "runner.classifyCommand", reason, job.ID)
		r.cfg.Logger.Warn("runner: flagged command", "job_id", job.ID, "trace_id", traceID, "reason", reason)
	}

	args := buildArgs(job.Command)

	runCtx := ctx
	var timeoutCancel context.CancelFunc
	if r.cfg.TaskTimeout > 0 {
		runCtx, timeoutCancel = context.WithTimeout(ctx, r.cfg.TaskTimeout)
		defer timeoutCancel()
	}
	runCtx, cancel := context.WithCancel(runCtx)
	defer cancel()

	r.mu.Lock()
	r.running[job.ID] = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.running, job.ID)
		r.mu.Unlock()
	}()

	cmd := exec.CommandContext(runCtx, r.cfg.CLIBin, args...)
	cmd.Env = SanitizeEnv(os.Environ(), r.cfg.StripVSCodeEnv)
	cmd.Stdin = nil

	var stdout, stderr limitedBuffer
	stdout.limit = r.cfg.MaxResultFileSize
	stdout.onExceeded = cancel
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.EndTime = time.Now()
	r.cfg.Logger.Debug("runner: cli exited", "job_id", job.ID, "trace_id", traceID, "duration", res.EndTime.Sub(start))

	switch {
	case stdout.exceeded:
		res.Success = false
		res.Error = "output too large"
	case runCtx.Err() == context.DeadlineExceeded:
		res.Success = false
		res.Error = "timeout"
	case err != nil:
		res.Success = false
		if stderr.buf.Len() > 0 {
			res.Error = strings.TrimSpace(stderr.buf.String())
		} else if exitErr, ok := err.(*exec.ExitError); ok {
			res.Error = fmt.Sprintf("exited with code %d", exitErr.ExitCode())
		} else {
			res.Error = err.Error()
		}
	default:
		res.Success = true
	}

	output := strings.TrimSpace(stdout.buf.String())

	if job.SaveResult {
		dir := job.ResultDir
		path, werr := writeResultFile(dir, job.Name, job.ID, job.Command, res.StartTime, res.EndTime, output)
		if werr != nil {
			r.cfg.Logger.Error("runner: failed to write result file", "job_id", job.ID, "error", werr)
		} else {
			res.ResultFilePath = path
		}
	}

	return res
}

// buildArgs prepends --dangerously-skip-permissions if absent, then adds
// the non-interactive print-mode flags and the job command.
func buildArgs(command string) []string {
	args := []string{}
	if !strings.Contains(command, "--dangerously-skip-permissions") {
		args = append(args, "--dangerously-skip-permissions")
	}
	args = append(args, "-p", command)
	return args
}

// limitedBuffer accumulates output up to a cap; once exceeded, further
// writes are discarded but the overflow is flagged.
type limitedBuffer struct {
	buf        bytes.Buffer
	limit      int64
	exceeded   bool
	onExceeded context.CancelFunc
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if b.exceeded {
		return len(p), nil
	}
	if int64(b.buf.Len()+len(p)) > b.limit {
		b.exceeded = true
		if b.onExceeded != nil {
			b.onExceeded()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

var _ io.Writer = (*limitedBuffer)(nil)
