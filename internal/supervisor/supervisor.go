// Package supervisor implements the CLI Session Supervisor (spec.md
// §4.D): one request resolves to one child process, with strict
// per-session FIFO ordering. The source's promise-chain-per-sessionKey
// is modeled here as a bounded channel owned by a draining goroutine,
// per spec.md §9's explicit design note.
package supervisor

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
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agentexec/gateway/internal/runner"
)

// idleDrainWindow is how long a session's owning goroutine waits for a
// new request before giving up ownership of the queue.
const idleDrainWindow = 30 * time.Second

// Request is one prompt submission against a chat session.
type Request struct {
	UserID  string
	GroupID string
	Prompt  string
	Timeout time.Duration // 0 disables the soft timeout
}

// Response is what the Supervisor resolves a Request with.
type Response struct {
	Output     string
	Milestones []string
	Success    bool
	Error      string
}

// Config configures a Supervisor.
type Config struct {
	CLIBin         string
	StripVSCodeEnv bool
	Logger         *slog.Logger
}

// Supervisor owns one FIFO queue per session key.
type Supervisor struct {
	cliBin         string
	stripVSCodeEnv bool
	logger         *slog.Logger

	mu     sync.Mutex
	queues map[string]*sessionQueue

	spawnCount atomic.Int64
}

type sessionQueue struct {
	ch chan *pendingRequest
}

type pendingRequest struct {
	req      Request
	progress ProgressFunc
	done     chan Response
}

// New constructs a Supervisor.
func New(cfg Config) *Supervisor {
	if cfg.CLIBin == "" {
		cfg.CLIBin = "claude"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Supervisor{
		cliBin:         cfg.CLIBin,
		stripVSCodeEnv: cfg.StripVSCodeEnv,
		logger:         cfg.Logger,
		queues:         make(map[string]*sessionQueue),
	}
}

// SessionKey computes spec.md §4.D step 1's sessionKey.
func SessionKey(userID, groupID string) string {
	if groupID != "" {
		return "group_" + groupID
	}
	return "user_" + userID
}

// Submit enqueues req onto its session's FIFO and blocks until the
// request's child process has resolved (or the caller's context is
// cancelled first).
func (s *Supervisor) Submit(ctx context.Context, req Request, progress ProgressFunc) (Response, error) {
	pending := &pendingRequest{req: req, progress: progress, done: make(chan Response, 1)}
	s.enqueue(SessionKey(req.UserID, req.GroupID), pending)

	select {
	case resp := <-pending.done:
		return resp, nil
	case <-ctx.Done():
		return Response{}, ctx.Err()
	}
}

func (s *Supervisor) enqueue(key string, req *pendingRequest) {
	s.mu.Lock()
	q, ok := s.queues[key]
	if !ok {
		q = &sessionQueue{ch: make(chan *pendingRequest, 64)}
		s.queues[key] = q
		go s.drain(key, q)
	}
	s.mu.Unlock()
	q.ch <- req
}

// drain is the owning goroutine for one session's FIFO: it processes
// requests strictly in arrival order (spec.md P1) and relinquishes
// ownership of the map entry only once idle and only if no newer queue
// has replaced it.
func (s *Supervisor) drain(key string, q *sessionQueue) {
	idle := time.NewTimer(idleDrainWindow)
	defer idle.Stop()

	for {
		select {
		case req, ok := <-q.ch:
			if !ok {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			resp := s.run(req.req, req.progress)
			req.done <- resp
			idle.Reset(idleDrainWindow)
		case <-idle.C:
			s.mu.Lock()
			if cur, ok := s.queues[key]; ok && cur == q && len(q.ch) == 0 {
				delete(s.queues, key)
				s.mu.Unlock()
				return
			}
			s.mu.Unlock()
			idle.Reset(idleDrainWindow)
		}
	}
}

// run spawns and drives exactly one child process for req, per spec.md
// §4.D steps 2-9.
func (s *Supervisor) run(req Request, progress ProgressFunc) Response {
	s.spawnCount.Add(1)

	// spec.md §4.D step 2: mint a fresh correlation id for this spawn.
	// The CLI's own --continue session id is never reused for this
	// purpose — it identifies the child's own conversation state, not
	// this one request/response cycle, and reusing it for log
	// correlation would conflate the two.
	correlationID := NewCorrelationID()
	log := s.logger.With("correlation_id", correlationID)

	ctx := context.Background()
	var cancel context.CancelFunc
	if req.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	args := []string{"--print", "--continue", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"}
	cmd := exec.CommandContext(ctx, s.cliBin, args...)
	cmd.Env = runner.SanitizeEnv(os.Environ(), s.stripVSCodeEnv)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("supervisor: stdin pipe: %v", err)}
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return Response{Success: false, Error: fmt.Sprintf("supervisor: stdout pipe: %v", err)}
	}
	var stderrBuf bytes.Buffer
	cmd.Stderr = &stderrBuf

	if err := cmd.Start(); err != nil {
		return Response{Success: false, Error: fmt.Sprintf("supervisor: start: %v", err)}
	}
	log.Debug("supervisor: spawned cli", "pid", cmd.Process.Pid)

	if _, err := io.WriteString(stdin, req.Prompt+"\n"); err != nil {
		log.Warn("supervisor: failed writing prompt to stdin", "error", err)
	}
	stdin.Close()

	var out Outcome
	if err := decodeStream(stdout, &out, progress); err != nil {
		log.Warn("supervisor: stream decode error", "error", err)
	}

	waitErr := cmd.Wait()

	if stderrBuf.Len() > 0 {
		if progress != nil {
			progress(stderrBuf.String())
		}
		out.Output.WriteString(stderrBuf.String())
	}
	output := strings.TrimSpace(out.Output.String())

	if output == "" {
		errMsg := strings.TrimSpace(stderrBuf.String())
		if errMsg == "" {
			if waitErr != nil {
				errMsg = waitErr.Error()
			} else {
				errMsg = "no output produced"
			}
		}
		return Response{Milestones: out.Milestones, Success: false, Error: errMsg}
	}

	// Per spec.md §7: the Supervisor resolves with accumulated output
	// irrespective of exit code — the chat use-case prefers partial
	// output over a hard failure.
	return Response{Output: output, Milestones: out.Milestones, Success: true}
}

// NewCorrelationID generates a fresh correlation id for a request. The
// model CLI's own session id is never reused — spec.md §4.D step 2 notes
// reuse causes lock conflicts in the CLI.
func NewCorrelationID() string {
	return uuid.NewString()
}
