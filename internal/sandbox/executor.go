// Package sandbox runs proposed action sequences inside ephemeral,
// network-less, read-only containers. Each run gets a fresh container that is
// destroyed afterwards; only stdout and the exit status cross back to the
// host. HIGH-risk sequences block on operator approval first, and
// host-mutating ones get a snapshot barrier before anything executes.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"warden/internal/config"
	"warden/internal/logging"
	"warden/internal/policy"
)

// Outcome is the terminal state of a sandbox run.
type Outcome string

const (
	OutcomeSucceeded Outcome = "SUCCEEDED"
	OutcomeFailed    Outcome = "FAILED"    // non-zero exit
	OutcomeTimedOut  Outcome = "TIMED_OUT" // wall-clock limit hit
	OutcomeRejected  Outcome = "REJECTED"  // approval denied or timed out
	OutcomeError     Outcome = "ERROR"     // could not run at all
)

// Request is one action sequence submitted for sandboxed execution.
type Request struct {
	ID          string      `json:"id"`
	TaskContext string      `json:"task_context"`
	Commands    []string    `json:"commands"`
	Risk        policy.Risk `json:"risk"`
	MutatesHost bool        `json:"mutates_host"`
}

// NewRequest builds a request with a fresh id.
func NewRequest(taskContext string, commands []string, assessment policy.Assessment) Request {
	return Request{
		ID:          uuid.NewString(),
		TaskContext: taskContext,
		Commands:    commands,
		Risk:        assessment.Risk,
		MutatesHost: assessment.MutatesHost,
	}
}

// Result reports how a run ended. Stdout is the only channel out of the
// sandbox besides the exit code.
type Result struct {
	RequestID string        `json:"request_id"`
	Outcome   Outcome       `json:"outcome"`
	ExitCode  int           `json:"exit_code"`
	Stdout    string        `json:"stdout"`
	Duration  time.Duration `json:"duration"`
	Detail    string        `json:"detail,omitempty"`
}

// ApprovalGate asks an operator whether a HIGH-risk request may run.
// Implementations must treat an expired timeout as a rejection.
type ApprovalGate interface {
	RequestApproval(ctx context.Context, req Request, timeout time.Duration) (bool, error)
}

// Guard runs before a host-mutating request executes. A guard error aborts
// the request.
type Guard interface {
	Prepare(ctx context.Context, req Request) error
}

// execCommand is swapped in tests.
var execCommand = exec.CommandContext

const maxStdoutBytes = 64 * 1024

// Executor submits requests to the container runtime.
type Executor struct {
	cfg             config.SandboxConfig
	timeout         time.Duration
	approvalTimeout time.Duration
	gate            ApprovalGate
	guard           Guard
	slots           *semaphore.Weighted
}

// NewExecutor builds an executor. gate may be nil when no control channel is
// attached (HIGH-risk requests are then rejected outright); guard may be nil
// when snapshots are unavailable and no host mutation barrier exists.
func NewExecutor(cfg config.SandboxConfig, timeout, approvalTimeout time.Duration, gate ApprovalGate, guard Guard) *Executor {
	maxConcurrent := int64(cfg.MaxConcurrent)
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Executor{
		cfg:             cfg,
		timeout:         timeout,
		approvalTimeout: approvalTimeout,
		gate:            gate,
		guard:           guard,
		slots:           semaphore.NewWeighted(maxConcurrent),
	}
}

// CheckRuntime verifies the container runtime binary responds.
func (e *Executor) CheckRuntime(ctx context.Context) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := execCommand(probeCtx, e.cfg.Runtime, "--version").Output(); err != nil {
		return fmt.Errorf("container runtime %q unavailable: %w", e.cfg.Runtime, err)
	}
	return nil
}

// Run executes one request end to end: approval gate, mutation guard, then
// the container. Returns an error only for infrastructure failures; policy
// rejections and command failures are regular outcomes.
func (e *Executor) Run(ctx context.Context, req Request) Result {
	log := logging.Get(logging.CategorySandbox)

	if len(req.Commands) == 0 {
		return Result{RequestID: req.ID, Outcome: OutcomeError, Detail: "empty command sequence"}
	}

	if req.Risk == policy.RiskHigh {
		approved, err := e.awaitApproval(ctx, req)
		if err != nil {
			return Result{RequestID: req.ID, Outcome: OutcomeError, Detail: err.Error()}
		}
		if !approved {
			log.Infof("request %s rejected by approval gate", req.ID)
			return Result{RequestID: req.ID, Outcome: OutcomeRejected, Detail: "operator approval not granted"}
		}
	}

	if req.MutatesHost && e.guard != nil {
		if err := e.guard.Prepare(ctx, req); err != nil {
			// No snapshot, no mutation. The request dies here; the daemon
			// itself carries on.
			log.Errorf("request %s aborted, mutation guard failed: %v", req.ID, err)
			return Result{RequestID: req.ID, Outcome: OutcomeError,
				Detail: fmt.Sprintf("mutation guard failed: %v", err)}
		}
	}

	if err := e.slots.Acquire(ctx, 1); err != nil {
		return Result{RequestID: req.ID, Outcome: OutcomeError, Detail: err.Error()}
	}
	defer e.slots.Release(1)

	return e.runContainer(ctx, req)
}

func (e *Executor) awaitApproval(ctx context.Context, req Request) (bool, error) {
	if e.gate == nil {
		return false, nil
	}
	approved, err := e.gate.RequestApproval(ctx, req, e.approvalTimeout)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			// Silence is a "no".
			return false, nil
		}
		return false, fmt.Errorf("approval gate failed: %w", err)
	}
	return approved, nil
}

func (e *Executor) runContainer(ctx context.Context, req Request) Result {
	log := logging.Get(logging.CategorySandbox)

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := e.containerArgs(req)
	cmd := execCommand(runCtx, e.cfg.Runtime, args...)

	// Only stdout and the exit status cross back from the sandbox; stderr
	// is discarded with the container.
	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	out := stdout.String()
	if len(out) > maxStdoutBytes {
		out = out[:maxStdoutBytes] + "\n...[truncated]"
	}

	result := Result{
		RequestID: req.ID,
		Stdout:    out,
		Duration:  elapsed,
	}

	switch {
	case runCtx.Err() == context.DeadlineExceeded:
		result.Outcome = OutcomeTimedOut
		result.ExitCode = -1
		result.Detail = fmt.Sprintf("killed after %s", e.timeout)
		log.Warnf("request %s timed out after %s", req.ID, e.timeout)
	case err == nil:
		result.Outcome = OutcomeSucceeded
		log.Infof("request %s succeeded in %s", req.ID, elapsed.Round(time.Millisecond))
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.Outcome = OutcomeFailed
			result.ExitCode = exitErr.ExitCode()
			result.Detail = fmt.Sprintf("exit code %d", result.ExitCode)
			log.Infof("request %s failed with exit code %d", req.ID, result.ExitCode)
		} else {
			result.Outcome = OutcomeError
			result.ExitCode = -1
			result.Detail = err.Error()
			log.Errorf("request %s could not run: %v", req.ID, err)
		}
	}
	return result
}

// containerArgs assembles the hardened runtime invocation: no network, a
// read-only root, dropped capabilities, bounded memory and cpu, and a small
// non-executable scratch tmpfs.
func (e *Executor) containerArgs(req Request) []string {
	script := strings.Join(req.Commands, " && ")
	return []string{
		"run", "--rm",
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--memory", e.cfg.MemoryLimit,
		"--cpus", e.cfg.CPUQuota,
		"--tmpfs", fmt.Sprintf("/tmp:rw,size=%s,noexec,nosuid", e.cfg.TmpfsSize),
		e.cfg.Image,
		"/bin/sh", "-c", script,
	}
}
