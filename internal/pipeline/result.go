package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"
)

// Verdict is the aggregate outcome of a run.
type Verdict string

const (
	// VerdictSuccess means every stage exited with status zero.
	VerdictSuccess Verdict = "success"
	// VerdictFailure means at least one stage exited non-zero, died on a
	// signal, or could not be launched.
	VerdictFailure Verdict = "failure"
)

// StageState classifies how a stage finished.
type StageState string

const (
	StateExited      StageState = "exited"
	StateSignaled    StageState = "signaled"
	StateStartFailed StageState = "start-failed"
)

// missingProgramExitCode mirrors the shell convention for commands that
// cannot be found or executed.
const missingProgramExitCode = 127

// StageStatus records the observed outcome of a single stage.
type StageStatus struct {
	Index      int
	Command    Command
	PID        int
	State      StageState
	ExitCode   int
	Signal     os.Signal
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// Success reports whether the stage exited cleanly with status zero.
func (s StageStatus) Success() bool {
	return s.State == StateExited && s.ExitCode == 0 && s.Err == nil
}

// Runtime returns the wall-clock span between launch and reap.
func (s StageStatus) Runtime() time.Duration {
	if s.StartedAt.IsZero() || s.FinishedAt.Before(s.StartedAt) {
		return 0
	}
	return s.FinishedAt.Sub(s.StartedAt)
}

// String renders the outcome the way a shell user would describe it.
func (s StageStatus) String() string {
	switch s.State {
	case StateSignaled:
		if s.Signal != nil {
			return fmt.Sprintf("killed by signal %v", s.Signal)
		}
		return "killed by signal"
	case StateStartFailed:
		if s.Err != nil {
			return fmt.Sprintf("start failed: %v", s.Err)
		}
		return "start failed"
	default:
		if s.Err != nil {
			return fmt.Sprintf("exited %d (%v)", s.ExitCode, s.Err)
		}
		return fmt.Sprintf("exited %d", s.ExitCode)
	}
}

// Result aggregates the pipeline outcome once every stage has been reaped.
// Stages is indexed by stage position, not by completion order.
type Result struct {
	Verdict  Verdict
	Stages   []StageStatus
	Duration time.Duration
}

// FirstFailure returns the lowest-indexed unsuccessful stage, or nil when the
// verdict is success.
func (r *Result) FirstFailure() *StageStatus {
	for i := range r.Stages {
		if !r.Stages[i].Success() {
			return &r.Stages[i]
		}
	}
	return nil
}

// ExitError reports a child that terminated unsuccessfully.
type ExitError struct {
	Status StageStatus
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("pipeline: %s: %s", e.Status.Command.Program(), e.Status.String())
}

// classifyWait translates the outcome of exec.Cmd.Wait into a StageStatus.
// A non-ExitError from Wait means the child itself was reaped but stream
// plumbing failed; the exit code is still recovered from the process state.
func classifyWait(cmd *exec.Cmd, err error, status *StageStatus) {
	if err == nil {
		status.State = StateExited
		status.ExitCode = 0
		return
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			status.State = StateSignaled
			status.Signal = ws.Signal()
			status.ExitCode = 128 + int(ws.Signal())
			return
		}
		status.State = StateExited
		status.ExitCode = exitErr.ExitCode()
		return
	}
	status.State = StateExited
	status.Err = err
	if state := cmd.ProcessState; state != nil {
		status.ExitCode = state.ExitCode()
	} else {
		status.ExitCode = -1
	}
}
