package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/Paintersrp/flume/internal/pipeline"
)

// Outcome is the sandbox's judgement of the supervised command.
type Outcome string

const (
	// OutcomeAccepted means the command exited zero before the deadline.
	OutcomeAccepted Outcome = "accepted"
	// OutcomeRejected means the command exited non-zero, died on a signal,
	// overran its deadline, or could not be launched.
	OutcomeRejected Outcome = "rejected"
)

// Cause explains a rejection.
type Cause string

const (
	CauseExit    Cause = "exit"
	CauseSignal  Cause = "signal"
	CauseTimeout Cause = "timeout"
	CauseStart   Cause = "start"
)

// Options configures a supervised run. A zero Timeout means no deadline.
type Options struct {
	Timeout time.Duration

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	Dir string
	Env []string
}

// Report is the classified outcome of a supervised run. Cause is empty when
// the outcome is accepted.
type Report struct {
	Outcome  Outcome
	Cause    Cause
	ExitCode int
	Signal   os.Signal
	Duration time.Duration
}

// TimedOut reports whether the command was killed for overrunning its
// deadline.
func (r Report) TimedOut() bool {
	return r.Cause == CauseTimeout
}

// Run launches command in its own process group and supervises it until it
// exits, the deadline fires, or ctx is cancelled. A command that cannot be
// resolved or executed is a rejection (start cause), not a supervisor error.
//
// When the deadline fires the whole group is killed and the wait channel is
// drained before Run returns: the sandbox never leaves a zombie behind, and
// the drain cannot be cancelled. Context cancellation takes the same
// kill-and-drain path but surfaces as an error, because the caller gave up
// rather than the command failing.
func Run(ctx context.Context, command pipeline.Command, opts Options) (Report, error) {
	if len(command) == 0 {
		return Report{}, pipeline.ErrEmptyStage
	}
	if ctx == nil {
		ctx = context.Background()
	}

	cmd := exec.Command(command.Program(), command.Args()...)
	configureSysProcAttr(cmd)
	cmd.Dir = opts.Dir
	if opts.Env != nil {
		cmd.Env = opts.Env
	}
	if opts.Stdin != nil {
		cmd.Stdin = opts.Stdin
	} else {
		cmd.Stdin = os.Stdin
	}
	if opts.Stdout != nil {
		cmd.Stdout = opts.Stdout
	} else {
		cmd.Stdout = os.Stdout
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	started := time.Now()
	if err := cmd.Start(); err != nil {
		if pipeline.IsLaunchFailure(err) {
			return Report{
				Outcome:  OutcomeRejected,
				Cause:    CauseStart,
				ExitCode: 127,
				Duration: time.Since(started),
			}, nil
		}
		return Report{}, fmt.Errorf("sandbox: start %s: %w", command.Program(), err)
	}

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
	}()

	var deadline <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case err := <-waitErr:
		report, cerr := classify(cmd, err)
		report.Duration = time.Since(started)
		return report, cerr

	case <-deadline:
		// The group dies as a unit; the drain below is mandatory and
		// cannot be cancelled.
		if err := killGroup(cmd); err != nil {
			<-waitErr
			return Report{}, fmt.Errorf("sandbox: kill after deadline: %w", err)
		}
		err := <-waitErr
		report, _ := classify(cmd, err)
		report.Outcome = OutcomeRejected
		report.Cause = CauseTimeout
		report.Duration = time.Since(started)
		return report, nil

	case <-ctx.Done():
		if err := killGroup(cmd); err != nil {
			<-waitErr
			return Report{}, fmt.Errorf("sandbox: kill after cancel: %w", err)
		}
		<-waitErr
		return Report{}, ctx.Err()
	}
}

// classify translates the wait outcome into a report. A wait error that is
// not an exit status means the child was reaped but supervision itself
// failed; that is surfaced as an error, not a judgement of the command.
func classify(cmd *exec.Cmd, err error) (Report, error) {
	if err == nil {
		return Report{Outcome: OutcomeAccepted}, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
			return Report{
				Outcome:  OutcomeRejected,
				Cause:    CauseSignal,
				Signal:   ws.Signal(),
				ExitCode: 128 + int(ws.Signal()),
			}, nil
		}
		return Report{
			Outcome:  OutcomeRejected,
			Cause:    CauseExit,
			ExitCode: exitErr.ExitCode(),
		}, nil
	}
	return Report{}, fmt.Errorf("sandbox: wait: %w", err)
}
