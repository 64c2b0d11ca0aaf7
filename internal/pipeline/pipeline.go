package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Pipeline runs a chain of commands connected stdout-to-stdin through kernel
// pipes. The zero value is not usable; set Stages before calling Start or
// Run. A Pipeline runs at most once.
//
// Stdin feeds the first stage, Stdout receives the last stage's output, and
// Stderr is shared by every stage; each defaults to the calling process's own
// stream when nil. Interior stages always exchange bytes through descriptors
// handed straight to the children.
type Pipeline struct {
	Stages []Command

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer

	// StageStderr overrides Stderr for individual stages. Entries may be
	// nil; missing entries fall back to Stderr.
	StageStderr []io.Writer

	Dir string
	Env []string

	stages  []*stage
	exits   chan stageExit
	events  chan StageEvent
	started time.Time
	aborted bool

	waitOnce sync.Once
	result   *Result
}

type stage struct {
	cmd     *exec.Cmd
	status  StageStatus
	running bool
}

type stageExit struct {
	index int
	err   error
}

// StageEventType identifies a stage notification.
type StageEventType string

const (
	StageStarted StageEventType = "started"
	StageExited  StageEventType = "exited"
)

// StageEvent notifies observers about a stage transition. The Status carries
// the stage's index, command and process id; on StageExited it also carries
// the classified outcome.
type StageEvent struct {
	Type   StageEventType
	Status StageStatus
	Time   time.Time
}

// IsLaunchFailure reports whether a start error means the program could not
// be resolved or executed, which the shell reports as exit 127 rather than a
// runner fault. Resource exhaustion (pipes, process table, memory) is not a
// launch failure.
func IsLaunchFailure(err error) bool {
	if err == nil {
		return false
	}
	var execErr *exec.Error
	if errors.As(err, &execErr) {
		return true
	}
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission)
}

// Start launches every stage and returns once the whole chain is running.
// Stages whose program cannot be found or executed are recorded as failed
// with exit code 127 while the rest of the chain still launches, exactly as
// a shell would. Pipe or process allocation errors abort the run: the
// already-launched prefix is starved of input and reaped before the error
// returns.
//
// ctx is consulted between launches only. Once a stage is running it is
// never signalled; cancellation mid-launch behaves like a resource error.
func (p *Pipeline) Start(ctx context.Context) error {
	if p.exits != nil {
		return errors.New("pipeline: already started")
	}
	if len(p.Stages) == 0 {
		return ErrNoStages
	}
	for i, command := range p.Stages {
		if len(command) == 0 {
			return fmt.Errorf("%w: stage %d", ErrEmptyStage, i)
		}
	}
	if ctx == nil {
		ctx = context.Background()
	}

	n := len(p.Stages)
	p.stages = make([]*stage, 0, n)
	p.exits = make(chan stageExit, n)
	p.events = make(chan StageEvent, 2*n)
	p.started = time.Now()

	// pending is the single read endpoint the parent is allowed to hold
	// between iterations: the upstream output waiting to become the next
	// stage's stdin. Write ends never survive an iteration.
	var pending *os.File
	for i, command := range p.Stages {
		select {
		case <-ctx.Done():
			p.abort(pending)
			return ctx.Err()
		default:
		}

		var pr, pw *os.File
		if i < n-1 {
			var err error
			pr, pw, err = os.Pipe()
			if err != nil {
				p.abort(pending)
				return fmt.Errorf("pipeline: allocate pipe after stage %d: %w", i, err)
			}
		}

		st := &stage{status: StageStatus{Index: i, Command: command.Clone()}}
		st.cmd = p.buildCmd(command, i, pending, pw)
		err := st.cmd.Start()

		// The parent's endpoints are released whether or not the launch
		// succeeded, so a dead link still propagates end-of-stream.
		if pending != nil {
			pending.Close()
		}
		if pw != nil {
			pw.Close()
		}
		pending = pr

		if err != nil {
			if !IsLaunchFailure(err) {
				p.abort(pending)
				return fmt.Errorf("pipeline: start stage %d (%s): %w", i, command.Program(), err)
			}
			now := time.Now()
			st.status.State = StateStartFailed
			st.status.ExitCode = missingProgramExitCode
			st.status.Err = err
			st.status.StartedAt = now
			st.status.FinishedAt = now
			p.stages = append(p.stages, st)
			p.emit(StageEvent{Type: StageExited, Status: st.status, Time: now})
			continue
		}

		st.running = true
		st.status.PID = st.cmd.Process.Pid
		st.status.StartedAt = time.Now()
		p.stages = append(p.stages, st)
		p.emit(StageEvent{Type: StageStarted, Status: st.status, Time: st.status.StartedAt})

		go func(index int, cmd *exec.Cmd) {
			p.exits <- stageExit{index: index, err: cmd.Wait()}
		}(i, st.cmd)
	}
	return nil
}

// Wait blocks until every launched stage has been reaped and returns the
// aggregate result. Exits are collected in arrival order, so a fast tail
// never waits on a slow head, and the barrier has no timeout: the only way
// out is one notification per child. Wait returns nil if Start was never
// called or rejected the stage list outright.
func (p *Pipeline) Wait() *Result {
	if p.exits == nil {
		return nil
	}
	p.waitOnce.Do(func() {
		if !p.aborted {
			p.drain()
		}
		res := &Result{
			Verdict:  VerdictSuccess,
			Stages:   make([]StageStatus, len(p.stages)),
			Duration: time.Since(p.started),
		}
		if p.aborted {
			res.Verdict = VerdictFailure
		}
		for i, st := range p.stages {
			res.Stages[i] = st.status
			if !st.status.Success() {
				res.Verdict = VerdictFailure
			}
		}
		p.result = res
	})
	return p.result
}

// Run starts the pipeline and waits for the verdict. The error return is
// reserved for construction faults; a chain that launched but failed reports
// that through the Result alone.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if err := p.Start(ctx); err != nil {
		return nil, err
	}
	return p.Wait(), nil
}

// Events exposes the stage notification stream. It is non-nil once Start has
// been called, buffered for the whole run, and closed when the last stage
// has been reaped; readers may lag or skip reading without stalling the run.
func (p *Pipeline) Events() <-chan StageEvent {
	return p.events
}

func (p *Pipeline) buildCmd(command Command, index int, stdin, stdout *os.File) *exec.Cmd {
	cmd := exec.Command(command.Program(), command.Args()...)
	cmd.Dir = p.Dir
	if p.Env != nil {
		cmd.Env = p.Env
	}
	if stdin != nil {
		cmd.Stdin = stdin
	} else if index == 0 {
		if p.Stdin != nil {
			cmd.Stdin = p.Stdin
		} else {
			cmd.Stdin = os.Stdin
		}
	}
	if stdout != nil {
		cmd.Stdout = stdout
	} else if p.Stdout != nil {
		cmd.Stdout = p.Stdout
	} else {
		cmd.Stdout = os.Stdout
	}
	cmd.Stderr = p.stderrFor(index)
	return cmd
}

func (p *Pipeline) stderrFor(index int) io.Writer {
	if index < len(p.StageStderr) && p.StageStderr[index] != nil {
		return p.StageStderr[index]
	}
	if p.Stderr != nil {
		return p.Stderr
	}
	return os.Stderr
}

// abort releases the construction-time endpoints and reaps everything that
// already launched. Closing the parent's ends is what unblocks those
// children: readers see EOF, writers take EPIPE.
func (p *Pipeline) abort(pending *os.File) {
	if pending != nil {
		pending.Close()
	}
	p.drain()
	p.aborted = true
}

func (p *Pipeline) drain() {
	running := 0
	for _, st := range p.stages {
		if st.running {
			running++
		}
	}
	for i := 0; i < running; i++ {
		exit := <-p.exits
		st := p.stages[exit.index]
		st.running = false
		st.status.FinishedAt = time.Now()
		classifyWait(st.cmd, exit.err, &st.status)
		p.emit(StageEvent{Type: StageExited, Status: st.status, Time: st.status.FinishedAt})
	}
	close(p.events)
}

// emit never blocks: the channel is sized for every event a run can produce.
func (p *Pipeline) emit(evt StageEvent) {
	p.events <- evt
}
