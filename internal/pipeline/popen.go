package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Mode selects which end of a Stream the caller holds.
type Mode string

const (
	// ModeRead hands the caller the child's stdout.
	ModeRead Mode = "r"
	// ModeWrite hands the caller the child's stdin.
	ModeWrite Mode = "w"
)

// ErrWrongMode is returned when a Stream is read in write mode or written in
// read mode.
var ErrWrongMode = errors.New("pipeline: wrong stream mode")

// Stream is the caller's end of a one-stage pipe: a running child plus the
// single descriptor connecting the two processes. It is not safe for
// concurrent use.
type Stream struct {
	mode Mode
	file *os.File
	cmd  *exec.Cmd

	closeOnce sync.Once
	closeErr  error
	status    StageStatus
}

// Open launches command with one end of a fresh pipe bound to its stdin or
// stdout and returns the other end wrapped in a Stream. In ModeRead the
// caller reads what the child writes; in ModeWrite the caller feeds the
// child, and closing the Stream is how the child learns the input is over.
// The child inherits the parent's stderr.
//
// The child's end is released in the parent as soon as the launch settles,
// so the Stream's endpoint is the only reference the parent holds. Launch
// errors release both ends before returning.
func Open(command Command, mode Mode) (*Stream, error) {
	if len(command) == 0 {
		return nil, ErrEmptyStage
	}
	if mode != ModeRead && mode != ModeWrite {
		return nil, fmt.Errorf("pipeline: unknown stream mode %q", mode)
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("pipeline: allocate pipe: %w", err)
	}

	cmd := exec.Command(command.Program(), command.Args()...)
	cmd.Stderr = os.Stderr

	var keep, give *os.File
	if mode == ModeRead {
		cmd.Stdout = pw
		keep, give = pr, pw
	} else {
		cmd.Stdin = pr
		keep, give = pw, pr
	}

	s := &Stream{
		mode: mode,
		file: keep,
		cmd:  cmd,
		status: StageStatus{
			Command: command.Clone(),
		},
	}

	if err := cmd.Start(); err != nil {
		keep.Close()
		give.Close()
		return nil, fmt.Errorf("pipeline: start %s: %w", command.Program(), err)
	}
	give.Close()

	s.status.PID = cmd.Process.Pid
	s.status.StartedAt = time.Now()
	return s, nil
}

// Read pulls bytes produced by the child. EOF arrives once the child has
// exited and the pipe is drained.
func (s *Stream) Read(p []byte) (int, error) {
	if s.mode != ModeRead {
		return 0, fmt.Errorf("%w: stream is write-only", ErrWrongMode)
	}
	return s.file.Read(p)
}

// Write feeds bytes to the child. A child that has already exited turns
// further writes into errors.
func (s *Stream) Write(p []byte) (int, error) {
	if s.mode != ModeWrite {
		return 0, fmt.Errorf("%w: stream is read-only", ErrWrongMode)
	}
	return s.file.Write(p)
}

// PID returns the child's process id.
func (s *Stream) PID() int {
	return s.cmd.Process.Pid
}

// File exposes the caller-held pipe endpoint. Closing it directly is
// allowed; Close still reaps the child afterwards.
func (s *Stream) File() *os.File {
	return s.file
}

// Close releases the caller's endpoint and reaps the child. In write mode
// the close is what delivers EOF, so Close blocks until the child finishes
// consuming its input and exits. A child that exited non-zero or died on a
// signal is reported as an *ExitError; repeated calls return the first
// outcome.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		s.file.Close()
		err := s.cmd.Wait()
		s.status.FinishedAt = time.Now()
		classifyWait(s.cmd, err, &s.status)
		if !s.status.Success() {
			s.closeErr = &ExitError{Status: s.status}
		}
	})
	return s.closeErr
}

// Status reports the child's classified outcome. It is meaningful only
// after Close.
func (s *Stream) Status() StageStatus {
	return s.status
}
