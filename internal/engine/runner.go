package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/Paintersrp/flume/internal/config"
	"github.com/Paintersrp/flume/internal/metrics"
	"github.com/Paintersrp/flume/internal/pipeline"
)

// Runner executes manifest pipelines and narrates progress through an event
// channel. The zero value runs with inherited stdio and no stderr capture.
type Runner struct {
	// Stdin feeds the first stage. Nil leaves the first stage on the
	// process's own stdin.
	Stdin io.Reader
	// Stdout receives the final stage's output.
	Stdout io.Writer
	// Stderr is shared by every stage unless CaptureStderr is set.
	Stderr io.Writer

	// CaptureStderr turns each stage's stderr into per-line log events on
	// the event channel instead of writing the bytes through.
	CaptureStderr bool

	// CaptureStdout does the same for the final stage's output. Only
	// full-screen consumers want this; it replaces Stdout entirely.
	CaptureStdout bool

	// Journal, when non-nil, records one entry per completed run.
	Journal *Journal

	newRunID func() string
}

// NewRunner constructs a runner with generated run identifiers.
func NewRunner() *Runner {
	return &Runner{newRunID: uuid.NewString}
}

// Report summarizes a completed run.
type Report struct {
	RunID    string
	Pipeline string
	Started  time.Time
	Duration time.Duration
	Result   *pipeline.Result
}

// Verdict returns the aggregate outcome, treating an absent result as
// failure.
func (r *Report) Verdict() pipeline.Verdict {
	if r == nil || r.Result == nil {
		return pipeline.VerdictFailure
	}
	return r.Result.Verdict
}

// Run executes the named pipeline spec. Lifecycle and log events are
// delivered to events while the run progresses; nothing is sent after Run
// returns, so the caller may close the channel afterwards. The returned
// error reports runs that could not be carried out at all. A run that
// completed with failing stages is reported through the report's verdict,
// not the error.
func (r *Runner) Run(ctx context.Context, name string, spec *config.PipelineSpec, events chan<- Event) (*Report, error) {
	if spec == nil {
		return nil, errors.New("pipeline spec is nil")
	}
	cmds, err := spec.Commands()
	if err != nil {
		return nil, fmt.Errorf("pipeline %s: %w", name, err)
	}

	runID := r.runID()

	p := &pipeline.Pipeline{
		Stages: cmds,
		Stdin:  r.Stdin,
		Stdout: r.Stdout,
		Stderr: r.Stderr,
		Dir:    spec.ResolvedWorkdir,
	}
	if len(spec.Env) > 0 {
		p.Env = append(os.Environ(), config.EnvSlice(spec.Env)...)
	}

	var captures []*stageCapture
	if r.CaptureStderr && events != nil {
		stderrs := make([]io.Writer, len(cmds))
		for i, cmd := range cmds {
			capture := newStageCapture(events, runID, name, i, cmd.String(), LogSourceStderr)
			captures = append(captures, capture)
			stderrs[i] = capture.writer
		}
		p.StageStderr = stderrs
	}
	if r.CaptureStdout && events != nil {
		last := len(cmds) - 1
		capture := newStageCapture(events, runID, name, last, cmds[last].String(), LogSourceStdout)
		captures = append(captures, capture)
		p.Stdout = capture.writer
	}
	finishCaptures := func() {
		for _, capture := range captures {
			capture.finish()
		}
	}

	sendEvent(events, Event{
		RunID:    runID,
		Pipeline: name,
		Stage:    -1,
		Type:     EventTypeStarting,
		Message:  fmt.Sprintf("starting %d stage pipeline", len(cmds)),
		Reason:   ReasonLaunch,
	})

	started := time.Now()
	if err := p.Start(ctx); err != nil {
		forwardStageEvents(p.Events(), runID, name, events)
		if res := p.Wait(); res != nil {
			recordMetrics(name, res)
		}
		finishCaptures()
		sendEvent(events, Event{
			RunID:    runID,
			Pipeline: name,
			Stage:    -1,
			Type:     EventTypeError,
			Message:  "pipeline aborted",
			Level:    "error",
			Err:      err,
			Reason:   ReasonAborted,
		})
		return nil, fmt.Errorf("run pipeline %s: %w", name, err)
	}

	bridgeDone := make(chan struct{})
	go func() {
		defer close(bridgeDone)
		forwardStageEvents(p.Events(), runID, name, events)
	}()

	res := p.Wait()
	<-bridgeDone
	finishCaptures()
	duration := time.Since(started)

	recordMetrics(name, res)

	report := &Report{
		RunID:    runID,
		Pipeline: name,
		Started:  started,
		Duration: duration,
		Result:   res,
	}

	if err := r.Journal.Record(report); err != nil {
		sendEvent(events, Event{
			RunID:    runID,
			Pipeline: name,
			Stage:    -1,
			Type:     EventTypeError,
			Message:  "journal write failed",
			Level:    "warn",
			Err:      err,
			Reason:   ReasonJournalError,
		})
	}

	sendEvent(events, Event{
		RunID:    runID,
		Pipeline: name,
		Stage:    -1,
		Type:     EventTypeFinished,
		Message:  fmt.Sprintf("verdict %s", res.Verdict),
		Verdict:  string(res.Verdict),
		Reason:   ReasonRunComplete,
	})

	return report, nil
}

func (r *Runner) runID() string {
	if r.newRunID != nil {
		return r.newRunID()
	}
	return uuid.NewString()
}

// forwardStageEvents translates pipeline stage notifications into run events.
// The source channel closes once every stage has been reaped; a nil channel
// means the pipeline never got far enough to create one.
func forwardStageEvents(stageEvents <-chan pipeline.StageEvent, runID, name string, events chan<- Event) {
	if stageEvents == nil {
		return
	}
	for se := range stageEvents {
		sendEvent(events, translateStage(runID, name, se))
	}
}

func translateStage(runID, name string, se pipeline.StageEvent) Event {
	st := se.Status
	evt := Event{
		Timestamp: se.Time,
		RunID:     runID,
		Pipeline:  name,
		Stage:     st.Index,
		Command:   st.Command.String(),
		PID:       st.PID,
	}
	if se.Type == pipeline.StageStarted {
		evt.Type = EventTypeRunning
		evt.Message = fmt.Sprintf("pid %d", st.PID)
		evt.Reason = ReasonLaunch
		return evt
	}
	evt.Message = st.String()
	evt.ExitCode = st.ExitCode
	if st.Signal != nil {
		evt.Signal = st.Signal.String()
	}
	if st.Success() {
		evt.Type = EventTypeExited
		evt.Reason = ReasonCleanExit
		return evt
	}
	evt.Type = EventTypeFailed
	evt.Level = "error"
	evt.Err = st.Err
	evt.Reason = failureReason(st)
	return evt
}

func failureReason(st pipeline.StageStatus) string {
	switch st.State {
	case pipeline.StateStartFailed:
		return ReasonStartFailure
	case pipeline.StateSignaled:
		return ReasonFatalSignal
	default:
		if st.Err != nil {
			return ReasonWaitError
		}
		return ReasonNonZeroExit
	}
}

func recordMetrics(name string, res *pipeline.Result) {
	if res == nil {
		return
	}
	metrics.IncrementRun(string(res.Verdict))
	for _, st := range res.Stages {
		metrics.ObserveStageDuration(name, st.Runtime())
		if !st.Success() {
			metrics.IncrementStageFailure(failureReason(st))
		}
	}
}

// stageCapture adapts one stage's stderr into log events. Lines are emitted
// without blocking; when the event channel is saturated the lines are
// discarded and a dropped=N marker is surfaced once the channel drains.
type stageCapture struct {
	events   chan<- Event
	runID    string
	pipeline string
	stage    int
	command  string
	source   string
	writer   *lineWriter
	dropped  int
}

func newStageCapture(events chan<- Event, runID, pipeline string, stage int, command, source string) *stageCapture {
	c := &stageCapture{
		events:   events,
		runID:    runID,
		pipeline: pipeline,
		stage:    stage,
		command:  command,
		source:   source,
	}
	c.writer = newLineWriter(c.emitLine)
	return c
}

func (c *stageCapture) emitLine(line string) {
	if c.dropped > 0 {
		if !c.emit(c.droppedEvent(), false) {
			c.dropped++
			return
		}
		c.dropped = 0
	}
	if !c.emit(c.logEvent(line), false) {
		c.dropped++
	}
}

// finish flushes any buffered partial line and publishes the outstanding
// drop count. Call only after the stage has been reaped.
func (c *stageCapture) finish() {
	c.writer.Flush()
	if c.dropped > 0 {
		c.emit(c.droppedEvent(), true)
		c.dropped = 0
	}
}

func (c *stageCapture) logEvent(line string) Event {
	level := "info"
	if c.source == LogSourceStderr {
		level = "warn"
	}
	return Event{
		Timestamp: time.Now(),
		RunID:     c.runID,
		Pipeline:  c.pipeline,
		Stage:     c.stage,
		Command:   c.command,
		Type:      EventTypeLog,
		Message:   line,
		Level:     level,
		Source:    c.source,
	}
}

func (c *stageCapture) droppedEvent() Event {
	return Event{
		Timestamp: time.Now(),
		RunID:     c.runID,
		Pipeline:  c.pipeline,
		Stage:     c.stage,
		Command:   c.command,
		Type:      EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", c.dropped),
		Level:     "warn",
		Source:    LogSourceSystem,
	}
}

func (c *stageCapture) emit(evt Event, block bool) bool {
	if c.events == nil {
		return true
	}
	if block {
		c.events <- evt
		return true
	}
	select {
	case c.events <- evt:
		return true
	default:
		return false
	}
}
