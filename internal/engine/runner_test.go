package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	stdruntime "runtime"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/flume/internal/config"
	"github.com/Paintersrp/flume/internal/pipeline"
)

func skipIfWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// eventRecorder drains a run's event channel on a separate goroutine the way
// the CLI does.
type eventRecorder struct {
	ch   chan Event
	done chan struct{}
	evts []Event
}

func newEventRecorder() *eventRecorder {
	r := &eventRecorder{ch: make(chan Event, 64), done: make(chan struct{})}
	go func() {
		defer close(r.done)
		for evt := range r.ch {
			r.evts = append(r.evts, evt)
		}
	}()
	return r
}

func (r *eventRecorder) stop() []Event {
	close(r.ch)
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		panic("event recorder did not drain")
	}
	return r.evts
}

func findEvent(t *testing.T, evts []Event, typ EventType, stage int) Event {
	t.Helper()
	for _, evt := range evts {
		if evt.Type == typ && evt.Stage == stage {
			return evt
		}
	}
	t.Fatalf("no %s event for stage %d in %d events", typ, stage, len(evts))
	return Event{}
}

func testRunner() *Runner {
	r := NewRunner()
	r.newRunID = func() string { return "run-test" }
	return r
}

func TestRunReportsSuccess(t *testing.T) {
	skipIfWindows(t)

	var out bytes.Buffer
	runner := testRunner()
	runner.Stdout = &out

	spec := &config.PipelineSpec{Run: "echo hello | cat"}
	rec := newEventRecorder()

	report, err := runner.Run(context.Background(), "greet", spec, rec.ch)
	evts := rec.stop()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Verdict(); got != pipeline.VerdictSuccess {
		t.Fatalf("verdict = %s, want %s", got, pipeline.VerdictSuccess)
	}
	if got := out.String(); got != "hello\n" {
		t.Fatalf("stdout = %q, want %q", got, "hello\n")
	}
	if report.RunID != "run-test" {
		t.Fatalf("run id = %q, want %q", report.RunID, "run-test")
	}

	starting := findEvent(t, evts, EventTypeStarting, -1)
	if starting.Pipeline != "greet" || starting.RunID != "run-test" {
		t.Fatalf("starting event = %+v", starting)
	}
	for stage := 0; stage < 2; stage++ {
		running := findEvent(t, evts, EventTypeRunning, stage)
		if !strings.HasPrefix(running.Message, "pid ") {
			t.Fatalf("running message = %q", running.Message)
		}
		exited := findEvent(t, evts, EventTypeExited, stage)
		if exited.ExitCode != 0 || exited.Reason != ReasonCleanExit {
			t.Fatalf("exited event = %+v", exited)
		}
	}
	finished := evts[len(evts)-1]
	if finished.Type != EventTypeFinished || finished.Verdict != string(pipeline.VerdictSuccess) {
		t.Fatalf("final event = %+v", finished)
	}
}

func TestRunReportsFailureVerdictWithoutError(t *testing.T) {
	skipIfWindows(t)

	runner := testRunner()
	runner.Stdout = io.Discard
	spec := &config.PipelineSpec{Stages: [][]string{{"sh", "-c", "exit 7"}}}
	rec := newEventRecorder()

	report, err := runner.Run(context.Background(), "flaky", spec, rec.ch)
	evts := rec.stop()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Verdict(); got != pipeline.VerdictFailure {
		t.Fatalf("verdict = %s, want %s", got, pipeline.VerdictFailure)
	}

	failed := findEvent(t, evts, EventTypeFailed, 0)
	if failed.ExitCode != 7 || failed.Reason != ReasonNonZeroExit || failed.Level != "error" {
		t.Fatalf("failed event = %+v", failed)
	}
	finished := findEvent(t, evts, EventTypeFinished, -1)
	if finished.Verdict != string(pipeline.VerdictFailure) {
		t.Fatalf("finished verdict = %q", finished.Verdict)
	}
}

func TestRunContinuesPastStartFailure(t *testing.T) {
	skipIfWindows(t)

	runner := testRunner()
	runner.Stdout = io.Discard
	spec := &config.PipelineSpec{Stages: [][]string{
		{"/nonexistent/flume-test-program"},
		{"cat"},
	}}
	rec := newEventRecorder()

	report, err := runner.Run(context.Background(), "broken", spec, rec.ch)
	evts := rec.stop()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Verdict(); got != pipeline.VerdictFailure {
		t.Fatalf("verdict = %s, want %s", got, pipeline.VerdictFailure)
	}

	failed := findEvent(t, evts, EventTypeFailed, 0)
	if failed.Reason != ReasonStartFailure || failed.ExitCode != 127 {
		t.Fatalf("failed event = %+v", failed)
	}
	exited := findEvent(t, evts, EventTypeExited, 1)
	if exited.ExitCode != 0 {
		t.Fatalf("cat should see EOF and exit cleanly, got %+v", exited)
	}
}

func TestRunCapturesStderr(t *testing.T) {
	skipIfWindows(t)

	runner := testRunner()
	runner.Stdout = io.Discard
	runner.CaptureStderr = true
	spec := &config.PipelineSpec{Stages: [][]string{{"sh", "-c", "echo oops >&2"}}}
	rec := newEventRecorder()

	report, err := runner.Run(context.Background(), "noisy", spec, rec.ch)
	evts := rec.stop()
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Verdict(); got != pipeline.VerdictSuccess {
		t.Fatalf("verdict = %s, want %s", got, pipeline.VerdictSuccess)
	}

	log := findEvent(t, evts, EventTypeLog, 0)
	if log.Message != "oops" || log.Source != LogSourceStderr || log.Level != "warn" {
		t.Fatalf("log event = %+v", log)
	}
	if log.Pipeline != "noisy" || log.RunID != "run-test" {
		t.Fatalf("log event metadata = %+v", log)
	}
}

func TestRunAppliesPipelineEnv(t *testing.T) {
	skipIfWindows(t)

	var out bytes.Buffer
	runner := testRunner()
	runner.Stdout = &out
	spec := &config.PipelineSpec{
		Stages: [][]string{{"sh", "-c", `printf %s "$FLUME_TEST_GREETING"`}},
		Env:    map[string]string{"FLUME_TEST_GREETING": "hi"},
	}

	report, err := runner.Run(context.Background(), "env", spec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Verdict(); got != pipeline.VerdictSuccess {
		t.Fatalf("verdict = %s", got)
	}
	if got := out.String(); got != "hi" {
		t.Fatalf("stdout = %q, want %q", got, "hi")
	}
}

func TestRunFeedsStdin(t *testing.T) {
	skipIfWindows(t)

	var out bytes.Buffer
	runner := testRunner()
	runner.Stdin = strings.NewReader("alpha\nbeta\n")
	runner.Stdout = &out
	spec := &config.PipelineSpec{Run: "cat | wc -l"}

	report, err := runner.Run(context.Background(), "count", spec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := report.Verdict(); got != pipeline.VerdictSuccess {
		t.Fatalf("verdict = %s", got)
	}
	if got := strings.TrimSpace(out.String()); got != "2" {
		t.Fatalf("line count = %q, want 2", got)
	}
}

func TestRunNilSpec(t *testing.T) {
	runner := testRunner()
	if _, err := runner.Run(context.Background(), "x", nil, nil); err == nil {
		t.Fatal("expected error for nil spec")
	}
}

func TestRunCanceledContextAborts(t *testing.T) {
	skipIfWindows(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	runner := testRunner()
	runner.Stdout = io.Discard
	spec := &config.PipelineSpec{Run: "echo hi | cat"}
	rec := newEventRecorder()

	report, err := runner.Run(ctx, "canceled", spec, rec.ch)
	evts := rec.stop()
	if err == nil {
		t.Fatal("expected error from canceled context")
	}
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if report != nil {
		t.Fatalf("report = %+v, want nil", report)
	}

	errEvt := findEvent(t, evts, EventTypeError, -1)
	if errEvt.Reason != ReasonAborted {
		t.Fatalf("error event = %+v", errEvt)
	}
}

func TestRunWritesJournal(t *testing.T) {
	skipIfWindows(t)

	var journalBuf bytes.Buffer
	runner := testRunner()
	runner.Stdout = io.Discard
	runner.Journal = NewJournal(&journalBuf)
	spec := &config.PipelineSpec{Run: "echo hi | cat"}

	report, err := runner.Run(context.Background(), "journaled", spec, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	line := strings.TrimSpace(journalBuf.String())
	if line == "" {
		t.Fatal("journal is empty")
	}
	if strings.Count(line, "\n") != 0 {
		t.Fatalf("expected a single journal line, got %q", journalBuf.String())
	}
	for _, want := range []string{`"pipeline":"journaled"`, `"verdict":"success"`, report.RunID} {
		if !strings.Contains(line, want) {
			t.Fatalf("journal line %q missing %q", line, want)
		}
	}
}

func TestTranslateStageSignaled(t *testing.T) {
	se := pipeline.StageEvent{
		Type: pipeline.StageExited,
		Time: time.Now(),
		Status: pipeline.StageStatus{
			Index:    1,
			Command:  pipeline.NewCommand("sleep", "60"),
			State:    pipeline.StateSignaled,
			Signal:   syscall.SIGKILL,
			ExitCode: 137,
		},
	}
	evt := translateStage("run-1", "pipe", se)
	if evt.Type != EventTypeFailed {
		t.Fatalf("type = %s, want %s", evt.Type, EventTypeFailed)
	}
	if evt.Reason != ReasonFatalSignal {
		t.Fatalf("reason = %q, want %q", evt.Reason, ReasonFatalSignal)
	}
	if evt.Signal != syscall.SIGKILL.String() {
		t.Fatalf("signal = %q, want %q", evt.Signal, syscall.SIGKILL.String())
	}
	if evt.ExitCode != 137 {
		t.Fatalf("exit code = %d, want 137", evt.ExitCode)
	}
}

func TestFailureReason(t *testing.T) {
	cases := []struct {
		name string
		st   pipeline.StageStatus
		want string
	}{
		{"start failed", pipeline.StageStatus{State: pipeline.StateStartFailed}, ReasonStartFailure},
		{"signaled", pipeline.StageStatus{State: pipeline.StateSignaled}, ReasonFatalSignal},
		{"nonzero", pipeline.StageStatus{State: pipeline.StateExited, ExitCode: 2}, ReasonNonZeroExit},
		{"wait error", pipeline.StageStatus{State: pipeline.StateExited, Err: errors.New("copy failed")}, ReasonWaitError},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			if got := failureReason(tc.st); got != tc.want {
				t.Fatalf("failureReason = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestReportVerdictNilSafe(t *testing.T) {
	var report *Report
	if got := report.Verdict(); got != pipeline.VerdictFailure {
		t.Fatalf("nil report verdict = %s, want %s", got, pipeline.VerdictFailure)
	}
	if got := (&Report{}).Verdict(); got != pipeline.VerdictFailure {
		t.Fatalf("empty report verdict = %s, want %s", got, pipeline.VerdictFailure)
	}
}
