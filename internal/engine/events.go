package engine

import "time"

// Log sources attached to events. Stage output is tagged with the stream it
// arrived on; events synthesized by flume itself carry LogSourceSystem.
const (
	LogSourceStdout = "stdout"
	LogSourceStderr = "stderr"
	LogSourceSystem = "flume"
)

// EventType captures high level notifications emitted while a pipeline run
// progresses.
type EventType string

const (
	EventTypeStarting EventType = "starting"
	EventTypeRunning  EventType = "running"
	EventTypeExited   EventType = "exited"
	EventTypeFailed   EventType = "failed"
	EventTypeFinished EventType = "finished"
	EventTypeLog      EventType = "log"
	EventTypeError    EventType = "error"
)

// Event represents a single lifecycle or log notification. Stage is the
// zero-based position within the chain; run-level events carry -1.
type Event struct {
	Timestamp time.Time
	RunID     string
	Pipeline  string
	Stage     int
	Command   string
	Type      EventType
	Message   string
	Level     string
	Source    string
	Err       error
	PID       int
	ExitCode  int
	Signal    string
	Verdict   string
	Reason    string
}

const (
	ReasonLaunch       = "launch"
	ReasonStartFailure = "start_failure"
	ReasonCleanExit    = "clean_exit"
	ReasonNonZeroExit  = "nonzero_exit"
	ReasonFatalSignal  = "fatal_signal"
	ReasonWaitError    = "wait_error"
	ReasonAborted      = "aborted"
	ReasonRunComplete  = "run_complete"
	ReasonJournalError = "journal_error"
)

// sendEvent stamps defaults on evt and delivers it. A nil channel discards
// the event.
func sendEvent(events chan<- Event, evt Event) {
	if events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Level == "" {
		evt.Level = "info"
	}
	if evt.Source == "" {
		evt.Source = LogSourceSystem
	}
	events <- evt
}
