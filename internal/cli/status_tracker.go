package cli

import (
	"sort"
	"sync"
	"time"

	"github.com/Paintersrp/flume/internal/cliutil"
	"github.com/Paintersrp/flume/internal/engine"
)

const defaultHistorySize = 10

// StatusTrackerOption configures tracker construction.
type StatusTrackerOption func(*statusTracker)

// WithHistorySize bounds the number of transitions retained per pipeline.
func WithHistorySize(size int) StatusTrackerOption {
	return func(t *statusTracker) {
		if size > 0 {
			t.historySize = size
		}
	}
}

// pipelineState captures run state for a pipeline observed via events.
type pipelineState struct {
	name       string
	runID      string
	firstSeen  time.Time
	lastEvent  time.Time
	state      engine.EventType
	verdict    string
	message    string
	lastReason string
	runs       int

	stages     map[int]*stageState
	stageCount int
	history    []Transition
}

type stageState struct {
	command   string
	state     engine.EventType
	pid       int
	exitCode  int
	signal    string
	message   string
	lastEvent time.Time
}

// statusTracker maintains in-memory status for pipelines based on run events.
type statusTracker struct {
	mu          sync.RWMutex
	pipelines   map[string]*pipelineState
	historySize int
}

func newStatusTracker(opts ...StatusTrackerOption) *statusTracker {
	t := &statusTracker{
		pipelines:   make(map[string]*pipelineState),
		historySize: defaultHistorySize,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Apply updates the tracker based on the supplied event.
func (t *statusTracker) Apply(evt engine.Event) {
	if evt.Pipeline == "" {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	state := t.pipelines[evt.Pipeline]
	if state == nil {
		state = &pipelineState{
			name:      evt.Pipeline,
			firstSeen: evt.Timestamp,
			stages:    make(map[int]*stageState),
		}
		t.pipelines[evt.Pipeline] = state
	}
	if state.firstSeen.IsZero() {
		state.firstSeen = evt.Timestamp
	}
	if evt.Timestamp.After(state.lastEvent) {
		state.lastEvent = evt.Timestamp
	}

	// A starting event opens a fresh run: the previous chain's stage rows
	// no longer describe what is executing.
	if evt.Type == engine.EventTypeStarting && evt.Stage < 0 {
		state.runs++
		state.runID = evt.RunID
		state.verdict = ""
		state.stages = make(map[int]*stageState)
		state.stageCount = 0
	} else if evt.RunID != "" && state.runID == "" {
		state.runID = evt.RunID
	}

	if evt.Type == engine.EventTypeLog {
		return
	}

	message := evt.Message
	if message == "" && evt.Err != nil {
		message = evt.Err.Error()
	}
	message = cliutil.RedactSecrets(message)

	if evt.Stage >= 0 {
		stage := state.stages[evt.Stage]
		if stage == nil {
			stage = &stageState{}
			state.stages[evt.Stage] = stage
		}
		if evt.Command != "" {
			stage.command = evt.Command
		}
		stage.state = evt.Type
		stage.lastEvent = evt.Timestamp
		stage.message = message
		if evt.PID != 0 {
			stage.pid = evt.PID
		}
		if evt.Type == engine.EventTypeExited || evt.Type == engine.EventTypeFailed {
			stage.exitCode = evt.ExitCode
			stage.signal = evt.Signal
		}
		if evt.Stage+1 > state.stageCount {
			state.stageCount = evt.Stage + 1
		}
	} else {
		state.state = evt.Type
		state.message = message
		if evt.Verdict != "" {
			state.verdict = evt.Verdict
		}
	}
	state.lastReason = evt.Reason

	state.history = append(state.history, Transition{
		Timestamp: evt.Timestamp,
		Type:      evt.Type,
		Stage:     evt.Stage,
		Reason:    evt.Reason,
		Message:   message,
	})
	if len(state.history) > t.historySize {
		trim := len(state.history) - t.historySize
		state.history = append([]Transition(nil), state.history[trim:]...)
	}
}

// PipelineStatus captures a snapshot of one pipeline's state for presentation.
type PipelineStatus struct {
	Name       string
	RunID      string
	FirstSeen  time.Time
	LastEvent  time.Time
	State      engine.EventType
	Verdict    string
	Message    string
	LastReason string
	Runs       int
	Stages     []StageStatus
}

// StageStatus is the latest observed state of one stage within a run.
type StageStatus struct {
	Index     int
	Command   string
	State     engine.EventType
	PID       int
	ExitCode  int
	Signal    string
	Message   string
	LastEvent time.Time
}

// Transition records one lifecycle change retained in a pipeline's history.
type Transition struct {
	Timestamp time.Time
	Type      engine.EventType
	Stage     int
	Reason    string
	Message   string
}

// Snapshot returns copies of the tracked state keyed by pipeline name.
func (t *statusTracker) Snapshot() map[string]PipelineStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	snapshot := make(map[string]PipelineStatus, len(t.pipelines))
	for name, state := range t.pipelines {
		snapshot[name] = t.exportLocked(state)
	}
	return snapshot
}

// Status returns one pipeline's snapshot, reporting whether it is tracked.
func (t *statusTracker) Status(name string) (PipelineStatus, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.pipelines[name]
	if !ok {
		return PipelineStatus{}, false
	}
	return t.exportLocked(state), true
}

func (t *statusTracker) exportLocked(state *pipelineState) PipelineStatus {
	status := PipelineStatus{
		Name:       state.name,
		RunID:      state.runID,
		FirstSeen:  state.firstSeen,
		LastEvent:  state.lastEvent,
		State:      state.state,
		Verdict:    state.verdict,
		Message:    state.message,
		LastReason: state.lastReason,
		Runs:       state.runs,
	}
	for i := 0; i < state.stageCount; i++ {
		stage := state.stages[i]
		if stage == nil {
			status.Stages = append(status.Stages, StageStatus{Index: i})
			continue
		}
		status.Stages = append(status.Stages, StageStatus{
			Index:     i,
			Command:   stage.command,
			State:     stage.state,
			PID:       stage.pid,
			ExitCode:  stage.exitCode,
			Signal:    stage.signal,
			Message:   stage.message,
			LastEvent: stage.lastEvent,
		})
	}
	return status
}

// History returns up to limit of the most recent transitions for the named
// pipeline, oldest first.
func (t *statusTracker) History(name string, limit int) []Transition {
	t.mu.RLock()
	defer t.mu.RUnlock()

	state, ok := t.pipelines[name]
	if !ok || len(state.history) == 0 {
		return nil
	}
	history := state.history
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return append([]Transition(nil), history...)
}

// Names returns the list of known pipelines sorted alphabetically. Useful for tests.
func (t *statusTracker) Names() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	names := make([]string, 0, len(t.pipelines))
	for name := range t.pipelines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
