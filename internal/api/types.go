package api

import (
	stdcontext "context"
	"errors"
	"time"

	"github.com/Paintersrp/flume/internal/engine"
)

// ErrUnknownPipeline reports a query for a pipeline the manifest does not
// define and no run has touched.
var ErrUnknownPipeline = errors.New("unknown pipeline")

// Transition records one lifecycle change in a pipeline's recent history.
type Transition struct {
	Timestamp time.Time        `json:"timestamp"`
	Type      engine.EventType `json:"type"`
	Stage     int              `json:"stage"`
	Reason    string           `json:"reason"`
	Message   string           `json:"message"`
}

// StageReport describes the latest observed state of one stage.
type StageReport struct {
	Index     int              `json:"index"`
	Command   string           `json:"command"`
	State     engine.EventType `json:"state"`
	PID       int              `json:"pid,omitempty"`
	ExitCode  int              `json:"exit_code"`
	Signal    string           `json:"signal,omitempty"`
	Message   string           `json:"message,omitempty"`
	LastEvent time.Time        `json:"last_event"`
}

// PipelineReport aggregates one pipeline's observed run state.
type PipelineReport struct {
	Name       string           `json:"name"`
	RunID      string           `json:"run_id,omitempty"`
	State      engine.EventType `json:"state"`
	Verdict    string           `json:"verdict,omitempty"`
	Summary    string           `json:"summary,omitempty"`
	Runs       int              `json:"runs"`
	FirstSeen  time.Time        `json:"first_seen"`
	LastEvent  time.Time        `json:"last_event"`
	LastReason string           `json:"last_reason,omitempty"`
	Stages     []StageReport    `json:"stages"`
	History    []Transition     `json:"history,omitempty"`
}

// StatusReport aggregates manifest-wide run state.
type StatusReport struct {
	Manifest    string                    `json:"manifest"`
	Version     string                    `json:"version"`
	GeneratedAt time.Time                 `json:"generated_at"`
	Pipelines   map[string]PipelineReport `json:"pipelines"`
}

// Controller exposes the run-state queries control servers need.
type Controller interface {
	Status(stdcontext.Context) (*StatusReport, error)
	Pipeline(stdcontext.Context, string) (*PipelineReport, error)
}
