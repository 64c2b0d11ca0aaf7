package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"time"

	"github.com/Paintersrp/flume/internal/api"
)

// ControlAPI exposes tracked run state to the HTTP status server.
type ControlAPI struct {
	ctx *context
}

// NewControlAPI constructs a ControlAPI wrapper around the shared CLI context.
func NewControlAPI(ctx *context) *ControlAPI {
	if ctx == nil {
		return nil
	}
	return &ControlAPI{ctx: ctx}
}

// Status reports every manifest pipeline merged with whatever run state the
// tracker has observed. Manifest pipelines that never ran appear with empty
// run state; ad-hoc pipelines appear even though the manifest does not list
// them.
func (apiCtrl *ControlAPI) Status(ctx stdcontext.Context) (*api.StatusReport, error) {
	if apiCtrl == nil || apiCtrl.ctx == nil {
		return nil, errors.New("status controller not initialised")
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	report := &api.StatusReport{
		GeneratedAt: time.Now(),
		Pipelines:   make(map[string]api.PipelineReport),
	}

	summaries := make(map[string]string)
	if doc, err := apiCtrl.ctx.loadManifest(); err == nil && doc.Manifest != nil {
		report.Manifest = doc.Manifest.Flume.Name
		report.Version = doc.Manifest.Version
		for _, name := range doc.Manifest.PipelinesSorted() {
			summary := doc.Manifest.Pipelines[name].Summary()
			summaries[name] = summary
			report.Pipelines[name] = api.PipelineReport{Name: name, Summary: summary}
		}
	}

	tracker := apiCtrl.ctx.statusTracker()
	for name, status := range tracker.Snapshot() {
		report.Pipelines[name] = buildPipelineReport(status, tracker.History(name, 0), summaries[name])
	}
	return report, nil
}

// Pipeline reports a single pipeline, preferring tracked run state and
// falling back to the manifest definition for pipelines that never ran.
func (apiCtrl *ControlAPI) Pipeline(ctx stdcontext.Context, name string) (*api.PipelineReport, error) {
	if apiCtrl == nil || apiCtrl.ctx == nil {
		return nil, errors.New("status controller not initialised")
	}
	if err := ctxErr(ctx); err != nil {
		return nil, err
	}

	summary := ""
	known := false
	if doc, err := apiCtrl.ctx.loadManifest(); err == nil && doc.Manifest != nil {
		if spec, ok := doc.Manifest.Pipelines[name]; ok {
			summary = spec.Summary()
			known = true
		}
	}

	tracker := apiCtrl.ctx.statusTracker()
	if status, ok := tracker.Status(name); ok {
		report := buildPipelineReport(status, tracker.History(name, 0), summary)
		return &report, nil
	}
	if known {
		return &api.PipelineReport{Name: name, Summary: summary}, nil
	}
	return nil, fmt.Errorf("%w: %s", api.ErrUnknownPipeline, name)
}

func ctxErr(ctx stdcontext.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func buildPipelineReport(status PipelineStatus, history []Transition, summary string) api.PipelineReport {
	report := api.PipelineReport{
		Name:       status.Name,
		RunID:      status.RunID,
		State:      status.State,
		Verdict:    status.Verdict,
		Summary:    summary,
		Runs:       status.Runs,
		FirstSeen:  status.FirstSeen,
		LastEvent:  status.LastEvent,
		LastReason: status.LastReason,
	}
	for _, stage := range status.Stages {
		report.Stages = append(report.Stages, api.StageReport{
			Index:     stage.Index,
			Command:   stage.Command,
			State:     stage.State,
			PID:       stage.PID,
			ExitCode:  stage.ExitCode,
			Signal:    stage.Signal,
			Message:   stage.Message,
			LastEvent: stage.LastEvent,
		})
	}
	for _, entry := range history {
		report.History = append(report.History, api.Transition{
			Timestamp: entry.Timestamp,
			Type:      entry.Type,
			Stage:     entry.Stage,
			Reason:    entry.Reason,
			Message:   entry.Message,
		})
	}
	return report
}

// Ensure interface compliance at compile time.
var _ api.Controller = (*ControlAPI)(nil)
