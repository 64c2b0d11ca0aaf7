package cli

import (
	stdcontext "context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/flume/internal/config"
	"github.com/Paintersrp/flume/internal/engine"
	"github.com/Paintersrp/flume/internal/logmux"
	"github.com/Paintersrp/flume/internal/pipeline"
	"github.com/Paintersrp/flume/internal/tui"
)

// runUI is the lifecycle surface the tui command drives, split out so tests
// can substitute a stub for the real terminal application.
type runUI interface {
	Run(ctx stdcontext.Context) error
	EventSink() chan<- engine.Event
	CloseEvents()
	Stop()
	Done() <-chan struct{}
}

var newUI = func() runUI {
	return tui.New()
}

func newTuiCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tui [pipeline | tokens...]",
		Short: "Run a pipeline inside the interactive stage view",
		Long: `Tui runs a pipeline with a live stage table and per-stage log pane.
Stage output is captured into the view instead of the terminal.

Keys: Enter switches focus between table and logs, j toggles JSON log
rendering, q leaves the view. Running stages are never signalled; leaving
the view early waits for the chain to finish on its own.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !supportsInteractiveOutput(cmd) {
				return fmt.Errorf("tui requires an interactive terminal")
			}

			name, spec, _, err := resolveTarget(ctx, args)
			if err != nil {
				return err
			}

			return runPipelineTUI(cmd, ctx, name, spec)
		},
	}

	return cmd
}

func supportsInteractiveOutput(cmd *cobra.Command) bool {
	return isTerminal(cmd.OutOrStdout())
}

type runOutcome struct {
	report *engine.Report
	err    error
}

// runPipelineTUI executes the pipeline with both stdio streams captured into
// the interactive view. The run and the view wind down together: the view
// drains events until the last stage is reaped, and the run's verdict
// becomes the command's exit status.
func runPipelineTUI(cmd *cobra.Command, ctx *context, name string, spec *config.PipelineSpec) error {
	journal, err := engine.OpenJournal()
	if err != nil {
		return err
	}
	defer journal.Close()

	ui := newUI()

	runner := engine.NewRunner()
	runner.Stdin = cmd.InOrStdin()
	runner.CaptureStdout = true
	runner.CaptureStderr = true
	runner.Journal = journal

	tracker := ctx.statusTracker()

	events := make(chan engine.Event, eventBuffer)
	mux := logmux.New(eventBuffer)
	mux.Add(events)

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		defer ui.CloseEvents()
		sink := ui.EventSink()
		for evt := range mux.Output() {
			tracker.Apply(evt)
			sink <- evt
		}
	}()

	runCtx, cancelRun := stdcontext.WithCancel(cmd.Context())
	defer cancelRun()

	outcome := make(chan runOutcome, 1)
	go func() {
		report, err := runner.Run(runCtx, name, spec, events)
		close(events)
		mux.Close()
		outcome <- runOutcome{report: report, err: err}
		if err != nil {
			ui.Stop()
		}
	}()

	// Leaving the view stops further launches; stages already running are
	// left to finish and be reaped.
	go func() {
		select {
		case <-ui.Done():
			cancelRun()
		case <-runCtx.Done():
		}
	}()

	uiErr := ui.Run(cmd.Context())

	result := <-outcome
	<-forwardDone

	if uiErr != nil {
		return uiErr
	}
	if result.err != nil {
		if errors.Is(result.err, stdcontext.Canceled) {
			return nil
		}
		return result.err
	}
	if result.report.Verdict() != pipeline.VerdictSuccess {
		if failure := result.report.Result.FirstFailure(); failure != nil {
			return fmt.Errorf("pipeline %s: stage %d (%s) %s", name, failure.Index, failure.Command.Program(), failure)
		}
		return fmt.Errorf("pipeline %s failed", name)
	}
	return nil
}
