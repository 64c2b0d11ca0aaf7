package cli

import (
	stdcontext "context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apihttp "github.com/Paintersrp/flume/internal/api/http"
	"github.com/Paintersrp/flume/internal/cliutil"
	"github.com/Paintersrp/flume/internal/config"
	"github.com/Paintersrp/flume/internal/engine"
	"github.com/Paintersrp/flume/internal/logmux"
	"github.com/Paintersrp/flume/internal/pipeline"
)

// eventBuffer bounds the in-flight event channels between the runner, the
// mux, and the printer goroutine.
const eventBuffer = 256

var newAPIServer = apihttp.NewServer

func newRunCmd(ctx *context) *cobra.Command {
	var (
		capture    bool
		logJSON    bool
		listenAddr string
	)

	cmd := &cobra.Command{
		Use:   "run [pipeline | tokens...]",
		Short: "Run a pipeline and report its verdict",
		Long: `Run executes a command pipeline as real OS processes chained through
kernel pipes and reports a single aggregate verdict.

A single argument names a pipeline from the manifest. Several arguments are
treated as an ad-hoc pipeline, split into stages on the "|" token:

  flume run nightly
  flume run echo hello '|' tr a-z A-Z

The final stage's output stays bound to flume's stdout; run events go to
stderr, as JSON records when stderr is not a terminal.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			name, spec, doc, err := resolveTarget(ctx, args)
			if err != nil {
				return err
			}

			journal, err := engine.OpenJournal()
			if err != nil {
				return err
			}
			defer journal.Close()

			runner := engine.NewRunner()
			runner.Stdin = cmd.InOrStdin()
			runner.Stdout = cmd.OutOrStdout()
			runner.Stderr = cmd.ErrOrStderr()
			runner.CaptureStderr = capture
			runner.Journal = journal

			printer := newEventPrinter(cmd.ErrOrStderr(), logJSON)
			tracker := ctx.statusTracker()

			events := make(chan engine.Event, eventBuffer)
			mux := logmux.New(eventBuffer)
			mux.Add(events)

			drained := make(chan struct{})
			go func() {
				defer close(drained)
				for evt := range mux.Output() {
					tracker.Apply(evt)
					printer.Print(evt)
				}
			}()
			finish := func() {
				close(events)
				mux.Close()
				<-drained
			}

			var stopAPI func() error
			if listenRequested(cmd) {
				stopAPI, err = startStatusAPI(cmd, ctx, doc, listenAddr, printer)
				if err != nil {
					finish()
					return err
				}
			}

			report, runErr := runner.Run(cmd.Context(), name, spec, events)
			finish()

			if stopAPI != nil {
				if err := stopAPI(); err != nil && runErr == nil {
					runErr = fmt.Errorf("status API: %w", err)
				}
			}
			if runErr != nil {
				return runErr
			}

			printer.Summary(report)
			if report.Verdict() != pipeline.VerdictSuccess {
				if failure := report.Result.FirstFailure(); failure != nil {
					return fmt.Errorf("pipeline %s: stage %d (%s) %s", name, failure.Index, failure.Command.Program(), failure)
				}
				return fmt.Errorf("pipeline %s failed", name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&capture, "capture", false, "Capture per-stage stderr as log events instead of sharing the terminal")
	cmd.Flags().BoolVar(&logJSON, "log-json", false, "Force JSON event records even on a terminal")
	cmd.Flags().StringVar(&listenAddr, "listen", "", "Serve the status API on this address while the run is in flight")
	return cmd
}

// resolveTarget maps command arguments onto a named pipeline spec. A single
// argument names a manifest pipeline; several arguments (or any "|" token)
// form an ad-hoc pipeline; no arguments picks the manifest's only pipeline.
// The manifest document is nil for ad-hoc targets.
func resolveTarget(ctx *context, args []string) (string, *config.PipelineSpec, *cliutil.ManifestDocument, error) {
	adhoc := len(args) > 1
	for _, arg := range args {
		if arg == pipeline.Separator {
			adhoc = true
		}
	}
	if adhoc {
		cmds, err := pipeline.Split(args)
		if err != nil {
			return "", nil, nil, err
		}
		spec := &config.PipelineSpec{}
		for _, command := range cmds {
			spec.Stages = append(spec.Stages, []string(command))
		}
		return cmds[0].Program(), spec, nil, nil
	}

	doc, err := ctx.loadManifest()
	if err != nil {
		return "", nil, nil, err
	}
	names := doc.Manifest.PipelinesSorted()
	if len(args) == 0 {
		if len(names) != 1 {
			return "", nil, nil, fmt.Errorf("%s defines %d pipelines; name one of: %s",
				doc.Source, len(names), strings.Join(names, ", "))
		}
		return names[0], doc.Manifest.Pipelines[names[0]], doc, nil
	}
	name := args[0]
	spec, ok := doc.Manifest.Pipelines[name]
	if !ok {
		return "", nil, nil, fmt.Errorf("unknown pipeline %q in %s (have: %s)",
			name, doc.Source, strings.Join(names, ", "))
	}
	return name, spec, doc, nil
}

// listenRequested reports whether the run should serve the status API: the
// --listen flag was given, or FLUME_LISTEN is truthy.
func listenRequested(cmd *cobra.Command) bool {
	if cmd.Flags().Changed("listen") {
		return true
	}
	value := strings.TrimSpace(os.Getenv("FLUME_LISTEN"))
	if value == "" {
		return false
	}
	enabled, err := strconv.ParseBool(value)
	return err == nil && enabled
}

// startStatusAPI brings up the status server and returns its shutdown
// function. The address comes from the flag, then the manifest's api
// section, then the server default.
func startStatusAPI(cmd *cobra.Command, ctx *context, doc *cliutil.ManifestDocument, flagAddr string, printer *eventPrinter) (func() error, error) {
	addr := strings.TrimSpace(flagAddr)
	var shutdownTimeout time.Duration
	if doc != nil && doc.Manifest != nil && doc.Manifest.API != nil {
		if addr == "" {
			addr = doc.Manifest.API.Addr
		}
		shutdownTimeout = doc.Manifest.API.ShutdownTimeout.Duration
	}

	control := NewControlAPI(ctx)
	if control == nil {
		return nil, errors.New("status controller unavailable")
	}
	server, err := newAPIServer(apihttp.Config{
		Addr:            addr,
		Controller:      control,
		ShutdownTimeout: shutdownTimeout,
	})
	if err != nil {
		return nil, err
	}

	serverCtx, cancel := stdcontext.WithCancel(cmd.Context())
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Run(serverCtx)
	}()

	// Give the listener a beat to fail fast on a bad address before the
	// pipeline starts.
	readyTimer := time.NewTimer(200 * time.Millisecond)
	defer readyTimer.Stop()
	select {
	case err := <-errCh:
		cancel()
		if err == nil {
			if ctxErr := serverCtx.Err(); ctxErr != nil {
				err = ctxErr
			} else {
				err = errors.New("status API exited before the run started")
			}
		}
		return nil, err
	case <-readyTimer.C:
	}
	printer.Info(fmt.Sprintf("status API listening on %s", server.Addr()))

	return func() error {
		cancel()
		return <-errCh
	}, nil
}
