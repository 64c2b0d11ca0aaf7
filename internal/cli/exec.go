package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/flume/internal/pipeline"
	"github.com/Paintersrp/flume/internal/sandbox"
)

func newExecCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "exec [flags] -- command [args...]",
		Short: "Run one command under a deadline and report accept or reject",
		Long: `Exec launches a single command in its own process group, enforces an
optional wall-clock deadline, and reports whether the command was accepted
(exited zero in time) or rejected. Rejections exit non-zero and name the
cause: a non-zero exit, a fatal signal, the deadline, or a launch failure.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			command := pipeline.NewCommand(args...)
			report, err := sandbox.Run(cmd.Context(), command, sandbox.Options{
				Timeout: timeout,
				Stdin:   cmd.InOrStdin(),
				Stdout:  cmd.OutOrStdout(),
				Stderr:  cmd.ErrOrStderr(),
			})
			if err != nil {
				return fmt.Errorf("exec %s: %w", command.Program(), err)
			}
			if report.Outcome == sandbox.OutcomeAccepted {
				fmt.Fprintf(cmd.ErrOrStderr(), "accepted: %s (%s)\n",
					command, report.Duration.Round(time.Millisecond))
				return nil
			}
			return fmt.Errorf("rejected: %s (%s)", command, describeRejection(report))
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 0, "Kill the command if it runs longer than this (0 means no deadline)")
	return cmd
}

func describeRejection(report sandbox.Report) string {
	switch report.Cause {
	case sandbox.CauseTimeout:
		return fmt.Sprintf("deadline exceeded after %s", report.Duration.Round(time.Millisecond))
	case sandbox.CauseSignal:
		return fmt.Sprintf("killed by signal %v", report.Signal)
	case sandbox.CauseStart:
		return "could not be launched"
	default:
		return fmt.Sprintf("exit code %d", report.ExitCode)
	}
}
