package cli

import (
	"fmt"
	"text/tabwriter"
	"time"

	units "github.com/docker/go-units"
	"github.com/spf13/cobra"

	"github.com/Paintersrp/flume/internal/engine"
)

func newListCmd(ctx *context) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the pipelines defined in the manifest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := ctx.loadManifest()
			if err != nil {
				return err
			}

			lastRuns, err := lastJournalRuns()
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}

			out := cmd.OutOrStdout()
			w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tSTAGES\tCOMMAND\tLAST RUN\tVERDICT")
			for _, name := range doc.Manifest.PipelinesSorted() {
				spec := doc.Manifest.Pipelines[name]
				cmds, err := spec.Commands()
				stages := "-"
				if err == nil {
					stages = fmt.Sprintf("%d", len(cmds))
				}
				lastRun := "-"
				verdict := "-"
				if entry, ok := lastRuns[name]; ok {
					lastRun = formatLastRun(entry.Timestamp)
					if entry.Verdict != "" {
						verdict = entry.Verdict
					}
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", name, stages, spec.Summary(), lastRun, verdict)
			}
			w.Flush()

			if doc.Manifest.Flume.Name != "" {
				fmt.Fprintf(out, "\nManifest: %s (version %s)\n", doc.Manifest.Flume.Name, doc.Manifest.Version)
			}
			return nil
		},
	}
	return cmd
}

// lastJournalRuns indexes the newest journal entry per pipeline. An absent
// or disabled journal yields an empty index.
func lastJournalRuns() (map[string]engine.JournalEntry, error) {
	path := engine.JournalPath()
	if path == "" {
		return nil, nil
	}
	entries, err := engine.ReadJournal(path)
	if err != nil {
		return nil, err
	}
	index := make(map[string]engine.JournalEntry, len(entries))
	for _, entry := range entries {
		if entry.Pipeline == "" {
			continue
		}
		index[entry.Pipeline] = entry
	}
	return index, nil
}

func formatLastRun(ts time.Time) string {
	if ts.IsZero() {
		return "-"
	}
	since := time.Since(ts)
	if since < 0 {
		since = 0
	}
	return units.HumanDuration(since) + " ago"
}
