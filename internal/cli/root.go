package cli

import (
	stdcontext "context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Paintersrp/flume/internal/cliutil"
)

func NewRootCmd() *cobra.Command {
	root, _ := newRootCommand()
	return root
}

func newRootCommand() (*cobra.Command, *context) {
	var manifestFile string

	root := &cobra.Command{
		Use:   "flume",
		Short: "Run command pipelines as real process chains",
	}

	root.PersistentFlags().
		StringVarP(&manifestFile, "file", "f", "pipelines.yaml", "Path to pipeline manifest")

	ctx := &context{manifestFile: &manifestFile, historySize: historySizeFromEnv()}
	root.AddCommand(newRunCmd(ctx))
	root.AddCommand(newListCmd(ctx))
	root.AddCommand(newExecCmd())
	root.AddCommand(newTuiCmd(ctx))
	root.AddCommand(newConfigCmd())

	root.SilenceUsage = true
	root.SilenceErrors = true

	return root, ctx
}

// Execute runs the CLI entrypoint.
func Execute() {
	ctx, stop := signal.NotifyContext(stdcontext.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := NewRootCmd()
	root.SetContext(ctx)

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type context struct {
	manifestFile *string
	historySize  int

	mu      sync.Mutex
	tracker *statusTracker
}

func (c *context) loadManifest() (*cliutil.ManifestDocument, error) {
	return cliutil.LoadManifestFromFile(*c.manifestFile)
}

func (c *context) statusTracker() *statusTracker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tracker == nil {
		var opts []StatusTrackerOption
		if c.historySize > 0 {
			opts = append(opts, WithHistorySize(c.historySize))
		}
		c.tracker = newStatusTracker(opts...)
	}
	return c.tracker
}

func historySizeFromEnv() int {
	value := os.Getenv("FLUME_HISTORY")
	if value == "" {
		return 0
	}
	size, err := strconv.Atoi(value)
	if err != nil || size <= 0 {
		return 0
	}
	return size
}
