package cli

import (
	"testing"

	"github.com/Paintersrp/flume/internal/engine"
)

func TestHistorySizeFromEnv(t *testing.T) {
	cases := []struct {
		value string
		want  int
	}{
		{"", 0},
		{"3", 3},
		{"0", 0},
		{"-2", 0},
		{"nope", 0},
	}
	for _, tc := range cases {
		t.Setenv("FLUME_HISTORY", tc.value)
		if got := historySizeFromEnv(); got != tc.want {
			t.Fatalf("historySizeFromEnv(%q) = %d, want %d", tc.value, got, tc.want)
		}
	}
}

func TestRootCommandWiresHistoryLimit(t *testing.T) {
	t.Setenv("FLUME_HISTORY", "2")
	_, cliCtx := newRootCommand()

	tracker := cliCtx.statusTracker()
	for i := 0; i < 5; i++ {
		tracker.Apply(engine.Event{Pipeline: "demo", Stage: -1, Type: engine.EventTypeStarting})
	}
	if got := len(tracker.History("demo", 0)); got != 2 {
		t.Fatalf("history length = %d, want 2", got)
	}
}

func TestRootCommandManifestFlag(t *testing.T) {
	root, cliCtx := newRootCommand()
	if got := *cliCtx.manifestFile; got != "pipelines.yaml" {
		t.Fatalf("default manifest = %q, want pipelines.yaml", got)
	}
	if err := root.PersistentFlags().Set("file", "other.yaml"); err != nil {
		t.Fatalf("set file flag: %v", err)
	}
	if got := *cliCtx.manifestFile; got != "other.yaml" {
		t.Fatalf("manifest after set = %q, want other.yaml", got)
	}
}

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root, _ := newRootCommand()
	want := map[string]bool{"run": false, "list": false, "exec": false, "tui": false, "config": false}
	for _, cmd := range root.Commands() {
		if _, ok := want[cmd.Name()]; ok {
			want[cmd.Name()] = true
		}
	}
	for name, seen := range want {
		if !seen {
			t.Fatalf("subcommand %s not registered", name)
		}
	}
}
