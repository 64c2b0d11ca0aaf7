//go:build !windows

package sandbox

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/Paintersrp/flume/internal/pipeline"
)

func TestDeadlineKillReachesWholeGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "grandchild.pid")
	command := pipeline.Command{"sh", "-c", "sleep 30 & echo $! > " + pidFile + "; wait"}

	report, err := Run(context.Background(), command, Options{Timeout: 300 * time.Millisecond})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Outcome != OutcomeRejected || !report.TimedOut() {
		t.Fatalf("report = %+v, want rejected/timeout", report)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read grandchild pid: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		t.Fatalf("parse grandchild pid %q: %v", data, err)
	}

	// The kill goes to the whole group, so the background sleep must be
	// gone too.
	deadline := time.Now().Add(2 * time.Second)
	for {
		err := syscall.Kill(pid, 0)
		if errors.Is(err, syscall.ESRCH) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("grandchild %d still running (kill 0 err=%v)", pid, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
