package pipeline

import (
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOpenReadStreamsChildOutput(t *testing.T) {
	skipIfWindows(t)

	s, err := Open(Command{"echo", "over the pipe"}, ModeRead)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	data, err := io.ReadAll(s)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if got := string(data); got != "over the pipe\n" {
		t.Fatalf("output = %q", got)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	st := s.Status()
	if st.State != StateExited || st.ExitCode != 0 {
		t.Fatalf("status = %+v, want clean exit", st)
	}
}

func TestOpenWriteDeliversEOFOnClose(t *testing.T) {
	skipIfWindows(t)

	outFile := filepath.Join(t.TempDir(), "count")
	s, err := Open(Command{"sh", "-c", "wc -l > " + outFile}, ModeWrite)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := io.WriteString(s, "a\nb\nc\n"); err != nil {
		t.Fatalf("write: %v", err)
	}
	// Close delivers EOF and blocks until the child has consumed
	// everything and exited.
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(outFile)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if got := strings.TrimSpace(string(data)); got != "3" {
		t.Fatalf("line count = %q, want 3", got)
	}
}

func TestCloseReportsChildFailure(t *testing.T) {
	skipIfWindows(t)

	s, err := Open(Command{"sh", "-c", "exit 7"}, ModeRead)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, err := io.ReadAll(s); err != nil {
		t.Fatalf("read: %v", err)
	}
	closeErr := s.Close()
	var exitErr *ExitError
	if !errors.As(closeErr, &exitErr) {
		t.Fatalf("close err = %v, want ExitError", closeErr)
	}
	if exitErr.Status.ExitCode != 7 {
		t.Fatalf("exit code = %d, want 7", exitErr.Status.ExitCode)
	}

	// Repeated closes report the same outcome.
	if again := s.Close(); !errors.Is(again, closeErr) {
		t.Fatalf("second close = %v, want %v", again, closeErr)
	}
}

func TestOpenMissingProgram(t *testing.T) {
	s, err := Open(Command{"flume-test-no-such-binary"}, ModeRead)
	if err == nil {
		s.Close()
		t.Fatalf("open succeeded for missing program")
	}
	if !IsLaunchFailure(err) {
		t.Fatalf("err = %v, want launch failure", err)
	}
}

func TestOpenRejectsBadArguments(t *testing.T) {
	if _, err := Open(nil, ModeRead); !errors.Is(err, ErrEmptyStage) {
		t.Fatalf("empty command err = %v, want ErrEmptyStage", err)
	}
	if _, err := Open(Command{"cat"}, Mode("x")); err == nil {
		t.Fatalf("unknown mode accepted")
	}
}

func TestStreamModeGuards(t *testing.T) {
	skipIfWindows(t)

	r, err := Open(Command{"echo", "hi"}, ModeRead)
	if err != nil {
		t.Fatalf("open read: %v", err)
	}
	defer r.Close()
	if _, err := r.Write([]byte("x")); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("write on read stream err = %v, want ErrWrongMode", err)
	}

	w, err := Open(Command{"sh", "-c", "cat >/dev/null"}, ModeWrite)
	if err != nil {
		t.Fatalf("open write: %v", err)
	}
	defer w.Close()
	if _, err := w.Read(make([]byte, 1)); !errors.Is(err, ErrWrongMode) {
		t.Fatalf("read on write stream err = %v, want ErrWrongMode", err)
	}
	if w.PID() == 0 {
		t.Fatalf("missing child pid")
	}
}
