package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"path/filepath"
	stdruntime "runtime"
	"strings"
	"testing"
	"time"

	"github.com/Paintersrp/flume/internal/api"
	apihttp "github.com/Paintersrp/flume/internal/api/http"
	"github.com/Paintersrp/flume/internal/cliutil"
	"github.com/Paintersrp/flume/internal/engine"
	"github.com/Paintersrp/flume/internal/pipeline"
)

func skipIfWindows(t *testing.T) {
	t.Helper()
	if stdruntime.GOOS == "windows" {
		t.Skip("requires a POSIX shell")
	}
}

// writeManifest drops a manifest into a temp dir and returns its path.
func writeManifest(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write manifest: %v", err)
	}
	return path
}

// disableJournal pins the journal environment so runs inside tests never
// append to a journal file inherited from the caller's shell.
func disableJournal(t *testing.T) {
	t.Helper()
	t.Setenv("FLUME_JOURNAL", "")
	t.Setenv("FLUME_JOURNAL_PATH", "")
}

// runCommand executes the CLI against buffered stdio the way a script would
// invoke it.
func runCommand(t *testing.T, args ...string) (string, string, *context, error) {
	t.Helper()
	root, cliCtx := newRootCommand()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetIn(strings.NewReader(""))
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), errOut.String(), cliCtx, err
}

// decodeLogRecords parses the JSON event stream the run command writes to a
// non-terminal stderr.
func decodeLogRecords(t *testing.T, stderr string) []cliutil.LogRecord {
	t.Helper()
	var records []cliutil.LogRecord
	for _, line := range strings.Split(strings.TrimSpace(stderr), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		var record cliutil.LogRecord
		if err := json.Unmarshal([]byte(line), &record); err != nil {
			t.Fatalf("decode event record %q: %v", line, err)
		}
		records = append(records, record)
	}
	return records
}

func findRecord(t *testing.T, records []cliutil.LogRecord, typ string) cliutil.LogRecord {
	t.Helper()
	for _, record := range records {
		if record.Type == typ {
			return record
		}
	}
	t.Fatalf("no %s record in %d records", typ, len(records))
	return cliutil.LogRecord{}
}

func TestRunCommandRunsManifestPipeline(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  greet:
    run: echo hello | cat
`)

	stdout, stderr, _, err := runCommand(t, "run", "-f", path, "greet")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout != "hello\n" {
		t.Fatalf("stdout = %q, want %q", stdout, "hello\n")
	}

	records := decodeLogRecords(t, stderr)
	starting := findRecord(t, records, string(engine.EventTypeStarting))
	if starting.Pipeline != "greet" || starting.Stage != -1 {
		t.Fatalf("starting record = %+v", starting)
	}
	finished := findRecord(t, records, string(engine.EventTypeFinished))
	if finished.Verdict != string(pipeline.VerdictSuccess) {
		t.Fatalf("finished verdict = %q, want %q", finished.Verdict, pipeline.VerdictSuccess)
	}
}

func TestRunCommandDefaultsToOnlyPipeline(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  greet:
    run: echo solo | cat
`)

	stdout, _, _, err := runCommand(t, "run", "-f", path)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout != "solo\n" {
		t.Fatalf("stdout = %q, want %q", stdout, "solo\n")
	}
}

func TestRunCommandFailureVerdictBecomesError(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  flaky:
    stages:
      - ["sh", "-c", "exit 7"]
`)

	_, stderr, _, err := runCommand(t, "run", "-f", path, "flaky")
	if err == nil {
		t.Fatal("expected failure verdict error")
	}
	for _, want := range []string{"pipeline flaky", "stage 0", "exited 7"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error = %q, want substring %q", err, want)
		}
	}

	records := decodeLogRecords(t, stderr)
	failed := findRecord(t, records, string(engine.EventTypeFailed))
	if failed.Reason != engine.ReasonNonZeroExit {
		t.Fatalf("failed reason = %q, want %q", failed.Reason, engine.ReasonNonZeroExit)
	}
	if failed.ExitCode == nil || *failed.ExitCode != 7 {
		t.Fatalf("failed exit code = %v, want 7", failed.ExitCode)
	}
}

func TestRunCommandAdHocTokens(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	stdout, stderr, _, err := runCommand(t, "run", "echo", "hi", "|", "cat")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if stdout != "hi\n" {
		t.Fatalf("stdout = %q, want %q", stdout, "hi\n")
	}
	finished := findRecord(t, decodeLogRecords(t, stderr), string(engine.EventTypeFinished))
	if finished.Pipeline != "echo" {
		t.Fatalf("ad-hoc pipeline name = %q, want %q", finished.Pipeline, "echo")
	}
}

func TestRunCommandUnknownPipeline(t *testing.T) {
	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  greet:
    run: echo hello | cat
`)

	_, _, _, err := runCommand(t, "run", "-f", path, "missing")
	if err == nil {
		t.Fatal("expected unknown pipeline error")
	}
	if !strings.Contains(err.Error(), `unknown pipeline "missing"`) || !strings.Contains(err.Error(), "have: greet") {
		t.Fatalf("error = %q", err)
	}
}

func TestRunCommandNeedsNameAmongSeveral(t *testing.T) {
	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  alpha:
    run: echo a | cat
  beta:
    run: echo b | cat
`)

	_, _, _, err := runCommand(t, "run", "-f", path)
	if err == nil {
		t.Fatal("expected ambiguity error")
	}
	if !strings.Contains(err.Error(), "defines 2 pipelines") || !strings.Contains(err.Error(), "name one of: alpha, beta") {
		t.Fatalf("error = %q", err)
	}
}

func TestRunCommandCaptureStderr(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  noisy:
    stages:
      - ["sh", "-c", "echo oops >&2"]
`)

	_, stderr, _, err := runCommand(t, "run", "-f", path, "--capture", "noisy")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	var captured *cliutil.LogRecord
	for _, record := range decodeLogRecords(t, stderr) {
		if record.Type == string(engine.EventTypeLog) && record.Source == engine.LogSourceStderr {
			captured = &record
			break
		}
	}
	if captured == nil {
		t.Fatal("no captured stderr log record")
	}
	if captured.Message != "oops" || captured.Level != "warn" || captured.Stage != 0 {
		t.Fatalf("captured record = %+v", captured)
	}
}

func TestRunCommandJournalRecordsRun(t *testing.T) {
	skipIfWindows(t)

	manifest := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  greet:
    run: echo hello | cat
`)
	journalPath := filepath.Join(t.TempDir(), "journal.jsonl")
	t.Setenv("FLUME_JOURNAL_PATH", journalPath)

	if _, _, _, err := runCommand(t, "run", "-f", manifest, "greet"); err != nil {
		t.Fatalf("run: %v", err)
	}

	entries, err := engine.ReadJournal(journalPath)
	if err != nil {
		t.Fatalf("ReadJournal: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(entries))
	}
	entry := entries[0]
	if entry.Pipeline != "greet" || entry.Verdict != string(pipeline.VerdictSuccess) {
		t.Fatalf("journal entry = %+v", entry)
	}
	if len(entry.Stages) != 2 || entry.RunID == "" {
		t.Fatalf("journal entry stages = %d, run id = %q", len(entry.Stages), entry.RunID)
	}
}

func TestListenRequestedEnvGate(t *testing.T) {
	cmd := newRunCmd(&context{manifestFile: new(string)})

	t.Setenv("FLUME_LISTEN", "")
	if listenRequested(cmd) {
		t.Fatal("listen requested with no flag and no env")
	}
	t.Setenv("FLUME_LISTEN", "true")
	if !listenRequested(cmd) {
		t.Fatal("FLUME_LISTEN=true not honoured")
	}
	t.Setenv("FLUME_LISTEN", "nope")
	if listenRequested(cmd) {
		t.Fatal("unparseable FLUME_LISTEN treated as enabled")
	}

	t.Setenv("FLUME_LISTEN", "")
	if err := cmd.Flags().Set("listen", "127.0.0.1:0"); err != nil {
		t.Fatalf("set listen flag: %v", err)
	}
	if !listenRequested(cmd) {
		t.Fatal("--listen flag not honoured")
	}
}

func TestRunCommandListenServesStatusDuringRun(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  sleepy:
    stages:
      - ["sleep", "1"]
`)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	orig := newAPIServer
	newAPIServer = func(cfg apihttp.Config) (*apihttp.Server, error) {
		cfg.Listener = listener
		return apihttp.NewServer(cfg)
	}
	t.Cleanup(func() { newAPIServer = orig })

	type probe struct {
		status int
		report api.StatusReport
		err    error
	}
	probeCh := make(chan probe, 1)
	go func() {
		var p probe
		// Well past the server ready-wait, well before the stage exits.
		time.Sleep(500 * time.Millisecond)
		resp, err := http.Get("http://" + listener.Addr().String() + "/api/v1/status")
		if err != nil {
			p.err = err
			probeCh <- p
			return
		}
		defer resp.Body.Close()
		p.status = resp.StatusCode
		p.err = json.NewDecoder(resp.Body).Decode(&p.report)
		probeCh <- p
	}()

	_, stderr, _, err := runCommand(t, "run", "-f", path, "--listen", "127.0.0.1:0", "sleepy")
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !strings.Contains(stderr, "status API listening on") {
		t.Fatalf("stderr lacks listen notice: %q", stderr)
	}

	p := <-probeCh
	if p.err != nil {
		t.Fatalf("status probe: %v", p.err)
	}
	if p.status != http.StatusOK {
		t.Fatalf("status code = %d, want %d", p.status, http.StatusOK)
	}
	if p.report.Manifest != "demo" {
		t.Fatalf("report manifest = %q, want %q", p.report.Manifest, "demo")
	}
	report, ok := p.report.Pipelines["sleepy"]
	if !ok {
		t.Fatalf("report lacks sleepy: %+v", p.report.Pipelines)
	}
	if report.Runs != 1 || len(report.Stages) != 1 {
		t.Fatalf("sleepy report = %+v", report)
	}
}

// failingListener reports its configured error on the first accept, standing
// in for an address that cannot actually be served.
type failingListener struct {
	addr net.Addr
	err  error
}

func (l *failingListener) Accept() (net.Conn, error) { return nil, l.err }
func (l *failingListener) Close() error              { return nil }
func (l *failingListener) Addr() net.Addr            { return l.addr }

type staticAddr string

func (a staticAddr) Network() string { return "tcp" }
func (a staticAddr) String() string  { return string(a) }

func TestRunCommandListenStartupFailure(t *testing.T) {
	skipIfWindows(t)
	disableJournal(t)

	path := writeManifest(t, `
version: "1"
flume:
  name: demo
pipelines:
  greet:
    run: echo hello | cat
`)

	startErr := errors.New("listener exploded")
	orig := newAPIServer
	newAPIServer = func(cfg apihttp.Config) (*apihttp.Server, error) {
		cfg.Listener = &failingListener{addr: staticAddr("127.0.0.1:0"), err: startErr}
		return apihttp.NewServer(cfg)
	}
	t.Cleanup(func() { newAPIServer = orig })

	t.Setenv("FLUME_LISTEN", "true")
	stdout, _, _, err := runCommand(t, "run", "-f", path, "greet")
	if !errors.Is(err, startErr) {
		t.Fatalf("err = %v, want %v", err, startErr)
	}
	if stdout != "" {
		t.Fatalf("stdout = %q, want empty before pipeline start", stdout)
	}
}
