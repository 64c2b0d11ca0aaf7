package engine

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"
	"sync"
	"time"
)

const defaultJournalPath = "flume-journal.jsonl"

// Journal appends one JSON line per completed run so past verdicts survive
// the process. Methods are safe for concurrent use; a nil *Journal discards
// every record.
type Journal struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// JournalEntry is the persisted form of a run report.
type JournalEntry struct {
	Timestamp time.Time      `json:"ts"`
	RunID     string         `json:"run_id"`
	Pipeline  string         `json:"pipeline"`
	Verdict   string         `json:"verdict"`
	Duration  int64          `json:"duration_ms"`
	Stages    []JournalStage `json:"stages"`
}

// JournalStage mirrors a single stage outcome.
type JournalStage struct {
	Index    int    `json:"index"`
	Command  string `json:"command"`
	State    string `json:"state"`
	ExitCode int    `json:"exit_code"`
	Signal   string `json:"signal,omitempty"`
	PID      int    `json:"pid,omitempty"`
	Error    string `json:"error,omitempty"`
	Duration int64  `json:"duration_ms"`
}

// NewJournal wraps an existing writer, typically for tests.
func NewJournal(w io.Writer) *Journal {
	return &Journal{w: w}
}

// JournalPath reports the journal location the environment selects:
// FLUME_JOURNAL_PATH wins, otherwise a truthy FLUME_JOURNAL picks the
// default path. Empty means journaling is disabled.
func JournalPath() string {
	if path := os.Getenv("FLUME_JOURNAL_PATH"); path != "" {
		return path
	}
	value := os.Getenv("FLUME_JOURNAL")
	if value == "" {
		return ""
	}
	enabled, err := strconv.ParseBool(value)
	if err != nil || !enabled {
		return ""
	}
	return defaultJournalPath
}

// OpenJournal opens the environment-selected journal for appending. It
// returns (nil, nil) when journaling is disabled; callers hand the nil
// journal to the runner unchanged.
func OpenJournal() (*Journal, error) {
	path := JournalPath()
	if path == "" {
		return nil, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{w: f, closer: f}, nil
}

// ReadJournal parses a journal file back into entries, oldest first. A
// missing file reads as an empty history.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	defer f.Close()

	var entries []JournalEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var entry JournalEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, fmt.Errorf("journal %s line %d: %w", path, lineNo, err)
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal %s: %w", path, err)
	}
	return entries, nil
}

// Record appends the report as a single JSON line.
func (j *Journal) Record(report *Report) error {
	if j == nil || report == nil || report.Result == nil {
		return nil
	}
	entry := JournalEntry{
		Timestamp: report.Started,
		RunID:     report.RunID,
		Pipeline:  report.Pipeline,
		Verdict:   string(report.Result.Verdict),
		Duration:  report.Duration.Milliseconds(),
	}
	for _, st := range report.Result.Stages {
		stage := JournalStage{
			Index:    st.Index,
			Command:  st.Command.String(),
			State:    string(st.State),
			ExitCode: st.ExitCode,
			PID:      st.PID,
			Duration: st.Runtime().Milliseconds(),
		}
		if st.Signal != nil {
			stage.Signal = st.Signal.String()
		}
		if st.Err != nil {
			stage.Error = st.Err.Error()
		}
		entry.Stages = append(entry.Stages, stage)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if _, err := j.w.Write(data); err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	return nil
}

// Close releases the underlying file when the journal owns one.
func (j *Journal) Close() error {
	if j == nil || j.closer == nil {
		return nil
	}
	return j.closer.Close()
}
