package cliutil

import (
	"encoding/json"
	"fmt"
	"io"
	"regexp"
	"strings"
	"time"

	"github.com/Paintersrp/flume/internal/engine"
)

// LogRecord represents a structured run event ready for JSON encoding. Log
// lines use the core fields; lifecycle events additionally carry their type,
// outcome, and reason so a JSON consumer can follow the run without parsing
// messages.
type LogRecord struct {
	Timestamp time.Time `json:"ts"`
	RunID     string    `json:"run_id,omitempty"`
	Pipeline  string    `json:"pipeline"`
	Stage     int       `json:"stage"`
	Type      string    `json:"type,omitempty"`
	Level     string    `json:"level"`
	Message   string    `json:"msg"`
	Source    string    `json:"source"`
	Error     string    `json:"error,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Signal    string    `json:"signal,omitempty"`
	Verdict   string    `json:"verdict,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// NewLogRecord converts an engine event into a structured log record with
// secret values masked.
func NewLogRecord(event engine.Event) LogRecord {
	level := event.Level
	if level == "" {
		if inferred := inferLogLevel(event.Message); inferred != "" {
			level = inferred
		} else {
			level = "info"
		}
	}
	source := event.Source
	if source == "" {
		source = engine.LogSourceSystem
	}
	record := LogRecord{
		Timestamp: event.Timestamp,
		RunID:     event.RunID,
		Pipeline:  event.Pipeline,
		Stage:     event.Stage,
		Type:      string(event.Type),
		Level:     level,
		Message:   RedactSecrets(event.Message),
		Source:    source,
		Signal:    event.Signal,
		Verdict:   event.Verdict,
		Reason:    event.Reason,
	}
	if event.Err != nil {
		record.Error = RedactSecrets(event.Err.Error())
	}
	if event.Type == engine.EventTypeExited || event.Type == engine.EventTypeFailed {
		code := event.ExitCode
		record.ExitCode = &code
	}
	return record
}

var levelTokenPattern = regexp.MustCompile(`(?i)\b(error|warn|info)\b`)

func inferLogLevel(message string) string {
	matches := levelTokenPattern.FindStringSubmatch(message)
	if len(matches) < 2 {
		return ""
	}
	switch strings.ToLower(matches[1]) {
	case "error":
		return "error"
	case "warn":
		return "warn"
	case "info":
		return "info"
	default:
		return ""
	}
}

// EncodeLogEvent encodes a run event to JSON, reporting errors to stderr if needed.
func EncodeLogEvent(enc *json.Encoder, stderr io.Writer, event engine.Event) {
	if enc == nil {
		return
	}
	record := NewLogRecord(event)
	if record.Timestamp.IsZero() {
		record.Timestamp = time.Now()
	}
	if err := enc.Encode(&record); err != nil {
		fmt.Fprintf(stderr, "error: encode log: %v\n", err)
	}
}
