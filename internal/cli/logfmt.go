package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/Paintersrp/flume/internal/cliutil"
	"github.com/Paintersrp/flume/internal/engine"
)

// eventPrinter renders run events on the CLI's stderr stream. Machine
// consumers get one JSON record per event; terminals get a quiet human
// rendering: captured output lines, failures, and the final verdict.
type eventPrinter struct {
	w    io.Writer
	json bool
	enc  *json.Encoder
}

func newEventPrinter(w io.Writer, forceJSON bool) *eventPrinter {
	p := &eventPrinter{w: w, json: forceJSON || !isTerminal(w)}
	if p.json {
		p.enc = json.NewEncoder(w)
	}
	return p
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

// Print renders one event. Human mode stays quiet about routine lifecycle
// progress the way a shell does; JSON mode emits everything.
func (p *eventPrinter) Print(evt engine.Event) {
	if p.json {
		cliutil.EncodeLogEvent(p.enc, p.w, evt)
		return
	}
	switch evt.Type {
	case engine.EventTypeLog:
		fmt.Fprintf(p.w, "%s> %s\n", eventSubject(evt), cliutil.RedactSecrets(evt.Message))
	case engine.EventTypeFailed, engine.EventTypeError:
		fmt.Fprintf(p.w, "%s %s: %s\n", eventSubject(evt), evt.Type, formatEventMessage(evt))
	}
}

// Info prints an operational notice from flume itself. JSON mode wraps it
// in a log record so the stream stays machine-parseable.
func (p *eventPrinter) Info(message string) {
	if p.json {
		cliutil.EncodeLogEvent(p.enc, p.w, engine.Event{
			Timestamp: time.Now().UTC(),
			Stage:     -1,
			Type:      engine.EventTypeLog,
			Level:     "info",
			Source:    engine.LogSourceSystem,
			Message:   message,
		})
		return
	}
	fmt.Fprintln(p.w, message)
}

// Summary prints the closing verdict line in human mode. JSON mode already
// carried the verdict on the finished record.
func (p *eventPrinter) Summary(report *engine.Report) {
	if p.json || report == nil || report.Result == nil {
		return
	}
	res := report.Result
	fmt.Fprintf(p.w, "%s: %s (%d stages in %s)\n",
		report.Pipeline, res.Verdict, len(res.Stages), report.Duration.Round(time.Millisecond))
}

func eventSubject(evt engine.Event) string {
	if evt.Stage < 0 {
		return evt.Pipeline
	}
	return fmt.Sprintf("%s[%d]", evt.Pipeline, evt.Stage)
}

// formatEventMessage joins an event's message, error, and reason into one
// line.
func formatEventMessage(evt engine.Event) string {
	var b strings.Builder
	message := cliutil.RedactSecrets(evt.Message)
	b.WriteString(message)
	if evt.Err != nil {
		errText := cliutil.RedactSecrets(evt.Err.Error())
		if message != "" && !strings.Contains(message, errText) {
			b.WriteString(": ")
			b.WriteString(errText)
		} else if message == "" {
			b.WriteString(errText)
		}
	}
	if evt.Reason != "" {
		if b.Len() > 0 {
			fmt.Fprintf(&b, " (%s)", evt.Reason)
		} else {
			b.WriteString(evt.Reason)
		}
	}
	return b.String()
}
