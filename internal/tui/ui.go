package tui

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	units "github.com/docker/go-units"
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"github.com/Paintersrp/flume/internal/cliutil"
	"github.com/Paintersrp/flume/internal/engine"
)

const (
	tableTitle          = "Stages"
	logsTitle           = "Logs"
	defaultLogRetention = 500
)

// Option configures UI behaviour.
type Option func(*UI)

// WithMaxLogs sets the maximum number of log entries retained per stage.
func WithMaxLogs(n int) Option {
	return func(u *UI) {
		if n > 0 {
			u.maxLogs = n
		}
	}
}

// UI coordinates the interactive run view backed by tview. The table shows
// one row per pipeline stage; the logs pane shows the captured records of
// the selected stage.
type UI struct {
	app    *tview.Application
	table  *tview.Table
	logs   *tview.TextView
	events chan engine.Event

	pipeline  string
	verdict   string
	runStart  time.Time
	runFinish time.Time

	stages map[int]*stageRow
	order  []int

	selected    int
	logsPretty  bool
	logsFocused bool
	maxLogs     int

	mu sync.RWMutex

	cancelMu sync.Mutex
	cancel   context.CancelFunc

	wg        sync.WaitGroup
	stopOnce  sync.Once
	closeOnce sync.Once
	done      chan struct{}
}

type stageRow struct {
	index      int
	command    string
	state      engine.EventType
	pid        int
	exitCode   int
	signal     string
	startedAt  time.Time
	finishedAt time.Time

	logs []cliutil.LogRecord
}

// New constructs a UI configured with the supplied options.
func New(opts ...Option) *UI {
	app := tview.NewApplication()
	table := tview.NewTable().SetFixed(1, 1).SetSelectable(true, false)
	table.SetBorder(true).SetTitle(tableTitle)

	logs := tview.NewTextView().SetDynamicColors(true).SetWrap(false)
	logs.SetBorder(true).SetTitle(logsTitle)
	logs.SetChangedFunc(func() {
		app.Draw()
	})

	flex := tview.NewFlex().SetDirection(tview.FlexRow).
		AddItem(table, 0, 3, true).
		AddItem(logs, 0, 2, false)

	ui := &UI{
		app:        app,
		table:      table,
		logs:       logs,
		events:     make(chan engine.Event, 256),
		stages:     make(map[int]*stageRow),
		selected:   -1,
		logsPretty: true,
		maxLogs:    defaultLogRetention,
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(ui)
	}

	table.SetSelectedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	table.SetSelectionChangedFunc(func(row, column int) {
		ui.mu.Lock()
		defer ui.mu.Unlock()
		ui.syncSelection(row)
		ui.renderLogsLocked()
	})

	logs.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		if event.Key() == tcell.KeyEnter || (event.Key() == tcell.KeyRune && event.Rune() == '\n') {
			ui.toggleFocus()
			return nil
		}
		return event
	})

	app.SetRoot(flex, true)
	app.SetInputCapture(ui.handleKey)

	ui.mu.Lock()
	ui.refreshTableLocked()
	ui.mu.Unlock()

	return ui
}

// EventSink exposes the channel where run events should be delivered.
func (u *UI) EventSink() chan<- engine.Event {
	return u.events
}

// CloseEvents releases the event channel, allowing internal goroutines to exit cleanly.
func (u *UI) CloseEvents() {
	u.closeOnce.Do(func() {
		close(u.events)
	})
}

// Done returns a channel that is closed when the UI stops.
func (u *UI) Done() <-chan struct{} {
	return u.done
}

// Run starts the tview application and processes incoming events until Stop
// is invoked or the provided context is cancelled.
func (u *UI) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)

	u.cancelMu.Lock()
	u.cancel = cancel
	u.cancelMu.Unlock()

	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		u.consumeEvents(ctx)
	}()

	go func() {
		<-ctx.Done()
		u.Stop()
	}()

	err := u.app.Run()

	u.cancelMu.Lock()
	cancel = u.cancel
	u.cancel = nil
	u.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}

	u.wg.Wait()
	u.Stop()

	return err
}

// Stop terminates the application loop and releases resources.
func (u *UI) Stop() {
	u.stopOnce.Do(func() {
		u.cancelMu.Lock()
		cancel := u.cancel
		u.cancel = nil
		u.cancelMu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.app.Stop()
		close(u.done)
	})
}

func (u *UI) consumeEvents(ctx context.Context) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	draining := false
	ctxDone := ctx.Done()

	for {
		var tick <-chan time.Time
		if !draining {
			tick = ticker.C
		}

		select {
		case <-ctxDone:
			if !draining {
				draining = true
				ticker.Stop()
			}
			ctxDone = nil
		case evt, ok := <-u.events:
			if !ok {
				return
			}
			if draining {
				continue
			}
			u.applyEvent(evt)
		case <-tick:
			if !draining {
				u.refreshDurations()
			}
		}
	}
}

func (u *UI) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyEnter:
		u.toggleFocus()
		return nil
	case tcell.KeyUp, tcell.KeyDown:
		return event
	case tcell.KeyRune:
		switch event.Rune() {
		case 'q', 'Q':
			go u.Stop()
			return nil
		case 'j', 'J':
			u.toggleJSON()
			return nil
		}
	}
	return event
}

func (u *UI) toggleFocus() {
	if u.logsFocused {
		u.app.SetFocus(u.table)
	} else {
		u.app.SetFocus(u.logs)
	}
	u.logsFocused = !u.logsFocused
}

func (u *UI) toggleJSON() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.logsPretty = !u.logsPretty
	u.renderLogsLocked()
}

func (u *UI) applyEvent(evt engine.Event) {
	u.queueRefresh(u.applyEventLocked(evt))
}

// applyEventLocked folds one event into the view state and reports whether
// the logs pane needs re-rendering. Split from applyEvent so state changes
// can be exercised without a running application loop.
func (u *UI) applyEventLocked(evt engine.Event) bool {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if evt.Pipeline != "" {
		u.pipeline = evt.Pipeline
	}

	if evt.Stage < 0 {
		switch evt.Type {
		case engine.EventTypeStarting:
			u.runStart = evt.Timestamp
			u.runFinish = time.Time{}
			u.verdict = ""
		case engine.EventTypeFinished:
			u.runFinish = evt.Timestamp
			u.verdict = evt.Verdict
		}
		return false
	}

	row := u.stages[evt.Stage]
	if row == nil {
		row = &stageRow{index: evt.Stage, startedAt: evt.Timestamp}
		u.stages[evt.Stage] = row
		u.order = append(u.order, evt.Stage)
		sort.Ints(u.order)
	}
	if evt.Command != "" {
		row.command = evt.Command
	}
	if evt.PID > 0 {
		row.pid = evt.PID
	}

	switch evt.Type {
	case engine.EventTypeLog:
		record := cliutil.NewLogRecord(evt)
		row.logs = append(row.logs, record)
		if len(row.logs) > u.maxLogs {
			trim := len(row.logs) - u.maxLogs
			row.logs = append([]cliutil.LogRecord(nil), row.logs[trim:]...)
		}
	case engine.EventTypeStarting:
		row.state = evt.Type
		row.startedAt = evt.Timestamp
		row.finishedAt = time.Time{}
	case engine.EventTypeExited, engine.EventTypeFailed:
		row.state = evt.Type
		row.finishedAt = evt.Timestamp
		row.exitCode = evt.ExitCode
		row.signal = evt.Signal
	default:
		row.state = evt.Type
	}

	return row.index == u.selected || u.selected < 0
}

func (u *UI) refreshDurations() {
	u.queueRefresh(false)
}

func (u *UI) queueRefresh(updateLogs bool) {
	u.app.QueueUpdateDraw(func() {
		u.mu.Lock()
		defer u.mu.Unlock()
		u.refreshTableLocked()
		if updateLogs {
			u.renderLogsLocked()
		}
	})
}

func (u *UI) refreshTableLocked() {
	u.table.Clear()

	headers := []string{"STAGE", "COMMAND", "STATE", "PID", "EXIT", "DURATION"}
	for col, header := range headers {
		cell := tview.NewTableCell(header).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold)
		u.table.SetCell(0, col, cell)
	}

	u.table.SetTitle(u.tableTitleLocked())

	for rowIdx, index := range u.order {
		row := u.stages[index]
		command := row.command
		if len(command) > 60 {
			command = command[:57] + "..."
		}
		pid := "-"
		if row.pid > 0 {
			pid = fmt.Sprintf("%d", row.pid)
		}

		values := []string{
			fmt.Sprintf("%d", row.index),
			command,
			formatState(row.state),
			pid,
			row.exitDisplay(),
			row.durationDisplay(),
		}
		for col, value := range values {
			cell := tview.NewTableCell(value)
			if col == 0 {
				cell = cell.SetReference(row.index)
			}
			u.table.SetCell(rowIdx+1, col, cell)
		}
	}

	u.ensureSelectionLocked()
}

func (u *UI) tableTitleLocked() string {
	if u.pipeline == "" {
		return tableTitle
	}
	if u.verdict != "" {
		elapsed := "-"
		if !u.runStart.IsZero() && !u.runFinish.IsZero() {
			elapsed = u.runFinish.Sub(u.runStart).Round(time.Millisecond).String()
		}
		return fmt.Sprintf("%s: %s (%s in %s)", tableTitle, u.pipeline, u.verdict, elapsed)
	}
	return fmt.Sprintf("%s: %s (running)", tableTitle, u.pipeline)
}

func (s *stageRow) exitDisplay() string {
	switch s.state {
	case engine.EventTypeExited, engine.EventTypeFailed:
		if s.signal != "" {
			return s.signal
		}
		return fmt.Sprintf("%d", s.exitCode)
	default:
		return "-"
	}
}

func (s *stageRow) durationDisplay() string {
	if s.startedAt.IsZero() {
		return "-"
	}
	if !s.finishedAt.IsZero() {
		return s.finishedAt.Sub(s.startedAt).Round(time.Millisecond).String()
	}
	elapsed := time.Since(s.startedAt)
	if elapsed < 0 {
		elapsed = 0
	}
	return units.HumanDuration(elapsed)
}

func (u *UI) renderLogsLocked() {
	u.logs.Clear()
	var row *stageRow
	if u.selected >= 0 {
		row = u.stages[u.selected]
	}
	if row == nil {
		u.logs.SetTitle(logsTitle)
		return
	}

	u.logs.SetTitle(fmt.Sprintf("%s (stage %d)", logsTitle, row.index))

	for _, record := range row.logs {
		var data []byte
		var err error
		if u.logsPretty {
			data, err = json.MarshalIndent(record, "", "  ")
		} else {
			data, err = json.Marshal(record)
		}
		if err != nil {
			fmt.Fprintf(u.logs, "{\"error\":\"%v\"}\n", err)
			continue
		}
		fmt.Fprintf(u.logs, "%s\n", data)
	}
	u.logs.ScrollToEnd()
}

func (u *UI) ensureSelectionLocked() {
	if len(u.order) == 0 {
		u.selected = -1
		u.table.Select(0, 0)
		return
	}

	rowIdx := 0
	if u.selected >= 0 {
		for i, index := range u.order {
			if index == u.selected {
				rowIdx = i
				break
			}
		}
	} else {
		u.selected = u.order[0]
	}

	if rowIdx >= len(u.order) {
		rowIdx = len(u.order) - 1
	}
	if u.selected < 0 {
		u.selected = u.order[rowIdx]
	}
	u.table.Select(rowIdx+1, 0)
}

func (u *UI) syncSelection(row int) {
	if row <= 0 || row-1 >= len(u.order) {
		return
	}
	u.selected = u.order[row-1]
}

func formatState(t engine.EventType) string {
	if t == "" {
		return "-"
	}
	s := string(t)
	if len(s) <= 1 {
		return strings.ToUpper(s)
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
