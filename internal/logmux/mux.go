package logmux

import (
	"fmt"
	"sync"
	"time"

	"github.com/Paintersrp/flume/internal/engine"
)

// Mux fans in events from multiple sources and delivers them via a bounded
// channel. Lifecycle events are forwarded with backpressure; log events are
// dropped when the output buffer would overflow, and a synthesized warning
// event surfaces the number of discarded lines per stage.
type Mux struct {
	out chan engine.Event

	mu     sync.Mutex
	drops  map[int]dropRecord
	inputs sync.WaitGroup
}

type dropRecord struct {
	count    int
	runID    string
	pipeline string
	command  string
}

// New constructs a mux backed by a channel of the provided size. A size of
// zero results in a minimally buffered channel.
func New(size int) *Mux {
	if size <= 0 {
		size = 1
	}
	return &Mux{
		out:   make(chan engine.Event, size),
		drops: make(map[int]dropRecord),
	}
}

// Output exposes the muxed event channel.
func (m *Mux) Output() <-chan engine.Event {
	return m.out
}

// Add registers a new source channel. The mux consumes events until the
// source channel is closed.
func (m *Mux) Add(source <-chan engine.Event) {
	if source == nil {
		return
	}
	m.inputs.Add(1)
	go func() {
		defer m.inputs.Done()
		for evt := range source {
			if evt.Type != engine.EventTypeLog {
				m.blockingSend(evt)
				continue
			}
			m.deliver(normalize(evt))
		}
	}()
}

// Close waits for all sources to be drained, emits any pending drop metadata,
// and closes the output channel.
func (m *Mux) Close() {
	m.inputs.Wait()
	m.flushDrops()
	close(m.out)
}

func (m *Mux) deliver(evt engine.Event) {
	if !m.flushPending(evt.Stage) {
		m.recordDrop(evt)
		return
	}
	if m.trySend(evt) {
		return
	}
	m.recordDrop(evt)
}

func (m *Mux) flushPending(stage int) bool {
	for {
		rec := m.takeDrops(stage)
		if rec.count == 0 {
			return true
		}
		meta := synthesizeDropEvent(stage, rec)
		if m.trySend(meta) {
			continue
		}
		m.recordDropWithCount(stage, rec)
		return false
	}
}

func (m *Mux) takeDrops(stage int) dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[stage]
	if rec.count != 0 {
		delete(m.drops, stage)
	}
	return rec
}

func (m *Mux) recordDrop(evt engine.Event) {
	m.recordDropWithCount(evt.Stage, dropRecord{
		count:    1,
		runID:    evt.RunID,
		pipeline: evt.Pipeline,
		command:  evt.Command,
	})
}

func (m *Mux) recordDropWithCount(stage int, add dropRecord) {
	if add.count <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := m.drops[stage]
	rec.count += add.count
	if add.runID != "" {
		rec.runID = add.runID
	}
	if add.pipeline != "" {
		rec.pipeline = add.pipeline
	}
	if add.command != "" {
		rec.command = add.command
	}
	m.drops[stage] = rec
}

func (m *Mux) flushDrops() {
	pending := m.collectDrops()
	for stage, rec := range pending {
		meta := synthesizeDropEvent(stage, rec)
		m.blockingSend(meta)
	}
}

func (m *Mux) collectDrops() map[int]dropRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.drops) == 0 {
		return nil
	}
	dup := make(map[int]dropRecord, len(m.drops))
	for stage, rec := range m.drops {
		if rec.count == 0 {
			continue
		}
		dup[stage] = rec
	}
	m.drops = make(map[int]dropRecord)
	return dup
}

func (m *Mux) trySend(evt engine.Event) bool {
	select {
	case m.out <- evt:
		return true
	default:
		return false
	}
}

func (m *Mux) blockingSend(evt engine.Event) {
	m.out <- evt
}

func normalize(evt engine.Event) engine.Event {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if evt.Source == "" {
		evt.Source = engine.LogSourceStdout
	}
	if evt.Level == "" {
		if evt.Source == engine.LogSourceStderr {
			evt.Level = "warn"
		} else {
			evt.Level = "info"
		}
	}
	return evt
}

func synthesizeDropEvent(stage int, rec dropRecord) engine.Event {
	return engine.Event{
		Timestamp: time.Now(),
		RunID:     rec.runID,
		Pipeline:  rec.pipeline,
		Stage:     stage,
		Command:   rec.command,
		Type:      engine.EventTypeLog,
		Message:   fmt.Sprintf("dropped=%d", rec.count),
		Level:     "warn",
		Source:    engine.LogSourceSystem,
	}
}
