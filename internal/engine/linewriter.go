package engine

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"sync"
)

// lineWriter splits a raw output stream into lines and hands each complete
// line to emit. A trailing fragment without a newline stays buffered until
// the next write or Flush.
type lineWriter struct {
	emit func(string)
	buf  bytes.Buffer
	mu   sync.Mutex
}

func newLineWriter(emit func(string)) *lineWriter {
	return &lineWriter{emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	total := len(p)
	reader := bufio.NewReader(bytes.NewReader(p))
	for {
		segment, err := reader.ReadBytes('\n')
		if len(segment) > 0 {
			if segment[len(segment)-1] == '\n' {
				w.buf.Write(segment[:len(segment)-1])
				w.emitLine(w.buf.String())
				w.buf.Reset()
			} else {
				w.buf.Write(segment)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return total, err
		}
	}
	return total, nil
}

func (w *lineWriter) emitLine(line string) {
	if line == "" {
		return
	}
	w.emit(line)
}

// Flush emits any buffered partial line. Call after the producing process
// has been reaped.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() == 0 {
		return
	}
	w.emitLine(w.buf.String())
	w.buf.Reset()
}
