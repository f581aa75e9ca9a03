package procgroup

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
)

// maxPartialLine caps how much unterminated output is buffered per stream.
const maxPartialLine = 4096

// lineLogger forwards child output to slog one line at a time and watches for
// an optional readiness marker.
type lineLogger struct {
	logger    *slog.Logger
	role      string
	stream    string
	readyLine string
	onReady   func()

	mu      sync.Mutex
	partial []byte
}

func newLineLogger(logger *slog.Logger, role, stream, readyLine string, onReady func()) *lineLogger {
	return &lineLogger{
		logger:    logger,
		role:      role,
		stream:    stream,
		readyLine: readyLine,
		onReady:   onReady,
	}
}

func (w *lineLogger) Write(p []byte) (int, error) {
	total := len(p)
	w.mu.Lock()
	defer w.mu.Unlock()

	for len(p) > 0 {
		idx := bytes.IndexAny(p, "\r\n")
		if idx == -1 {
			w.partial = append(w.partial, p...)
			if len(w.partial) > maxPartialLine {
				w.emit(w.partial)
				w.partial = w.partial[:0]
			}
			return total, nil
		}
		line := p[:idx]
		p = p[idx+1:]
		if len(w.partial) > 0 {
			line = append(w.partial, line...)
			w.partial = w.partial[:0]
		}
		w.emit(line)
	}
	return total, nil
}

func (w *lineLogger) emit(raw []byte) {
	line := string(bytes.TrimSpace(raw))
	if line == "" {
		return
	}
	if w.onReady != nil && w.readyLine != "" && strings.Contains(line, w.readyLine) {
		w.onReady()
	}
	w.logger.Debug(line, "role", w.role, "stream", w.stream)
}
