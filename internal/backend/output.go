package backend

import (
	"bytes"
	"io"
	"strings"
	"sync"
)

// Readiness markers printed once the backend HTTP listener is bound.
var ReadyMarkers = []string{"Server started on port", "listening on port"}

// portConflictSignatures are the platform messages for a bind conflict.
var portConflictSignatures = []string{
	"EADDRINUSE",
	"address already in use",
	"Only one usage of each socket address",
}

func containsAny(line string, subs []string) bool {
	for _, s := range subs {
		if s != "" && strings.Contains(line, s) {
			return true
		}
	}
	return false
}

func isPortConflict(line string) bool {
	return containsAny(line, portConflictSignatures)
}

// lineWriter tees raw output to an optional file and hands each complete
// line to onLine. It is set as cmd.Stdout/Stderr so cmd.Wait returns only
// after all output was processed.
type lineWriter struct {
	mu     sync.Mutex
	file   io.Writer
	buf    []byte
	onLine func(string)
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		_, _ = w.file.Write(p)
	}
	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimRight(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.onLine(line)
	}
	return len(p), nil
}

// Flush emits a trailing line without newline.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.buf) > 0 {
		line := strings.TrimRight(string(w.buf), "\r")
		w.buf = nil
		w.onLine(line)
	}
}
