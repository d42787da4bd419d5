package backend

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLineWriterSplitsAndTees(t *testing.T) {
	var file bytes.Buffer
	var lines []string
	w := &lineWriter{file: &file, onLine: func(l string) { lines = append(lines, l) }}

	_, _ = w.Write([]byte("listening on "))
	_, _ = w.Write([]byte("port 8091\r\nsecond\npart"))
	assert.Equal(t, []string{"listening on port 8091", "second"}, lines)
	w.Flush()
	assert.Equal(t, []string{"listening on port 8091", "second", "part"}, lines)
	assert.Equal(t, "listening on port 8091\r\nsecond\npart", file.String())
	w.Flush()
	assert.Len(t, lines, 3)
}

func TestSignatures(t *testing.T) {
	assert.True(t, containsAny("Server started on port 8091", ReadyMarkers))
	assert.False(t, containsAny("server starting", ReadyMarkers))
	assert.True(t, isPortConflict("Error: listen EADDRINUSE: address already in use :::8091"))
	assert.True(t, isPortConflict("Only one usage of each socket address (protocol/network address/port) is normally permitted"))
	assert.False(t, isPortConflict("connection refused"))
	assert.False(t, containsAny("x", []string{""}))
}
