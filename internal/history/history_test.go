package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestSinksEmit(t *testing.T) {
	failing := &memSink{err: errors.New("down")}
	ok := &memSink{}
	Sinks{failing, nil, ok}.Emit(context.Background(), Event{Type: EventTrack, PID: 7})

	assert.Len(t, failing.events, 1)
	if assert.Len(t, ok.events, 1) {
		assert.Equal(t, 7, ok.events[0].PID)
		assert.False(t, ok.events[0].OccurredAt.IsZero())
	}
}

func TestSinksEmitEmpty(t *testing.T) {
	var s Sinks
	s.Emit(context.Background(), Event{Type: EventTrack})
}
