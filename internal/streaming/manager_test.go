package streaming

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}

	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}

func TestManager_PublishSubscribe(t *testing.T) {
	m := NewManager(5, zaptest.NewLogger(t))
	ch := m.Subscribe("run-1", 4)
	other := m.Subscribe("run-2", 4)

	m.Publish("run-1", Event{Type: EventStatus, Status: "planning"})
	m.Publish("run-1", Event{Type: EventCompleted})

	first := <-ch
	assert.Equal(t, "run-1", first.RunID)
	assert.Equal(t, uint64(1), first.Seq)
	assert.False(t, first.Timestamp.IsZero())
	assert.False(t, first.IsTerminal())

	second := <-ch
	assert.Equal(t, uint64(2), second.Seq)
	assert.True(t, second.IsTerminal())

	assert.Empty(t, other)

	m.Unsubscribe("run-1", ch)
	_, open := <-ch
	assert.False(t, open)

	m.Unsubscribe("run-1", ch)
}

func TestManager_SlowSubscriberDoesNotBlock(t *testing.T) {
	m := NewManager(10, zaptest.NewLogger(t))
	ch := m.Subscribe("run", 1)
	for i := 0; i < 5; i++ {
		m.Publish("run", Event{Type: EventStatus})
	}
	assert.Len(t, ch, 1)
	assert.Len(t, m.ReplaySince("run", 0), 5)
}

func TestManager_ReplaySince(t *testing.T) {
	m := NewManager(3, zaptest.NewLogger(t))
	for i := 0; i < 5; i++ {
		m.Publish("run", Event{Type: EventStatus})
	}
	evs := m.ReplaySince("run", 3)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(5), evs[1].Seq)

	assert.Nil(t, m.ReplaySince("unknown", 0))
	assert.Contains(t, string(evs[0].Marshal()), `"run_id":"run"`)
}
