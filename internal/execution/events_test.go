package execution

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventQueue_Bounded(t *testing.T) {
	q := NewEventQueue(2)
	require.NoError(t, q.Push(Event{OrderID: "a"}))
	require.NoError(t, q.Push(Event{OrderID: "b"}))

	err := q.Push(Event{OrderID: "c"})
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, int64(1), q.Dropped())
	assert.Equal(t, 2, q.Len())

	drained := q.Drain()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.Drain())
}

func TestSortEvents_ByTimestampThenSequence(t *testing.T) {
	events := []Event{
		{OrderID: "a", Timestamp: 200, Sequence: 1},
		{OrderID: "b", Timestamp: 100, Sequence: 2},
		{OrderID: "c", Timestamp: 100, Sequence: 1},
	}
	SortEvents(events)

	assert.Equal(t, "c", events[0].OrderID)
	assert.Equal(t, "b", events[1].OrderID)
	assert.Equal(t, "a", events[2].OrderID)
}
