package ingress

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func frame(id string, p Priority) Frame {
	return Frame{Bytes: []byte{1, 2}, ParticipantID: id, Priority: p}
}

func TestQueue_EnqueueThenDrainPreservesFIFOPerParticipant(t *testing.T) {
	q := NewQueue(10)
	for i := byte(0); i < 3; i++ {
		q.Enqueue(Frame{Bytes: []byte{i}, ParticipantID: "client-1", Priority: PriorityClient})
	}

	batch := q.Drain(10)
	require.Len(t, batch, 3)
	// Same participant, same priority: arrival order preserved.
	for i, f := range batch {
		assert.Equal(t, []byte{byte(i)}, f.Bytes)
	}
}

func TestQueue_DrainOrdersByPriorityAscending(t *testing.T) {
	q := NewQueue(10)
	q.Enqueue(frame("coach-a", PriorityCoachMuted))
	q.Enqueue(frame("client-1", PriorityClient))
	q.Enqueue(frame("coach-a", PriorityCoachUnmuted))

	batch := q.Drain(10)
	require.Len(t, batch, 3)
	assert.Equal(t, PriorityClient, batch[0].Priority)
	assert.Equal(t, PriorityCoachUnmuted, batch[1].Priority)
	assert.Equal(t, PriorityCoachMuted, batch[2].Priority)
}

func TestQueue_CapacityZeroAlwaysDiscards(t *testing.T) {
	q := NewQueue(0)
	q.Enqueue(frame("client-1", PriorityClient))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_EvictionAtCapacity_P5(t *testing.T) {
	// 300 client (priority 1) + 100 coach-unmuted (2) + 100 coach-muted (3) = 500, at capacity.
	q := NewQueue(500)
	for i := 0; i < 300; i++ {
		q.Enqueue(frame("client-1", PriorityClient))
	}
	for i := 0; i < 100; i++ {
		q.Enqueue(frame("coach-a", PriorityCoachUnmuted))
	}
	for i := 0; i < 100; i++ {
		q.Enqueue(frame("coach-a", PriorityCoachMuted))
	}
	require.Equal(t, 500, q.Len())

	// A new client frame arrives; a coach-muted frame must be evicted, not
	// the new or any existing client frame, and length stays at capacity.
	q.Enqueue(frame("client-2", PriorityClient))
	assert.Equal(t, 500, q.Len())

	batch := q.Drain(500)
	clientCount, unmutedCount, mutedCount := 0, 0, 0
	for _, f := range batch {
		switch f.Priority {
		case PriorityClient:
			clientCount++
		case PriorityCoachUnmuted:
			unmutedCount++
		case PriorityCoachMuted:
			mutedCount++
		}
	}
	assert.Equal(t, 301, clientCount, "no client frame should be evicted while any coach frame is present")
	assert.Equal(t, 100, unmutedCount)
	assert.Equal(t, 99, mutedCount, "one coach-muted frame should have been evicted")
}

func TestQueue_DrainBatchSizeCap(t *testing.T) {
	q := NewQueue(100)
	for i := 0; i < 80; i++ {
		q.Enqueue(frame("client-1", PriorityClient))
	}
	batch := q.Drain(DefaultBatchSize)
	assert.Len(t, batch, DefaultBatchSize)
	assert.Equal(t, 30, q.Len())
}

func TestQueue_DrainMoreThanAvailable(t *testing.T) {
	q := NewQueue(100)
	q.Enqueue(frame("client-1", PriorityClient))
	batch := q.Drain(50)
	assert.Len(t, batch, 1)
	assert.Equal(t, 0, q.Len())
}
