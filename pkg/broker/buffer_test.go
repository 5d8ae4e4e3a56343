package broker

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/probelab/netprobe/pkg/types"
)

func TestBufferPriorityOrdering(t *testing.T) {
	buf := newMessageBuffer(10)

	// Enqueue low, urgent, normal, urgent, low
	priorities := []types.MessagePriority{
		types.PriorityLow,
		types.PriorityUrgent,
		types.PriorityNormal,
		types.PriorityUrgent,
		types.PriorityLow,
	}
	for i, p := range priorities {
		ok := buf.push(NewMessage(types.MessageChat, fmt.Sprintf("msg-%d", i)), p)
		require.True(t, ok)
	}

	drained := buf.drain()
	require.Len(t, drained, 5)

	// Priority desc, FIFO within each priority
	assert.Equal(t, "msg-1", drained[0].Message.Content) // urgent
	assert.Equal(t, "msg-3", drained[1].Message.Content) // urgent
	assert.Equal(t, "msg-2", drained[2].Message.Content) // normal
	assert.Equal(t, "msg-0", drained[3].Message.Content) // low
	assert.Equal(t, "msg-4", drained[4].Message.Content) // low
}

func TestBufferCapacityBound(t *testing.T) {
	buf := newMessageBuffer(3)

	for i := 0; i < 3; i++ {
		require.True(t, buf.push(NewMessage(types.MessageChat, "m"), types.PriorityNormal))
	}
	assert.False(t, buf.push(NewMessage(types.MessageChat, "overflow"), types.PriorityUrgent))
	assert.Equal(t, 3, buf.len())
	assert.EqualValues(t, 1, buf.droppedCount())
}

func TestBufferFIFOWithinPriority(t *testing.T) {
	buf := newMessageBuffer(100)
	for i := 0; i < 20; i++ {
		buf.push(NewMessage(types.MessageChat, fmt.Sprintf("%d", i)), types.PriorityNormal)
	}

	for i := 0; i < 20; i++ {
		item := buf.pop()
		require.NotNil(t, item)
		assert.Equal(t, fmt.Sprintf("%d", i), item.Message.Content)
	}
	assert.Nil(t, buf.pop())
}

func TestBufferRetryPreserved(t *testing.T) {
	buf := newMessageBuffer(10)
	item := &types.BufferedMessage{
		Message:  NewMessage(types.MessageChat, "retry me"),
		Priority: types.PriorityHigh,
		Retries:  2,
	}
	require.True(t, buf.pushRetry(item))

	got := buf.pop()
	require.NotNil(t, got)
	assert.Equal(t, 2, got.Retries)
}
