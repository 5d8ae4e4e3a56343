package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestProtocolValid(t *testing.T) {
	assert.True(t, ProtocolTCP.Valid())
	assert.True(t, ProtocolUDP.Valid())
	assert.True(t, ProtocolSYN.Valid())
	assert.False(t, Protocol("icmp").Valid())
	assert.False(t, Protocol("").Valid())
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
}

func TestMessageTypeValid(t *testing.T) {
	for _, mt := range []MessageType{
		MessageChat, MessageBroadcast, MessagePrivate, MessageSystem,
		MessageHeartbeat, MessageConnect, MessageDisconnect, MessageError,
	} {
		assert.True(t, mt.Valid(), string(mt))
	}
	assert.False(t, MessageType("shout").Valid())
}

func TestPriorityOrderingAndNames(t *testing.T) {
	assert.Greater(t, PriorityUrgent, PriorityHigh)
	assert.Greater(t, PriorityHigh, PriorityNormal)
	assert.Greater(t, PriorityNormal, PriorityLow)

	assert.Equal(t, "urgent", PriorityUrgent.String())
	assert.Equal(t, "low", PriorityLow.String())
	assert.Equal(t, "unknown", MessagePriority(42).String())
}
