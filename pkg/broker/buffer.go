package broker

import (
	"container/heap"
	"sync"

	"github.com/probelab/netprobe/pkg/types"
)

// messageBuffer holds messages queued while the client is disconnected.
// Messages drain in (priority desc, insertion asc) order and the buffer
// never grows past its configured capacity.
type messageBuffer struct {
	mu      sync.Mutex
	heap    bufferHeap
	maxSize int
	nextSeq uint64
	dropped uint64
}

func newMessageBuffer(maxSize int) *messageBuffer {
	return &messageBuffer{maxSize: maxSize}
}

// push enqueues msg, reporting false when the buffer is full
func (b *messageBuffer) push(msg *types.BrokerMessage, priority types.MessagePriority) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.heap.Len() >= b.maxSize {
		b.dropped++
		return false
	}

	item := &types.BufferedMessage{
		Message:  msg,
		Priority: priority,
		Order:    b.nextSeq,
	}
	b.nextSeq++
	heap.Push(&b.heap, item)
	return true
}

// pushRetry re-enqueues a message that failed to send, preserving its
// retry count
func (b *messageBuffer) pushRetry(item *types.BufferedMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.heap.Len() >= b.maxSize {
		b.dropped++
		return false
	}
	heap.Push(&b.heap, item)
	return true
}

// pop dequeues the highest-priority message, or nil when empty
func (b *messageBuffer) pop() *types.BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.heap.Len() == 0 {
		return nil
	}
	return heap.Pop(&b.heap).(*types.BufferedMessage)
}

// drain removes and returns all buffered messages in delivery order
func (b *messageBuffer) drain() []*types.BufferedMessage {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]*types.BufferedMessage, 0, b.heap.Len())
	for b.heap.Len() > 0 {
		out = append(out, heap.Pop(&b.heap).(*types.BufferedMessage))
	}
	return out
}

func (b *messageBuffer) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.heap.Len()
}

func (b *messageBuffer) droppedCount() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// bufferHeap implements heap.Interface ordered by (priority desc,
// insertion asc)
type bufferHeap []*types.BufferedMessage

func (h bufferHeap) Len() int { return len(h) }

func (h bufferHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].Order < h[j].Order
}

func (h bufferHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *bufferHeap) Push(x interface{}) {
	*h = append(*h, x.(*types.BufferedMessage))
}

func (h *bufferHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
