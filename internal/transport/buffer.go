package transport

import "sync"

// BufferedMessage is one queued cloud publish.
type BufferedMessage struct {
	Topic   string
	Payload map[string]interface{}
}

// sendBuffer is the bounded store-and-forward FIFO holding outbound
// messages while the cloud link is down. Overflow discards the oldest
// entry.
type sendBuffer struct {
	mu      sync.Mutex
	max     int
	entries []BufferedMessage
	dropped uint64
}

func newSendBuffer(max int) *sendBuffer {
	if max <= 0 {
		max = 1000
	}
	return &sendBuffer{max: max}
}

// Push enqueues a message, reporting whether an old entry was dropped
// to make room.
func (b *sendBuffer) Push(msg BufferedMessage) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	overflowed := false
	if len(b.entries) >= b.max {
		b.entries = b.entries[1:]
		b.dropped++
		overflowed = true
	}
	b.entries = append(b.entries, msg)
	return overflowed
}

// Pop dequeues the oldest message.
func (b *sendBuffer) Pop() (BufferedMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.entries) == 0 {
		return BufferedMessage{}, false
	}
	msg := b.entries[0]
	b.entries = b.entries[1:]
	return msg, true
}

// Len reports the queue depth.
func (b *sendBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Dropped reports how many entries overflow has discarded.
func (b *sendBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}
