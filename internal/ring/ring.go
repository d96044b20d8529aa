// Package ring provides the bounded message history used by the
// monitor. When full, the oldest entry is evicted.
package ring

import "github.com/camino-sys/canmonitor/pkg/canopen"

type Buffer struct {
	items []canopen.Message
	start int
	count int
}

func New(capacity int) *Buffer {
	if capacity < 1 {
		capacity = 1
	}
	return &Buffer{items: make([]canopen.Message, capacity)}
}

// Push appends one message, evicting the oldest when full.
func (b *Buffer) Push(msg canopen.Message) {
	if b.count < len(b.items) {
		b.items[(b.start+b.count)%len(b.items)] = msg
		b.count++
		return
	}
	b.items[b.start] = msg
	b.start = (b.start + 1) % len(b.items)
}

func (b *Buffer) Len() int {
	return b.count
}

func (b *Buffer) Cap() int {
	return len(b.items)
}

// Snapshot returns the buffered messages ordered oldest first.
func (b *Buffer) Snapshot() []canopen.Message {
	out := make([]canopen.Message, b.count)
	for i := 0; i < b.count; i++ {
		out[i] = b.items[(b.start+i)%len(b.items)]
	}
	return out
}

func (b *Buffer) Reset() {
	b.start = 0
	b.count = 0
}
