package frame

import (
	"sync/atomic"
)

// Buffer is a frame with a count of its holders. A new buffer has one holder,
// its creator. Only a holder that knows it is the sole holder may modify the
// frame.
type Buffer struct {
	Frame

	holders atomic.Int32
}

// NewBuffer returns an empty buffer held once, by the caller.
func NewBuffer() *Buffer {
	b := &Buffer{}
	b.holders.Store(1)
	return b
}

// Retain adds a holder and returns b, for handing the buffer to a consumer.
func (b *Buffer) Retain() *Buffer {
	b.holders.Add(1)
	return b
}

// Release drops a holder. The buffer must not be used by the caller after
// Release.
func (b *Buffer) Release() {
	if b.holders.Add(-1) < 0 {
		panic("frame: buffer released more often than retained")
	}
}

// Shared reports whether anyone besides the caller holds the buffer.
func (b *Buffer) Shared() bool {
	return b.holders.Load() > 1
}

// Holders returns the current number of holders.
func (b *Buffer) Holders() int {
	return int(b.holders.Load())
}

// Pool rotates two buffers for the capture loop. The pool itself holds each of
// its buffers once. It is not safe for concurrent use; consumers only ever
// Release buffers handed to them.
type Pool struct {
	slots       [2]*Buffer
	next        int
	allocations atomic.Uint64
}

// NewPool returns a pool with two empty buffers.
func NewPool() *Pool {
	return &Pool{slots: [2]*Buffer{NewBuffer(), NewBuffer()}}
}

// Next returns a buffer whose only holder is the pool, so the caller may
// capture into it. If both buffers are held by consumers, the slot due next is
// replaced by a freshly allocated buffer with the same size and format, and
// the displaced buffer is left to its consumers. Next never blocks.
func (p *Pool) Next() *Buffer {
	for i := range p.slots {
		idx := (p.next + i) % len(p.slots)
		if !p.slots[idx].Shared() {
			p.next = (idx + 1) % len(p.slots)
			return p.slots[idx]
		}
	}

	idx := p.next
	displaced := p.slots[idx]
	b := NewBuffer()
	b.Reformat(displaced.Width, displaced.Height, displaced.Format)
	p.slots[idx] = b
	displaced.Release()
	p.next = (idx + 1) % len(p.slots)
	p.allocations.Add(1)
	return b
}

// Allocations returns the number of buffers allocated because both slots were
// held elsewhere.
func (p *Pool) Allocations() uint64 {
	return p.allocations.Load()
}
