package capture

import (
	"context"
	"image"
	"sync"
	"sync/atomic"

	"github.com/golang/geo/r2"

	"github.com/skyframe/skyframe/frame"
)

// Preview is a frame for display, with the tracking state at capture.
type Preview struct {
	Buffer    *frame.Buffer
	Target    r2.Point
	HasTarget bool
	Area      image.Rectangle // Tracked area, if any.
}

// Mailbox hands frames to a single preview consumer. A frame is only offered
// when the consumer is done with the previous one, so the consumer never falls
// behind and never slows down capture.
type Mailbox struct {
	slot      chan Preview
	wanted    atomic.Bool // Consumer is ready; implies slot is empty.
	closed    chan struct{}
	closeOnce sync.Once
	offered   atomic.Uint64
	skipped   atomic.Uint64
}

// NewMailbox returns an empty mailbox waiting for its first frame.
func NewMailbox() *Mailbox {
	m := &Mailbox{slot: make(chan Preview, 1), closed: make(chan struct{})}
	m.wanted.Store(true)
	return m
}

// Offer retains p.Buffer and puts p in the mailbox if the consumer is ready.
// It never blocks.
func (m *Mailbox) Offer(p Preview) bool {
	if !m.wanted.CompareAndSwap(true, false) {
		m.skipped.Add(1)
		return false
	}
	p.Buffer.Retain()
	m.slot <- p
	m.offered.Add(1)
	return true
}

// Receive waits for the next frame. The caller must call Done when finished
// with it.
func (m *Mailbox) Receive(ctx context.Context) (Preview, error) {
	select {
	case p := <-m.slot:
		return p, nil
	case <-ctx.Done():
		return Preview{}, ctx.Err()
	case <-m.closed:
		// A frame offered right before closing is still delivered.
		select {
		case p := <-m.slot:
			return p, nil
		default:
		}
		return Preview{}, ErrClosed
	}
}

// Done releases the buffer of p and asks for the next frame.
func (m *Mailbox) Done(p Preview) {
	p.Buffer.Release()
	m.wanted.Store(true)
}

// Stats returns the number of frames offered to and skipped for the consumer.
func (m *Mailbox) Stats() (offered, skipped uint64) {
	return m.offered.Load(), m.skipped.Load()
}

func (m *Mailbox) close() {
	m.closeOnce.Do(func() {
		close(m.closed)
	})
}
