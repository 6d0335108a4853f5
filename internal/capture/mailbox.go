package capture

import (
	"context"
	"sync"
	"sync/atomic"
)

// Mailbox holds the latest published frame.
//
// Publish never blocks and overwrites the previous frame; overwriting a frame
// nobody read counts as a drop. Reads do not consume: the same frame is
// returned until a newer one is published.
type Mailbox struct {
	mu     sync.Mutex
	frame  *Frame
	unread bool

	ready     chan struct{}
	readyOnce sync.Once

	published atomic.Uint64
	drops     atomic.Uint64
	reads     atomic.Uint64
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{ready: make(chan struct{})}
}

// Publish stores f as the latest frame. f must not be modified afterwards.
func (m *Mailbox) Publish(f *Frame) {
	m.mu.Lock()
	if m.unread {
		m.drops.Add(1)
	}
	m.frame = f
	m.unread = true
	m.mu.Unlock()

	m.published.Add(1)
	m.readyOnce.Do(func() { close(m.ready) })
}

// Latest returns the newest frame, or nil if nothing was published yet.
func (m *Mailbox) Latest() *Frame {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.frame != nil {
		m.unread = false
		m.reads.Add(1)
	}
	return m.frame
}

// Wait blocks until at least one frame has been published, then returns the
// newest one. Closing stopped aborts the wait with ErrSourceStopped.
func (m *Mailbox) Wait(ctx context.Context, stopped <-chan struct{}) (*Frame, error) {
	select {
	case <-stopped:
		return nil, ErrSourceStopped
	default:
	}

	select {
	case <-m.ready:
		return m.Latest(), nil
	case <-stopped:
		return nil, ErrSourceStopped
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Counters returns published, dropped and read totals.
func (m *Mailbox) Counters() (published, dropped, read uint64) {
	return m.published.Load(), m.drops.Load(), m.reads.Load()
}
