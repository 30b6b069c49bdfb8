package fabric

import (
	"context"
	"errors"
	"sync/atomic"
)

var (
	// ErrInboxFull is returned when an endpoint's inbox cannot accept more
	// envelopes. The sender logs and skips; it never blocks on a slow target.
	ErrInboxFull = errors.New("inbox full")

	// ErrInboxClosed is returned when delivering to a closed inbox.
	ErrInboxClosed = errors.New("inbox closed")
)

// Inbox is a bounded, non-blocking FIFO queue of envelopes for one endpoint.
// A single inbox per endpoint is what preserves per-context, per-source
// arrival order.
type Inbox struct {
	id     string
	ch     chan Envelope
	closed uint32
}

// NewInbox allocates an inbox with the given capacity for the endpoint id.
func NewInbox(id string, capacity int) *Inbox {
	if capacity <= 0 {
		capacity = 1
	}
	return &Inbox{id: id, ch: make(chan Envelope, capacity)}
}

// ID returns the endpoint id this inbox belongs to.
func (in *Inbox) ID() string { return in.id }

// Deliver enqueues an envelope without blocking.
func (in *Inbox) Deliver(env Envelope) error {
	if atomic.LoadUint32(&in.closed) != 0 {
		return ErrInboxClosed
	}
	select {
	case in.ch <- env:
		return nil
	default:
		return ErrInboxFull
	}
}

// Close stops the inbox from accepting new envelopes.
// Already-queued envelopes are still drained by Run.
func (in *Inbox) Close() {
	if atomic.CompareAndSwapUint32(&in.closed, 0, 1) {
		close(in.ch)
	}
}

// Len reports the number of queued envelopes.
func (in *Inbox) Len() int { return len(in.ch) }

// Run consumes envelopes until the context is done or the inbox is closed
// and drained.
func (in *Inbox) Run(ctx context.Context, handler func(Envelope)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-in.ch:
			if !ok {
				return
			}
			handler(env)
		}
	}
}
