// Package ringbuf implements the per-stream bounded ring buffer: a
// single-producer/single-consumer queue of fixed-size byte chunks, with the
// producer parking on full and the consumer parking on empty, each woken by
// the complementary side's signal. It grounds the flow-control contract the
// teacher's syncqueue.OrderedQueue establishes for a cond-based bounded
// queue, retargeted onto ctxsync.Cond so waits respect context
// cancellation.
package ringbuf

import (
	"context"
	"sync"

	"github.com/shuffleio/mergeengine/mergeconfig"
	"github.com/shuffleio/mergeengine/mergeerrors"
	"github.com/shuffleio/mergeengine/sync/ctxsync"
)

// chunk is one slot: either a byte payload, an EOF sentinel, or a failure
// sentinel. EOF and errors are in-band rather than separate channels so a
// single Pop call always yields the next event in order.
type chunk struct {
	data []byte
	eof  bool
	err  error
}

// Ring is the bounded ring buffer for one registered block stream. Capacity
// is fixed at construction via mergeconfig.RingCapacity.
type Ring struct {
	mu   sync.Mutex
	cond *ctxsync.Cond

	slots []chunk
	head  int // next slot to read
	count int // number of filled slots

	closed bool
}

// New returns a Ring whose capacity is mergeconfig.RingCapacity(requested).
func New(requested int) *Ring {
	capacity := mergeconfig.RingCapacity(requested)
	r := &Ring{slots: make([]chunk, capacity)}
	r.cond = ctxsync.NewCond(&r.mu)
	return r
}

// Cap returns the ring's fixed capacity.
func (r *Ring) Cap() int { return len(r.slots) }

// Push deposits a data chunk, blocking while the ring is full. It is the
// background file reader's sole write path into the ring; the ring has
// exactly one producer and one consumer for its lifetime.
func (r *Ring) Push(ctx context.Context, data []byte) error {
	return r.push(ctx, chunk{data: data})
}

// PushEOF deposits the EOF sentinel, signalling the stream is exhausted.
func (r *Ring) PushEOF(ctx context.Context) error {
	return r.push(ctx, chunk{eof: true})
}

// PushErr deposits a failure sentinel; the consumer observes err on its
// next read.
func (r *Ring) PushErr(ctx context.Context, err error) error {
	return r.push(ctx, chunk{err: err})
}

func (r *Ring) push(ctx context.Context, c chunk) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == len(r.slots) && !r.closed {
		if err := r.cond.Wait(ctx); err != nil {
			return mergeerrors.E(mergeerrors.Canceled, err, "ring buffer push")
		}
	}
	if r.closed {
		return mergeerrors.E(mergeerrors.Invalid, "push on closed ring")
	}
	tail := (r.head + r.count) % len(r.slots)
	r.slots[tail] = c
	r.count++
	r.cond.Broadcast()
	return nil
}

// Pop removes and returns the next chunk, blocking while the ring is empty.
// ok is false only when the ring was closed out from under the caller (the
// reader shutting down); the normal end of a stream is signalled by eof.
func (r *Ring) Pop(ctx context.Context) (data []byte, eof bool, err error, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for r.count == 0 && !r.closed {
		if werr := r.cond.Wait(ctx); werr != nil {
			return nil, false, mergeerrors.E(mergeerrors.Canceled, werr, "ring buffer pop"), true
		}
	}
	if r.count == 0 {
		return nil, false, nil, false
	}
	c := r.slots[r.head]
	r.slots[r.head] = chunk{}
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	r.cond.Broadcast()
	return c.data, c.eof, c.err, true
}

// Full reports whether the ring cannot currently accept a Push without
// blocking. Used by the background reader to pick which stream to service
// next.
func (r *Ring) Full() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count == len(r.slots) && !r.closed
}

// Changed returns a channel that closes the next time the ring's occupancy
// changes (a Push, a Pop, or a Close). Used by a producer juggling several
// rings to park until any one of them frees a slot, rather than polling.
func (r *Ring) Changed() <-chan struct{} {
	return r.cond.Done()
}

// Close shuts the ring down, waking any blocked Push/Pop immediately.
func (r *Ring) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.closed = true
	r.cond.Broadcast()
}
