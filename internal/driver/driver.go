// Package driver implements MergeDriver (component D): it initializes a
// partition's segments, starts the background file reader, and runs the
// k-way sort-merge into the MergedResult sink.
package driver

import (
	"bytes"
	"container/heap"
	"context"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/blockfile"
	"github.com/shuffleio/mergeengine/internal/segment"
	"github.com/shuffleio/mergeengine/internal/sink"
	"github.com/shuffleio/mergeengine/mergelog"
	"github.com/shuffleio/mergeengine/sync/multierror"
)

// Driver runs the merge over a fixed set of segments, a reader owning their
// file-backed streams, an output sink, and a user comparator/serializer
// pair.
type Driver struct {
	Segments   []segment.Segment
	Reader     *blockfile.Reader
	Output     *sink.WriteStream
	Comparator collab.Comparator
	Serializer collab.Serializer
}

// Run executes the full merge: start the reader, prime every segment, pour
// the k-way merge into Output, and always close the reader and segments
// afterward, swallowing and logging secondary errors while preserving the
// first (primary) error. Output is finished only when the merge completes
// cleanly; on a failed merge it is left unfinished and any partial block it
// holds is not emitted.
func (d *Driver) Run(ctx context.Context) (err error) {
	defer func() {
		closeErr := d.closeAll(ctx)
		if err == nil {
			err = closeErr
		}
	}()

	// Step 1: start the reader. Every file-backed stream was already
	// registered (and its ring allocated) when the segments were built, and
	// a file-backed segment's Init blocks until the reader fills its ring.
	if d.Reader != nil {
		d.Reader.Start()
	}

	// Step 2: initialize every segment, priming its first record.
	for _, seg := range d.Segments {
		if initErr := seg.Init(ctx); initErr != nil {
			return initErr
		}
	}

	// Step 3: standard k-way merge via a min-heap over live segments.
	h := newSegmentHeap(d.Segments, d.Comparator)
	heap.Init(h)
	for h.Len() > 0 {
		item := heap.Pop(h).(*heapItem)
		seg := item.seg
		if writeErr := d.Serializer.WriteRecord(&writerAdapter{d.Output, ctx}, seg.Key(), seg.Value()); writeErr != nil {
			return writeErr
		}
		if advErr := seg.Advance(ctx); advErr != nil {
			return advErr
		}
		if !seg.Done() {
			heap.Push(h, item)
		}
	}

	return d.Output.Finish(ctx)
}

// writerAdapter lets collab.Serializer.WriteRecord, which wants an
// io.Writer, write through sink.WriteStream, which wants a context.
type writerAdapter struct {
	ws  *sink.WriteStream
	ctx context.Context
}

func (w *writerAdapter) Write(p []byte) (int, error) {
	if err := w.ws.Write(w.ctx, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *Driver) closeAll(ctx context.Context) error {
	errs := multierror.NewMultiError(2 + len(d.Segments))
	if d.Reader != nil {
		if err := d.Reader.Close(ctx); err != nil {
			mergelog.Debug.Printf("driver: reader close error: %v", err)
			errs.Add(err)
		}
	}
	for _, seg := range d.Segments {
		if err := seg.Close(); err != nil {
			mergelog.Debug.Printf("driver: segment close error: %v", err)
			errs.Add(err)
		}
	}
	return errs.ErrorOrNil()
}

// heapItem pairs a segment with its original insertion index, used to break
// ties stably.
type heapItem struct {
	seg   segment.Segment
	order int
}

// segmentHeap is a container/heap.Interface over live segments ordered by
// the user comparator, with a raw-bytes fast path when the comparator
// claims raw-byte ordering. No library in the retrieved pack offers a
// generic k-way merge primitive; see DESIGN.md for why container/heap is
// used directly here instead.
type segmentHeap struct {
	items []*heapItem
	cmp   collab.Comparator
}

func newSegmentHeap(segments []segment.Segment, cmp collab.Comparator) *segmentHeap {
	h := &segmentHeap{cmp: cmp}
	for i, seg := range segments {
		if seg.Done() {
			continue
		}
		h.items = append(h.items, &heapItem{seg: seg, order: i})
	}
	return h
}

func (h *segmentHeap) Len() int { return len(h.items) }

func (h *segmentHeap) Less(i, j int) bool {
	a, b := h.items[i], h.items[j]
	c := h.compare(a.seg.Key(), b.seg.Key())
	if c != 0 {
		return c < 0
	}
	return a.order < b.order
}

func (h *segmentHeap) compare(a, b []byte) int {
	if h.cmp.RawBytesOrdered() {
		return bytes.Compare(a, b)
	}
	return h.cmp.Compare(a, b)
}

func (h *segmentHeap) Swap(i, j int) { h.items[i], h.items[j] = h.items[j], h.items[i] }

func (h *segmentHeap) Push(x interface{}) { h.items = append(h.items, x.(*heapItem)) }

func (h *segmentHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
