// Package blockfile implements an asynchronous, ring-buffered multi-stream
// reader over one (data, index) file pair, so that many per-block segment
// iterators can share a single open file and read thread without blocking
// the merge loop.
package blockfile

import (
	"context"
	"reflect"
	"sync"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/ringbuf"
	"github.com/shuffleio/mergeengine/internal/storage"
	"github.com/shuffleio/mergeengine/mergeerrors"
	"github.com/shuffleio/mergeengine/mergelog"
)

// DefaultChunkSize is the amount of data the background reader moves into a
// ring per iteration when servicing a stream.
const DefaultChunkSize = 64 * 1024

// BlockInputStream is a lazy, ring-buffered view over one block's bytes
// within the shared data file. No I/O happens until the owning Reader's
// Start is called and the stream is actually read.
type BlockInputStream struct {
	blockID collab.BlockID
	ring    *ringbuf.Ring
	total   int64

	mu      sync.Mutex
	done    bool
	errOnce mergeerrors.Once
}

// Available returns the stream's total byte length, known up front from the
// index.
func (s *BlockInputStream) Available() int64 { return s.total }

// Err returns the terminal I/O error the background reader hit on this
// stream, if any, independent of whether Read has since been called again.
func (s *BlockInputStream) Err() error { return s.errOnce.Err() }

// Read returns the next chunk of bytes in file order, or eof=true once the
// stream is exhausted. A non-nil err means the background reader hit an I/O
// error on this stream; other streams are unaffected. Once an error has been
// returned, subsequent calls report eof=true with no error; callers that
// need the original failure after that point should use Err.
func (s *BlockInputStream) Read(ctx context.Context) (data []byte, eof bool, err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil, true, nil
	}
	s.mu.Unlock()

	data, eof, err, ok := s.ring.Pop(ctx)
	if !ok {
		err = mergeerrors.E(mergeerrors.Internal, "block stream closed before EOF")
	}
	if err != nil {
		s.errOnce.Set(err)
	}
	if eof || err != nil || !ok {
		s.mu.Lock()
		s.done = true
		s.mu.Unlock()
	}
	return data, eof, err
}

// entry is one resolved index record for a registered stream.
type entry struct {
	offset  int64
	length  int64
	read    int64 // bytes already pushed into the ring
	ring    *ringbuf.Ring
	failed  bool
	eofSent bool // EOF sentinel already pushed into the ring
}

// Reader owns one open data file and serves N concurrently registered block
// streams from a single background goroutine.
type Reader struct {
	data      *storage.Pair
	ringCap   int
	direct    bool
	chunkSize int

	mu        sync.Mutex
	entries   map[collab.BlockID]*entry
	started   bool
	closed    bool
	closeOnce sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New constructs a Reader over an already-open data/index pair. direct
// mirrors mergeconfig.Config.Direct: it has no effect on this local-file
// implementation beyond being threaded through for parity with the
// collaborator's direct-I/O hint.
func New(data *storage.Pair, index []collab.IndexRecord, ringCap int, direct bool) *Reader {
	entries := make(map[collab.BlockID]*entry, len(index))
	for _, rec := range index {
		entries[rec.BlockID] = &entry{offset: int64(rec.Offset), length: int64(rec.Length)}
	}
	return &Reader{
		data:      data,
		ringCap:   ringCap,
		direct:    direct,
		chunkSize: DefaultChunkSize,
		entries:   entries,
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Register looks up blockID in the index and returns a lazy stream for it,
// or nil if the block is absent. Register must be called before Start;
// calling it afterward panics.
func (r *Reader) Register(blockID collab.BlockID) *BlockInputStream {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		panic("blockfile: Register called after Start")
	}
	e, ok := r.entries[blockID]
	if !ok {
		return nil
	}
	e.ring = ringbuf.New(r.ringCap)
	return &BlockInputStream{blockID: blockID, ring: e.ring, total: e.length}
}

// Start spawns the background reader goroutine. After this call, Register
// must not be called again.
func (r *Reader) Start() {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	go r.run()
}

// Close signals shutdown, waits for the background goroutine to exit if
// Start was called, closes every registered ring, and closes the underlying
// file descriptors. It may be called without a prior Start.
func (r *Reader) Close(ctx context.Context) error {
	r.closeOnce.Do(func() {
		close(r.stopCh)
	})
	r.mu.Lock()
	started := r.started
	r.mu.Unlock()
	if started {
		<-r.doneCh
	}
	r.mu.Lock()
	r.closed = true
	for _, e := range r.entries {
		if e.ring != nil {
			e.ring.Close()
		}
	}
	r.mu.Unlock()
	return r.data.Close(ctx)
}

// run is the background reader protocol: round-robin over registered
// streams, skipping full rings and finished/failed streams, reading one
// chunk at a time and pushing the EOF sentinel once a stream's bytes are all
// in its ring; park when every ring is full or finished.
func (r *Reader) run() {
	defer close(r.doneCh)
	ctx := context.Background()
	for {
		select {
		case <-r.stopCh:
			return
		default:
		}

		r.mu.Lock()
		registered := make([]*entry, 0, len(r.entries))
		for _, e := range r.entries {
			if e.ring != nil {
				registered = append(registered, e)
			}
		}
		r.mu.Unlock()

		live := make([]*entry, 0, len(registered))
		changed := make([]<-chan struct{}, 0, len(registered))
		for _, e := range registered {
			if e.failed || e.eofSent {
				continue
			}
			// Capture Changed before the Full recheck below: Changed is
			// edge-triggered, closing on the next Broadcast after it's
			// obtained, so a Pop racing this loop either lands before the
			// capture (Full sees the freed slot, we progress) or after
			// (the broadcast fires against the channel waitForAnyChange is
			// about to wait on). Capturing it after the Full check instead
			// can miss a broadcast that fired in between and park forever.
			live = append(live, e)
			changed = append(changed, e.ring.Changed())
		}
		if len(live) == 0 {
			return
		}

		progressed := false
		for _, e := range live {
			if e.ring.Full() {
				continue
			}
			progressed = true
			if e.read >= e.length {
				_ = e.ring.PushEOF(ctx)
				e.eofSent = true
				continue
			}
			n := int64(r.chunkSize)
			if remaining := e.length - e.read; remaining < n {
				n = remaining
			}
			buf, err := r.data.ReadAt(e.offset+e.read, int(n))
			if err != nil {
				mergelog.Error.Printf("blockfile: read error at offset %d: %v", e.offset+e.read, err)
				e.failed = true
				_ = e.ring.PushErr(ctx, err)
				continue
			}
			e.read += n
			if err := e.ring.Push(ctx, buf); err != nil {
				// The consumer went away (ring closed); treat the stream as done.
				e.failed = true
				continue
			}
		}
		if !progressed {
			// Every live ring was still full on the recheck above. Park
			// until stopCh fires or any ring reports a change; changed was
			// captured before that recheck so a racing Pop cannot be missed.
			r.waitForAnyChange(changed)
		}
	}
}

// waitForAnyChange blocks until stopCh fires or any of the given channels
// reports a change, using a dynamic select since the number of live rings
// varies across iterations.
func (r *Reader) waitForAnyChange(changed []<-chan struct{}) {
	cases := make([]reflect.SelectCase, 0, len(changed)+1)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(r.stopCh)})
	for _, ch := range changed {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(ch)})
	}
	reflect.Select(cases)
}
