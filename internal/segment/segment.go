// Package segment implements the ordered (key, value) record streams that
// feed the k-way merge: a memory-backed segment over a retained buffer, and
// a file-backed segment streaming through a blockfile.BlockInputStream.
package segment

import (
	"bytes"
	"context"
	"io"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/blockfile"
	"github.com/shuffleio/mergeengine/mergeerrors"
)

// Segment is an ordered stream of (key, value) records backing one input to
// the k-way merge. Construct unopened; Init primes the first record;
// Advance consumes monotonically; Close releases whatever buffers or ring
// slots the segment held.
type Segment interface {
	// Init reads the first record, or marks the segment Done if it has none.
	Init(ctx context.Context) error
	// Done reports whether the segment has no more records.
	Done() bool
	// Key returns the current record's key. Valid only when !Done().
	Key() []byte
	// Value returns the current record's value. Valid only when !Done().
	Value() []byte
	// Advance reads the next record, or marks the segment Done.
	Advance(ctx context.Context) error
	// Close releases the segment's resources.
	Close() error
}

// baseSegment holds the current (key, value) pair common to both
// implementations.
type baseSegment struct {
	serializer collab.Serializer
	key, value []byte
	done       bool
}

func (b *baseSegment) Done() bool   { return b.done }
func (b *baseSegment) Key() []byte  { return b.key }
func (b *baseSegment) Value() []byte { return b.value }

func (b *baseSegment) readNext(r io.Reader) error {
	key, value, err := b.serializer.ReadRecord(r)
	if err == io.EOF {
		b.done = true
		b.key, b.value = nil, nil
		return nil
	}
	if err != nil {
		return mergeerrors.E(mergeerrors.Integrity, err, "segment: decode record")
	}
	b.key, b.value = key, value
	return nil
}

// MemorySegment reads records out of a single in-memory buffer.
type MemorySegment struct {
	baseSegment
	buf *collab.RefCountedBuffer
	r   *bytes.Reader
}

// NewMemorySegment wraps buf, a view already Retain'd by the caller
// collecting blocks for a memory-backed merge.
func NewMemorySegment(buf *collab.RefCountedBuffer, view []byte, serializer collab.Serializer) *MemorySegment {
	return &MemorySegment{
		baseSegment: baseSegment{serializer: serializer},
		buf:         buf,
		r:           bytes.NewReader(view),
	}
}

func (m *MemorySegment) Init(context.Context) error    { return m.readNext(m.r) }
func (m *MemorySegment) Advance(context.Context) error { return m.readNext(m.r) }
func (m *MemorySegment) Close() error {
	m.buf.Release()
	return nil
}

// streamReader adapts a blockfile.BlockInputStream into an io.Reader,
// buffering whatever chunk was last popped from the ring so the serializer
// can read arbitrary-sized records across chunk boundaries.
type streamReader struct {
	ctx  context.Context
	s    *blockfile.BlockInputStream
	pend []byte
	eof  bool
}

func (r *streamReader) Read(p []byte) (int, error) {
	for len(r.pend) == 0 {
		if r.eof {
			return 0, io.EOF
		}
		data, eof, err := r.s.Read(r.ctx)
		if err != nil {
			return 0, mergeerrors.E(mergeerrors.Internal, err, "segment: file stream read")
		}
		if eof {
			r.eof = true
			continue
		}
		r.pend = data
	}
	n := copy(p, r.pend)
	r.pend = r.pend[n:]
	return n, nil
}

// FileSegment reads records from a file-backed block stream served by a
// blockfile.Reader.
type FileSegment struct {
	baseSegment
	stream *blockfile.BlockInputStream
	r      *streamReader
}

// NewFileSegment wraps an already-registered block stream. ctx is retained
// for the lifetime of Init/Advance reads against the stream's ring.
func NewFileSegment(ctx context.Context, stream *blockfile.BlockInputStream, serializer collab.Serializer) *FileSegment {
	return &FileSegment{
		baseSegment: baseSegment{serializer: serializer},
		stream:      stream,
		r:           &streamReader{ctx: ctx, s: stream},
	}
}

func (f *FileSegment) Init(context.Context) error    { return f.readNext(f.r) }
func (f *FileSegment) Advance(context.Context) error { return f.readNext(f.r) }

// Close reports the stream's terminal I/O error, if the background reader
// hit one, so the driver's close path can log it even when the segment was
// already marked Done by the time Close runs.
func (f *FileSegment) Close() error { return f.stream.Err() }
