// Package sink implements MergedResult (component A): it slices the merge
// output byte stream into fixed-size numbered blocks and hands each one to
// a caller-supplied emit function, tracking emitted sizes so a concurrent
// reader can query tryGetBlock-style state while the merge is still
// running.
package sink

import (
	"context"
	"sync"

	"github.com/shuffleio/mergeengine/mergeerrors"
)

// EmitFunc publishes one merged block and reports success. The partition
// package uses the one NewAdmissionEmitter builds around BufferManager.Cache
// and TaskManager's admission control.
type EmitFunc func(ctx context.Context, data []byte, blockID uint64) error

// WriteStream accepts arbitrary byte writes and flushes completed blocks of
// exactly mergedBlockSize bytes (the final block may be shorter).
type WriteStream struct {
	mergedBlockSize int
	emit            EmitFunc

	mu      sync.Mutex
	pending []byte
	nextID  uint64
	sizes   map[uint64]int
	closed  bool
}

// Open returns a new WriteStream. totalBytes is an optional size hint used
// only to presize the pending buffer; 0 is fine if unknown.
func Open(mergedBlockSize int, totalBytes int, emit EmitFunc) *WriteStream {
	if mergedBlockSize <= 0 {
		panic("sink: mergedBlockSize must be positive")
	}
	cap := totalBytes
	if cap > mergedBlockSize {
		cap = mergedBlockSize
	}
	return &WriteStream{
		mergedBlockSize: mergedBlockSize,
		emit:            emit,
		pending:         make([]byte, 0, cap),
		sizes:           make(map[uint64]int),
	}
}

// Write appends p to the stream, flushing every complete mergedBlockSize
// block it forms along the way. A failed emit is surfaced synchronously and
// is fatal for the partition.
func (s *WriteStream) Write(ctx context.Context, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return mergeerrors.E(mergeerrors.Invalid, "sink: write after Finish")
	}
	s.pending = append(s.pending, p...)
	for len(s.pending) >= s.mergedBlockSize {
		block := s.pending[:s.mergedBlockSize]
		if err := s.flushLocked(ctx, block); err != nil {
			return err
		}
		s.pending = append([]byte(nil), s.pending[s.mergedBlockSize:]...)
	}
	return nil
}

// Finish flushes any remaining partial block and marks the stream closed.
// It is a no-op if there is no pending data.
func (s *WriteStream) Finish(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if len(s.pending) == 0 {
		return nil
	}
	block := s.pending
	s.pending = nil
	return s.flushLocked(ctx, block)
}

func (s *WriteStream) flushLocked(ctx context.Context, block []byte) error {
	id := s.nextID
	if err := s.emit(ctx, block, id); err != nil {
		return mergeerrors.E(err, "sink: emit block")
	}
	s.sizes[id] = len(block)
	s.nextID++
	return nil
}

// Size returns the length of an already-emitted block.
func (s *WriteStream) Size(blockID uint64) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.sizes[blockID]
	return n, ok
}

// IsOutOfBound reports whether blockID has not yet been emitted.
func (s *WriteStream) IsOutOfBound(blockID uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return blockID >= s.nextID
}
