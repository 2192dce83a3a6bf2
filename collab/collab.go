// Package collab declares the collaborator interfaces the merge engine
// consumes but does not implement: BufferManager, TaskManager,
// StorageManager, Comparator, Serializer, and EventHandler. These are
// deliberately out of scope for this module; this package is the seam
// between the engine and whatever shuffle-service process owns them, plus
// in-memory fakes the rest of this module's tests drive against.
package collab

import (
	"context"
	"io"
	"sync/atomic"
)

// Status is the result of a BufferManager.Cache call.
type Status int

const (
	// StatusSuccess indicates the block was cached.
	StatusSuccess Status = iota
	// StatusNoBuffer indicates the buffer manager rejected the block, e.g.
	// because the target app/shuffle is unknown.
	StatusNoBuffer
	// StatusNoRegister indicates the block was written but could not be
	// registered in the shuffle index.
	StatusNoRegister
)

// BlockID identifies a block within a partition.
type BlockID = uint64

// Block is a cached payload plus its bookkeeping metadata.
type Block struct {
	BlockID            BlockID
	DataLength         uint32
	UncompressedLength uint32
	CRC                uint64
	TaskAttemptID      int64
	Payload            *RefCountedBuffer
}

// MergedTaskAttemptID is the sentinel task-attempt id assigned to emitted
// merged blocks, distinguishing them from ordinary input blocks.
const MergedTaskAttemptID int64 = -1

// RefCountedBuffer is a reference-counted view over an in-memory byte
// buffer. Retain must be called before a caller is handed a duplicate view;
// Retain fails (returns false) if a concurrent Release already dropped the
// count to zero.
type RefCountedBuffer struct {
	refs  atomic.Int32
	bytes []byte
	onLAB bool
}

// NewRefCountedBuffer wraps b with an initial reference count of one.
// onLAB marks the buffer as carved from a linear allocation buffer, which
// forces Retain to deep-copy rather than share.
func NewRefCountedBuffer(b []byte, onLAB bool) *RefCountedBuffer {
	buf := &RefCountedBuffer{bytes: b, onLAB: onLAB}
	buf.refs.Store(1)
	return buf
}

// Retain attempts to take a duplicate view of the buffer's bytes, honoring
// the LAB-vs-heap distinction: on-LAB buffers are deep-copied because the
// LAB may be recycled independent of block ref-counts, heap-allocated
// buffers are shared. It returns ok=false if the buffer's reference count
// had already reached zero (a concurrent flush won the race), in which case
// the caller must fall back to a file-backed read.
func (b *RefCountedBuffer) Retain() (view []byte, ok bool) {
	if b == nil {
		return nil, false
	}
	for {
		cur := b.refs.Load()
		if cur <= 0 {
			return nil, false
		}
		if b.refs.CompareAndSwap(cur, cur+1) {
			break
		}
	}
	if b.onLAB {
		dup := make([]byte, len(b.bytes))
		copy(dup, b.bytes)
		return dup, true
	}
	return b.bytes, true
}

// Release drops one reference. The flush path is the one expected to drive
// the count to zero; concurrent Retain calls observe the race via a failed
// CAS and fall back to file-backed segments.
func (b *RefCountedBuffer) Release() {
	if b == nil {
		return
	}
	for {
		cur := b.refs.Load()
		if cur <= 0 {
			return
		}
		if b.refs.CompareAndSwap(cur, cur-1) {
			return
		}
	}
}

// Len reports the buffer's data length, independent of reference count.
func (b *RefCountedBuffer) Len() int {
	if b == nil {
		return 0
	}
	return len(b.bytes)
}

// BufferManager stores and indexes in-memory blocks keyed by
// (appId, shuffleId, partitionId, blockId).
type BufferManager interface {
	// Get looks up a block; it returns ok=false if no such block is cached.
	Get(appID, shuffleID string, partitionID int32, blockID BlockID) (b *Block, ok bool)
	// Cache publishes block under (appID, shuffleID, partitionID),
	// returning a Status.
	Cache(appID, shuffleID string, partitionID int32, block Block) Status
	// UpdateCachedBlockIDs records which block ids are now cached for a
	// partition, for downstream flush bookkeeping.
	UpdateCachedBlockIDs(appID, shuffleID string, partitionID int32, blockIDs []BlockID)
}

// TaskManager provides global memory admission control and per-task block
// bookkeeping.
type TaskManager interface {
	// RequireMemory attempts to admit n bytes, returning whether admission
	// succeeded. highPriority requests may be granted preferential access by
	// the implementation.
	RequireMemory(n int64, highPriority bool) bool
	// ReleaseMemory returns n bytes of previously admitted quota.
	ReleaseMemory(n int64, isReleasingFromBuffer, isPreAllocation bool)
	// RegisterBlock records that blockID has been committed for the given
	// partition.
	RegisterBlock(appID, shuffleID string, partitionID int32, blockID BlockID)
}

// IndexRecord is one 40-byte record of the persisted shuffle-index layout.
type IndexRecord struct {
	Offset        uint64
	Length        uint32
	Uncompressed  uint32
	CRC           uint64
	BlockID       BlockID
	TaskAttemptID int64
}

// IndexResult is what a StorageManager read handler returns: the backing
// data file's name plus the encoded index bytes to be parsed into
// IndexRecords.
type IndexResult struct {
	DataFileName string
	IndexBytes   []byte
}

// StorageManager resolves an (app, shuffle, partition) triple to a local
// data file + index file pair.
type StorageManager interface {
	// Resolve returns the current data and index file paths for a
	// partition. The index file may grow as the merge or subsequent flushes
	// progress; callers re-resolve to pick up growth.
	Resolve(appID, shuffleID string, partitionID int32) (dataFile, indexFile string, err error)
	// ReadIndex returns the current encoded shuffle index for a partition.
	ReadIndex(ctx context.Context, appID, shuffleID string, partitionID int32) (IndexResult, error)
}

// Comparator orders keys in their wire form. RawBytesOrdered, when true,
// tells the merge driver it may compare key bytes directly with
// bytes.Compare instead of invoking Compare.
type Comparator interface {
	Compare(a, b []byte) int
	RawBytesOrdered() bool
}

// Serializer reads and writes (key, value) records from/to a byte stream.
type Serializer interface {
	// ReadRecord reads the next (key, value) record from r. It returns
	// io.EOF when no more records remain.
	ReadRecord(r io.Reader) (key, value []byte, err error)
	// WriteRecord appends a (key, value) record to w.
	WriteRecord(w io.Writer, key, value []byte) error
}

// MergeEvent is submitted to an EventHandler to schedule a partition's
// background merge.
type MergeEvent struct {
	AppID       string
	ShuffleID   string
	PartitionID int32
	Run         func(ctx context.Context) error
}

// EventHandler schedules merge work onto the merge-worker pool. Handle
// returns false if the event was refused (pool full, shutting down, ...),
// which moves the partition straight to INTERNAL_ERROR.
type EventHandler interface {
	Handle(event MergeEvent) bool
}
