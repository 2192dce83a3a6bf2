package segment

import (
	"context"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/blockfile"
	"github.com/shuffleio/mergeengine/mergeerrors"
)

// CollectBlocks walks the expected block ids and attempts to acquire a
// reference-counted duplicate of each in-memory block. The LAB-vs-heap
// distinction lives inside collab.RefCountedBuffer.Retain: on-LAB blocks are
// deep-copied since the LAB may be recycled independent of block
// ref-counts, heap-allocated blocks are retained and shared.
//
// It returns the successfully-retained views keyed by block id, and
// allCached=true only when every id was retained. Ids missing from
// bufferManager, or whose retain lost the race against a concurrent
// release, are simply absent from the returned map; the caller falls back
// to a file-backed segment for those.
func CollectBlocks(
	appID, shuffleID string,
	partitionID int32,
	blockIDs []collab.BlockID,
	bufferManager collab.BufferManager,
) (views map[collab.BlockID][]byte, bufs map[collab.BlockID]*collab.RefCountedBuffer, allCached bool) {
	views = make(map[collab.BlockID][]byte, len(blockIDs))
	bufs = make(map[collab.BlockID]*collab.RefCountedBuffer, len(blockIDs))
	allCached = true
	for _, id := range blockIDs {
		block, ok := bufferManager.Get(appID, shuffleID, partitionID, id)
		if !ok {
			allCached = false
			continue
		}
		view, ok := block.Payload.Retain()
		if !ok {
			// The flusher won the race; fall back to file.
			allCached = false
			continue
		}
		views[id] = view[:block.DataLength]
		bufs[id] = block.Payload
	}
	return views, bufs, allCached
}

// Build materializes one Segment per requested block id: memory-backed if
// present in cached (as populated by CollectBlocks), otherwise registered
// against reader as a file-backed stream. It fails if any id is present in
// neither source.
func Build(
	ctx context.Context,
	blockIDs []collab.BlockID,
	cachedViews map[collab.BlockID][]byte,
	cachedBufs map[collab.BlockID]*collab.RefCountedBuffer,
	reader *blockfile.Reader,
	serializer collab.Serializer,
) ([]Segment, error) {
	segments := make([]Segment, 0, len(blockIDs))
	for i, id := range blockIDs {
		if view, ok := cachedViews[id]; ok {
			segments = append(segments, NewMemorySegment(cachedBufs[id], view, serializer))
			continue
		}
		stream := reader.Register(id)
		if stream == nil {
			for _, s := range segments {
				_ = s.Close()
			}
			releaseUnused(blockIDs[i:], cachedViews, cachedBufs)
			return nil, mergeerrors.E(mergeerrors.NotExist, "segment: block absent from both memory and file index")
		}
		segments = append(segments, NewFileSegment(ctx, stream, serializer))
	}
	return segments, nil
}

// releaseUnused drops the retained reference on any still-cached block that
// was never wrapped into a segment because an earlier id in the same Build
// call failed first.
func releaseUnused(remaining []collab.BlockID, cachedViews map[collab.BlockID][]byte, cachedBufs map[collab.BlockID]*collab.RefCountedBuffer) {
	for _, id := range remaining {
		if _, ok := cachedViews[id]; ok {
			if buf, ok := cachedBufs[id]; ok {
				buf.Release()
			}
		}
	}
}
