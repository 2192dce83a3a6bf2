// Package partition implements the per-partition state machine that ties
// together the sink, driver, segment, blockfile, and blockreader packages
// and a collab.EventHandler into one front door: startSortMerge triggers the
// merge exactly once, tryGetBlock lets readers poll emitted output while
// the merge is still running, and getData serves the merged bytes back
// once they exist.
package partition

import (
	"context"
	"sync"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/blockfile"
	"github.com/shuffleio/mergeengine/internal/blockreader"
	"github.com/shuffleio/mergeengine/internal/driver"
	"github.com/shuffleio/mergeengine/internal/segment"
	"github.com/shuffleio/mergeengine/internal/sink"
	"github.com/shuffleio/mergeengine/internal/storage"
	"github.com/shuffleio/mergeengine/mergeconfig"
	"github.com/shuffleio/mergeengine/mergeerrors"
	"github.com/shuffleio/mergeengine/mergelog"
	"github.com/shuffleio/mergeengine/sync/once"
)

// MergedAppSuffix distinguishes the synthetic appID under which merged
// output blocks are cached and indexed from the original shuffle's appID.
const MergedAppSuffix = "-merged"

// State is one of the partition's lifecycle states.
type State int

const (
	// Inited is the state a partition starts in, before StartSortMerge.
	Inited State = iota
	// Merging is set when StartSortMerge begins a non-empty merge, before
	// the driver is built and the merge event is submitted, and holds until
	// the driver finishes.
	Merging
	// Done is the terminal state on a clean merge (or an empty input set).
	Done
	// InternalError is the terminal state on any failure: event submission
	// refused, a segment build failure, or an error from the driver.
	InternalError
)

func (s State) String() string {
	switch s {
	case Inited:
		return "INITED"
	case Merging:
		return "MERGING"
	case Done:
		return "DONE"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN"
	}
}

// Partition is identified by (appID, shuffleID, partitionID) and owns the
// collaborators needed to run its merge exactly once.
type Partition struct {
	appID, shuffleID string
	partitionID      int32
	mergedAppID      string

	cfg            mergeconfig.Config
	bufferManager  collab.BufferManager
	taskManager    collab.TaskManager
	storageManager collab.StorageManager
	eventHandler   collab.EventHandler
	comparator     collab.Comparator
	serializer     collab.Serializer

	trigger once.Task
	reader  *blockreader.Reader

	mu     sync.Mutex
	state  State
	output *sink.WriteStream
}

// New returns a Partition in state Inited.
func New(
	appID, shuffleID string,
	partitionID int32,
	cfg mergeconfig.Config,
	bufferManager collab.BufferManager,
	taskManager collab.TaskManager,
	storageManager collab.StorageManager,
	eventHandler collab.EventHandler,
	comparator collab.Comparator,
	serializer collab.Serializer,
) *Partition {
	mergedAppID := appID + MergedAppSuffix
	return &Partition{
		appID:          appID,
		shuffleID:      shuffleID,
		partitionID:    partitionID,
		mergedAppID:    mergedAppID,
		cfg:            cfg,
		bufferManager:  bufferManager,
		taskManager:    taskManager,
		storageManager: storageManager,
		eventHandler:   eventHandler,
		comparator:     comparator,
		serializer:     serializer,
		state:          Inited,
		reader:         blockreader.New(mergedAppID, shuffleID, partitionID, bufferManager, storageManager),
	}
}

// State returns the partition's current state.
func (p *Partition) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *Partition) setState(s State) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()
}

// StartSortMerge triggers the partition's merge exactly once. A second call
// is ignored and logged: the trigger is idempotent. An empty expectedBlockIDs
// set shortcuts straight to Done without touching the event handler.
func (p *Partition) StartSortMerge(ctx context.Context, expectedBlockIDs []collab.BlockID) error {
	if p.trigger.Done() {
		mergelog.Info.Printf("partition: %s/%s/%d: duplicate startSortMerge ignored, state=%v", p.appID, p.shuffleID, p.partitionID, p.State())
		return nil
	}
	return p.trigger.Do(func() error {
		if len(expectedBlockIDs) == 0 {
			p.setState(Done)
			return nil
		}
		p.setState(Merging)

		d, output, err := p.buildDriver(ctx, expectedBlockIDs)
		if err != nil {
			p.setState(InternalError)
			return err
		}
		p.mu.Lock()
		p.output = output
		p.mu.Unlock()

		ok := p.eventHandler.Handle(collab.MergeEvent{
			AppID:       p.appID,
			ShuffleID:   p.shuffleID,
			PartitionID: p.partitionID,
			Run:         func(runCtx context.Context) error { return p.runMerge(runCtx, d) },
		})
		if !ok {
			p.setState(InternalError)
			return mergeerrors.E(mergeerrors.Unavailable, "partition: event handler refused merge submission")
		}
		return nil
	})
}

// runMerge drives the merge and sets the terminal state from its outcome.
func (p *Partition) runMerge(ctx context.Context, d *driver.Driver) error {
	err := d.Run(ctx)
	if err != nil {
		mergelog.Error.Printf("partition: %s/%s/%d: merge failed: %v", p.appID, p.shuffleID, p.partitionID, err)
		p.setState(InternalError)
		return err
	}
	p.setState(Done)
	return nil
}

// buildDriver assembles the segments, optional file-backed reader, and
// output sink for one merge run.
func (p *Partition) buildDriver(ctx context.Context, blockIDs []collab.BlockID) (*driver.Driver, *sink.WriteStream, error) {
	views, bufs, allCached := segment.CollectBlocks(p.appID, p.shuffleID, p.partitionID, blockIDs, p.bufferManager)

	var fileReader *blockfile.Reader
	if !allCached {
		var err error
		fileReader, err = p.openInputReader(ctx)
		if err != nil {
			releaseAll(bufs)
			return nil, nil, err
		}
	}

	segments, err := segment.Build(ctx, blockIDs, views, bufs, fileReader, p.serializer)
	if err != nil {
		if fileReader != nil {
			_ = fileReader.Close(ctx)
		}
		return nil, nil, err
	}

	emit := sink.NewAdmissionEmitter(p.mergedAppID, p.shuffleID, p.partitionID, p.bufferManager, p.taskManager, p.cfg)
	output := sink.Open(int(p.cfg.MergedBlockSize.Bytes()), 0, emit)

	return &driver.Driver{
		Segments:   segments,
		Reader:     fileReader,
		Output:     output,
		Comparator: p.comparator,
		Serializer: p.serializer,
	}, output, nil
}

// openInputReader resolves and opens the partition's original (pre-merge)
// data/index file pair and wraps it in a blockfile.Reader, for the blocks
// collectBlocks could not serve from memory.
func (p *Partition) openInputReader(ctx context.Context) (*blockfile.Reader, error) {
	dataFile, indexFile, err := p.storageManager.Resolve(p.appID, p.shuffleID, p.partitionID)
	if err != nil {
		return nil, mergeerrors.E(mergeerrors.Internal, err, "partition: resolve input storage")
	}
	pair, err := storage.Open(dataFile, indexFile)
	if err != nil {
		return nil, mergeerrors.E(err, "partition: open input storage")
	}
	indexBytes, err := pair.ReadIndex()
	if err != nil {
		_ = pair.Close(ctx)
		return nil, mergeerrors.E(err, "partition: read input index")
	}
	records, err := collab.DecodeIndex(indexBytes)
	if err != nil {
		_ = pair.Close(ctx)
		return nil, mergeerrors.E(mergeerrors.Integrity, err, "partition: decode input index")
	}
	return blockfile.New(pair, records, p.cfg.RingBufferSize, p.cfg.Direct), nil
}

func releaseAll(bufs map[collab.BlockID]*collab.RefCountedBuffer) {
	for _, buf := range bufs {
		buf.Release()
	}
}

// TryGetBlock reports the partition's current state and, if the state is
// Merging or Done and blockID has already been emitted, its size. Readers
// loop on size -1 until the next block is emitted or the state turns
// terminal.
func (p *Partition) TryGetBlock(blockID uint64) (State, int) {
	p.mu.Lock()
	state := p.state
	output := p.output
	p.mu.Unlock()

	if state != Merging && state != Done {
		return state, -1
	}
	if output == nil || output.IsOutOfBound(blockID) {
		return state, -1
	}
	size, ok := output.Size(blockID)
	if !ok {
		return state, -1
	}
	return state, size
}

// GetData serves the bytes of an emitted merged block, memory-first with a
// file fallback through the reloadable ShuffleMeta index.
func (p *Partition) GetData(ctx context.Context, blockID collab.BlockID) (blockreader.DataResult, error) {
	return p.reader.GetData(ctx, blockID)
}

// Cleanup releases the cached ShuffleMeta index and any open file handle it
// holds. It does not reset the idempotent trigger: a partition is not
// restarted after cleanup, it is discarded.
func (p *Partition) Cleanup() error {
	if err := p.reader.Close(); err != nil {
		mergelog.Debug.Printf("partition: %s/%s/%d: cleanup close error: %v", p.appID, p.shuffleID, p.partitionID, err)
	}
	p.reader.Reset()
	return nil
}
