package sink

import (
	"context"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/mergeconfig"
	"github.com/shuffleio/mergeengine/mergeerrors"
	"github.com/shuffleio/mergeengine/mergelog"
	"github.com/shuffleio/mergeengine/retry"
)

// NewAdmissionEmitter builds the EmitFunc that implements the Partition's
// emit policy: admit memory with exponential backoff, cache the block under
// the merged-app alias, and register the block id on success.
//
// ReleaseMemory is deliberately NOT called on the success path: memory is
// released indirectly when BufferManager later flushes the merged block.
// This is a documented quirk, not an oversight. Each call builds a fresh
// retry.Backoff, which is what resets the delay to InitSleep on the next
// emit.
func NewAdmissionEmitter(
	mergedAppID, shuffleID string,
	partitionID int32,
	bufferManager collab.BufferManager,
	taskManager collab.TaskManager,
	cfg mergeconfig.Config,
) EmitFunc {
	return func(ctx context.Context, data []byte, blockID uint64) error {
		policy := retry.Backoff(cfg.InitSleep, cfg.MaxSleep, 2)
		for attempt := 0; !taskManager.RequireMemory(int64(len(data)), false); attempt++ {
			mergelog.Debug.Printf("sink: admission refused for block %d, backing off (attempt %d)", blockID, attempt)
			if err := retry.Wait(ctx, policy, attempt); err != nil {
				return mergeerrors.E(mergeerrors.Canceled, err, "sink: memory admission wait canceled")
			}
		}

		buf := collab.NewRefCountedBuffer(data, false)
		block := collab.Block{
			BlockID:            blockID,
			DataLength:         uint32(len(data)),
			UncompressedLength: uint32(len(data)),
			CRC:                uint64(len(data)),
			TaskAttemptID:      collab.MergedTaskAttemptID,
			Payload:            buf,
		}
		status := bufferManager.Cache(mergedAppID, shuffleID, partitionID, block)
		if status != collab.StatusSuccess {
			taskManager.ReleaseMemory(int64(len(data)), true, false)
			return mergeerrors.E(mergeerrors.Unavailable, "sink: BufferManager.Cache refused merged block")
		}
		taskManager.RegisterBlock(mergedAppID, shuffleID, partitionID, blockID)
		return nil
	}
}
