// Package mergeconfig holds the merge engine's tunables and the pure
// helper that turns a configured ring-buffer size into the actual
// per-stream ring capacity.
//
// Loading these values from flags, environment, or a cluster config service
// is the job of the host process (the RPC layer / CLI / cluster scheduler),
// which is out of scope for this engine; Default returns sane values for
// embedding and tests.
package mergeconfig

import (
	"time"

	"github.com/shuffleio/mergeengine/data"
	"github.com/shuffleio/mergeengine/mergeerrors"
)

// Config carries the five tunables the merge engine exposes.
type Config struct {
	// RingBufferSize is the configured per-stream ring capacity; it is
	// rounded to a power of two clamped to [2, 32] by RingCapacity.
	RingBufferSize int
	// InitSleep is the initial backoff when memory admission is refused.
	InitSleep time.Duration
	// MaxSleep caps the exponential backoff.
	MaxSleep time.Duration
	// MergedBlockSize is the target size of each emitted merged block.
	MergedBlockSize data.Size
	// Direct prefers direct-buffer (unpooled, non-heap-cached) I/O when the
	// storage layer supports it.
	Direct bool
}

// Default returns the engine's documented defaults.
func Default() Config {
	return Config{
		RingBufferSize:  4,
		InitSleep:       50 * time.Millisecond,
		MaxSleep:        5 * time.Second,
		MergedBlockSize: 14 * data.MiB,
		Direct:          false,
	}
}

// Validate rejects nonsensical configuration.
func (c Config) Validate() error {
	if c.MergedBlockSize <= 0 {
		return mergeerrors.E(mergeerrors.Invalid, "merge.block.merged_block_size must be positive")
	}
	if c.InitSleep <= 0 {
		return mergeerrors.E(mergeerrors.Invalid, "merge.cache_merged_block.init_sleep_ms must be positive")
	}
	if c.MaxSleep < c.InitSleep {
		return mergeerrors.E(mergeerrors.Invalid, "merge.cache_merged_block.max_sleep_ms must be >= init_sleep_ms")
	}
	return nil
}

// RingCapacity implements the power-of-two sizing rule: clamp n to [2, 32],
// then round up to the next power of two. The source's bit trick
// (highestOneBit((clamp-1)<<1)) is reproduced exactly rather than
// simplified, since its boundary behavior at n=2 and n=32 is a documented
// user-facing contract:
//
//   - n <= 2            -> 2
//   - n a power of two  -> n
//   - otherwise         -> next power of two above n, capped at 32
func RingCapacity(n int) int {
	if n < 2 {
		n = 2
	}
	if n > 32 {
		n = 32
	}
	return highestOneBit((n - 1) << 1)
}

// highestOneBit returns the largest power of two <= n (0 for n<=0), matching
// the Java Integer.highestOneBit semantics the original ring-size formula
// was built on.
func highestOneBit(n int) int {
	if n <= 0 {
		return 0
	}
	p := 1
	for p<<1 <= n {
		p <<= 1
	}
	return p
}
