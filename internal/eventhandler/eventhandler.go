// Package eventhandler implements the merge-worker pool that schedules a
// partition's background merge: one background merge worker per partition,
// scheduled by the external event handler pool: a fixed set of
// workers draining a bounded queue, concurrency additionally capped by a
// limiter.Limiter token bucket, and errors from completed events aggregated
// with sync/multierror.
package eventhandler

import (
	"context"
	"sync"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/limiter"
	"github.com/shuffleio/mergeengine/mergelog"
	"github.com/shuffleio/mergeengine/sync/multierror"
)

type deliverable struct {
	event collab.MergeEvent
}

// Pool is a bounded merge-worker pool. It satisfies collab.EventHandler.
type Pool struct {
	ctx     context.Context
	queue   chan deliverable
	limiter *limiter.Limiter

	mu     sync.Mutex
	errs   *multierror.MultiError
	active sync.WaitGroup
}

// New starts a Pool with the given number of worker goroutines and an
// equal-sized concurrency limiter admitting one token per in-flight merge.
// queueDepth bounds how many events may be pending before Handle starts
// refusing submissions, which moves the owning partition to INTERNAL_ERROR.
func New(ctx context.Context, concurrency, queueDepth int) *Pool {
	p := &Pool{
		ctx:     ctx,
		queue:   make(chan deliverable, queueDepth),
		limiter: limiter.New(),
		errs:    multierror.NewMultiError(queueDepth),
	}
	p.limiter.Release(concurrency)
	for i := 0; i < concurrency; i++ {
		go p.worker()
	}
	return p
}

// Handle enqueues event without blocking, satisfying collab.EventHandler.
// It returns false if the queue is full or the pool's context is done.
func (p *Pool) Handle(event collab.MergeEvent) bool {
	select {
	case <-p.ctx.Done():
		return false
	default:
	}
	p.active.Add(1)
	select {
	case p.queue <- deliverable{event: event}:
		return true
	default:
		p.active.Done()
		return false
	}
}

// Wait blocks until every submitted event has completed, then returns the
// aggregated error, if any.
func (p *Pool) Wait() error {
	p.active.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.errs.ErrorOrNil()
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case d, ok := <-p.queue:
			if !ok {
				return
			}
			p.run(d.event)
		}
	}
}

func (p *Pool) run(event collab.MergeEvent) {
	defer p.active.Done()
	if err := p.limiter.Acquire(p.ctx, 1); err != nil {
		mergelog.Error.Printf("eventhandler: %s/%s/%d: acquire token: %v", event.AppID, event.ShuffleID, event.PartitionID, err)
		p.mu.Lock()
		p.errs.Add(err)
		p.mu.Unlock()
		return
	}
	defer p.limiter.Release(1)

	mergelog.Info.Printf("eventhandler: %s/%s/%d: merge starting", event.AppID, event.ShuffleID, event.PartitionID)
	if err := event.Run(p.ctx); err != nil {
		mergelog.Error.Printf("eventhandler: %s/%s/%d: merge failed: %v", event.AppID, event.ShuffleID, event.PartitionID, err)
		p.mu.Lock()
		p.errs.Add(err)
		p.mu.Unlock()
		return
	}
	mergelog.Info.Printf("eventhandler: %s/%s/%d: merge complete", event.AppID, event.ShuffleID, event.PartitionID)
}

var _ collab.EventHandler = (*Pool)(nil)
