package eventhandler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandleRunsEvent(t *testing.T) {
	p := New(context.Background(), 2, 4)
	var ran int32
	ok := p.Handle(collab.MergeEvent{
		AppID: "a", ShuffleID: "s", PartitionID: 0,
		Run: func(context.Context) error {
			atomic.AddInt32(&ran, 1)
			return nil
		},
	})
	require.True(t, ok)
	require.NoError(t, p.Wait())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestHandleRefusesWhenQueueFull(t *testing.T) {
	block := make(chan struct{})
	p := New(context.Background(), 1, 1)
	// Occupy the single worker so the queue backs up.
	require.True(t, p.Handle(collab.MergeEvent{Run: func(context.Context) error {
		<-block
		return nil
	}}))
	// Fill the queue's one slot.
	require.True(t, p.Handle(collab.MergeEvent{Run: func(context.Context) error { return nil }}))
	// The pool is now at capacity (1 running + 1 queued); further submissions
	// must be refused.
	refused := false
	for i := 0; i < 10; i++ {
		if !p.Handle(collab.MergeEvent{Run: func(context.Context) error { return nil }}) {
			refused = true
			break
		}
	}
	close(block)
	assert.True(t, refused, "expected Handle to refuse once the pool saturated")
}

func TestWaitAggregatesErrors(t *testing.T) {
	p := New(context.Background(), 2, 4)
	wantErr := errors.New("boom")
	require.True(t, p.Handle(collab.MergeEvent{Run: func(context.Context) error { return wantErr }}))
	err := p.Wait()
	assert.Error(t, err)
}

func TestHandleRefusesAfterContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := New(ctx, 1, 1)
	cancel()
	time.Sleep(10 * time.Millisecond)
	ok := p.Handle(collab.MergeEvent{Run: func(context.Context) error { return nil }})
	assert.False(t, ok)
}
