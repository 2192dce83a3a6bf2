package ringbuf

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	r := New(5)
	assert.Equal(t, 8, r.Cap())
}

func TestPushPopOrder(t *testing.T) {
	r := New(2)
	ctx := context.Background()
	require.NoError(t, r.Push(ctx, []byte("a")))
	require.NoError(t, r.Push(ctx, []byte("b")))

	data, eof, err, ok := r.Pop(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "a", string(data))

	data, eof, err, ok = r.Pop(ctx)
	require.True(t, ok)
	require.NoError(t, err)
	assert.False(t, eof)
	assert.Equal(t, "b", string(data))
}

func TestEOFSentinel(t *testing.T) {
	r := New(2)
	ctx := context.Background()
	require.NoError(t, r.Push(ctx, []byte("x")))
	require.NoError(t, r.PushEOF(ctx))

	_, eof, _, ok := r.Pop(ctx)
	require.True(t, ok)
	assert.False(t, eof)

	_, eof, _, ok = r.Pop(ctx)
	require.True(t, ok)
	assert.True(t, eof)
}

func TestErrSentinel(t *testing.T) {
	r := New(2)
	ctx := context.Background()
	wantErr := context.DeadlineExceeded
	require.NoError(t, r.PushErr(ctx, wantErr))

	_, _, err, ok := r.Pop(ctx)
	require.True(t, ok)
	assert.Equal(t, wantErr, err)
}

func TestProducerBlocksOnFull(t *testing.T) {
	r := New(2) // capacity 2
	ctx := context.Background()
	require.NoError(t, r.Push(ctx, []byte("a")))
	require.NoError(t, r.Push(ctx, []byte("b")))
	assert.True(t, r.Full())

	var wg sync.WaitGroup
	wg.Add(1)
	pushed := make(chan struct{})
	go func() {
		defer wg.Done()
		require.NoError(t, r.Push(ctx, []byte("c")))
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("push completed while ring was full")
	case <-time.After(20 * time.Millisecond):
	}

	_, _, _, ok := r.Pop(ctx)
	require.True(t, ok)

	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("push did not unblock after a pop freed a slot")
	}
	wg.Wait()
}

func TestConsumerBlocksOnEmpty(t *testing.T) {
	r := New(2)
	ctx := context.Background()
	popped := make(chan struct{})
	go func() {
		_, _, _, ok := r.Pop(ctx)
		if ok {
			close(popped)
		}
	}()

	select {
	case <-popped:
		t.Fatal("pop completed on empty ring")
	case <-time.After(20 * time.Millisecond):
	}

	require.NoError(t, r.Push(ctx, []byte("a")))

	select {
	case <-popped:
	case <-time.After(time.Second):
		t.Fatal("pop did not unblock after a push")
	}
}

func TestPushCanceled(t *testing.T) {
	r := New(2)
	ctx := context.Background()
	require.NoError(t, r.Push(ctx, []byte("a")))
	require.NoError(t, r.Push(ctx, []byte("b")))

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	err := r.Push(cctx, []byte("c"))
	assert.Error(t, err)
}

func TestClosedRingWakesWaiters(t *testing.T) {
	r := New(2)
	ctx := context.Background()
	done := make(chan struct{})
	go func() {
		_, _, _, ok := r.Pop(ctx)
		assert.False(t, ok)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	r.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("closing the ring did not wake the blocked consumer")
	}
}
