package segment

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/blockfile"
	"github.com/shuffleio/mergeengine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodeRecords(t *testing.T, pairs [][2]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	ser := collab.LengthPrefixedSerializer{}
	for _, p := range pairs {
		require.NoError(t, ser.WriteRecord(&buf, []byte(p[0]), []byte(p[1])))
	}
	return buf.Bytes()
}

func TestMemorySegmentIteratesAllRecords(t *testing.T) {
	payload := encodeRecords(t, [][2]string{{"a", "1"}, {"b", "2"}})
	buf := collab.NewRefCountedBuffer(payload, false)
	view, ok := buf.Retain()
	require.True(t, ok)

	seg := NewMemorySegment(buf, view, collab.LengthPrefixedSerializer{})
	ctx := context.Background()
	require.NoError(t, seg.Init(ctx))
	require.False(t, seg.Done())
	assert.Equal(t, "a", string(seg.Key()))
	assert.Equal(t, "1", string(seg.Value()))

	require.NoError(t, seg.Advance(ctx))
	require.False(t, seg.Done())
	assert.Equal(t, "b", string(seg.Key()))

	require.NoError(t, seg.Advance(ctx))
	assert.True(t, seg.Done())
	require.NoError(t, seg.Close())
}

func TestFileSegmentIteratesAllRecords(t *testing.T) {
	payload := encodeRecords(t, [][2]string{{"x", "10"}, {"y", "20"}})
	dir := t.TempDir()
	p, err := storage.Create(filepath.Join(dir, "data"), filepath.Join(dir, "index"))
	require.NoError(t, err)
	defer func() { _ = p.Close(context.Background()) }()

	off, err := p.AppendData(payload)
	require.NoError(t, err)

	r := blockfile.New(p, []collab.IndexRecord{{Offset: uint64(off), Length: uint32(len(payload)), BlockID: 1}}, 4, false)
	stream := r.Register(1)
	require.NotNil(t, stream)
	r.Start()
	defer func() { _ = r.Close(context.Background()) }()

	ctx := context.Background()
	seg := NewFileSegment(ctx, stream, collab.LengthPrefixedSerializer{})
	require.NoError(t, seg.Init(ctx))
	assert.Equal(t, "x", string(seg.Key()))
	assert.Equal(t, "10", string(seg.Value()))

	require.NoError(t, seg.Advance(ctx))
	assert.Equal(t, "y", string(seg.Key()))

	require.NoError(t, seg.Advance(ctx))
	assert.True(t, seg.Done())
}

func TestCollectBlocksFallsBackOnRetainRace(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	buf := collab.NewRefCountedBuffer([]byte("payload"), false)
	bm.Put("app", "shuffle", 0, collab.Block{BlockID: 1, DataLength: 7, Payload: buf})
	buf.Release() // simulate a concurrent flush winning the race

	views, _, allCached := CollectBlocks("app", "shuffle", 0, []collab.BlockID{1, 2}, bm)
	assert.False(t, allCached)
	assert.Empty(t, views)
}

func TestCollectBlocksSucceedsWhenCached(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	buf := collab.NewRefCountedBuffer([]byte("payload"), false)
	bm.Put("app", "shuffle", 0, collab.Block{BlockID: 1, DataLength: 7, Payload: buf})

	views, bufs, allCached := CollectBlocks("app", "shuffle", 0, []collab.BlockID{1}, bm)
	assert.True(t, allCached)
	assert.Equal(t, "payload", string(views[1]))
	assert.NotNil(t, bufs[1])
}
