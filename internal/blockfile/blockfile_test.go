package blockfile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPair(t *testing.T) *storage.Pair {
	t.Helper()
	dir := t.TempDir()
	p, err := storage.Create(filepath.Join(dir, "data"), filepath.Join(dir, "index"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close(context.Background()) })
	return p
}

func TestRegisterReturnsNilForUnknownBlock(t *testing.T) {
	p := newPair(t)
	r := New(p, nil, 4, false)
	assert.Nil(t, r.Register(1))
}

func TestSingleStreamReadsInOrder(t *testing.T) {
	p := newPair(t)
	off, err := p.AppendData([]byte("hello world"))
	require.NoError(t, err)

	r := New(p, []collab.IndexRecord{{Offset: uint64(off), Length: 11, BlockID: 1}}, 4, false)
	s := r.Register(1)
	require.NotNil(t, s)
	assert.Equal(t, int64(11), s.Available())
	r.Start()

	ctx := context.Background()
	var got []byte
	for {
		data, eof, err := s.Read(ctx)
		require.NoError(t, err)
		if eof {
			break
		}
		got = append(got, data...)
	}
	assert.Equal(t, "hello world", string(got))
	require.NoError(t, r.Close(ctx))
}

func TestMultipleStreamsIndependentOrder(t *testing.T) {
	p := newPair(t)
	off1, err := p.AppendData([]byte("AAAA"))
	require.NoError(t, err)
	off2, err := p.AppendData([]byte("BBBBBB"))
	require.NoError(t, err)

	r := New(p, []collab.IndexRecord{
		{Offset: uint64(off1), Length: 4, BlockID: 1},
		{Offset: uint64(off2), Length: 6, BlockID: 2},
	}, 2, false)
	s1 := r.Register(1)
	s2 := r.Register(2)
	r.Start()

	ctx := context.Background()
	read := func(s *BlockInputStream) string {
		var got []byte
		for {
			data, eof, err := s.Read(ctx)
			require.NoError(t, err)
			if eof {
				break
			}
			got = append(got, data...)
		}
		return string(got)
	}
	assert.Equal(t, "AAAA", read(s1))
	assert.Equal(t, "BBBBBB", read(s2))
	require.NoError(t, r.Close(ctx))
}

func TestRegisterAfterStartPanics(t *testing.T) {
	p := newPair(t)
	r := New(p, nil, 4, false)
	r.Start()
	assert.Panics(t, func() { r.Register(1) })
	require.NoError(t, r.Close(context.Background()))
}
