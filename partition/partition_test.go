package partition

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/shuffleio/mergeengine/collab"
	"github.com/shuffleio/mergeengine/mergeconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() mergeconfig.Config {
	return mergeconfig.Config{
		RingBufferSize:  4,
		InitSleep:       time.Millisecond,
		MaxSleep:        10 * time.Millisecond,
		MergedBlockSize: 1 << 20,
		Direct:          false,
	}
}

func putRecord(t *testing.T, bm *collab.FakeBufferManager, appID, shuffleID string, partitionID int32, blockID collab.BlockID, key, value string) {
	t.Helper()
	var buf bytes.Buffer
	ser := collab.LengthPrefixedSerializer{}
	require.NoError(t, ser.WriteRecord(&buf, []byte(key), []byte(value)))
	payload := buf.Bytes()
	bm.Put(appID, shuffleID, partitionID, collab.Block{
		BlockID:    blockID,
		DataLength: uint32(len(payload)),
		Payload:    collab.NewRefCountedBuffer(payload, false),
	})
}

func waitTerminal(t *testing.T, p *Partition) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		switch s := p.State(); s {
		case Done, InternalError:
			return s
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("partition did not reach a terminal state in time")
	return InternalError
}

func TestStartSortMergeEmptyShortcutsToDone(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	tm := collab.NewFakeTaskManager(1 << 20)
	sm := collab.NewFakeStorageManager("data", "index")
	eh := &collab.FakeEventHandler{}

	p := New("app", "shuffle", 0, testConfig(), bm, tm, sm, eh, collab.BytesComparator{}, collab.LengthPrefixedSerializer{})
	require.NoError(t, p.StartSortMerge(context.Background(), nil))
	assert.Equal(t, Done, p.State())
	assert.Empty(t, eh.Events)

	state, size := p.TryGetBlock(0)
	assert.Equal(t, Done, state)
	assert.Equal(t, -1, size)
}

func TestStartSortMergeAllMemorySucceeds(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	tm := collab.NewFakeTaskManager(1 << 20)
	sm := collab.NewFakeStorageManager("data", "index")
	eh := &collab.FakeEventHandler{}

	putRecord(t, bm, "app", "shuffle", 0, 1, "2", "v2")
	putRecord(t, bm, "app", "shuffle", 0, 2, "1", "v1")
	putRecord(t, bm, "app", "shuffle", 0, 3, "3", "v3")

	p := New("app", "shuffle", 0, testConfig(), bm, tm, sm, eh, collab.BytesComparator{}, collab.LengthPrefixedSerializer{})
	require.NoError(t, p.StartSortMerge(context.Background(), []collab.BlockID{1, 2, 3}))

	state := waitTerminal(t, p)
	require.Equal(t, Done, state)

	gotState, size := p.TryGetBlock(0)
	assert.Equal(t, Done, gotState)
	require.Greater(t, size, 0)

	result, err := p.GetData(context.Background(), 0)
	require.NoError(t, err)
	defer result.Release()

	ser := collab.LengthPrefixedSerializer{}
	r := bytes.NewReader(result.Buffer)
	var keys []string
	for {
		key, _, err := ser.ReadRecord(r)
		if err != nil {
			break
		}
		keys = append(keys, string(key))
	}
	assert.Equal(t, []string{"1", "2", "3"}, keys)
}

func TestStartSortMergeDuplicateIgnored(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	tm := collab.NewFakeTaskManager(1 << 20)
	sm := collab.NewFakeStorageManager("data", "index")
	eh := &collab.FakeEventHandler{}

	p := New("app", "shuffle", 0, testConfig(), bm, tm, sm, eh, collab.BytesComparator{}, collab.LengthPrefixedSerializer{})
	require.NoError(t, p.StartSortMerge(context.Background(), nil))
	require.Equal(t, Done, p.State())

	require.NoError(t, p.StartSortMerge(context.Background(), []collab.BlockID{99}))
	assert.Equal(t, Done, p.State())
	assert.Empty(t, eh.Events)
}

func TestStartSortMergeEventHandlerRefused(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	tm := collab.NewFakeTaskManager(1 << 20)
	sm := collab.NewFakeStorageManager("data", "index")
	eh := &collab.FakeEventHandler{Refuse: true}

	putRecord(t, bm, "app", "shuffle", 0, 1, "k", "v")

	p := New("app", "shuffle", 0, testConfig(), bm, tm, sm, eh, collab.BytesComparator{}, collab.LengthPrefixedSerializer{})
	err := p.StartSortMerge(context.Background(), []collab.BlockID{1})
	require.Error(t, err)
	assert.Equal(t, InternalError, p.State())
}

func TestCleanupClosesReaderWithoutPanic(t *testing.T) {
	bm := collab.NewFakeBufferManager()
	tm := collab.NewFakeTaskManager(1 << 20)
	sm := collab.NewFakeStorageManager("data", "index")
	eh := &collab.FakeEventHandler{}

	putRecord(t, bm, "app", "shuffle", 0, 1, "k", "v")

	p := New("app", "shuffle", 0, testConfig(), bm, tm, sm, eh, collab.BytesComparator{}, collab.LengthPrefixedSerializer{})
	require.NoError(t, p.StartSortMerge(context.Background(), []collab.BlockID{1}))
	waitTerminal(t, p)

	require.NoError(t, p.Cleanup())
	require.NoError(t, p.Cleanup())
}
