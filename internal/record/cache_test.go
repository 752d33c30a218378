package record

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// countingStore wraps a MemoryStore and counts Get calls, so tests can
// assert the cache actually avoids hitting the backing store.
type countingStore struct {
	*MemoryStore
	gets int
}

func (c *countingStore) Get(ctx context.Context, id string) (Record, error) {
	c.gets++
	return c.MemoryStore.Get(ctx, id)
}

func TestCachingStore_GetHitsBackingStoreOnceForTerminalRecord(t *testing.T) {
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()

	require.NoError(t, inner.Create(ctx, Record{ID: "r1", Status: StatusProcessing}, true))
	require.NoError(t, inner.UpdateStatus(ctx, "r1", StatusSuccess, StatusPatch{}))

	cached := NewCachingStore(inner)

	_, err := cached.Get(ctx, "r1")
	require.NoError(t, err)
	_, err = cached.Get(ctx, "r1")
	require.NoError(t, err)
	_, err = cached.Get(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, 1, inner.gets, "a terminal record should only be fetched from the backing store once")
}

func TestCachingStore_NonTerminalRecordIsNeverCached(t *testing.T) {
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, inner.Create(ctx, Record{ID: "r1", Status: StatusProcessing}, true))

	cached := NewCachingStore(inner)
	_, err := cached.Get(ctx, "r1")
	require.NoError(t, err)
	_, err = cached.Get(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.gets, "a non-terminal record must be re-read every time")
}

func TestCachingStore_UpdateStatusInvalidatesCache(t *testing.T) {
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, inner.Create(ctx, Record{ID: "r1", Status: StatusProcessing}, true))
	require.NoError(t, inner.UpdateStatus(ctx, "r1", StatusSuccess, StatusPatch{}))

	cached := NewCachingStore(inner)
	_, err := cached.Get(ctx, "r1")
	require.NoError(t, err)

	require.NoError(t, cached.UpdateStatus(ctx, "r1", StatusConsumerProcessing, StatusPatch{}))

	rec, err := cached.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, StatusConsumerProcessing, rec.Status)
	assert.Equal(t, 2, inner.gets, "cache entry must be invalidated by UpdateStatus")
}

func TestCachingStore_FailedRecordIsNeverCached(t *testing.T) {
	inner := &countingStore{MemoryStore: NewMemoryStore()}
	ctx := context.Background()
	require.NoError(t, inner.Create(ctx, Record{ID: "r1", Status: StatusProcessing}, true))
	require.NoError(t, inner.UpdateStatus(ctx, "r1", StatusFailed, StatusPatch{}))

	cached := NewCachingStore(inner)
	_, err := cached.Get(ctx, "r1")
	require.NoError(t, err)
	_, err = cached.Get(ctx, "r1")
	require.NoError(t, err)

	assert.Equal(t, 2, inner.gets, "a failed record must be re-read every time, since another worker may still race it to success")
}

func TestLRU_EvictsOldestBeyondCapacity(t *testing.T) {
	l := newLRU(2)
	l.Put(Record{ID: "a"})
	l.Put(Record{ID: "b"})
	l.Put(Record{ID: "c"})

	_, ok := l.Peek("a")
	assert.False(t, ok, "oldest entry should have been evicted")
	_, ok = l.Peek("b")
	assert.True(t, ok)
	_, ok = l.Peek("c")
	assert.True(t, ok)
}
