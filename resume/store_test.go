package resume

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob/memblob"
)

func testStoreRoundTrip(t *testing.T, store Store) {
	t.Helper()

	_, ok, err := store.Get("missing")
	require.NoError(t, err)
	assert.False(t, ok)

	rec := Record{
		TransferredBytes: 400,
		TotalSize:        1000,
		UpdatedAt:        time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.Put("dl-1", rec))

	got, ok, err := store.Get("dl-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.TransferredBytes, got.TransferredBytes)
	assert.Equal(t, rec.TotalSize, got.TotalSize)
	assert.True(t, rec.UpdatedAt.Equal(got.UpdatedAt))

	// Overwrite keeps the newest bytes.
	rec.TransferredBytes = 700
	require.NoError(t, store.Put("dl-1", rec))
	got, ok, err = store.Get("dl-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(700), got.TransferredBytes)

	require.NoError(t, store.Clear("dl-1"))
	_, ok, err = store.Get("dl-1")
	require.NoError(t, err)
	assert.False(t, ok)

	// Clearing twice is not an error.
	require.NoError(t, store.Clear("dl-1"))
}

func TestMemoryStore(t *testing.T) {
	testStoreRoundTrip(t, NewMemoryStore())
}

func TestBucketStore(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	testStoreRoundTrip(t, NewBucketStore(context.Background(), bucket))
}

func TestBucketStoreDiscardsCorruptRecord(t *testing.T) {
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	ctx := context.Background()
	require.NoError(t, bucket.WriteAll(ctx, "resume/dl-1.json", []byte("not json"), nil))

	store := NewBucketStore(ctx, bucket)
	_, ok, err := store.Get("dl-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordStale(t *testing.T) {
	now := time.Now()
	window := 24 * time.Hour

	fresh := Record{UpdatedAt: now.Add(-time.Hour)}
	assert.False(t, fresh.Stale(window, now))

	old := Record{UpdatedAt: now.Add(-25 * time.Hour)}
	assert.True(t, old.Stale(window, now))
}
