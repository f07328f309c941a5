package chunkstore

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chunkstore/blobstore"
	"github.com/hupe1980/chunkstore/chunk"
	"github.com/hupe1980/chunkstore/codec"
	"github.com/hupe1980/chunkstore/index"
)

// seqBytes returns n distinct bytes for round-trip checks.
func seqBytes(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i)
	}
	return buf
}

func TestAppendAndReadSample(t *testing.T) {
	ctx := context.Background()

	e, err := Open(ctx, blobstore.NewMemoryStore())
	require.NoError(t, err)

	buf := seqBytes(40)
	require.NoError(t, e.Append(ctx, "images", buf, 4, []int{2, 5}))

	assert.Equal(t, 4, e.NumSamples("images"))
	assert.Equal(t, []string{"images"}, e.Streams())

	for i := range 4 {
		s, err := e.ReadSample(ctx, "images", i)
		require.NoError(t, err)
		assert.Equal(t, buf[i*10:(i+1)*10], s.Bytes)
		assert.Equal(t, []int{2, 5}, s.Shape)
	}

	_, err = e.ReadSample(ctx, "images", 4)
	var oor *index.OutOfRangeError
	require.ErrorAs(t, err, &oor)
}

func TestAppendInvalidBatch(t *testing.T) {
	ctx := context.Background()

	e, err := Open(ctx, blobstore.NewMemoryStore())
	require.NoError(t, err)

	var batchErr *chunk.InvalidBatchError
	require.ErrorAs(t, e.Append(ctx, "s", seqBytes(10), 3, nil), &batchErr)
	require.ErrorAs(t, e.Append(ctx, "s", seqBytes(10), 0, nil), &batchErr)
}

func TestInvalidShapeRejectedBeforeStaging(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	walDir := t.TempDir()

	e, err := Open(ctx, store, WithWAL(walDir))
	require.NoError(t, err)

	var runErr *index.InvalidRunError
	require.ErrorAs(t, e.Append(ctx, "s", seqBytes(10), 1, nil), &runErr)
	require.ErrorAs(t, e.Append(ctx, "s", seqBytes(10), 1, []int{-1, 2}), &runErr)
	assert.Equal(t, 0, e.NumSamples("s"))

	// The rejected batches must not linger in the log and poison later opens.
	e2, err := Open(ctx, store, WithWAL(walDir))
	require.NoError(t, err)
	assert.Equal(t, 0, e2.NumSamples("s"))

	require.NoError(t, e2.Append(ctx, "s", seqBytes(10), 1, []int{10}))
	assert.Equal(t, 1, e2.NumSamples("s"))
}

func TestReadSampleAcrossChunkBoundary(t *testing.T) {
	ctx := context.Background()

	e, err := Open(ctx, blobstore.NewMemoryStore(), WithMaxChunkBytes(100))
	require.NoError(t, err)

	// One 250-byte sample spans three 100-byte chunks.
	buf := seqBytes(250)
	require.NoError(t, e.Append(ctx, "big", buf, 1, []int{250}))

	s, err := e.ReadSample(ctx, "big", 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(buf, s.Bytes))
}

func TestFlushAndReload(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e, err := Open(ctx, store, WithMaxChunkBytes(100))
	require.NoError(t, err)

	first := seqBytes(250)
	require.NoError(t, e.Append(ctx, "images", first, 1, []int{250}))
	require.NoError(t, e.Append(ctx, "labels", []byte{1, 2, 3}, 3, []int{1}))
	require.NoError(t, e.Flush(ctx))

	// A fresh engine over the same store sees everything.
	e2, err := Open(ctx, store)
	require.NoError(t, err)

	assert.Equal(t, 1, e2.NumSamples("images"))
	assert.Equal(t, 3, e2.NumSamples("labels"))
	assert.Equal(t, []string{"images", "labels"}, e2.Streams())

	s, err := e2.ReadSample(ctx, "images", 0)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(first, s.Bytes))

	s, err = e2.ReadSample(ctx, "labels", 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{2}, s.Bytes)
}

func TestAppendAfterReload(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e, err := Open(ctx, store, WithMaxChunkBytes(100))
	require.NoError(t, err)
	require.NoError(t, e.Append(ctx, "s", seqBytes(10), 1, []int{10}))
	require.NoError(t, e.Flush(ctx))

	e2, err := Open(ctx, store, WithMaxChunkBytes(100))
	require.NoError(t, err)
	require.NoError(t, e2.Append(ctx, "s", seqBytes(10), 1, []int{10}))
	require.NoError(t, e2.Flush(ctx))

	e3, err := Open(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 2, e3.NumSamples("s"))

	for i := range 2 {
		s, err := e3.ReadSample(ctx, "s", i)
		require.NoError(t, err)
		assert.Equal(t, seqBytes(10), s.Bytes)
	}
}

func TestSealedTailGetsSuccessor(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e, err := Open(ctx, store, WithMaxChunkBytes(100))
	require.NoError(t, err)

	// 120 bytes seal the first chunk by spawning a successor; the next batch
	// must land on the new tail.
	require.NoError(t, e.Append(ctx, "s", seqBytes(120), 1, []int{120}))
	require.NoError(t, e.Append(ctx, "s", seqBytes(20), 2, []int{10}))

	chain, err := e.Registry().Chain("s")
	require.NoError(t, err)
	assert.Len(t, chain, 2)

	s, err := e.ReadSample(ctx, "s", 2)
	require.NoError(t, err)
	assert.Equal(t, seqBytes(20)[10:], s.Bytes)
}

func TestCompressedSamples(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	zstd, err := codec.NewZstd()
	require.NoError(t, err)

	e, err := Open(ctx, store, WithCodec(zstd))
	require.NoError(t, err)

	buf := bytes.Repeat([]byte{7}, 300)
	require.NoError(t, e.Append(ctx, "s", buf, 3, []int{10, 10}))
	require.NoError(t, e.Flush(ctx))

	e2, err := Open(ctx, store, WithCodec(zstd))
	require.NoError(t, err)

	assert.Equal(t, 3, e2.NumSamples("s"))
	for i := range 3 {
		s, err := e2.ReadSample(ctx, "s", i)
		require.NoError(t, err)
		assert.Equal(t, buf[:100], s.Bytes)
		assert.Equal(t, []int{10, 10}, s.Shape)
	}
}

func TestWALReplayAfterCrash(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	walDir := t.TempDir()

	e, err := Open(ctx, store, WithWAL(walDir))
	require.NoError(t, err)

	committed := seqBytes(10)
	staged := seqBytes(20)

	require.NoError(t, e.Append(ctx, "s", committed, 1, []int{10}))
	require.NoError(t, e.Flush(ctx))

	// Staged but never flushed; the engine is then abandoned to simulate a
	// crash. Only the WAL carries this batch.
	require.NoError(t, e.Append(ctx, "s", staged, 2, []int{10}))

	e2, err := Open(ctx, store, WithWAL(walDir))
	require.NoError(t, err)

	assert.Equal(t, 3, e2.NumSamples("s"))

	s, err := e2.ReadSample(ctx, "s", 2)
	require.NoError(t, err)
	assert.Equal(t, staged[10:], s.Bytes)
}

func TestWALReplayIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()
	walDir := t.TempDir()

	e, err := Open(ctx, store, WithWAL(walDir))
	require.NoError(t, err)
	require.NoError(t, e.Append(ctx, "s", seqBytes(10), 1, []int{10}))
	require.NoError(t, e.Close(ctx))

	// Close flushed and checkpointed; reopening must not double-apply.
	e2, err := Open(ctx, store, WithWAL(walDir))
	require.NoError(t, err)
	defer e2.Close(ctx)

	assert.Equal(t, 1, e2.NumSamples("s"))
}

func TestCachedReads(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e, err := Open(ctx, store, WithCache(1<<20))
	require.NoError(t, err)
	require.NoError(t, e.Append(ctx, "s", seqBytes(10), 1, []int{10}))
	require.NoError(t, e.Flush(ctx))

	e2, err := Open(ctx, store, WithCache(1<<20))
	require.NoError(t, err)

	s, err := e2.ReadSample(ctx, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, seqBytes(10), s.Bytes)
}

func TestCloseFlushes(t *testing.T) {
	ctx := context.Background()
	store := blobstore.NewMemoryStore()

	e, err := Open(ctx, store)
	require.NoError(t, err)
	require.NoError(t, e.Append(ctx, "s", seqBytes(10), 1, []int{10}))
	require.NoError(t, e.Close(ctx))

	e2, err := Open(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, 1, e2.NumSamples("s"))
}
