package wal

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/chunkstore/codec"
)

func replayAll(t *testing.T, w *WAL) []Record {
	t.Helper()

	var recs []Record
	require.NoError(t, w.Replay(func(rec Record) error {
		recs = append(recs, rec)
		return nil
	}))
	return recs
}

func TestAppendAndReplay(t *testing.T) {
	w, err := New(func(o *Options) { o.Path = t.TempDir() })
	require.NoError(t, err)
	defer w.Close()

	seq1, err := w.Append(Record{Stream: "images", TotalBefore: 0, NumSamples: 2, Shape: []int{3, 3}, Payload: []byte("aabb")})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq1)

	seq2, err := w.Append(Record{Stream: "labels", TotalBefore: 2, NumSamples: 1, Payload: []byte("c")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq2)

	recs := replayAll(t, w)
	require.Len(t, recs, 2)

	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, "images", recs[0].Stream)
	assert.Equal(t, uint64(0), recs[0].TotalBefore)
	assert.Equal(t, 2, recs[0].NumSamples)
	assert.Equal(t, []int{3, 3}, recs[0].Shape)
	assert.Equal(t, []byte("aabb"), recs[0].Payload)

	assert.Equal(t, uint64(2), recs[1].Seq)
	assert.Equal(t, "labels", recs[1].Stream)
	assert.Equal(t, uint64(2), recs[1].TotalBefore)
	assert.Empty(t, recs[1].Shape)
}

func TestReopenContinuesSequence(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	_, err = w.Append(Record{Stream: "s", NumSamples: 1, Payload: []byte("x")})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w, err = New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append(Record{Stream: "s", TotalBefore: 1, NumSamples: 1, Payload: []byte("y")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)

	recs := replayAll(t, w)
	require.Len(t, recs, 2)
	assert.Equal(t, []byte("x"), recs[0].Payload)
	assert.Equal(t, []byte("y"), recs[1].Payload)
}

func TestCheckpointDiscardsRecords(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(Record{Stream: "s", NumSamples: 1, Payload: []byte("x")})
	require.NoError(t, err)

	require.NoError(t, w.Checkpoint())
	assert.Empty(t, replayAll(t, w))

	// The log stays usable after a checkpoint.
	_, err = w.Append(Record{Stream: "s", TotalBefore: 1, NumSamples: 1, Payload: []byte("y")})
	require.NoError(t, err)

	recs := replayAll(t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("y"), recs[0].Payload)
}

func TestTornTailTruncatedOnOpen(t *testing.T) {
	dir := t.TempDir()

	w, err := New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	_, err = w.Append(Record{Stream: "s", NumSamples: 1, Payload: []byte("intact")})
	require.NoError(t, err)
	path := w.FilePath()
	require.NoError(t, w.Close())

	// Simulate a crash mid-append: half a frame at the tail.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0x02, 0x7f, 0xde, 0xad})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w, err = New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	defer w.Close()

	recs := replayAll(t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, []byte("intact"), recs[0].Payload)

	// Appends after recovery land cleanly past the truncated tail.
	seq, err := w.Append(Record{Stream: "s", TotalBefore: 1, NumSamples: 1, Payload: []byte("next")})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), seq)
	assert.Len(t, replayAll(t, w), 2)
}

func TestCompressedRecords(t *testing.T) {
	dir := t.TempDir()

	zstd, err := codec.NewZstd()
	require.NoError(t, err)

	w, err := New(func(o *Options) {
		o.Path = dir
		o.Codec = zstd
	})
	require.NoError(t, err)

	payload := make([]byte, 4096) // zero-filled, compresses well
	_, err = w.Append(Record{Stream: "s", NumSamples: 1, Shape: []int{64, 64}, Payload: payload})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	// Reopen without naming the codec; it is read back from the header.
	w, err = New(func(o *Options) { o.Path = dir })
	require.NoError(t, err)
	defer w.Close()

	recs := replayAll(t, w)
	require.Len(t, recs, 1)
	assert.Equal(t, payload, recs[0].Payload)
	assert.Equal(t, []int{64, 64}, recs[0].Shape)
}

func TestSyncOnWrite(t *testing.T) {
	w, err := New(func(o *Options) {
		o.Path = t.TempDir()
		o.SyncOnWrite = true
	})
	require.NoError(t, err)
	defer w.Close()

	_, err = w.Append(Record{Stream: "s", NumSamples: 1, Payload: []byte("x")})
	require.NoError(t, err)
	assert.Len(t, replayAll(t, w), 1)
}
