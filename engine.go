package chunkstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/chunkstore/blobstore"
	"github.com/hupe1980/chunkstore/cache"
	"github.com/hupe1980/chunkstore/chunk"
	"github.com/hupe1980/chunkstore/codec"
	"github.com/hupe1980/chunkstore/index"
	"github.com/hupe1980/chunkstore/registry"
	"github.com/hupe1980/chunkstore/wal"
)

// flushConcurrency bounds parallel blob uploads during Flush.
const flushConcurrency = 8

// Engine is the chunked storage engine. It routes batch appends to chain
// tails, tracks dirty chunks, and persists them through a blobstore.
//
// Writes are serialized internally; reads must not race an in-flight
// append on the same Engine, which the internal lock already guarantees.
type Engine struct {
	mu sync.Mutex

	store  blobstore.Store
	reg    *registry.Registry
	codec  codec.Codec
	logger *Logger
	wal    *wal.WAL

	maxChunkBytes int

	chunks map[registry.ChunkID]*chunk.Chunk
	tails  map[string]registry.ChunkID
	loaded map[string]bool
	dirty  map[registry.ChunkID]struct{}
}

// Sample is one decoded sample read back from the engine.
type Sample struct {
	Bytes []byte
	Shape []int
}

// Open loads (or initializes) an engine on top of the given blobstore.
func Open(ctx context.Context, store blobstore.Store, optFns ...Option) (*Engine, error) {
	o := options{
		maxChunkBytes: chunk.DefaultMaxDataBytes,
		codec:         codec.Default,
		logger:        NoopLogger(),
	}
	for _, fn := range optFns {
		fn(&o)
	}

	if o.cacheBytes > 0 {
		store = blobstore.NewCachingStore(store, cache.NewLRU(o.cacheBytes))
	}

	reg, err := registry.Load(ctx, store)
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	e := &Engine{
		store:         store,
		reg:           reg,
		codec:         o.codec,
		logger:        o.logger,
		maxChunkBytes: o.maxChunkBytes,
		chunks:        make(map[registry.ChunkID]*chunk.Chunk),
		tails:         make(map[string]registry.ChunkID),
		loaded:        make(map[string]bool),
		dirty:         make(map[registry.ChunkID]struct{}),
	}

	if o.walPath != "" {
		walOpts := append([]func(*wal.Options){func(w *wal.Options) {
			w.Path = o.walPath
		}}, o.walOptions...)

		w, err := wal.New(walOpts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open WAL: %w", err)
		}
		e.wal = w

		if err := e.replayWAL(ctx); err != nil {
			_ = w.Close()
			return nil, fmt.Errorf("failed to replay WAL: %w", err)
		}
	}

	return e, nil
}

// replayWAL re-applies batches that were staged but never committed.
func (e *Engine) replayWAL(ctx context.Context) error {
	replayed := 0

	err := e.wal.Replay(func(rec wal.Record) error {
		current := e.reg.NumSamples(rec.Stream)
		if rec.TotalBefore < current {
			// Batch already reached the manifest before the crash.
			return nil
		}
		if rec.TotalBefore > current {
			return fmt.Errorf("gap in staged batches for stream %q: log at %d samples, manifest at %d", rec.Stream, rec.TotalBefore, current)
		}

		replayed++
		return e.appendBatch(ctx, rec.Stream, rec.Payload, rec.NumSamples, rec.Shape)
	})
	if err != nil {
		return err
	}

	if replayed > 0 {
		e.logger.Info("replayed staged batches", "count", replayed)
	}
	return nil
}

// Append adds one batch of numSamples equal-sized samples held in buf, all
// sharing shape, to the named stream. With a non-raw codec each sample is
// encoded independently and appended as its own run.
func (e *Engine) Append(ctx context.Context, stream string, buf []byte, numSamples int, shape []int) error {
	if numSamples <= 0 || len(buf)%numSamples != 0 {
		return &chunk.InvalidBatchError{NumSamples: numSamples, NumBytes: len(buf)}
	}

	// A batch the index layer would reject must never reach the log: a staged
	// record that cannot replay would fail every subsequent Open.
	if len(shape) == 0 {
		return &index.InvalidRunError{RunLength: numSamples, Reason: "shape must not be empty"}
	}
	for _, dim := range shape {
		if dim < 0 {
			return &index.InvalidRunError{RunLength: numSamples, Reason: "shape dimensions must be non-negative"}
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, raw := e.codec.(codec.Raw); raw {
		return e.stageAndAppend(ctx, stream, buf, numSamples, shape)
	}

	sampleLen := len(buf) / numSamples
	for s := range numSamples {
		encoded, err := e.codec.Encode(buf[s*sampleLen : (s+1)*sampleLen])
		if err != nil {
			return fmt.Errorf("failed to encode sample: %w", err)
		}
		if err := e.stageAndAppend(ctx, stream, encoded, 1, shape); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) stageAndAppend(ctx context.Context, stream string, payload []byte, numSamples int, shape []int) error {
	if e.wal != nil {
		_, err := e.wal.Append(wal.Record{
			Stream:      stream,
			TotalBefore: e.reg.NumSamples(stream),
			NumSamples:  numSamples,
			Shape:       shape,
			Payload:     payload,
		})
		if err != nil {
			return fmt.Errorf("failed to stage batch: %w", err)
		}
	}

	return e.appendBatch(ctx, stream, payload, numSamples, shape)
}

// appendBatch routes one batch to the stream's tail chunk, spawning and
// registering successor chunks as the batch overflows.
func (e *Engine) appendBatch(ctx context.Context, stream string, payload []byte, numSamples int, shape []int) error {
	if err := e.ensureChain(ctx, stream); err != nil {
		return err
	}

	var tail *chunk.Chunk
	tailID, ok := e.tails[stream]
	if ok {
		tail = e.chunks[tailID]
	}

	if tail == nil || tail.Sealed() || !tail.HasSpace() {
		tail = chunk.New(e.maxChunkBytes)
		tailID = e.reg.NewChunkID()
		e.reg.AppendChunk(stream, tailID)
		e.chunks[tailID] = tail
		e.tails[stream] = tailID
	}

	spawned, err := tail.Extend(payload, numSamples, shape)
	if err != nil {
		return err
	}
	e.dirty[tailID] = struct{}{}

	for _, c := range spawned {
		id := e.reg.NewChunkID()
		e.reg.AppendChunk(stream, id)
		e.chunks[id] = c
		e.dirty[id] = struct{}{}
		e.tails[stream] = id
	}

	e.reg.AddSamples(stream, numSamples)

	e.logger.WithStream(stream).Debug("batch appended",
		"num_samples", numSamples,
		"num_bytes", len(payload),
		"spawned_chunks", len(spawned),
	)

	return nil
}

// ensureChain loads a stream's chunk chain from the blobstore and rewires
// successor links from the registry's ordered ID list.
func (e *Engine) ensureChain(ctx context.Context, stream string) error {
	if e.loaded[stream] {
		return nil
	}

	ids, err := e.reg.Chain(stream)
	if errors.Is(err, registry.ErrUnknownStream) {
		e.loaded[stream] = true
		return nil
	}
	if err != nil {
		return err
	}

	var prev *chunk.Chunk
	for _, id := range ids {
		blob, err := e.store.Get(ctx, id.BlobKey())
		if err != nil {
			return fmt.Errorf("failed to load chunk %016x: %w", uint64(id), err)
		}

		c := new(chunk.Chunk)
		if err := c.UnmarshalBinary(blob); err != nil {
			return fmt.Errorf("failed to decode chunk %016x: %w", uint64(id), err)
		}

		e.chunks[id] = c
		if prev != nil {
			prev.SetNext(c)
		}
		prev = c
		e.tails[stream] = id
	}

	e.logger.WithStream(stream).Debug("chunk chain loaded", "chunks", len(ids))

	e.loaded[stream] = true
	return nil
}

// Flush persists every dirty chunk, commits the manifest, and checkpoints
// the WAL.
func (e *Engine) Flush(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.flushLocked(ctx)
}

func (e *Engine) flushLocked(ctx context.Context) error {
	if len(e.dirty) > 0 {
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(flushConcurrency)

		for id := range e.dirty {
			c := e.chunks[id]
			g.Go(func() error {
				blob, err := c.MarshalBinary()
				if err != nil {
					return fmt.Errorf("failed to serialize chunk %016x: %w", uint64(id), err)
				}
				if err := e.store.Put(gctx, id.BlobKey(), blob); err != nil {
					return err
				}
				e.logger.WithChunkID(uint64(id)).Debug("chunk persisted", "num_bytes", len(blob))
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}
	}

	if err := e.reg.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit manifest: %w", err)
	}

	if e.wal != nil {
		if err := e.wal.Checkpoint(); err != nil {
			return fmt.Errorf("failed to checkpoint WAL: %w", err)
		}
	}

	e.logger.Info("flush complete", "chunks", len(e.dirty))
	clear(e.dirty)

	return nil
}

// ReadSample returns the decoded bytes and shape of a stream's sample at
// the given logical index, reassembling bytes that straddle chunk
// boundaries.
func (e *Engine) ReadSample(ctx context.Context, stream string, i int) (Sample, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.ensureChain(ctx, stream); err != nil {
		return Sample{}, err
	}

	ids, err := e.reg.Chain(stream)
	if err != nil {
		return Sample{}, err
	}

	local := i
	for _, id := range ids {
		c := e.chunks[id]
		n := c.NumSamples()
		if local >= n {
			local -= n
			continue
		}

		s, err := c.SampleAt(local)
		if err != nil {
			return Sample{}, err
		}

		raw, err := assemble(c, s.Start, s.End)
		if err != nil {
			return Sample{}, err
		}

		decoded, err := e.codec.Decode(raw)
		if err != nil {
			return Sample{}, fmt.Errorf("failed to decode sample: %w", err)
		}

		return Sample{Bytes: decoded, Shape: s.Shape}, nil
	}

	return Sample{}, &index.OutOfRangeError{Index: i, NumSamples: int(e.reg.NumSamples(stream))}
}

// assemble collects one sample's bytes starting at a payload offset of c,
// following successor links when the range extends past resident payloads.
func assemble(c *chunk.Chunk, start, end int) ([]byte, error) {
	out := make([]byte, 0, end-start)

	cur := c
	off := start
	need := end - start

	for cur != nil && need > 0 {
		data := cur.Data()
		if off >= len(data) {
			off -= len(data)
			cur = cur.Next()
			continue
		}

		take := min(need, len(data)-off)
		out = append(out, data[off:off+take]...)
		need -= take
		off += take
	}

	if need > 0 {
		return nil, fmt.Errorf("sample bytes extend past chain tail (%d bytes missing)", need)
	}
	return out, nil
}

// NumSamples returns a stream's recorded sample count.
func (e *Engine) NumSamples(stream string) int {
	return int(e.reg.NumSamples(stream))
}

// Streams returns the known stream names, sorted.
func (e *Engine) Streams() []string {
	return e.reg.Streams()
}

// Registry exposes the chunk-chain registry, e.g. for orphan listing.
func (e *Engine) Registry() *registry.Registry {
	return e.reg
}

// Close flushes outstanding state and releases the WAL.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.flushLocked(ctx); err != nil {
		return err
	}
	if e.wal != nil {
		return e.wal.Close()
	}
	return nil
}
