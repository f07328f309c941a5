// Package registry maintains the chunk-chain registry: per-stream ordered
// lists of chunk identifiers. Chain order lives here and not inside chunk
// blobs, so successor links are rewired from these lists on load.
//
// The registry persists as a JSON manifest blob plus a CURRENT pointer blob
// naming the live manifest, following the two-file commit pattern: write the
// immutable manifest first, then swing the pointer. Backends that need
// compare-and-swap semantics for the pointer (e.g. S3) wrap their store with
// a commit store such as ddb.CommitStore.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/chunkstore/blobstore"
)

const (
	// CurrentFileName is the pointer blob naming the live manifest.
	CurrentFileName = "CURRENT"
	// CurrentVersion is the manifest schema version.
	CurrentVersion = 1

	chunkBlobPrefix = "chunks/"
)

// ErrUnknownStream is returned when addressing a stream the registry has
// never seen.
var ErrUnknownStream = errors.New("unknown stream")

// ChunkID identifies a chunk blob. IDs are allocated monotonically and never
// reused.
type ChunkID uint64

// BlobKey returns the blobstore key under which the chunk is persisted.
func (id ChunkID) BlobKey() string {
	return fmt.Sprintf("%s%016x", chunkBlobPrefix, uint64(id))
}

// Manifest is the serialized registry state at a point in time.
type Manifest struct {
	Version     int          `json:"version"`
	ID          uint64       `json:"id"`
	NextChunkID ChunkID      `json:"next_chunk_id"`
	Streams     []StreamInfo `json:"streams"`
}

// StreamInfo holds one logical stream's chunk chain in order.
type StreamInfo struct {
	Name       string    `json:"name"`
	Chunks     []ChunkID `json:"chunks"`
	NumSamples uint64    `json:"num_samples"`
}

// Registry tracks chunk chains in memory and commits them through a
// blobstore. Safe for concurrent use; Commit calls must be externally
// ordered when multiple writers share a backend.
type Registry struct {
	mu          sync.Mutex
	store       blobstore.Store
	commitID    uint64
	nextChunkID ChunkID
	chains      map[string][]ChunkID
	samples     map[string]uint64
}

// New creates an empty registry committing through store.
func New(store blobstore.Store) *Registry {
	return &Registry{
		store:       store,
		nextChunkID: 1,
		chains:      make(map[string][]ChunkID),
		samples:     make(map[string]uint64),
	}
}

// Load reads the current manifest from store. A missing CURRENT pointer
// yields an empty registry.
func Load(ctx context.Context, store blobstore.Store) (*Registry, error) {
	r := New(store)

	current, err := store.Get(ctx, CurrentFileName)
	if errors.Is(err, blobstore.ErrNotFound) {
		return r, nil
	}
	if err != nil {
		return nil, err
	}

	data, err := store.Get(ctx, string(current))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %q: %w", current, err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode manifest: %w", err)
	}
	if m.Version != CurrentVersion {
		return nil, fmt.Errorf("unsupported manifest version: %d (expected %d)", m.Version, CurrentVersion)
	}

	r.commitID = m.ID
	r.nextChunkID = m.NextChunkID
	for _, s := range m.Streams {
		r.chains[s.Name] = append([]ChunkID(nil), s.Chunks...)
		r.samples[s.Name] = s.NumSamples
	}

	return r, nil
}

// NewChunkID allocates the next chunk identifier.
func (r *Registry) NewChunkID() ChunkID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextChunkID
	r.nextChunkID++
	return id
}

// AppendChunk appends a chunk to a stream's chain, creating the stream on
// first use. Chains are append-only.
func (r *Registry) AppendChunk(stream string, id ChunkID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.chains[stream] = append(r.chains[stream], id)
}

// AddSamples raises a stream's recorded sample count.
func (r *Registry) AddSamples(stream string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.samples[stream] += uint64(n)
}

// NumSamples returns a stream's recorded sample count. Unknown streams
// have zero samples.
func (r *Registry) NumSamples(stream string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.samples[stream]
}

// Chain returns a copy of a stream's ordered chunk IDs.
func (r *Registry) Chain(stream string) ([]ChunkID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids, ok := r.chains[stream]
	if !ok {
		return nil, ErrUnknownStream
	}
	return append([]ChunkID(nil), ids...), nil
}

// Streams returns the known stream names, sorted.
func (r *Registry) Streams() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Commit writes a new manifest blob and swings the CURRENT pointer to it.
func (r *Registry) Commit(ctx context.Context) error {
	r.mu.Lock()
	m := r.snapshotLocked()
	m.ID++
	r.mu.Unlock()

	data, err := json.Marshal(m)
	if err != nil {
		return err
	}

	name := fmt.Sprintf("MANIFEST-%06d", m.ID)
	if err := r.store.Put(ctx, name, data); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := r.store.Put(ctx, CurrentFileName, []byte(name)); err != nil {
		return fmt.Errorf("failed to update current pointer: %w", err)
	}

	r.mu.Lock()
	if m.ID > r.commitID {
		r.commitID = m.ID
	}
	r.mu.Unlock()

	return nil
}

// Manifest returns a snapshot of the current in-memory state.
func (r *Registry) Manifest() Manifest {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

func (r *Registry) snapshotLocked() Manifest {
	m := Manifest{
		Version:     CurrentVersion,
		ID:          r.commitID,
		NextChunkID: r.nextChunkID,
	}

	names := make([]string, 0, len(r.chains))
	for name := range r.chains {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		m.Streams = append(m.Streams, StreamInfo{
			Name:       name,
			Chunks:     append([]ChunkID(nil), r.chains[name]...),
			NumSamples: r.samples[name],
		})
	}

	return m
}

// LiveChunks returns the set of chunk IDs referenced by any chain.
func (r *Registry) LiveChunks() *roaring64.Bitmap {
	r.mu.Lock()
	defer r.mu.Unlock()

	live := roaring64.New()
	for _, ids := range r.chains {
		for _, id := range ids {
			live.Add(uint64(id))
		}
	}
	return live
}

// Orphans lists chunk blobs present in the store but referenced by no chain.
// Garbage collection itself is the caller's responsibility.
func (r *Registry) Orphans(ctx context.Context) ([]string, error) {
	names, err := r.store.List(ctx, chunkBlobPrefix)
	if err != nil {
		return nil, err
	}

	live := r.LiveChunks()

	var orphans []string
	for _, name := range names {
		var raw uint64
		if _, err := fmt.Sscanf(name, chunkBlobPrefix+"%x", &raw); err != nil {
			continue
		}
		if !live.Contains(raw) {
			orphans = append(orphans, name)
		}
	}
	return orphans, nil
}
