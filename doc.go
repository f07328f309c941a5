// Package chunkstore is the chunked storage layer of a tensor dataset
// format.
//
// Batches of equal-shaped samples are packed into fixed-capacity binary
// chunks; a batch that overflows one chunk's capacity is split across a
// chain of chunks. Per-chunk run-length indexes (sample shapes, byte
// ranges) locate any sample's bytes without rescanning payloads, and the
// registry keeps each stream's chain order so chunks can be persisted as
// independent blobs.
//
// The Engine ties the pieces together: it routes appends to chain tails,
// stages batches in a write-ahead log when configured, flushes dirty chunks
// to a blobstore, and reassembles samples whose bytes straddle chunk
// boundaries.
package chunkstore
