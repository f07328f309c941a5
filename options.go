package chunkstore

import (
	"github.com/hupe1980/chunkstore/codec"
	"github.com/hupe1980/chunkstore/wal"
)

type options struct {
	maxChunkBytes int
	codec         codec.Codec
	logger        *Logger
	cacheBytes    int64
	walPath       string
	walOptions    []func(*wal.Options)
}

// Option configures Engine constructor/load behavior.
type Option func(*options)

// WithMaxChunkBytes sets the payload capacity for newly created chunks.
// Chunks already persisted keep the capacity they were created with.
func WithMaxChunkBytes(n int) Option {
	return func(o *options) {
		o.maxChunkBytes = n
	}
}

// WithCodec configures the sample codec. Non-raw codecs encode each sample
// independently, so samples of one batch may land as separate index runs.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) {
		if c == nil {
			c = codec.Default
		}
		o.codec = c
	}
}

// WithLogger configures structured logging. Defaults to a no-op logger.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithCache keeps up to capacityBytes of chunk blobs in an in-memory LRU
// in front of the blobstore. Zero disables caching.
func WithCache(capacityBytes int64) Option {
	return func(o *options) {
		o.cacheBytes = capacityBytes
	}
}

// WithWAL stages every batch in a write-ahead log under path before chunks
// are mutated. The log is replayed on open and checkpointed after each
// successful flush.
func WithWAL(path string, optFns ...func(*wal.Options)) Option {
	return func(o *options) {
		o.walPath = path
		o.walOptions = optFns
	}
}
