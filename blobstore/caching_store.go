package blobstore

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/chunkstore/cache"
)

// CachingStore wraps a Store and keeps whole blobs in an LRU byte cache.
// Concurrent misses for the same blob are coalesced into a single backend
// load.
type CachingStore struct {
	inner Store
	cache *cache.LRU
	group singleflight.Group
}

// NewCachingStore creates a CachingStore around inner.
func NewCachingStore(inner Store, c *cache.LRU) *CachingStore {
	return &CachingStore{
		inner: inner,
		cache: c,
	}
}

// Get returns the blob from cache when present, loading and admitting it
// otherwise.
func (s *CachingStore) Get(ctx context.Context, name string) ([]byte, error) {
	if data, ok := s.cache.Get(name); ok {
		return data, nil
	}

	v, err, _ := s.group.Do(name, func() (any, error) {
		data, err := s.inner.Get(ctx, name)
		if err != nil {
			return nil, err
		}
		s.cache.Set(name, data)
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// Put writes through to the backend and refreshes the cached copy.
func (s *CachingStore) Put(ctx context.Context, name string, data []byte) error {
	if err := s.inner.Put(ctx, name, data); err != nil {
		// The cached copy may now be stale relative to a partial backend
		// write; drop it.
		s.cache.Delete(name)
		return err
	}
	s.cache.Set(name, data)
	return nil
}

// Exists reports whether a blob is present, answering from cache when it can.
func (s *CachingStore) Exists(ctx context.Context, name string) (bool, error) {
	if _, ok := s.cache.Get(name); ok {
		return true, nil
	}
	return s.inner.Exists(ctx, name)
}

// Delete removes a blob from the backend and the cache.
func (s *CachingStore) Delete(ctx context.Context, name string) error {
	s.cache.Delete(name)
	return s.inner.Delete(ctx, name)
}

// List passes through to the backend.
func (s *CachingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}
