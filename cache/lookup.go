package cache

import (
	"context"
	"errors"
	"time"

	gcache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
	"github.com/Gthulhu/mmcontainers/domain"
)

const defaultLookupCacheSize = 1024

type lookupResult struct {
	record *domain.MetadataRecord
	found  bool
}

// LookupCache memoises store reads for a short TTL.
type LookupCache struct {
	reader domain.RecordReader
	ttl    time.Duration
	cache  *gcache.Cache[string, lookupResult]
}

// NewLookupCache wraps reader. Misses are cached too.
func NewLookupCache(ctx context.Context, reader domain.RecordReader, ttl time.Duration, size int) *LookupCache {
	if size <= 0 {
		size = defaultLookupCacheSize
	}
	if ttl <= 0 {
		ttl = time.Second
	}
	return &LookupCache{
		reader: reader,
		ttl:    ttl,
		cache: gcache.NewContext(ctx,
			gcache.AsLRU[string, lookupResult](lru.WithCapacity(size)),
			gcache.WithJanitorInterval[string, lookupResult](ttl),
		),
	}
}

func (c *LookupCache) Get(ctx context.Context, key string) (*domain.MetadataRecord, error) {
	if res, ok := c.cache.Get(key); ok {
		if !res.found {
			return nil, domain.ErrNotFound
		}
		return res.record, nil
	}

	record, err := c.reader.Get(ctx, key)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		c.cache.Set(key, lookupResult{}, gcache.WithExpiration(c.ttl))
		return nil, err
	case err != nil:
		return nil, err
	}
	c.cache.Set(key, lookupResult{record: record, found: true}, gcache.WithExpiration(c.ttl))
	return record, nil
}
