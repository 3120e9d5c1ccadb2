package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingReader struct {
	store domain.Store
	calls map[string]int
	err   error
}

func (r *countingReader) Get(ctx context.Context, key string) (*domain.MetadataRecord, error) {
	r.calls[key]++
	if r.err != nil {
		return nil, r.err
	}
	return r.store.Get(ctx, key)
}

func TestLookupCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "docker/abc", containerRecord("img")))
	reader := &countingReader{store: store, calls: map[string]int{}}
	lookup := NewLookupCache(ctx, reader, time.Minute, 16)

	for range 3 {
		got, err := lookup.Get(ctx, "docker/abc")
		require.NoError(t, err)
		assert.Equal(t, "img", got.Metadata["image"])

		_, err = lookup.Get(ctx, "docker/missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	}
	assert.Equal(t, 1, reader.calls["docker/abc"])
	assert.Equal(t, 1, reader.calls["docker/missing"])
}

func TestLookupCacheExpiresAndSkipsErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store := NewMemoryStore()
	require.NoError(t, store.Put(ctx, "docker/abc", containerRecord("img")))
	reader := &countingReader{store: store, calls: map[string]int{}}
	lookup := NewLookupCache(ctx, reader, 20*time.Millisecond, 16)

	_, err := lookup.Get(ctx, "docker/abc")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = lookup.Get(ctx, "docker/abc")
	require.NoError(t, err)
	assert.Equal(t, 2, reader.calls["docker/abc"])

	reader.err = errors.New("database is locked")
	_, err = lookup.Get(ctx, "docker/other")
	assert.Error(t, err)
	_, err = lookup.Get(ctx, "docker/other")
	assert.Error(t, err)
	assert.Equal(t, 2, reader.calls["docker/other"])
}
