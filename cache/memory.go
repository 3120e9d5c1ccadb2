package cache

import (
	"context"
	"fmt"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/Gthulhu/mmcontainers/pkg/util"
)

// MemoryStore keeps records in process memory. Writers and readers must share the process.
type MemoryStore struct {
	entries *util.GenericMap[string, *domain.MetadataRecord]
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: util.NewGenericMap[string, *domain.MetadataRecord]()}
}

func (s *MemoryStore) Put(_ context.Context, key string, record *domain.MetadataRecord) error {
	if record == nil {
		return fmt.Errorf("put %s: nil record", key)
	}
	s.entries.Store(key, record)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, key string) error {
	s.entries.Delete(key)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.MetadataRecord, error) {
	record, ok := s.entries.Load(key)
	if !ok {
		return nil, domain.ErrNotFound
	}
	return record, nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.entries.Clear()
	return nil
}

func (s *MemoryStore) Range(ctx context.Context, fn func(key string, record *domain.MetadataRecord) bool) error {
	s.entries.Range(func(key string, record *domain.MetadataRecord) bool {
		if ctx.Err() != nil {
			return false
		}
		return fn(key, record)
	})
	return ctx.Err()
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	return s.entries.Len(), nil
}

func (s *MemoryStore) Close() error {
	return nil
}
