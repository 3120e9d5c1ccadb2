package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/rs/zerolog"
	"go.etcd.io/bbolt"
)

var bucketEntries = []byte("entries")

// BoltStore persists records in a bbolt file. bbolt locks the file, so a single process owns it.
type BoltStore struct {
	db     *bbolt.DB
	logger zerolog.Logger
	noSync bool
}

// BoltStoreOption configures a BoltStore instance.
type BoltStoreOption func(*BoltStore)

// WithBoltLogger sets the logger for the store.
func WithBoltLogger(logger zerolog.Logger) BoltStoreOption {
	return func(b *BoltStore) {
		b.logger = logger
	}
}

// WithNoSync disables fsync per transaction. The cache is rebuilt on every monitor start,
// so losing the tail of it on a crash only costs a bootstrap.
func WithNoSync(noSync bool) BoltStoreOption {
	return func(b *BoltStore) {
		b.noSync = noSync
	}
}

// OpenBoltStore opens or creates the database at path.
func OpenBoltStore(path string, opts ...BoltStoreOption) (*BoltStore, error) {
	b := &BoltStore{logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(b)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  b.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening bolt store: %w", err)
	}
	b.db = db

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEntries, err)
	}

	b.logger.Debug().Str("path", path).Bool("no_sync", b.noSync).Msg("opened bolt store")
	return b, nil
}

func (b *BoltStore) Put(_ context.Context, key string, record *domain.MetadataRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Put([]byte(key), data)
	})
}

func (b *BoltStore) Remove(_ context.Context, key string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

func (b *BoltStore) Get(_ context.Context, key string) (*domain.MetadataRecord, error) {
	var data []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketEntries).Get([]byte(key))
		if v == nil {
			return domain.ErrNotFound
		}
		// v is only valid inside the transaction
		data = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decodeRecord(data)
}

func (b *BoltStore) Clear(_ context.Context) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketEntries); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		_, err := tx.CreateBucket(bucketEntries)
		return err
	})
}

// Range iterates over a snapshot taken in one read transaction, so fn may write to the store.
func (b *BoltStore) Range(ctx context.Context, fn func(key string, record *domain.MetadataRecord) bool) error {
	type kv struct {
		key  string
		data []byte
	}
	var snapshot []kv
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			snapshot = append(snapshot, kv{key: string(k), data: append([]byte(nil), v...)})
			return nil
		})
	})
	if err != nil {
		return err
	}

	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := decodeRecord(entry.data)
		if err != nil {
			b.logger.Warn().Err(err).Str("key", entry.key).Msg("skipping undecodable entry")
			continue
		}
		if !fn(entry.key, record) {
			return nil
		}
	}
	return nil
}

func (b *BoltStore) Len(_ context.Context) (int, error) {
	n := 0
	err := b.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket(bucketEntries).Stats().KeyN
		return nil
	})
	return n, err
}

func (b *BoltStore) Close() error {
	if b.db == nil {
		return nil
	}
	b.logger.Debug().Msg("closing bolt store")
	return b.db.Close()
}
