package cache

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/Gthulhu/mmcontainers/config"
	"github.com/Gthulhu/mmcontainers/domain"
	"github.com/rs/zerolog"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// MongoStore keeps records in a MongoDB collection so hosts can share one cache.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	logger     zerolog.Logger
}

// mongoEntry stores the record as encoded JSON; map values survive the round trip unchanged.
type mongoEntry struct {
	Key       string    `bson:"_id"`
	Kind      string    `bson:"kind"`
	Value     []byte    `bson:"value"`
	UpdatedAt time.Time `bson:"updated_at"`
}

func MongoURI(cfg config.MongoDBConfig) string {
	u := url.URL{
		Scheme: "mongodb",
		Host:   net.JoinHostPort(cfg.Host, cfg.Port),
	}
	if cfg.User != "" {
		u.User = url.UserPassword(cfg.User, cfg.Password.Value())
	}
	return u.String()
}

func OpenMongoStore(ctx context.Context, cfg config.MongoDBConfig, logger zerolog.Logger) (*MongoStore, error) {
	if cfg.Host == "" {
		return nil, errors.New("mongo store requires a host")
	}
	client, err := mongo.Connect(options.Client().ApplyURI(MongoURI(cfg)))
	if err != nil {
		return nil, fmt.Errorf("connecting to mongodb: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("pinging mongodb: %w", err)
	}

	collection := cfg.Collection
	if collection == "" {
		collection = "metadata"
	}
	logger.Debug().Str("host", cfg.Host).Str("database", cfg.Database).Str("collection", collection).Msg("opened mongo store")
	return &MongoStore{
		client:     client,
		collection: client.Database(cfg.Database).Collection(collection),
		logger:     logger,
	}, nil
}

func (s *MongoStore) Put(ctx context.Context, key string, record *domain.MetadataRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	entry := mongoEntry{Key: key, Kind: record.Kind, Value: data, UpdatedAt: time.Now().UTC()}
	_, err = s.collection.ReplaceOne(ctx, bson.D{{Key: "_id", Value: key}}, entry, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Remove(ctx context.Context, key string) error {
	if _, err := s.collection.DeleteOne(ctx, bson.D{{Key: "_id", Value: key}}); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *MongoStore) Get(ctx context.Context, key string) (*domain.MetadataRecord, error) {
	var entry mongoEntry
	err := s.collection.FindOne(ctx, bson.D{{Key: "_id", Value: key}}).Decode(&entry)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeRecord(entry.Value)
}

func (s *MongoStore) Clear(ctx context.Context) error {
	if _, err := s.collection.DeleteMany(ctx, bson.D{}); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

func (s *MongoStore) Range(ctx context.Context, fn func(key string, record *domain.MetadataRecord) bool) error {
	cursor, err := s.collection.Find(ctx, bson.D{}, options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}))
	if err != nil {
		return fmt.Errorf("range: %w", err)
	}
	defer cursor.Close(ctx)

	for cursor.Next(ctx) {
		var entry mongoEntry
		if err := cursor.Decode(&entry); err != nil {
			return fmt.Errorf("range: %w", err)
		}
		record, err := decodeRecord(entry.Value)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", entry.Key).Msg("skipping undecodable entry")
			continue
		}
		if !fn(entry.Key, record) {
			return nil
		}
	}
	return cursor.Err()
}

func (s *MongoStore) Len(ctx context.Context) (int, error) {
	n, err := s.collection.CountDocuments(ctx, bson.D{})
	if err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return int(n), nil
}

// Drop removes the whole database; used by tests.
func (s *MongoStore) Drop(ctx context.Context) error {
	return s.collection.Database().Drop(ctx)
}

func (s *MongoStore) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
