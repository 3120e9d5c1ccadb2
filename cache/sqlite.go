package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Gthulhu/mmcontainers/domain"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
)

// SQLiteStore shares records between processes through a WAL-mode sqlite file:
// the monitor writes while rsyslog's filter processes read.
type SQLiteStore struct {
	db     *sql.DB
	logger zerolog.Logger
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS entries (
	key   TEXT PRIMARY KEY,
	kind  TEXT NOT NULL,
	value BLOB NOT NULL
);`

// OpenSQLiteStore opens or creates the database file at path.
func OpenSQLiteStore(path string, logger zerolog.Logger) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite store requires a file path")
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening sqlite store: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Debug().Str("path", path).Msg("opened sqlite store")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	if _, err := s.db.Exec(sqliteSchema); err != nil {
		return fmt.Errorf("creating sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Put(ctx context.Context, key string, record *domain.MetadataRecord) error {
	data, err := encodeRecord(record)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (key, kind, value) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET kind = excluded.kind, value = excluded.value`,
		key, record.Kind, data)
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Remove(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries WHERE key = ?`, key); err != nil {
		return fmt.Errorf("remove %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, key string) (*domain.MetadataRecord, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM entries WHERE key = ?`, key).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return decodeRecord(data)
}

func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entries`); err != nil {
		return fmt.Errorf("clear: %w", err)
	}
	return nil
}

// Range reads all rows before calling fn; the single connection would otherwise be held by the cursor.
func (s *SQLiteStore) Range(ctx context.Context, fn func(key string, record *domain.MetadataRecord) bool) error {
	rows, err := s.db.QueryContext(ctx, `SELECT key, value FROM entries ORDER BY key`)
	if err != nil {
		return fmt.Errorf("range: %w", err)
	}
	type kv struct {
		key  string
		data []byte
	}
	var snapshot []kv
	for rows.Next() {
		var entry kv
		if err := rows.Scan(&entry.key, &entry.data); err != nil {
			_ = rows.Close()
			return fmt.Errorf("range: %w", err)
		}
		snapshot = append(snapshot, entry)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return fmt.Errorf("range: %w", err)
	}
	_ = rows.Close()

	for _, entry := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		record, err := decodeRecord(entry.data)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", entry.key).Msg("skipping undecodable entry")
			continue
		}
		if !fn(entry.key, record) {
			return nil
		}
	}
	return nil
}

func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
