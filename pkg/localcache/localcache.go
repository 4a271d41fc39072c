// Package localcache is the per-client, local-only SQLite store backing the
// cache manager: the last-sequence watermark, wrapped device key material,
// and the shard-header cache that lets the shard manager avoid re-fetching
// header bytes it has already parsed.
package localcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	// mattn/go-sqlite3 registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/lock"
	"github.com/clxdb/clxdb/pkg/lock/local"
)

// storeLockKey is the single key under which the whole KV/header schema is
// serialized; the store is one SQLite connection already serialized by
// SetMaxOpenConns(1), so this only needs to arbitrate Go-level goroutines.
const storeLockKey = "localcache"

const otelPackageName = "github.com/clxdb/clxdb/pkg/localcache"

const createTables = `
CREATE TABLE IF NOT EXISTS kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS shard_headers (
	filename TEXT PRIMARY KEY,
	header BLOB NOT NULL,
	cached_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP NOT NULL
);
`

const (
	getKVQuery    = `SELECT value FROM kv WHERE key = ?`
	upsertKVQuery = `
	INSERT INTO kv(key, value, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`
	deleteKVQuery = `DELETE FROM kv WHERE key = ?`

	getHeaderQuery    = `SELECT header FROM shard_headers WHERE filename = ?`
	upsertHeaderQuery = `
	INSERT INTO shard_headers(filename, header) VALUES (?, ?)
	ON CONFLICT(filename) DO UPDATE SET header = excluded.header, cached_at = CURRENT_TIMESTAMP
	`
	deleteHeaderQuery   = `DELETE FROM shard_headers WHERE filename = ?`
	listHeadersQuery    = `SELECT filename FROM shard_headers`
	deleteHeadersExcept = `DELETE FROM shard_headers WHERE filename NOT IN (%s)`
)

// ErrNotFound is returned by Get and GetHeader when the key is absent.
var ErrNotFound = errors.New("localcache: not found")

// Well-known kv keys.
const (
	KeyLastSequence = "last_sequence"
	KeyDeviceID     = "device_id"
	KeyRootKey      = "root_key"
)

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is the SQLite-backed local cache for one database's client state.
// One Store corresponds to one local manifest UUID; the caller is
// responsible for keying dbPath by UUID.
type Store struct {
	db *sql.DB
	mu lock.RWLocker
}

// Open opens (creating if absent) the SQLite database at dbPath and ensures
// its schema exists.
func Open(dbPath string) (*Store, error) {
	sdb, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localcache: opening %q: %w", dbPath, err)
	}

	// A single client process touches this file; serialize writes the way
	// the teacher's database package does to dodge "database is locked"
	// under SQLite's file-level write lock.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(createTables); err != nil {
		sdb.Close()

		return nil, fmt.Errorf("localcache: creating schema: %w", err)
	}

	return &Store{db: sdb, mu: local.NewRWLocker()}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Get returns the raw value stored under key, or ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	_, span := tracer.Start(ctx, "localcache.Get", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := s.mu.RLock(ctx, storeLockKey, 0); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock(ctx, storeLockKey) //nolint:errcheck

	var value []byte

	err := s.db.QueryRowContext(ctx, getKVQuery, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	if err != nil {
		return nil, fmt.Errorf("localcache: get %q: %w", key, err)
	}

	return value, nil
}

// Set stores value under key, overwriting any existing value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	_, span := tracer.Start(ctx, "localcache.Set", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := s.mu.Lock(ctx, storeLockKey, 0); err != nil {
		return err
	}
	defer s.mu.Unlock(ctx, storeLockKey) //nolint:errcheck

	if _, err := s.db.ExecContext(ctx, upsertKVQuery, key, value); err != nil {
		return fmt.Errorf("localcache: set %q: %w", key, err)
	}

	return nil
}

// Delete removes key. Deleting an absent key is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.mu.Lock(ctx, storeLockKey, 0); err != nil {
		return err
	}
	defer s.mu.Unlock(ctx, storeLockKey) //nolint:errcheck

	if _, err := s.db.ExecContext(ctx, deleteKVQuery, key); err != nil {
		return fmt.Errorf("localcache: delete %q: %w", key, err)
	}

	return nil
}

// GetHeader returns the cached header bytes for a shard filename, or
// ErrNotFound if not cached yet.
func (s *Store) GetHeader(ctx context.Context, filename string) ([]byte, error) {
	_, span := tracer.Start(ctx, "localcache.GetHeader", trace.WithSpanKind(trace.SpanKindInternal),
	)
	defer span.End()

	if err := s.mu.RLock(ctx, storeLockKey, 0); err != nil {
		return nil, err
	}
	defer s.mu.RUnlock(ctx, storeLockKey) //nolint:errcheck

	var header []byte

	err := s.db.QueryRowContext(ctx, getHeaderQuery, filename).Scan(&header)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, filename)
	}

	if err != nil {
		return nil, fmt.Errorf("localcache: get header %q: %w", filename, err)
	}

	return header, nil
}

// PutHeader caches header bytes for a shard filename.
func (s *Store) PutHeader(ctx context.Context, filename string, header []byte) error {
	if err := s.mu.Lock(ctx, storeLockKey, 0); err != nil {
		return err
	}
	defer s.mu.Unlock(ctx, storeLockKey) //nolint:errcheck

	if _, err := s.db.ExecContext(ctx, upsertHeaderQuery, filename, header); err != nil {
		return fmt.Errorf("localcache: put header %q: %w", filename, err)
	}

	return nil
}

// EvictHeadersExcept drops cached headers for shard filenames no longer
// present in keep, e.g. after compaction/vacuum retires old shards.
func (s *Store) EvictHeadersExcept(ctx context.Context, keep []string) error {
	if err := s.mu.Lock(ctx, storeLockKey, 0); err != nil {
		return err
	}
	defer s.mu.Unlock(ctx, storeLockKey) //nolint:errcheck

	if len(keep) == 0 {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM shard_headers`); err != nil {
			return fmt.Errorf("localcache: evicting all headers: %w", err)
		}

		return nil
	}

	placeholders := make([]byte, 0, len(keep)*2)
	args := make([]any, len(keep))

	for i, f := range keep {
		if i > 0 {
			placeholders = append(placeholders, ',')
		}

		placeholders = append(placeholders, '?')
		args[i] = f
	}

	query := fmt.Sprintf(deleteHeadersExcept, string(placeholders))

	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("localcache: evicting stale headers: %w", err)
	}

	return nil
}

// ListHeaderFilenames returns every shard filename with a cached header.
func (s *Store) ListHeaderFilenames(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, listHeadersQuery)
	if err != nil {
		return nil, fmt.Errorf("localcache: listing headers: %w", err)
	}
	defer rows.Close()

	var names []string

	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("localcache: scanning header filename: %w", err)
		}

		names = append(names, name)
	}

	return names, rows.Err()
}

// DeleteHeader drops the cached header for a single shard filename.
func (s *Store) DeleteHeader(ctx context.Context, filename string) error {
	if err := s.mu.Lock(ctx, storeLockKey, 0); err != nil {
		return err
	}
	defer s.mu.Unlock(ctx, storeLockKey) //nolint:errcheck

	if _, err := s.db.ExecContext(ctx, deleteHeaderQuery, filename); err != nil {
		return fmt.Errorf("localcache: delete header %q: %w", filename, err)
	}

	return nil
}
