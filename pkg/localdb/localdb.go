// Package localdb is a reference implementation of database.Backend backed
// by SQLite. clxd (the CLI) uses it so the sync/compact/vacuum/gc commands
// have a real local document store to operate against; an embedding
// application is free to implement database.Backend against whatever store
// it already owns instead.
package localdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	// mattn/go-sqlite3 registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/database"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/localdb"

const createTable = `
CREATE TABLE IF NOT EXISTS documents (
	id   TEXT PRIMARY KEY,
	at   INTEGER NOT NULL,
	seq  INTEGER,
	del  INTEGER NOT NULL DEFAULT 0,
	data BLOB
);
`

const (
	upsertQuery = `
	INSERT INTO documents(id, at, seq, del, data) VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET at = excluded.at, seq = excluded.seq, del = excluded.del, data = excluded.data
	`
	getQuery          = `SELECT at, seq, del, data FROM documents WHERE id = ?`
	deleteQuery       = `DELETE FROM documents WHERE id = ?`
	pendingIdsQuery   = `SELECT id FROM documents WHERE seq IS NULL`
)

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Store is the SQLite-backed database.Backend.
type Store struct {
	db *sql.DB

	mu  sync.Mutex
	fns []func(database.Update)
}

var _ database.Backend = (*Store)(nil)

// Open opens (creating if absent) the SQLite database at dbPath and ensures
// its schema exists.
func Open(dbPath string) (*Store, error) {
	sdb, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("localdb: opening %q: %w", dbPath, err)
	}

	// Matches pkg/localcache: one connection, so SQLite's own locking is
	// never asked to arbitrate across goroutines.
	sdb.SetMaxOpenConns(1)

	if _, err := sdb.Exec(createTable); err != nil {
		sdb.Close()

		return nil, fmt.Errorf("localdb: creating schema: %w", err)
	}

	return &Store{db: sdb}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Read implements database.Backend.
func (s *Store) Read(ctx context.Context, ids []string) ([]*database.Document, error) {
	_, span := tracer.Start(ctx, "localdb.Read")
	defer span.End()

	out := make([]*database.Document, len(ids))

	for i, id := range ids {
		doc, err := s.readOne(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("localdb: reading %q: %w", id, err)
		}

		out[i] = doc
	}

	return out, nil
}

func (s *Store) readOne(ctx context.Context, id string) (*database.Document, error) {
	row := s.db.QueryRowContext(ctx, getQuery, id)

	var (
		at   int64
		seq  sql.NullInt64
		del  bool
		data []byte
	)

	if err := row.Scan(&at, &seq, &del, &data); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil //nolint:nilnil
		}

		return nil, err
	}

	doc := &database.Document{ID: id, At: at, Del: del}

	if seq.Valid {
		doc.Seq = &seq.Int64
	}

	if len(data) > 0 {
		if err := json.Unmarshal(data, &doc.Data); err != nil {
			return nil, fmt.Errorf("unmarshaling data: %w", err)
		}
	}

	return doc, nil
}

// ReadPendingIds implements database.Backend.
func (s *Store) ReadPendingIds(ctx context.Context) ([]string, error) {
	_, span := tracer.Start(ctx, "localdb.ReadPendingIds")
	defer span.End()

	rows, err := s.db.QueryContext(ctx, pendingIdsQuery)
	if err != nil {
		return nil, fmt.Errorf("localdb: querying pending ids: %w", err)
	}
	defer rows.Close()

	var ids []string

	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("localdb: scanning pending id: %w", err)
		}

		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// Upsert implements database.Backend.
func (s *Store) Upsert(ctx context.Context, docs []database.Document) error {
	ctx, span := tracer.Start(ctx, "localdb.Upsert")
	defer span.End()

	for _, doc := range docs {
		data, err := json.Marshal(doc.Data)
		if err != nil {
			return fmt.Errorf("localdb: marshaling document %q: %w", doc.ID, err)
		}

		var seq sql.NullInt64
		if doc.Seq != nil {
			seq = sql.NullInt64{Int64: *doc.Seq, Valid: true}
		}

		if _, err := s.db.ExecContext(ctx, upsertQuery, doc.ID, doc.At, seq, doc.Del, data); err != nil {
			return fmt.Errorf("localdb: upserting document %q: %w", doc.ID, err)
		}

		d := doc
		s.notify(database.Update{ID: doc.ID, Doc: &d})
	}

	return nil
}

// Delete implements database.Backend.
func (s *Store) Delete(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "localdb.Delete")
	defer span.End()

	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, deleteQuery, id); err != nil {
			return fmt.Errorf("localdb: deleting document %q: %w", id, err)
		}

		s.notify(database.Update{ID: id, Doc: nil})
	}

	return nil
}

// Replicate implements database.Backend.
func (s *Store) Replicate(_ context.Context, onUpdate func(database.Update)) database.Unsubscribe {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := len(s.fns)
	s.fns = append(s.fns, onUpdate)

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()

		if idx < len(s.fns) {
			s.fns[idx] = nil
		}
	}
}

func (s *Store) notify(u database.Update) {
	s.mu.Lock()
	fns := append([]func(database.Update){}, s.fns...)
	s.mu.Unlock()

	for _, fn := range fns {
		if fn != nil {
			fn(u)
		}
	}
}
