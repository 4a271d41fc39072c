// Package database names the capability the embedding application's local
// document database must provide. ClxDB never implements a query engine,
// indexing, or schema enforcement itself; it only reads and applies
// Document rows, so this package is interface-only.
package database

import "context"

// Document mirrors the wire shape persisted into shards: an id, a
// millisecond timestamp, an optional replicated sequence, a tombstone flag,
// and an optional payload. Seq is nil for a pending local change not yet
// assigned a sequence by a push; Data is nil when Del is true.
type Document struct {
	ID   string
	At   int64
	Seq  *int64
	Del  bool
	Data map[string]any
}

// Update describes one change delivered to a Backend's replication
// subscribers: the affected id and its document after the change, or nil
// if the id was hard-deleted rather than tombstoned.
type Update struct {
	ID  string
	Doc *Document
}

// Unsubscribe stops a Replicate subscription. Calling it more than once is
// a no-op.
type Unsubscribe func()

// Backend is the two-phase mutation contract the sync engine drives: user
// writes land with Seq == nil; once a push commits, the engine calls Upsert
// again with the fully-qualified documents carrying their assigned
// sequences. Deletions carry Del == true, Seq == nil until committed.
type Backend interface {
	// Read returns one document per id, in the same order, with a nil
	// entry where no document exists for that id.
	Read(ctx context.Context, ids []string) ([]*Document, error)

	// ReadPendingIds returns the distinct ids of documents with Seq ==
	// nil: changes authored locally but not yet assigned a sequence.
	ReadPendingIds(ctx context.Context) ([]string, error)

	// Upsert writes docs, replacing any existing document with the same
	// id.
	Upsert(ctx context.Context, docs []Document) error

	// Delete removes docs by id outright: a hard local delete, as distinct
	// from a synced tombstone (which is an Upsert with Del == true).
	Delete(ctx context.Context, ids []string) error

	// Replicate subscribes onUpdate to every Upsert/Delete call and
	// returns a function to cancel the subscription.
	Replicate(ctx context.Context, onUpdate func(Update)) Unsubscribe
}
