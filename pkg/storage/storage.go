// Package storage defines the capability every remote driver (local
// filesystem, S3-compatible, WebDAV) implements: a uniform
// read/range-read/stat/atomic-update/write/delete/list contract that the
// manifest manager and shard manager build on.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Read when the requested path does not
	// exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned by Write when the path already has
	// content; shards are content-addressed, so a collision implies
	// byte-identical content and callers absorb it via Stat.
	ErrAlreadyExists = errors.New("storage: already exists")
)

// Range specifies a byte range for a partial read. Length of 0 reads to the
// end of the object.
type Range struct {
	Offset int64
	Length int64
}

// ObjectInfo is what Stat reports for an existing object.
type ObjectInfo struct {
	// ETag distinguishes content versions. It must change whenever the
	// object's content changes and must be stable across reads of
	// unchanged content.
	ETag string
	Size int64
	// LastModified is used by the orphan collector's grace period check.
	LastModified time.Time
}

// UpdateResult is returned by AtomicUpdate.
type UpdateResult struct {
	// Success is false when the stored ETag did not match previousEtag
	// (a CAS conflict), in which case NewETag is empty.
	Success bool
	NewETag string
}

// Backend is the capability set every storage driver implements. All
// operations are fallible and none panic on a missing object except where
// documented.
type Backend interface {
	// Read returns the bytes at path, optionally restricted to rang. It
	// returns ErrNotFound if path does not exist.
	Read(ctx context.Context, path string, rang *Range) ([]byte, error)

	// Stat returns metadata for path, or (nil, nil) if it does not exist.
	// Stat never returns ErrNotFound.
	Stat(ctx context.Context, path string) (*ObjectInfo, error)

	// AtomicUpdate writes data to path iff the object's current ETag
	// equals previousEtag (empty previousEtag means "path must not
	// exist"). A mismatch is reported as UpdateResult.Success == false,
	// not as an error; any other failure is returned as an error.
	AtomicUpdate(ctx context.Context, path string, data []byte, previousEtag string) (*UpdateResult, error)

	// Write creates path with data. It returns ErrAlreadyExists if path
	// is already present.
	Write(ctx context.Context, path string, data []byte) error

	// Delete removes path. It is idempotent: deleting an absent path is
	// success.
	Delete(ctx context.Context, path string) error

	// List returns the flat list of filenames directly inside directory.
	List(ctx context.Context, directory string) ([]string, error)

	// EnsureDirectory creates directory if it does not already exist. It
	// is idempotent.
	EnsureDirectory(ctx context.Context, directory string) error
}
