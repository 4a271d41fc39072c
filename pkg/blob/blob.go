// Package blob names the capability contract for the large-binary
// side-store. Only its interface is part of this module; a concrete
// content-addressed, chunked, AES-GCM-per-chunk blob store is an embedding
// application concern (see spec Non-goals).
package blob

import (
	"context"
	"iter"
)

// Ref identifies one stored blob by its content hash and declared size.
type Ref struct {
	Hash string
	Size int64
}

// Store is the capability set the sync engine and crypto envelope need to
// read and write blob content without knowing its chunking or storage
// medium.
type Store interface {
	// Put stores a blob's plaintext chunks and returns its content-derived
	// Ref. Chunking and hashing are the implementation's responsibility.
	Put(ctx context.Context, chunks iter.Seq2[[]byte, error]) (Ref, error)

	// Chunks returns a lazy, finite sequence of the blob's plaintext
	// chunks in order. Consumers may stop iterating early; the
	// implementation must release any pending decryption state when the
	// returned sequence is abandoned.
	Chunks(ctx context.Context, ref Ref) iter.Seq2[[]byte, error]

	// Delete removes a blob. Deleting an absent ref is a no-op.
	Delete(ctx context.Context, ref Ref) error
}
