// Package shard implements the shard codec: encoding documents into
// immutable content-addressed shard files, parsing their headers back out,
// and assigning tier levels by file size.
package shard

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/clxdb/clxdb/pkg/crypto"
)

// LengthPrefixSize is the size, in bytes, of the little-endian
// encrypted-header-length prefix at the start of every shard file.
const LengthPrefixSize = 4

var (
	// ErrEmptyDocuments is returned by Encode when given no documents: an
	// empty shard is never valid.
	ErrEmptyDocuments = errors.New("shard: cannot encode zero documents")
	// ErrUnsequencedDocument is returned by Encode when a document has no
	// assigned sequence; only fully-sequenced documents may be shardded.
	ErrUnsequencedDocument = errors.New("shard: document has no assigned sequence")
	// ErrTombstoneWithData is returned when a deleted document carries a
	// non-empty data payload.
	ErrTombstoneWithData = errors.New("shard: tombstone document carries data")
	// ErrTruncated is returned when a shard file or header is too short to
	// contain what it claims to.
	ErrTruncated = errors.New("shard: truncated")
	// ErrHeaderInvalid is returned by ParseHeader when the header fails
	// schema or offset/length validation.
	ErrHeaderInvalid = errors.New("shard: invalid header")
)

// Document is one entry in a shard, or a pending user-originated change
// before it has been assigned a sequence.
type Document struct {
	ID   string          `json:"id"`
	At   int64           `json:"at"`
	Seq  *int64          `json:"seq"`
	Del  bool            `json:"del"`
	Data json.RawMessage `json:"data,omitempty"`
}

// HeaderEntry describes where one document's body lives within a shard's
// encrypted body region.
type HeaderEntry struct {
	ID     string `json:"id"`
	At     int64  `json:"at"`
	Seq    int64  `json:"seq"`
	Del    bool   `json:"del"`
	Offset int64  `json:"offset"`
	Len    int64  `json:"len"`
}

// Header is the decrypted JSON object at the front of a shard file.
type Header struct {
	Docs []HeaderEntry `json:"docs"`
}

// nullBody is the plaintext body stored for a tombstone.
var nullBody = []byte("null")

// Encode serializes docs into a shard file, encrypting each header and body
// part through env, and returns the encoded bytes along with their hex
// content hash.
//
// The content hash — and therefore the key used to encrypt every part of
// this shard — is computed over the canonical plaintext representation of
// docs, not over the final encrypted bytes: encrypting a part with a key
// derived from that same part's own ciphertext hash is circular, since the
// hash cannot be known until encryption (which uses random IVs) has already
// happened. Deriving both the shard key and the content-addressed filename
// from a canonical digest of the plaintext preserves content-addressing
// (identical document sets always yield the same filename) while breaking
// the cycle.
func Encode(docs []Document, env crypto.Envelope) ([]byte, string, error) {
	if len(docs) == 0 {
		return nil, "", ErrEmptyDocuments
	}

	plainParts := make([][]byte, len(docs))

	for i, doc := range docs {
		if doc.Seq == nil {
			return nil, "", fmt.Errorf("%w: id=%s", ErrUnsequencedDocument, doc.ID)
		}

		if doc.Del {
			if len(doc.Data) != 0 {
				return nil, "", fmt.Errorf("%w: id=%s", ErrTombstoneWithData, doc.ID)
			}

			plainParts[i] = nullBody

			continue
		}

		plainParts[i] = doc.Data
	}

	hash := contentHash(docs, plainParts)

	entries := make([]HeaderEntry, len(docs))
	bodyParts := make([][]byte, len(docs))

	var offset int64

	for i, doc := range docs {
		encrypted, err := env.EncryptShardPart(hash, plainParts[i])
		if err != nil {
			return nil, "", fmt.Errorf("shard: encrypting body part %d: %w", i, err)
		}

		if want := env.EncryptedPartSize(len(plainParts[i])); len(encrypted) != want {
			return nil, "", fmt.Errorf("%w: part %d got %d want %d",
				crypto.ErrEncryptedLengthMismatch, i, len(encrypted), want)
		}

		bodyParts[i] = encrypted

		entries[i] = HeaderEntry{
			ID:     doc.ID,
			At:     doc.At,
			Seq:    *doc.Seq,
			Del:    doc.Del,
			Offset: offset,
			Len:    int64(len(encrypted)),
		}

		offset += int64(len(encrypted))
	}

	headerJSON, err := json.Marshal(Header{Docs: entries})
	if err != nil {
		return nil, "", fmt.Errorf("shard: marshaling header: %w", err)
	}

	encryptedHeader, err := env.EncryptShardPart(hash, headerJSON)
	if err != nil {
		return nil, "", fmt.Errorf("shard: encrypting header: %w", err)
	}

	var buf bytes.Buffer

	buf.Grow(LengthPrefixSize + len(encryptedHeader) + int(offset))
	buf.Write(EncodeLengthPrefix(uint32(len(encryptedHeader))))
	buf.Write(encryptedHeader)

	for _, part := range bodyParts {
		buf.Write(part)
	}

	return buf.Bytes(), hash, nil
}

// contentHash computes the SHA-256 digest used both for filename
// content-addressing and as the key-derivation input for this shard.
func contentHash(docs []Document, plainParts [][]byte) string {
	h := sha256.New()

	for i, doc := range docs {
		writeLenPrefixed(h, []byte(doc.ID))

		var tmp [9]byte
		binary.BigEndian.PutUint64(tmp[:8], uint64(doc.At))

		if doc.Del {
			tmp[8] = 1
		}

		h.Write(tmp[:])
		writeLenPrefixed(h, plainParts[i])
	}

	return hex.EncodeToString(h.Sum(nil))
}

func writeLenPrefixed(h interface{ Write([]byte) (int, error) }, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	h.Write(lenBuf[:])
	h.Write(b)
}

// EncodeLengthPrefix returns the little-endian 4-byte encoding of n.
func EncodeLengthPrefix(n uint32) []byte {
	b := make([]byte, LengthPrefixSize)
	binary.LittleEndian.PutUint32(b, n)

	return b
}

// DecodeLengthPrefix reads the little-endian 4-byte header-length prefix
// from the start of a shard file.
func DecodeLengthPrefix(b []byte) (uint32, error) {
	if len(b) < LengthPrefixSize {
		return 0, ErrTruncated
	}

	return binary.LittleEndian.Uint32(b[:LengthPrefixSize]), nil
}

// ParseHeader validates and unmarshals an already-decrypted header JSON
// document, enforcing the offset/length invariants from spec §4.2: entries
// are non-negative, non-tombstone lengths are positive, and offset+len is
// strictly increasing across entries (which also rules out overlap).
func ParseHeader(headerJSON []byte) (*Header, error) {
	var h Header
	if err := json.Unmarshal(headerJSON, &h); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeaderInvalid, err)
	}

	var prevEnd int64

	for i, e := range h.Docs {
		if e.Offset < 0 {
			return nil, fmt.Errorf("%w: entry %d has negative offset", ErrHeaderInvalid, i)
		}

		if e.Offset != prevEnd {
			return nil, fmt.Errorf("%w: entry %d offset %d does not continue from %d",
				ErrHeaderInvalid, i, e.Offset, prevEnd)
		}

		minLen := int64(1)
		if e.Del {
			minLen = int64(len(nullBody))
		}

		if e.Len < minLen {
			return nil, fmt.Errorf("%w: entry %d has len %d below minimum %d",
				ErrHeaderInvalid, i, e.Len, minLen)
		}

		prevEnd = e.Offset + e.Len
	}

	return &h, nil
}

// TierConfig carries the tunables the shard tier level formula depends on.
type TierConfig struct {
	CompactionThreshold int
	DesiredShardSize    int64
	MaxShardLevel       int
}

// Level computes the tier level for a shard of the given encoded size:
// level = clamp(round(log_C(size / S0)), 0, L), where C is
// CompactionThreshold, L is MaxShardLevel and S0 = DesiredShardSize / C^L.
// When size is smaller than S0 the raw value is negative and clamps to 0;
// this is intentional for small, freshly written shards.
func (c TierConfig) Level(size int64) int {
	cFloat := float64(c.CompactionThreshold)
	lFloat := float64(c.MaxShardLevel)
	s0 := float64(c.DesiredShardSize) / math.Pow(cFloat, lFloat)

	raw := math.Log(float64(size)/s0) / math.Log(cFloat)
	level := int(math.Round(raw))

	if level < 0 {
		return 0
	}

	if level > c.MaxShardLevel {
		return c.MaxShardLevel
	}

	return level
}
