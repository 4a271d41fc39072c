// Package shardmgr fetches and caches shard headers and documents, and
// encodes new shards for push. It is the only component that decodes the
// binary shard wire format end to end.
package shardmgr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/localcache"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shard"
	"github.com/clxdb/clxdb/pkg/storage"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/shardmgr"

const shardsDir = "shards"

// ShardsDir is the storage directory holding shard files, exported for the
// orphan collector's List/Stat/Delete sweep.
const ShardsDir = shardsDir

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// HashFromFilename extracts the content hash from a "shard_<hash>.clx"
// filename. ok is false if filename does not match that shape.
func HashFromFilename(filename string) (hash string, ok bool) {
	const prefix, suffix = "shard_", ".clx"

	if !strings.HasPrefix(filename, prefix) || !strings.HasSuffix(filename, suffix) {
		return "", false
	}

	return strings.TrimSuffix(strings.TrimPrefix(filename, prefix), suffix), true
}

// Document is a decrypted document recovered from a shard, paired with its
// header metadata.
type Document struct {
	shard.HeaderEntry
	Data json.RawMessage
}

// Manager fetches shard headers and document bodies against a storage
// backend, decrypting through env and caching parsed headers in a
// localcache.Store keyed by filename.
type Manager struct {
	backend storage.Backend
	env     crypto.Envelope
	cache   *localcache.Store
}

// New builds a Manager. cache may be nil, in which case headers are not
// cached at all: every FetchHeader call performs its range reads again
// (nil cache is intended for tests, not production use).
func New(backend storage.Backend, env crypto.Envelope, cache *localcache.Store) *Manager {
	return &Manager{backend: backend, env: env, cache: cache}
}

// FetchHeader returns info's decoded header, consulting the cache first.
// On a cache miss it performs two range reads: a 4-byte length prefix, then
// the encrypted header itself, decrypts and validates it, and caches the
// plaintext header JSON.
func (m *Manager) FetchHeader(ctx context.Context, info manifest.ShardInfo) (*shard.Header, error) {
	ctx, span := tracer.Start(ctx, "shardmgr.FetchHeader", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("shard.filename", info.Filename)))
	defer span.End()

	if m.cache != nil {
		if cached, err := m.cache.GetHeader(ctx, info.Filename); err == nil {
			var h shard.Header
			if err := json.Unmarshal(cached, &h); err == nil {
				return &h, nil
			}
		}
	}

	hash, ok := HashFromFilename(info.Filename)
	if !ok {
		return nil, fmt.Errorf("shardmgr: malformed shard filename %q", info.Filename)
	}

	path := shardsDir + "/" + info.Filename

	prefixBytes, err := m.backend.Read(ctx, path, &storage.Range{Offset: 0, Length: shard.LengthPrefixSize})
	if err != nil {
		return nil, fmt.Errorf("shardmgr: reading length prefix of %q: %w", info.Filename, err)
	}

	headerLen, err := shard.DecodeLengthPrefix(prefixBytes)
	if err != nil {
		return nil, fmt.Errorf("shardmgr: decoding length prefix of %q: %w", info.Filename, err)
	}

	encryptedHeader, err := m.backend.Read(ctx, path, &storage.Range{
		Offset: shard.LengthPrefixSize,
		Length: int64(headerLen),
	})
	if err != nil {
		return nil, fmt.Errorf("shardmgr: reading header of %q: %w", info.Filename, err)
	}

	headerJSON, err := m.env.DecryptShardPart(hash, encryptedHeader)
	if err != nil {
		return nil, fmt.Errorf("shardmgr: decrypting header of %q: %w", info.Filename, err)
	}

	header, err := shard.ParseHeader(headerJSON)
	if err != nil {
		return nil, fmt.Errorf("shardmgr: %q: %w", info.Filename, err)
	}

	if m.cache != nil {
		_ = m.cache.PutHeader(ctx, info.Filename, headerJSON)
	}

	return header, nil
}

// FetchDocuments fetches and decrypts a set of a shard's documents. If
// entries is nil, every entry in the shard's header is fetched. All
// fetched entries are combined into a single backend range read spanning
// their min offset to their max offset+len, then sliced and decrypted
// per-document. Deleted documents are returned with Data == nil.
func (m *Manager) FetchDocuments(
	ctx context.Context, info manifest.ShardInfo, entries []shard.HeaderEntry,
) ([]Document, error) {
	ctx, span := tracer.Start(ctx, "shardmgr.FetchDocuments", trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String("shard.filename", info.Filename)))
	defer span.End()

	if entries == nil {
		header, err := m.FetchHeader(ctx, info)
		if err != nil {
			return nil, err
		}

		entries = header.Docs
	}

	if len(entries) == 0 {
		return nil, nil
	}

	hash, ok := HashFromFilename(info.Filename)
	if !ok {
		return nil, fmt.Errorf("shardmgr: malformed shard filename %q", info.Filename)
	}

	sorted := append([]shard.HeaderEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Offset < sorted[j].Offset })

	minOffset := sorted[0].Offset
	maxEnd := sorted[0].Offset + sorted[0].Len

	for _, e := range sorted[1:] {
		if end := e.Offset + e.Len; end > maxEnd {
			maxEnd = end
		}
	}

	headerLen, err := m.encryptedHeaderLen(ctx, info)
	if err != nil {
		return nil, err
	}

	bodyStart := int64(shard.LengthPrefixSize) + headerLen

	body, err := m.backend.Read(ctx, shardsDir+"/"+info.Filename, &storage.Range{
		Offset: bodyStart + minOffset,
		Length: maxEnd - minOffset,
	})
	if err != nil {
		return nil, fmt.Errorf("shardmgr: reading document range of %q: %w", info.Filename, err)
	}

	docs := make([]Document, 0, len(sorted))

	for _, e := range sorted {
		start := e.Offset - minOffset
		end := start + e.Len

		if start < 0 || end > int64(len(body)) {
			return nil, fmt.Errorf("shardmgr: entry %q out of bounds in %q", e.ID, info.Filename)
		}

		plain, err := m.env.DecryptShardPart(hash, body[start:end])
		if err != nil {
			return nil, fmt.Errorf("shardmgr: decrypting document %q in %q: %w", e.ID, info.Filename, err)
		}

		doc := Document{HeaderEntry: e}

		if !e.Del {
			doc.Data = json.RawMessage(plain)
		}

		docs = append(docs, doc)
	}

	return docs, nil
}

func (m *Manager) encryptedHeaderLen(ctx context.Context, info manifest.ShardInfo) (int64, error) {
	prefixBytes, err := m.backend.Read(ctx, shardsDir+"/"+info.Filename,
		&storage.Range{Offset: 0, Length: shard.LengthPrefixSize})
	if err != nil {
		return 0, fmt.Errorf("shardmgr: reading length prefix of %q: %w", info.Filename, err)
	}

	headerLen, err := shard.DecodeLengthPrefix(prefixBytes)
	if err != nil {
		return 0, fmt.Errorf("shardmgr: decoding length prefix of %q: %w", info.Filename, err)
	}

	return int64(headerLen), nil
}

// WriteShard encodes documents into a new shard file and writes it to
// storage. A Write conflict (ErrAlreadyExists) is absorbed when Stat
// confirms the path already holds a file — content-addressing means that
// can only happen if another writer raced to persist byte-identical
// content.
func (m *Manager) WriteShard(ctx context.Context, docs []shard.Document) (manifest.ShardInfo, *shard.Header, int, error) {
	ctx, span := tracer.Start(ctx, "shardmgr.WriteShard", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	encoded, hash, err := shard.Encode(docs, m.env)
	if err != nil {
		return manifest.ShardInfo{}, nil, 0, fmt.Errorf("shardmgr: encoding shard: %w", err)
	}

	filename := "shard_" + hash + ".clx"
	path := shardsDir + "/" + filename

	if err := m.backend.Write(ctx, path, encoded); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			return manifest.ShardInfo{}, nil, 0, fmt.Errorf("shardmgr: writing %q: %w", filename, err)
		}

		if info, statErr := m.backend.Stat(ctx, path); statErr != nil || info == nil {
			return manifest.ShardInfo{}, nil, 0, fmt.Errorf("shardmgr: writing %q: %w", filename, err)
		}
	}

	headerLen, err := m.encryptedHeaderLen(ctx, manifest.ShardInfo{Filename: filename})
	if err != nil {
		return manifest.ShardInfo{}, nil, 0, err
	}

	if int64(len(encoded)) < shard.LengthPrefixSize+headerLen {
		return manifest.ShardInfo{}, nil, 0, fmt.Errorf("shardmgr: %q: %w", filename, shard.ErrTruncated)
	}

	headerJSON, err := m.env.DecryptShardPart(hash, encoded[shard.LengthPrefixSize:shard.LengthPrefixSize+headerLen])
	if err != nil {
		return manifest.ShardInfo{}, nil, 0, fmt.Errorf("shardmgr: decrypting header of %q: %w", filename, err)
	}

	header, err := shard.ParseHeader(headerJSON)
	if err != nil {
		return manifest.ShardInfo{}, nil, 0, fmt.Errorf("shardmgr: %q: %w", filename, err)
	}

	var minSeq, maxSeq int64

	for i, d := range docs {
		if i == 0 || *d.Seq < minSeq {
			minSeq = *d.Seq
		}

		if i == 0 || *d.Seq > maxSeq {
			maxSeq = *d.Seq
		}
	}

	if m.cache != nil {
		_ = m.cache.PutHeader(ctx, filename, headerJSON)
	}

	info := manifest.ShardInfo{
		Filename: filename,
		Range:    manifest.ShardRange{Min: minSeq, Max: maxSeq},
	}

	return info, header, len(encoded), nil
}

