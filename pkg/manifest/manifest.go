// Package manifest implements the manifest manager: the single cached
// {manifest, etag} pair and the compare-and-swap update loop every mutating
// operation in the system funnels through.
package manifest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	mathrand "math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clxdb/clxdb/pkg/crypto"
	"github.com/clxdb/clxdb/pkg/lock"
	"github.com/clxdb/clxdb/pkg/storage"
)

const (
	otelPackageName = "github.com/clxdb/clxdb/pkg/manifest"

	// Path is the well-known storage path of the manifest.
	Path = "manifest.json"

	// ProtocolVersion is the manifest schema version written by this
	// implementation.
	ProtocolVersion = 2

	// MaxRetries bounds the CAS retry loop in Update.
	MaxRetries = 10

	// jitterFactor bounds the random jitter Update applies to each backoff
	// delay: the delay is scaled by a uniform factor in
	// [1-jitterFactor, 1+jitterFactor), i.e. ±25%. lock.CalculateBackoff's
	// own jitter only ever adds, so Update leaves it off and applies this
	// one itself.
	jitterFactor = 0.25

	initialBackoff = 100 * time.Millisecond
	maxBackoff     = 10 * time.Second
)

// ErrManifestUpdateConflict is returned by Update after MaxRetries
// consecutive CAS conflicts.
var ErrManifestUpdateConflict = errors.New("manifest: update conflict: exhausted retries")

// ShardRange is the inclusive sequence range a shard covers.
type ShardRange struct {
	Min int64 `json:"min"`
	Max int64 `json:"max"`
}

// ShardInfo is one entry in Manifest.ShardFiles.
type ShardInfo struct {
	Filename string     `json:"filename"`
	Level    int        `json:"level"`
	Range    ShardRange `json:"range"`
}

// DeviceKeyEntry is one device's wrapped copy of the root key.
type DeviceKeyEntry struct {
	Key        []byte `json:"key"`
	DeviceName string `json:"deviceName"`
	LastUsedAt int64  `json:"lastUsedAt"`
}

// CryptoDescriptor is the manifest's crypto field, present only when
// encryption is enabled.
type CryptoDescriptor struct {
	MasterKey     []byte                    `json:"masterKey,omitempty"`
	MasterKeySalt []byte                    `json:"masterKeySalt,omitempty"`
	DeviceKey     map[string]DeviceKeyEntry `json:"deviceKey,omitempty"`
	Nonce         string                    `json:"nonce"`
	Timestamp     int64                     `json:"timestamp"`
	Signature     []byte                    `json:"signature"`
}

// Manifest is the single JSON document enumerating live shards and crypto
// state.
type Manifest struct {
	Version      int               `json:"version"`
	UUID         string            `json:"uuid"`
	LastSequence int64             `json:"lastSequence"`
	ShardFiles   []ShardInfo       `json:"shardFiles"`
	Crypto       *CryptoDescriptor `json:"crypto,omitempty"`
}

func (m *Manifest) clone() *Manifest {
	out := *m
	out.ShardFiles = append([]ShardInfo(nil), m.ShardFiles...)

	if m.Crypto != nil {
		c := *m.Crypto
		out.Crypto = &c
	}

	return &out
}

// Delta is what a DeltaFunc returns to describe a single CAS attempt's
// desired change. A zero-value Delta is a no-op: Update returns without
// writing anything.
type Delta struct {
	AddedShardInfoList       []ShardInfo
	RemovedShardFilenameList []string
	// Crypto, when non-nil, replaces the manifest's crypto descriptor.
	Crypto *CryptoDescriptor
}

func (d Delta) isEmpty() bool {
	return len(d.AddedShardInfoList) == 0 && len(d.RemovedShardFilenameList) == 0 && d.Crypto == nil
}

// DeltaFunc computes the change to apply against the manifest observed at
// the start of one CAS attempt. It is invoked exactly once per attempt.
type DeltaFunc func(*Manifest) (Delta, error)

// RetryFunc is invoked between CAS conflicts, typically to pull fresh
// remote state before the next attempt.
type RetryFunc func(ctx context.Context) error

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// Manager owns the cached manifest and serializes all mutation through
// Update.
type Manager struct {
	backend storage.Backend
	env     crypto.Envelope

	mu       sync.Mutex
	cached   *Manifest
	etag     string
	hasCache bool

	contentionLock lock.Locker
}

// ManagerOption configures optional Manager behavior.
type ManagerOption func(*Manager)

// contentionLockKey is the key Update's optional contention lock is taken
// under. It is shared by every Manager instance pointed at the same backend,
// so a distributed lock.Locker (e.g. pkg/lock/redis) serializes writers
// across processes, not just goroutines.
const contentionLockKey = "manifest-update"

// contentionLockTTL bounds how long a held contention lock survives a
// writer that dies mid-update, so a crashed process cannot wedge the lock
// forever. It is unrelated to the CAS protocol itself, which remains safe
// even if this lock is never acquired.
const contentionLockTTL = 10 * time.Second

// WithContentionLock attaches an optional lock.Locker that Update acquires,
// non-blocking, before each CAS attempt. It is purely an optimization: when
// the lock is already held (another writer is mid-update), Update skips the
// round trip to read and re-serialize the manifest and goes straight to its
// backoff, instead of racing a CAS it expects to lose. Update is correct
// with or without this option; a nil lock (the default) reproduces the
// previous behavior exactly.
func WithContentionLock(l lock.Locker) ManagerOption {
	return func(m *Manager) {
		m.contentionLock = l
	}
}

// NewManager builds a Manager. Open must be called before Read/Update are
// used.
func NewManager(backend storage.Backend, env crypto.Envelope, opts ...ManagerOption) *Manager {
	m := &Manager{backend: backend, env: env}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Open initializes the manifest: if none exists yet at Path, an empty one is
// written; otherwise the existing one is read, verified and cached.
func (m *Manager) Open(ctx context.Context) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "manifest.Open", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	info, err := m.backend.Stat(ctx, Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat: %w", err)
	}

	if info == nil {
		empty := &Manifest{
			Version:    ProtocolVersion,
			UUID:       uuid.NewString(),
			ShardFiles: []ShardInfo{},
		}

		data, err := m.serialize(empty)
		if err != nil {
			return nil, err
		}

		result, err := m.backend.AtomicUpdate(ctx, Path, data, "")
		if err != nil {
			return nil, fmt.Errorf("manifest: creating initial manifest: %w", err)
		}

		if !result.Success {
			// Another writer created it concurrently; fall through to
			// read whatever is there now.
			return m.Read(ctx)
		}

		m.setCache(empty, result.NewETag)

		return empty, nil
	}

	return m.readFresh(ctx, info.ETag)
}

// Read returns the cached manifest if the stored ETag is unchanged, else
// refetches and reparses.
func (m *Manager) Read(ctx context.Context) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "manifest.Read", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	info, err := m.backend.Stat(ctx, Path)
	if err != nil {
		return nil, fmt.Errorf("manifest: stat: %w", err)
	}

	if info == nil {
		return nil, fmt.Errorf("%w: manifest.json", storage.ErrNotFound)
	}

	m.mu.Lock()
	if m.hasCache && m.etag == info.ETag {
		cached := m.cached.clone()
		m.mu.Unlock()

		return cached, nil
	}
	m.mu.Unlock()

	return m.readFresh(ctx, info.ETag)
}

func (m *Manager) readFresh(ctx context.Context, etag string) (*Manifest, error) {
	data, err := m.backend.Read(ctx, Path, nil)
	if err != nil {
		return nil, fmt.Errorf("manifest: reading: %w", err)
	}

	parsed, err := m.parseAndVerify(data)
	if err != nil {
		return nil, err
	}

	m.setCache(parsed, etag)

	return parsed.clone(), nil
}

func (m *Manager) parseAndVerify(data []byte) (*Manifest, error) {
	var parsed Manifest
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("manifest: parsing: %w", err)
	}

	if parsed.Crypto != nil && len(parsed.Crypto.Signature) > 0 {
		signed := parsed.clone()
		signed.Crypto.Signature = nil

		unsigned, err := json.Marshal(signed)
		if err != nil {
			return nil, fmt.Errorf("manifest: re-serializing for verification: %w", err)
		}

		if err := m.env.Verify(unsigned, parsed.Crypto.Signature); err != nil {
			return nil, err
		}
	}

	return &parsed, nil
}

func (m *Manager) setCache(manifest *Manifest, etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.cached = manifest.clone()
	m.etag = etag
	m.hasCache = true
}

// serialize marshals a manifest to its stored form, refreshing nonce and
// timestamp and re-signing it first when crypto is enabled.
func (m *Manager) serialize(manifest *Manifest) ([]byte, error) {
	out := manifest.clone()

	if out.Crypto != nil {
		out.Crypto.Nonce = uuid.NewString()
		out.Crypto.Timestamp = time.Now().UnixMilli()
		out.Crypto.Signature = nil

		unsigned, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("manifest: marshaling for signing: %w", err)
		}

		sig, err := m.env.Finalize(unsigned)
		if err != nil {
			return nil, fmt.Errorf("manifest: signing: %w", err)
		}

		out.Crypto.Signature = sig
	}

	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("manifest: marshaling: %w", err)
	}

	return data, nil
}

// tryContentionLock acquires the optional contention lock non-blocking. With
// no lock configured it always reports held.
func (m *Manager) tryContentionLock(ctx context.Context) (bool, error) {
	if m.contentionLock == nil {
		return true, nil
	}

	ok, err := m.contentionLock.TryLock(ctx, contentionLockKey, contentionLockTTL)
	if err != nil {
		return false, fmt.Errorf("manifest: contention lock: %w", err)
	}

	return ok, nil
}

func (m *Manager) unlockContention(ctx context.Context) {
	if m.contentionLock == nil {
		return
	}

	_ = m.contentionLock.Unlock(ctx, contentionLockKey)
}

// Update is the only mutation path. It loops up to MaxRetries times: read
// the manifest, invoke deltaFn once against what was observed, compose and
// write a new manifest via CAS, and on conflict call retryFn and back off
// before trying again.
func (m *Manager) Update(ctx context.Context, deltaFn DeltaFunc, retryFn RetryFunc) (*Manifest, error) {
	ctx, span := tracer.Start(ctx, "manifest.Update", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	cfg := lock.RetryConfig{
		MaxAttempts:  MaxRetries,
		InitialDelay: initialBackoff,
		MaxDelay:     maxBackoff,
	}

	for attempt := 0; attempt < MaxRetries; attempt++ {
		held, err := m.tryContentionLock(ctx)
		if err != nil {
			return nil, err
		}

		casLost := !held

		if held {
			current, err := m.Read(ctx)
			if err != nil {
				m.unlockContention(ctx)

				return nil, err
			}

			delta, err := deltaFn(current)
			if err != nil {
				m.unlockContention(ctx)

				return nil, err
			}

			if delta.isEmpty() {
				m.unlockContention(ctx)

				return current, nil
			}

			next := composeManifest(current, delta)

			data, err := m.serialize(next)
			if err != nil {
				m.unlockContention(ctx)

				return nil, err
			}

			m.mu.Lock()
			etag := m.etag
			m.mu.Unlock()

			result, err := m.backend.AtomicUpdate(ctx, Path, data, etag)
			m.unlockContention(ctx)

			if err != nil {
				return nil, fmt.Errorf("manifest: atomic update: %w", err)
			}

			if result.Success {
				applied, err := m.parseAndVerify(data)
				if err != nil {
					return nil, err
				}

				m.setCache(applied, result.NewETag)

				return applied.clone(), nil
			}

			casLost = true
		}

		if casLost {
			span.AddEvent("cas_conflict", trace.WithAttributes(attribute.Int("attempt", attempt)))
		}

		if retryFn != nil {
			if err := retryFn(ctx); err != nil {
				return nil, fmt.Errorf("manifest: retry callback: %w", err)
			}
		}

		if attempt == MaxRetries-1 {
			break
		}

		delay := lock.CalculateBackoff(cfg, attempt+1)
		//nolint:gosec // G404: jitter doesn't need crypto-grade randomness
		delay += time.Duration((mathrand.Float64()*2 - 1) * jitterFactor * float64(delay))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}

	return nil, ErrManifestUpdateConflict
}

// composeManifest merges existing shard files with added/removed ones,
// dedupes by filename (added wins), sorts by range.min, and recomputes
// lastSequence.
func composeManifest(existing *Manifest, delta Delta) *Manifest {
	next := existing.clone()

	removed := make(map[string]struct{}, len(delta.RemovedShardFilenameList))
	for _, f := range delta.RemovedShardFilenameList {
		removed[f] = struct{}{}
	}

	byFilename := make(map[string]ShardInfo, len(next.ShardFiles)+len(delta.AddedShardInfoList))

	for _, s := range next.ShardFiles {
		if _, gone := removed[s.Filename]; gone {
			continue
		}

		byFilename[s.Filename] = s
	}

	for _, s := range delta.AddedShardInfoList {
		byFilename[s.Filename] = s
	}

	merged := make([]ShardInfo, 0, len(byFilename))
	maxSeq := next.LastSequence

	for _, s := range byFilename {
		merged = append(merged, s)

		if s.Range.Max > maxSeq {
			maxSeq = s.Range.Max
		}
	}

	sort.Slice(merged, func(i, j int) bool { return merged[i].Range.Min < merged[j].Range.Min })

	next.Version = ProtocolVersion
	next.LastSequence = maxSeq
	next.ShardFiles = merged

	if delta.Crypto != nil {
		next.Crypto = delta.Crypto
	}

	return next
}
