// Package syncengine drives the pull/push sync cycle: a small state
// machine (idle/pending/syncing/offline), an event broadcaster, and a
// scheduler that ticks the cycle on an interval and serializes manual
// triggers.
package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/clxdb/clxdb/pkg/database"
	"github.com/clxdb/clxdb/pkg/localcache"
	"github.com/clxdb/clxdb/pkg/manifest"
	"github.com/clxdb/clxdb/pkg/shard"
	"github.com/clxdb/clxdb/pkg/shardmgr"
)

const otelPackageName = "github.com/clxdb/clxdb/pkg/syncengine"

// fetchConcurrency bounds the parallel shard fetch pool (spec: capacity 5).
const fetchConcurrency = 5

//nolint:gochecknoglobals
var tracer trace.Tracer

//nolint:gochecknoinits
func init() {
	tracer = otel.Tracer(otelPackageName)
}

// State is one of the engine's four states.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateSyncing  State = "syncing"
	StateOffline  State = "offline"
)

// EventKind names the events the engine broadcasts.
type EventKind string

const (
	EventStateChange       EventKind = "stateChange"
	EventSyncStart         EventKind = "syncStart"
	EventSyncComplete      EventKind = "syncComplete"
	EventSyncError         EventKind = "syncError"
	EventDocumentsChanged  EventKind = "documentsChanged"
	EventCompactionStart   EventKind = "compactionStart"
	EventCompactionComplete EventKind = "compactionComplete"
	EventCompactionError   EventKind = "compactionError"
	EventVacuumStart       EventKind = "vacuumStart"
	EventVacuumComplete    EventKind = "vacuumComplete"
	EventVacuumError       EventKind = "vacuumError"
)

// Event is one broadcast notification.
type Event struct {
	Kind  EventKind
	State State
	Err   error
}

// Subscriber receives events. It must not block.
type Subscriber func(Event)

// Config carries the engine's tunables.
type Config struct {
	SyncInterval time.Duration
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{SyncInterval: 5 * time.Minute}
}

// Engine is the sync state machine. It is safe for concurrent use.
type Engine struct {
	cfg Config

	manifestMgr *manifest.Manager
	shardMgr    *shardmgr.Manager
	db          database.Backend
	cache       *localcache.Store

	mu            sync.Mutex
	state         State
	localSequence int64
	subscribers   []Subscriber

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds an Engine in state idle.
func New(cfg Config, manifestMgr *manifest.Manager, shardMgr *shardmgr.Manager, db database.Backend, cache *localcache.Store) *Engine {
	return &Engine{
		cfg:         cfg,
		manifestMgr: manifestMgr,
		shardMgr:    shardMgr,
		db:          db,
		cache:       cache,
		state:       StateIdle,
	}
}

// Subscribe registers a subscriber and returns a function to remove it.
func (e *Engine) Subscribe(sub Subscriber) (unsubscribe func()) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.subscribers = append(e.subscribers, sub)
	idx := len(e.subscribers) - 1

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()

		if idx < len(e.subscribers) {
			e.subscribers[idx] = nil
		}
	}
}

func (e *Engine) emit(ev Event) {
	e.mu.Lock()
	subs := append([]Subscriber(nil), e.subscribers...)
	e.mu.Unlock()

	for _, s := range subs {
		if s != nil {
			s(ev)
		}
	}
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()

	e.emit(Event{Kind: EventStateChange, State: s})
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.state
}

// LocalSequence returns the highest sequence known applied locally.
func (e *Engine) LocalSequence() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.localSequence
}

func (e *Engine) loadWatermark(ctx context.Context) error {
	if e.cache == nil {
		return nil
	}

	raw, err := e.cache.Get(ctx, localcache.KeyLastSequence)
	if errors.Is(err, localcache.ErrNotFound) {
		return nil
	}

	if err != nil {
		return err
	}

	var seq int64
	if _, err := fmt.Sscanf(string(raw), "%d", &seq); err != nil {
		return nil //nolint:nilerr
	}

	e.mu.Lock()
	e.localSequence = seq
	e.mu.Unlock()

	return nil
}

func (e *Engine) advanceWatermark(ctx context.Context, seq int64) {
	e.mu.Lock()
	if seq > e.localSequence {
		e.localSequence = seq
	}
	newVal := e.localSequence
	e.mu.Unlock()

	if e.cache != nil {
		_ = e.cache.Set(ctx, localcache.KeyLastSequence, []byte(fmt.Sprintf("%d", newVal)))
	}
}

// TriggerSync begins a sync cycle unless one is already running, in which
// case it is a no-op.
func (e *Engine) TriggerSync(ctx context.Context) error {
	e.mu.Lock()
	if e.state == StateSyncing {
		e.mu.Unlock()

		return nil
	}

	e.state = StateSyncing
	e.mu.Unlock()

	e.emit(Event{Kind: EventStateChange, State: StateSyncing})
	e.emit(Event{Kind: EventSyncStart})

	err := e.Sync(ctx)

	if err != nil {
		e.setState(StateOffline)
		e.emit(Event{Kind: EventSyncError, Err: err})

		return err
	}

	e.setState(StateIdle)
	e.emit(Event{Kind: EventSyncComplete})

	return nil
}

// Sync runs one pull-then-push cycle. On error it returns without
// advancing the watermark past what was successfully applied.
func (e *Engine) Sync(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "syncengine.Sync", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := e.Pull(ctx); err != nil {
		return fmt.Errorf("syncengine: pull: %w", err)
	}

	if err := e.Push(ctx); err != nil {
		return fmt.Errorf("syncengine: push: %w", err)
	}

	return nil
}

type fetchedShard struct {
	docs []shardmgr.Document
}

// Pull applies remote shards newer than localSequence into the local
// database.
func (e *Engine) Pull(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "syncengine.Pull", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	if err := e.loadWatermark(ctx); err != nil {
		return err
	}

	m, err := e.manifestMgr.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading manifest: %w", err)
	}

	localSeq := e.LocalSequence()

	var toScan []manifest.ShardInfo

	for _, s := range m.ShardFiles {
		if s.Range.Max > localSeq {
			toScan = append(toScan, s)
		}
	}

	if len(toScan) == 0 {
		e.advanceWatermark(ctx, m.LastSequence)

		return nil
	}

	results := make([]fetchedShard, len(toScan))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)

	for i, info := range toScan {
		i, info := i, info

		g.Go(func() error {
			var docs []shardmgr.Document
			var err error

			if localSeq < info.Range.Min {
				docs, err = e.shardMgr.FetchDocuments(gctx, info, nil)
			} else {
				header, herr := e.shardMgr.FetchHeader(gctx, info)
				if herr != nil {
					return fmt.Errorf("fetching header for %q: %w", info.Filename, herr)
				}

				var wanted []shard.HeaderEntry

				for _, entry := range header.Docs {
					if entry.Seq > localSeq {
						wanted = append(wanted, entry)
					}
				}

				if len(wanted) == 0 {
					return nil
				}

				docs, err = e.shardMgr.FetchDocuments(gctx, info, wanted)
			}

			if err != nil {
				return fmt.Errorf("fetching documents for %q: %w", info.Filename, err)
			}

			results[i] = fetchedShard{docs: docs}

			return nil
		})
	}

	fetchErr := g.Wait()

	latest := map[string]shardmgr.Document{}

	for _, r := range results {
		for _, doc := range r.docs {
			existing, ok := latest[doc.ID]
			if !ok || isNewer(doc, existing) {
				latest[doc.ID] = doc
			}
		}
	}

	pendingIDs, err := e.db.ReadPendingIds(ctx)
	if err != nil {
		return fmt.Errorf("reading pending ids: %w", err)
	}

	pendingDocs, err := e.db.Read(ctx, pendingIDs)
	if err != nil {
		return fmt.Errorf("reading pending documents: %w", err)
	}

	pendingAt := map[string]int64{}

	for _, d := range pendingDocs {
		if d != nil {
			pendingAt[d.ID] = d.At
		}
	}

	var toUpsert []database.Document

	for id, doc := range latest {
		if localAt, pending := pendingAt[id]; pending && localAt > doc.At {
			continue
		}

		seq := doc.Seq

		dbDoc := database.Document{ID: doc.ID, At: doc.At, Seq: &seq, Del: doc.Del}

		if !doc.Del {
			var data map[string]any
			if len(doc.Data) > 0 {
				if err := json.Unmarshal(doc.Data, &data); err != nil {
					return fmt.Errorf("decoding document %q: %w", doc.ID, err)
				}
			}

			dbDoc.Data = data
		}

		toUpsert = append(toUpsert, dbDoc)
	}

	if len(toUpsert) > 0 {
		if err := e.db.Upsert(ctx, toUpsert); err != nil {
			return fmt.Errorf("applying upserts: %w", err)
		}
	}

	e.emit(Event{Kind: EventDocumentsChanged})

	if fetchErr != nil {
		return fetchErr
	}

	e.advanceWatermark(ctx, m.LastSequence)

	return nil
}

func isNewer(a, b shardmgr.Document) bool {
	if a.Seq != b.Seq {
		return a.Seq > b.Seq
	}

	return a.At > b.At
}

// Push assigns sequences to local pending changes and writes them as a new
// shard, retrying through the manifest CAS loop so sequence assignment is
// always correct for the manifest that actually commits.
func (e *Engine) Push(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "syncengine.Push", trace.WithSpanKind(trace.SpanKindInternal))
	defer span.End()

	pendingIDs, err := e.db.ReadPendingIds(ctx)
	if err != nil {
		return fmt.Errorf("reading pending ids: %w", err)
	}

	if len(pendingIDs) == 0 {
		return nil
	}

	docs, err := e.db.Read(ctx, pendingIDs)
	if err != nil {
		return fmt.Errorf("reading pending documents: %w", err)
	}

	var pending []database.Document

	for _, d := range docs {
		if d != nil && d.Seq == nil {
			pending = append(pending, *d)
		}
	}

	if len(pending) == 0 {
		return nil
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].At < pending[j].At })

	var (
		assigned     []database.Document
		newShardInfo manifest.ShardInfo
		wroteAny     bool
	)

	_, err = e.manifestMgr.Update(ctx, func(m *manifest.Manifest) (manifest.Delta, error) {
		base := m.LastSequence
		if local := e.LocalSequence(); local > base {
			base = local
		}

		shardDocs := make([]shard.Document, len(pending))
		assigned = make([]database.Document, len(pending))

		for i, d := range pending {
			seq := base + int64(i) + 1
			shardDocs[i] = shard.Document{ID: d.ID, At: d.At, Seq: &seq, Del: d.Del}

			if !d.Del && d.Data != nil {
				data, err := json.Marshal(d.Data)
				if err != nil {
					return manifest.Delta{}, err
				}

				shardDocs[i].Data = data
			}

			copyDoc := d
			copyDoc.Seq = &seq
			assigned[i] = copyDoc
		}

		info, _, _, err := e.shardMgr.WriteShard(ctx, shardDocs)
		if err != nil {
			return manifest.Delta{}, err
		}

		newShardInfo = info
		wroteAny = true

		return manifest.Delta{AddedShardInfoList: []manifest.ShardInfo{info}}, nil
	}, func(ctx context.Context) error {
		return e.Pull(ctx)
	})
	if err != nil {
		return fmt.Errorf("updating manifest: %w", err)
	}

	if !wroteAny {
		return nil
	}

	if err := e.db.Upsert(ctx, assigned); err != nil {
		return fmt.Errorf("stamping assigned sequences: %w", err)
	}

	e.advanceWatermark(ctx, newShardInfo.Range.Max)

	return nil
}

// Start launches the periodic scheduler. Stop must be called to release
// its goroutine.
func (e *Engine) Start(ctx context.Context, logger zerolog.Logger) {
	e.mu.Lock()
	if e.stopCh != nil {
		e.mu.Unlock()

		return
	}

	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.mu.Unlock()

	go func() {
		defer close(e.doneCh)

		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-ticker.C:
				if err := e.TriggerSync(ctx); err != nil {
					logger.Error().Err(err).Msg("sync cycle failed")
				}
			}
		}
	}()
}

// Stop halts the scheduler started by Start and waits for it to exit.
func (e *Engine) Stop() {
	e.mu.Lock()
	stopCh := e.stopCh
	doneCh := e.doneCh
	e.mu.Unlock()

	if stopCh == nil {
		return
	}

	close(stopCh)
	<-doneCh
}
