package modelcache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// Cache is a read-through cache for records of type V backed by a Model.
// Reads never fail: transient backend problems surface through the error
// event and an absent result. Use AutoLoad (or Sync) to populate it and
// Destroy to tear it down.
type Cache[V any] struct {
	cfg    *Config[V]
	model  Model[V]
	log    *zap.Logger
	stats  *Statistics
	store  *store[V]
	events *emitter[V]
	loads  singleflight.Group

	repl    *replicator[V]
	cluster *clusterSync[V]

	syncing    atomic.Bool
	syncMu     sync.Mutex // guards lastSyncAt
	lastSyncAt time.Time

	readyOnce sync.Once
	readyCh   chan struct{}
	readyErr  error
	ready     atomic.Bool
	destroyed atomic.Bool

	refreshLimiter *rate.Limiter
	timerMu        sync.Mutex // guards the stop channels
	refreshStop    chan struct{}
	cleanupStop    chan struct{}
	timers         sync.WaitGroup

	hooksAttached atomic.Bool
	instanceID    string
}

var (
	_ Reader[any] = (*Cache[any])(nil)
	_ Registrable = (*Cache[any])(nil)
)

// New builds a Cache over model. A nil cfg gets DefaultConfig; the
// configuration must carry a primary key function. When replication is
// configured, the Redis client is opened (or adopted) here and the
// connection supervisor and cluster subscriber start immediately.
func New[V any](model Model[V], cfg *Config[V]) (*Cache[V], error) {
	if model == nil {
		return nil, ErrNilModel
	}
	if cfg == nil {
		cfg = DefaultConfig[V]()
	}
	if cfg.PrimaryKeyFunc == nil {
		return nil, ErrMissingPrimaryKey
	}
	if cfg.Name == "" {
		cfg.Name = "cache"
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.MinAutoSyncInterval <= 0 {
		cfg.MinAutoSyncInterval = DefaultMinAutoSyncInterval
	}
	if cfg.UpdatedAtField == "" {
		cfg.UpdatedAtField = "updatedAt"
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("cache", cfg.Name))

	var metrics *cacheMetrics
	if cfg.Metrics != nil {
		m, err := newCacheMetrics(cfg.Metrics, cfg.Name)
		if err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		metrics = m
	}

	stats := &Statistics{}
	c := &Cache[V]{
		cfg:            cfg,
		model:          model,
		log:            logger,
		stats:          stats,
		store:          newStore(cfg, stats, metrics),
		events:         newEmitter[V](logger),
		readyCh:        make(chan struct{}),
		refreshLimiter: rate.NewLimiter(rate.Every(cfg.MinAutoSyncInterval), 1),
		instanceID:     newInstanceID(),
	}

	if cfg.Replication != nil {
		repl, err := newReplicator(cfg.Replication, cfg.TTL, cfg.PrimaryKeyFunc, logger, c.emit)
		if err != nil {
			return nil, err
		}
		c.repl = repl
		repl.watch()

		if cfg.Replication.ClusterSync {
			c.cluster = newClusterSync(repl.client, cfg.Replication, c.instanceID, logger, c.applyInvalidation, c.emit)
			c.cluster.start()
		}
	}

	return c, nil
}

// newInstanceID builds an identifier that is effectively unique across
// processes and restarts, so cluster messages can be attributed.
func newInstanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%d-%s", host, os.Getpid(), time.Now().UnixNano(), uuid.NewString()[:8])
}

// On subscribes fn to events of type t and returns its unsubscribe function.
func (c *Cache[V]) On(t EventType, fn Listener[V]) func() {
	return c.events.on(t, fn)
}

func (c *Cache[V]) emit(ev Event[V]) {
	c.events.emit(ev)
}

// applyLocal writes a record into the store without mirroring it, emitting
// any evictions made to fit it. Returns the record's primary id.
func (c *Cache[V]) applyLocal(rec V) string {
	id, evs := c.store.set(rec)
	c.emitEvictions(evs)
	return id
}

// apply writes a record into the store and mirrors it to Redis.
func (c *Cache[V]) apply(rec V) string {
	id := c.applyLocal(rec)
	c.replicate(id, rec)
	return id
}

func (c *Cache[V]) replicate(id string, rec V) {
	if c.repl == nil || id == "" {
		return
	}
	c.repl.set(id, rec)
}

func (c *Cache[V]) emitEvictions(evs []eviction) {
	for _, ev := range evs {
		c.emit(Event[V]{Type: EventEvicted, ID: ev.id, Cause: ev.cause})
	}
}

// GetByID returns the cached record for id. On a miss it consults Redis
// first when replication is active, then falls back to a lazy load. An
// expired hit returns the stale record immediately while refreshing in the
// background, unless stale-while-revalidate is disabled, in which case the
// call blocks on the refresh and returns fresh-or-absent.
func (c *Cache[V]) GetByID(ctx context.Context, id string) (V, bool) {
	var zero V
	if c.destroyed.Load() {
		return zero, false
	}

	v, expired, ok := c.store.access(id)
	if !ok {
		if c.repl != nil {
			if rec, found := c.repl.restore(ctx, id); found {
				c.applyLocal(rec)
				return rec, true
			}
		}
		return c.loadByID(ctx, id)
	}
	if !expired {
		return v, true
	}
	if c.cfg.StaleWhileRevalidate {
		c.refreshAsync(id)
		return v, true
	}
	return c.loadByID(ctx, id)
}

// GetByKey returns the cached record whose key field matches value. The
// value is stringified before lookup, so numeric and string forms of the
// same key collide. Expired hits follow the same stale-while-revalidate
// rules as GetByID, refreshing through the record's primary id.
func (c *Cache[V]) GetByKey(ctx context.Context, field string, value any) (V, bool) {
	var zero V
	if c.destroyed.Load() {
		return zero, false
	}

	v, id, expired, ok := c.store.accessByKey(field, indexKey(value))
	if !ok {
		return c.loadByKey(ctx, field, value)
	}
	if !expired {
		return v, true
	}
	if c.cfg.StaleWhileRevalidate {
		c.refreshAsync(id)
		return v, true
	}
	return c.loadByID(ctx, id)
}

// GetManyByKey returns the records matching the given key-field values.
// Missing values are fetched from the model in one bulk query when lazy
// reloads are enabled. Absent records are omitted from the result.
func (c *Cache[V]) GetManyByKey(ctx context.Context, field string, values ...any) []V {
	if c.destroyed.Load() {
		return nil
	}

	out := make([]V, 0, len(values))
	var missing []any
	for _, value := range values {
		v, id, expired, ok := c.store.accessByKey(field, indexKey(value))
		if !ok {
			missing = append(missing, value)
			continue
		}
		if expired {
			if !c.cfg.StaleWhileRevalidate {
				missing = append(missing, value)
				continue
			}
			c.refreshAsync(id)
		}
		out = append(out, v)
	}

	if len(missing) == 0 || !c.cfg.LazyReload {
		return out
	}

	recs, err := c.model.FindAll(ctx, In(field, missing))
	if err != nil {
		c.log.Error("bulk lazy load failed",
			zap.String("field", field),
			zap.Int("missing", len(missing)),
			zap.Error(err))
		c.emit(Event[V]{Type: EventError, Err: err})
		return out
	}
	for _, rec := range recs {
		c.apply(rec)
		c.emit(Event[V]{Type: EventLazyLoaded, Record: rec})
		out = append(out, rec)
	}
	return out
}

// GetAll returns all non-expired records, most recently used first.
func (c *Cache[V]) GetAll() []V {
	return c.store.getAll()
}

// HasByID reports whether a canonical entry exists for id, expired or not.
// It does not load, touch recency, or count toward statistics.
func (c *Cache[V]) HasByID(id string) bool {
	_, ok := c.store.peek(id)
	return ok
}

// Has reports whether the field bucket holds an entry for value.
func (c *Cache[V]) Has(field string, value any) bool {
	_, ok := c.store.peekByKey(field, indexKey(value))
	return ok
}

// IsExpired reports whether id is absent or past its TTL.
func (c *Cache[V]) IsExpired(id string) bool {
	return c.store.isExpired(id)
}

// Invalidate removes the secondary-index reference for one key-field value
// and broadcasts the invalidation to sibling instances when cluster sync is
// enabled. The canonical entry and other field buckets stay intact:
// invalidation disables a lookup path, it does not delete the record.
func (c *Cache[V]) Invalidate(ctx context.Context, field string, value any) {
	if c.destroyed.Load() {
		return
	}
	key := indexKey(value)
	if c.store.removeFromBucket(field, key) {
		c.emit(Event[V]{Type: EventItemInvalidated, Field: field, Value: key})
	}
	if c.cluster != nil {
		c.cluster.publish(ctx, field, key)
	}
}

// applyInvalidation handles an invalidation received from another instance:
// the same key-scoped removal as Invalidate, without re-publishing.
func (c *Cache[V]) applyInvalidation(field, key string) {
	if c.destroyed.Load() {
		return
	}
	if c.store.removeFromBucket(field, key) {
		c.emit(Event[V]{Type: EventItemInvalidated, Field: field, Value: key})
	}
}

// Clear removes every entry, resets statistics, and purges this cache's
// namespace from Redis when replication is active.
func (c *Cache[V]) Clear() {
	c.store.reset(true)
	if c.repl != nil {
		c.repl.purge()
	}
	c.emit(Event[V]{Type: EventCleared})
}

// ClearField empties one key-field bucket. Canonical entries, other
// buckets, and statistics are untouched.
func (c *Cache[V]) ClearField(field string) {
	if c.store.clearField(field) {
		c.emit(Event[V]{Type: EventClearedField, Field: field})
	}
}

// Size returns the number of canonical entries, including expired ones not
// yet swept.
func (c *Cache[V]) Size() int {
	return c.store.size()
}

// Keys returns all cached primary ids, most recently used first.
func (c *Cache[V]) Keys() []string {
	return c.store.keys()
}

// Stats returns a point-in-time statistics snapshot.
func (c *Cache[V]) Stats() Stats {
	return c.stats.Snapshot(c.store.size())
}

// Hash returns a digest of the current non-expired contents, usable for
// cheap change detection. Records are ordered by primary key before
// hashing unless a sort function is configured.
func (c *Cache[V]) Hash() string {
	values := c.store.getAll()
	if c.cfg.SortFunc != nil {
		values = c.cfg.SortFunc(values)
	} else {
		values = StringSorter(c.cfg.PrimaryKeyFunc)(values)
	}
	if c.cfg.HashFunc != nil {
		return c.cfg.HashFunc(values)
	}
	return defaultHashFunc(values)
}

// persistedEntry is the exported snapshot form of one entry. ExpiresAt is
// unix milliseconds; zero means no expiry.
type persistedEntry[V any] struct {
	Data      V     `json:"data"`
	ExpiresAt int64 `json:"expiresAt"`
}

// ToJSON serializes the cache contents. With includeMeta the output is an
// array of {data, expiresAt} pairs; without it, a plain array of records.
// Output is ordered by primary id for stable snapshots.
func (c *Cache[V]) ToJSON(includeMeta bool) ([]byte, error) {
	pairs := c.store.dump()
	sort.Slice(pairs, func(i, j int) bool {
		return c.cfg.PrimaryKeyFunc(pairs[i].Data) < c.cfg.PrimaryKeyFunc(pairs[j].Data)
	})

	if includeMeta {
		return json.Marshal(pairs)
	}
	records := make([]V, len(pairs))
	for i, p := range pairs {
		records[i] = p.Data
	}
	return json.Marshal(records)
}

// LoadFromJSON restores cache contents produced by ToJSON. With hasMeta,
// each pair keeps its absolute expiry and already-expired pairs are skipped
// and counted; without it, records are loaded fresh under the configured
// TTL. Returns how many records were loaded and how many were skipped.
func (c *Cache[V]) LoadFromJSON(data []byte, hasMeta bool) (int, int, error) {
	if c.destroyed.Load() {
		return 0, 0, ErrDestroyed
	}

	if !hasMeta {
		var records []V
		if err := json.Unmarshal(data, &records); err != nil {
			return 0, 0, fmt.Errorf("unmarshal records: %w", err)
		}
		loaded := 0
		for _, rec := range records {
			if id := c.applyLocal(rec); id != "" {
				loaded++
			}
		}
		return loaded, 0, nil
	}

	var pairs []persistedEntry[V]
	if err := json.Unmarshal(data, &pairs); err != nil {
		return 0, 0, fmt.Errorf("unmarshal entries: %w", err)
	}

	now := time.Now()
	loaded, skipped := 0, 0
	for _, p := range pairs {
		var expires time.Time
		if p.ExpiresAt > 0 {
			expires = time.UnixMilli(p.ExpiresAt)
			if expires.Before(now) {
				skipped++
				continue
			}
		}
		id, evs := c.store.restore(p.Data, expires)
		c.emitEvictions(evs)
		if id != "" {
			loaded++
		}
	}
	return loaded, skipped, nil
}
