package modelcache

import (
	"container/list"
	"fmt"
	"strings"
	"sync"
	"time"
)

// entry is the canonical cached form of one record. The entry store and
// every secondary bucket hold the same *entry, so a removal must purge all
// references or the buckets go stale relative to the store.
type entry[V any] struct {
	data      V
	expiresAt time.Time // zero means no expiry
	elem      *list.Element
}

func (e *entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// eviction describes one capacity-forced removal.
type eviction struct {
	id    string
	cause string
}

// store owns the canonical entries, the secondary key-field buckets and the
// LRU order. Invariant: the LRU element set equals the entry key set.
//
//nolint:govet // field order optimized for alignment
type store[V any] struct {
	mu       sync.RWMutex
	pk       KeyFunc[V]
	keyFns   map[string]KeyFunc[V] // field name -> extraction function
	validate ValidateFunc[V]
	norm     NormalizeFunc[V]
	ttl      time.Duration
	maxSize  int
	entries  map[string]*entry[V]            // primary id -> entry
	buckets  map[string]map[string]*entry[V] // field name -> index key -> shared entry
	lru      *list.List                      // of primary id; front is most recent
	stats    *Statistics
	metrics  *cacheMetrics
}

func newStore[V any](cfg *Config[V], stats *Statistics, metrics *cacheMetrics) *store[V] {
	keyFns := make(map[string]KeyFunc[V], len(cfg.KeyFields)+1)
	for name, fn := range cfg.KeyFields {
		keyFns[name] = fn
	}
	if _, ok := keyFns["id"]; !ok {
		keyFns["id"] = cfg.PrimaryKeyFunc
	}

	buckets := make(map[string]map[string]*entry[V], len(keyFns))
	for name := range keyFns {
		buckets[name] = make(map[string]*entry[V])
	}

	return &store[V]{
		pk:       cfg.PrimaryKeyFunc,
		keyFns:   keyFns,
		validate: cfg.ValidateFunc,
		norm:     cfg.NormalizeFunc,
		ttl:      cfg.TTL,
		maxSize:  cfg.MaxSize,
		entries:  make(map[string]*entry[V]),
		buckets:  buckets,
		lru:      list.New(),
		stats:    stats,
		metrics:  metrics,
	}
}

// indexKey converts an arbitrary field value to its normalized index-key
// form. Stringification makes numeric 1 and "1" collide instead of
// duplicating.
func indexKey(v any) string {
	if s, ok := v.(string); ok {
		return normalizeKey(s)
	}
	return normalizeKey(fmt.Sprintf("%v", v))
}

// normalizeKey normalizes an index key (lowercase, trimmed).
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// set inserts or updates the canonical entry for v with a TTL-derived
// expiry. It returns the record's primary id ("" when the record was
// skipped) and any evictions performed to make room.
func (s *store[V]) set(v V) (string, []eviction) {
	return s.put(v, time.Time{}, false)
}

// restore inserts v with an explicit absolute expiry, as recovered from a
// snapshot.
func (s *store[V]) restore(v V, expiresAt time.Time) (string, []eviction) {
	return s.put(v, expiresAt, true)
}

func (s *store[V]) put(v V, expires time.Time, absolute bool) (string, []eviction) {
	if s.norm != nil {
		v = s.norm(v)
	}
	if s.validate != nil {
		if err := s.validate(v); err != nil {
			return "", nil
		}
	}
	id := s.pk(v)
	if id == "" {
		return "", nil
	}
	if !absolute {
		if s.ttl > 0 {
			expires = time.Now().Add(s.ttl)
		} else {
			expires = time.Time{}
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var evs []eviction
	if e, ok := s.entries[id]; ok {
		old := e.data
		e.data = v
		e.expiresAt = expires
		s.lru.MoveToFront(e.elem)
		s.rebucketLocked(e, old, v)
	} else {
		if s.maxSize > 0 && len(s.entries) >= s.maxSize {
			evs = s.evictLocked(len(s.entries) - s.maxSize + 1)
		}
		e = &entry[V]{data: v, expiresAt: expires}
		e.elem = s.lru.PushFront(id)
		s.entries[id] = e
		s.bucketLocked(e, v)
	}
	s.setSizeLocked()
	return id, evs
}

// bucketLocked fills every key-field bucket whose extractor yields a value.
func (s *store[V]) bucketLocked(e *entry[V], v V) {
	for name, fn := range s.keyFns {
		if k := fn(v); k != "" {
			s.buckets[name][normalizeKey(k)] = e
		}
	}
}

// rebucketLocked moves bucket references whose key changed between old and
// new record values, so an update cannot leave a stale secondary pointer.
func (s *store[V]) rebucketLocked(e *entry[V], old, v V) {
	for name, fn := range s.keyFns {
		oldKey := fn(old)
		newKey := fn(v)
		if oldKey != "" && oldKey != newKey {
			nk := normalizeKey(oldKey)
			if s.buckets[name][nk] == e {
				delete(s.buckets[name], nk)
			}
		}
		if newKey != "" {
			s.buckets[name][normalizeKey(newKey)] = e
		}
	}
}

// evictLocked removes the n least recently used entries, purging every
// bucket reference that points at each victim.
func (s *store[V]) evictLocked(n int) []eviction {
	evs := make([]eviction, 0, n)
	for i := 0; i < n; i++ {
		back := s.lru.Back()
		if back == nil {
			break
		}
		id := back.Value.(string)
		e := s.entries[id]
		s.lru.Remove(back)
		delete(s.entries, id)
		s.purgeRefsLocked(e)
		s.stats.Eviction()
		if s.metrics != nil {
			s.metrics.recordEviction()
		}
		evs = append(evs, eviction{id: id, cause: "lru"})
	}
	return evs
}

// purgeRefsLocked deletes every bucket value that is pointer-equal to e.
func (s *store[V]) purgeRefsLocked(e *entry[V]) {
	for _, bucket := range s.buckets {
		for k, v := range bucket {
			if v == e {
				delete(bucket, k)
			}
		}
	}
}

// access returns the record for id, counting the hit or miss and refreshing
// the entry's LRU position. The second result reports whether the entry has
// expired.
func (s *store[V]) access(id string) (V, bool, bool) {
	s.mu.Lock()
	e, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		s.miss()
		var zero V
		return zero, false, false
	}
	s.lru.MoveToFront(e.elem)
	v := e.data
	expired := e.expired(time.Now())
	s.mu.Unlock()
	s.hit()
	return v, expired, true
}

// accessByKey is access through a key-field bucket. It additionally returns
// the record's primary id so callers can refresh the canonical entry.
func (s *store[V]) accessByKey(field, key string) (V, string, bool, bool) {
	var zero V
	s.mu.Lock()
	bucket, ok := s.buckets[field]
	if !ok {
		s.mu.Unlock()
		s.miss()
		return zero, "", false, false
	}
	e, ok := bucket[key]
	if !ok {
		s.mu.Unlock()
		s.miss()
		return zero, "", false, false
	}
	s.lru.MoveToFront(e.elem)
	v := e.data
	id := e.elem.Value.(string)
	expired := e.expired(time.Now())
	s.mu.Unlock()
	s.hit()
	return v, id, expired, true
}

// peek reports presence without touching statistics or recency.
func (s *store[V]) peek(id string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.entries[id]; ok {
		return e.data, true
	}
	var zero V
	return zero, false
}

// peekByKey reports bucket presence without touching statistics or recency.
func (s *store[V]) peekByKey(field, key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if bucket, ok := s.buckets[field]; ok {
		if e, ok := bucket[key]; ok {
			return e.data, true
		}
	}
	var zero V
	return zero, false
}

// isExpired reports whether id is absent or past its TTL.
func (s *store[V]) isExpired(id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[id]
	if !ok {
		return true
	}
	return e.expired(time.Now())
}

// removeRecord deletes the canonical entry, LRU position and every bucket
// reference for id.
func (s *store[V]) removeRecord(id string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		var zero V
		return zero, false
	}
	s.lru.Remove(e.elem)
	delete(s.entries, id)
	s.purgeRefsLocked(e)
	s.setSizeLocked()
	return e.data, true
}

// removeFromBucket deletes one secondary reference. The canonical entry and
// its LRU position stay intact; invalidation is key-scoped.
func (s *store[V]) removeFromBucket(field, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.buckets[field]
	if !ok {
		return false
	}
	if _, ok := bucket[key]; !ok {
		return false
	}
	delete(bucket, key)
	return true
}

// cleanup removes every entry whose expiry has passed, including all bucket
// references, and returns how many were removed.
func (s *store[V]) cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stale []string
	for id, e := range s.entries {
		if e.expired(now) {
			stale = append(stale, id)
		}
	}
	for _, id := range stale {
		e := s.entries[id]
		s.lru.Remove(e.elem)
		delete(s.entries, id)
		s.purgeRefsLocked(e)
	}
	s.setSizeLocked()
	return len(stale)
}

// getAll returns all non-expired records, most recently used first.
func (s *store[V]) getAll() []V {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := time.Now()
	out := make([]V, 0, len(s.entries))
	for el := s.lru.Front(); el != nil; el = el.Next() {
		e := s.entries[el.Value.(string)]
		if e.expired(now) {
			continue
		}
		out = append(out, e.data)
	}
	return out
}

// keys returns all primary ids, most recently used first.
func (s *store[V]) keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, s.lru.Len())
	for el := s.lru.Front(); el != nil; el = el.Next() {
		out = append(out, el.Value.(string))
	}
	return out
}

// dump returns every entry with its expiry, most recently used first.
func (s *store[V]) dump() []persistedEntry[V] {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]persistedEntry[V], 0, len(s.entries))
	for el := s.lru.Front(); el != nil; el = el.Next() {
		e := s.entries[el.Value.(string)]
		var ms int64
		if !e.expiresAt.IsZero() {
			ms = e.expiresAt.UnixMilli()
		}
		out = append(out, persistedEntry[V]{Data: e.data, ExpiresAt: ms})
	}
	return out
}

// reset empties the store, buckets and LRU order. A full public clear also
// resets statistics; a sync-internal repopulation keeps them.
func (s *store[V]) reset(resetStats bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*entry[V])
	for name := range s.buckets {
		s.buckets[name] = make(map[string]*entry[V])
	}
	s.lru.Init()
	if resetStats {
		s.stats.Reset()
	}
	s.setSizeLocked()
}

// clearField empties one bucket; the field stays registered.
func (s *store[V]) clearField(field string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[field]; !ok {
		return false
	}
	s.buckets[field] = make(map[string]*entry[V])
	return true
}

func (s *store[V]) size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *store[V]) hit() {
	s.stats.Hit()
	if s.metrics != nil {
		s.metrics.recordHit()
	}
}

func (s *store[V]) miss() {
	s.stats.Miss()
	if s.metrics != nil {
		s.metrics.recordMiss()
	}
}

func (s *store[V]) setSizeLocked() {
	if s.metrics != nil {
		s.metrics.updateSize(len(s.entries))
	}
}
