package modelcache

import "sync/atomic"

// Statistics tracks cache effectiveness counters. All methods are safe for
// concurrent use.
type Statistics struct {
	hits      int64
	misses    int64
	evictions int64
}

// Hit records a cache hit.
func (s *Statistics) Hit() {
	atomic.AddInt64(&s.hits, 1)
}

// Miss records a cache miss.
func (s *Statistics) Miss() {
	atomic.AddInt64(&s.misses, 1)
}

// Eviction records a capacity eviction.
func (s *Statistics) Eviction() {
	atomic.AddInt64(&s.evictions, 1)
}

// Hits returns the total number of cache hits.
func (s *Statistics) Hits() int64 {
	return atomic.LoadInt64(&s.hits)
}

// Misses returns the total number of cache misses.
func (s *Statistics) Misses() int64 {
	return atomic.LoadInt64(&s.misses)
}

// Evictions returns the total number of evictions.
func (s *Statistics) Evictions() int64 {
	return atomic.LoadInt64(&s.evictions)
}

// Reset zeroes all counters. Called on full clear, never on a field-scoped
// clear.
func (s *Statistics) Reset() {
	atomic.StoreInt64(&s.hits, 0)
	atomic.StoreInt64(&s.misses, 0)
	atomic.StoreInt64(&s.evictions, 0)
}

// Stats is a point-in-time statistics snapshot.
type Stats struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	Total     int64   `json:"total"`
	HitRate   float64 `json:"hitRate"`
	Size      int     `json:"size"`
}

// Snapshot captures the current counters alongside the given entry count.
func (s *Statistics) Snapshot(size int) Stats {
	hits := s.Hits()
	misses := s.Misses()
	total := hits + misses

	var rate float64
	if total > 0 {
		rate = float64(hits) / float64(total)
	}

	return Stats{
		Hits:      hits,
		Misses:    misses,
		Evictions: s.Evictions(),
		Total:     total,
		HitRate:   rate,
		Size:      size,
	}
}
