// Package modelcache provides an in-process read-through cache for
// relational-model records, with optional Redis replication and
// cross-instance invalidation.
//
// This package offers a generic, thread-safe caching layer with the following features:
//   - Canonical entries keyed by primary identifier, plus O(1) lookups by any configured key field
//   - TTL expiry with stale-while-revalidate reads and LRU eviction at a configured capacity
//   - Deduplicated lazy loading on cache miss (one backing-store fetch per key)
//   - Full and incremental synchronization against the backing model
//   - Model change hooks applied to the cache in real time
//   - Optional write-through replication to Redis and pub/sub cluster invalidation
//
// Example usage:
//
//	cfg := modelcache.DefaultConfig[User]().
//		WithPrimaryKey(func(u User) string { return u.ID }).
//		WithKeyField("email", func(u User) string { return u.Email })
//	cache, err := modelcache.New[User](model, cfg)
//	if err != nil {
//		return err
//	}
//	if err := cache.AutoLoad(ctx); err != nil {
//		return err
//	}
//	user, ok := cache.GetByKey(ctx, "email", "user@example.com")
package modelcache

import "context"

// Reader is the read-only surface of a cache.
type Reader[V any] interface {
	// GetByID retrieves a record by its primary identifier.
	GetByID(ctx context.Context, id string) (V, bool)

	// GetByKey retrieves a record by a configured key field.
	GetByKey(ctx context.Context, field string, value any) (V, bool)

	// GetAll returns all non-expired cached records.
	GetAll() []V

	// HasByID reports whether a canonical entry exists for id.
	HasByID(id string) bool

	// Has reports whether a key-field bucket holds an entry for value.
	Has(field string, value any) bool

	// Size returns the number of canonical entries.
	Size() int
}

// Registrable is the management surface a Manager drives. Every Cache
// satisfies it regardless of its record type.
type Registrable interface {
	// AutoLoad performs the initial full sync, attaches hooks and starts
	// the maintenance timers.
	AutoLoad(ctx context.Context) error

	// WaitUntilReady blocks until AutoLoad settles or ctx expires.
	WaitUntilReady(ctx context.Context) error

	// IsReady reports whether the initial load has completed successfully.
	IsReady() bool

	// Sync reconciles the cache against the backing model.
	Sync(ctx context.Context, incremental bool) error

	// Clear removes all entries and resets statistics.
	Clear()

	// Stats returns a point-in-time statistics snapshot.
	Stats() Stats

	// Size returns the number of canonical entries.
	Size() int

	// Destroy tears the cache down. Safe to call more than once.
	Destroy() error
}

// KeyFunc extracts a string key from a record. An empty result excludes the
// record from the bucket the function feeds.
type KeyFunc[V any] func(value V) string

// HashFunc defines a function that computes a digest over a record set.
type HashFunc[V any] func(values []V) string

// ValidateFunc defines a function that validates a record before storing.
// Returns an error if the record is invalid.
type ValidateFunc[V any] func(value V) error

// NormalizeFunc defines a function that normalizes a record before storing.
// Returns the normalized record.
type NormalizeFunc[V any] func(value V) V
