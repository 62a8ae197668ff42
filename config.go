package modelcache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default intervals. DefaultConfig applies them; New restores them when a
// hand-built Config leaves an interval at zero.
const (
	DefaultRefreshInterval     = 5 * time.Minute
	DefaultCleanupInterval     = 1 * time.Minute
	DefaultMinAutoSyncInterval = 10 * time.Second
)

// Config holds configuration for a model cache.
type Config[V any] struct {
	// Name identifies the cache in logs and metrics.
	Name string

	// PrimaryKeyFunc extracts the primary identifier from a record.
	// Required.
	PrimaryKeyFunc KeyFunc[V]

	// KeyFields maps secondary key-field names to extraction functions.
	// The "id" field is always present, backed by PrimaryKeyFunc, unless
	// explicitly overridden here.
	KeyFields map[string]KeyFunc[V]

	// TTL is how long an entry stays fresh. Zero disables expiry.
	TTL time.Duration

	// MaxSize bounds the number of canonical entries; the least recently
	// used entry is evicted when a new identifier would exceed it. Zero
	// means unbounded.
	MaxSize int

	// RefreshInterval is the auto-refresh timer period.
	RefreshInterval time.Duration

	// CleanupInterval is the TTL-sweep timer period.
	CleanupInterval time.Duration

	// MinAutoSyncInterval is the debounce floor between sync attempts
	// triggered by the auto-refresh timer.
	MinAutoSyncInterval time.Duration

	// LazyReload enables fetching missing records from the model on cache
	// miss. DefaultConfig enables it.
	LazyReload bool

	// StaleWhileRevalidate makes reads of expired entries return the stale
	// record immediately while refreshing in the background. When disabled,
	// such reads block until the record is refreshed. DefaultConfig
	// enables it.
	StaleWhileRevalidate bool

	// UpdatedAtField is the model attribute holding the modification
	// timestamp. Incremental sync requires it to be present on the model.
	UpdatedAtField string

	// HashFunc computes the content digest returned by Hash.
	// If nil, a default hash function is used.
	HashFunc HashFunc[V]

	// ValidateFunc validates a record before storing.
	// If nil, all records are accepted; invalid records are skipped.
	ValidateFunc ValidateFunc[V]

	// NormalizeFunc normalizes a record before storing.
	// If nil, records are stored as-is.
	NormalizeFunc NormalizeFunc[V]

	// SortFunc orders records for deterministic hash calculation.
	// If nil, records are hashed in primary-key order.
	SortFunc func(values []V) []V

	// Replication enables mirroring to Redis when non-nil.
	Replication *ReplicationConfig

	// Metrics registers Prometheus collectors for this cache when non-nil.
	Metrics prometheus.Registerer

	// Logger receives cache diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// DefaultConfig returns a configuration with lazy reloads and
// stale-while-revalidate enabled and the documented default intervals.
// PrimaryKeyFunc must be set before use.
func DefaultConfig[V any]() *Config[V] {
	return &Config[V]{
		Name:                 "cache",
		RefreshInterval:      DefaultRefreshInterval,
		CleanupInterval:      DefaultCleanupInterval,
		MinAutoSyncInterval:  DefaultMinAutoSyncInterval,
		LazyReload:           true,
		StaleWhileRevalidate: true,
		UpdatedAtField:       "updatedAt",
		HashFunc:             defaultHashFunc[V],
	}
}

// WithName sets the cache name used in logs and metrics.
func (c *Config[V]) WithName(name string) *Config[V] {
	c.Name = name
	return c
}

// WithPrimaryKey sets the primary key extraction function.
func (c *Config[V]) WithPrimaryKey(fn KeyFunc[V]) *Config[V] {
	c.PrimaryKeyFunc = fn
	return c
}

// WithKeyField registers a secondary key field with its extraction function.
func (c *Config[V]) WithKeyField(name string, fn KeyFunc[V]) *Config[V] {
	if c.KeyFields == nil {
		c.KeyFields = make(map[string]KeyFunc[V])
	}
	c.KeyFields[name] = fn
	return c
}

// WithTTL sets the entry time-to-live.
func (c *Config[V]) WithTTL(ttl time.Duration) *Config[V] {
	c.TTL = ttl
	return c
}

// WithMaxSize bounds the number of canonical entries.
func (c *Config[V]) WithMaxSize(n int) *Config[V] {
	c.MaxSize = n
	return c
}

// WithRefreshInterval sets the auto-refresh timer period.
func (c *Config[V]) WithRefreshInterval(d time.Duration) *Config[V] {
	c.RefreshInterval = d
	return c
}

// WithCleanupInterval sets the TTL-sweep timer period.
func (c *Config[V]) WithCleanupInterval(d time.Duration) *Config[V] {
	c.CleanupInterval = d
	return c
}

// WithMinAutoSyncInterval sets the debounce floor between auto-refresh syncs.
func (c *Config[V]) WithMinAutoSyncInterval(d time.Duration) *Config[V] {
	c.MinAutoSyncInterval = d
	return c
}

// WithLazyReload toggles on-miss loading from the model.
func (c *Config[V]) WithLazyReload(enabled bool) *Config[V] {
	c.LazyReload = enabled
	return c
}

// WithStaleWhileRevalidate toggles serving expired entries while refreshing.
func (c *Config[V]) WithStaleWhileRevalidate(enabled bool) *Config[V] {
	c.StaleWhileRevalidate = enabled
	return c
}

// WithUpdatedAtField sets the modification-timestamp attribute name.
func (c *Config[V]) WithUpdatedAtField(name string) *Config[V] {
	c.UpdatedAtField = name
	return c
}

// WithHashFunc sets a custom hash function.
func (c *Config[V]) WithHashFunc(fn HashFunc[V]) *Config[V] {
	c.HashFunc = fn
	return c
}

// WithValidateFunc sets a validation function.
func (c *Config[V]) WithValidateFunc(fn ValidateFunc[V]) *Config[V] {
	c.ValidateFunc = fn
	return c
}

// WithNormalizeFunc sets a normalization function.
func (c *Config[V]) WithNormalizeFunc(fn NormalizeFunc[V]) *Config[V] {
	c.NormalizeFunc = fn
	return c
}

// WithSortFunc sets a sort function for deterministic hashing.
func (c *Config[V]) WithSortFunc(fn func(values []V) []V) *Config[V] {
	c.SortFunc = fn
	return c
}

// WithReplication enables Redis replication.
func (c *Config[V]) WithReplication(rc *ReplicationConfig) *Config[V] {
	c.Replication = rc
	return c
}

// WithMetrics registers Prometheus collectors with reg.
func (c *Config[V]) WithMetrics(reg prometheus.Registerer) *Config[V] {
	c.Metrics = reg
	return c
}

// WithLogger sets the logger.
func (c *Config[V]) WithLogger(logger *zap.Logger) *Config[V] {
	c.Logger = logger
	return c
}

// defaultHashFunc provides a simple hash implementation.
func defaultHashFunc[V any](values []V) string {
	if len(values) == 0 {
		return sha256Hash("empty")
	}

	var sb strings.Builder
	for _, v := range values {
		sb.WriteString(fmt.Sprintf("%v\n", v))
	}
	return sha256Hash(sb.String())
}

// sha256Hash computes SHA256 hash of a string.
func sha256Hash(s string) string {
	h := sha256.New()
	h.Write([]byte(s))
	return hex.EncodeToString(h.Sum(nil))
}

// ReplicationConfig holds configuration for the Redis replication layer.
type ReplicationConfig struct {
	// URL is a redis:// connection string. Used when Client is nil; the
	// resulting client is owned by the cache and closed on Destroy.
	URL string

	// Client is an existing connection to share. Several caches can reuse
	// one pool with distinct key prefixes. Shared clients are not closed
	// on Destroy.
	Client *redis.Client

	// KeyPrefix namespaces every key this cache writes. No trailing
	// separator; keys take the form "<prefix>:<id>".
	// Default: "modelcache"
	KeyPrefix string

	// OperationTimeout bounds each Redis operation.
	// Default: 5 seconds
	OperationTimeout time.Duration

	// ClusterSync opens a pub/sub channel under KeyPrefix so invalidations
	// propagate to sibling instances.
	ClusterSync bool

	// PingInterval is how often the connection supervisor probes Redis.
	// Default: 15 seconds
	PingInterval time.Duration

	// MaxRetries bounds reconnection attempts after a failed probe.
	// Default: 10
	MaxRetries int

	// BackoffFactor multiplies the delay between reconnection attempts.
	// Default: 2.0
	BackoffFactor float64

	// MinBackoff is the first reconnection delay.
	// Default: 500 milliseconds
	MinBackoff time.Duration

	// MaxBackoff caps the reconnection delay.
	// Default: 30 seconds
	MaxBackoff time.Duration
}

// DefaultReplicationConfig returns a default replication configuration.
func DefaultReplicationConfig() *ReplicationConfig {
	return &ReplicationConfig{
		KeyPrefix:        "modelcache",
		OperationTimeout: 5 * time.Second,
		PingInterval:     15 * time.Second,
		MaxRetries:       10,
		BackoffFactor:    2.0,
		MinBackoff:       500 * time.Millisecond,
		MaxBackoff:       30 * time.Second,
	}
}

// WithURL sets the connection string.
func (c *ReplicationConfig) WithURL(url string) *ReplicationConfig {
	c.URL = url
	return c
}

// WithClient sets a shared Redis client.
func (c *ReplicationConfig) WithClient(client *redis.Client) *ReplicationConfig {
	c.Client = client
	return c
}

// WithKeyPrefix sets the key namespace.
func (c *ReplicationConfig) WithKeyPrefix(prefix string) *ReplicationConfig {
	c.KeyPrefix = prefix
	return c
}

// WithOperationTimeout sets the per-operation timeout.
func (c *ReplicationConfig) WithOperationTimeout(timeout time.Duration) *ReplicationConfig {
	c.OperationTimeout = timeout
	return c
}

// WithClusterSync toggles pub/sub invalidation fan-out.
func (c *ReplicationConfig) WithClusterSync(enabled bool) *ReplicationConfig {
	c.ClusterSync = enabled
	return c
}

// WithPingInterval sets the connection probe period.
func (c *ReplicationConfig) WithPingInterval(d time.Duration) *ReplicationConfig {
	c.PingInterval = d
	return c
}

// WithReconnectBackoff sets the reconnection policy.
func (c *ReplicationConfig) WithReconnectBackoff(maxRetries int, factor float64, min, max time.Duration) *ReplicationConfig {
	c.MaxRetries = maxRetries
	c.BackoffFactor = factor
	c.MinBackoff = min
	c.MaxBackoff = max
	return c
}

// StringSorter provides a helper for sorting slices by a string key.
func StringSorter[V any](keyFunc func(V) string) func([]V) []V {
	return func(values []V) []V {
		result := make([]V, len(values))
		copy(result, values)
		sort.Slice(result, func(i, j int) bool {
			return keyFunc(result[i]) < keyFunc(result[j])
		})
		return result
	}
}
