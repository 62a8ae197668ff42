package modelcache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// replicator mirrors cache writes to Redis and restores misses from it.
// Writes are fire-and-forget behind a circuit breaker: Redis being down
// degrades the cache to local-only operation, it never fails a caller.
type replicator[V any] struct {
	client  *redis.Client
	owned   bool
	cfg     *ReplicationConfig
	dataTTL time.Duration
	pk      KeyFunc[V]
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker
	notify  func(Event[V])

	stopped  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newReplicator[V any](cfg *ReplicationConfig, ttl time.Duration, pk KeyFunc[V], log *zap.Logger, notify func(Event[V])) (*replicator[V], error) {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "modelcache"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = 5 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 15 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 10
	}
	if cfg.BackoffFactor <= 1 {
		cfg.BackoffFactor = 2.0
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}

	client := cfg.Client
	owned := false
	if client == nil {
		if cfg.URL == "" {
			return nil, ErrMissingRedisTarget
		}
		opt, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
		owned = true
	}

	r := &replicator[V]{
		client:  client,
		owned:   owned,
		cfg:     cfg,
		dataTTL: ttl,
		pk:      pk,
		log:     log,
		notify:  notify,
		stop:    make(chan struct{}),
	}
	r.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "modelcache-redis",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= 5 && ratio >= 0.6
		},
	})
	return r, nil
}

func (r *replicator[V]) key(id string) string {
	return r.cfg.KeyPrefix + ":" + id
}

// set mirrors one record asynchronously. Failures are logged and reported
// through the error event; they never propagate to the caller.
func (r *replicator[V]) set(id string, record V) {
	if r.stopped.Load() {
		return
	}
	payload, err := json.Marshal(record)
	if err != nil {
		r.fail("marshal", err)
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
		defer cancel()
		_, err := r.breaker.Execute(func() (any, error) {
			return nil, r.client.Set(ctx, r.key(id), payload, r.dataTTL).Err()
		})
		if err != nil {
			r.fail("set", err)
		}
	}()
}

// delete removes one record's mirror asynchronously.
func (r *replicator[V]) delete(id string) {
	if r.stopped.Load() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
		defer cancel()
		_, err := r.breaker.Execute(func() (any, error) {
			return nil, r.client.Del(ctx, r.key(id)).Err()
		})
		if err != nil {
			r.fail("delete", err)
		}
	}()
}

// restore fetches one record from Redis. A miss, a tripped breaker, or any
// Redis failure all report not-found; only an actual hit returns true.
func (r *replicator[V]) restore(ctx context.Context, id string) (V, bool) {
	var zero V
	if r.stopped.Load() {
		return zero, false
	}
	ctx, cancel := context.WithTimeout(ctx, r.cfg.OperationTimeout)
	defer cancel()

	v, err := r.breaker.Execute(func() (any, error) {
		payload, err := r.client.Get(ctx, r.key(id)).Bytes()
		if err != nil {
			return nil, err
		}
		var record V
		if err := json.Unmarshal(payload, &record); err != nil {
			return nil, fmt.Errorf("unmarshal %q: %w", r.key(id), err)
		}
		return record, nil
	})
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			r.fail("restore", err)
		}
		return zero, false
	}
	return v.(V), true
}

// storeAll rewrites the full mirror in one pipeline, asynchronously.
func (r *replicator[V]) storeAll(pairs []persistedEntry[V]) {
	if r.stopped.Load() || len(pairs) == 0 {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
		defer cancel()

		_, err := r.breaker.Execute(func() (any, error) {
			pipe := r.client.Pipeline()
			for _, p := range pairs {
				id := r.pk(p.Data)
				if id == "" {
					continue
				}
				payload, err := json.Marshal(p.Data)
				if err != nil {
					r.fail("marshal", err)
					continue
				}
				pipe.Set(ctx, r.key(id), payload, r.dataTTL)
			}
			_, err := pipe.Exec(ctx)
			return nil, err
		})
		if err != nil {
			r.fail("pipeline", err)
			return
		}
		r.log.Debug("mirror rewritten", zap.Int("records", len(pairs)))
	}()
}

// purge deletes every key under this cache's prefix, asynchronously. It
// scans rather than using KEYS so large namespaces cannot stall Redis.
func (r *replicator[V]) purge() {
	if r.stopped.Load() {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
		defer cancel()

		_, err := r.breaker.Execute(func() (any, error) {
			iter := r.client.Scan(ctx, 0, r.cfg.KeyPrefix+":*", 100).Iterator()
			batch := make([]string, 0, 100)
			flush := func() error {
				if len(batch) == 0 {
					return nil
				}
				if err := r.client.Del(ctx, batch...).Err(); err != nil {
					return err
				}
				batch = batch[:0]
				return nil
			}
			for iter.Next(ctx) {
				batch = append(batch, iter.Val())
				if len(batch) == 100 {
					if err := flush(); err != nil {
						return nil, err
					}
				}
			}
			if err := iter.Err(); err != nil {
				return nil, err
			}
			return nil, flush()
		})
		if err != nil {
			r.fail("purge", err)
		}
	}()
}

// fail records a replication failure. A tripped breaker is expected while
// Redis is down and only logged at debug level; real errors are surfaced
// through the error event.
func (r *replicator[V]) fail(op string, err error) {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		r.log.Debug("replication suspended by circuit breaker", zap.String("op", op))
		return
	}
	r.log.Error("replication failed", zap.String("op", op), zap.Error(err))
	r.notify(Event[V]{Type: EventError, Err: fmt.Errorf("replication %s: %w", op, err)})
}

// watch supervises the connection: it pings on an interval and runs the
// reconnect loop when a ping fails. When reconnection gives up the
// supervisor exits and replication stays breaker-guarded only.
func (r *replicator[V]) watch() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cfg.PingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-r.stop:
				return
			case <-ticker.C:
				if err := r.ping(); err == nil {
					continue
				}
				r.log.Warn("redis connection lost")
				r.notify(Event[V]{Type: EventDisconnected})
				if !r.reconnect() {
					return
				}
			}
		}
	}()
}

func (r *replicator[V]) ping() error {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.OperationTimeout)
	defer cancel()
	return r.client.Ping(ctx).Err()
}

// reconnect retries the connection with exponential backoff. Returns true
// once a ping succeeds, false when the retry budget is exhausted.
func (r *replicator[V]) reconnect() bool {
	for attempt := 1; attempt <= r.cfg.MaxRetries; attempt++ {
		delay := time.Duration(float64(r.cfg.MinBackoff) * math.Pow(r.cfg.BackoffFactor, float64(attempt-1)))
		if delay > r.cfg.MaxBackoff {
			delay = r.cfg.MaxBackoff
		}
		r.notify(Event[V]{Type: EventReconnectAttempt, Attempt: attempt, Delay: delay})

		select {
		case <-r.stop:
			return false
		case <-time.After(delay):
		}

		if err := r.ping(); err == nil {
			r.log.Info("redis connection restored", zap.Int("attempt", attempt))
			r.notify(Event[V]{Type: EventReconnected})
			return true
		}
	}
	r.log.Error("redis reconnect exhausted, giving up",
		zap.Int("attempts", r.cfg.MaxRetries))
	return false
}

// close stops the supervisor, waits for in-flight writes, and closes the
// client if this replicator opened it.
func (r *replicator[V]) close() {
	r.stopOnce.Do(func() {
		r.stopped.Store(true)
		close(r.stop)
	})
	r.wg.Wait()
	if r.owned {
		if err := r.client.Close(); err != nil {
			r.log.Warn("redis close failed", zap.Error(err))
		}
	}
}
