package modelcache

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// invalidationMessage is the wire form of one cross-instance invalidation.
// Source carries the publishing instance id so subscribers can drop their
// own messages.
type invalidationMessage struct {
	Field  string `json:"field"`
	Value  string `json:"value"`
	Source string `json:"source"`
}

// clusterSync propagates key invalidations between instances of the same
// cache over a Redis pub/sub channel. Delivery is best-effort: a missed
// message means a sibling serves one stale lookup until its TTL or next
// sync, never an error.
type clusterSync[V any] struct {
	client  *redis.Client
	channel string
	source  string
	timeout time.Duration
	log     *zap.Logger
	apply   func(field, value string)
	notify  func(Event[V])

	pubsub   *redis.PubSub
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newClusterSync[V any](client *redis.Client, cfg *ReplicationConfig, source string, log *zap.Logger, apply func(field, value string), notify func(Event[V])) *clusterSync[V] {
	return &clusterSync[V]{
		client:  client,
		channel: cfg.KeyPrefix + ":invalidations",
		source:  source,
		timeout: cfg.OperationTimeout,
		log:     log,
		apply:   apply,
		notify:  notify,
	}
}

// start subscribes to the invalidation channel and consumes it until close.
func (s *clusterSync[V]) start() {
	s.pubsub = s.client.Subscribe(context.Background(), s.channel)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for msg := range s.pubsub.Channel() {
			s.handle(msg.Payload)
		}
	}()
}

func (s *clusterSync[V]) handle(payload string) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		s.log.Warn("malformed invalidation message", zap.Error(err))
		return
	}
	if msg.Source == s.source {
		return
	}
	s.log.Debug("invalidation received",
		zap.String("field", msg.Field),
		zap.String("value", msg.Value),
		zap.String("from", msg.Source))
	s.apply(msg.Field, msg.Value)
}

// publish broadcasts one invalidation asynchronously. Publish failures are
// reported through the error event; the local invalidation already took
// effect regardless.
func (s *clusterSync[V]) publish(ctx context.Context, field, value string) {
	payload, err := json.Marshal(invalidationMessage{Field: field, Value: value, Source: s.source})
	if err != nil {
		s.log.Error("marshal invalidation failed", zap.Error(err))
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
			s.log.Error("publish invalidation failed", zap.Error(err))
			s.notify(Event[V]{Type: EventError, Err: err})
		}
	}()
}

// close unsubscribes and waits for the consumer and in-flight publishes.
func (s *clusterSync[V]) close() {
	s.stopOnce.Do(func() {
		if s.pubsub != nil {
			if err := s.pubsub.Close(); err != nil {
				s.log.Warn("pubsub close failed", zap.Error(err))
			}
		}
	})
	s.wg.Wait()
}
