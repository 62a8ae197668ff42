package modelcache

import (
	"context"

	"go.uber.org/zap"
)

// loadResult carries a fetched record through the flight group.
type loadResult[V any] struct {
	record V
	found  bool
}

// loadByID fetches a missing or expired record from the model. Concurrent
// loads for the same id share a single fetch. Fetch failures are swallowed:
// they are logged, reported through the error event, and resolve to an
// absent result. A lazy load must never fail a read path.
func (c *Cache[V]) loadByID(ctx context.Context, id string) (V, bool) {
	var zero V
	if !c.cfg.LazyReload {
		return zero, false
	}

	v, err, _ := c.loads.Do("id:"+id, func() (any, error) {
		rec, found, err := c.model.FindByPk(ctx, id)
		if err != nil {
			return nil, err
		}
		if !found {
			// The backing record is gone; drop any stale entry so reads
			// stop serving it.
			if _, had := c.store.removeRecord(id); had {
				c.log.Debug("dropped entry for vanished record", zap.String("id", id))
			}
			return loadResult[V]{}, nil
		}
		c.applyLocal(rec)
		c.replicate(id, rec)
		c.emit(Event[V]{Type: EventLazyLoaded, Record: rec})
		return loadResult[V]{record: rec, found: true}, nil
	})
	if err != nil {
		c.log.Error("lazy load by id failed", zap.String("id", id), zap.Error(err))
		c.emit(Event[V]{Type: EventError, Err: err})
		return zero, false
	}

	res := v.(loadResult[V])
	return res.record, res.found
}

// loadByKey is loadByID for key-field lookups, fetching with an equality
// filter instead of the primary key.
func (c *Cache[V]) loadByKey(ctx context.Context, field string, value any) (V, bool) {
	var zero V
	if !c.cfg.LazyReload {
		return zero, false
	}

	flightKey := "key:" + field + ":" + indexKey(value)
	v, err, _ := c.loads.Do(flightKey, func() (any, error) {
		rec, found, err := c.model.FindOne(ctx, Eq(field, value))
		if err != nil {
			return nil, err
		}
		if !found {
			return loadResult[V]{}, nil
		}
		id := c.applyLocal(rec)
		c.replicate(id, rec)
		c.emit(Event[V]{Type: EventLazyLoaded, Record: rec})
		return loadResult[V]{record: rec, found: true}, nil
	})
	if err != nil {
		c.log.Error("lazy load by key failed",
			zap.String("field", field),
			zap.Any("value", value),
			zap.Error(err))
		c.emit(Event[V]{Type: EventError, Err: err})
		return zero, false
	}

	res := v.(loadResult[V])
	return res.record, res.found
}

// refreshAsync schedules an unawaited canonical reload for id. Used by
// stale-while-revalidate reads; the caller already holds the stale data.
func (c *Cache[V]) refreshAsync(id string) {
	go c.loadByID(context.Background(), id)
}
