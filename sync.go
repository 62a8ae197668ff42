package modelcache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Sync reconciles the cache with the model. A full sync replaces the entire
// contents; an incremental sync merges records whose update timestamp is
// newer than the last successful sync. Incremental is silently downgraded
// to full when no prior sync happened or the model does not expose the
// configured update-timestamp attribute. At most one sync runs at a time:
// a concurrent call is dropped with a warning and returns nil.
func (c *Cache[V]) Sync(ctx context.Context, incremental bool) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if !c.syncing.CompareAndSwap(false, true) {
		c.log.Warn("sync already in progress, dropping request",
			zap.Bool("incremental", incremental))
		return nil
	}
	defer c.syncing.Store(false)

	c.syncMu.Lock()
	last := c.lastSyncAt
	c.syncMu.Unlock()

	if incremental && (last.IsZero() || !c.modelHasUpdatedAt()) {
		c.log.Info("incremental sync not possible, running full sync",
			zap.Bool("first", last.IsZero()),
			zap.String("updatedAtField", c.cfg.UpdatedAtField))
		incremental = false
	}

	started := time.Now()
	var count int
	var err error
	if incremental {
		count, err = c.syncIncremental(ctx, last)
	} else {
		count, err = c.syncFull(ctx)
	}
	if err != nil {
		c.log.Error("sync failed",
			zap.Bool("incremental", incremental),
			zap.Error(err))
		c.emit(Event[V]{Type: EventError, Err: err})
		return fmt.Errorf("sync %s: %w", syncKind(incremental), err)
	}

	c.syncMu.Lock()
	c.lastSyncAt = started
	c.syncMu.Unlock()

	c.log.Debug("sync complete",
		zap.Bool("incremental", incremental),
		zap.Int("records", count),
		zap.Duration("took", time.Since(started)))
	c.emit(Event[V]{Type: EventSynced})
	return nil
}

func syncKind(incremental bool) string {
	if incremental {
		return "incremental"
	}
	return "full"
}

// syncFull fetches everything and swaps it in. The prior contents are only
// discarded after the fetch succeeds, so a failed sync leaves the cache
// intact. Statistics survive; the Redis mirror is rewritten in one pipeline.
func (c *Cache[V]) syncFull(ctx context.Context) (int, error) {
	records, err := c.model.FindAll(ctx, Query{})
	if err != nil {
		return 0, err
	}

	c.store.reset(false)
	for _, rec := range records {
		_, evs := c.store.set(rec)
		c.emitEvictions(evs)
	}

	if c.repl != nil {
		c.repl.storeAll(c.store.dump())
	}
	return len(records), nil
}

// syncIncremental merges records updated since the last sync. Existing
// entries keep their place; removed-at-source records are not detected
// here and age out via TTL or the next full sync.
func (c *Cache[V]) syncIncremental(ctx context.Context, since time.Time) (int, error) {
	records, err := c.model.FindAll(ctx, Gt(c.cfg.UpdatedAtField, since))
	if err != nil {
		return 0, err
	}
	for _, rec := range records {
		c.apply(rec)
	}
	return len(records), nil
}

// modelHasUpdatedAt reports whether the model exposes the configured
// update-timestamp attribute, the precondition for incremental sync.
func (c *Cache[V]) modelHasUpdatedAt() bool {
	for _, attr := range c.model.Attributes() {
		if attr == c.cfg.UpdatedAtField {
			return true
		}
	}
	return false
}

// Refresh runs an on-demand sync, incremental unless forceFull is set.
// It consumes a debounce token on a best-effort basis so that manual
// refreshes and the auto-refresh ticker share one rate budget.
func (c *Cache[V]) Refresh(ctx context.Context, forceFull bool) error {
	c.refreshLimiter.Allow()
	if err := c.Sync(ctx, !forceFull); err != nil {
		return err
	}
	c.emit(Event[V]{Type: EventRefreshed})
	return nil
}

// Preload bulk-loads records from an external source, bypassing the model.
// Useful for warming from snapshots or fixtures. Returns how many records
// were stored.
func (c *Cache[V]) Preload(ctx context.Context, source func(ctx context.Context) ([]V, error)) (int, error) {
	if c.destroyed.Load() {
		return 0, ErrDestroyed
	}
	records, err := source(ctx)
	if err != nil {
		return 0, fmt.Errorf("preload source: %w", err)
	}
	loaded := 0
	for _, rec := range records {
		if id := c.apply(rec); id != "" {
			loaded++
		}
	}
	return loaded, nil
}
