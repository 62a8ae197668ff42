package modelcache

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// AutoLoad performs the one-time startup sequence: full sync, hook
// attachment, and the auto-refresh and cleanup timers. It runs at most
// once per cache; concurrent and repeated calls all observe the outcome of
// the first. A failed AutoLoad leaves the cache not ready and is terminal.
func (c *Cache[V]) AutoLoad(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	c.readyOnce.Do(func() {
		err := c.autoLoad(ctx)
		if err != nil {
			c.readyErr = fmt.Errorf("auto load: %w", err)
			c.log.Error("auto load failed", zap.Error(err))
		} else {
			c.ready.Store(true)
		}
		close(c.readyCh)
		if err == nil {
			c.log.Info("cache ready", zap.Int("records", c.store.size()))
			c.emit(Event[V]{Type: EventReady})
		}
	})
	return c.readyErr
}

func (c *Cache[V]) autoLoad(ctx context.Context) error {
	if err := c.Sync(ctx, false); err != nil {
		return err
	}
	if err := c.AttachHooks(); err != nil {
		return err
	}
	c.StartAutoRefresh()
	c.StartCleanup()
	return nil
}

// WaitUntilReady blocks until AutoLoad completes or ctx is done. A waiter
// giving up does not cancel the load; later waiters can still succeed.
func (c *Cache[V]) WaitUntilReady(ctx context.Context) error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	select {
	case <-c.readyCh:
		return c.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsReady reports whether AutoLoad has completed successfully.
func (c *Cache[V]) IsReady() bool {
	return c.ready.Load()
}

// StartAutoRefresh begins periodic incremental syncs. Ticks inside the
// minimum sync interval are skipped, so a manual Refresh close to a tick
// cannot double-hit the backend. Starting twice is a no-op.
func (c *Cache[V]) StartAutoRefresh() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.refreshStop != nil || c.destroyed.Load() {
		return
	}
	stop := make(chan struct{})
	c.refreshStop = stop

	c.timers.Add(1)
	go func() {
		defer c.timers.Done()
		ticker := time.NewTicker(c.cfg.RefreshInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if !c.refreshLimiter.Allow() {
					c.log.Debug("auto refresh debounced")
					continue
				}
				if err := c.Sync(context.Background(), true); err == nil {
					c.emit(Event[V]{Type: EventRefreshed})
				}
			}
		}
	}()
}

// StopAutoRefresh stops the periodic sync. Safe to call when not running.
func (c *Cache[V]) StopAutoRefresh() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.refreshStop != nil {
		close(c.refreshStop)
		c.refreshStop = nil
	}
}

// StartCleanup begins the periodic sweep of expired entries. Without a TTL
// nothing can expire and no timer is started. Starting twice is a no-op.
func (c *Cache[V]) StartCleanup() {
	if c.cfg.TTL <= 0 {
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.cleanupStop != nil || c.destroyed.Load() {
		return
	}
	stop := make(chan struct{})
	c.cleanupStop = stop

	c.timers.Add(1)
	go func() {
		defer c.timers.Done()
		ticker := time.NewTicker(c.cfg.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				if n := c.store.cleanup(time.Now()); n > 0 {
					c.log.Debug("expired entries swept", zap.Int("count", n))
				}
			}
		}
	}()
}

// StopCleanup stops the expiry sweep. Safe to call when not running.
func (c *Cache[V]) StopCleanup() {
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.cleanupStop != nil {
		close(c.cleanupStop)
		c.cleanupStop = nil
	}
}

// Destroy tears the cache down: timers stop, hooks detach, the cluster
// subscription and Redis client close, listeners are dropped, and local
// contents are cleared. Redis keys are left for the TTL to reap so sibling
// instances keep their shared mirror. Destroy is idempotent; a destroyed
// cache serves no reads and accepts no writes.
func (c *Cache[V]) Destroy() error {
	if !c.destroyed.CompareAndSwap(false, true) {
		return nil
	}

	c.StopAutoRefresh()
	c.StopCleanup()
	c.timers.Wait()

	var detachErr error
	if c.hooksAttached.Load() {
		detachErr = c.DetachHooks()
	}

	if c.cluster != nil {
		c.cluster.close()
	}
	if c.repl != nil {
		c.repl.close()
	}

	c.events.removeAll()
	c.store.reset(true)
	c.ready.Store(false)

	c.log.Info("cache destroyed")
	return detachErr
}
