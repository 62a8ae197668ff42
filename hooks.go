package modelcache

import (
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// hookName returns the registration name used for this cache's hooks on the
// model. It embeds the instance id so multiple caches (or instances) over
// the same model never clobber each other's hooks.
func (c *Cache[V]) hookName() string {
	return "modelcache:" + c.instanceID
}

// AttachHooks registers create, update, and destroy hooks on the model so
// writes flow into the cache as they happen. Attaching twice is a no-op.
// If any registration fails, the ones already made are rolled back and the
// cache is left detached.
func (c *Cache[V]) AttachHooks() error {
	if c.destroyed.Load() {
		return ErrDestroyed
	}
	if !c.hooksAttached.CompareAndSwap(false, true) {
		return nil
	}

	name := c.hookName()
	attached := make([]HookEvent, 0, 3)
	rollback := func() {
		for _, ev := range attached {
			if err := c.model.RemoveHook(ev, name); err != nil {
				c.log.Warn("hook rollback failed",
					zap.String("event", string(ev)),
					zap.Error(err))
			}
		}
		c.hooksAttached.Store(false)
	}

	register := func(ev HookEvent, fn Hook[V]) error {
		if err := c.model.AddHook(ev, name, fn); err != nil {
			return fmt.Errorf("attach %s hook: %w", ev, err)
		}
		attached = append(attached, ev)
		return nil
	}

	if err := register(HookAfterCreate, c.onCreated); err != nil {
		rollback()
		return err
	}
	if err := register(HookAfterUpdate, c.onUpdated); err != nil {
		rollback()
		return err
	}
	if err := register(HookAfterDestroy, c.onDestroyed); err != nil {
		rollback()
		return err
	}

	c.log.Debug("model hooks attached", zap.String("hook", name))
	return nil
}

// DetachHooks removes this cache's hooks from the model. Each removal is
// attempted independently so one failure cannot leave the others dangling;
// failures are reported joined.
func (c *Cache[V]) DetachHooks() error {
	if !c.hooksAttached.CompareAndSwap(true, false) {
		return nil
	}

	name := c.hookName()
	var errs []error
	for _, ev := range []HookEvent{HookAfterCreate, HookAfterUpdate, HookAfterDestroy} {
		if err := c.model.RemoveHook(ev, name); err != nil {
			c.log.Error("hook removal failed",
				zap.String("event", string(ev)),
				zap.Error(err))
			c.emit(Event[V]{Type: EventError, Err: err})
			errs = append(errs, fmt.Errorf("detach %s hook: %w", ev, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	c.log.Debug("model hooks detached", zap.String("hook", name))
	return nil
}

func (c *Cache[V]) onCreated(record V) {
	if c.destroyed.Load() {
		return
	}
	if id := c.apply(record); id != "" {
		c.emit(Event[V]{Type: EventItemCreated, Record: record, ID: id})
	}
}

func (c *Cache[V]) onUpdated(record V) {
	if c.destroyed.Load() {
		return
	}
	if id := c.apply(record); id != "" {
		c.emit(Event[V]{Type: EventItemUpdated, Record: record, ID: id})
	}
}

func (c *Cache[V]) onDestroyed(record V) {
	if c.destroyed.Load() {
		return
	}
	id := c.cfg.PrimaryKeyFunc(record)
	if id == "" {
		return
	}
	c.store.removeRecord(id)
	if c.repl != nil {
		c.repl.delete(id)
	}
	c.emit(Event[V]{Type: EventItemRemoved, Record: record, ID: id})
}
