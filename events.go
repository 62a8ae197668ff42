package modelcache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a cache notification.
type EventType string

const (
	// EventSynced fires after a sync completes.
	EventSynced EventType = "synced"
	// EventRefreshed fires after a refresh (manual or timer-driven) completes.
	EventRefreshed EventType = "refreshed"
	// EventCleared fires after a full clear.
	EventCleared EventType = "cleared"
	// EventClearedField fires after a field-scoped clear; Field carries the name.
	EventClearedField EventType = "cleared-field"
	// EventItemCreated fires when a create hook lands a record in the cache.
	EventItemCreated EventType = "item-created"
	// EventItemUpdated fires when an update hook lands a record in the cache.
	EventItemUpdated EventType = "item-updated"
	// EventItemRemoved fires when a destroy hook removes a record.
	EventItemRemoved EventType = "item-removed"
	// EventItemInvalidated fires when a key-field lookup is invalidated;
	// Field and Value identify the bucket entry.
	EventItemInvalidated EventType = "item-invalidated"
	// EventLazyLoaded fires when a miss-triggered fetch lands a record.
	EventLazyLoaded EventType = "lazy-loaded"
	// EventEvicted fires when capacity pressure removes a record; ID and
	// Cause describe the eviction.
	EventEvicted EventType = "evicted"
	// EventReady fires once AutoLoad completes successfully.
	EventReady EventType = "ready"
	// EventError reports a swallowed failure; Err carries the cause.
	EventError EventType = "error"
	// EventReconnectAttempt fires per Redis reconnection try; Attempt and
	// Delay describe the schedule.
	EventReconnectAttempt EventType = "reconnect-attempt"
	// EventReconnected fires when the Redis connection is restored.
	EventReconnected EventType = "reconnected"
	// EventDisconnected fires when the Redis connection is lost.
	EventDisconnected EventType = "disconnected"
)

// Event carries a notification payload. Only the fields relevant to Type
// are populated.
type Event[V any] struct {
	Type    EventType
	Record  V
	ID      string
	Field   string
	Value   string
	Cause   string
	Attempt int
	Delay   time.Duration
	Err     error
}

// Listener consumes events. Listeners run on their own goroutines; a slow
// or panicking listener cannot block or crash the cache.
type Listener[V any] func(Event[V])

// emitter is an observer registry with asynchronous dispatch.
type emitter[V any] struct {
	mu        sync.RWMutex
	seq       int
	listeners map[EventType]map[int]Listener[V]
	log       *zap.Logger
}

func newEmitter[V any](log *zap.Logger) *emitter[V] {
	return &emitter[V]{
		listeners: make(map[EventType]map[int]Listener[V]),
		log:       log,
	}
}

// on registers fn for events of type t and returns its unsubscribe function.
func (e *emitter[V]) on(t EventType, fn Listener[V]) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.seq++
	id := e.seq
	if e.listeners[t] == nil {
		e.listeners[t] = make(map[int]Listener[V])
	}
	e.listeners[t][id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners[t], id)
	}
}

// emit dispatches ev to every listener of its type, each on its own
// goroutine.
func (e *emitter[V]) emit(ev Event[V]) {
	e.mu.RLock()
	fns := make([]Listener[V], 0, len(e.listeners[ev.Type]))
	for _, fn := range e.listeners[ev.Type] {
		fns = append(fns, fn)
	}
	e.mu.RUnlock()

	for _, fn := range fns {
		go e.dispatch(fn, ev)
	}
}

func (e *emitter[V]) dispatch(fn Listener[V], ev Event[V]) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("event listener panicked",
				zap.String("event", string(ev.Type)),
				zap.Any("panic", r))
		}
	}()
	fn(ev)
}

// removeAll drops every listener. Used by Destroy.
func (e *emitter[V]) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[EventType]map[int]Listener[V])
}
