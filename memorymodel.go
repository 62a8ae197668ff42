package modelcache

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// MemoryModel is a Model backed by an in-process map. It exists for tests,
// examples, and embedding scenarios where records live in memory but the
// cache's indexing, events, and replication are still wanted. Create,
// Update, and Delete fire hooks synchronously, mirroring how a database
// layer would.
type MemoryModel[V any] struct {
	mu      sync.RWMutex
	pk      KeyFunc[V]
	fields  map[string]func(V) any
	records map[string]V
	order   []string
	hooks   map[HookEvent]map[string]Hook[V]

	findByPkCalls int64
	findOneCalls  int64
	findAllCalls  int64
}

// NewMemoryModel builds an empty model keyed by pk. The "id" attribute is
// registered automatically.
func NewMemoryModel[V any](pk KeyFunc[V]) *MemoryModel[V] {
	m := &MemoryModel[V]{
		pk:      pk,
		fields:  map[string]func(V) any{"id": func(v V) any { return pk(v) }},
		records: make(map[string]V),
		hooks: map[HookEvent]map[string]Hook[V]{
			HookAfterCreate:  {},
			HookAfterUpdate:  {},
			HookAfterDestroy: {},
		},
	}
	return m
}

// WithField registers a named attribute and its accessor, enabling queries
// and incremental sync over that field. Returns the model for chaining.
func (m *MemoryModel[V]) WithField(name string, fn func(V) any) *MemoryModel[V] {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[name] = fn
	return m
}

// Seed inserts records without firing hooks, for building initial state.
func (m *MemoryModel[V]) Seed(records ...V) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, rec := range records {
		m.putLocked(rec)
	}
}

func (m *MemoryModel[V]) putLocked(rec V) {
	id := m.pk(rec)
	if _, ok := m.records[id]; !ok {
		m.order = append(m.order, id)
	}
	m.records[id] = rec
}

// Create inserts a record and fires the after-create hooks.
func (m *MemoryModel[V]) Create(rec V) {
	m.mu.Lock()
	m.putLocked(rec)
	m.mu.Unlock()
	m.fire(HookAfterCreate, rec)
}

// Update replaces a record and fires the after-update hooks.
func (m *MemoryModel[V]) Update(rec V) {
	m.mu.Lock()
	m.putLocked(rec)
	m.mu.Unlock()
	m.fire(HookAfterUpdate, rec)
}

// Delete removes the record with id and fires the after-destroy hooks with
// the removed record. Deleting an unknown id is a no-op.
func (m *MemoryModel[V]) Delete(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
		for i, existing := range m.order {
			if existing == id {
				m.order = append(m.order[:i], m.order[i+1:]...)
				break
			}
		}
	}
	m.mu.Unlock()
	if ok {
		m.fire(HookAfterDestroy, rec)
	}
}

// Len returns the number of stored records.
func (m *MemoryModel[V]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// FindByPk returns the record with the given primary key.
func (m *MemoryModel[V]) FindByPk(_ context.Context, id string) (V, bool, error) {
	atomic.AddInt64(&m.findByPkCalls, 1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[id]
	return rec, ok, nil
}

// FindOne returns the first record matching the query, in insertion order.
func (m *MemoryModel[V]) FindOne(_ context.Context, q Query) (V, bool, error) {
	atomic.AddInt64(&m.findOneCalls, 1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		rec := m.records[id]
		ok, err := m.matchesLocked(rec, q)
		if err != nil {
			var zero V
			return zero, false, err
		}
		if ok {
			return rec, true, nil
		}
	}
	var zero V
	return zero, false, nil
}

// FindAll returns every record matching the query, in insertion order.
func (m *MemoryModel[V]) FindAll(_ context.Context, q Query) ([]V, error) {
	atomic.AddInt64(&m.findAllCalls, 1)
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []V
	for _, id := range m.order {
		rec := m.records[id]
		ok, err := m.matchesLocked(rec, q)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *MemoryModel[V]) matchesLocked(rec V, q Query) (bool, error) {
	for _, w := range q.Where {
		fn, ok := m.fields[w.Field]
		if !ok {
			return false, fmt.Errorf("unknown attribute %q", w.Field)
		}
		got := fn(rec)
		switch w.Op {
		case OpEq:
			if indexKey(got) != indexKey(w.Value) {
				return false, nil
			}
		case OpGt:
			gt, err := greaterThan(got, w.Value)
			if err != nil {
				return false, err
			}
			if !gt {
				return false, nil
			}
		case OpIn:
			values, ok := w.Value.([]any)
			if !ok {
				return false, fmt.Errorf("in-clause on %q needs a value slice", w.Field)
			}
			found := false
			key := indexKey(got)
			for _, v := range values {
				if indexKey(v) == key {
					found = true
					break
				}
			}
			if !found {
				return false, nil
			}
		default:
			return false, fmt.Errorf("unsupported operator %d", w.Op)
		}
	}
	return true, nil
}

// greaterThan compares an attribute value against a probe of the same kind.
func greaterThan(got, probe any) (bool, error) {
	switch p := probe.(type) {
	case time.Time:
		g, ok := got.(time.Time)
		if !ok {
			return false, fmt.Errorf("cannot compare %T against time", got)
		}
		return g.After(p), nil
	case string:
		g, ok := got.(string)
		if !ok {
			return false, fmt.Errorf("cannot compare %T against string", got)
		}
		return g > p, nil
	default:
		gf, ok := toFloat(got)
		if !ok {
			return false, fmt.Errorf("cannot compare %T numerically", got)
		}
		pf, ok := toFloat(probe)
		if !ok {
			return false, fmt.Errorf("cannot compare against %T", probe)
		}
		return gf > pf, nil
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// AddHook registers fn under name for the given event. Registering the same
// name twice is an error.
func (m *MemoryModel[V]) AddHook(event HookEvent, name string, fn Hook[V]) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.hooks[event]
	if !ok {
		return fmt.Errorf("unknown hook event %q", event)
	}
	if _, exists := bucket[name]; exists {
		return fmt.Errorf("hook %q already registered for %s", name, event)
	}
	bucket[name] = fn
	return nil
}

// RemoveHook unregisters the named hook. Removing an unknown name is an
// error so callers notice registration mismatches.
func (m *MemoryModel[V]) RemoveHook(event HookEvent, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bucket, ok := m.hooks[event]
	if !ok {
		return fmt.Errorf("unknown hook event %q", event)
	}
	if _, exists := bucket[name]; !exists {
		return fmt.Errorf("no hook %q registered for %s", name, event)
	}
	delete(bucket, name)
	return nil
}

// HookCount reports how many hooks are registered for an event.
func (m *MemoryModel[V]) HookCount(event HookEvent) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hooks[event])
}

// Attributes returns the registered attribute names, sorted.
func (m *MemoryModel[V]) Attributes() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.fields))
	for name := range m.fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *MemoryModel[V]) fire(event HookEvent, rec V) {
	m.mu.RLock()
	fns := make([]Hook[V], 0, len(m.hooks[event]))
	for _, fn := range m.hooks[event] {
		fns = append(fns, fn)
	}
	m.mu.RUnlock()
	for _, fn := range fns {
		fn(rec)
	}
}

// FindByPkCalls returns how many FindByPk calls the model served.
func (m *MemoryModel[V]) FindByPkCalls() int64 { return atomic.LoadInt64(&m.findByPkCalls) }

// FindOneCalls returns how many FindOne calls the model served.
func (m *MemoryModel[V]) FindOneCalls() int64 { return atomic.LoadInt64(&m.findOneCalls) }

// FindAllCalls returns how many FindAll calls the model served.
func (m *MemoryModel[V]) FindAllCalls() int64 { return atomic.LoadInt64(&m.findAllCalls) }

var _ Model[any] = (*MemoryModel[any])(nil)
