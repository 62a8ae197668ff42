package modelcache

import "context"

// HookEvent identifies a change notification emitted by a Model.
type HookEvent string

const (
	// HookAfterCreate fires after a record is inserted.
	HookAfterCreate HookEvent = "afterCreate"
	// HookAfterUpdate fires after a record is modified.
	HookAfterUpdate HookEvent = "afterUpdate"
	// HookAfterDestroy fires after a record is deleted.
	HookAfterDestroy HookEvent = "afterDestroy"
)

// Hook receives the record a change notification is about.
type Hook[V any] func(record V)

// Op enumerates the filter comparisons a Model must support.
type Op int

const (
	// OpEq matches records whose field equals the value.
	OpEq Op = iota
	// OpGt matches records whose field is strictly greater than the value.
	// Used with modification timestamps for incremental sync.
	OpGt
	// OpIn matches records whose field equals any element of a slice value.
	// Used for bulk key fetches.
	OpIn
)

// Where is a single filter predicate.
type Where struct {
	Field string
	Op    Op
	Value any
}

// Query bundles filter predicates. All predicates must match. The zero
// Query matches every record.
type Query struct {
	Where []Where
}

// Eq builds a single-predicate equality query.
func Eq(field string, value any) Query {
	return Query{Where: []Where{{Field: field, Op: OpEq, Value: value}}}
}

// Gt builds a single-predicate greater-than query.
func Gt(field string, value any) Query {
	return Query{Where: []Where{{Field: field, Op: OpGt, Value: value}}}
}

// In builds a single-predicate membership query.
func In(field string, values []any) Query {
	return Query{Where: []Where{{Field: field, Op: OpIn, Value: values}}}
}

// Model is the backing relational layer a Cache reads through to. The cache
// never writes records through it; mutations arrive via hooks.
type Model[V any] interface {
	// FindByPk fetches one record by primary identifier. The bool reports
	// whether the record exists.
	FindByPk(ctx context.Context, id string) (V, bool, error)

	// FindOne fetches the first record matching q.
	FindOne(ctx context.Context, q Query) (V, bool, error)

	// FindAll fetches every record matching q.
	FindAll(ctx context.Context, q Query) ([]V, error)

	// AddHook registers a named change-notification callback.
	AddHook(event HookEvent, name string, fn Hook[V]) error

	// RemoveHook unregisters a named callback.
	RemoveHook(event HookEvent, name string) error

	// Attributes lists the model's field names. The cache uses it to detect
	// whether a modification-timestamp field exists for incremental sync.
	Attributes() []string
}
