package modelcache

import "errors"

var (
	// ErrNilModel is returned by New when no backing model is supplied.
	ErrNilModel = errors.New("modelcache: model is nil")

	// ErrMissingPrimaryKey is returned by New when the configuration has no
	// primary key function.
	ErrMissingPrimaryKey = errors.New("modelcache: config requires a primary key function")

	// ErrMissingRedisTarget is returned by New when replication is enabled
	// without a client or URL to reach Redis.
	ErrMissingRedisTarget = errors.New("modelcache: replication requires a redis client or URL")

	// ErrDestroyed is returned by operations invoked after Destroy.
	ErrDestroyed = errors.New("modelcache: cache destroyed")

	// ErrUnknownCache is returned by a Manager when asked for a name that
	// was never registered. Requesting an unmanaged cache is a programming
	// error, not a transient condition.
	ErrUnknownCache = errors.New("modelcache: unknown cache name")

	// ErrDuplicateCache is returned by Manager.Register for a name that is
	// already taken.
	ErrDuplicateCache = errors.New("modelcache: cache name already registered")
)
