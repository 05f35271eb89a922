package flagstore

import (
	"context"
	"time"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

// StalePolicy governs what a finite-TTL cache does with an entry whose TTL
// has elapsed. It has no effect when TTL is 0 or unlimited.
type StalePolicy int

const (
	// Evict drops the stale entry and reloads synchronously; a reload
	// failure propagates to the caller.
	Evict StalePolicy = iota
	// Refresh reloads synchronously but keeps the stale entry as a
	// fallback: a reload failure returns the previous value instead of the
	// error.
	Refresh
	// RefreshAsync returns the stale value immediately and reloads on a
	// background worker. Reload failures are never surfaced; the stale
	// value stays until a reload succeeds.
	RefreshAsync
)

func (p StalePolicy) String() string {
	switch p {
	case Evict:
		return "evict"
	case Refresh:
		return "refresh"
	case RefreshAsync:
		return "refresh-async"
	default:
		return "unknown"
	}
}

// Status is the availability snapshot broadcast to listeners.
//
// RefreshNeeded is set on a recovery transition when Options.RefreshOnRecovery
// is enabled; it signals that cached data may be incomplete after the outage
// and a full reload is advisable.
type Status struct {
	Available     bool
	RefreshNeeded bool
}

// StatusListener receives availability changes. Callbacks run on the store's
// own worker goroutine, never on the thread that triggered the change.
// Listeners are tracked by identity; register pointer-backed values so they
// can be removed.
type StatusListener interface {
	StatusChanged(Status)
}

// CacheStats is an atomic snapshot of the cache counters.
type CacheStats struct {
	Hits          int64
	Misses        int64
	LoadSuccesses int64
	LoadFailures  int64
	Evictions     int64
	// LoadDuration is the cumulative wall time spent in backend loads.
	LoadDuration time.Duration
}

// Store is the facade handed to the flag-evaluation engine. It has the same
// read/write shape as backend.Backend but deals in deserialized items and
// adds caching, version recovery, availability tracking and statistics.
type Store interface {
	// Get returns the item for the key. Tombstones come back as a
	// descriptor with a nil Item and found=true; keys with no record at all
	// return found=false.
	Get(ctx context.Context, kind storetypes.Kind, key string) (item storetypes.ItemDescriptor, found bool, err error)

	// GetAll returns an atomic snapshot of every item of the kind,
	// tombstones included. Callers must not mutate the returned slice.
	GetAll(ctx context.Context, kind storetypes.Kind) ([]storetypes.KeyedItemDescriptor, error)

	// Init replaces all backend content with the given data set and primes
	// the cache. Collection order is preserved.
	Init(ctx context.Context, allData []storetypes.Collection) error

	// Upsert writes the item iff item.Version strictly exceeds the stored
	// version; returns whether the write was applied.
	Upsert(ctx context.Context, kind storetypes.Kind, key string, item storetypes.ItemDescriptor) (bool, error)

	// IsInitialized reports whether the backend has ever been initialized.
	// A true result is latched; a false result is re-checked after a short
	// interval.
	IsInitialized(ctx context.Context) bool

	// Status returns the last published availability snapshot.
	Status() Status

	AddStatusListener(l StatusListener)
	RemoveStatusListener(l StatusListener)

	// CacheStats returns the counter snapshot; ok is false unless
	// Options.RecordStats was set.
	CacheStats() (stats CacheStats, ok bool)

	// Close stops background work and closes the backend. Idempotent.
	// Outstanding notifications and refreshes are abandoned, not awaited.
	Close() error
}

// Options tune the store. Only Backend is required.
type Options struct {
	// Required.
	Backend backend.Backend

	// TTL controls caching: 0 disables the cache entirely, a negative value
	// caches forever, a positive value is the per-entry lifetime.
	// DefaultTTL is a sensible starting point.
	TTL time.Duration

	// StalePolicy applies when TTL is positive. Default Evict.
	StalePolicy StalePolicy

	// RecordStats enables the hit/miss/load/eviction counters. Off by
	// default (no overhead).
	RecordStats bool

	// RefreshOnRecovery sets Status.RefreshNeeded when availability comes
	// back, signaling that a full reload may be advisable.
	RefreshOnRecovery bool

	Logger Logger // if nil, NopLogger is used

	// AsyncRefreshWorkers bounds the RefreshAsync worker pool; 0 => 2.
	AsyncRefreshWorkers int
}

// New builds a Store over the given backend.
func New(opts Options) (Store, error) {
	return newStore(opts)
}
