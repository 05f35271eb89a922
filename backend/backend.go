// Package backend defines the persistent-store abstraction used by
// flagstore.
//
// Implementations persist serialized items grouped by kind and must apply
// the version compare-and-swap contract on Upsert: a write is applied only
// if the incoming version strictly exceeds the stored version (a missing or
// expired entry counts as version 0). Cross-process consistency relies
// entirely on this contract; flagstore performs no distributed locking.
//
// A backend that cannot persist Version/Deleted out-of-band may return
// reads with Version 0 and Deleted false; flagstore recovers the true
// values from the payload via the Kind's deserializer.
package backend

import (
	"context"

	"github.com/unkn0wn-root/flagstore/storetypes"
)

// Backend is a store of serialized items keyed by kind and key.
// Must be safe for concurrent use.
type Backend interface {
	// Init replaces all stored content with the given data set and marks
	// the store initialized.
	Init(ctx context.Context, allData []storetypes.SerializedCollection) error

	// Get returns (item, true, nil) on hit; (zero, false, nil) when the key
	// has never been written. Tombstones are hits: the returned item has
	// Deleted true (or a payload that deserializes to a nil Item).
	Get(ctx context.Context, kind storetypes.Kind, key string) (storetypes.SerializedItemDescriptor, bool, error)

	// GetAll returns every item of the kind, tombstones included.
	GetAll(ctx context.Context, kind storetypes.Kind) ([]storetypes.KeyedSerializedItemDescriptor, error)

	// Upsert writes the item iff item.Version strictly exceeds the stored
	// version. Returns ok=false, err=nil when the write was rejected by the
	// version check.
	Upsert(ctx context.Context, kind storetypes.Kind, key string, item storetypes.SerializedItemDescriptor) (ok bool, err error)

	// IsInitialized reports whether Init has ever completed on this store,
	// possibly by another process sharing it.
	IsInitialized(ctx context.Context) bool

	// IsAvailable is a cheap health probe, used as the recovery-poll
	// callable while the store is marked unavailable.
	IsAvailable(ctx context.Context) bool

	// Close releases resources.
	Close() error
}
