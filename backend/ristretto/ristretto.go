// Package ristretto implements an ephemeral in-process flagstore backend on
// dgraph-io/ristretto. Values carry version and deleted flags in a small
// binary frame; an auxiliary per-kind index supplies iteration, which
// ristretto itself does not.
//
// Ristretto admits writes probabilistically under memory pressure, so
// entries may be dropped; through the store contract that reads as
// "absent". Use it for tests and cache-only deployments, not as durable
// storage.
package ristretto

import (
	"context"
	"errors"
	"sync"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/internal/wire"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

type Backend struct {
	c *rc.Cache

	// index and CAS serialization; ristretto has neither iteration nor
	// transactions
	mu     sync.Mutex
	keys   map[string]map[string]struct{} // kind name -> key set
	inited bool
}

var _ backend.Backend = (*Backend)(nil)

type Config struct {
	NumCounters int64
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Backend, error) {
	if cfg.NumCounters <= 0 || cfg.MaxCost <= 0 || cfg.BufferItems <= 0 {
		return nil, errors.New("ristretto backend: invalid config")
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Backend{c: c, keys: make(map[string]map[string]struct{})}, nil
}

func storageKey(kind storetypes.Kind, key string) string { return kind.Name() + "/" + key }

func (b *Backend) Init(_ context.Context, allData []storetypes.SerializedCollection) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.c.Clear()
	b.keys = make(map[string]map[string]struct{}, len(allData))
	for _, coll := range allData {
		set := make(map[string]struct{}, len(coll.Items))
		for _, ki := range coll.Items {
			b.setLocked(storageKey(coll.Kind, ki.Key), ki.Item)
			set[ki.Key] = struct{}{}
		}
		b.keys[coll.Kind.Name()] = set
	}
	b.inited = true
	// make buffered writes visible to subsequent reads
	b.c.Wait()
	return nil
}

func (b *Backend) setLocked(k string, item storetypes.SerializedItemDescriptor) {
	framed := wire.EncodeItem(item.Version, item.Deleted, item.Payload)
	b.c.Set(k, framed, int64(len(framed)))
}

func (b *Backend) Get(_ context.Context, kind storetypes.Kind, key string) (storetypes.SerializedItemDescriptor, bool, error) {
	return b.get(storageKey(kind, key))
}

func (b *Backend) get(k string) (storetypes.SerializedItemDescriptor, bool, error) {
	v, ok := b.c.Get(k)
	if !ok {
		return storetypes.SerializedItemDescriptor{}, false, nil
	}
	framed, _ := v.([]byte)
	if framed == nil {
		// unexpected entry shape; drop it
		b.c.Del(k)
		return storetypes.SerializedItemDescriptor{}, false, nil
	}
	version, deleted, payload, err := wire.DecodeItem(framed)
	if err != nil {
		return storetypes.SerializedItemDescriptor{}, false, err
	}
	return storetypes.SerializedItemDescriptor{Version: version, Deleted: deleted, Payload: payload}, true, nil
}

func (b *Backend) GetAll(_ context.Context, kind storetypes.Kind) ([]storetypes.KeyedSerializedItemDescriptor, error) {
	b.mu.Lock()
	keys := make([]string, 0, len(b.keys[kind.Name()]))
	for k := range b.keys[kind.Name()] {
		keys = append(keys, k)
	}
	b.mu.Unlock()

	out := make([]storetypes.KeyedSerializedItemDescriptor, 0, len(keys))
	for _, key := range keys {
		item, found, err := b.get(storageKey(kind, key))
		if err != nil {
			return nil, err
		}
		if !found {
			// evicted under pressure; indexed but gone
			continue
		}
		out = append(out, storetypes.KeyedSerializedItemDescriptor{Key: key, Item: item})
	}
	return out, nil
}

func (b *Backend) Upsert(_ context.Context, kind storetypes.Kind, key string, item storetypes.SerializedItemDescriptor) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	k := storageKey(kind, key)
	old, found, err := b.get(k)
	if err != nil {
		return false, err
	}
	if found && old.Version >= item.Version {
		return false, nil
	}

	b.setLocked(k, item)
	set, ok := b.keys[kind.Name()]
	if !ok {
		set = make(map[string]struct{})
		b.keys[kind.Name()] = set
	}
	set[key] = struct{}{}
	b.c.Wait()
	return true, nil
}

func (b *Backend) IsInitialized(_ context.Context) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inited
}

func (b *Backend) IsAvailable(_ context.Context) bool { return true }

func (b *Backend) Close() error {
	b.c.Close()
	return nil
}
