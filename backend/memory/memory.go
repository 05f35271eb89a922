// Package memory provides a deterministic in-process Backend with full
// version/deleted metadata. Intended for tests and single-process
// deployments that want the store contract without external storage.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

type Backend struct {
	mu     sync.RWMutex
	data   map[string]map[string]storetypes.SerializedItemDescriptor // kind name -> key -> item
	inited bool
}

var _ backend.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{data: make(map[string]map[string]storetypes.SerializedItemDescriptor)}
}

func (b *Backend) Init(_ context.Context, allData []storetypes.SerializedCollection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = make(map[string]map[string]storetypes.SerializedItemDescriptor, len(allData))
	for _, coll := range allData {
		items := make(map[string]storetypes.SerializedItemDescriptor, len(coll.Items))
		for _, ki := range coll.Items {
			items[ki.Key] = ki.Item
		}
		b.data[coll.Kind.Name()] = items
	}
	b.inited = true
	return nil
}

func (b *Backend) Get(_ context.Context, kind storetypes.Kind, key string) (storetypes.SerializedItemDescriptor, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	item, ok := b.data[kind.Name()][key]
	return item, ok, nil
}

func (b *Backend) GetAll(_ context.Context, kind storetypes.Kind) ([]storetypes.KeyedSerializedItemDescriptor, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	items := b.data[kind.Name()]
	out := make([]storetypes.KeyedSerializedItemDescriptor, 0, len(items))
	for k, item := range items {
		out = append(out, storetypes.KeyedSerializedItemDescriptor{Key: k, Item: item})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Upsert applies the write iff item.Version strictly exceeds the stored
// version; ties are rejected.
func (b *Backend) Upsert(_ context.Context, kind storetypes.Kind, key string, item storetypes.SerializedItemDescriptor) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	items, ok := b.data[kind.Name()]
	if !ok {
		items = make(map[string]storetypes.SerializedItemDescriptor)
		b.data[kind.Name()] = items
	}
	if old, ok := items[key]; ok && old.Version >= item.Version {
		return false, nil
	}
	items[key] = item
	return true, nil
}

func (b *Backend) IsInitialized(_ context.Context) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.inited
}

func (b *Backend) IsAvailable(_ context.Context) bool { return true }

func (b *Backend) Close() error { return nil }
