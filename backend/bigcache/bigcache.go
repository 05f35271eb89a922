// Package bigcache implements an ephemeral in-process flagstore backend on
// allegro/bigcache. Values carry version and deleted flags in a small
// binary frame, so reads return full metadata.
//
// BigCache has no per-entry TTL; entries age out after the configured
// LifeWindow, which reads as "absent" through the store contract. Use it
// for tests and cache-only deployments, not as durable storage.
package bigcache

import (
	"context"
	"strings"
	"sync"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/internal/wire"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

const initedKey = "$inited"

type Backend struct {
	c *bc.BigCache

	// bigcache has no transactions; CAS is serialized here. Fine for an
	// in-process backend.
	mu sync.Mutex
}

var _ backend.Backend = (*Backend)(nil)

type Config struct {
	LifeWindow         time.Duration
	CleanWindow        time.Duration
	MaxEntriesInWindow int
	MaxEntrySize       int
	HardMaxCacheSizeMB int // ~ memory limit; 0 = unlimited
}

func New(cfg Config) (*Backend, error) {
	conf := bc.DefaultConfig(cfg.LifeWindow)
	if cfg.CleanWindow > 0 {
		conf.CleanWindow = cfg.CleanWindow
	}
	if cfg.MaxEntriesInWindow > 0 {
		conf.MaxEntriesInWindow = cfg.MaxEntriesInWindow
	}
	if cfg.MaxEntrySize > 0 {
		conf.MaxEntrySize = cfg.MaxEntrySize
	}
	if cfg.HardMaxCacheSizeMB > 0 {
		conf.HardMaxCacheSize = cfg.HardMaxCacheSizeMB
	}
	c, err := bc.NewBigCache(conf)
	if err != nil {
		return nil, err
	}
	return &Backend{c: c}, nil
}

func storageKey(kind storetypes.Kind, key string) string { return kind.Name() + "/" + key }

func (b *Backend) Init(_ context.Context, allData []storetypes.SerializedCollection) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.c.Reset(); err != nil {
		return err
	}
	for _, coll := range allData {
		for _, ki := range coll.Items {
			framed := wire.EncodeItem(ki.Item.Version, ki.Item.Deleted, ki.Item.Payload)
			if err := b.c.Set(storageKey(coll.Kind, ki.Key), framed); err != nil {
				return err
			}
		}
	}
	return b.c.Set(initedKey, []byte{1})
}

func (b *Backend) Get(_ context.Context, kind storetypes.Kind, key string) (storetypes.SerializedItemDescriptor, bool, error) {
	return b.get(storageKey(kind, key))
}

func (b *Backend) get(k string) (storetypes.SerializedItemDescriptor, bool, error) {
	framed, err := b.c.Get(k)
	if err == bc.ErrEntryNotFound {
		return storetypes.SerializedItemDescriptor{}, false, nil
	}
	if err != nil {
		return storetypes.SerializedItemDescriptor{}, false, err
	}
	version, deleted, payload, err := wire.DecodeItem(framed)
	if err != nil {
		return storetypes.SerializedItemDescriptor{}, false, err
	}
	return storetypes.SerializedItemDescriptor{Version: version, Deleted: deleted, Payload: payload}, true, nil
}

func (b *Backend) GetAll(_ context.Context, kind storetypes.Kind) ([]storetypes.KeyedSerializedItemDescriptor, error) {
	prefix := kind.Name() + "/"
	var out []storetypes.KeyedSerializedItemDescriptor

	it := b.c.Iterator()
	for it.SetNext() {
		entry, err := it.Value()
		if err != nil {
			return nil, err
		}
		if !strings.HasPrefix(entry.Key(), prefix) {
			continue
		}
		version, deleted, payload, err := wire.DecodeItem(entry.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, storetypes.KeyedSerializedItemDescriptor{
			Key:  strings.TrimPrefix(entry.Key(), prefix),
			Item: storetypes.SerializedItemDescriptor{Version: version, Deleted: deleted, Payload: payload},
		})
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
	framed := wire.EncodeItem(item.Version, item.Deleted, item.Payload)
	if err := b.c.Set(k, framed); err != nil {
		return false, err
	}
	return true, nil
}

func (b *Backend) IsInitialized(_ context.Context) bool {
	_, err := b.c.Get(initedKey)
	return err == nil
}

func (b *Backend) IsAvailable(_ context.Context) bool { return true }

func (b *Backend) Close() error { return b.c.Close() }
