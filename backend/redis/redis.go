// Package redis implements the flagstore backend on Redis. Items of one
// kind live in one hash under a configurable prefix.
//
// This backend persists only the serialized payload, so reads report
// Version 0 and Deleted false; flagstore recovers the true values from the
// payload via the kind's deserializer. Kinds must therefore serialize
// tombstones into the payload (codec.KindOf does).
//
// Upsert uses WATCH-based optimistic concurrency: the stored payload is
// read and deserialized to learn the current version, and the write is
// retried when a concurrent writer touches the hash mid-transaction.
package redis

import (
	"context"
	"errors"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/flagstore/backend"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

var ErrNilClient = errors.New("redis backend: nil client")

const (
	defaultPrefix = "flagstore"
	initedField   = "$inited"
)

type Backend struct {
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ backend.Backend = (*Backend)(nil)

type Config struct {
	Client goredis.UniversalClient
	// Prefix namespaces all keys; defaults to "flagstore". Use distinct
	// prefixes for SDK environments sharing one Redis.
	Prefix string
	// CloseClient should be set only if this backend exclusively owns the
	// client.
	CloseClient bool
}

func New(cfg Config) (*Backend, error) {
	if cfg.Client == nil {
		return nil, ErrNilClient
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Backend{rdb: cfg.Client, prefix: prefix, closeClient: cfg.CloseClient}, nil
}

func (b *Backend) kindKey(kind storetypes.Kind) string { return b.prefix + ":" + kind.Name() }
func (b *Backend) initedKey() string                   { return b.prefix + ":" + initedField }

func (b *Backend) Init(ctx context.Context, allData []storetypes.SerializedCollection) error {
	_, err := b.rdb.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		for _, coll := range allData {
			key := b.kindKey(coll.Kind)
			p.Del(ctx, key)
			for _, ki := range coll.Items {
				p.HSet(ctx, key, ki.Key, ki.Item.Payload)
			}
		}
		p.Set(ctx, b.initedKey(), "1", 0)
		return nil
	})
	return err
}

func (b *Backend) Get(ctx context.Context, kind storetypes.Kind, key string) (storetypes.SerializedItemDescriptor, bool, error) {
	payload, err := b.rdb.HGet(ctx, b.kindKey(kind), key).Bytes()
	if err == goredis.Nil {
		return storetypes.SerializedItemDescriptor{}, false, nil
	}
	if err != nil {
		return storetypes.SerializedItemDescriptor{}, false, err
	}
	return storetypes.SerializedItemDescriptor{Payload: payload}, true, nil
}

func (b *Backend) GetAll(ctx context.Context, kind storetypes.Kind) ([]storetypes.KeyedSerializedItemDescriptor, error) {
	m, err := b.rdb.HGetAll(ctx, b.kindKey(kind)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]storetypes.KeyedSerializedItemDescriptor, 0, len(m))
	for k, v := range m {
		out = append(out, storetypes.KeyedSerializedItemDescriptor{
			Key:  k,
			Item: storetypes.SerializedItemDescriptor{Payload: []byte(v)},
		})
	}
	return out, nil
}

func (b *Backend) Upsert(ctx context.Context, kind storetypes.Kind, key string, item storetypes.SerializedItemDescriptor) (bool, error) {
	hashKey := b.kindKey(kind)
	for {
		var applied bool
		err := b.rdb.Watch(ctx, func(tx *goredis.Tx) error {
			old, err := tx.HGet(ctx, hashKey, key).Bytes()
			oldVersion := 0
			switch {
			case err == goredis.Nil:
				// absent counts as version 0
			case err != nil:
				return err
			default:
				desc, derr := kind.Deserialize(old)
				if derr != nil {
					return derr
				}
				oldVersion = desc.Version
			}

			if oldVersion >= item.Version {
				applied = false
				return nil
			}

			_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
				p.HSet(ctx, hashKey, key, item.Payload)
				return nil
			})
			if err == nil {
				applied = true
			}
			return err
		}, hashKey)

		if err == goredis.TxFailedErr {
			// concurrent writer touched the hash; retry
			continue
		}
		return applied, err
	}
}

func (b *Backend) IsInitialized(ctx context.Context) bool {
	n, err := b.rdb.Exists(ctx, b.initedKey()).Result()
	return err == nil && n > 0
}

func (b *Backend) IsAvailable(ctx context.Context) bool {
	return b.rdb.Ping(ctx).Err() == nil
}

// Close releases the underlying redis client only when this backend owns it.
// Safe to call multiple times; repeated calls become no-ops.
func (b *Backend) Close() error {
	if b.closeClient {
		if err := b.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
