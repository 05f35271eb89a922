package codec

import (
	"fmt"

	"github.com/unkn0wn-root/flagstore/internal/wire"
	"github.com/unkn0wn-root/flagstore/storetypes"
)

// kind adapts a Codec[V] into a storetypes.Kind. The persisted payload is a
// small self-describing frame (item version + deleted flag + encoded value),
// so backends that cannot store metadata out-of-band still round-trip
// versions and tombstones through the payload alone.
type kind[V any] struct {
	name  string
	codec Codec[V]
}

// KindOf builds a Kind named name whose items are values of type V encoded
// with c. Tombstones serialize to a frame with no value payload.
func KindOf[V any](name string, c Codec[V]) storetypes.Kind {
	return kind[V]{name: name, codec: c}
}

func (k kind[V]) Name() string { return k.name }

func (k kind[V]) Serialize(item storetypes.ItemDescriptor) ([]byte, error) {
	if item.Item == nil {
		return wire.EncodeItem(item.Version, true, nil), nil
	}
	v, ok := item.Item.(V)
	if !ok {
		return nil, fmt.Errorf("codec: kind %q cannot serialize %T", k.name, item.Item)
	}
	payload, err := k.codec.Encode(v)
	if err != nil {
		return nil, err
	}
	return wire.EncodeItem(item.Version, false, payload), nil
}

func (k kind[V]) Deserialize(data []byte) (storetypes.ItemDescriptor, error) {
	version, deleted, payload, err := wire.DecodeItem(data)
	if err != nil {
		return storetypes.ItemDescriptor{}, err
	}
	if deleted {
		return storetypes.Tombstone(version), nil
	}
	v, err := k.codec.Decode(payload)
	if err != nil {
		return storetypes.ItemDescriptor{}, err
	}
	return storetypes.ItemDescriptor{Version: version, Item: v}, nil
}
