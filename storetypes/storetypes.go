// Package storetypes defines the data model shared between flagstore, its
// backends, and the SDK layers above it.
//
// Items are versioned, string-keyed values grouped into kinds (e.g. flags,
// segments). A deletion is represented as a tombstone: an ItemDescriptor
// whose Item is nil but whose Version is set, so version ordering survives
// deletes.
package storetypes

// Kind identifies a category of stored items and carries the serialization
// for that category. Implementations must be immutable; a Kind value is used
// as a map key by its Name.
type Kind interface {
	// Name returns a short unique name for the category, e.g. "features".
	Name() string
	// Serialize encodes an item (or tombstone) to its persisted form.
	Serialize(item ItemDescriptor) ([]byte, error)
	// Deserialize decodes the persisted form back into an item descriptor.
	// Tombstone payloads must decode to a descriptor with a nil Item.
	Deserialize(data []byte) (ItemDescriptor, error)
}

// ItemDescriptor is a versioned item as used above the serialization
// boundary. A nil Item with a non-zero Version is a tombstone.
type ItemDescriptor struct {
	Version int
	Item    any
}

// Tombstone returns a deleted-item placeholder at the given version.
func Tombstone(version int) ItemDescriptor {
	return ItemDescriptor{Version: version}
}

// SerializedItemDescriptor is the wire form persisted by a backend.
//
// Backends that cannot store Version and Deleted separately from the payload
// may return {Version: 0, Deleted: false} on reads; consumers recover the
// true values by deserializing Payload through the item's Kind.
type SerializedItemDescriptor struct {
	Version int
	Deleted bool
	Payload []byte
}

// KeyedItemDescriptor pairs a key with its item.
type KeyedItemDescriptor struct {
	Key  string
	Item ItemDescriptor
}

// KeyedSerializedItemDescriptor pairs a key with its serialized item.
type KeyedSerializedItemDescriptor struct {
	Key  string
	Item SerializedItemDescriptor
}

// Collection is all items of one kind, in a defined order. A full data set
// is a []Collection; slice order is meaningful (kinds that reference other
// kinds come after their dependencies).
type Collection struct {
	Kind  Kind
	Items []KeyedItemDescriptor
}

// SerializedCollection is the serialized counterpart of Collection.
type SerializedCollection struct {
	Kind  Kind
	Items []KeyedSerializedItemDescriptor
}
