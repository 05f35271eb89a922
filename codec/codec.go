// Package codec provides pluggable serialization for stored items and the
// bridge between a value codec and a storetypes.Kind.
package codec

// Codec encodes/decodes values V to []byte for persistence.
type Codec[V any] interface {
	Encode(V) ([]byte, error)
	Decode([]byte) (V, error)
}
