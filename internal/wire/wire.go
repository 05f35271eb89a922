// Package wire frames serialized items for byte-oriented backends that can
// store only a single opaque value per key. The frame carries the item
// version and the deleted flag so such backends can still answer reads with
// full metadata.
package wire

import (
	"bytes"
	"encoding/binary"
	"errors"
)

const version byte = 1

const flagDeleted byte = 1 << 0

var (
	ErrCorrupt = errors.New("flagstore: corrupt entry")
	magic4     = [...]byte{'F', 'S', 'T', 'R'}
)

func hasMagic(b []byte) bool {
	return len(b) >= 4 && bytes.Equal(b[:4], magic4[:])
}

// Item frame: magic(4) | ver(1) | flags(1) | itemVersion(u64 be) | vlen(u32 be) | payload(vlen)
func EncodeItem(itemVersion int, deleted bool, payload []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(4 + 1 + 1 + 8 + 4 + len(payload))

	buf.Write(magic4[:])
	buf.WriteByte(version)

	var flags byte
	if deleted {
		flags |= flagDeleted
	}
	buf.WriteByte(flags)

	var u8 [8]byte
	var u4 [4]byte

	binary.BigEndian.PutUint64(u8[:], uint64(itemVersion))
	buf.Write(u8[:])

	binary.BigEndian.PutUint32(u4[:], uint32(len(payload)))
	buf.Write(u4[:])

	buf.Write(payload)
	return buf.Bytes()
}

func DecodeItem(b []byte) (itemVersion int, deleted bool, payload []byte, err error) {
	const hdr = 4 + 1 + 1 + 8 + 4
	if len(b) < hdr || !hasMagic(b) || b[4] != version {
		return 0, false, nil, ErrCorrupt
	}

	deleted = b[5]&flagDeleted != 0
	off := 6

	itemVersion = int(binary.BigEndian.Uint64(b[off : off+8]))
	off += 8

	vlen := int(binary.BigEndian.Uint32(b[off : off+4]))
	off += 4
	if vlen < 0 || vlen > len(b)-off { // overflow-safe bound check
		return 0, false, nil, ErrCorrupt
	}

	return itemVersion, deleted, b[off : off+vlen], nil
}
