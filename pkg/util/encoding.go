package util

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
)

// ErrShortVarInt is returned when the buffer ends inside a varint.
var ErrShortVarInt = errors.New("varint truncated")

// HexToBytes parses unprefixed hex as used in RPC replies and the CLI.
func HexToBytes(s string) ([]byte, error) {
	return hex.DecodeString(s)
}

// BytesToHex formats b as lowercase hex, in storage order.
func BytesToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// WriteVarInt encodes val in the Bitcoin CompactSize form that prefixes
// header batches: one byte below 0xfd, otherwise a 0xfd, 0xfe or 0xff
// marker followed by a 2, 4 or 8 byte little-endian value.
func WriteVarInt(val uint64) []byte {
	var b []byte
	switch {
	case val < 0xfd:
		return []byte{byte(val)}
	case val <= 0xffff:
		b = make([]byte, 3)
		b[0] = 0xfd
		binary.LittleEndian.PutUint16(b[1:], uint16(val))
	case val <= 0xffffffff:
		b = make([]byte, 5)
		b[0] = 0xfe
		binary.LittleEndian.PutUint32(b[1:], uint32(val))
	default:
		b = make([]byte, 9)
		b[0] = 0xff
		binary.LittleEndian.PutUint64(b[1:], val)
	}
	return b
}

// ReadVarInt decodes the varint at the start of data and reports how many
// bytes it occupied.
func ReadVarInt(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, fmt.Errorf("%w: empty input", ErrShortVarInt)
	}

	size := 1
	switch data[0] {
	case 0xfd:
		size = 3
	case 0xfe:
		size = 5
	case 0xff:
		size = 9
	}
	if len(data) < size {
		return 0, 0, fmt.Errorf("%w: marker %#02x needs %d bytes, have %d", ErrShortVarInt, data[0], size, len(data))
	}

	switch size {
	case 3:
		return uint64(binary.LittleEndian.Uint16(data[1:3])), size, nil
	case 5:
		return uint64(binary.LittleEndian.Uint32(data[1:5])), size, nil
	case 9:
		return binary.LittleEndian.Uint64(data[1:9]), size, nil
	default:
		return uint64(data[0]), size, nil
	}
}
