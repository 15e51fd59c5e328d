package types

import (
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/crypto/scrypt"

	"github.com/djkazic/retargetd/pkg/util"
)

// HeaderSize is the length of a serialized block header.
const HeaderSize = 80

// HashAlgorithm selects the proof-of-work hash applied to a serialized header.
type HashAlgorithm string

const (
	// HashScrypt is scrypt(N=1024, r=1, p=1) keyed with the header itself.
	HashScrypt HashAlgorithm = "scrypt"
	// HashSHA256d is the double-SHA256 identity hash.
	HashSHA256d HashAlgorithm = "sha256d"
)

// BlockHeader is the 80-byte block header.
type BlockHeader struct {
	Version    int32    `json:"version"`
	PrevBlock  [32]byte `json:"prev_block"`
	MerkleRoot [32]byte `json:"merkle_root"`
	Timestamp  uint32   `json:"timestamp"`
	Bits       uint32   `json:"bits"` // compact difficulty target
	Nonce      uint32   `json:"nonce"`
}

// Serialize serializes the header to its 80-byte wire form.
func (h *BlockHeader) Serialize() []byte {
	buf := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.Version))
	copy(buf[4:36], h.PrevBlock[:])
	copy(buf[36:68], h.MerkleRoot[:])
	binary.LittleEndian.PutUint32(buf[68:72], h.Timestamp)
	binary.LittleEndian.PutUint32(buf[72:76], h.Bits)
	binary.LittleEndian.PutUint32(buf[76:80], h.Nonce)
	return buf
}

// DeserializeHeader parses an 80-byte wire header.
func DeserializeHeader(data []byte) (*BlockHeader, error) {
	if len(data) != HeaderSize {
		return nil, fmt.Errorf("header must be %d bytes, got %d", HeaderSize, len(data))
	}
	h := &BlockHeader{
		Version:   int32(binary.LittleEndian.Uint32(data[0:4])),
		Timestamp: binary.LittleEndian.Uint32(data[68:72]),
		Bits:      binary.LittleEndian.Uint32(data[72:76]),
		Nonce:     binary.LittleEndian.Uint32(data[76:80]),
	}
	copy(h.PrevBlock[:], data[4:36])
	copy(h.MerkleRoot[:], data[36:68])
	return h, nil
}

// Hash computes the double-SHA256 identity hash of the header.
func (h *BlockHeader) Hash() [32]byte {
	return util.DoubleSHA256(h.Serialize())
}

// PoWHash computes the hash that is compared against the difficulty target.
func (h *BlockHeader) PoWHash(alg HashAlgorithm) ([32]byte, error) {
	switch alg {
	case HashSHA256d, "":
		return h.Hash(), nil
	case HashScrypt:
		data := h.Serialize()
		key, err := scrypt.Key(data, data, 1024, 1, 1, 32)
		if err != nil {
			return [32]byte{}, fmt.Errorf("scrypt: %w", err)
		}
		var out [32]byte
		copy(out[:], key)
		return out, nil
	default:
		return [32]byte{}, fmt.Errorf("unknown pow hash algorithm %q", alg)
	}
}

// Time returns the header's timestamp as a time.Time.
func (h *BlockHeader) Time() time.Time {
	return time.Unix(int64(h.Timestamp), 0)
}

// IndexedHeader is a header together with its height in the chain.
type IndexedHeader struct {
	Height int64       `json:"height"`
	Header BlockHeader `json:"header"`

	hash *[32]byte
}

// NewIndexedHeader wraps a header at the given height.
func NewIndexedHeader(height int64, header BlockHeader) *IndexedHeader {
	return &IndexedHeader{Height: height, Header: header}
}

// Hash returns the header's identity hash. Cached after first computation.
func (ih *IndexedHeader) Hash() [32]byte {
	if ih.hash != nil {
		return *ih.hash
	}
	h := ih.Header.Hash()
	ih.hash = &h
	return h
}

// HashHex returns the hash in display order.
func (ih *IndexedHeader) HashHex() string {
	return util.HashToHex(ih.Hash())
}

// Timestamp returns the header timestamp as a signed value for timespan arithmetic.
func (ih *IndexedHeader) Timestamp() int64 {
	return int64(ih.Header.Timestamp)
}

// Bits returns the header's compact target.
func (ih *IndexedHeader) Bits() uint32 {
	return ih.Header.Bits
}
