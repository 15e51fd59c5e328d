package testutil

import (
	"github.com/holiman/uint256"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// GenesisTime is the timestamp of every fixture chain's genesis header.
const GenesisTime = 1700000000

// SampleHeader returns a header with the given linkage, time and bits.
func SampleHeader(prev [32]byte, timestamp int64, bits, nonce uint32) types.BlockHeader {
	return types.BlockHeader{
		Version:   2,
		PrevBlock: prev,
		Timestamp: uint32(timestamp),
		Bits:      bits,
		Nonce:     nonce,
	}
}

// HeaderChain is an in-memory linear chain indexed by height.
type HeaderChain []*types.IndexedHeader

// HeaderAt returns the header at height, if present.
func (c HeaderChain) HeaderAt(height int64) (*types.IndexedHeader, bool) {
	if height < 0 || height >= int64(len(c)) {
		return nil, false
	}
	return c[height], true
}

// Tip returns the highest header.
func (c HeaderChain) Tip() *types.IndexedHeader {
	if len(c) == 0 {
		return nil
	}
	return c[len(c)-1]
}

// Extend appends count linked headers spaced by spacing seconds, all with bits.
func (c HeaderChain) Extend(count int, spacing int64, bits uint32) HeaderChain {
	var prevHash [32]byte
	next := int64(GenesisTime)
	if tip := c.Tip(); tip != nil {
		prevHash = tip.Hash()
		next = tip.Timestamp() + spacing
	}
	for i := 0; i < count; i++ {
		h := types.NewIndexedHeader(int64(len(c)), SampleHeader(prevHash, next, bits, uint32(len(c))))
		c = append(c, h)
		prevHash = h.Hash()
		next += spacing
	}
	return c
}

// BuildChain returns count linked headers starting at GenesisTime.
func BuildChain(count int, spacing int64, bits uint32) HeaderChain {
	return HeaderChain(nil).Extend(count, spacing, bits)
}

// ChainFromTimes builds a linked chain with one header per timestamp.
func ChainFromTimes(times []int64, bits uint32) HeaderChain {
	c := make(HeaderChain, 0, len(times))
	var prevHash [32]byte
	for i, ts := range times {
		h := types.NewIndexedHeader(int64(i), SampleHeader(prevHash, ts, bits, uint32(i)))
		c = append(c, h)
		prevHash = h.Hash()
	}
	return c
}

// SyntheticChain generates headers on demand, so chains millions of blocks
// tall can be described without materialising them. Headers are not linked.
type SyntheticChain struct {
	Height int64
	TimeAt func(height int64) int64
	BitsAt func(height int64) uint32
}

// HeaderAt builds the header at height.
func (c *SyntheticChain) HeaderAt(height int64) (*types.IndexedHeader, bool) {
	if height < 0 || height > c.Height {
		return nil, false
	}
	hdr := SampleHeader([32]byte{}, c.TimeAt(height), c.BitsAt(height), uint32(height))
	return types.NewIndexedHeader(height, hdr), true
}

// Tip builds the header at Height.
func (c *SyntheticChain) Tip() *types.IndexedHeader {
	h, _ := c.HeaderAt(c.Height)
	return h
}

// Steady returns a synthetic chain of regularly spaced headers with fixed bits.
func Steady(height, spacing int64, bits uint32) *SyntheticChain {
	return &SyntheticChain{
		Height: height,
		TimeAt: func(h int64) int64 { return GenesisTime + h*spacing },
		BitsAt: func(int64) uint32 { return bits },
	}
}

// MineHeader increments the nonce until the header's double-SHA256 hash
// meets its own bits. Only usable with easy targets.
func MineHeader(h *types.BlockHeader) {
	target := util.CompactToTarget(h.Bits)
	for !util.HashMeetsTarget(h.Hash(), target) {
		h.Nonce++
	}
}

// EasyTarget returns a very easy target for testing (any hash will pass).
func EasyTarget() *uint256.Int {
	return new(uint256.Int).SetAllOne()
}
