package util

import (
	"github.com/holiman/uint256"
)

const (
	compactSignBit  = 0x00800000
	compactMantissa = 0x007fffff
)

// DecodeCompact converts a compact (nBits) value to a 256-bit target.
//
// The high byte is the number of significant bytes of the target, the low
// 23 bits are the mantissa and bit 23 is a sign flag. Shifts are performed
// on a fixed 256-bit integer, so bits pushed past the top are discarded;
// the overflow flag reports when that happens. A target decoded with
// either flag set must not be used for consensus.
func DecodeCompact(bits uint32) (target *uint256.Int, negative bool, overflow bool) {
	size := bits >> 24
	word := bits & compactMantissa

	target = new(uint256.Int)
	if size <= 3 {
		target.SetUint64(uint64(word >> (8 * (3 - size))))
	} else {
		target.SetUint64(uint64(word))
		target.Lsh(target, uint(8*(size-3)))
	}

	negative = bits&compactSignBit != 0
	overflow = word != 0 && (size > 34 ||
		(word > 0xff && size > 33) ||
		(word > 0xffff && size > 32))
	return target, negative, overflow
}

// EncodeCompact converts a 256-bit target to its compact (nBits) form.
// Only the 23 most significant bits survive; lower bits are truncated.
func EncodeCompact(target *uint256.Int) uint32 {
	size := uint32((target.BitLen() + 7) / 8)

	var word uint64
	if size <= 3 {
		word = target.Uint64() << (8 * (3 - size))
	} else {
		word = new(uint256.Int).Rsh(target, uint(8*(size-3))).Uint64()
	}
	compact := uint32(word)

	// Keep the sign bit clear by moving one byte into the exponent.
	if compact&compactSignBit != 0 {
		compact >>= 8
		size++
	}

	return compact | size<<24
}

// CompactToTarget decodes a compact value, ignoring the sign and overflow flags.
func CompactToTarget(bits uint32) *uint256.Int {
	target, _, _ := DecodeCompact(bits)
	return target
}

// TargetToCompact is EncodeCompact.
func TargetToCompact(target *uint256.Int) uint32 {
	return EncodeCompact(target)
}
