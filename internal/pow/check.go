package pow

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// CheckProofOfWork reports whether hash, read as a 256-bit number, meets the
// target encoded by bits. The target must decode to a positive value no
// higher than the network limit.
func CheckProofOfWork(hash *uint256.Int, bits uint32, params *chaincfg.Params) bool {
	target, negative, overflow := util.DecodeCompact(bits)
	if negative || overflow || target.IsZero() || target.Gt(params.PowLimit) {
		return false
	}
	return !hash.Gt(target)
}

// CheckHeaderProofOfWork hashes header with the network's PoW function and
// checks it against the header's own bits.
func CheckHeaderProofOfWork(header *types.BlockHeader, params *chaincfg.Params) (bool, error) {
	h, err := header.PoWHash(params.PoWHash)
	if err != nil {
		return false, fmt.Errorf("pow hash: %w", err)
	}
	return CheckProofOfWork(util.HashToTarget(h), header.Bits, params), nil
}
