package types

import (
	"github.com/holiman/uint256"

	"github.com/djkazic/retargetd/pkg/util"
)

// HeaderDifficulty returns the header's difficulty relative to the max target.
func HeaderDifficulty(header *BlockHeader, maxTarget *uint256.Int) float64 {
	target, negative, overflow := util.DecodeCompact(header.Bits)
	if negative || overflow || target.IsZero() {
		return 0
	}
	return util.TargetToDifficulty(target, maxTarget)
}
