// Package pow computes the required proof-of-work target of the next block
// and checks headers against their claimed target.
package pow

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

var (
	// ErrAncestorUnavailable is returned when the chain view cannot supply a
	// header the calculation needs.
	ErrAncestorUnavailable = errors.New("ancestor header unavailable")

	// ErrMissingCandidate is returned when the minimum-difficulty rule needs
	// the candidate header's timestamp and none was supplied.
	ErrMissingCandidate = errors.New("candidate header required")
)

// retargetShiftBits is the bit length above which the target is halved
// before multiplying by the timespan. Together with
// chaincfg.MaxRetargetLimitBits this keeps the product inside 256 bits.
const retargetShiftBits = 235

// ChainView gives read access to the ancestors of the block being retargeted.
// HeaderAt must return the header at height on the branch that ends in the
// previous block.
type ChainView interface {
	HeaderAt(height int64) (*types.IndexedHeader, bool)
}

// Retargeter computes next-block targets for one network.
type Retargeter struct {
	params *chaincfg.Params
	logger *zap.Logger
}

// NewRetargeter validates params and returns a retargeter for them.
func NewRetargeter(params *chaincfg.Params, logger *zap.Logger) (*Retargeter, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Retargeter{params: params, logger: logger}, nil
}

// Params returns the network parameters.
func (r *Retargeter) Params() *chaincfg.Params {
	return r.params
}

// GetNextRequiredTarget is a convenience wrapper that builds a Retargeter
// for params and computes one target.
func GetNextRequiredTarget(view ChainView, prev *types.IndexedHeader, candidate *types.BlockHeader, params *chaincfg.Params) (uint32, error) {
	r, err := NewRetargeter(params, nil)
	if err != nil {
		return 0, err
	}
	return r.NextRequiredTarget(view, prev, candidate)
}

// NextRequiredTarget returns the compact target the block following prev
// must carry. prev is nil for the genesis block. candidate is the header
// being validated; only its timestamp is read, and only on networks that
// allow minimum-difficulty blocks.
func (r *Retargeter) NextRequiredTarget(view ChainView, prev *types.IndexedHeader, candidate *types.BlockHeader) (uint32, error) {
	if prev == nil {
		return r.params.PowLimitBits(), nil
	}
	if r.params.Algorithm == chaincfg.AlgorithmAdaptive {
		return r.nextAdaptive(view, prev)
	}
	return r.nextFixedInterval(view, prev, candidate)
}

// retarget scales the target encoded by prevBits by actual/timespan and
// caps the result at the network limit.
func (r *Retargeter) retarget(prevBits uint32, actual, timespan int64) uint32 {
	target := util.CompactToTarget(prevBits)

	shift := target.BitLen() > retargetShiftBits
	if shift {
		target.Rsh(target, 1)
	}
	target.Mul(target, uint256.NewInt(uint64(actual)))
	target.Div(target, uint256.NewInt(uint64(timespan)))
	if shift {
		target.Lsh(target, 1)
	}

	if target.Gt(r.params.PowLimit) {
		target.Set(r.params.PowLimit)
	}
	return util.EncodeCompact(target)
}

// ancestor returns the header depth blocks below tip.
func ancestor(view ChainView, tip *types.IndexedHeader, depth int64) (*types.IndexedHeader, error) {
	if depth == 0 {
		return tip, nil
	}
	height := tip.Height - depth
	if height < 0 {
		return nil, fmt.Errorf("%w: height %d below genesis (tip %d)", ErrAncestorUnavailable, height, tip.Height)
	}
	h, ok := view.HeaderAt(height)
	if !ok || h == nil {
		return nil, fmt.Errorf("%w: height %d (tip %d)", ErrAncestorUnavailable, height, tip.Height)
	}
	return h, nil
}

// windowAverage returns the mean block interval over the depth blocks below
// tip, as (tip.time - ancestor.time) / divisor. If depth exceeds limit or
// reaches below genesis the window is unavailable and def is returned.
func windowAverage(view ChainView, tip *types.IndexedHeader, depth, divisor, limit, def int64) (int64, bool, error) {
	if depth > limit || depth > tip.Height {
		return def, false, nil
	}
	first, err := ancestor(view, tip, depth)
	if err != nil {
		return 0, false, err
	}
	return (tip.Timestamp() - first.Timestamp()) / divisor, true, nil
}

func clamp(v, lo, hi int64) int64 {
	if v < lo {
		v = lo
	}
	if v > hi {
		v = hi
	}
	return v
}

func bitsHex(bits uint32) string {
	return fmt.Sprintf("%08x", bits)
}
