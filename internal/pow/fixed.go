package pow

import (
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// nextFixedInterval implements the main-network schedule: retarget on
// interval boundaries and on the first two fork heights, every block from
// fork three, and a one-off reset to the neo limit at fork four.
func (r *Retargeter) nextFixedInterval(view ChainView, prev *types.IndexedHeader, candidate *types.BlockHeader) (uint32, error) {
	p := r.params
	height := prev.Height + 1

	if height == p.Forks.Four {
		bits := util.EncodeCompact(p.PowNeoLimit)
		r.logger.Info("neo limit reset",
			zap.Int64("height", height),
			zap.String("bits", bitsHex(bits)),
		)
		return bits, nil
	}

	era := p.EraAt(height)
	interval := era.Interval()

	forced := height == p.Forks.One || height == p.Forks.Two || height >= p.Forks.Three
	if !forced && height%interval != 0 {
		if p.AllowMinDifficultyBlocks {
			return r.minDifficultyBits(view, prev, candidate, interval)
		}
		return prev.Bits(), nil
	}

	// The first retarget after genesis cannot reach a full interval back.
	span := interval
	if span >= height {
		span = height - 1
	}
	first, err := ancestor(view, prev, span)
	if err != nil {
		return 0, err
	}

	if p.NoRetargeting {
		return prev.Bits(), nil
	}

	measured := prev.Timestamp() - first.Timestamp()
	avg, err := r.smoothedTimespan(view, prev, era, span, measured)
	if err != nil {
		return 0, err
	}

	actual := avg
	if era.Damping.Enabled() {
		actual = era.Damping.Apply(avg, era.Timespan)
	}
	actual = clamp(actual, era.MinTimespan(), era.MaxTimespan())

	bits := r.retarget(prev.Bits(), actual, era.Timespan)
	r.logger.Debug("retarget",
		zap.Int64("height", height),
		zap.Int64("interval", interval),
		zap.Int64("measured_timespan", measured),
		zap.Int64("actual_timespan", actual),
		zap.Int64("target_timespan", era.Timespan),
		zap.String("prev_bits", bitsHex(prev.Bits())),
		zap.String("bits", bitsHex(bits)),
	)
	return bits, nil
}

// smoothedTimespan averages the measured timespan according to the era's
// smoothing mode.
func (r *Retargeter) smoothedTimespan(view ChainView, prev *types.IndexedHeader, era chaincfg.Era, span, measured int64) (int64, error) {
	switch era.Smoothing {
	case chaincfg.SmoothingDualWindow:
		// A window four times as long, scaled back to one interval.
		longFirst, err := ancestor(view, prev, span*4)
		if err != nil {
			return 0, err
		}
		long := (prev.Timestamp() - longFirst.Timestamp()) / 4
		return (measured + long) / 2, nil

	case chaincfg.SmoothingTripleWindow:
		// Per-block averages over three windows, unavailable ones seeded
		// with the era timespan.
		limit := era.Windows[2]
		var sum int64
		for _, w := range era.Windows {
			avg, _, err := windowAverage(view, prev, w, w, limit, era.Timespan)
			if err != nil {
				return 0, err
			}
			sum += avg
		}
		return sum / 3, nil

	default:
		return measured, nil
	}
}

// minDifficultyBits applies the minimum-difficulty rule between retargets:
// a block stamped more than twice the target spacing after its parent may
// use the limit, otherwise it inherits the last non-limit target of the
// current interval.
func (r *Retargeter) minDifficultyBits(view ChainView, prev *types.IndexedHeader, candidate *types.BlockHeader, interval int64) (uint32, error) {
	if candidate == nil {
		return 0, ErrMissingCandidate
	}
	limitBits := r.params.PowLimitBits()
	if int64(candidate.Timestamp) > prev.Timestamp()+2*r.params.TargetSpacing {
		return limitBits, nil
	}

	h := prev
	for h.Height > 0 && h.Height%interval != 0 && h.Bits() == limitBits {
		parent, err := ancestor(view, h, 1)
		if err != nil {
			return 0, err
		}
		h = parent
	}
	return h.Bits(), nil
}
