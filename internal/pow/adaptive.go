package pow

import (
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/types"
)

// nextAdaptive retargets every block from a weighted average of the mean
// block interval over a short, medium and long window, damped towards the
// target spacing and clamped. Windows the chain is not yet tall enough to
// measure are seeded with the target timespan.
func (r *Retargeter) nextAdaptive(view ChainView, prev *types.IndexedHeader) (uint32, error) {
	p := r.params
	height := prev.Height + 1
	era := p.Adaptive.EraAt(height)
	timespan := p.TargetTimespan

	// The walk back from prev stops after LongInterval-1 steps; shorter
	// windows are only sampled on the way.
	limit := era.LongInterval - 1

	short, _, err := windowAverage(view, prev, era.ShortInterval, era.ShortInterval, limit, timespan)
	if err != nil {
		return 0, err
	}
	medium, _, err := windowAverage(view, prev, era.MediumInterval, era.MediumInterval, limit, timespan)
	if err != nil {
		return 0, err
	}
	long, longOK, err := windowAverage(view, prev, limit, era.LongInterval, limit, timespan)
	if err != nil {
		return 0, err
	}

	weighted := (short*era.ShortWeight + medium*era.MediumWeight + long*era.LongWeight) / era.TotalWeight()
	actual := era.Damping.Apply(weighted, timespan)

	minTimespan := era.MinClamp.Apply(timespan)
	maxTimespan := era.MaxClamp.Apply(timespan)
	if era.CapToLongAverage && longOK {
		if c := 2 * long; c < maxTimespan {
			maxTimespan = max(c, minTimespan)
		}
	}
	actual = clamp(actual, minTimespan, maxTimespan)

	bits := r.retarget(prev.Bits(), actual, timespan)
	r.logger.Debug("adaptive retarget",
		zap.Int64("height", height),
		zap.Int64("short_avg", short),
		zap.Int64("medium_avg", medium),
		zap.Int64("long_avg", long),
		zap.Int64("weighted", weighted),
		zap.Int64("actual_timespan", actual),
		zap.String("prev_bits", bitsHex(prev.Bits())),
		zap.String("bits", bitsHex(bits)),
	)
	return bits, nil
}
