// Package chaincfg defines the consensus parameters of each supported network.
package chaincfg

import (
	"errors"
	"fmt"
	"time"

	"github.com/holiman/uint256"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// ErrInvalidParams is returned by Validate for an inconsistent parameter set.
var ErrInvalidParams = errors.New("invalid consensus parameters")

// MaxRetargetLimitBits is the widest limit a retargeting network may use.
// Retargeting halves targets above 235 bits and multiplies by a timespan of
// at most 21 bits, which stays inside 256 bits only up to this width.
const MaxRetargetLimitBits = 236

// Algorithm selects the difficulty retarget algorithm of a network.
type Algorithm string

const (
	// AlgorithmFixedInterval retargets on interval boundaries, with the
	// parameters of each era taking over at its fork height.
	AlgorithmFixedInterval Algorithm = "fixed-interval"
	// AlgorithmAdaptive retargets on every block from a weighted, damped
	// multi-window average of recent block intervals.
	AlgorithmAdaptive Algorithm = "adaptive"
)

// Smoothing selects how the measured timespan of a fixed-interval era is
// averaged before clamping.
type Smoothing int

const (
	SmoothingNone Smoothing = iota
	// SmoothingDualWindow averages the retarget window with a window four
	// times as long.
	SmoothingDualWindow
	// SmoothingTripleWindow averages the per-block interval over three
	// windows (Era.Windows) with equal weights.
	SmoothingTripleWindow
)

// Ratio is a rational multiplier applied with truncating integer division.
type Ratio struct {
	Num int64
	Den int64
}

// Valid reports whether the ratio is positive and well defined.
func (r Ratio) Valid() bool {
	return r.Num > 0 && r.Den > 0
}

// Apply returns v*Num/Den.
func (r Ratio) Apply(v int64) int64 {
	return v * r.Num / r.Den
}

// Damping pulls a measured timespan towards the nominal one:
// (measured + Factor*target) / Divisor.
type Damping struct {
	Factor  int64
	Divisor int64
}

// Enabled reports whether damping applies.
func (d Damping) Enabled() bool {
	return d.Divisor != 0
}

// Apply damps measured towards target.
func (d Damping) Apply(measured, target int64) int64 {
	return (measured + d.Factor*target) / d.Divisor
}

// Era holds the fixed-interval retarget rules that take effect at Height.
type Era struct {
	Height    int64
	Timespan  int64 // seconds
	Spacing   int64 // seconds
	MinClamp  Ratio // lower timespan bound as a fraction of Timespan
	MaxClamp  Ratio // upper timespan bound as a fraction of Timespan
	Smoothing Smoothing
	Damping   Damping
	// Windows are the short, medium and long sample windows (in blocks)
	// used by SmoothingTripleWindow.
	Windows [3]int64
}

// Interval is the number of blocks between retargets.
func (e Era) Interval() int64 {
	return e.Timespan / e.Spacing
}

// MinTimespan is the lower clamp bound.
func (e Era) MinTimespan() int64 {
	return e.MinClamp.Apply(e.Timespan)
}

// MaxTimespan is the upper clamp bound.
func (e Era) MaxTimespan() int64 {
	return e.MaxClamp.Apply(e.Timespan)
}

// ForkHeights are the activation heights of the fixed-interval forks.
// One and Two are hard transitions that force a retarget on their own
// height; from Three on every block retargets; Four resets the target to
// the neo limit once.
type ForkHeights struct {
	One   int64
	Two   int64
	Three int64
	Four  int64
}

// AdaptiveEra holds the adaptive retarget rules that take effect at Height.
type AdaptiveEra struct {
	Height int64

	ShortInterval  int64
	MediumInterval int64
	LongInterval   int64

	ShortWeight  int64
	MediumWeight int64
	LongWeight   int64

	Damping  Damping
	MinClamp Ratio
	MaxClamp Ratio

	// CapToLongAverage additionally bounds the upper clamp to twice the
	// long-window average once the chain is long enough to measure it.
	CapToLongAverage bool
}

// TotalWeight is the sum of the three window weights.
func (e AdaptiveEra) TotalWeight() int64 {
	return e.ShortWeight + e.MediumWeight + e.LongWeight
}

// AdaptiveParams is the ordered list of adaptive eras.
type AdaptiveParams struct {
	Eras []AdaptiveEra
}

// EraAt returns the last adaptive era activated at or below height.
func (a AdaptiveParams) EraAt(height int64) AdaptiveEra {
	era := a.Eras[0]
	for _, e := range a.Eras[1:] {
		if height >= e.Height {
			era = e
		}
	}
	return era
}

// Params defines the consensus rules of a network. A Params value is built
// once and shared read-only.
type Params struct {
	Name      string
	Algorithm Algorithm

	// PowLimit is the highest allowed target (minimum difficulty).
	PowLimit *uint256.Int
	// PowNeoLimit is the target every block at Forks.Four is reset to.
	PowNeoLimit *uint256.Int

	TargetTimespan int64 // seconds
	TargetSpacing  int64 // seconds

	AllowMinDifficultyBlocks bool
	NoRetargeting            bool

	Forks    ForkHeights
	Eras     []Era
	Adaptive AdaptiveParams

	PoWHash types.HashAlgorithm

	// MaxTimeFuture is how far ahead of local time a header may be stamped.
	MaxTimeFuture time.Duration
}

// PowLimitBits is the compact form of PowLimit.
func (p *Params) PowLimitBits() uint32 {
	return util.EncodeCompact(p.PowLimit)
}

// EraAt returns the fixed-interval era in effect at height.
func (p *Params) EraAt(height int64) Era {
	era := p.Eras[0]
	for _, e := range p.Eras[1:] {
		if height >= e.Height {
			era = e
		}
	}
	return era
}

// Validate checks the internal consistency of the parameter set.
func (p *Params) Validate() error {
	if p.PowLimit == nil || p.PowLimit.IsZero() {
		return fmt.Errorf("%w: %s: pow limit must be positive", ErrInvalidParams, p.Name)
	}
	if p.TargetTimespan <= 0 || p.TargetSpacing <= 0 {
		return fmt.Errorf("%w: %s: target timespan and spacing must be positive", ErrInvalidParams, p.Name)
	}
	if !p.NoRetargeting && p.PowLimit.BitLen() > MaxRetargetLimitBits {
		return fmt.Errorf("%w: %s: pow limit wider than %d bits", ErrInvalidParams, p.Name, MaxRetargetLimitBits)
	}

	switch p.Algorithm {
	case AlgorithmFixedInterval:
		return p.validateFixedInterval()
	case AlgorithmAdaptive:
		return p.validateAdaptive()
	default:
		return fmt.Errorf("%w: %s: unknown algorithm %q", ErrInvalidParams, p.Name, p.Algorithm)
	}
}

func (p *Params) validateFixedInterval() error {
	f := p.Forks
	if !(0 < f.One && f.One < f.Two && f.Two < f.Three && f.Three < f.Four) {
		return fmt.Errorf("%w: %s: fork heights must be strictly increasing", ErrInvalidParams, p.Name)
	}
	if p.PowNeoLimit == nil || p.PowNeoLimit.IsZero() {
		return fmt.Errorf("%w: %s: neo limit must be positive", ErrInvalidParams, p.Name)
	}
	if !p.NoRetargeting && p.PowNeoLimit.BitLen() > MaxRetargetLimitBits {
		return fmt.Errorf("%w: %s: neo limit wider than %d bits", ErrInvalidParams, p.Name, MaxRetargetLimitBits)
	}
	if len(p.Eras) == 0 || p.Eras[0].Height != 0 {
		return fmt.Errorf("%w: %s: first era must start at height 0", ErrInvalidParams, p.Name)
	}
	if p.Eras[0].Timespan != p.TargetTimespan || p.Eras[0].Spacing != p.TargetSpacing {
		return fmt.Errorf("%w: %s: genesis era must use the base timespan and spacing", ErrInvalidParams, p.Name)
	}
	for i, e := range p.Eras {
		if i > 0 && e.Height <= p.Eras[i-1].Height {
			return fmt.Errorf("%w: %s: era heights must be strictly increasing", ErrInvalidParams, p.Name)
		}
		if e.Timespan <= 0 || e.Spacing <= 0 || e.Interval() < 1 {
			return fmt.Errorf("%w: %s: era %d has no retarget interval", ErrInvalidParams, p.Name, i)
		}
		if !e.MinClamp.Valid() || !e.MaxClamp.Valid() {
			return fmt.Errorf("%w: %s: era %d clamp must be a positive ratio", ErrInvalidParams, p.Name, i)
		}
		if e.Damping.Divisor < 0 || e.Damping.Factor < 0 {
			return fmt.Errorf("%w: %s: era %d damping must be non-negative", ErrInvalidParams, p.Name, i)
		}
		if e.Smoothing == SmoothingTripleWindow && (e.Windows[0] <= 0 || e.Windows[1] <= 0 || e.Windows[2] <= 0) {
			return fmt.Errorf("%w: %s: era %d needs three sample windows", ErrInvalidParams, p.Name, i)
		}
	}
	return nil
}

func (p *Params) validateAdaptive() error {
	eras := p.Adaptive.Eras
	if len(eras) == 0 || eras[0].Height != 0 {
		return fmt.Errorf("%w: %s: first adaptive era must start at height 0", ErrInvalidParams, p.Name)
	}
	for i, e := range eras {
		// Equal heights are allowed; the later era wins.
		if i > 0 && e.Height < eras[i-1].Height {
			return fmt.Errorf("%w: %s: adaptive era heights must not decrease", ErrInvalidParams, p.Name)
		}
		if e.ShortInterval <= 0 || e.MediumInterval <= 0 || e.LongInterval <= 0 {
			return fmt.Errorf("%w: %s: adaptive era %d has a non-positive window", ErrInvalidParams, p.Name, i)
		}
		if e.ShortWeight < 0 || e.MediumWeight < 0 || e.LongWeight < 0 || e.TotalWeight() == 0 {
			return fmt.Errorf("%w: %s: adaptive era %d weights must be non-negative and not all zero", ErrInvalidParams, p.Name, i)
		}
		if e.Damping.Divisor <= 0 || e.Damping.Factor < 0 {
			return fmt.Errorf("%w: %s: adaptive era %d has no damping divisor", ErrInvalidParams, p.Name, i)
		}
		if !e.MinClamp.Valid() || !e.MaxClamp.Valid() {
			return fmt.Errorf("%w: %s: adaptive era %d clamp must be a positive ratio", ErrInvalidParams, p.Name, i)
		}
	}
	return nil
}

// ParamsForNetwork returns the preset parameters for a network name.
func ParamsForNetwork(name string) (*Params, error) {
	switch name {
	case MainNetParams.Name:
		return &MainNetParams, nil
	case TestNetParams.Name:
		return &TestNetParams, nil
	case RegressionNetParams.Name:
		return &RegressionNetParams, nil
	case SimNetParams.Name:
		return &SimNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", name)
	}
}
