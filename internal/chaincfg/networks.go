package chaincfg

import (
	"time"

	"github.com/holiman/uint256"

	"github.com/djkazic/retargetd/internal/types"
)

const (
	baseTimespan = 7 * 24 * 60 * 60 / 2 // 3.5 days
	baseSpacing  = 150                  // 2.5 minutes

	forkOneTimespan = 7 * 24 * 60 * 60 / 8  // 7/8 days
	forkTwoTimespan = 7 * 24 * 60 * 60 / 32 // 7/32 days
	forkThreeBlock  = 60                    // one-minute blocks, retargeted every block
)

var (
	allOnes = new(uint256.Int).SetAllOne()

	scryptPowLimit  = new(uint256.Int).Rsh(allOnes, 20)
	neoPowLimit     = new(uint256.Int).Rsh(allOnes, 26)
	regtestPowLimit = new(uint256.Int).Rsh(allOnes, 1)
)

// FixedIntervalEras builds the era table shared by the fixed-interval
// networks: a genesis era with a 4x clamp, a 41% limiter from fork one, a
// damped 9% limiter with dual-window smoothing from fork two and one-minute
// blocks with undamped triple-window smoothing from fork three.
func FixedIntervalEras(forks ForkHeights) []Era {
	tight := struct{ min, max Ratio }{Ratio{453, 494}, Ratio{494, 453}}
	damping := Damping{Factor: 3, Divisor: 4}

	return []Era{
		{
			Height:   0,
			Timespan: baseTimespan,
			Spacing:  baseSpacing,
			MinClamp: Ratio{1, 4},
			MaxClamp: Ratio{4, 1},
		},
		{
			Height:   forks.One,
			Timespan: forkOneTimespan,
			Spacing:  baseSpacing,
			MinClamp: Ratio{70, 99},
			MaxClamp: Ratio{99, 70},
		},
		{
			Height:    forks.Two,
			Timespan:  forkTwoTimespan,
			Spacing:   baseSpacing,
			MinClamp:  tight.min,
			MaxClamp:  tight.max,
			Smoothing: SmoothingDualWindow,
			Damping:   damping,
		},
		{
			Height:    forks.Three,
			Timespan:  forkThreeBlock,
			Spacing:   forkThreeBlock,
			MinClamp:  tight.min,
			MaxClamp:  tight.max,
			Smoothing: SmoothingTripleWindow,
			Windows:   [3]int64{15, 120, 480},
		},
	}
}

var mainNetForks = ForkHeights{
	One:   33000,
	Two:   87948,
	Three: 204639,
	Four:  432000,
}

// MainNetParams are the main network parameters.
var MainNetParams = Params{
	Name:           "mainnet",
	Algorithm:      AlgorithmFixedInterval,
	PowLimit:       scryptPowLimit,
	PowNeoLimit:    neoPowLimit,
	TargetTimespan: baseTimespan,
	TargetSpacing:  baseSpacing,
	Forks:          mainNetForks,
	Eras:           FixedIntervalEras(mainNetForks),
	PoWHash:        types.HashScrypt,
	MaxTimeFuture:  2 * time.Hour,
}

// testNetForkHeight activates both adaptive revisions of the test network.
const testNetForkHeight = 1600

// TestNetParams are the test network parameters. The test network uses the
// adaptive algorithm on every block.
var TestNetParams = Params{
	Name:                     "testnet",
	Algorithm:                AlgorithmAdaptive,
	PowLimit:                 scryptPowLimit,
	PowNeoLimit:              neoPowLimit,
	TargetTimespan:           60,
	TargetSpacing:            60,
	AllowMinDifficultyBlocks: true,
	Adaptive: AdaptiveParams{
		Eras: []AdaptiveEra{
			{
				Height:         0,
				ShortInterval:  2,
				MediumInterval: 127,
				LongInterval:   240,
				ShortWeight:    256,
				MediumWeight:   0,
				LongWeight:     3,
				Damping:        Damping{Factor: 2, Divisor: 3},
				MinClamp:       Ratio{75, 100},
				MaxClamp:       Ratio{100, 75},
			},
			{
				Height:         testNetForkHeight,
				ShortInterval:  2,
				MediumInterval: 127,
				LongInterval:   240,
				ShortWeight:    256,
				MediumWeight:   3,
				LongWeight:     0,
				Damping:        Damping{Factor: 2, Divisor: 3},
				MinClamp:       Ratio{50, 100},
				MaxClamp:       Ratio{100, 75},
			},
			{
				Height:         testNetForkHeight,
				ShortInterval:  3,
				MediumInterval: 60,
				LongInterval:   120,
				ShortWeight:    256,
				MediumWeight:   3,
				LongWeight:     1,
				Damping:        Damping{Factor: 1, Divisor: 2},
				MinClamp:       Ratio{50, 100},
				MaxClamp:       Ratio{100, 75},
			},
		},
	},
	PoWHash:       types.HashScrypt,
	MaxTimeFuture: 2 * time.Hour,
}

var regressionNetForks = ForkHeights{
	One:   1 << 40,
	Two:   1<<40 + 1,
	Three: 1<<40 + 2,
	Four:  1<<40 + 3,
}

// RegressionNetParams are the regression test network parameters. Targets
// never change after genesis.
var RegressionNetParams = Params{
	Name:                     "regtest",
	Algorithm:                AlgorithmFixedInterval,
	PowLimit:                 regtestPowLimit,
	PowNeoLimit:              regtestPowLimit,
	TargetTimespan:           baseTimespan,
	TargetSpacing:            baseSpacing,
	AllowMinDifficultyBlocks: true,
	NoRetargeting:            true,
	Forks:                    regressionNetForks,
	Eras:                     FixedIntervalEras(regressionNetForks),
	PoWHash:                  types.HashSHA256d,
	MaxTimeFuture:            2 * time.Hour,
}

var simNetForks = ForkHeights{
	One:   4032,
	Two:   6048,
	Three: 8064,
	Four:  10080,
}

// SimNetParams run the full fixed-interval fork schedule at low heights
// with the main network limits, for private simulation networks.
var SimNetParams = Params{
	Name:           "simnet",
	Algorithm:      AlgorithmFixedInterval,
	PowLimit:       scryptPowLimit,
	PowNeoLimit:    neoPowLimit,
	TargetTimespan: baseTimespan,
	TargetSpacing:  baseSpacing,
	Forks:          simNetForks,
	Eras:           FixedIntervalEras(simNetForks),
	PoWHash:        types.HashSHA256d,
	MaxTimeFuture:  2 * time.Hour,
}
