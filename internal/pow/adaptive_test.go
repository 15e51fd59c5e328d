package pow

import (
	"testing"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/testutil"
)

func TestAdaptive_GenesisChild(t *testing.T) {
	r := newTestRetargeter(t, &chaincfg.TestNetParams)
	limitBits := chaincfg.TestNetParams.PowLimitBits()

	// Every window is out of reach, so all three read the target timespan.
	chain := testutil.BuildChain(1, 60, limitBits)
	if got := nextBits(t, r, chain); got != limitBits {
		t.Errorf("bits = %08x, want %08x", got, limitBits)
	}
}

func TestAdaptive_RetargetsEveryBlock(t *testing.T) {
	r := newTestRetargeter(t, &chaincfg.TestNetParams)

	tests := []struct {
		name    string
		tip     int64
		spacing int64
		want    uint32
	}{
		// The long window spans 119 intervals but divides by 120, so a
		// chain on schedule reads long 59: weighted 15599/260 = 59, damped
		// (59+60)/2 = 59.
		{"on schedule", 2000, 60, 0x1d00fbba},
		{"on schedule off boundary", 2001, 60, 0x1d00fbba},
		// short 30, medium 30, long 29: weighted 29, damped (29+60)/2 = 44.
		{"twice as fast", 2000, 30, 0x1d00bbbb},
		{"twice as fast next block", 2001, 30, 0x1d00bbbb},
		// Short window 10, long window seeded with 60: weighted 10, damped
		// (10+120)/3 = 43, clamped up to 45.
		{"early chain seeds long window", 5, 10, 0x1d00bfff},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextBits(t, r, testutil.Steady(tt.tip, tt.spacing, bitsOne)); got != tt.want {
				t.Errorf("bits = %08x, want %08x", got, tt.want)
			}
		})
	}
}

func TestAdaptive_ClampBounds(t *testing.T) {
	r := newTestRetargeter(t, &chaincfg.TestNetParams)

	tests := []struct {
		name    string
		tip     int64
		spacing int64
		want    uint32
	}{
		// Before 1600 the lower clamp is 75% of the timespan.
		{"base era floor", 1000, 1, ratioBits(t, 45, 60)},
		// From 1600 it is 50%.
		{"fork era floor", 2000, 1, ratioBits(t, 30, 60)},
		{"ceiling", 2000, 6000, ratioBits(t, 80, 60)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := nextBits(t, r, testutil.Steady(tt.tip, tt.spacing, bitsOne)); got != tt.want {
				t.Errorf("bits = %08x, want %08x", got, tt.want)
			}
		})
	}
}

func capNetParams(capToLong bool) *chaincfg.Params {
	return &chaincfg.Params{
		Name:           "capnet",
		Algorithm:      chaincfg.AlgorithmAdaptive,
		PowLimit:       chaincfg.MainNetParams.PowLimit,
		PowNeoLimit:    chaincfg.MainNetParams.PowNeoLimit,
		TargetTimespan: 60,
		TargetSpacing:  60,
		Adaptive: chaincfg.AdaptiveParams{
			Eras: []chaincfg.AdaptiveEra{{
				ShortInterval:    3,
				MediumInterval:   60,
				LongInterval:     120,
				ShortWeight:      1,
				Damping:          chaincfg.Damping{Factor: 0, Divisor: 1},
				MinClamp:         chaincfg.Ratio{Num: 1, Den: 4},
				MaxClamp:         chaincfg.Ratio{Num: 4, Den: 1},
				CapToLongAverage: capToLong,
			}},
		},
	}
}

func TestAdaptive_CapToLongAverage(t *testing.T) {
	// 30s blocks, then three 600s blocks: short 600, long 44.
	burst := func(tip int64) *testutil.SyntheticChain {
		return &testutil.SyntheticChain{
			Height: tip,
			TimeAt: spliced(tip-3, 30, 600),
			BitsAt: fixedBits(bitsOne),
		}
	}

	tests := []struct {
		name      string
		capToLong bool
		tip       int64
		want      uint32
	}{
		{"capped at twice long average", true, 300, 0x1d017776},
		{"uncapped", false, 300, 0x1d03fffc},
		{"long window not established", true, 50, 0x1d03fffc},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRetargeter(t, capNetParams(tt.capToLong))
			if got := nextBits(t, r, burst(tt.tip)); got != tt.want {
				t.Errorf("bits = %08x, want %08x", got, tt.want)
			}
		})
	}
}

func TestAdaptive_IgnoresMinDifficultyRule(t *testing.T) {
	r := newTestRetargeter(t, &chaincfg.TestNetParams)
	chain := testutil.Steady(2000, 60, bitsOne)
	prev := chain.Tip()

	// A candidate an hour late still gets the adaptive target, the same
	// one an on-time candidate gets.
	want := nextBits(t, r, chain)
	candidate := testutil.SampleHeader(prev.Hash(), prev.Timestamp()+3600, 0, 0)
	got, err := r.NextRequiredTarget(chain, prev, &candidate)
	if err != nil {
		t.Fatalf("NextRequiredTarget: %v", err)
	}
	if got != want || got != 0x1d00fbba {
		t.Errorf("bits = %08x, want %08x", got, want)
	}
}

// ratioBits scales bitsOne by num/den the way a retarget does.
func ratioBits(t *testing.T, num, den int64) uint32 {
	t.Helper()
	r := newTestRetargeter(t, &chaincfg.MainNetParams)
	return r.retarget(bitsOne, num, den)
}
