package pow

import (
	"testing"

	"github.com/holiman/uint256"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/pkg/util"
	"github.com/djkazic/retargetd/testutil"
)

func TestCheckProofOfWork(t *testing.T) {
	params := &chaincfg.MainNetParams
	target := util.CompactToTarget(bitsOne)
	above := new(uint256.Int).AddUint64(target, 1)

	tests := []struct {
		name string
		hash *uint256.Int
		bits uint32
		want bool
	}{
		{"zero hash", new(uint256.Int), bitsOne, true},
		{"hash equals target", target, bitsOne, true},
		{"hash above target", above, bitsOne, false},
		{"limit target", new(uint256.Int), params.PowLimitBits(), true},
		{"negative target", new(uint256.Int), 0x04923456, false},
		{"zero target", new(uint256.Int), 0, false},
		{"zero mantissa", new(uint256.Int), 0x1d000000, false},
		{"overflow", new(uint256.Int), 0x23000001, false},
		{"above limit", new(uint256.Int), 0x1f00ffff, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CheckProofOfWork(tt.hash, tt.bits, params); got != tt.want {
				t.Errorf("CheckProofOfWork = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCheckHeaderProofOfWork_SHA256d(t *testing.T) {
	params := &chaincfg.RegressionNetParams

	hdr := testutil.SampleHeader([32]byte{}, testutil.GenesisTime, params.PowLimitBits(), 0)
	testutil.MineHeader(&hdr)

	ok, err := CheckHeaderProofOfWork(&hdr, params)
	if err != nil {
		t.Fatalf("CheckHeaderProofOfWork: %v", err)
	}
	if !ok {
		t.Error("mined header should pass")
	}

	hard := testutil.SampleHeader([32]byte{}, testutil.GenesisTime, 0x1b0404cb, 0)
	ok, err = CheckHeaderProofOfWork(&hard, params)
	if err != nil {
		t.Fatalf("CheckHeaderProofOfWork: %v", err)
	}
	if ok {
		t.Error("unmined header at high difficulty should fail")
	}
}

func TestCheckHeaderProofOfWork_Scrypt(t *testing.T) {
	params := &chaincfg.MainNetParams
	hdr := testutil.SampleHeader([32]byte{1}, testutil.GenesisTime, params.PowLimitBits(), 7)

	ok, err := CheckHeaderProofOfWork(&hdr, params)
	if err != nil {
		t.Fatalf("CheckHeaderProofOfWork: %v", err)
	}

	h, err := hdr.PoWHash(params.PoWHash)
	if err != nil {
		t.Fatalf("PoWHash: %v", err)
	}
	if want := CheckProofOfWork(util.HashToTarget(h), hdr.Bits, params); ok != want {
		t.Errorf("header check = %v, hash check = %v", ok, want)
	}
	if h == hdr.Hash() {
		t.Error("scrypt pow hash should differ from the identity hash")
	}
}
