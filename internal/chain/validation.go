package chain

import (
	"fmt"
	"sort"
	"time"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/pow"
	"github.com/djkazic/retargetd/internal/types"
)

// medianTimeSpan is the number of headers whose median timestamp a new
// header must exceed.
const medianTimeSpan = 11

// ValidationError represents a header validation failure.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("header validation failed: %s", e.Reason)
}

// Validator checks headers against the chain they extend.
type Validator struct {
	params     *chaincfg.Params
	retargeter *pow.Retargeter
	now        func() time.Time
}

// NewValidator creates a validator using retargeter's network parameters.
func NewValidator(retargeter *pow.Retargeter) *Validator {
	return &Validator{
		params:     retargeter.Params(),
		retargeter: retargeter,
		now:        time.Now,
	}
}

// ValidateHeader performs all checks on a header that would follow prev
// (nil for genesis). view must reach every ancestor of prev. Consensus
// failures are returned as *ValidationError; any other error means the
// chain view broke its contract.
func (v *Validator) ValidateHeader(view pow.ChainView, prev *types.IndexedHeader, hdr *types.BlockHeader) error {
	// 1. Linkage
	if prev == nil {
		if hdr.PrevBlock != ([32]byte{}) {
			return &ValidationError{Reason: "genesis header has a parent"}
		}
	} else if hdr.PrevBlock != prev.Hash() {
		return &ValidationError{Reason: fmt.Sprintf("parent %x is not the tip", hdr.PrevBlock[:8])}
	}

	// 2. Not too far in the future
	if limit := v.now().Add(v.params.MaxTimeFuture); hdr.Time().After(limit) {
		return &ValidationError{Reason: fmt.Sprintf("timestamp %v is too far in the future", hdr.Time().UTC())}
	}

	// 3. After the median time of recent headers
	if prev != nil {
		mtp, err := medianTimePast(view, prev)
		if err != nil {
			return err
		}
		if int64(hdr.Timestamp) <= mtp {
			return &ValidationError{Reason: fmt.Sprintf("timestamp %d not after median time past %d", hdr.Timestamp, mtp)}
		}
	}

	// 4. Declared bits must match the retarget rules
	want, err := v.retargeter.NextRequiredTarget(view, prev, hdr)
	if err != nil {
		return fmt.Errorf("required target: %w", err)
	}
	if hdr.Bits != want {
		return &ValidationError{Reason: fmt.Sprintf(
			"bits mismatch: declared 0x%08x, expected 0x%08x", hdr.Bits, want)}
	}

	// 5. Proof of work
	ok, err := pow.CheckHeaderProofOfWork(hdr, v.params)
	if err != nil {
		return fmt.Errorf("check proof of work: %w", err)
	}
	if !ok {
		return &ValidationError{Reason: "header does not meet its target"}
	}

	return nil
}

// medianTimePast returns the median timestamp of prev and up to ten of its
// ancestors.
func medianTimePast(view pow.ChainView, prev *types.IndexedHeader) (int64, error) {
	times := make([]int64, 0, medianTimeSpan)
	times = append(times, prev.Timestamp())
	for h := prev.Height - 1; h >= 0 && len(times) < medianTimeSpan; h-- {
		anc, ok := view.HeaderAt(h)
		if !ok {
			return 0, fmt.Errorf("%w: height %d", pow.ErrAncestorUnavailable, h)
		}
		times = append(times, anc.Timestamp())
	}
	sort.Slice(times, func(i, j int) bool { return times[i] < times[j] })
	return times[len(times)/2], nil
}
