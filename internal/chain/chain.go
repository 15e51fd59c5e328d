package chain

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/metrics"
	"github.com/djkazic/retargetd/internal/pow"
	"github.com/djkazic/retargetd/internal/types"
)

// EventType identifies a chain state change.
type EventType int

const (
	// EventHeaderConnected fires for every connected header.
	EventHeaderConnected EventType = iota
	// EventRetarget fires in addition when the connected header's bits
	// differ from its parent's.
	EventRetarget
)

func (t EventType) String() string {
	switch t {
	case EventHeaderConnected:
		return "header_connected"
	case EventRetarget:
		return "retarget"
	default:
		return fmt.Sprintf("event(%d)", int(t))
	}
}

// Event is a chain state change.
type Event struct {
	Type     EventType
	Header   *types.IndexedHeader
	PrevBits uint32
}

const eventBuffer = 256

// maxLocatorHashes bounds the size of a block locator.
const maxLocatorHashes = 64

// Chain owns a header store and connects validated headers to it. Reads
// that walk ancestors run under the read lock, so retargeting always sees a
// stable chain.
type Chain struct {
	mu sync.RWMutex

	store      HeaderStore
	params     *chaincfg.Params
	retargeter *pow.Retargeter
	validator  *Validator
	logger     *zap.Logger

	events chan Event
}

// New creates a chain over store for the given network.
func New(store HeaderStore, params *chaincfg.Params, logger *zap.Logger) (*Chain, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r, err := pow.NewRetargeter(params, logger.Named("pow"))
	if err != nil {
		return nil, err
	}
	c := &Chain{
		store:      store,
		params:     params,
		retargeter: r,
		validator:  NewValidator(r),
		logger:     logger,
		events:     make(chan Event, eventBuffer),
	}
	if tip, ok := store.Tip(); ok {
		c.updateMetrics(tip)
	}
	return c, nil
}

// Params returns the network parameters.
func (c *Chain) Params() *chaincfg.Params {
	return c.params
}

// Events returns the channel chain events are delivered on. Events are
// dropped if the consumer falls behind.
func (c *Chain) Events() <-chan Event {
	return c.events
}

// Connect validates hdr against the tip and appends it.
func (c *Chain) Connect(hdr *types.BlockHeader) (*types.IndexedHeader, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectLocked(hdr)
}

// ConnectHeaders connects headers in order, skipping ones already stored.
// It returns how many were newly connected.
func (c *Chain) ConnectHeaders(hdrs []*types.BlockHeader) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	connected := 0
	for _, hdr := range hdrs {
		if c.store.Has(hdr.Hash()) {
			continue
		}
		if _, err := c.connectLocked(hdr); err != nil {
			return connected, err
		}
		connected++
	}
	return connected, nil
}

func (c *Chain) connectLocked(hdr *types.BlockHeader) (*types.IndexedHeader, error) {
	if c.store.Has(hdr.Hash()) {
		return nil, ErrDuplicateHeader
	}
	prev, _ := c.store.Tip()

	if err := c.validator.ValidateHeader(c.store, prev, hdr); err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			c.logger.Debug("header rejected", zap.String("reason", verr.Reason))
		}
		return nil, err
	}

	height := int64(0)
	if prev != nil {
		height = prev.Height + 1
	}
	ih := types.NewIndexedHeader(height, *hdr)
	if err := c.store.Add(ih); err != nil {
		return nil, fmt.Errorf("store header %d: %w", height, err)
	}

	metrics.HeadersConnected.Inc()
	c.updateMetrics(ih)
	c.emit(Event{Type: EventHeaderConnected, Header: ih})

	if prev != nil && prev.Bits() != ih.Bits() {
		metrics.Retargets.Inc()
		c.logger.Info("difficulty changed",
			zap.Int64("height", height),
			zap.String("prev_bits", fmt.Sprintf("%08x", prev.Bits())),
			zap.String("bits", fmt.Sprintf("%08x", ih.Bits())),
			zap.Float64("difficulty", types.HeaderDifficulty(&ih.Header, c.params.PowLimit)),
		)
		c.emit(Event{Type: EventRetarget, Header: ih, PrevBits: prev.Bits()})
	}
	return ih, nil
}

func (c *Chain) emit(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.logger.Warn("event channel full, dropping event", zap.Stringer("type", ev.Type))
	}
}

func (c *Chain) updateMetrics(tip *types.IndexedHeader) {
	metrics.ChainHeight.Set(float64(tip.Height))
	metrics.CurrentBits.Set(float64(tip.Bits()))
	metrics.Difficulty.Set(types.HeaderDifficulty(&tip.Header, c.params.PowLimit))

	// Networks with minimum-difficulty blocks depend on the candidate's
	// timestamp; assume it arrives on schedule.
	next := types.BlockHeader{Timestamp: uint32(tip.Timestamp() + c.params.TargetSpacing)}
	if bits, err := c.retargeter.NextRequiredTarget(c.store, tip, &next); err == nil {
		metrics.NextBits.Set(float64(bits))
	}
}

// NextRequiredTarget returns the bits a header extending the tip must carry.
// candidate may be nil on networks without minimum-difficulty blocks.
func (c *Chain) NextRequiredTarget(candidate *types.BlockHeader) (uint32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tip, _ := c.store.Tip()
	return c.retargeter.NextRequiredTarget(c.store, tip, candidate)
}

// Tip returns the best header.
func (c *Chain) Tip() (*types.IndexedHeader, bool) {
	return c.store.Tip()
}

// Count returns the number of stored headers.
func (c *Chain) Count() int {
	return c.store.Count()
}

// Has reports whether the header is stored.
func (c *Chain) Has(hash [32]byte) bool {
	return c.store.Has(hash)
}

// HeaderAt returns the header at height.
func (c *Chain) HeaderAt(height int64) (*types.IndexedHeader, bool) {
	return c.store.HeaderAt(height)
}

// Locator returns hashes describing the chain to a peer: the last ten
// headers one by one, then exponentially sparser, always ending at genesis.
func (c *Chain) Locator() [][32]byte {
	c.mu.RLock()
	defer c.mu.RUnlock()

	tip, ok := c.store.Tip()
	if !ok {
		return nil
	}
	var locator [][32]byte
	step := int64(1)
	for h := tip.Height; h > 0 && len(locator) < maxLocatorHashes-1; h -= step {
		if ih, ok := c.store.HeaderAt(h); ok {
			locator = append(locator, ih.Hash())
		}
		if len(locator) >= 10 {
			step *= 2
		}
	}
	if genesis, ok := c.store.HeaderAt(0); ok {
		locator = append(locator, genesis.Hash())
	}
	return locator
}

// HeadersAfter returns up to limit headers following the first locator hash
// found in the chain, or from genesis when none match.
func (c *Chain) HeadersAfter(locator [][32]byte, limit int) []*types.BlockHeader {
	c.mu.RLock()
	defer c.mu.RUnlock()

	start := int64(0)
	for _, hash := range locator {
		if ih, ok := c.store.Get(hash); ok {
			start = ih.Height + 1
			break
		}
	}

	var out []*types.BlockHeader
	for h := start; len(out) < limit; h++ {
		ih, ok := c.store.HeaderAt(h)
		if !ok {
			break
		}
		hdr := ih.Header
		out = append(out, &hdr)
	}
	return out
}
