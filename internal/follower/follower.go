// Package follower keeps the local header chain in step with an upstream
// full node over RPC.
package follower

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/metrics"
	"github.com/djkazic/retargetd/internal/rpc"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

const (
	// DefaultPollInterval is how often the upstream node is asked for new headers.
	DefaultPollInterval = 5 * time.Second

	// DefaultBatchSize is the number of headers fetched before connecting.
	DefaultBatchSize = 500

	maxBackoff = 60 * time.Second
)

// ErrDiverged is returned when the upstream node's chain no longer contains
// the local tip. Reorganisations are not followed.
var ErrDiverged = errors.New("upstream chain diverged from local tip")

// HeaderSink is the chain the follower connects headers to.
type HeaderSink interface {
	Tip() (*types.IndexedHeader, bool)
	ConnectHeaders(hdrs []*types.BlockHeader) (int, error)
}

// Follower polls an upstream node and connects its new headers.
type Follower struct {
	rpc    rpc.NodeRPC
	chain  HeaderSink
	logger *zap.Logger

	pollInterval time.Duration
	batchSize    int

	headerCh chan []*types.BlockHeader
}

// New creates a follower. Zero pollInterval or batchSize select the defaults.
func New(node rpc.NodeRPC, chain HeaderSink, pollInterval time.Duration, batchSize int, logger *zap.Logger) *Follower {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Follower{
		rpc:          node,
		chain:        chain,
		logger:       logger,
		pollInterval: pollInterval,
		batchSize:    batchSize,
		headerCh:     make(chan []*types.BlockHeader, 8),
	}
}

// Start begins polling.
func (f *Follower) Start(ctx context.Context) {
	go f.pollLoop(ctx)
}

// Headers returns the channel of newly connected header batches.
func (f *Follower) Headers() <-chan []*types.BlockHeader {
	return f.headerCh
}

func (f *Follower) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(f.pollInterval)
	defer ticker.Stop()

	var consecutiveFailures int
	var lastFailureTime time.Time

	poll := func() {
		if _, err := f.Sync(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			consecutiveFailures++
			lastFailureTime = time.Now()
			metrics.FollowerErrors.Inc()
			f.logger.Warn("upstream sync failed",
				zap.Error(err),
				zap.Int("consecutive_failures", consecutiveFailures),
				zap.Duration("next_retry", f.backoffDuration(consecutiveFailures)),
			)
		} else if consecutiveFailures > 0 {
			f.logger.Info("upstream sync recovered",
				zap.Int("after_failures", consecutiveFailures),
			)
			consecutiveFailures = 0
		}
	}

	// Initial fetch
	poll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if consecutiveFailures > 0 && time.Since(lastFailureTime) < f.backoffDuration(consecutiveFailures) {
				continue
			}
			poll()
		}
	}
}

// backoffDuration computes exponential backoff capped at 60s.
func (f *Follower) backoffDuration(failures int) time.Duration {
	if failures <= 0 {
		return f.pollInterval
	}
	d := f.pollInterval
	for i := 1; i < failures; i++ {
		d *= 2
		if d > maxBackoff {
			return maxBackoff
		}
	}
	return d
}

// Sync fetches and connects every upstream header above the local tip. It
// returns the number of headers connected.
func (f *Follower) Sync(ctx context.Context) (int, error) {
	remote, err := f.rpc.GetBlockCount(ctx)
	if err != nil {
		return 0, err
	}

	next := int64(0)
	if tip, ok := f.chain.Tip(); ok {
		if tip.Height > remote {
			return 0, nil
		}
		hash, err := f.rpc.GetBlockHash(ctx, tip.Height)
		if err != nil {
			return 0, err
		}
		if hash != tip.HashHex() {
			return 0, fmt.Errorf("%w: height %d upstream %s local %s", ErrDiverged, tip.Height, hash, tip.HashHex())
		}
		next = tip.Height + 1
	}

	total := 0
	for next <= remote {
		end := min(next+int64(f.batchSize)-1, remote)
		batch, err := f.fetchRange(ctx, next, end)
		if err != nil {
			return total, err
		}
		n, err := f.chain.ConnectHeaders(batch)
		total += n
		if err != nil {
			return total, fmt.Errorf("connect upstream headers %d..%d: %w", next, end, err)
		}

		f.logger.Info("synced upstream headers",
			zap.Int64("from", next),
			zap.Int64("to", end),
			zap.Int64("upstream_height", remote),
		)
		select {
		case f.headerCh <- batch:
		default:
			f.logger.Warn("header channel full")
		}
		next = end + 1
	}
	return total, nil
}

func (f *Follower) fetchRange(ctx context.Context, from, to int64) ([]*types.BlockHeader, error) {
	out := make([]*types.BlockHeader, 0, to-from+1)
	var prev [32]byte
	for h := from; h <= to; h++ {
		hash, err := f.rpc.GetBlockHash(ctx, h)
		if err != nil {
			return nil, err
		}
		hdr, err := f.rpc.GetBlockHeader(ctx, hash)
		if err != nil {
			return nil, err
		}
		if h > from && hdr.PrevBlock != prev {
			return nil, fmt.Errorf("upstream header %d does not link to %s", h, util.HashToHex(prev))
		}
		prev = hdr.Hash()
		out = append(out, hdr)
	}
	return out, nil
}
