// Package node wires the header chain to its header sources and peers.
package node

import (
	"context"
	"errors"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/metrics"
	"github.com/djkazic/retargetd/internal/p2p"
	"github.com/djkazic/retargetd/internal/types"
)

const (
	// DefaultSyncBatch is the number of headers requested per sync round.
	DefaultSyncBatch = 2000

	// DefaultAnnounceInterval is how often a changed tip is announced.
	DefaultAnnounceInterval = 10 * time.Second

	maxSyncRounds  = 1000
	syncTimeout    = time.Minute
	uptimeInterval = 15 * time.Second
)

// Upstream is a header source that connects headers itself and reports
// each connected batch.
type Upstream interface {
	Start(ctx context.Context)
	Headers() <-chan []*types.BlockHeader
}

// Network is the peer-to-peer side of the node.
type Network interface {
	Incoming() <-chan p2p.Gossip
	PeerConnected() <-chan peer.ID
	BroadcastHeader(ctx context.Context, msg *p2p.HeaderMsg) error
	AnnounceTip(ctx context.Context, msg *p2p.TipAnnounce) error
	RequestHeaders(ctx context.Context, peerID peer.ID, locator [][32]byte, maxCount int) (*p2p.LocatorResp, error)
}

// Config assembles a Node. Upstream and Network are optional.
type Config struct {
	Chain            *chain.Chain
	Upstream         Upstream
	Network          Network
	SyncBatch        int
	AnnounceInterval time.Duration
	Logger           *zap.Logger
}

// Node is the orchestrator: it feeds headers from the upstream node and
// from peers into the chain and announces the resulting tip.
type Node struct {
	chain    *chain.Chain
	upstream Upstream
	network  Network
	logger   *zap.Logger

	syncBatch        int
	announceInterval time.Duration

	started       time.Time
	announced     [32]byte
	tipDirty      bool
	lastRetargets int
}

// New creates a node.
func New(cfg Config) (*Node, error) {
	if cfg.Chain == nil {
		return nil, errors.New("node requires a chain")
	}
	n := &Node{
		chain:            cfg.Chain,
		upstream:         cfg.Upstream,
		network:          cfg.Network,
		logger:           cfg.Logger,
		syncBatch:        cfg.SyncBatch,
		announceInterval: cfg.AnnounceInterval,
	}
	if n.logger == nil {
		n.logger = zap.NewNop()
	}
	if n.syncBatch <= 0 {
		n.syncBatch = DefaultSyncBatch
	}
	if n.announceInterval <= 0 {
		n.announceInterval = DefaultAnnounceInterval
	}
	return n, nil
}

// Run starts the upstream follower and processes events until ctx is done.
func (n *Node) Run(ctx context.Context) error {
	n.started = time.Now()
	if n.upstream != nil {
		n.upstream.Start(ctx)
	}

	var (
		upstreamCh <-chan []*types.BlockHeader
		gossipCh   <-chan p2p.Gossip
		peerCh     <-chan peer.ID
	)
	if n.upstream != nil {
		upstreamCh = n.upstream.Headers()
	}
	if n.network != nil {
		gossipCh = n.network.Incoming()
		peerCh = n.network.PeerConnected()
	}

	announce := time.NewTicker(n.announceInterval)
	defer announce.Stop()
	uptime := time.NewTicker(uptimeInterval)
	defer uptime.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case batch := <-upstreamCh:
			n.handle(ctx, UpstreamBatchEvent{Headers: batch})
		case g := <-gossipCh:
			n.handle(ctx, GossipEvent{Gossip: g})
		case pid := <-peerCh:
			n.handle(ctx, PeerConnectedEvent{Peer: pid})
		case ev := <-n.chain.Events():
			n.handle(ctx, ChainEvent{Event: ev})
		case <-announce.C:
			n.announceTip(ctx)
		case <-uptime.C:
			metrics.UptimeSeconds.Set(time.Since(n.started).Seconds())
		}
	}
}

func (n *Node) handle(ctx context.Context, ev interface{}) {
	switch e := ev.(type) {
	case UpstreamBatchEvent:
		if len(e.Headers) > 0 {
			n.logger.Debug("upstream batch connected", zap.Int("headers", len(e.Headers)))
			n.tipDirty = true
		}
	case GossipEvent:
		n.handleGossip(ctx, e.Gossip)
	case PeerConnectedEvent:
		n.logger.Info("peer connected", zap.String("peer", e.Peer.String()))
		n.syncFromPeer(ctx, e.Peer)
	case ChainEvent:
		switch e.Event.Type {
		case chain.EventHeaderConnected:
			n.tipDirty = true
		case chain.EventRetarget:
			n.lastRetargets++
		}
	}
}

func (n *Node) handleGossip(ctx context.Context, g p2p.Gossip) {
	tipHeight := int64(-1)
	if tip, ok := n.chain.Tip(); ok {
		tipHeight = tip.Height
	}

	switch {
	case g.Header != nil:
		switch {
		case g.Header.Height <= tipHeight:
			return
		case g.Header.Height > tipHeight+1:
			n.syncFromPeer(ctx, g.From)
			return
		}
		hdr, err := g.Header.BlockHeader()
		if err != nil {
			metrics.HeadersRejected.WithLabelValues("gossip").Inc()
			return
		}
		if _, err := n.chain.Connect(hdr); err != nil {
			if !errors.Is(err, chain.ErrDuplicateHeader) {
				metrics.HeadersRejected.WithLabelValues("gossip").Inc()
				n.logger.Debug("gossip header rejected",
					zap.String("peer", g.From.String()),
					zap.Int64("height", g.Header.Height),
					zap.Error(err),
				)
			}
		}
	case g.Tip != nil:
		if g.Tip.Height > tipHeight {
			n.syncFromPeer(ctx, g.From)
		}
	}
}

// syncFromPeer pulls headers from a peer with block locators until the peer
// has nothing more or a header fails to connect.
func (n *Node) syncFromPeer(ctx context.Context, pid peer.ID) {
	if n.network == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, syncTimeout)
	defer cancel()

	total := 0
	for round := 0; round < maxSyncRounds; round++ {
		resp, err := n.network.RequestHeaders(ctx, pid, n.chain.Locator(), n.syncBatch)
		if err != nil {
			n.logger.Debug("sync request failed", zap.String("peer", pid.String()), zap.Error(err))
			return
		}
		hdrs, err := resp.BlockHeaders()
		if err != nil {
			metrics.HeadersRejected.WithLabelValues("sync").Inc()
			n.logger.Warn("invalid sync response", zap.String("peer", pid.String()), zap.Error(err))
			return
		}
		connected, err := n.chain.ConnectHeaders(hdrs)
		total += connected
		if err != nil {
			metrics.HeadersRejected.WithLabelValues("sync").Inc()
			n.logger.Warn("sync header rejected", zap.String("peer", pid.String()), zap.Error(err))
			break
		}
		if !resp.More || connected == 0 {
			break
		}
	}
	if total > 0 {
		n.tipDirty = true
		n.logger.Info("synced headers from peer",
			zap.String("peer", pid.String()),
			zap.Int("headers", total),
		)
	}
}

// announceTip gossips the tip header and announcement when the tip has
// moved since the last announcement.
func (n *Node) announceTip(ctx context.Context) {
	if n.network == nil || !n.tipDirty {
		return
	}
	tip, ok := n.chain.Tip()
	if !ok || tip.Hash() == n.announced {
		n.tipDirty = false
		return
	}

	if err := n.network.BroadcastHeader(ctx, p2p.NewHeaderMsg(tip.Height, &tip.Header)); err != nil {
		n.logger.Warn("broadcast header failed", zap.Error(err))
		return
	}
	if err := n.network.AnnounceTip(ctx, &p2p.TipAnnounce{
		TipHash: tip.Hash(),
		Height:  tip.Height,
		Bits:    tip.Bits(),
	}); err != nil {
		n.logger.Warn("announce tip failed", zap.Error(err))
		return
	}
	n.announced = tip.Hash()
	n.tipDirty = false
	n.logger.Debug("announced tip",
		zap.Int64("height", tip.Height),
		zap.String("hash", tip.HashHex()),
		zap.Int("retargets_since_start", n.lastRetargets),
	)
}
