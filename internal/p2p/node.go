package p2p

import (
	"context"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/p2p/muxer/yamux"
	"github.com/libp2p/go-libp2p/p2p/net/connmgr"
	"github.com/libp2p/go-libp2p/p2p/security/noise"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/metrics"
)

// Config holds the P2P settings.
type Config struct {
	// Network names the chain; peers on other networks use other topics.
	Network    string
	ListenAddr string
	DataDir    string
	EnableMDNS bool
	Bootnodes  []string
	LowWater   int
	HighWater  int
}

// Node manages the libp2p host and P2P networking.
type Node struct {
	Host   host.Host
	Logger *zap.Logger

	cfg       Config
	pubsub    *PubSub
	discovery *Discovery
	syncer    *Syncer

	incoming      chan Gossip
	peerConnected chan peer.ID
}

// NewNode creates a new libp2p node with GossipSub but does NOT start
// discovery. Call StartDiscovery after InitSyncer so peers never connect
// before the sync handler is registered.
func NewNode(ctx context.Context, cfg Config, logger *zap.Logger) (*Node, error) {
	privKey, err := LoadOrCreateIdentity(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	low, high := cfg.LowWater, cfg.HighWater
	if low <= 0 {
		low = 50
	}
	if high <= low {
		high = 2 * low
	}
	cm, err := connmgr.NewConnManager(low, high, connmgr.WithGracePeriod(time.Minute))
	if err != nil {
		return nil, fmt.Errorf("create connection manager: %w", err)
	}

	h, err := libp2p.New(
		libp2p.Identity(privKey),
		libp2p.ListenAddrStrings(cfg.ListenAddr),
		libp2p.Security(noise.ID, noise.New),
		libp2p.Muxer(yamux.ID, yamux.DefaultTransport),
		libp2p.ConnectionManager(cm),
	)
	if err != nil {
		return nil, fmt.Errorf("create libp2p host: %w", err)
	}

	node := &Node{
		Host:          h,
		Logger:        logger,
		cfg:           cfg,
		incoming:      make(chan Gossip, 256),
		peerConnected: make(chan peer.ID, 16),
	}

	h.Network().Notify(&peerNotifiee{peerConnected: node.peerConnected})

	node.pubsub, err = NewPubSub(ctx, h, cfg.Network, node.incoming, logger)
	if err != nil {
		h.Close()
		return nil, fmt.Errorf("setup pubsub: %w", err)
	}

	logger.Info("p2p node started",
		zap.String("peer_id", h.ID().String()),
		zap.String("network", cfg.Network),
	)

	for _, addr := range h.Addrs() {
		logger.Info("listening on", zap.String("addr", fmt.Sprintf("%s/p2p/%s", addr, h.ID())))
	}

	return node, nil
}

// StartDiscovery begins mDNS and DHT peer discovery. Must be called after
// InitSyncer.
func (n *Node) StartDiscovery(ctx context.Context) error {
	var err error
	n.discovery, err = NewDiscovery(ctx, n.Host, n.cfg.Network, n.cfg.EnableMDNS, n.cfg.Bootnodes, n.Logger)
	if err != nil {
		return fmt.Errorf("setup discovery: %w", err)
	}
	return nil
}

// Incoming returns the channel of gossip received from peers.
func (n *Node) Incoming() <-chan Gossip {
	return n.incoming
}

// BroadcastHeader publishes a header to the network.
func (n *Node) BroadcastHeader(ctx context.Context, msg *HeaderMsg) error {
	return n.pubsub.PublishHeader(ctx, msg)
}

// AnnounceTip publishes the local tip to the network.
func (n *Node) AnnounceTip(ctx context.Context, msg *TipAnnounce) error {
	return n.pubsub.PublishTip(ctx, msg)
}

// PeerCount returns the number of connected peers.
func (n *Node) PeerCount() int {
	return len(n.Host.Network().Peers())
}

// ConnectedPeers returns the connected peer IDs.
func (n *Node) ConnectedPeers() []peer.ID {
	return n.Host.Network().Peers()
}

// InitSyncer creates the Syncer and registers the stream handler.
func (n *Node) InitSyncer(handler SyncHandler) {
	n.syncer = NewSyncer(n.Host, handler, n.Logger)
}

// PeerConnected returns a channel that receives peer IDs when new peers connect.
func (n *Node) PeerConnected() <-chan peer.ID {
	return n.peerConnected
}

// Syncer returns the sync protocol handler.
func (n *Node) Syncer() *Syncer {
	return n.syncer
}

// RequestHeaders asks a peer for the headers following locator.
func (n *Node) RequestHeaders(ctx context.Context, peerID peer.ID, locator [][32]byte, maxCount int) (*LocatorResp, error) {
	if n.syncer == nil {
		return nil, fmt.Errorf("syncer not initialised")
	}
	return n.syncer.RequestLocator(ctx, peerID, locator, maxCount)
}

// Close shuts down the node.
func (n *Node) Close() error {
	if n.discovery != nil {
		n.discovery.Close()
	}
	return n.Host.Close()
}

// peerNotifiee implements network.Notifiee to detect new peer connections.
type peerNotifiee struct {
	peerConnected chan peer.ID
}

func (pn *peerNotifiee) Connected(net network.Network, conn network.Conn) {
	metrics.PeersConnected.Set(float64(len(net.Peers())))
	// Non-blocking send; drop if channel is full (sync will happen on next connect)
	select {
	case pn.peerConnected <- conn.RemotePeer():
	default:
	}
}

func (pn *peerNotifiee) Disconnected(net network.Network, _ network.Conn) {
	metrics.PeersConnected.Set(float64(len(net.Peers())))
}

func (pn *peerNotifiee) Listen(network.Network, ma.Multiaddr)      {}
func (pn *peerNotifiee) ListenClose(network.Network, ma.Multiaddr) {}
