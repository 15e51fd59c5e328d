package node

import (
	"github.com/libp2p/go-libp2p/core/peer"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/p2p"
	"github.com/djkazic/retargetd/internal/types"
)

// Event types for the orchestrator event loop.

// UpstreamBatchEvent signals that the follower connected a batch of
// headers from the upstream node.
type UpstreamBatchEvent struct {
	Headers []*types.BlockHeader
}

// GossipEvent signals a header or tip announcement from the P2P network.
type GossipEvent struct {
	Gossip p2p.Gossip
}

// PeerConnectedEvent signals a new peer connection.
type PeerConnectedEvent struct {
	Peer peer.ID
}

// ChainEvent signals a chain state change.
type ChainEvent struct {
	Event chain.Event
}
