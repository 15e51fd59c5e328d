package node

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/p2p"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/testutil"
)

const testPeer = peer.ID("test-peer")

// fakeNetwork serves sync requests from a source chain and records
// everything published.
type fakeNetwork struct {
	mu       sync.Mutex
	src      *chain.Chain
	incoming chan p2p.Gossip
	peers    chan peer.ID

	requests  int
	headers   []*p2p.HeaderMsg
	tips      []*p2p.TipAnnounce
	failAfter int
}

func newFakeNetwork(src *chain.Chain) *fakeNetwork {
	return &fakeNetwork{
		src:       src,
		incoming:  make(chan p2p.Gossip, 8),
		peers:     make(chan peer.ID, 8),
		failAfter: -1,
	}
}

func (f *fakeNetwork) Incoming() <-chan p2p.Gossip   { return f.incoming }
func (f *fakeNetwork) PeerConnected() <-chan peer.ID { return f.peers }

func (f *fakeNetwork) BroadcastHeader(_ context.Context, msg *p2p.HeaderMsg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.headers = append(f.headers, msg)
	return nil
}

func (f *fakeNetwork) AnnounceTip(_ context.Context, msg *p2p.TipAnnounce) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tips = append(f.tips, msg)
	return nil
}

func (f *fakeNetwork) RequestHeaders(_ context.Context, _ peer.ID, locator [][32]byte, maxCount int) (*p2p.LocatorResp, error) {
	if f.failAfter >= 0 && f.requests >= f.failAfter {
		return nil, errors.New("stream reset")
	}
	f.requests++
	return p2p.ServeHeaders(f.src)(&p2p.LocatorReq{Locators: locator, MaxCount: maxCount}), nil
}

func lastTip(f *fakeNetwork) *p2p.TipAnnounce {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tips) == 0 {
		return nil
	}
	return f.tips[len(f.tips)-1]
}

func newChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.New(chain.NewMemoryStore(), &chaincfg.RegressionNetParams, zap.NewNop())
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	return c
}

// grow mines n regtest headers onto c.
func grow(t *testing.T, c *chain.Chain, n int) []*types.BlockHeader {
	t.Helper()
	out := make([]*types.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		var prev [32]byte
		ts := int64(testutil.GenesisTime)
		if tip, ok := c.Tip(); ok {
			prev = tip.Hash()
			ts = tip.Timestamp() + 150
		}
		hdr := testutil.SampleHeader(prev, ts, chaincfg.RegressionNetParams.PowLimitBits(), 0)
		testutil.MineHeader(&hdr)
		if _, err := c.Connect(&hdr); err != nil {
			t.Fatalf("Connect %d: %v", i, err)
		}
		out = append(out, &hdr)
	}
	return out
}

func newTestNode(t *testing.T, c *chain.Chain, net Network, batch int) *Node {
	t.Helper()
	n, err := New(Config{Chain: c, Network: net, SyncBatch: batch})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return n
}

func TestNew_RequiresChain(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without a chain")
	}
}

func TestNode_SyncOnPeerConnect(t *testing.T) {
	src := newChain(t)
	grow(t, src, 25)

	local := newChain(t)
	net := newFakeNetwork(src)
	n := newTestNode(t, local, net, 4)

	n.handle(context.Background(), PeerConnectedEvent{Peer: testPeer})

	if local.Count() != 25 {
		t.Fatalf("count = %d, want 25", local.Count())
	}
	// 25 headers in batches of 4 is seven rounds.
	if net.requests != 7 {
		t.Errorf("requests = %d, want 7", net.requests)
	}
	if !n.tipDirty {
		t.Error("sync should mark the tip for announcement")
	}
}

func TestNode_SyncStopsOnError(t *testing.T) {
	src := newChain(t)
	grow(t, src, 20)

	local := newChain(t)
	net := newFakeNetwork(src)
	net.failAfter = 2
	n := newTestNode(t, local, net, 5)

	n.handle(context.Background(), PeerConnectedEvent{Peer: testPeer})

	if local.Count() != 10 {
		t.Errorf("count = %d, want 10 before the failing request", local.Count())
	}
}

func TestNode_GossipHeader(t *testing.T) {
	src := newChain(t)
	hdrs := grow(t, src, 6)

	local := newChain(t)
	if _, err := local.ConnectHeaders(hdrs[:3]); err != nil {
		t.Fatalf("ConnectHeaders: %v", err)
	}
	net := newFakeNetwork(src)
	n := newTestNode(t, local, net, 100)
	ctx := context.Background()

	tests := []struct {
		name      string
		height    int64
		hdr       *types.BlockHeader
		wantCount int
		wantReqs  int
	}{
		{"stale header ignored", 1, hdrs[1], 3, 0},
		{"next header connects", 3, hdrs[3], 4, 0},
		{"header ahead triggers sync", 5, hdrs[5], 6, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n.handle(ctx, GossipEvent{Gossip: p2p.Gossip{From: testPeer, Header: p2p.NewHeaderMsg(tt.height, tt.hdr)}})
			if local.Count() != tt.wantCount {
				t.Errorf("count = %d, want %d", local.Count(), tt.wantCount)
			}
			if net.requests != tt.wantReqs {
				t.Errorf("requests = %d, want %d", net.requests, tt.wantReqs)
			}
		})
	}
}

func TestNode_GossipInvalidHeader(t *testing.T) {
	local := newChain(t)
	hdrs := grow(t, local, 2)

	bad := testutil.SampleHeader(hdrs[1].Hash(), int64(hdrs[1].Timestamp)+150, 0x1f00ffff, 0)
	testutil.MineHeader(&bad)

	n := newTestNode(t, local, nil, 0)
	n.handle(context.Background(), GossipEvent{Gossip: p2p.Gossip{From: testPeer, Header: p2p.NewHeaderMsg(2, &bad)}})

	if local.Count() != 2 {
		t.Errorf("count = %d, want 2", local.Count())
	}
}

func TestNode_TipAnnounceTriggersSync(t *testing.T) {
	src := newChain(t)
	grow(t, src, 5)

	local := newChain(t)
	net := newFakeNetwork(src)
	n := newTestNode(t, local, net, 100)

	n.handle(context.Background(), GossipEvent{Gossip: p2p.Gossip{From: testPeer, Tip: &p2p.TipAnnounce{Height: 4}}})
	if local.Count() != 5 {
		t.Errorf("count = %d, want 5", local.Count())
	}

	n.handle(context.Background(), GossipEvent{Gossip: p2p.Gossip{From: testPeer, Tip: &p2p.TipAnnounce{Height: 2}}})
	if net.requests != 1 {
		t.Errorf("requests = %d, want 1; a lower tip must not trigger sync", net.requests)
	}
}

func TestNode_AnnounceTip(t *testing.T) {
	local := newChain(t)
	net := newFakeNetwork(local)
	n := newTestNode(t, local, net, 0)
	ctx := context.Background()

	n.announceTip(ctx)
	if len(net.tips) != 0 {
		t.Fatal("nothing to announce yet")
	}

	grow(t, local, 3)
	for _, ev := range drainChain(local) {
		n.handle(ctx, ChainEvent{Event: ev})
	}
	n.announceTip(ctx)

	if len(net.tips) != 1 || len(net.headers) != 1 {
		t.Fatalf("published %d tips, %d headers; want 1 each", len(net.tips), len(net.headers))
	}
	tip, _ := local.Tip()
	if net.tips[0].Height != 2 || net.tips[0].TipHash != tip.Hash() || net.tips[0].Bits != tip.Bits() {
		t.Errorf("tip announce = %+v", net.tips[0])
	}
	if net.headers[0].Height != 2 {
		t.Errorf("broadcast height = %d, want 2", net.headers[0].Height)
	}

	// An unchanged tip is not announced twice.
	n.tipDirty = true
	n.announceTip(ctx)
	if len(net.tips) != 1 {
		t.Errorf("tips = %d, want 1", len(net.tips))
	}
}

func TestNode_RunStopsOnCancel(t *testing.T) {
	local := newChain(t)
	net := newFakeNetwork(local)
	n, err := New(Config{Chain: local, Network: net, AnnounceInterval: 10 * time.Millisecond})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- n.Run(ctx) }()

	grow(t, local, 2)

	deadline := time.After(5 * time.Second)
	for {
		if tip := lastTip(net); tip != nil && tip.Height == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("tip was never announced")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Run = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func drainChain(c *chain.Chain) []chain.Event {
	var out []chain.Event
	for {
		select {
		case ev := <-c.Events():
			out = append(out, ev)
		default:
			return out
		}
	}
}
