package follower

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/chain"
	"github.com/djkazic/retargetd/internal/chaincfg"
	"github.com/djkazic/retargetd/internal/rpc"
	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/testutil"
)

const regtestBits = 0x207fffff

// minedHeaders extends prev with n mined regtest headers.
func minedHeaders(prev *types.BlockHeader, n int) []*types.BlockHeader {
	var prevHash [32]byte
	ts := int64(testutil.GenesisTime)
	if prev != nil {
		prevHash = prev.Hash()
		ts = int64(prev.Timestamp) + 150
	}
	out := make([]*types.BlockHeader, 0, n)
	for i := 0; i < n; i++ {
		hdr := testutil.SampleHeader(prevHash, ts, regtestBits, 0)
		testutil.MineHeader(&hdr)
		out = append(out, &hdr)
		prevHash = hdr.Hash()
		ts += 150
	}
	return out
}

func newChain(t *testing.T) *chain.Chain {
	t.Helper()
	c, err := chain.New(chain.NewMemoryStore(), &chaincfg.RegressionNetParams, zap.NewNop())
	if err != nil {
		t.Fatalf("chain.New: %v", err)
	}
	return c
}

func TestFollower_SyncFromEmpty(t *testing.T) {
	hdrs := minedHeaders(nil, 25)
	mock := rpc.NewMockRPC(hdrs...)
	c := newChain(t)
	f := New(mock, c, time.Second, 10, zap.NewNop())

	n, err := f.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 25 {
		t.Errorf("connected %d, want 25", n)
	}
	tip, _ := c.Tip()
	if tip.Height != 24 || tip.Hash() != hdrs[24].Hash() {
		t.Errorf("tip = %d %s", tip.Height, tip.HashHex())
	}

	// Three batches of at most ten.
	for _, want := range []int{10, 10, 5} {
		select {
		case batch := <-f.Headers():
			if len(batch) != want {
				t.Errorf("batch of %d, want %d", len(batch), want)
			}
		default:
			t.Fatal("missing header batch")
		}
	}
}

func TestFollower_SyncIncremental(t *testing.T) {
	hdrs := minedHeaders(nil, 5)
	mock := rpc.NewMockRPC(hdrs...)
	c := newChain(t)
	f := New(mock, c, time.Second, 0, zap.NewNop())

	if _, err := f.Sync(context.Background()); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n, err := f.Sync(context.Background()); err != nil || n != 0 {
		t.Errorf("idle Sync = %d, %v; want 0", n, err)
	}

	mock.Append(minedHeaders(hdrs[4], 3)...)
	n, err := f.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if n != 3 {
		t.Errorf("connected %d, want 3", n)
	}
	if c.Count() != 8 {
		t.Errorf("count = %d, want 8", c.Count())
	}
}

func TestFollower_Diverged(t *testing.T) {
	local := minedHeaders(nil, 5)
	c := newChain(t)
	if _, err := c.ConnectHeaders(local); err != nil {
		t.Fatalf("ConnectHeaders: %v", err)
	}

	// Upstream shares genesis but has a different block 1 onwards.
	fork := append([]*types.BlockHeader{local[0]}, minedHeaders(local[0], 1)...)
	fork[1].Nonce++
	testutil.MineHeader(fork[1])
	fork = append(fork, minedHeaders(fork[1], 5)...)

	f := New(rpc.NewMockRPC(fork...), c, time.Second, 0, zap.NewNop())
	if _, err := f.Sync(context.Background()); !errors.Is(err, ErrDiverged) {
		t.Errorf("err = %v, want ErrDiverged", err)
	}
}

func TestFollower_RPCError(t *testing.T) {
	mock := rpc.NewMockRPC(minedHeaders(nil, 2)...)
	mock.SetErr(errors.New("connection refused"))
	f := New(mock, newChain(t), time.Second, 0, zap.NewNop())

	if _, err := f.Sync(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestFollower_NilLogger(t *testing.T) {
	mock := rpc.NewMockRPC(minedHeaders(nil, 2)...)
	mock.SetErr(errors.New("connection refused"))
	f := New(mock, newChain(t), 5*time.Millisecond, 0, nil)
	if f.logger == nil {
		t.Fatal("logger not defaulted")
	}

	// Failed polls log; this must not panic.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	f.Start(ctx)
	<-ctx.Done()
}

func TestFollower_PollLoop(t *testing.T) {
	mock := rpc.NewMockRPC(minedHeaders(nil, 3)...)
	c := newChain(t)
	f := New(mock, c, 10*time.Millisecond, 0, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.Start(ctx)

	select {
	case batch := <-f.Headers():
		if len(batch) != 3 {
			t.Errorf("batch of %d, want 3", len(batch))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("poll loop did not sync")
	}
}

func TestBackoffDuration(t *testing.T) {
	f := New(nil, nil, 5*time.Second, 0, zap.NewNop())
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 5 * time.Second},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 40 * time.Second},
		{5, 60 * time.Second},
		{10, 60 * time.Second},
	}
	for _, tt := range tests {
		if got := f.backoffDuration(tt.failures); got != tt.want {
			t.Errorf("backoffDuration(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}
