package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// MockRPC implements NodeRPC over an in-memory header chain for testing.
type MockRPC struct {
	mu sync.Mutex

	Headers []*types.BlockHeader

	// Error overrides
	GetBlockCountErr    error
	GetBestBlockHashErr error
	GetBlockHashErr     error
	GetBlockHeaderErr   error

	Calls int
}

// NewMockRPC creates a mock node serving headers.
func NewMockRPC(headers ...*types.BlockHeader) *MockRPC {
	return &MockRPC{Headers: headers}
}

// Append adds headers to the mock node's chain.
func (m *MockRPC) Append(headers ...*types.BlockHeader) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Headers = append(m.Headers, headers...)
}

// SetErr sets the error returned by GetBlockCount.
func (m *MockRPC) SetErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.GetBlockCountErr = err
}

func (m *MockRPC) GetBlockCount(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls++
	if m.GetBlockCountErr != nil {
		return 0, m.GetBlockCountErr
	}
	return int64(len(m.Headers)) - 1, nil
}

func (m *MockRPC) GetBestBlockHash(_ context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBestBlockHashErr != nil {
		return "", m.GetBestBlockHashErr
	}
	if len(m.Headers) == 0 {
		return "", &Error{Code: -1, Message: "no blocks"}
	}
	return util.HashToHex(m.Headers[len(m.Headers)-1].Hash()), nil
}

func (m *MockRPC) GetBlockHash(_ context.Context, height int64) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBlockHashErr != nil {
		return "", m.GetBlockHashErr
	}
	if height < 0 || height >= int64(len(m.Headers)) {
		return "", &Error{Code: -8, Message: "Block height out of range"}
	}
	return util.HashToHex(m.Headers[height].Hash()), nil
}

func (m *MockRPC) GetBlockHeader(_ context.Context, hash string) (*types.BlockHeader, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.GetBlockHeaderErr != nil {
		return nil, m.GetBlockHeaderErr
	}
	for _, h := range m.Headers {
		if util.HashToHex(h.Hash()) == hash {
			hdr := *h
			return &hdr, nil
		}
	}
	return nil, fmt.Errorf("getblockheader %s: %w", hash, &Error{Code: -5, Message: "Block not found"})
}
