// Package rpc talks JSON-RPC to an upstream full node to read its headers.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
)

// NodeRPC is the subset of the full node RPC interface used to follow its
// header chain.
type NodeRPC interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetBestBlockHash(ctx context.Context) (string, error)
	GetBlockHash(ctx context.Context, height int64) (string, error)
	GetBlockHeader(ctx context.Context, hash string) (*types.BlockHeader, error)
}

// Client implements NodeRPC using JSON-RPC over HTTP.
type Client struct {
	url      string
	user     string
	password string
	client   *http.Client
	idSeq    atomic.Int64
}

// NewClient creates a new JSON-RPC client.
func NewClient(url, user, password string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		url:      url,
		user:     user,
		password: password,
		client:   &http.Client{Timeout: timeout},
	}
}

// call makes a JSON-RPC call and decodes the result into out.
func (c *Client) call(ctx context.Context, out interface{}, method string, params ...interface{}) error {
	req := Request{
		JSONRPC: "1.0",
		ID:      c.idSeq.Add(1),
		Method:  method,
		Params:  params,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.SetBasicAuth(c.user, c.password)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("RPC request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var rpcResp Response
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return fmt.Errorf("unmarshal response: %w (status %d)", err, httpResp.StatusCode)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}

	if err := json.Unmarshal(rpcResp.Result, out); err != nil {
		return fmt.Errorf("unmarshal %s result: %w", method, err)
	}
	return nil
}

// GetBlockCount returns the height of the node's best block.
func (c *Client) GetBlockCount(ctx context.Context) (int64, error) {
	var height int64
	if err := c.call(ctx, &height, "getblockcount"); err != nil {
		return 0, fmt.Errorf("getblockcount: %w", err)
	}
	return height, nil
}

// GetBestBlockHash returns the hash of the node's best block.
func (c *Client) GetBestBlockHash(ctx context.Context) (string, error) {
	var hash string
	if err := c.call(ctx, &hash, "getbestblockhash"); err != nil {
		return "", fmt.Errorf("getbestblockhash: %w", err)
	}
	return hash, nil
}

// GetBlockHash returns the hash of the block at height on the node's best chain.
func (c *Client) GetBlockHash(ctx context.Context, height int64) (string, error) {
	var hash string
	if err := c.call(ctx, &hash, "getblockhash", height); err != nil {
		return "", fmt.Errorf("getblockhash %d: %w", height, err)
	}
	return hash, nil
}

// GetBlockHeader fetches the raw header with the given display-order hash.
func (c *Client) GetBlockHeader(ctx context.Context, hash string) (*types.BlockHeader, error) {
	var raw string
	if err := c.call(ctx, &raw, "getblockheader", hash, false); err != nil {
		return nil, fmt.Errorf("getblockheader %s: %w", hash, err)
	}
	return decodeHeaderHex(hash, raw)
}

// GetBlockHeaderInfo fetches the verbose header with the given hash.
func (c *Client) GetBlockHeaderInfo(ctx context.Context, hash string) (*BlockHeaderInfo, error) {
	var info BlockHeaderInfo
	if err := c.call(ctx, &info, "getblockheader", hash, true); err != nil {
		return nil, fmt.Errorf("getblockheader %s: %w", hash, err)
	}
	return &info, nil
}

// decodeHeaderHex parses a serialized header and checks it hashes to want.
func decodeHeaderHex(want, raw string) (*types.BlockHeader, error) {
	data, err := util.HexToBytes(raw)
	if err != nil {
		return nil, fmt.Errorf("decode header hex: %w", err)
	}
	hdr, err := types.DeserializeHeader(data)
	if err != nil {
		return nil, err
	}
	if got := util.HashToHex(hdr.Hash()); got != want {
		return nil, fmt.Errorf("header hashes to %s, requested %s", got, want)
	}
	return hdr, nil
}
