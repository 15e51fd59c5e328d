package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/djkazic/retargetd/pkg/util"
	"github.com/djkazic/retargetd/testutil"
)

// fakeNode serves JSON-RPC from a handler keyed by method name.
func fakeNode(t *testing.T, handle func(method string, params []json.RawMessage) (interface{}, *Error)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user" || pass != "pass" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req struct {
			ID     interface{}       `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
			return
		}
		result, rpcErr := handle(req.Method, req.Params)
		resp := map[string]interface{}{"id": req.ID, "result": result, "error": rpcErr}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestClient_GetBlockCount(t *testing.T) {
	srv := fakeNode(t, func(method string, _ []json.RawMessage) (interface{}, *Error) {
		if method != "getblockcount" {
			return nil, &Error{Code: -32601, Message: "Method not found"}
		}
		return 4242, nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 0)
	height, err := c.GetBlockCount(context.Background())
	if err != nil {
		t.Fatalf("GetBlockCount: %v", err)
	}
	if height != 4242 {
		t.Errorf("height = %d, want 4242", height)
	}
}

func TestClient_GetBlockHashAndHeader(t *testing.T) {
	chain := testutil.BuildChain(3, 150, 0x1d00ffff)
	hdr := chain[2].Header
	hashHex := util.HashToHex(hdr.Hash())

	srv := fakeNode(t, func(method string, params []json.RawMessage) (interface{}, *Error) {
		switch method {
		case "getblockhash":
			var h int64
			_ = json.Unmarshal(params[0], &h)
			if h != 2 {
				return nil, &Error{Code: -8, Message: "Block height out of range"}
			}
			return hashHex, nil
		case "getblockheader":
			var verbose bool
			_ = json.Unmarshal(params[1], &verbose)
			if verbose {
				return BlockHeaderInfo{Hash: hashHex, Height: 2, Bits: "1d00ffff", Time: int64(hdr.Timestamp)}, nil
			}
			return util.BytesToHex(hdr.Serialize()), nil
		}
		return nil, &Error{Code: -32601, Message: "Method not found"}
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 0)
	ctx := context.Background()

	got, err := c.GetBlockHash(ctx, 2)
	if err != nil {
		t.Fatalf("GetBlockHash: %v", err)
	}
	if got != hashHex {
		t.Errorf("hash = %s, want %s", got, hashHex)
	}

	fetched, err := c.GetBlockHeader(ctx, got)
	if err != nil {
		t.Fatalf("GetBlockHeader: %v", err)
	}
	if *fetched != hdr {
		t.Errorf("header = %+v, want %+v", *fetched, hdr)
	}

	info, err := c.GetBlockHeaderInfo(ctx, got)
	if err != nil {
		t.Fatalf("GetBlockHeaderInfo: %v", err)
	}
	if info.Height != 2 || info.Bits != "1d00ffff" {
		t.Errorf("info = %+v", info)
	}

	_, err = c.GetBlockHash(ctx, 99)
	var rpcErr *Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != -8 {
		t.Errorf("out of range: err = %v, want RPC error -8", err)
	}
}

func TestClient_HeaderHashMismatch(t *testing.T) {
	chain := testutil.BuildChain(2, 150, 0x1d00ffff)
	srv := fakeNode(t, func(string, []json.RawMessage) (interface{}, *Error) {
		return util.BytesToHex(chain[0].Header.Serialize()), nil
	})
	defer srv.Close()

	c := NewClient(srv.URL, "user", "pass", 0)
	if _, err := c.GetBlockHeader(context.Background(), chain[1].HashHex()); err == nil {
		t.Error("expected error for header that does not match the requested hash")
	}
}

func TestClient_Unauthorized(t *testing.T) {
	srv := fakeNode(t, func(string, []json.RawMessage) (interface{}, *Error) { return 1, nil })
	defer srv.Close()

	c := NewClient(srv.URL, "user", "wrong", 0)
	if _, err := c.GetBlockCount(context.Background()); err == nil {
		t.Error("expected error with bad credentials")
	}
}

func TestMockRPC(t *testing.T) {
	chain := testutil.BuildChain(4, 150, 0x1d00ffff)
	mock := NewMockRPC(&chain[0].Header, &chain[1].Header)
	mock.Append(&chain[2].Header, &chain[3].Header)
	ctx := context.Background()

	count, err := mock.GetBlockCount(ctx)
	if err != nil || count != 3 {
		t.Fatalf("GetBlockCount = %d, %v; want 3", count, err)
	}
	best, _ := mock.GetBestBlockHash(ctx)
	if best != chain[3].HashHex() {
		t.Error("best hash mismatch")
	}
	hash, err := mock.GetBlockHash(ctx, 1)
	if err != nil {
		t.Fatalf("GetBlockHash: %v", err)
	}
	hdr, err := mock.GetBlockHeader(ctx, hash)
	if err != nil {
		t.Fatalf("GetBlockHeader: %v", err)
	}
	if hdr.Hash() != chain[1].Hash() {
		t.Error("header mismatch")
	}

	mock.SetErr(errors.New("connection refused"))
	if _, err := mock.GetBlockCount(ctx); err == nil {
		t.Error("expected error override")
	}
}

func TestRPCError(t *testing.T) {
	err := &Error{Code: -1, Message: "test error"}
	if err.Error() != "RPC error -1: test error" {
		t.Errorf("unexpected error string: %s", err.Error())
	}
}
