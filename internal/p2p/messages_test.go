package p2p

import (
	"bytes"
	"errors"
	"testing"

	"github.com/djkazic/retargetd/internal/types"
	"github.com/djkazic/retargetd/pkg/util"
	"github.com/djkazic/retargetd/testutil"
)

func sampleHeaders(n int) []*types.BlockHeader {
	chain := testutil.BuildChain(n, 150, 0x1e0fffff)
	out := make([]*types.BlockHeader, len(chain))
	for i, ih := range chain {
		hdr := ih.Header
		out[i] = &hdr
	}
	return out
}

func TestHeaderMsg_RoundTrip(t *testing.T) {
	hdr := sampleHeaders(3)[2]
	data, err := Encode(NewHeaderMsg(2, hdr))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	typ, err := PeekType(data)
	if err != nil || typ != MsgTypeHeader {
		t.Fatalf("PeekType = %v, %v; want header", typ, err)
	}

	decoded, err := DecodeHeaderMsg(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Height != 2 {
		t.Errorf("height = %d, want 2", decoded.Height)
	}
	got, err := decoded.BlockHeader()
	if err != nil {
		t.Fatalf("BlockHeader: %v", err)
	}
	if got.Hash() != hdr.Hash() {
		t.Error("header hash mismatch")
	}
}

func TestDecodeHeaderMsg_Rejects(t *testing.T) {
	tests := []struct {
		name string
		msg  *HeaderMsg
	}{
		{"short header", &HeaderMsg{Type: MsgTypeHeader, Header: make([]byte, 79)}},
		{"long header", &HeaderMsg{Type: MsgTypeHeader, Header: make([]byte, 81)}},
		{"negative height", &HeaderMsg{Type: MsgTypeHeader, Height: -1, Header: make([]byte, 80)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			if err != nil {
				t.Fatalf("encode: %v", err)
			}
			if _, err := DecodeHeaderMsg(data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestTipAnnounce_RoundTrip(t *testing.T) {
	original := &TipAnnounce{
		Type:   MsgTypeTipAnnounce,
		Height: 432000,
		Bits:   0x1c0ff2a1,
	}
	original.TipHash[0] = 0xcd

	data, err := Encode(original)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	decoded, err := DecodeTipAnnounce(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.Height != 432000 || decoded.Bits != 0x1c0ff2a1 {
		t.Errorf("decoded = height %d bits %08x", decoded.Height, decoded.Bits)
	}
	if decoded.TipHash[0] != 0xcd {
		t.Errorf("tip hash mismatch")
	}
}

func TestDecodeGossip(t *testing.T) {
	hdrData, _ := Encode(NewHeaderMsg(0, sampleHeaders(1)[0]))
	tipData, _ := Encode(&TipAnnounce{Type: MsgTypeTipAnnounce, Height: 7})
	reqData, _ := Encode(&LocatorReq{Type: MsgTypeLocatorReq})

	g, err := decodeGossip(hdrData)
	if err != nil || g.Header == nil || g.Tip != nil {
		t.Errorf("header gossip = %+v, %v", g, err)
	}
	g, err = decodeGossip(tipData)
	if err != nil || g.Tip == nil || g.Tip.Height != 7 {
		t.Errorf("tip gossip = %+v, %v", g, err)
	}
	if _, err := decodeGossip(reqData); err == nil {
		t.Error("locator request on the gossip topic should be rejected")
	}
	if _, err := decodeGossip([]byte{0xff, 0x00}); err == nil {
		t.Error("garbage should be rejected")
	}
}

func TestHeaderBatch_RoundTrip(t *testing.T) {
	hdrs := sampleHeaders(50)
	data := EncodeHeaderBatch(hdrs)

	if raw := 1 + 50*types.HeaderSize; len(data) >= raw {
		t.Errorf("compressed batch is %d bytes, raw is %d", len(data), raw)
	}

	got, err := DecodeHeaderBatch(data)
	if err != nil {
		t.Fatalf("DecodeHeaderBatch: %v", err)
	}
	if len(got) != len(hdrs) {
		t.Fatalf("got %d headers, want %d", len(got), len(hdrs))
	}
	for i := range hdrs {
		if got[i].Hash() != hdrs[i].Hash() {
			t.Errorf("header %d hash mismatch", i)
		}
	}
}

func TestDecodeHeaderBatch_Uncompressed(t *testing.T) {
	hdrs := sampleHeaders(2)
	raw := util.WriteVarInt(2)
	raw = append(raw, hdrs[0].Serialize()...)
	raw = append(raw, hdrs[1].Serialize()...)

	got, err := DecodeHeaderBatch(raw)
	if err != nil {
		t.Fatalf("DecodeHeaderBatch: %v", err)
	}
	if len(got) != 2 || got[1].Hash() != hdrs[1].Hash() {
		t.Error("uncompressed batch decoded wrong")
	}
}

func TestDecodeHeaderBatch_Errors(t *testing.T) {
	hdr := sampleHeaders(1)[0].Serialize()
	tests := []struct {
		name string
		data []byte
	}{
		{"empty", nil},
		{"truncated count", []byte{0xfd, 0xd0}},
		{"truncated", append(util.WriteVarInt(2), hdr...)},
		{"trailing bytes", append(append(util.WriteVarInt(1), hdr...), 0x00)},
		{"too many", util.WriteVarInt(maxBatchHeaders + 1)},
		{"corrupt zstd", []byte{0x28, 0xB5, 0x2F, 0xFD, 0x00, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := DecodeHeaderBatch(tt.data); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHeaderBatch_CountBoundaries(t *testing.T) {
	// 0xfc is the last count written in one byte; 0xfd needs the marker.
	for _, n := range []int{0xfc, 0xfd, maxBatchHeaders} {
		hdrs := sampleHeaders(n)
		got, err := DecodeHeaderBatch(EncodeHeaderBatch(hdrs))
		if err != nil {
			t.Fatalf("%d headers: %v", n, err)
		}
		if len(got) != n || got[n-1].Hash() != hdrs[n-1].Hash() {
			t.Errorf("%d headers decoded as %d", n, len(got))
		}
	}

	_, err := DecodeHeaderBatch([]byte{0xfd, 0xd0})
	if !errors.Is(err, util.ErrShortVarInt) {
		t.Errorf("err = %v, want ErrShortVarInt", err)
	}
}

func TestLocatorResp_EmptyBatch(t *testing.T) {
	resp := &LocatorResp{Type: MsgTypeLocatorResp}
	data, err := Encode(resp)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	decoded, err := DecodeLocatorResp(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	hdrs, err := decoded.BlockHeaders()
	if err != nil || len(hdrs) != 0 {
		t.Errorf("BlockHeaders = %d, %v; want none", len(hdrs), err)
	}
	if !bytes.Equal(decoded.Headers, nil) {
		t.Error("empty response should carry no batch")
	}
}
