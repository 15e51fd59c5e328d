package p2p

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"github.com/djkazic/retargetd/internal/types"
)

const (
	// ProtocolVersion is the current P2P protocol version.
	ProtocolVersion = "1.0.0"

	// HeaderTopicPrefix prefixes the per-network GossipSub topic for header
	// and tip propagation.
	HeaderTopicPrefix = "/retargetd/headers/"

	// SyncProtocolID is the protocol ID for locator-based header sync.
	SyncProtocolID = "/retargetd/sync/" + ProtocolVersion
)

// HeaderTopic returns the gossip topic for a network.
func HeaderTopic(network string) string {
	return HeaderTopicPrefix + network + "/" + ProtocolVersion
}

// MessageType identifies the type of P2P message.
type MessageType uint8

const (
	MsgTypeHeader      MessageType = 1
	MsgTypeTipAnnounce MessageType = 2
	MsgTypeLocatorReq  MessageType = 3
	MsgTypeLocatorResp MessageType = 4
)

func (t MessageType) String() string {
	switch t {
	case MsgTypeHeader:
		return "header"
	case MsgTypeTipAnnounce:
		return "tip_announce"
	case MsgTypeLocatorReq:
		return "locator_req"
	case MsgTypeLocatorResp:
		return "locator_resp"
	default:
		return fmt.Sprintf("msg(%d)", uint8(t))
	}
}

// HeaderMsg carries a freshly connected header via GossipSub.
type HeaderMsg struct {
	Type   MessageType `cbor:"1,keyasint"`
	Height int64       `cbor:"2,keyasint"`
	Header []byte      `cbor:"3,keyasint"` // 80-byte wire header
}

// NewHeaderMsg wraps a header for gossip.
func NewHeaderMsg(height int64, hdr *types.BlockHeader) *HeaderMsg {
	return &HeaderMsg{Type: MsgTypeHeader, Height: height, Header: hdr.Serialize()}
}

// BlockHeader parses the carried header.
func (m *HeaderMsg) BlockHeader() (*types.BlockHeader, error) {
	return types.DeserializeHeader(m.Header)
}

// TipAnnounce announces a node's current chain tip.
type TipAnnounce struct {
	Type    MessageType `cbor:"1,keyasint"`
	TipHash [32]byte    `cbor:"2,keyasint"`
	Height  int64       `cbor:"3,keyasint"`
	Bits    uint32      `cbor:"4,keyasint"`
}

// LocatorReq sends exponentially-spaced hashes from the client's chain tip.
type LocatorReq struct {
	Type     MessageType `cbor:"1,keyasint"`
	Locators [][32]byte  `cbor:"2,keyasint"` // tip, tip-1, ..., tip-9, tip-11, tip-15, ..., genesis
	MaxCount int         `cbor:"3,keyasint"` // max headers to return
}

// LocatorResp returns headers from the fork point forward.
type LocatorResp struct {
	Type    MessageType `cbor:"1,keyasint"`
	Headers []byte      `cbor:"2,keyasint"` // compressed header batch, oldest first
	More    bool        `cbor:"3,keyasint"` // true if more headers are available
}

// BlockHeaders decodes the response's header batch.
func (r *LocatorResp) BlockHeaders() ([]*types.BlockHeader, error) {
	if len(r.Headers) == 0 {
		return nil, nil
	}
	return DecodeHeaderBatch(r.Headers)
}

// envelope is decoded first to dispatch on the message type.
type envelope struct {
	Type MessageType `cbor:"1,keyasint"`
}

// Encode serializes a message to CBOR.
func Encode(msg interface{}) ([]byte, error) {
	return cbor.Marshal(msg)
}

// PeekType returns the type of a CBOR-encoded message.
func PeekType(data []byte) (MessageType, error) {
	var env envelope
	if err := cbor.Unmarshal(data, &env); err != nil {
		return 0, err
	}
	return env.Type, nil
}

// DecodeHeaderMsg decodes a CBOR-encoded HeaderMsg.
func DecodeHeaderMsg(data []byte) (*HeaderMsg, error) {
	var msg HeaderMsg
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	if len(msg.Header) != types.HeaderSize {
		return nil, fmt.Errorf("header is %d bytes, want %d", len(msg.Header), types.HeaderSize)
	}
	if msg.Height < 0 {
		return nil, fmt.Errorf("negative height %d", msg.Height)
	}
	return &msg, nil
}

// DecodeTipAnnounce decodes a CBOR-encoded TipAnnounce.
func DecodeTipAnnounce(data []byte) (*TipAnnounce, error) {
	var msg TipAnnounce
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeLocatorReq decodes a CBOR-encoded LocatorReq.
func DecodeLocatorReq(data []byte) (*LocatorReq, error) {
	var msg LocatorReq
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// DecodeLocatorResp decodes a CBOR-encoded LocatorResp.
func DecodeLocatorResp(data []byte) (*LocatorResp, error) {
	var msg LocatorResp
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}
