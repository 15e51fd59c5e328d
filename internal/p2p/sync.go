package p2p

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/libp2p/go-libp2p/core/protocol"

	"go.uber.org/zap"

	"github.com/djkazic/retargetd/internal/types"
)

const (
	maxSyncBatchSize  = maxBatchHeaders
	maxSyncMsgSize    = 1024 * 1024 // 1MB
	maxLocatorCount   = 64
	syncStreamTimeout = 30 * time.Second
)

// SyncHandler handles locator-based sync requests from peers.
type SyncHandler func(req *LocatorReq) *LocatorResp

// HeaderSource serves headers following a locator.
type HeaderSource interface {
	HeadersAfter(locator [][32]byte, limit int) []*types.BlockHeader
}

// ServeHeaders returns a SyncHandler answering from src.
func ServeHeaders(src HeaderSource) SyncHandler {
	return func(req *LocatorReq) *LocatorResp {
		limit := req.MaxCount
		if limit <= 0 || limit > maxSyncBatchSize {
			limit = maxSyncBatchSize
		}
		// Fetch one extra to learn whether more remain.
		hdrs := src.HeadersAfter(req.Locators, limit+1)
		more := len(hdrs) > limit
		if more {
			hdrs = hdrs[:limit]
		}
		resp := &LocatorResp{Type: MsgTypeLocatorResp, More: more}
		if len(hdrs) > 0 {
			resp.Headers = EncodeHeaderBatch(hdrs)
		}
		return resp
	}
}

// Syncer handles header synchronization with peers.
type Syncer struct {
	host    host.Host
	logger  *zap.Logger
	handler SyncHandler
}

// NewSyncer creates a new sync handler.
func NewSyncer(h host.Host, handler SyncHandler, logger *zap.Logger) *Syncer {
	s := &Syncer{
		host:    h,
		logger:  logger,
		handler: handler,
	}

	h.SetStreamHandler(protocol.ID(SyncProtocolID), s.handleStream)

	return s
}

// handleStream handles incoming sync requests.
func (s *Syncer) handleStream(stream network.Stream) {
	defer stream.Close()

	// Deadline prevents a slow peer from holding the stream open.
	stream.SetDeadline(time.Now().Add(syncStreamTimeout))

	data, err := io.ReadAll(io.LimitReader(stream, maxSyncMsgSize))
	if err != nil {
		s.logger.Debug("sync read error", zap.Error(err))
		return
	}

	req, err := DecodeLocatorReq(data)
	if err != nil {
		s.logger.Debug("invalid sync request", zap.Error(err))
		return
	}

	if req.MaxCount > maxSyncBatchSize {
		req.MaxCount = maxSyncBatchSize
	}
	if len(req.Locators) > maxLocatorCount {
		req.Locators = req.Locators[:maxLocatorCount]
	}

	resp := s.handler(req)
	if resp == nil {
		resp = &LocatorResp{Type: MsgTypeLocatorResp}
	}

	data, err = Encode(resp)
	if err != nil {
		s.logger.Error("encode sync response", zap.Error(err))
		return
	}

	if _, err := stream.Write(data); err != nil {
		s.logger.Debug("sync write error", zap.Error(err))
	}
}

// RequestLocator sends a locator-based sync request to a peer.
func (s *Syncer) RequestLocator(ctx context.Context, peerID peer.ID, locators [][32]byte, maxCount int) (*LocatorResp, error) {
	stream, err := s.host.NewStream(ctx, peerID, protocol.ID(SyncProtocolID))
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}
	defer stream.Close()

	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	} else {
		stream.SetDeadline(time.Now().Add(syncStreamTimeout))
	}

	req := &LocatorReq{
		Type:     MsgTypeLocatorReq,
		Locators: locators,
		MaxCount: maxCount,
	}

	data, err := Encode(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	if _, err := stream.Write(data); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	// Close write side to signal we're done
	stream.CloseWrite()

	data, err = io.ReadAll(io.LimitReader(stream, maxSyncMsgSize))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	resp, err := DecodeLocatorResp(data)
	if err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return resp, nil
}
