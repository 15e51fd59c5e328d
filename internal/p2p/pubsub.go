package p2p

import (
	"context"
	"sync"

	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/djkazic/retargetd/internal/metrics"
)

const (
	peerRateLimit   = 10
	peerRateBurst   = 20
	maxPeerLimiters = 500
)

// Gossip is a message received on the header topic.
type Gossip struct {
	From   peer.ID
	Header *HeaderMsg
	Tip    *TipAnnounce
}

// PubSub manages GossipSub for header propagation.
type PubSub struct {
	ps     *pubsub.PubSub
	topic  *pubsub.Topic
	sub    *pubsub.Subscription
	self   peer.ID
	logger *zap.Logger

	peerLimiters   map[peer.ID]*rate.Limiter
	peerLimitersMu sync.Mutex
}

// NewPubSub joins the network's header topic and delivers received
// messages on incoming.
func NewPubSub(ctx context.Context, h host.Host, network string, incoming chan<- Gossip, logger *zap.Logger) (*PubSub, error) {
	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		return nil, err
	}

	topic, err := ps.Join(HeaderTopic(network))
	if err != nil {
		return nil, err
	}

	sub, err := topic.Subscribe()
	if err != nil {
		return nil, err
	}

	p := &PubSub{
		ps:           ps,
		topic:        topic,
		sub:          sub,
		self:         h.ID(),
		logger:       logger,
		peerLimiters: make(map[peer.ID]*rate.Limiter),
	}

	go p.readLoop(ctx, incoming)

	return p, nil
}

// PublishHeader publishes a connected header.
func (p *PubSub) PublishHeader(ctx context.Context, msg *HeaderMsg) error {
	msg.Type = MsgTypeHeader
	return p.publish(ctx, msg)
}

// PublishTip announces the local tip.
func (p *PubSub) PublishTip(ctx context.Context, msg *TipAnnounce) error {
	msg.Type = MsgTypeTipAnnounce
	return p.publish(ctx, msg)
}

func (p *PubSub) publish(ctx context.Context, msg interface{}) error {
	data, err := Encode(msg)
	if err != nil {
		return err
	}
	return p.topic.Publish(ctx, data)
}

func (p *PubSub) readLoop(ctx context.Context, incoming chan<- Gossip) {
	for {
		msg, err := p.sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("pubsub read error", zap.Error(err))
			continue
		}

		from := msg.GetFrom()
		if from == p.self {
			continue
		}

		if !p.getPeerLimiter(from).Allow() {
			p.logger.Warn("peer rate limited", zap.String("peer", from.String()))
			continue
		}

		g, err := decodeGossip(msg.Data)
		if err != nil {
			metrics.HeadersRejected.WithLabelValues("gossip").Inc()
			p.logger.Debug("invalid gossip message", zap.String("peer", from.String()), zap.Error(err))
			continue
		}
		g.From = from

		select {
		case incoming <- g:
		default:
			p.logger.Warn("incoming gossip channel full, dropping message")
		}
	}
}

func decodeGossip(data []byte) (Gossip, error) {
	typ, err := PeekType(data)
	if err != nil {
		return Gossip{}, err
	}
	switch typ {
	case MsgTypeHeader:
		msg, err := DecodeHeaderMsg(data)
		if err != nil {
			return Gossip{}, err
		}
		return Gossip{Header: msg}, nil
	case MsgTypeTipAnnounce:
		msg, err := DecodeTipAnnounce(data)
		if err != nil {
			return Gossip{}, err
		}
		return Gossip{Tip: msg}, nil
	default:
		return Gossip{}, &UnexpectedMessageError{Type: typ}
	}
}

// UnexpectedMessageError reports a message type not valid in its context.
type UnexpectedMessageError struct {
	Type MessageType
}

func (e *UnexpectedMessageError) Error() string {
	return "unexpected message type " + e.Type.String()
}

func (p *PubSub) getPeerLimiter(peerID peer.ID) *rate.Limiter {
	p.peerLimitersMu.Lock()
	defer p.peerLimitersMu.Unlock()

	if lim, ok := p.peerLimiters[peerID]; ok {
		return lim
	}

	// Evict a random entry if map is too large
	if len(p.peerLimiters) >= maxPeerLimiters {
		for id := range p.peerLimiters {
			delete(p.peerLimiters, id)
			break
		}
	}

	lim := rate.NewLimiter(peerRateLimit, peerRateBurst)
	p.peerLimiters[peerID] = lim
	return lim
}
