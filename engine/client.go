package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/atomic"

	"github.com/oscore-coap/engine/combined"
	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/message"
	"github.com/oscore-coap/engine/token"
	"github.com/oscore-coap/engine/transmission"
)

// ErrTimeout reports that a Confirmable request exhausted its
// retransmission budget.
var ErrTimeout = errors.New("engine: request timed out after max retransmissions")

// ErrReset reports that the peer answered the request with a Reset.
var ErrReset = errors.New("engine: peer reset the request")

// Client is the request side of the engine: sequence-based token
// allocation, Confirmable retransmission, reply matching
// and the combined-request builder. The embedder supplies the
// datagram send function and feeds inbound datagrams to HandleInbound,
// the same transport-agnostic split HandleDatagram uses on the server
// side.
type Client struct {
	Send    func(peer net.Addr, b []byte) error
	Tokens  *token.Generator
	Matcher *transmission.Matcher
	Params  transmission.Params

	// MaxUnfragmentedSize is the RFC 9668 guard applied by DoCombined.
	MaxUnfragmentedSize int

	mid atomic.Uint32
}

// NewClient builds a Client around send, taking the retransmission
// parameters and MAX_UNFRAGMENTED_SIZE from cfg.
func NewClient(send func(peer net.Addr, b []byte) error, cfg *config.Config) (*Client, error) {
	tokens, err := token.NewGenerator(nil)
	if err != nil {
		return nil, fmt.Errorf("engine: seeding client token generator: %w", err)
	}
	return &Client{
		Send:                send,
		Tokens:              tokens,
		Matcher:             transmission.NewMatcher(),
		Params:              transmissionParams(cfg.Transmission),
		MaxUnfragmentedSize: cfg.OSCOREMaxUnfragmentedSize,
	}, nil
}

// transmissionParams converts config's factor-valued transmission knobs
// (0.5, 2.0) to the integer-percent form transmission.Params carries,
// falling back to the RFC 7252 defaults for any zero field.
func transmissionParams(tp config.TransmissionParams) transmission.Params {
	p := transmission.DefaultParams()
	if tp.ACKTimeout > 0 {
		p.ACKTimeout = tp.ACKTimeout
	}
	if tp.ACKRandomPct > 0 {
		p.ACKRandomPct = int(tp.ACKRandomPct * 100)
	}
	if tp.BackoffPct > 0 {
		p.BackoffPct = int(tp.BackoffPct * 100)
	}
	if tp.MaxRetransmit > 0 {
		p.MaxRetransmit = tp.MaxRetransmit
	}
	return p
}

// NextMID allocates a fresh Message ID.
func (c *Client) NextMID() uint16 {
	return uint16(c.mid.Inc())
}

// Do sends m to peer and blocks until the matching reply arrives, the
// context is cancelled, or a Confirmable request exhausts its
// retransmission cycles. A zero-length token and zero MID are assigned
// from the client's generators; callers that pre-assign either keep
// their values (deterministic tests rely on this).
func (c *Client) Do(ctx context.Context, peer net.Addr, m *message.Message) (*message.Message, error) {
	if len(m.Token) == 0 {
		t := c.Tokens.Next()
		m.Token = t[:]
	}
	if m.MID == 0 {
		m.MID = c.NextMID()
	}
	raw, err := message.Serialize(m)
	if err != nil {
		return nil, fmt.Errorf("engine: serialize request: %w", err)
	}

	peerKey := peer.String()
	pending := transmission.NewPending(raw, peer, c.Params)
	entry := c.Matcher.Register(peerKey, m.MID, m.Token, pending)
	defer c.Matcher.Remove(peerKey, m.MID, m.Token)

	if err := c.Send(peer, raw); err != nil {
		return nil, err
	}

	// acked flips once an empty ACK promises a separate response; from
	// then on the request is no longer retransmitted (RFC 7252 section
	// 5.2.2) and only the token match can conclude the exchange.
	acked := false
	for {
		wait := time.Until(pending.Deadline)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()

		case reply := <-entry.Reply:
			timer.Stop()
			if reply.Type == message.Reset {
				return nil, ErrReset
			}
			if reply.Code == message.Empty && reply.Type == message.Acknowledgement {
				acked = true
				continue
			}
			return reply, nil

		case <-timer.C:
			if acked || m.Type != message.Confirmable || !pending.Cycle() {
				return nil, ErrTimeout
			}
			if err := c.Send(peer, pending.PacketCopy); err != nil {
				return nil, err
			}
		}
	}
}

// HandleInbound feeds one datagram received from peer through the reply
// matcher, waking the Do call it belongs to. It reports false when the
// datagram matched no outstanding request (the embedder then treats it
// as a server-side message, e.g. an Observe notification).
func (c *Client) HandleInbound(peer net.Addr, raw []byte) bool {
	m, err := message.Parse(raw)
	if err != nil {
		return false
	}
	entry, ok := c.Matcher.Match(peer.String(), m)
	if !ok {
		return false
	}
	select {
	case entry.Reply <- m:
	default:
	}
	return true
}

// DoCombined builds the RFC 9668 combined request from an
// already-protected message and EDHOC message_3 and sends it via
// Do. Only the first Block1 fragment of a fragmented combined request
// may carry the EDHOC option; fragmentation above MAX_UNFRAGMENTED_SIZE
// is the caller's concern and Build rejects oversize payloads outright.
func (c *Client) DoCombined(ctx context.Context, peer net.Addr, protected *message.Message, edhocMsg3 []byte) (*message.Message, error) {
	m, err := combined.Build(protected, edhocMsg3, c.MaxUnfragmentedSize)
	if err != nil {
		return nil, err
	}
	return c.Do(ctx, peer, m)
}
