package transmission

import (
	"context"
	"errors"
	"time"

	"github.com/oscore-coap/engine/message"
)

// ErrPeerDead reports that a peer missed the configured number of
// consecutive heartbeats.
var ErrPeerDead = errors.New("transmission: peer missed heartbeats")

// Heartbeat periodically sends an empty Confirmable message (a CoAP
// ping, RFC 7252 section 4.3) and treats the peer's Reset - or an empty
// ACK from endpoints that answer pings that way - as proof of liveness.
type Heartbeat struct {
	Interval  time.Duration
	MaxMisses int
	Send      func(b []byte) error
}

// Ping frames the empty Confirmable message for one heartbeat round.
func Ping(mid uint16) []byte {
	return []byte{0x40, 0x00, byte(mid >> 8), byte(mid)}
}

// IsPong reports whether m concludes the heartbeat round with Message ID
// mid: an empty RST or empty ACK bearing the same MID.
func IsPong(m *message.Message, mid uint16) bool {
	return m.MID == mid && m.Code == message.Empty &&
		(m.Type == message.Reset || m.Type == message.Acknowledgement)
}

// Run drives the heartbeat loop: one ping per Interval, with the caller
// signalling each received pong on the pong channel (normally from the
// same inbound-dispatch goroutine that feeds Matcher.Match). Run returns
// ErrPeerDead after MaxMisses consecutive silent intervals, the first
// Send error, or ctx's error on cancellation.
func (h *Heartbeat) Run(ctx context.Context, nextMID func() uint16, pong <-chan struct{}) error {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	misses := 0
	for {
		if err := h.Send(Ping(nextMID())); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-pong:
			misses = 0
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
			}
		case <-ticker.C:
			misses++
			if misses >= h.MaxMisses {
				return ErrPeerDead
			}
		}
	}
}
