package engine

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/message"
)

// TestClientDoMatchesPiggybackedResponse wires the client to a loopback
// transport whose "server" answers every request with a piggybacked ACK,
// covering token allocation and reply matching together.
func TestClientDoMatchesPiggybackedResponse(t *testing.T) {
	cfg := config.Default()
	peer := testAddr("10.1.0.1:5683")

	var c *Client
	var err error
	c, err = NewClient(func(to net.Addr, b []byte) error {
		go func() {
			req, perr := message.Parse(b)
			require.NoError(t, perr)
			resp := &message.Message{
				Version: message.CurrentVersion,
				Type:    message.Acknowledgement,
				Code:    message.Content,
				MID:     req.MID,
				Token:   req.Token,
				Payload: []byte("ok"),
			}
			wire, serr := message.Serialize(resp)
			require.NoError(t, serr)
			require.True(t, c.HandleInbound(to, wire))
		}()
		return nil
	}, cfg)
	require.NoError(t, err)

	m := &message.Message{Version: message.CurrentVersion, Type: message.Confirmable, Code: message.GET}
	reply, err := c.Do(context.Background(), peer, m)
	require.NoError(t, err)
	require.Equal(t, message.Content, reply.Code)
	require.Equal(t, "ok", string(reply.Payload))
	require.Len(t, m.Token, 8, "client assigns an 8-byte sequence token")
}

// TestClientDoRetransmitsThenTimesOut: a Confirmable request
// with no reply is retransmitted MaxRetransmit times and then fails with
// ErrTimeout.
func TestClientDoRetransmitsThenTimesOut(t *testing.T) {
	cfg := config.Default()
	cfg.Transmission.ACKTimeout = 10 * time.Millisecond
	cfg.Transmission.MaxRetransmit = 2

	var mu sync.Mutex
	sends := 0
	c, err := NewClient(func(to net.Addr, b []byte) error {
		mu.Lock()
		sends++
		mu.Unlock()
		return nil
	}, cfg)
	require.NoError(t, err)

	m := &message.Message{Version: message.CurrentVersion, Type: message.Confirmable, Code: message.GET}
	_, derr := c.Do(context.Background(), testAddr("10.1.0.2:5683"), m)
	require.ErrorIs(t, derr, ErrTimeout)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 3, sends, "initial transmission plus MaxRetransmit retries")
}

// TestClientSeparateResponseAfterEmptyACK checks the two-phase exchange:
// an empty ACK stops retransmission, and the later token-matched
// response concludes Do.
func TestClientSeparateResponseAfterEmptyACK(t *testing.T) {
	cfg := config.Default()
	cfg.Transmission.ACKTimeout = 50 * time.Millisecond
	peer := testAddr("10.1.0.3:5683")

	var c *Client
	var err error
	c, err = NewClient(func(to net.Addr, b []byte) error {
		go func() {
			req, perr := message.Parse(b)
			require.NoError(t, perr)

			ack := &message.Message{Version: message.CurrentVersion, Type: message.Acknowledgement, Code: message.Empty, MID: req.MID}
			wire, _ := message.Serialize(ack)
			c.HandleInbound(to, wire)

			sep := &message.Message{
				Version: message.CurrentVersion,
				Type:    message.Confirmable,
				Code:    message.Content,
				MID:     0x7000,
				Token:   req.Token,
				Payload: []byte("late"),
			}
			wire, _ = message.Serialize(sep)
			c.HandleInbound(to, wire)
		}()
		return nil
	}, cfg)
	require.NoError(t, err)

	reply, derr := c.Do(context.Background(), peer, &message.Message{Version: message.CurrentVersion, Type: message.Confirmable, Code: message.GET})
	require.NoError(t, derr)
	require.Equal(t, "late", string(reply.Payload))
}
