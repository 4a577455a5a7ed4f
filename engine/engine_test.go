package engine

import (
	"net"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/message"
	"github.com/oscore-coap/engine/router"
)

type testAddr string

func (a testAddr) Network() string { return "udp" }
func (a testAddr) String() string  { return string(a) }

// TestHandleDatagramRoutesPlaintextGET exercises the pipeline end to end
// for a plaintext (non-OSCORE) GET against a registered resource: parse
// -> option validation -> router dispatch -> serialize.
func TestHandleDatagramRoutesPlaintextGET(t *testing.T) {
	e := New(nil, config.WithConfig(config.Default()))
	e.Router.Register(&router.Resource{
		Path: "sensors/temp",
		Handlers: map[message.Code]router.Handler{
			message.GET: func(req router.Request) (router.Response, error) {
				return router.Response{Code: message.Content, Payload: []byte("21C")}, nil
			},
		},
	})

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 0, message.GET, 0x10, nil))
	m.Options = m.Options.Append(message.Option{ID: message.OptionURIPath, Value: []byte("sensors")})
	m.Options = m.Options.Append(message.Option{ID: message.OptionURIPath, Value: []byte("temp")})
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.1:5683"), raw)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)

	resp, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Acknowledgement, resp.Type)
	require.Equal(t, message.Content, resp.Code)
	require.Equal(t, "21C", string(resp.Payload))
}

// TestHandleDatagramUnknownResourceReturns404 covers the ResourceAbsent
// mapping end to end.
func TestHandleDatagramUnknownResourceReturns404(t *testing.T) {
	e := New(nil, config.WithConfig(config.Default()))

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 0, message.GET, 0x11, nil))
	m.Options = m.Options.Append(message.Option{ID: message.OptionURIPath, Value: []byte("nope")})
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.1:5683"), raw)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)

	resp, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.NotFound, resp.Code)
}

// TestHandleDatagramHopLimitExhaustedRejectsForwarding: a proxy-mode
// engine must answer Hop-Limit=1 with 5.08 and never reach the router.
func TestHandleDatagramHopLimitExhaustedRejectsForwarding(t *testing.T) {
	e := New(nil, config.WithConfig(config.Default()))
	e.ProxyMode = true

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 0, message.GET, 0x12, nil))
	m.Options = m.Options.Append(message.Option{ID: message.OptionHopLimit, Value: []byte{1}})
	m.Options = m.Options.Append(message.Option{ID: message.OptionURIPath, Value: []byte("anything")})
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.1:5683"), raw)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)

	resp, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.HopLimitReached, resp.Code)
}

// TestHandleDatagramMalformedShortPacketDrops covers the Malformed/NON
// drop policy: a truncated datagram produces no
// reply at all (engine conservatively treats unparseable input as
// non-Confirmable).
func TestHandleDatagramMalformedShortPacketDrops(t *testing.T) {
	e := New(nil, config.WithConfig(config.Default()))
	out, err := e.HandleDatagram(testAddr("10.0.0.1:5683"), []byte{0x40})
	require.NoError(t, err)
	require.Nil(t, out.Reply)
}

var _ = net.Addr(testAddr(""))
