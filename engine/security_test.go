package engine

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/crypto"
	"github.com/oscore-coap/engine/edhoc"
	"github.com/oscore-coap/engine/message"
	"github.com/oscore-coap/engine/oscore"
	"github.com/oscore-coap/engine/router"
)

// fakeAEAD is the deterministic reversible transform the oscore package
// tests use, extended with an injectable failure class so the error
// mapping of RFC 8613 section 8.2 can be exercised end to end.
type fakeAEAD struct {
	failClass crypto.ErrorClass
}

func (a *fakeAEAD) Encrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	return xorBytes(key, plaintext), nil
}

func (a *fakeAEAD) Decrypt(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if a.failClass != crypto.ClassNone {
		return nil, &crypto.ProviderError{Class: a.failClass, Err: errors.New("injected failure")}
	}
	return xorBytes(key, ciphertext), nil
}

func xorBytes(key, b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ key[i%len(key)]
	}
	return out
}

type fakeSecCtx struct {
	key []byte
	kid []byte
}

func (c *fakeSecCtx) SenderKey() []byte                                { return c.key }
func (c *fakeSecCtx) RecipientKey() []byte                             { return c.key }
func (c *fakeSecCtx) Nonce(piv []byte, forRecipient bool) []byte       { return piv }
func (c *fakeSecCtx) AAD(code message.Code, o message.Options) []byte  { return nil }
func (c *fakeSecCtx) NextSenderPIV() []byte                            { return []byte{0x01} }
func (c *fakeSecCtx) Kid() []byte                                      { return c.kid }
func (c *fakeSecCtx) KidContext() []byte                               { return nil }

type stubHandshake struct {
	failMsg3 bool
}

func (s *stubHandshake) ProcessMessage1(msg1 []byte, session *edhoc.Session) ([]byte, error) {
	session.CI = []byte{0xAA}
	return []byte{0x02}, nil
}

func (s *stubHandshake) ProcessMessage3(msg3 []byte, session *edhoc.Session) ([]byte, error) {
	if s.failMsg3 {
		return nil, errors.New("bad message_3")
	}
	session.PRKOut = []byte{1, 2, 3, 4, 5, 6, 7, 8}
	return nil, nil
}

var testKey = []byte("0123456789abcdef")

// protectedRequest builds an OSCORE-protected request the engine under
// test can unprotect with the same fakeSecCtx.
func protectedRequest(t *testing.T, ctx *fakeSecCtx, innerCode message.Code, innerOpts message.Options, innerPayload []byte) (oscOptValue []byte, ciphertext []byte) {
	t.Helper()
	p := oscore.NewProtector(&fakeAEAD{})
	ov, ct, err := p.Protect(ctx, innerCode, innerOpts, innerPayload)
	require.NoError(t, err)
	raw, err := oscore.EncodeOption(ov)
	require.NoError(t, err)
	return raw, ct
}

func unprotectReply(t *testing.T, ctx *fakeSecCtx, reply *message.Message) *oscore.UnprotectResult {
	t.Helper()
	opt, ok := reply.Options.Find(message.OptionOSCORE)
	require.True(t, ok, "reply must carry the OSCORE option")
	v, err := oscore.ParseOption(opt.Value)
	require.NoError(t, err)
	p := oscore.NewProtector(&fakeAEAD{})
	res, uerr := p.Unprotect(v, reply.Payload, reply.Code, nil, func(kid, kidCtx []byte) (oscore.SecurityContext, bool) {
		return ctx, true
	})
	require.Nil(t, uerr)
	return res
}

func secureEngine(t *testing.T, aead crypto.AEAD) (*Engine, *fakeSecCtx) {
	t.Helper()
	e := New(aead, config.WithConfig(config.Default()))
	ctx := &fakeSecCtx{key: testKey, kid: []byte{0x42}}
	e.Contexts.Register(ctx.kid, nil, ctx)
	e.Router.Register(&router.Resource{
		Path: "secure",
		Handlers: map[message.Code]router.Handler{
			message.GET: func(req router.Request) (router.Response, error) {
				return router.Response{Code: message.Content, Payload: []byte("21C")}, nil
			},
		},
	})
	return e, ctx
}

// TestOSCORERequestRoundTrip drives a protected GET through unprotect ->
// route -> protect and checks the exchange entry is gone once the
// (non-Observe) response has been produced.
func TestOSCORERequestRoundTrip(t *testing.T) {
	e, ctx := secureEngine(t, &fakeAEAD{})

	var innerOpts message.Options
	innerOpts = innerOpts.Append(message.Option{ID: message.OptionURIPath, Value: []byte("secure")})
	ov, ct := protectedRequest(t, ctx, message.GET, innerOpts, nil)

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 4, message.POST, 0x21, []byte("tok1")))
	require.NoError(t, m.AppendOption(message.OptionOSCORE, ov))
	m.AppendPayload(ct)
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.2:5683"), raw)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)

	reply, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Acknowledgement, reply.Type)
	require.Equal(t, message.Changed, reply.Code)

	res := unprotectReply(t, ctx, reply)
	require.Equal(t, message.Content, res.Code)
	require.Equal(t, "21C", string(res.Payload))

	_, found := e.Exchanges.Find("10.0.0.2:5683", []byte("tok1"))
	require.False(t, found, "non-Observe exchange entry must be removed after the response")
}

// TestOSCOREErrorMapping checks that each provider failure class maps to
// its mandated unprotected response code, always with Max-Age: 0.
func TestOSCOREErrorMapping(t *testing.T) {
	cases := []struct {
		name  string
		class crypto.ErrorClass
		code  message.Code
	}{
		{"replay_window_protection", crypto.ClassReplay, message.Unauthorized},
		{"decrypt_failure", crypto.ClassDecrypt, message.BadRequest},
		{"decode_failure", crypto.ClassDecode, message.BadOption},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, ctx := secureEngine(t, &fakeAEAD{failClass: tc.class})
			ov, ct := protectedRequest(t, ctx, message.GET, nil, nil)

			m := &message.Message{}
			require.NoError(t, m.Init(message.Confirmable, 0, message.POST, 0x22, nil))
			require.NoError(t, m.AppendOption(message.OptionOSCORE, ov))
			m.AppendPayload(ct)
			raw, err := message.Serialize(m)
			require.NoError(t, err)

			out, err := e.HandleDatagram(testAddr("10.0.0.3:5683"), raw)
			require.NoError(t, err)

			reply, err := message.Parse(out.Reply)
			require.NoError(t, err)
			require.Equal(t, tc.code, reply.Code)
			_, hasOSCORE := reply.Options.Find(message.OptionOSCORE)
			require.False(t, hasOSCORE, "error responses are never protected")
			ma, ok := reply.Options.Find(message.OptionMaxAge)
			require.True(t, ok, "OSCORE error responses carry Max-Age")
			require.Equal(t, uint32(0), message.DecodeUint(ma.Value))
		})
	}
}

// TestOSCOREUnknownKidUnauthorized: a kid no context matches maps to
// unprotected 4.01.
func TestOSCOREUnknownKidUnauthorized(t *testing.T) {
	e, _ := secureEngine(t, &fakeAEAD{})
	stranger := &fakeSecCtx{key: testKey, kid: []byte{0x99}}
	ov, ct := protectedRequest(t, stranger, message.GET, nil, nil)

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 0, message.POST, 0x23, nil))
	require.NoError(t, m.AppendOption(message.OptionOSCORE, ov))
	m.AppendPayload(ct)
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.4:5683"), raw)
	require.NoError(t, err)
	reply, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Unauthorized, reply.Code)
}

// combinedPayload wraps msg3Body in a CBOR bstr header and appends the
// OSCORE ciphertext, the COMB_PAYLOAD shape of RFC 9668 section 3.2.1.
func combinedPayload(msg3Body string, ciphertext []byte) []byte {
	if len(msg3Body) > 23 {
		panic("test helper only frames short bstrs")
	}
	out := []byte{0x40 | byte(len(msg3Body))}
	out = append(out, msg3Body...)
	return append(out, ciphertext...)
}

func combinedEngine(t *testing.T) (*Engine, *fakeSecCtx, []byte) {
	t.Helper()
	e := New(&fakeAEAD{}, config.WithConfig(config.Default()))
	e.WireHandshake(&stubHandshake{})

	cr := []byte{0x42}
	sess := e.EDHOC.Create(cr)
	sess.State = edhoc.WaitMsg3
	sess.CI = []byte{0xAA}

	cliCtx := &fakeSecCtx{key: testKey, kid: cr}
	e.NewSecurityContext = func(masterSecret, masterSalt, senderID, recipientID []byte) oscore.SecurityContext {
		require.Len(t, masterSecret, 16)
		require.Len(t, masterSalt, 8)
		require.Equal(t, []byte{0xAA}, senderID, "Responder Sender ID is C_I")
		require.Equal(t, cr, recipientID, "Responder Recipient ID is C_R")
		return &fakeSecCtx{key: testKey, kid: cr}
	}
	e.Router.Register(&router.Resource{
		Path: "secure",
		Handlers: map[message.Code]router.Handler{
			message.GET: func(req router.Request) (router.Response, error) {
				return router.Response{Code: message.Content, Payload: []byte("21C")}, nil
			},
		},
	})
	return e, cliCtx, cr
}

// TestCombinedRequestSingleBlock: one datagram carrying
// EDHOC_MSG_3 || OSCORE_PAYLOAD completes the handshake, derives the
// context per RFC 9528 Table 14 and answers with a protected response;
// the exchange entry does not outlive the (non-Observe) response.
func TestCombinedRequestSingleBlock(t *testing.T) {
	e, cliCtx, _ := combinedEngine(t)

	var innerOpts message.Options
	innerOpts = innerOpts.Append(message.Option{ID: message.OptionURIPath, Value: []byte("secure")})
	ov, ct := protectedRequest(t, cliCtx, message.GET, innerOpts, nil)

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 4, message.POST, 0x31, []byte("tokC")))
	require.NoError(t, m.AppendOption(message.OptionOSCORE, ov))
	require.NoError(t, m.AppendOption(message.OptionEDHOC, nil))
	m.AppendPayload(combinedPayload("EDHOC_DATA", ct))
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.5:5683"), raw)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)

	reply, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Changed, reply.Code)
	res := unprotectReply(t, cliCtx, reply)
	require.Equal(t, message.Content, res.Code)
	require.Equal(t, "21C", string(res.Payload))

	_, found := e.Exchanges.Find("10.0.0.5:5683", []byte("tokC"))
	require.False(t, found)
}

// TestCombinedRequestFailedMessage3ClearsSession verifies the fail-closed
// path: a bad message_3 wipes the session and answers 4.00 with the CBOR
// Sequence diagnostic body (Content-Format 64).
func TestCombinedRequestFailedMessage3ClearsSession(t *testing.T) {
	e, cliCtx, cr := combinedEngine(t)
	e.WireHandshake(&stubHandshake{failMsg3: true})

	ov, ct := protectedRequest(t, cliCtx, message.GET, nil, nil)
	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 0, message.POST, 0x32, nil))
	require.NoError(t, m.AppendOption(message.OptionOSCORE, ov))
	require.NoError(t, m.AppendOption(message.OptionEDHOC, nil))
	m.AppendPayload(combinedPayload("EDHOC_DATA", ct))
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.6:5683"), raw)
	require.NoError(t, err)
	reply, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.BadRequest, reply.Code)
	cf, ok := reply.Options.Find(message.OptionContentFormat)
	require.True(t, ok)
	require.Equal(t, uint32(edhoc.ContentFormatEDHOCServerToClient), message.DecodeUint(cf.Value))
	require.NotEmpty(t, reply.Payload, "EDHOC errors carry a CBOR Sequence diagnostic")

	_, found := e.EDHOC.Find(cr)
	require.False(t, found, "failed handshake must clear the session")
}

// buildOuterBlock frames one fragment of the combined request for the
// outer-Block1 tests.
func buildOuterBlock(t *testing.T, mid uint16, token []byte, oscOpt []byte, tag string, num uint32, more bool, payload []byte) []byte {
	t.Helper()
	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, len(token), message.POST, mid, token))
	require.NoError(t, m.AppendOption(message.OptionOSCORE, oscOpt))
	require.NoError(t, m.AppendOption(message.OptionEDHOC, nil))
	blk := num << 4
	if more {
		blk |= 1 << 3
	}
	require.NoError(t, m.AppendUint(message.OptionBlock1, blk)) // SZX=0: 16-byte blocks
	require.NoError(t, m.AppendOption(message.OptionRequestTag, []byte(tag)))
	m.AppendPayload(payload)
	raw, err := message.Serialize(m)
	require.NoError(t, err)
	return raw
}

// TestCombinedRequestOuterBlockTwoFragments: two 16-byte
// fragments with a matching Request-Tag; the first is answered 2.31
// Continue echoing the Block1 option, the second reconstructs the
// combined request and produces the protected response.
func TestCombinedRequestOuterBlockTwoFragments(t *testing.T) {
	e, cliCtx, _ := combinedEngine(t)

	var innerOpts message.Options
	innerOpts = innerOpts.Append(message.Option{ID: message.OptionURIPath, Value: []byte("secure")})
	ov, ct := protectedRequest(t, cliCtx, message.GET, innerOpts, nil)
	full := combinedPayload("EDHOC_DATA", ct)
	require.Greater(t, len(full), 16, "test payload must span two blocks")
	require.LessOrEqual(t, len(full), 32)

	token := []byte("tokB")
	peer := testAddr("10.0.0.7:5683")

	out, err := e.HandleDatagram(peer, buildOuterBlock(t, 0x41, token, ov, "rt1", 0, true, full[:16]))
	require.NoError(t, err)
	cont, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Continue, cont.Code)
	blk, ok := cont.Options.Find(message.OptionBlock1)
	require.True(t, ok)
	require.Equal(t, uint32(0x08), message.DecodeUint(blk.Value), "Continue echoes NUM=0, M=1, SZX=0")

	out, err = e.HandleDatagram(peer, buildOuterBlock(t, 0x42, token, ov, "rt1", 1, false, full[16:]))
	require.NoError(t, err)
	reply, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Changed, reply.Code)
	res := unprotectReply(t, cliCtx, reply)
	require.Equal(t, "21C", string(res.Payload))
}

// TestCombinedRequestOuterBlockRequestTagMismatch covers the fail-closed
// path: a Request-Tag change between fragments answers 4.00 and
// wipes the reassembly, so a later correct continuation finds nothing.
func TestCombinedRequestOuterBlockRequestTagMismatch(t *testing.T) {
	e, cliCtx, _ := combinedEngine(t)
	ov, ct := protectedRequest(t, cliCtx, message.GET, nil, nil)
	full := combinedPayload("EDHOC_DATA_PADDED", ct)
	require.Greater(t, len(full), 16)

	token := []byte("tokB")
	peer := testAddr("10.0.0.8:5683")

	out, err := e.HandleDatagram(peer, buildOuterBlock(t, 0x51, token, ov, "rt1", 0, true, full[:16]))
	require.NoError(t, err)
	cont, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Continue, cont.Code)

	out, err = e.HandleDatagram(peer, buildOuterBlock(t, 0x52, token, ov, "rt2", 1, false, full[16:]))
	require.NoError(t, err)
	reply, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.BadRequest, reply.Code)

	// The wipe is fail-closed: the original tag's continuation now has
	// no entry to continue.
	out, err = e.HandleDatagram(peer, buildOuterBlock(t, 0x53, token, ov, "rt1", 1, false, full[16:]))
	require.NoError(t, err)
	reply, err = message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.BadRequest, reply.Code)
}

// TestEchoChallengeFlow exercises the Echo gate end to end: an unsafe
// method from an unverified peer is challenged with 4.01 + Echo, the retry bearing
// the nonce passes, and the peer stays verified afterwards.
func TestEchoChallengeFlow(t *testing.T) {
	e := New(nil, config.WithConfig(config.Default()))
	e.Router.Register(&router.Resource{
		Path: "actuate",
		Handlers: map[message.Code]router.Handler{
			message.POST: func(req router.Request) (router.Response, error) {
				return router.Response{Code: message.Changed}, nil
			},
		},
	})
	peer := testAddr("10.0.0.9:5683")

	build := func(mid uint16, echoNonce []byte) []byte {
		m := &message.Message{}
		require.NoError(t, m.Init(message.Confirmable, 0, message.POST, mid, nil))
		m.Options = m.Options.Append(message.Option{ID: message.OptionURIPath, Value: []byte("actuate")})
		if echoNonce != nil {
			m.Options = m.Options.Append(message.Option{ID: message.OptionEcho, Value: echoNonce})
		}
		raw, err := message.Serialize(m)
		require.NoError(t, err)
		return raw
	}

	out, err := e.HandleDatagram(peer, build(0x61, nil))
	require.NoError(t, err)
	chal, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Unauthorized, chal.Code)
	nonceOpt, ok := chal.Options.Find(message.OptionEcho)
	require.True(t, ok)
	require.True(t, len(nonceOpt.Value) >= 1 && len(nonceOpt.Value) <= 40)

	out, err = e.HandleDatagram(peer, build(0x62, nonceOpt.Value))
	require.NoError(t, err)
	resp, err := message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Changed, resp.Code)

	// Verified peers bypass the challenge inside the window.
	out, err = e.HandleDatagram(peer, build(0x63, nil))
	require.NoError(t, err)
	resp, err = message.Parse(out.Reply)
	require.NoError(t, err)
	require.Equal(t, message.Changed, resp.Code)
}

// TestObserveRegistrationKeepsExchange checks that a protected Observe
// register leaves the exchange entry alive for notification protection
// and that BuildNotifications protects the pushed state with it.
func TestObserveRegistrationKeepsExchange(t *testing.T) {
	e, ctx := secureEngine(t, &fakeAEAD{})

	var innerOpts message.Options
	innerOpts = innerOpts.Append(message.Option{ID: message.OptionObserve, Value: nil}) // value 0 = register
	innerOpts = innerOpts.Append(message.Option{ID: message.OptionURIPath, Value: []byte("secure")})
	ov, ct := protectedRequest(t, ctx, message.GET, innerOpts, nil)

	m := &message.Message{}
	require.NoError(t, m.Init(message.Confirmable, 4, message.POST, 0x71, []byte("tokO")))
	require.NoError(t, m.AppendOption(message.OptionOSCORE, ov))
	m.AppendPayload(ct)
	raw, err := message.Serialize(m)
	require.NoError(t, err)

	out, err := e.HandleDatagram(testAddr("10.0.0.10:5683"), raw)
	require.NoError(t, err)
	require.NotNil(t, out.Reply)

	_, found := e.Exchanges.Find("10.0.0.10:5683", []byte("tokO"))
	require.True(t, found, "Observe exchange entries persist for notifications")

	notes, err := e.BuildNotifications("secure", router.Response{Code: message.Content, Payload: []byte("22C")})
	require.NoError(t, err)
	require.Len(t, notes, 1)
	require.Equal(t, "10.0.0.10:5683", notes[0].Peer)

	note, err := message.Parse(notes[0].Wire)
	require.NoError(t, err)
	require.True(t, bytes.Equal([]byte("tokO"), note.Token))
	res := unprotectReply(t, ctx, note)
	require.Equal(t, "22C", string(res.Payload))
}
