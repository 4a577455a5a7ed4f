// Copyright 2021 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package engine assembles the per-component caches into the single
// inbound-datagram pipeline: transport -> parse -> option validation ->
// outer-Block1 reassembly (EDHOC-flagged fragments) -> combined-payload
// split -> OSCORE unprotect -> Echo check -> route -> handler -> OSCORE
// protect -> transport. Block1/Block2 options of an unprotected or inner
// request are not reassembled here; they reach the handler as they came.
// cmd/ binaries construct an
// Engine via New and feed it datagrams from whichever transport they
// chose (plain UDP, or transport/dtlstransport); Engine itself never
// imports a transport package.
package engine

import (
	"errors"
	"fmt"
	"net"

	"go.uber.org/atomic"

	"github.com/oscore-coap/engine/blockwise"
	"github.com/oscore-coap/engine/cborseq"
	"github.com/oscore-coap/engine/coaperr"
	"github.com/oscore-coap/engine/combined"
	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/crypto"
	"github.com/oscore-coap/engine/echo"
	"github.com/oscore-coap/engine/edhoc"
	"github.com/oscore-coap/engine/hoplimit"
	"github.com/oscore-coap/engine/logging"
	"github.com/oscore-coap/engine/message"
	"github.com/oscore-coap/engine/metrics"
	"github.com/oscore-coap/engine/observe"
	"github.com/oscore-coap/engine/oscore"
	"github.com/oscore-coap/engine/router"
	"github.com/oscore-coap/engine/token"
)

// Engine is one process-wide instance of every bounded cache, plus the
// router and token generator. All fields are created once at
// construction time and never replaced.
type Engine struct {
	Config *config.Config

	Tokens      *token.Generator
	Exchanges   *oscore.ExchangeTable
	OuterBlocks *combined.OuterBlockCache
	EDHOC       *edhoc.SessionTable
	Echo        *echo.Cache
	Observers   *observe.Registry
	Router      *router.Router
	Protector   *oscore.Protector
	Contexts    *oscore.ContextStore
	Exporter    *edhoc.Exporter

	// EDHOCTransport drives `/.well-known/edhoc` POSTs. It stays
	// nil until WireHandshake supplies the concrete RFC 9528 message
	// processing, which depends on the deployment's cipher suite - the
	// external crypto-provider boundary.
	EDHOCTransport *edhoc.Transport

	// NewSecurityContext instantiates the deployment's concrete OSCORE
	// security context from EDHOC-derived keying material (RFC 9528
	// Table 14 identities). Required for the combined-request fast path;
	// provisioned-context-only deployments may leave it nil.
	NewSecurityContext func(masterSecret, masterSalt, senderID, recipientID []byte) oscore.SecurityContext

	// ProxyMode enables the Hop-Limit loop-breaker (RFC 8768); a pure
	// endpoint (not forwarding) leaves this false - proxy behavior beyond
	// the Hop-Limit decrement itself is out of scope for this engine.
	ProxyMode bool

	Logger *logging.Logrus

	mid atomic.Uint32 // MID allocator for server-originated notifications
}

// New builds an Engine from cfg, applying opts (the config.ServerOption
// functional-options surface). aead supplies the OSCORE AEAD
// implementation from the external crypto provider; passing nil is
// valid for a deployment that never needs OSCORE protect/unprotect
// (e.g. pure DTLS-secured CoAP).
func New(aead crypto.AEAD, opts ...config.ServerOption) *Engine {
	so := config.NewServerOptions(opts...)
	cfg := so.Config

	tokens, err := token.NewGenerator(nil)
	if err != nil {
		// crypto/rand failing to seed the token prefix is unrecoverable;
		// every other constructor in this package is infallible, so New
		// keeps the simple (*Engine) signature and panics here rather
		// than threading an error return through every call site.
		panic(fmt.Sprintf("engine: seeding token generator: %v", err))
	}

	e := &Engine{
		Config:      cfg,
		Tokens:      tokens,
		Exchanges:   oscore.NewExchangeTable(cfg.OSCOREExchangeCacheSize, cfg.OSCOREExchangeLifetime),
		OuterBlocks: combined.NewOuterBlockCache(cfg.EDHOCCombinedOuterBlockCacheSize, cfg.EDHOCCombinedOuterBlockLifetime, cfg.EDHOCCombinedOuterBlockMaxLen),
		EDHOC:       edhoc.NewSessionTable(cfg.EDHOCSessionCacheSize, cfg.EDHOCSessionLifetime),
		Echo:        echo.NewCache(cfg.ServerEchoCacheSize, cfg.ServerEchoVerifyWindow),
		Observers:   observe.NewRegistry(),
		Router:      router.NewRouter(),
		Contexts:    oscore.NewContextStore(),
		Exporter:    &edhoc.Exporter{HKDF: crypto.SHA256HKDF{}},
	}
	if aead != nil {
		e.Protector = oscore.NewProtector(aead)
	}
	if so.Logger != nil {
		e.Exchanges.Logger = so.Logger
		e.OuterBlocks.Logger = so.Logger
		e.Echo.Logger = so.Logger
		e.Observers.Logger = so.Logger
	}
	if l, ok := so.Logger.(*logging.Logrus); ok {
		e.Logger = l
	}
	return e
}

// WireHandshake installs the concrete RFC 9528 message_1/message_3
// processing, enabling both `/.well-known/edhoc` and the combined
// request fast path.
func (e *Engine) WireHandshake(hs edhoc.Handshake) {
	e.EDHOCTransport = edhoc.NewTransport(e.EDHOC, hs)
}

// Outcome is what HandleDatagram decided to do with one inbound packet.
type Outcome struct {
	// Reply is the wire bytes to send back to Peer, or nil for a
	// silent drop (e.g. a malformed NON message, per coaperr.FrameDrop).
	Reply []byte
}

// HandleDatagram runs one inbound datagram through the full pipeline
// and serializes whatever the dispatch produced back into a wire
// reply. Resource handlers are registered on e.Router ahead of time;
// requests under `.well-known/edhoc` are dispatched by the engine
// itself instead of going through the router.
func (e *Engine) HandleDatagram(peer net.Addr, raw []byte) (Outcome, error) {
	peerKey := peer.String()

	m, perr := message.Parse(raw)
	if perr != nil {
		// Parse errors carry no Type/Code we can trust; conservatively
		// treat as non-Confirmable so we never answer malformed noise
		// with a Confirmable ACK we can't back up with message state.
		resp := coaperr.Resolve(coaperr.Malformed, false)
		return e.errorOutcome(resp, 0, nil, "")
	}
	con := m.Type == message.Confirmable

	if len(m.Options) > e.Config.MaxOptionCount {
		return e.errorOutcome(coaperr.Resolve(coaperr.Malformed, con), m.MID, m.Token, "")
	}
	if err := m.Options.Validate(); err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.Malformed, con), m.MID, m.Token, "")
	}
	if badID, bad := m.Options.CheckUnsupportedCritical(); bad {
		e.log("engine: unsupported critical option %d from %s", badID, peerKey)
		return e.errorOutcome(coaperr.Resolve(coaperr.UnsupportedCriticalOption, con), m.MID, m.Token, "")
	}
	if err := blockwise.ValidateBlockQBlockMixing(m.Options); err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.BlockProtocol, con), m.MID, m.Token, "")
	}

	if e.ProxyMode {
		updated, outcome, err := hoplimit.ProxyUpdate(m.Options, e.Config.HopLimitDefault)
		if err != nil {
			return e.errorOutcome(coaperr.Resolve(coaperr.Malformed, con), m.MID, m.Token, "")
		}
		if outcome == hoplimit.Exhausted {
			return e.errorOutcome(coaperr.Resolve(coaperr.ProxyExhausted, con), m.MID, m.Token, "")
		}
		m.Options = updated
	}

	if uriPath(m.Options) == edhoc.WellKnownPath {
		return e.handleEDHOC(peerKey, m)
	}

	if combined.HasEDHOCOption(m.Options) {
		if blk, ok := m.Options.Find(message.OptionBlock1); ok {
			return e.feedOuterBlock(peerKey, m, blk)
		}
		return e.handleCombined(peerKey, m)
	}
	if opt, ok := m.Options.Find(message.OptionOSCORE); ok {
		return e.handleOSCORE(peerKey, m, opt.Value)
	}

	// Plaintext request: Echo gate, then route.
	if out, handled, err := e.echoGate(peerKey, m, m.Code, m.Options); handled {
		return out, err
	}
	resp, rerr := e.Router.Dispatch(m.Code, m.Options, m.Payload)
	if rerr != nil {
		return e.errorOutcome(coaperr.Resolve(routeErrorKind(rerr), con), m.MID, m.Token, "")
	}

	out := &message.Message{
		Version: message.CurrentVersion,
		Type:    replyType(m.Type),
		Code:    resp.Code,
		MID:     m.MID,
		Token:   m.Token,
		Options: resp.Options,
		Payload: resp.Payload,
	}
	wire, werr := message.Serialize(out)
	if werr != nil {
		return Outcome{}, fmt.Errorf("engine: serialize response: %w", werr)
	}
	return Outcome{Reply: wire}, nil
}

// feedOuterBlock drives one fragment of an outer Block1 series carrying
// the EDHOC option through the reassembly cache: intermediate
// fragments are answered 2.31 Continue with the Block1 option echoed,
// the final fragment splices header-template || 0xFF || buffer and runs
// the reconstructed message through the combined path.
func (e *Engine) feedOuterBlock(peerKey string, m *message.Message, blk message.Option) (Outcome, error) {
	con := m.Type == message.Confirmable
	num, more, szx, err := blockwise.DecodeOption(blk.Value)
	if err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.BlockProtocol, con), m.MID, m.Token, "")
	}
	tags, err := blockwise.ParseList(m.Options)
	if err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.BlockProtocol, con), m.MID, m.Token, "")
	}

	var template []byte
	if num == 0 {
		// The template is the first block's framing with the transfer
		// bookkeeping options stripped: on completion it is re-parsed as
		// the reconstructed single-shot combined request.
		t := &message.Message{
			Version: m.Version,
			Type:    m.Type,
			Code:    m.Code,
			MID:     m.MID,
			Token:   m.Token,
			Options: m.Options.Remove(message.OptionBlock1).Remove(message.OptionSize1),
		}
		template, err = message.Serialize(t)
		if err != nil {
			return Outcome{}, fmt.Errorf("engine: serialize block template: %w", err)
		}
	}

	result, err := e.OuterBlocks.Feed(peerKey, m.Token, tags, num, more, szx, template, m.Payload)
	if err != nil {
		var capErr *blockwise.CapExceededError
		if errors.As(err, &capErr) {
			r := coaperr.Resolve(coaperr.BlockSizeLimitExceeded, con)
			return e.errorOutcomeWith(r, m.MID, m.Token, "", func(out *message.Message) {
				_ = out.AppendUint(message.OptionSize1, uint32(capErr.Cap))
			})
		}
		return e.errorOutcome(coaperr.Resolve(coaperr.BlockProtocol, con), m.MID, m.Token, "")
	}
	if result == nil {
		cont := &message.Message{
			Version: message.CurrentVersion,
			Type:    replyType(m.Type),
			Code:    message.Continue,
			MID:     m.MID,
			Token:   m.Token,
		}
		_ = cont.AppendUint(message.OptionBlock1, num<<4|1<<3|uint32(szx))
		wire, werr := message.Serialize(cont)
		if werr != nil {
			return Outcome{}, fmt.Errorf("engine: serialize continue: %w", werr)
		}
		return Outcome{Reply: wire}, nil
	}

	full := append(append([]byte(nil), result.HeaderTemplate...), 0xFF)
	full = append(full, result.Payload...)
	whole, perr := message.Parse(full)
	if perr != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.BlockProtocol, con), m.MID, m.Token, "")
	}
	// The reconstructed request answers with the final fragment's MID.
	whole.MID = m.MID
	return e.handleCombined(peerKey, whole)
}

// handleCombined runs the RFC 9668 fast path: split the payload
// into EDHOC_MSG_3 and OSCORE_PAYLOAD, complete the handshake the kid
// (C_R) names, derive the OSCORE context, then unprotect the OSCORE
// part as an ordinary protected request.
func (e *Engine) handleCombined(peerKey string, m *message.Message) (Outcome, error) {
	con := m.Type == message.Confirmable
	if e.Protector == nil || e.EDHOCTransport == nil || e.NewSecurityContext == nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.Capacity, con), m.MID, m.Token, "")
	}
	opt, ok := m.Options.Find(message.OptionOSCORE)
	if !ok {
		// An EDHOC option outside `.well-known/edhoc` is only meaningful
		// on a combined request, which is OSCORE-protected by definition.
		return e.errorOutcome(coaperr.Resolve(coaperr.Malformed, con), m.MID, m.Token, "")
	}
	v, err := oscore.ParseOption(opt.Value)
	if err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.SecurityDecode, con), m.MID, m.Token, "")
	}

	msg3, oscorePayload, err := combined.Split(m.Payload)
	if err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, err.Error())
	}

	// RFC 9668 section 3.3: the kid of the combined request's OSCORE
	// option is the Initiator's Sender ID, which per RFC 9528 Table 14
	// is C_R - exactly the session-table key.
	sess, ok := e.EDHOC.Find(v.Kid)
	if !ok {
		return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, "unknown C_R")
	}
	switch sess.State {
	case edhoc.WaitMsg3:
		if _, err := e.EDHOCTransport.Handshake.ProcessMessage3(msg3, sess); err != nil {
			metrics.EDHOCHandshakeFailures.Inc()
			e.EDHOC.Clear(sess.CR)
			return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, err.Error())
		}
		sess.State = edhoc.Completed
		secctx, err := e.Exporter.DeriveOSCOREContext(sess, e.NewSecurityContext)
		if err != nil {
			metrics.EDHOCHandshakeFailures.Inc()
			e.EDHOC.Clear(sess.CR)
			return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, err.Error())
		}
		e.Contexts.Register(sess.CR, v.KidContext, secctx)
		e.log("edhoc: combined request completed handshake for C_R %x", sess.CR)
	case edhoc.Completed:
		// Retransmission of a combined request whose message_3 already
		// completed: the derived context is in the store, fall through
		// and let OSCORE replay protection arbitrate.
	default:
		return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, fmt.Sprintf("message_3 in state %s", sess.State))
	}

	return e.oscoreRequest(peerKey, m, v, oscorePayload)
}

// handleOSCORE is the plain (non-combined) protected-request path.
func (e *Engine) handleOSCORE(peerKey string, m *message.Message, raw []byte) (Outcome, error) {
	con := m.Type == message.Confirmable
	if e.Protector == nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.SecurityContextMissing, con), m.MID, m.Token, "")
	}
	v, err := oscore.ParseOption(raw)
	if err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.SecurityDecode, con), m.MID, m.Token, "")
	}
	return e.oscoreRequest(peerKey, m, v, m.Payload)
}

// oscoreRequest unprotects ciphertext under the context v's kid names,
// records the exchange, routes the inner request, and protects the
// response with the stored context before returning it to the wire.
func (e *Engine) oscoreRequest(peerKey string, m *message.Message, v oscore.OptionValue, ciphertext []byte) (Outcome, error) {
	con := m.Type == message.Confirmable
	outerOpts := m.Options.Remove(message.OptionOSCORE).Remove(message.OptionEDHOC)

	res, uerr := e.Protector.Unprotect(v, ciphertext, m.Code, outerOpts, func(kid, kidContext []byte) (oscore.SecurityContext, bool) {
		return e.Contexts.Lookup(kid, kidContext)
	})
	if uerr != nil {
		kind := unprotectKind(uerr.Class)
		if kind == coaperr.SecurityReplay {
			metrics.ReplayRejections.Inc()
		}
		e.log("oscore: unprotect failed for %s: %v", peerKey, uerr)
		return e.errorOutcome(coaperr.Resolve(kind, con), m.MID, m.Token, "")
	}

	secctx, _ := e.Contexts.Lookup(v.Kid, v.KidContext)

	obsOpt, hasObserve := res.Options.Find(message.OptionObserve)
	registering := hasObserve && message.DecodeUint(obsOpt.Value) == 0
	cancelling := hasObserve && message.DecodeUint(obsOpt.Value) == 1

	// Every successful request unprotect MUST insert an exchange entry
	//; the is_observe flag keeps it alive past the response
	// for notification protection.
	e.Exchanges.Add(peerKey, m.Token, registering, oscore.Context{Ref: secctx})

	if out, handled, err := e.echoGate(peerKey, m, res.Code, res.Options); handled {
		e.Exchanges.Remove(peerKey, m.Token)
		return out, err
	}

	innerPath := uriPath(res.Options)
	var observeAge uint32
	if registering {
		e.Observers.Register(innerPath, peerKey, m.Token)
		_, observeAge = e.Observers.Observers(innerPath)
	}
	if cancelling {
		e.Observers.CancelWhere(innerPath, peerKey, m.Token)
	}

	inner := router.Response{}
	resp, rerr := e.Router.Dispatch(res.Code, res.Options, res.Payload)
	if rerr != nil {
		// Inner (application-level) errors stay protected: only the
		// security failures of RFC 8613 section 8.2 go out unprotected.
		inner = router.Response{Code: coaperr.Resolve(routeErrorKind(rerr), con).Code}
	} else {
		inner = resp
	}

	ctxEntry, ok := e.Exchanges.Find(peerKey, m.Token)
	if !ok {
		return e.errorOutcome(coaperr.Resolve(coaperr.Capacity, con), m.MID, m.Token, "")
	}
	respCtx, _ := ctxEntry.Ref.(oscore.SecurityContext)
	if registering {
		inner.Options = inner.Options.Append(message.Option{ID: message.OptionObserve, Value: message.EncodeUint(observeAge)})
	}
	optVal, ct, perr := e.Protector.Protect(respCtx, inner.Code, inner.Options, inner.Payload)
	if perr != nil {
		e.Exchanges.Remove(peerKey, m.Token)
		return e.errorOutcome(coaperr.Resolve(coaperr.Capacity, con), m.MID, m.Token, "")
	}
	ov, verr := oscore.EncodeOption(optVal)
	if verr != nil {
		e.Exchanges.Remove(peerKey, m.Token)
		return e.errorOutcome(coaperr.Resolve(coaperr.Capacity, con), m.MID, m.Token, "")
	}

	out := &message.Message{
		Version: message.CurrentVersion,
		Type:    replyType(m.Type),
		Code:    message.Changed,
		MID:     m.MID,
		Token:   m.Token,
	}
	out.Options = out.Options.Append(message.Option{ID: message.OptionOSCORE, Value: ov})
	if registering {
		out.Options = out.Options.Append(message.Option{ID: message.OptionObserve, Value: message.EncodeUint(observeAge)})
	}
	out.Payload = ct
	wire, werr := message.Serialize(out)
	if werr != nil {
		return Outcome{}, fmt.Errorf("engine: serialize protected response: %w", werr)
	}

	if cancelling {
		// Observation cancellation removes the exchange outright
		//.
		e.Exchanges.Remove(peerKey, m.Token)
	} else {
		e.Exchanges.RemoveAfterResponse(peerKey, m.Token)
	}
	return Outcome{Reply: wire}, nil
}

// echoGate enforces the RFC 9175 amplification mitigation: unsafe
// methods from unverified peers are challenged with 4.01 + a fresh Echo
// nonce; a retry bearing the echoed nonce verifies the peer for the
// configured window. The returned bool reports whether the gate consumed
// the request.
func (e *Engine) echoGate(peerKey string, m *message.Message, code message.Code, opts message.Options) (Outcome, bool, error) {
	if !echo.IsUnsafeMethod(code) {
		return Outcome{}, false, nil
	}
	if e.Echo.IsVerified(peerKey) {
		return Outcome{}, false, nil
	}
	if eopt, ok := opts.Find(message.OptionEcho); ok && e.Echo.Verify(peerKey, eopt.Value) {
		return Outcome{}, false, nil
	}
	nonce, err := e.Echo.Challenge(peerKey)
	if err != nil {
		r := coaperr.Resolve(coaperr.Capacity, m.Type == message.Confirmable)
		out, oerr := e.errorOutcome(r, m.MID, m.Token, "")
		return out, true, oerr
	}
	e.log("echo: challenging unverified peer %s", peerKey)
	chal := &message.Message{
		Version: message.CurrentVersion,
		Type:    replyType(m.Type),
		Code:    message.Unauthorized,
		MID:     m.MID,
		Token:   m.Token,
	}
	// Echo challenges follow the security-error response rules: never
	// protected, Max-Age: 0 against caching.
	_ = chal.AppendUint(message.OptionMaxAge, 0)
	if err := chal.AppendOption(message.OptionEcho, nonce); err != nil {
		return Outcome{}, true, fmt.Errorf("engine: append echo option: %w", err)
	}
	wire, werr := message.Serialize(chal)
	if werr != nil {
		return Outcome{}, true, fmt.Errorf("engine: serialize echo challenge: %w", werr)
	}
	return Outcome{Reply: wire}, true, nil
}

// handleEDHOC dispatches `/.well-known/edhoc` POSTs:
// Content-Format policing, then message classification and session
// bookkeeping via the wired edhoc.Transport.
func (e *Engine) handleEDHOC(peerKey string, m *message.Message) (Outcome, error) {
	con := m.Type == message.Confirmable
	if m.Code != message.POST {
		return e.errorOutcome(coaperr.Resolve(coaperr.MethodNotAllowed, con), m.MID, m.Token, "")
	}
	if err := edhoc.ValidateInboundContentFormat(m.Options); err != nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, err.Error())
	}
	if e.EDHOCTransport == nil {
		return e.errorOutcome(coaperr.Resolve(coaperr.Capacity, con), m.MID, m.Token, "")
	}
	body, cf, err := e.EDHOCTransport.HandlePost(m.Payload)
	if err != nil {
		metrics.EDHOCHandshakeFailures.Inc()
		e.log("edhoc: POST from %s failed: %v", peerKey, err)
		return e.errorOutcome(coaperr.Resolve(coaperr.EDHOCProcessing, con), m.MID, m.Token, err.Error())
	}
	out := &message.Message{
		Version: message.CurrentVersion,
		Type:    replyType(m.Type),
		Code:    message.Changed,
		MID:     m.MID,
		Token:   m.Token,
	}
	if body != nil {
		_ = out.AppendUint(message.OptionContentFormat, cf)
		out.Payload = body
	}
	wire, werr := message.Serialize(out)
	if werr != nil {
		return Outcome{}, fmt.Errorf("engine: serialize edhoc response: %w", werr)
	}
	return Outcome{Reply: wire}, nil
}

// Notification is one serialized Observe notification ready to be sent
// to Peer by whichever transport the embedder drives.
type Notification struct {
	Peer string
	Wire []byte
}

// BuildNotifications clones resp once per registered observer of
// resource (an in-flight message is owned by exactly one delivery, so
// sharing one across observers is forbidden), stamps the next
// 24-bit age, and OSCORE-protects each clone for which an is_observe
// exchange entry survives.
func (e *Engine) BuildNotifications(resource string, resp router.Response) ([]Notification, error) {
	handles, age := e.Observers.Observers(resource)
	var out []Notification
	for _, h := range handles {
		peer, tok, ok := e.Observers.Lookup(h)
		if !ok {
			continue
		}
		m := &message.Message{
			Version: message.CurrentVersion,
			Type:    message.NonConfirmable,
			Code:    resp.Code,
			MID:     uint16(e.mid.Inc()),
			Token:   tok,
		}
		if ctxEntry, ok := e.Exchanges.Find(peer, tok); ok && e.Protector != nil {
			respCtx, _ := ctxEntry.Ref.(oscore.SecurityContext)
			innerOpts := resp.Options.Append(message.Option{ID: message.OptionObserve, Value: message.EncodeUint(age)})
			optVal, ct, err := e.Protector.Protect(respCtx, resp.Code, innerOpts, resp.Payload)
			if err != nil {
				return nil, fmt.Errorf("engine: protect notification for %s: %w", peer, err)
			}
			ov, err := oscore.EncodeOption(optVal)
			if err != nil {
				return nil, fmt.Errorf("engine: encode oscore option: %w", err)
			}
			m.Code = message.Changed
			m.Options = m.Options.Append(message.Option{ID: message.OptionOSCORE, Value: ov})
			m.Options = m.Options.Append(message.Option{ID: message.OptionObserve, Value: message.EncodeUint(age)})
			m.Payload = ct
		} else {
			m.Options = resp.Options.Append(message.Option{ID: message.OptionObserve, Value: message.EncodeUint(age)})
			m.Payload = resp.Payload
		}
		wire, err := message.Serialize(m)
		if err != nil {
			return nil, fmt.Errorf("engine: serialize notification: %w", err)
		}
		out = append(out, Notification{Peer: peer, Wire: wire})
	}
	return out, nil
}

func (e *Engine) errorOutcome(r coaperr.Response, mid uint16, token []byte, diag string) (Outcome, error) {
	return e.errorOutcomeWith(r, mid, token, diag, nil)
}

func (e *Engine) errorOutcomeWith(r coaperr.Response, mid uint16, token []byte, diag string, extra func(*message.Message)) (Outcome, error) {
	if r.Frame == coaperr.FrameDrop {
		return Outcome{}, nil
	}
	typ := message.Acknowledgement
	if r.Frame == coaperr.FrameRST {
		typ = message.Reset
	}
	out := &message.Message{
		Version: message.CurrentVersion,
		Type:    typ,
		Code:    r.Code,
		MID:     mid,
		Token:   token,
	}
	if r.EDHOCDiagnostic {
		_ = out.AppendUint(message.OptionContentFormat, edhoc.ContentFormatEDHOCServerToClient)
		body, err := cborseq.EncodeEDHOCError(cborseq.EDHOCError{Code: 1, Info: diag})
		if err == nil {
			out.Payload = body
		}
	}
	if r.MaxAgeZero {
		_ = out.AppendUint(message.OptionMaxAge, 0)
	}
	if extra != nil {
		extra(out)
	}
	wire, err := message.Serialize(out)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: serialize error response: %w", err)
	}
	return Outcome{Reply: wire}, nil
}

func unprotectKind(c crypto.ErrorClass) coaperr.Kind {
	switch c {
	case crypto.ClassDecode:
		return coaperr.SecurityDecode
	case crypto.ClassContextMissing:
		return coaperr.SecurityContextMissing
	case crypto.ClassReplay:
		return coaperr.SecurityReplay
	default:
		return coaperr.SecurityDecrypt
	}
}

func routeErrorKind(err error) coaperr.Kind {
	var ce *coaperr.Error
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return coaperr.ResourceAbsent
}

func replyType(reqType message.Type) message.Type {
	if reqType == message.Confirmable {
		return message.Acknowledgement
	}
	return message.NonConfirmable
}

func uriPath(opts message.Options) string {
	segs := opts.FindAll(message.OptionURIPath)
	if len(segs) == 0 {
		return ""
	}
	out := string(segs[0].Value)
	for _, s := range segs[1:] {
		out += "/" + string(s.Value)
	}
	return out
}

func (e *Engine) log(format string, v ...interface{}) {
	if e.Logger != nil {
		e.Logger.Printf(format, v...)
	}
}
