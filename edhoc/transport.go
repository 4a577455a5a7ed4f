package edhoc

import (
	"crypto/rand"
	"fmt"

	"github.com/oscore-coap/engine/message"
)

// ContentFormatEDHOCServerToClient is application/edhoc+cbor-seq (RFC
// 9528 section 3.2), used on server->client EDHOC bodies.
const ContentFormatEDHOCServerToClient = 64

// ContentFormatEDHOCClientToServer is application/cid-edhoc+cbor-seq,
// required on inbound client->server requests to `/.well-known/edhoc`.
const ContentFormatEDHOCClientToServer = 65

// WellKnownPath is the fixed resource path EDHOC messages are POSTed to.
const WellKnownPath = ".well-known/edhoc"

// CRLen is the length in bytes of generated Responder connection
// identifiers. RFC 9528 permits C_R to be a short CBOR integer or byte
// string; this implementation always allocates CRLen fresh random bytes,
// so the C_R it issues always travels as a CBOR byte string.
const CRLen = 4

// MessageKind is the dispatch outcome of inspecting an inbound EDHOC
// payload's leading byte.
type MessageKind int

const (
	KindMessage1 MessageKind = iota
	KindMessage3
)

// ClassifyPayload implements the dispatch rule: a leading CBOR `true`
// (0xF5) marks message_1 (new session); anything else is read as a C_R
// identifier (small uint 0..23 or a CBOR byte string) followed by
// message_3.
func ClassifyPayload(b []byte) (MessageKind, error) {
	if len(b) == 0 {
		return 0, fmt.Errorf("edhoc: empty payload")
	}
	if b[0] == 0xF5 {
		return KindMessage1, nil
	}
	return KindMessage3, nil
}

// SplitCRAndMessage3 separates the C_R prefix from the trailing
// message_3 bytes, per the CBOR encodings RFC 9528 Appendix A permits
// for connection identifiers: an unsigned int 0..23 (single byte, major
// type 0) or a byte string (major type 2, short form). cr is the
// identifier the session table is keyed by: the encoded byte itself for
// an integer, the string's content (without its header) for a byte string.
func SplitCRAndMessage3(b []byte) (cr []byte, message3 []byte, err error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("edhoc: empty message_3 payload")
	}
	lead := b[0]
	major := lead >> 5
	info := lead & 0x1F
	switch major {
	case 0: // unsigned integer
		if info <= 23 {
			return b[0:1], b[1:], nil
		}
		return nil, nil, fmt.Errorf("edhoc: C_R integer encoding with additional info %d unsupported", info)
	case 2: // byte string
		if info <= 23 {
			end := 1 + int(info)
			if end > len(b) {
				return nil, nil, fmt.Errorf("edhoc: truncated C_R byte string")
			}
			return b[1:end], b[end:], nil
		}
		return nil, nil, fmt.Errorf("edhoc: C_R byte-string length encoding with additional info %d unsupported", info)
	default:
		return nil, nil, fmt.Errorf("edhoc: unexpected CBOR major type %d for C_R", major)
	}
}

// ValidateInboundContentFormat enforces RFC 9668 section 3.2: exactly
// one Content-Format option, value 65, 64 rejected.
func ValidateInboundContentFormat(opts message.Options) error {
	all := opts.FindAll(message.OptionContentFormat)
	if len(all) == 0 {
		return fmt.Errorf("edhoc: missing Content-Format option")
	}
	if len(all) > 1 {
		return fmt.Errorf("edhoc: duplicate Content-Format options")
	}
	v := message.DecodeUint(all[0].Value)
	switch v {
	case ContentFormatEDHOCClientToServer:
		return nil
	case ContentFormatEDHOCServerToClient:
		return fmt.Errorf("edhoc: Content-Format 64 is server->client only, rejected inbound")
	default:
		return fmt.Errorf("edhoc: unexpected Content-Format %d", v)
	}
}

// NewCR allocates a fresh random Responder connection identifier.
func NewCR() ([]byte, error) {
	b := make([]byte, CRLen)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("edhoc: generate C_R: %w", err)
	}
	return b, nil
}

// Handshake is the pluggable EDHOC message-processing contract: the
// concrete cipher-suite/crypto logic for message_1/2/3 construction and
// verification lives with the embedder; this package only owns session bookkeeping and
// transport framing.
type Handshake interface {
	// ProcessMessage1 validates message_1, generates C_R, and returns
	// message_2 to send back.
	ProcessMessage1(msg1 []byte, session *Session) (msg2 []byte, err error)
	// ProcessMessage3 validates message_3 against the session state and
	// completes the handshake, populating session.PRKOut.
	ProcessMessage3(msg3 []byte, session *Session) (msg4 []byte, err error)
}

// Transport drives the `/.well-known/edhoc` POST handler over the
// session table.
type Transport struct {
	Sessions  *SessionTable
	Handshake Handshake
}

// NewTransport wires a session table to a concrete Handshake
// implementation.
func NewTransport(sessions *SessionTable, hs Handshake) *Transport {
	return &Transport{Sessions: sessions, Handshake: hs}
}

// HandlePost processes one inbound POST to `/.well-known/edhoc`.
// Content-Format is validated by the caller (normally the engine)
// before this is invoked; HandlePost only implements the message
// dispatch and session bookkeeping.
func (tr *Transport) HandlePost(body []byte) (responseBody []byte, contentFormat uint32, err error) {
	kind, err := ClassifyPayload(body)
	if err != nil {
		return nil, 0, err
	}
	switch kind {
	case KindMessage1:
		cr, err := NewCR()
		if err != nil {
			return nil, 0, err
		}
		session := tr.Sessions.Create(cr)
		msg2, err := tr.Handshake.ProcessMessage1(body, session)
		if err != nil {
			session.State = Failed
			tr.Sessions.Clear(cr)
			return nil, 0, fmt.Errorf("edhoc: message_1: %w", err)
		}
		session.State = WaitMsg3
		return msg2, ContentFormatEDHOCServerToClient, nil

	case KindMessage3:
		cr, msg3, err := SplitCRAndMessage3(body)
		if err != nil {
			return nil, 0, err
		}
		session, ok := tr.Sessions.Find(cr)
		if !ok {
			return nil, 0, fmt.Errorf("edhoc: unknown C_R")
		}
		if session.State != WaitMsg3 {
			tr.Sessions.Clear(cr)
			return nil, 0, fmt.Errorf("edhoc: message_3 received in state %s", session.State)
		}
		msg4, err := tr.Handshake.ProcessMessage3(msg3, session)
		if err != nil {
			session.State = Failed
			tr.Sessions.Clear(cr)
			return nil, 0, fmt.Errorf("edhoc: message_3: %w", err)
		}
		session.State = Completed
		if msg4 == nil {
			return nil, 0, nil
		}
		return msg4, ContentFormatEDHOCServerToClient, nil
	}
	return nil, 0, fmt.Errorf("edhoc: unreachable dispatch kind %v", kind)
}
