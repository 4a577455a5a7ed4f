package oscore

import (
	"errors"
	"fmt"

	"github.com/oscore-coap/engine/crypto"
	"github.com/oscore-coap/engine/message"
)

// SecurityContext is the minimal surface protect/unprotect need from a
// derived OSCORE security context. Key/nonce/AAD derivation (RFC 8613
// sections 3.1/5.2/5.3) is the embedder's responsibility; this package
// only sequences the AEAD call and option placement.
type SecurityContext interface {
	// SenderKey and RecipientKey return the key to use, selected by the
	// direction of the operation being performed.
	SenderKey() []byte
	RecipientKey() []byte

	// Nonce derives the AEAD nonce for the given Partial IV and kid
	// context sender/recipient identity, per RFC 8613 section 5.2.
	Nonce(partialIV []byte, forRecipient bool) []byte

	// AAD builds the external_aad CBOR structure, RFC 8613 section 5.4.
	AAD(code message.Code, options message.Options) []byte

	// NextSenderPIV returns the Partial IV to use for the next message
	// this endpoint sends, and advances the sequence number.
	NextSenderPIV() []byte

	// Kid/KidContext identify the sender to the peer; both may be nil.
	Kid() []byte
	KidContext() []byte
}

// Protector binds an AEAD provider to protect/unprotect operations
//.
type Protector struct {
	AEAD crypto.AEAD
}

// NewProtector wraps an AEAD implementation supplied by the embedder.
func NewProtector(aead crypto.AEAD) *Protector {
	return &Protector{AEAD: aead}
}

// Protect encrypts plaintextOptions+payload under ctx and returns the
// OSCORE option value plus the ciphertext to use as the new message
// payload. It never fails on application data it cannot interpret: only
// the AEAD call itself can error, and that is always a programmer/key
// error rather than something recoverable on the wire.
func (p *Protector) Protect(ctx SecurityContext, code message.Code, innerOptions message.Options, payload []byte) (OptionValue, []byte, error) {
	piv := ctx.NextSenderPIV()
	nonce := ctx.Nonce(piv, false)
	aad := ctx.AAD(code, innerOptions)

	plaintext := marshalInnerPlaintext(code, innerOptions, payload)
	ciphertext, err := p.AEAD.Encrypt(ctx.SenderKey(), nonce, aad, plaintext)
	if err != nil {
		return OptionValue{}, nil, fmt.Errorf("oscore: protect: %w", err)
	}
	v := OptionValue{
		N:          uint8(len(piv)),
		PIV:        piv,
		Kid:        ctx.Kid(),
		HasKid:     ctx.Kid() != nil,
		KidContext: ctx.KidContext(),
	}
	return v, ciphertext, nil
}

// UnprotectResult is the decrypted inner content of an OSCORE-protected
// message, ready to be spliced back into a plaintext message.
type UnprotectResult struct {
	Code    message.Code
	Options message.Options
	Payload []byte
}

// UnprotectError classifies a failed unprotect for the error mapper
//: Class drives which wire response code
// the error mapper picks, and it is always ClassDecode/ClassContextMissing/
// ClassReplay/ClassDecrypt - never ClassNone.
type UnprotectError struct {
	Class crypto.ErrorClass
	Err   error
}

func (e *UnprotectError) Error() string { return e.Err.Error() }
func (e *UnprotectError) Unwrap() error { return e.Err }

// Unprotect decrypts an incoming OSCORE-protected request or response.
// lookupContext resolves the kid(+kid context) in v to a SecurityContext,
// and is expected to return (nil, false) for an unrecognized kid - the
// sentinel this function turns into ClassContextMissing.
func (p *Protector) Unprotect(v OptionValue, ciphertext []byte, outerCode message.Code, outerOptions message.Options, lookupContext func(kid, kidContext []byte) (SecurityContext, bool)) (*UnprotectResult, *UnprotectError) {
	ctx, ok := lookupContext(v.Kid, v.KidContext)
	if !ok {
		return nil, &UnprotectError{Class: crypto.ClassContextMissing, Err: errors.New("oscore: unrecognized kid/recipient")}
	}

	nonce := ctx.Nonce(v.PIV, true)
	aad := ctx.AAD(outerCode, outerOptions)
	plaintext, err := p.AEAD.Decrypt(ctx.RecipientKey(), nonce, aad, ciphertext)
	if err != nil {
		var perr *crypto.ProviderError
		if errors.As(err, &perr) {
			return nil, &UnprotectError{Class: perr.Class, Err: err}
		}
		return nil, &UnprotectError{Class: crypto.ClassDecrypt, Err: err}
	}

	code, opts, payload, err := unmarshalInnerPlaintext(plaintext)
	if err != nil {
		return nil, &UnprotectError{Class: crypto.ClassDecode, Err: err}
	}
	return &UnprotectResult{Code: code, Options: opts, Payload: payload}, nil
}

// marshalInnerPlaintext builds the OSCORE plaintext: Code, class-E
// options re-serialized as ordinary CoAP options, a 0xFF marker, then
// payload (RFC 8613 section 5.3).
func marshalInnerPlaintext(code message.Code, opts message.Options, payload []byte) []byte {
	m := &message.Message{Code: code, Options: opts, Payload: payload}
	b, _ := message.Serialize(innerOnly(m))
	// Serialize's 4-byte fixed header is [verTypeTkl, code, midHi, midLo];
	// the OSCORE plaintext keeps only the code byte from it, dropping the
	// version/type/MID framing that belongs to the outer message.
	if len(b) >= 4 {
		return append([]byte{b[1]}, b[4:]...)
	}
	return b
}

// innerOnly returns a throwaway Message carrying just enough header to
// let message.Serialize run its option/payload encoder.
func innerOnly(m *message.Message) *message.Message {
	return &message.Message{
		Version: message.CurrentVersion,
		Type:    message.Confirmable,
		Code:    m.Code,
		MID:     0,
		Token:   nil,
		Options: m.Options,
		Payload: m.Payload,
	}
}

func unmarshalInnerPlaintext(b []byte) (message.Code, message.Options, []byte, error) {
	if len(b) < 1 {
		return 0, nil, nil, fmt.Errorf("oscore: inner plaintext shorter than a code byte")
	}
	header := append([]byte{0x40, b[0], 0x00, 0x00}, b[1:]...)
	m, err := message.Parse(header)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("oscore: inner plaintext decode: %w", err)
	}
	return m.Code, m.Options, m.Payload, nil
}
