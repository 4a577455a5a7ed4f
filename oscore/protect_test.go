package oscore

import (
	"bytes"
	"errors"
	"testing"

	"github.com/oscore-coap/engine/crypto"
	"github.com/oscore-coap/engine/message"
)

// xorAEAD is a deterministic stand-in AEAD for tests: it is not
// authenticated encryption, only a reversible transform, which is all
// protect/unprotect sequencing needs to be exercised here. A real
// deployment supplies AES-CCM-16-64-128.
type xorAEAD struct {
	failDecrypt bool
}

func (x *xorAEAD) Encrypt(key, nonce, aad, plaintext []byte) ([]byte, error) {
	return xorWith(key, plaintext), nil
}

func (x *xorAEAD) Decrypt(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	if x.failDecrypt {
		return nil, &crypto.ProviderError{Class: crypto.ClassDecrypt, Err: errors.New("integrity check failed")}
	}
	return xorWith(key, ciphertext), nil
}

func xorWith(key, b []byte) []byte {
	out := make([]byte, len(b))
	for i := range b {
		out[i] = b[i] ^ key[i%len(key)]
	}
	return out
}

type testContext struct {
	sender, recipient, kid []byte
}

func (c *testContext) SenderKey() []byte                              { return c.sender }
func (c *testContext) RecipientKey() []byte                           { return c.recipient }
func (c *testContext) Nonce(partialIV []byte, forRecipient bool) []byte { return partialIV }
func (c *testContext) AAD(code message.Code, options message.Options) []byte {
	return []byte{byte(code)}
}
func (c *testContext) NextSenderPIV() []byte { return []byte{0x01} }
func (c *testContext) Kid() []byte           { return c.kid }
func (c *testContext) KidContext() []byte    { return nil }

func TestProtectUnprotectRoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	ctx := &testContext{sender: key, recipient: key, kid: []byte{0x07}}
	p := NewProtector(&xorAEAD{})

	var opts message.Options
	opts = opts.Append(message.Option{ID: message.OptionContentFormat, Value: []byte{0x00}})

	ov, ciphertext, err := p.Protect(ctx, message.Content, opts, []byte("hello"))
	if err != nil {
		t.Fatalf("protect failed: %v", err)
	}

	res, uerr := p.Unprotect(ov, ciphertext, message.Content, nil, func(kid, kidCtx []byte) (SecurityContext, bool) {
		if !bytes.Equal(kid, ctx.kid) {
			return nil, false
		}
		return ctx, true
	})
	if uerr != nil {
		t.Fatalf("unprotect failed: %v", uerr)
	}
	if res.Code != message.Content {
		t.Fatalf("code mismatch: got %v want %v", res.Code, message.Content)
	}
	if string(res.Payload) != "hello" {
		t.Fatalf("payload mismatch: got %q", res.Payload)
	}
	if _, ok := res.Options.Find(message.OptionContentFormat); !ok {
		t.Fatal("expected content-format option to survive round trip")
	}
}

func TestUnprotectUnknownKidReturnsContextMissing(t *testing.T) {
	p := NewProtector(&xorAEAD{})
	_, uerr := p.Unprotect(OptionValue{Kid: []byte{0x09}, HasKid: true}, []byte{1, 2, 3}, message.GET, nil, func(kid, kidCtx []byte) (SecurityContext, bool) {
		return nil, false
	})
	if uerr == nil || uerr.Class != crypto.ClassContextMissing {
		t.Fatalf("expected ClassContextMissing, got %+v", uerr)
	}
}

func TestUnprotectDecryptFailureReturnsDecryptClass(t *testing.T) {
	key := []byte("0123456789abcdef")
	ctx := &testContext{sender: key, recipient: key, kid: []byte{0x07}}
	p := NewProtector(&xorAEAD{failDecrypt: true})
	_, uerr := p.Unprotect(OptionValue{Kid: ctx.kid, HasKid: true}, []byte{1, 2, 3}, message.GET, nil, func(kid, kidCtx []byte) (SecurityContext, bool) {
		return ctx, true
	})
	if uerr == nil || uerr.Class != crypto.ClassDecrypt {
		t.Fatalf("expected ClassDecrypt, got %+v", uerr)
	}
}
