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

// Package crypto defines the external crypto-provider contract: AEAD
// encrypt/decrypt, HKDF extract/expand and a CSPRNG. Neither OSCORE nor EDHOC implement AEAD
// or HKDF themselves; this package only pins the interface and a
// grounded (golang.org/x/crypto-backed) HKDF implementation, since HKDF
// has no hardware dependency and the ecosystem library is a direct fit.
// AEAD (AES-CCM-16-64-128 for OSCORE, per RFC 8613 section 3.2.1) has no
// such off-the-shelf stdlib/x/crypto primitive and is left to the
// embedder, which supplies the deployment's crypto provider.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// ErrorClass is the provider-reported failure classification that
// feeds the OSCORE/EDHOC error mapper.
type ErrorClass int

const (
	// ClassNone indicates success.
	ClassNone ErrorClass = iota
	// ClassDecode covers decode/parse/option-length failures.
	ClassDecode
	// ClassContextMissing covers an unknown kid/recipient ID.
	ClassContextMissing
	// ClassReplay covers a replay-window violation or a required Echo challenge.
	ClassReplay
	// ClassDecrypt covers AEAD integrity/decryption failures and unknown errors.
	ClassDecrypt
)

// ProviderError is returned by AEAD operations, carrying the
// classification the error mapper needs without requiring it to parse
// error strings.
type ProviderError struct {
	Class ErrorClass
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("crypto: %v", e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// AEAD is the authenticated-encryption half of the external crypto
// provider contract. An OSCORE deployment MUST supply an
// AES-CCM-16-64-128 implementation; EDHOC additionally needs whatever
// AEAD its selected cipher suite specifies. This package does not ship
// a default: see the package doc comment.
type AEAD interface {
	Encrypt(key, nonce, aad, plaintext []byte) (ciphertext []byte, err error)
	Decrypt(key, nonce, aad, ciphertext []byte) (plaintext []byte, err error)
}

// HKDF is the key-derivation half of the provider contract.
type HKDF interface {
	ExtractExpand(salt, ikm, info []byte, length int) ([]byte, error)
}

// SHA256HKDF is the default HKDF-SHA-256 implementation, grounded on
// golang.org/x/crypto/hkdf (promoted here from an indirect dependency
// of pion/dtls to a direct one).
type SHA256HKDF struct{}

func (SHA256HKDF) ExtractExpand(salt, ikm, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("crypto: hkdf expand: %w", err)
	}
	return out, nil
}

// RandomBytes fills out with cryptographically secure random bytes
// using crypto/rand - a real CSPRNG, never a deterministic stub.
func RandomBytes(out []byte) error {
	_, err := rand.Read(out)
	return err
}

// SecureZero overwrites b with zeroes in a way the compiler cannot
// optimize away as a dead store. It is used on PRK_out, master
// secret/salt buffers and any
// cache slot holding such material before reuse.
func SecureZero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	// A volatile-write barrier: touch the slice through a function call
	// the compiler cannot prove has no side effects, preventing the
	// zeroing loop above from being elided as a dead store.
	runtimeKeepAlive(b)
}

//go:noinline
func runtimeKeepAlive(b []byte) {
	if len(b) > 0 && b[0] == 0xFF && b[len(b)-1] == 0xFF {
		// unreachable in practice immediately after a zero fill; exists
		// only to give the optimizer a reason not to drop the loop.
		_ = b
	}
}
