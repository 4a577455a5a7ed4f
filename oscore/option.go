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

// Package oscore implements RFC 8613 Object Security for Constrained
// RESTful Environments: the option value parser, the per-exchange
// context table and protect/unprotect.
package oscore

import "fmt"

// OptionValue is the decoded OSCORE option (RFC 8613 section 6.1).
type OptionValue struct {
	N          uint8 // Partial IV length, 0..5
	KidContext []byte
	Kid        []byte
	HasKid     bool
	PIV        []byte
}

// ParseOption decodes an OSCORE option value. b may be empty, meaning
// "no kid, no PIV, no kid-context".
func ParseOption(b []byte) (OptionValue, error) {
	if len(b) == 0 {
		return OptionValue{}, nil
	}
	flags := b[0]
	if flags&0xE0 != 0 {
		return OptionValue{}, fmt.Errorf("oscore: option flag bits 5-7 MUST be zero, got %#x", flags)
	}
	n := flags & 0x07
	if n > 5 {
		return OptionValue{}, fmt.Errorf("oscore: reserved Partial IV length %d (6,7 reserved)", n)
	}
	h := flags&0x10 != 0
	k := flags&0x08 != 0

	if n == 0 && !h && !k {
		// An all-zero flags byte with trailing content is malformed
		// (RFC 8613 section 2): there is nothing left to carry it.
		if len(b) > 1 {
			return OptionValue{}, fmt.Errorf("oscore: flag byte 0x00 with non-empty trailing content")
		}
		return OptionValue{}, nil
	}

	off := 1
	var v OptionValue
	v.N = n
	if n > 0 {
		if off+int(n) > len(b) {
			return OptionValue{}, fmt.Errorf("oscore: truncated Partial IV (need %d bytes)", n)
		}
		v.PIV = b[off : off+int(n)]
		off += int(n)
	}
	if h {
		if off >= len(b) {
			return OptionValue{}, fmt.Errorf("oscore: h=1 but no kid-context length byte follows")
		}
		s := int(b[off])
		off++
		if off+s > len(b) {
			return OptionValue{}, fmt.Errorf("oscore: kid-context payload (%d bytes) runs past option value", s)
		}
		v.KidContext = b[off : off+s]
		off += s
	}
	if k {
		// The kid is the unprefixed remainder of the option value - it is
		// NOT length-prefixed, unlike kid-context (RFC 8613 section 6.1).
		v.Kid = b[off:]
		v.HasKid = true
	}
	return v, nil
}

// EncodeOption serializes an OptionValue back to wire bytes.
func EncodeOption(v OptionValue) ([]byte, error) {
	if len(v.PIV) > 5 {
		return nil, fmt.Errorf("oscore: Partial IV longer than 5 bytes")
	}
	if len(v.PIV) == 0 && len(v.KidContext) == 0 && !v.HasKid {
		return nil, nil
	}
	var flags byte = byte(len(v.PIV))
	if len(v.KidContext) > 0 {
		flags |= 0x10
	}
	if v.HasKid {
		flags |= 0x08
	}
	out := []byte{flags}
	out = append(out, v.PIV...)
	if len(v.KidContext) > 0 {
		if len(v.KidContext) > 255 {
			return nil, fmt.Errorf("oscore: kid-context longer than 255 bytes")
		}
		out = append(out, byte(len(v.KidContext)))
		out = append(out, v.KidContext...)
	}
	if v.HasKid {
		out = append(out, v.Kid...)
	}
	return out, nil
}
