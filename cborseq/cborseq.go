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

// Package cborseq provides CBOR Sequence (RFC 8742) encode/decode: the
// concatenation-with-no-framing shapes used by the EDHOC error body and
// the Q-Block missing-blocks payload. It is a thin wrapper around
// github.com/fxamacker/cbor/v2.
package cborseq

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
)

// EncodeUintsAscending encodes a CBOR Sequence of positive integers in
// strictly ascending order, as required for the Q-Block missing-blocks
// payload. It is an error to pass an
// unsorted or duplicate-containing slice: senders reject, receivers
// accept and deduplicate (see DecodeUintSequence).
func EncodeUintsAscending(nums []uint64) ([]byte, error) {
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	last := int64(-1)
	for _, n := range nums {
		if int64(n) <= last {
			return nil, fmt.Errorf("cborseq: missing-blocks sequence must be strictly ascending with no duplicates, got %d after %d", n, last)
		}
		last = int64(n)
		if err := enc.Encode(n); err != nil {
			return nil, fmt.Errorf("cborseq: encode: %w", err)
		}
	}
	return buf.Bytes(), nil
}

// DecodeUintSequence decodes a CBOR Sequence of unsigned integers,
// silently ignoring duplicates on receive (RFC 9177 section 4 permits a
// lenient receiver even though a conformant sender never emits them).
func DecodeUintSequence(b []byte) ([]uint64, error) {
	dec := cbor.NewDecoder(bytes.NewReader(b))
	seen := make(map[uint64]bool)
	var out []uint64
	for {
		var n uint64
		if err := dec.Decode(&n); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("cborseq: decode: %w", err)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
	}
	return out, nil
}

// EDHOCError is the CBOR Sequence (ERR_CODE, ERR_INFO) body of RFC 9528
// section 6, served with Content-Format 64 and never OSCORE-protected
//.
type EDHOCError struct {
	Code uint8
	Info string
}

// EncodeEDHOCError encodes e as a two-item CBOR Sequence.
func EncodeEDHOCError(e EDHOCError) ([]byte, error) {
	if e.Code > 23 {
		return nil, fmt.Errorf("cborseq: ERR_CODE %d out of range 0..23", e.Code)
	}
	var buf bytes.Buffer
	enc := cbor.NewEncoder(&buf)
	if err := enc.Encode(e.Code); err != nil {
		return nil, fmt.Errorf("cborseq: encode ERR_CODE: %w", err)
	}
	if err := enc.Encode(e.Info); err != nil {
		return nil, fmt.Errorf("cborseq: encode ERR_INFO: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeEDHOCError decodes a two-item CBOR Sequence produced by
// EncodeEDHOCError.
func DecodeEDHOCError(b []byte) (EDHOCError, error) {
	dec := cbor.NewDecoder(bytes.NewReader(b))
	var e EDHOCError
	if err := dec.Decode(&e.Code); err != nil {
		return e, fmt.Errorf("cborseq: decode ERR_CODE: %w", err)
	}
	if err := dec.Decode(&e.Info); err != nil {
		return e, fmt.Errorf("cborseq: decode ERR_INFO: %w", err)
	}
	return e, nil
}
