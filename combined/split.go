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

// Package combined implements the RFC 9668 EDHOC+OSCORE combined-request
// optimization: splitting an inbound combined payload, building an
// outbound one, and reassembling the outer Block1 series that may
// precede the split.
package combined

import "fmt"

// Split separates a combined payload `CBOR bstr(EDHOC_MSG_3) ||
// OSCORE_PAYLOAD` into its two parts. Only the CBOR byte-string
// length-prefix encodings RFC 9668 section 3.2.1 actually produces are
// accepted: 1-byte header for lengths 0..23, 2-byte for 24..255, 3-byte
// for 256..65535, 5-byte for 65536..2^32-1. An 8-byte length (additional
// info 27) or any other reserved encoding is rejected outright.
func Split(b []byte) (edhocMsg3 []byte, oscorePayload []byte, err error) {
	if len(b) == 0 {
		return nil, nil, fmt.Errorf("combined: empty payload")
	}
	lead := b[0]
	major := lead >> 5
	if major != 2 {
		return nil, nil, fmt.Errorf("combined: expected CBOR byte string (major type 2), got %d", major)
	}
	info := lead & 0x1F

	var headerLen, payloadLen int
	switch {
	case info <= 23:
		headerLen = 1
		payloadLen = int(info)
	case info == 24:
		if len(b) < 2 {
			return nil, nil, fmt.Errorf("combined: truncated 1-byte length extension")
		}
		headerLen = 2
		payloadLen = int(b[1])
	case info == 25:
		if len(b) < 3 {
			return nil, nil, fmt.Errorf("combined: truncated 2-byte length extension")
		}
		headerLen = 3
		payloadLen = int(b[1])<<8 | int(b[2])
	case info == 26:
		if len(b) < 5 {
			return nil, nil, fmt.Errorf("combined: truncated 4-byte length extension")
		}
		headerLen = 5
		payloadLen = int(b[1])<<24 | int(b[2])<<16 | int(b[3])<<8 | int(b[4])
	case info == 27:
		return nil, nil, fmt.Errorf("combined: 8-byte length encoding (additional info 27) is rejected")
	default:
		return nil, nil, fmt.Errorf("combined: reserved CBOR length encoding, additional info %d", info)
	}

	total := headerLen + payloadLen
	if total > len(b) {
		return nil, nil, fmt.Errorf("combined: EDHOC_MSG_3 bstr claims %d bytes, only %d available", total, len(b))
	}
	msg3 := b[:total]
	rest := b[total:]
	if len(rest) == 0 {
		return nil, nil, fmt.Errorf("combined: empty OSCORE remainder")
	}
	return msg3, rest, nil
}
