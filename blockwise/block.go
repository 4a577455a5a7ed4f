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

// Package blockwise implements Block1/Block2 and Q-Block1/Q-Block2
// reassembly (RFC 7959, RFC 9177) and the Request-Tag list (RFC 9175
// section 3.4).
package blockwise

import (
	"fmt"

	"github.com/oscore-coap/engine/message"
)

// SZX is the CoAP block-size exponent; wire block size is 1<<(SZX+4)
// bytes. 7 is reserved.
type SZX uint8

const (
	SZX16 SZX = iota
	SZX32
	SZX64
	SZX128
	SZX256
	SZX512
	SZX1024
	szxReserved
)

// Size returns the number of payload bytes one block of this exponent
// carries.
func (s SZX) Size() int {
	return 1 << (uint(s) + 4)
}

// Valid reports whether s is a usable (non-reserved) exponent.
func (s SZX) Valid() bool {
	return s < szxReserved
}

// Context tracks one direction of one blockwise transfer. current_offset is always a multiple of
// the block size; the wire NUM is current_offset >> (SZX+4).
type Context struct {
	SZX           SZX
	CurrentOffset int
	TotalSize     int // 0 when unknown (still in progress)
}

// EncodeOption packs (NUM, M, SZX) into the 0-3 byte Block1/Block2 wire
// value, per RFC 7959 section 2.1.
func EncodeOption(ctx Context, more bool) []byte {
	num := ctx.CurrentOffset / ctx.SZX.Size()
	var m uint32
	if more {
		m = 1
	}
	v := uint32(num)<<4 | m<<3 | uint32(ctx.SZX)
	return message.EncodeUint(v)
}

// DecodeOption unpacks a Block1/Block2 option value into (num, more, szx).
func DecodeOption(b []byte) (num uint32, more bool, szx SZX, err error) {
	if len(b) > 3 {
		return 0, false, 0, fmt.Errorf("blockwise: option value too long (%d bytes)", len(b))
	}
	v := message.DecodeUint(b)
	szx = SZX(v & 0x7)
	if !szx.Valid() {
		return 0, false, 0, fmt.Errorf("blockwise: reserved SZX 7")
	}
	more = v&0x8 != 0
	num = v >> 4
	return num, more, szx, nil
}

// State is the lifecycle of one blockwise transfer.
type State int

const (
	Idle State = iota
	InProgress
	Completed
)

// Transfer drives one blockwise transfer through the Idle -> InProgress
// -> Completed state machine, advancing by the actual number of payload
// bytes carried in each fragment rather than the nominal block size, so
// that a short final block (RFC 7959 section 2.4) still lands on an
// exact CurrentOffset.
type Transfer struct {
	State State
	Ctx   Context
}

// NewTransfer begins a transfer at block 0 with the given block size.
func NewTransfer(szx SZX) *Transfer {
	return &Transfer{State: Idle, Ctx: Context{SZX: szx}}
}

// Advance processes one received (or about to be sent) block of the
// given actual payload length and more-flag, enforcing that the block
// size did not change mid-transfer.
func (t *Transfer) Advance(szx SZX, payloadLen int, more bool) error {
	if t.State == InProgress && szx != t.Ctx.SZX {
		return fmt.Errorf("blockwise: block size changed mid-transfer (%d -> %d)", t.Ctx.SZX.Size(), szx.Size())
	}
	if t.State == Idle {
		t.Ctx.SZX = szx
		t.State = InProgress
	}
	t.Ctx.CurrentOffset += payloadLen
	if !more {
		t.Ctx.TotalSize = t.Ctx.CurrentOffset
		t.State = Completed
	}
	return nil
}

// ExpectedNum returns the block NUM the next fragment must carry, given
// the block size already negotiated for this transfer (used to enforce
// strictly increasing in-order delivery).
func (t *Transfer) ExpectedNum() uint32 {
	return uint32(t.Ctx.CurrentOffset / t.Ctx.SZX.Size())
}

// ValidateBlockQBlockMixing returns an error if Block1/Block2 coexist
// with Q-Block1/Q-Block2 in the same message, per RFC 9177 section 4.1's
// MUST-not-mix rule.
func ValidateBlockQBlockMixing(opts message.Options) error {
	_, hasBlock1 := opts.Find(message.OptionBlock1)
	_, hasBlock2 := opts.Find(message.OptionBlock2)
	_, hasQBlock1 := opts.Find(message.OptionQBlock1)
	_, hasQBlock2 := opts.Find(message.OptionQBlock2)
	if (hasBlock1 || hasBlock2) && (hasQBlock1 || hasQBlock2) {
		return fmt.Errorf("blockwise: Block and Q-Block options MUST NOT coexist in the same message")
	}
	return nil
}
