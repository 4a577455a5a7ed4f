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

// Package coaperr is the single error-mapper authority: every subsystem reports a local error Kind, and this
// package alone decides the wire response code and ACK/NON/RST framing.
package coaperr

import (
	"fmt"

	"github.com/oscore-coap/engine/message"
)

// Kind is the taxonomy of section 7, "kinds, not types" - callers
// report what failed, not how; Resolve decides the wire consequence.
type Kind int

const (
	Malformed Kind = iota
	UnsupportedCriticalOption
	SecurityDecode
	SecurityContextMissing
	SecurityReplay
	SecurityDecrypt
	BlockProtocol
	BlockSizeLimitExceeded
	ProxyExhausted
	EDHOCProcessing
	ResourceAbsent
	MethodNotAllowed
	Capacity
)

func (k Kind) String() string {
	switch k {
	case Malformed:
		return "malformed"
	case UnsupportedCriticalOption:
		return "unsupported_critical_option"
	case SecurityDecode:
		return "security_decode"
	case SecurityContextMissing:
		return "security_context_missing"
	case SecurityReplay:
		return "security_replay"
	case SecurityDecrypt:
		return "security_decrypt"
	case BlockProtocol:
		return "block_protocol"
	case BlockSizeLimitExceeded:
		return "block_size_limit_exceeded"
	case ProxyExhausted:
		return "proxy_exhausted"
	case EDHOCProcessing:
		return "edhoc_processing"
	case ResourceAbsent:
		return "resource_absent"
	case MethodNotAllowed:
		return "method_not_allowed"
	case Capacity:
		return "capacity"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error carries a Kind plus the underlying cause; subsystems return this
// instead of ad hoc error strings so Resolve never has to sniff text.
type Error struct {
	Kind Kind
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// New wraps err under kind.
func New(kind Kind, err error) *Error { return &Error{Kind: kind, Err: err} }

// Frame is the ACK/NON/RST decision accompanying a mapped response code.
type Frame int

const (
	FrameACK Frame = iota
	FrameRST
	FrameDrop // silent drop: NON malformed input, no reply at all
)

// Response is what Resolve produces: the CoAP code to send, the framing
// decision, whether the response must carry Max-Age: 0 (OSCORE error
// responses), and whether it must carry Content-Format 64 with a CBOR
// Sequence diagnostic body (EDHOC error responses).
type Response struct {
	Code             message.Code
	Frame            Frame
	ForceUnprotected bool
	MaxAgeZero       bool
	EDHOCDiagnostic  bool
}

// Resolve maps kind to its wire consequence. confirmable indicates
// whether the inbound message that triggered this error was Confirmable
// (affects Malformed handling per section 7, item 1: "silently drop if
// NON, 4.00 if CON").
func Resolve(kind Kind, confirmable bool) Response {
	switch kind {
	case Malformed:
		if !confirmable {
			return Response{Frame: FrameDrop}
		}
		return Response{Code: message.BadRequest, Frame: FrameACK}

	case UnsupportedCriticalOption:
		if !confirmable {
			return Response{Frame: FrameDrop}
		}
		return Response{Code: message.BadOption, Frame: FrameACK}

	case SecurityDecode:
		return Response{Code: message.BadOption, Frame: FrameACK, ForceUnprotected: true, MaxAgeZero: true}

	case SecurityContextMissing:
		return Response{Code: message.Unauthorized, Frame: FrameACK, ForceUnprotected: true, MaxAgeZero: true}

	case SecurityReplay:
		return Response{Code: message.Unauthorized, Frame: FrameACK, ForceUnprotected: true, MaxAgeZero: true}

	case SecurityDecrypt:
		return Response{Code: message.BadRequest, Frame: FrameACK, ForceUnprotected: true, MaxAgeZero: true}

	case BlockProtocol:
		return Response{Code: message.BadRequest, Frame: FrameACK}

	case BlockSizeLimitExceeded:
		return Response{Code: message.RequestEntityTooLarge, Frame: FrameACK}

	case ProxyExhausted:
		return Response{Code: message.HopLimitReached, Frame: FrameACK}

	case EDHOCProcessing:
		return Response{Code: message.BadRequest, Frame: FrameACK, EDHOCDiagnostic: true}

	case ResourceAbsent:
		return Response{Code: message.NotFound, Frame: FrameACK}

	case MethodNotAllowed:
		return Response{Code: message.MethodNotAllowed, Frame: FrameACK}

	case Capacity:
		return Response{Code: message.InternalServerError, Frame: FrameACK}

	default:
		return Response{Code: message.InternalServerError, Frame: FrameACK}
	}
}

// ApplyMaxAgeZero stamps an OSCORE error response with Max-Age: 0 to
// defeat caching, per section 7's propagation policy.
func ApplyMaxAgeZero(opts message.Options) message.Options {
	return opts.Remove(message.OptionMaxAge).Append(message.Option{ID: message.OptionMaxAge, Value: message.EncodeUint(0)})
}
