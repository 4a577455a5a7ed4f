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

// Package config models the engine's tunable surface as an ordinary Go
// struct with a defaulting constructor.
package config

import "time"

// Config is the full tunable surface of one engine instance.
type Config struct {
	// MaxConn bounds the number of concurrently tracked peers.
	MaxConn int
	// MaxOptionCount bounds the number of options accepted in a single
	// inbound message, guarding against option-count amplification.
	MaxOptionCount int

	// OSCOREExchangeCacheSize bounds the (peer, token) -> context table.
	OSCOREExchangeCacheSize int
	// OSCOREExchangeLifetime bounds how long an exchange entry survives
	// without a matching response.
	OSCOREExchangeLifetime time.Duration
	// OSCOREMaxUnfragmentedSize is the MAX_UNFRAGMENTED_SIZE guard used
	// by the combined-request client builder.
	OSCOREMaxUnfragmentedSize int

	// EDHOCSessionCacheSize bounds the C_R-keyed session table.
	EDHOCSessionCacheSize int
	// EDHOCSessionLifetime bounds how long a WAIT_MSG3 session survives.
	EDHOCSessionLifetime time.Duration

	// EDHOCCombinedOuterBlockCacheSize bounds the outer-Block1/Block2
	// reassembly cache.
	EDHOCCombinedOuterBlockCacheSize int
	// EDHOCCombinedOuterBlockLifetime bounds how long a partial outer
	// reassembly survives without a continuation.
	EDHOCCombinedOuterBlockLifetime time.Duration
	// EDHOCCombinedOuterBlockMaxLen caps total reassembled bytes.
	EDHOCCombinedOuterBlockMaxLen int

	// ServerEchoMaxLen is the configured Echo option nonce length limit
	// (1..40 bytes, RFC 9175). It is loaded but not consulted by the Echo
	// cache: echo.Cache.Challenge always issues 16-byte nonces.
	ServerEchoMaxLen int
	// ServerEchoCacheSize bounds the per-peer Echo verification cache.
	ServerEchoCacheSize int
	// ServerEchoVerifyWindow bounds how long a verified Echo challenge
	// is trusted before re-challenging.
	ServerEchoVerifyWindow time.Duration

	// ServerMessageSize is the nominal MTU-bound message size used to
	// pick a default blockwise SZX.
	ServerMessageSize int

	// Transmission holds the RFC 7252 section 4.8 retransmission
	// parameters.
	Transmission TransmissionParams

	// HopLimitDefault is the value a proxy inserts for Hop-Limit when
	// absent (RFC 8768).
	HopLimitDefault uint8
}

// TransmissionParams mirrors transmission.Params; duplicated here as
// plain fields so config loaders (JSON/INI) don't need to reach into
// another package's type during unmarshaling. ACKRandomPct and
// BackoffPct are factors (0.5 = +50% jitter, 2.0 = doubling backoff);
// the engine converts them to the integer-percent form
// transmission.Params uses.
type TransmissionParams struct {
	ACKTimeout    time.Duration
	ACKRandomPct  float64
	BackoffPct    float64
	MaxRetransmit int
}

// Default returns 16 for Hop-Limit, a 4096-byte unfragmented cap, and
// otherwise the conservative defaults RFC 7252/8613/9528/9175
// recommend.
func Default() *Config {
	return &Config{
		MaxConn:        256,
		MaxOptionCount: 32,

		OSCOREExchangeCacheSize:   128,
		OSCOREExchangeLifetime:    30 * time.Second,
		OSCOREMaxUnfragmentedSize: 4096,

		EDHOCSessionCacheSize: 64,
		EDHOCSessionLifetime:  60 * time.Second,

		EDHOCCombinedOuterBlockCacheSize: 64,
		EDHOCCombinedOuterBlockLifetime:  30 * time.Second,
		EDHOCCombinedOuterBlockMaxLen:    16384,

		ServerEchoMaxLen:       8,
		ServerEchoCacheSize:    256,
		ServerEchoVerifyWindow: 5 * time.Minute,

		ServerMessageSize: 1152,

		Transmission: TransmissionParams{
			ACKTimeout:    2 * time.Second,
			ACKRandomPct:  0.5,
			BackoffPct:    2.0,
			MaxRetransmit: 4,
		},

		HopLimitDefault: 16,
	}
}
