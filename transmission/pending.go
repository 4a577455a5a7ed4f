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

// Package transmission implements Confirmable retransmission and
// request/response matching (RFC 7252 section 4).
package transmission

import (
	"math/rand"
	"net"
	"time"
)

// Params is the per-endpoint transmission parameter set. Defaults
// match RFC 7252 section 4.8.
type Params struct {
	ACKTimeout     time.Duration
	ACKRandomPct   int // percentage added on top of ACKTimeout, e.g. 50 for RANDOM_FACTOR=1.5
	BackoffPct     int // percentage applied to previous_timeout on each retransmit
	MaxRetransmit  int
}

// DefaultParams returns RFC 7252 ACK_TIMEOUT=2s, ACK_RANDOM_FACTOR=1.5,
// MAX_RETRANSMIT=4, doubling backoff (BackoffPct=200: each cycle's
// timeout is previous_timeout * 200 / 100).
func DefaultParams() Params {
	return Params{
		ACKTimeout:    2 * time.Second,
		ACKRandomPct:  50,
		BackoffPct:    200,
		MaxRetransmit: 4,
	}
}

// initialTimeout draws ACK_TIMEOUT * random(1, ACK_RANDOM_FACTOR), with
// ACK_RANDOM_FACTOR = 1 + ACKRandomPct/100.
func (p Params) initialTimeout() time.Duration {
	extra := time.Duration(rand.Intn(p.ACKRandomPct+1)) * p.ACKTimeout / 100
	return p.ACKTimeout + extra
}

// Pending is one outstanding Confirmable message awaiting an ACK/RST.
type Pending struct {
	PacketCopy   []byte
	Destination  net.Addr
	Deadline     time.Time
	RetriesLeft  int
	params       Params
	prevTimeout  time.Duration
}

// NewPending schedules packet for delivery to dest with the given
// transmission parameters, computing the first deadline.
func NewPending(packet []byte, dest net.Addr, p Params) *Pending {
	timeout := p.initialTimeout()
	return &Pending{
		PacketCopy:  append([]byte(nil), packet...),
		Destination: dest,
		Deadline:    time.Now().Add(timeout),
		RetriesLeft: p.MaxRetransmit,
		params:      p,
		prevTimeout: timeout,
	}
}

// Cycle advances the deadline by previous_timeout * backoff_percent/100
// and decrements retries. It returns false once retries are exhausted,
// at which point the caller MUST notify the request's reply slot with
// Timeout.
func (pd *Pending) Cycle() bool {
	if pd.RetriesLeft <= 0 {
		return false
	}
	pd.RetriesLeft--
	pd.prevTimeout = pd.prevTimeout * time.Duration(pd.params.BackoffPct) / 100
	pd.Deadline = time.Now().Add(pd.prevTimeout)
	return true
}

// Expired reports whether the deadline has passed as of now.
func (pd *Pending) Expired(now time.Time) bool {
	return !now.Before(pd.Deadline)
}
