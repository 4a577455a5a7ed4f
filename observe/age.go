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

// Package observe implements the per-resource Observe registry and the
// 24-bit rollover-aware age ordering of RFC 7641 section 3.4.
package observe

import "go.uber.org/atomic"

const (
	ageBits = 24
	ageMask = 1<<ageBits - 1

	// FirstAge is the value age wraps back to after MaxAge: rollover
	// transitions monotonically through MaxAge back to 2. 0 and 1 are
	// reserved (0 means "no Observe option processed yet").
	FirstAge = 2
	MaxAge   = ageMask
)

// Newer implements the two's-complement-on-24-bit comparison of RFC
// 7641 section 3.4: v2 is considered newer than v1 when (v2-v1) mod 2^24
// lies in (0, 2^23].
func Newer(v1, v2 uint32) bool {
	diff := (v2 - v1) & ageMask
	return diff > 0 && diff <= 1<<(ageBits-1)
}

// AgeCounter is a process-wide, goroutine-safe 24-bit age sequence.
// Every notification advances it; on overflow it wraps to FirstAge
// rather than 0.
type AgeCounter struct {
	v atomic.Uint32
}

// NewAgeCounter starts the counter at FirstAge, as RFC 7641 mandates
// the first Observe response carry a non-zero age.
func NewAgeCounter() *AgeCounter {
	a := &AgeCounter{}
	a.v.Store(FirstAge)
	return a
}

// Next returns the next age value and advances the counter, wrapping
// from MaxAge back to FirstAge instead of to 0.
func (a *AgeCounter) Next() uint32 {
	for {
		cur := a.v.Load()
		next := cur + 1
		if next > MaxAge {
			next = FirstAge
		}
		if a.v.CAS(cur, next) {
			return cur
		}
	}
}
