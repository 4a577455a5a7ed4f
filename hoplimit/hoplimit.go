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

// Package hoplimit implements the RFC 8768 Hop-Limit option, the proxy
// loop-breaker.
package hoplimit

import (
	"fmt"

	"github.com/oscore-coap/engine/message"
)

// DefaultValue is the Hop-Limit value a proxy inserts when a request
// arrives without one.
const DefaultValue = 16

// Outcome is the result of ProxyUpdate.
type Outcome int

const (
	// OK means forwarding may proceed with the option updated in opts.
	OK Outcome = iota
	// Exhausted means the Hop-Limit reached zero; the proxy MUST NOT
	// forward and must respond 5.08 Hop Limit Reached.
	Exhausted
)

// Get extracts and validates the Hop-Limit option, if present. Length
// MUST be exactly one byte and value MUST be in 1..255; 0 is invalid on
// the wire (it is only ever produced internally by ProxyUpdate as the
// Exhausted signal, never sent).
func Get(opts message.Options) (value uint8, present bool, err error) {
	opt, ok := opts.Find(message.OptionHopLimit)
	if !ok {
		return 0, false, nil
	}
	if len(opt.Value) != 1 {
		return 0, true, fmt.Errorf("hoplimit: option length must be 1 byte, got %d", len(opt.Value))
	}
	v := opt.Value[0]
	if v == 0 {
		return 0, true, fmt.Errorf("hoplimit: value 0 is invalid on the wire")
	}
	return v, true, nil
}

// ProxyUpdate applies the RFC 8768 section 3 forwarding rule: if the
// option is absent, it inserts defaultIfAbsent and returns OK; if
// present, it decrements the value, returning Exhausted when the result
// would be 0 (forwarding must stop) and OK with the decremented option
// otherwise.
func ProxyUpdate(opts message.Options, defaultIfAbsent uint8) (message.Options, Outcome, error) {
	v, present, err := Get(opts)
	if err != nil {
		return opts, OK, err
	}
	if !present {
		return opts.Append(message.Option{ID: message.OptionHopLimit, Value: []byte{defaultIfAbsent}}), OK, nil
	}
	if v == 1 {
		return opts, Exhausted, nil
	}
	updated := opts.Remove(message.OptionHopLimit).Append(message.Option{ID: message.OptionHopLimit, Value: []byte{v - 1}})
	return updated, OK, nil
}
