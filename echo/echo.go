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

// Package echo implements the RFC 9175 Echo amplification mitigation
//: unsafe-method requests from unverified peers are
// challenged with a fresh nonce, verified on retry with a constant-time
// comparison, and the peer then stays verified for a configured window.
package echo

import (
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/message"
)

// IsUnsafeMethod reports whether c is a state-changing method that
// warrants an Echo freshness challenge (RFC 9175 section 2.4).
func IsUnsafeMethod(c message.Code) bool {
	switch c {
	case message.POST, message.PUT, message.DELETE, message.PATCH, message.IPATCH:
		return true
	default:
		return false
	}
}

type entry struct {
	nonce      []byte
	created    time.Time
	verified   bool
	verifiedAt time.Time
}

// Cache is the fixed-capacity, LRU-evicted, per-peer Echo challenge
// table.
type Cache struct {
	mu           sync.Mutex
	capacity     int
	verifyWindow time.Duration
	entries      map[string]*entry
	order        []string // LRU order, most-recently-used at the end

	// Logger is the optional config.Logger seam, nil-safe via log().
	Logger config.Logger
}

func (c *Cache) log(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

// NewCache creates an Echo cache bounded to capacity entries, where a
// peer that has successfully verified stays exempt from future
// challenges for verifyWindow.
func NewCache(capacity int, verifyWindow time.Duration) *Cache {
	return &Cache{
		capacity:     capacity,
		verifyWindow: verifyWindow,
		entries:      make(map[string]*entry),
	}
}

// IsVerified reports whether peer currently falls inside its verified
// window, bypassing the need for a fresh challenge.
func (c *Cache) IsVerified(peer string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[peer]
	if !ok || !e.verified {
		return false
	}
	if time.Since(e.verifiedAt) > c.verifyWindow {
		return false
	}
	return true
}

// Challenge generates and stores a fresh nonce (1..40 bytes, RFC 9175
// section 2.2.1) for peer and returns it for the caller to attach as the
// Echo option on a 4.01 Unauthorized response.
func (c *Cache) Challenge(peer string) ([]byte, error) {
	nonce := make([]byte, 16)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("echo: generating nonce: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.put(peer, &entry{nonce: nonce, created: time.Now()})
	return nonce, nil
}

// Verify compares echoed against the stored nonce for peer using a
// constant-time comparison. On success, peer is marked verified for the
// configured window and the stale challenge nonce is cleared.
func (c *Cache) Verify(peer string, echoed []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[peer]
	if !ok || e.nonce == nil {
		return false
	}
	if len(echoed) != len(e.nonce) {
		return false
	}
	if subtle.ConstantTimeCompare(echoed, e.nonce) != 1 {
		return false
	}
	e.verified = true
	e.verifiedAt = time.Now()
	e.nonce = nil
	return true
}

// put inserts/updates an entry and evicts the least-recently-used one if
// the cache is at capacity. Caller must hold c.mu.
func (c *Cache) put(peer string, e *entry) {
	if _, exists := c.entries[peer]; !exists && len(c.entries) >= c.capacity {
		lru := c.order[0]
		c.order = c.order[1:]
		delete(c.entries, lru)
		c.log("echo: cache full, evicted challenge for peer %s", lru)
	}
	c.entries[peer] = e
	for i, o := range c.order {
		if o == peer {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, peer)
}
