package transmission

import (
	"encoding/hex"
	"sync"

	"github.com/oscore-coap/engine/message"
)

// matchKey identifies one outstanding exchange. Empty ACK/RST messages
// match by (peer, MID); every other reply matches by (peer, token).
type matchKey struct {
	peer  string
	byMID bool
	mid   uint16
	token string
}

// Entry is one slot in the Matcher's table: the Pending retransmission
// state plus a channel the caller blocks on for the eventual reply.
type Entry struct {
	Pending *Pending
	Reply   chan *message.Message
}

// Matcher implements reply matching: every Confirmable
// request registered here can be resolved by a later empty ACK/RST (by
// MID) or, for piggybacked/separate responses, by token.
type Matcher struct {
	mu      sync.Mutex
	byMID   map[matchKey]*Entry
	byToken map[matchKey]*Entry
}

// NewMatcher creates an empty reply matcher.
func NewMatcher() *Matcher {
	return &Matcher{
		byMID:   make(map[matchKey]*Entry),
		byToken: make(map[matchKey]*Entry),
	}
}

// Register records an outstanding request so that a later reply from
// peer, either an empty ACK/RST bearing mid or any message bearing
// token, can be matched back to it.
func (m *Matcher) Register(peer string, mid uint16, token []byte, pending *Pending) *Entry {
	// Capacity covers the empty-ACK-then-separate-response sequence
	// arriving back to back before the waiter drains the first message.
	e := &Entry{Pending: pending, Reply: make(chan *message.Message, 4)}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byMID[matchKey{peer: peer, byMID: true, mid: mid}] = e
	m.byToken[matchKey{peer: peer, token: hex.EncodeToString(token)}] = e
	return e
}

// Match resolves an incoming message to its outstanding Entry, preferring
// the empty-ACK/RST (by MID) path over the token path: an empty ACK or
// RST concludes by Message ID, everything else by token (RFC 7252
// section 4.2/5.3.2).
func (m *Matcher) Match(peer string, reply *message.Message) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	isEmptyAckOrRst := len(reply.Payload) == 0 && len(reply.Options) == 0 && reply.Code == message.Empty &&
		(reply.Type == message.Acknowledgement || reply.Type == message.Reset)
	if isEmptyAckOrRst {
		if e, ok := m.byMID[matchKey{peer: peer, byMID: true, mid: reply.MID}]; ok {
			return e, true
		}
	}
	e, ok := m.byToken[matchKey{peer: peer, token: hex.EncodeToString(reply.Token)}]
	return e, ok
}

// Remove deregisters an entry for peer/mid/token once its exchange has
// fully concluded (final response delivered, or retries exhausted).
func (m *Matcher) Remove(peer string, mid uint16, token []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byMID, matchKey{peer: peer, byMID: true, mid: mid})
	delete(m.byToken, matchKey{peer: peer, token: hex.EncodeToString(token)})
}
