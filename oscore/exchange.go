package oscore

import (
	"sync"
	"time"

	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/crypto"
)

// Context is the per-exchange OSCORE security context reference. The
// actual derived keys/sequence numbers live behind Ref, which this
// engine treats opaquely - sequence number bookkeeping belongs to the
// external context.
type Context struct {
	Ref interface{}
}

type exchangeEntry struct {
	peer      string
	token     string
	isObserve bool
	ctx       Context
	timestamp time.Time
}

// ExchangeTable is the fixed-capacity, LRU + TTL (peer, token) -> Context
// table. Every successful request unprotect MUST insert
// an entry; every outbound response for which Find succeeds MUST be
// OSCORE-protected with the stored context; non-Observe entries are
// removed once the response using them has been sent.
type ExchangeTable struct {
	mu       sync.Mutex
	capacity int
	lifetime time.Duration
	entries  map[string]*exchangeEntry
	order    []string // LRU, most-recently-used at the end

	// Evictions/expirations are surfaced for the metrics package; nil is
	// safe (no-op).
	OnEvict func(reason string)

	// Logger is the optional config.Logger seam, nil-safe via log(),
	// shared with every other cache in the engine.
	Logger config.Logger
}

func (t *ExchangeTable) log(format string, v ...interface{}) {
	if t.Logger != nil {
		t.Logger.Printf(format, v...)
	}
}

// NewExchangeTable creates a table bounded to capacity entries, each
// living at most lifetime since insertion before Find expires it.
func NewExchangeTable(capacity int, lifetime time.Duration) *ExchangeTable {
	return &ExchangeTable{
		capacity: capacity,
		lifetime: lifetime,
		entries:  make(map[string]*exchangeEntry),
	}
}

func key(peer string, token []byte) string {
	return peer + "\x00" + string(token)
}

// Add inserts or replaces the entry for (peer, token), evicting the
// least-recently-used entry if the table is full.
func (t *ExchangeTable) Add(peer string, token []byte, isObserve bool, ctx Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(peer, token)
	if _, exists := t.entries[k]; !exists && len(t.entries) >= t.capacity {
		t.evictLRULocked()
	}
	t.entries[k] = &exchangeEntry{peer: peer, token: string(token), isObserve: isObserve, ctx: ctx, timestamp: time.Now()}
	t.touchLocked(k)
}

// Find looks up the context for (peer, token). Expired entries are
// cleared as a lookup side effect.
func (t *ExchangeTable) Find(peer string, token []byte) (Context, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(peer, token)
	e, ok := t.entries[k]
	if !ok {
		return Context{}, false
	}
	if time.Since(e.timestamp) > t.lifetime {
		t.removeLocked(k)
		if t.OnEvict != nil {
			t.OnEvict("ttl_expired")
		}
		t.log("oscore: exchange entry for peer %s expired (ttl)", peer)
		return Context{}, false
	}
	t.touchLocked(k)
	return e.ctx, true
}

// IsObserve reports whether the stored entry for (peer, token) should
// persist across a response send (an active Observe relationship).
func (t *ExchangeTable) IsObserve(peer string, token []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[key(peer, token)]
	return ok && e.isObserve
}

// RemoveAfterResponse drops the entry for (peer, token) unless it is
// flagged is_observe, which persists so later notifications can be
// protected with the same context.
func (t *ExchangeTable) RemoveAfterResponse(peer string, token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := key(peer, token)
	e, ok := t.entries[k]
	if !ok || e.isObserve {
		return
	}
	t.removeLocked(k)
}

// Remove unconditionally deletes the entry, used on explicit observation
// cancellation.
func (t *ExchangeTable) Remove(peer string, token []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removeLocked(key(peer, token))
}

// removeLocked zeroes sensitive material before dropping the slot
//. Context.Ref is opaque here, but if it satisfies an optional
// zeroer interface we invoke it; the caller's concrete context type is
// expected to implement this when it embeds key material directly.
func (t *ExchangeTable) removeLocked(k string) {
	if e, ok := t.entries[k]; ok {
		if z, ok := e.ctx.Ref.(interface{ SecureZero() }); ok {
			z.SecureZero()
		}
	}
	delete(t.entries, k)
	for i, o := range t.order {
		if o == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}

func (t *ExchangeTable) touchLocked(k string) {
	for i, o := range t.order {
		if o == k {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
	t.order = append(t.order, k)
}

func (t *ExchangeTable) evictLRULocked() {
	if len(t.order) == 0 {
		return
	}
	lru := t.order[0]
	t.removeLocked(lru)
	if t.OnEvict != nil {
		t.OnEvict("lru")
	}
	t.log("oscore: exchange table full, evicted LRU entry")
}

var _ = crypto.SecureZero // referenced by concrete Context.Ref implementers, kept for godoc discoverability
