package combined

import (
	"fmt"
	"sync"
	"time"

	"github.com/oscore-coap/engine/blockwise"
	"github.com/oscore-coap/engine/config"
	"github.com/oscore-coap/engine/message"
)

// OuterBlockEntry is one in-flight outer block reassembly. Its fields
// do not depend on the block direction.
type OuterBlockEntry struct {
	Peer           string
	Token          []byte
	RequestTags    blockwise.RequestTagList
	HeaderTemplate []byte // everything up to the payload marker, from the first block
	Buffer         *blockwise.Buffer
	Transfer       *blockwise.Transfer
	timestamp      time.Time
}

// OuterBlockCache reassembles the outer Block1 series that precedes an
// EDHOC+OSCORE split. The cache itself is direction-agnostic, but the
// engine feeds it only that outer Block1 series; no Block2 notification
// series is reassembled through it.
type OuterBlockCache struct {
	mu       sync.Mutex
	capacity int
	lifetime time.Duration
	maxLen   int
	entries  map[string]*OuterBlockEntry
	order    []string

	// Logger is the optional config.Logger seam, nil-safe via log(). A
	// fail-closed cache wipe is exactly the kind of
	// event worth a log line even on the happy-path-only default build.
	Logger config.Logger
}

func (c *OuterBlockCache) log(format string, v ...interface{}) {
	if c.Logger != nil {
		c.Logger.Printf(format, v...)
	}
}

// NewOuterBlockCache creates a cache bounded to capacity concurrent
// reassemblies, each expiring after lifetime and capped at maxLen
// accumulated bytes (CONFIG_COAP_EDHOC_COMBINED_OUTER_BLOCK_MAX_LEN).
func NewOuterBlockCache(capacity int, lifetime time.Duration, maxLen int) *OuterBlockCache {
	return &OuterBlockCache{
		capacity: capacity,
		lifetime: lifetime,
		maxLen:   maxLen,
		entries:  make(map[string]*OuterBlockEntry),
	}
}

func entryKey(peer string, token []byte, tags blockwise.RequestTagList) string {
	return peer + "\x00" + string(token) + "\x00" + tags.Key()
}

// Result is what Feed returns once the final block has been received.
type Result struct {
	HeaderTemplate []byte
	Payload        []byte
}

// Feed processes one inbound block. num/more/szx are the decoded Block1
// (or Block2) option fields; headerTemplate is everything up to the
// payload marker of the *first* block only (ignored on continuations);
// blockPayload is this fragment's payload. On the final block (more ==
// false) Feed returns a non-nil Result and clears the cache entry. Any
// validation failure clears the entry fail-closed and returns an error;
// the caller maps it to 4.00 or 4.13.
func (c *OuterBlockCache) Feed(peer string, token []byte, tags blockwise.RequestTagList, num uint32, more bool, szx blockwise.SZX, headerTemplate []byte, blockPayload []byte) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := entryKey(peer, token, tags)

	if num == 0 {
		if _, exists := c.entries[k]; !exists && len(c.entries) >= c.capacity {
			c.evictOldestLocked()
		}
		e := &OuterBlockEntry{
			Peer:           peer,
			Token:          token,
			RequestTags:    tags,
			HeaderTemplate: headerTemplate,
			Buffer:         blockwise.NewBuffer(),
			Transfer:       blockwise.NewTransfer(szx),
			timestamp:      time.Now(),
		}
		if err := e.Transfer.Advance(szx, len(blockPayload), more); err != nil {
			c.clearLocked(k)
			return nil, err
		}
		if err := e.Buffer.Append(blockPayload, c.maxLen); err != nil {
			c.clearLocked(k)
			return nil, err
		}
		if !more {
			buf, err := e.Buffer.Bytes()
			if err != nil {
				return nil, err
			}
			c.clearLocked(k)
			return &Result{HeaderTemplate: e.HeaderTemplate, Payload: buf}, nil
		}
		c.entries[k] = e
		c.touchLocked(k)
		return nil, nil
	}

	e, ok := c.entries[k]
	if !ok {
		// A continuation whose Request-Tag list differs from the one its
		// series started with lands on a different key: wipe that series.
		for otherKey, other := range c.entries {
			if other.Peer == peer && string(other.Token) == string(token) {
				c.clearLocked(otherKey)
				c.log("combined: Request-Tag mismatch for peer %s, cache wiped (fail-closed)", peer)
				return nil, fmt.Errorf("combined: Request-Tag list mismatch on continuation")
			}
		}
		return nil, fmt.Errorf("combined: continuation block for unknown reassembly")
	}
	if time.Since(e.timestamp) > c.lifetime {
		c.clearLocked(k)
		c.log("combined: reassembly for peer %s expired, cache wiped", peer)
		return nil, fmt.Errorf("combined: reassembly entry expired")
	}
	if !tags.Equal(e.RequestTags) {
		c.clearLocked(k)
		c.log("combined: Request-Tag mismatch for peer %s, cache wiped (fail-closed)", peer)
		return nil, fmt.Errorf("combined: Request-Tag list mismatch on continuation")
	}
	if num != e.Transfer.ExpectedNum() {
		c.clearLocked(k)
		c.log("combined: out-of-order block NUM %d (expected %d) for peer %s, cache wiped", num, e.Transfer.ExpectedNum(), peer)
		return nil, fmt.Errorf("combined: out-of-order block NUM %d, expected %d", num, e.Transfer.ExpectedNum())
	}
	if err := e.Transfer.Advance(szx, len(blockPayload), more); err != nil {
		c.clearLocked(k)
		return nil, err
	}
	if err := e.Buffer.Append(blockPayload, c.maxLen); err != nil {
		c.clearLocked(k)
		return nil, err
	}
	e.timestamp = time.Now()
	c.touchLocked(k)

	if !more {
		buf, err := e.Buffer.Bytes()
		if err != nil {
			return nil, err
		}
		c.clearLocked(k)
		return &Result{HeaderTemplate: e.HeaderTemplate, Payload: buf}, nil
	}
	return nil, nil
}

// Clear removes the entry for (peer, token, tags) unconditionally - used
// when a higher layer (OSCORE/EDHOC) fails after reassembly completes.
func (c *OuterBlockCache) Clear(peer string, token []byte, tags blockwise.RequestTagList) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clearLocked(entryKey(peer, token, tags))
}

func (c *OuterBlockCache) clearLocked(k string) {
	delete(c.entries, k)
	for i, o := range c.order {
		if o == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

func (c *OuterBlockCache) touchLocked(k string) {
	for i, o := range c.order {
		if o == k {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
	c.order = append(c.order, k)
}

func (c *OuterBlockCache) evictOldestLocked() {
	if len(c.order) == 0 {
		return
	}
	c.clearLocked(c.order[0])
}

// HasEDHOCOption reports whether opts carries the (value-ignored) EDHOC
// option, which per RFC 9668 section 3.2.2 only the first inner Block1
// fragment is required to carry.
func HasEDHOCOption(opts message.Options) bool {
	_, ok := opts.Find(message.OptionEDHOC)
	return ok
}
