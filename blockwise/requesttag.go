package blockwise

import (
	"bytes"
	"fmt"

	"github.com/oscore-coap/engine/message"
)

// RequestTagList is an ordered sequence of 0..8-byte Request-Tag
// values. Count and Bytes are stored separately so that the
// empty list (Count=0, Bytes=nil) is distinct from a list holding one
// zero-length entry (Count=1, Bytes=[]byte{0}) - RFC 9175 section 3.4
// treats these as different operation-key components.
type RequestTagList struct {
	Count int
	Bytes []byte // [len0][bytes0][len1][bytes1]...
}

// ParseList extracts every Request-Tag option from opts and serializes
// them as a length-prefixed concatenation.
func ParseList(opts message.Options) (RequestTagList, error) {
	tags := opts.FindAll(message.OptionRequestTag)
	var buf bytes.Buffer
	for _, t := range tags {
		if len(t.Value) > 8 {
			return RequestTagList{}, fmt.Errorf("blockwise: Request-Tag value exceeds 8 bytes (%d)", len(t.Value))
		}
		buf.WriteByte(byte(len(t.Value)))
		buf.Write(t.Value)
	}
	return RequestTagList{Count: len(tags), Bytes: buf.Bytes()}, nil
}

// Equal reports exact equality on (Count, Bytes): a 0-length entry is
// distinct from absence (RFC 9175 section 3.4).
func (l RequestTagList) Equal(other RequestTagList) bool {
	return l.Count == other.Count && bytes.Equal(l.Bytes, other.Bytes)
}

// Key returns a string usable as a map key, combining count and bytes so
// two lists that differ only in count (e.g. absent vs present-empty)
// never collide.
func (l RequestTagList) Key() string {
	return fmt.Sprintf("%d:%s", l.Count, l.Bytes)
}
