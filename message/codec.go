package message

import (
	"encoding/binary"
	"fmt"
)

// ParseError reports a wire-format violation found by Parse. Kind lets
// callers (coaperr) distinguish "drop silently if NON" malformed input
// from the other error kinds without parsing the message text.
type ParseError struct {
	Kind   string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("message: parse: %s: %s", e.Kind, e.Detail)
}

func malformed(detail string, args ...interface{}) *ParseError {
	return &ParseError{Kind: "Malformed", Detail: fmt.Sprintf(detail, args...)}
}

const payloadMarker = 0xFF

// Parse decodes a complete CoAP datagram into a Message. It validates:
//   - minimum header length (4 bytes)
//   - version == 1
//   - TKL in {0..8}; 9..15 are reserved and MUST be rejected
//   - option delta/length nibble 15 only appears as the payload marker
//   - a payload marker is never the final byte (payload marker with no payload)
//   - no option's value runs past the end of the datagram
//
// Parse does not copy the input; the returned Message's Token, option
// values and Payload are slices into b. Callers that retain a Message
// beyond the lifetime of b must clone it first.
func Parse(b []byte) (*Message, error) {
	if len(b) < 4 {
		return nil, malformed("datagram shorter than fixed header (%d bytes)", len(b))
	}
	ver := Version(b[0] >> 6)
	if ver != CurrentVersion {
		return nil, malformed("unsupported version %d", ver)
	}
	typ := Type((b[0] >> 4) & 0x3)
	tkl := int(b[0] & 0x0f)
	if tkl > MaxTokenLen {
		return nil, malformed("reserved token length %d", tkl)
	}
	code := Code(b[1])
	mid := binary.BigEndian.Uint16(b[2:4])

	off := 4
	if off+tkl > len(b) {
		return nil, malformed("token runs past end of datagram")
	}
	token := b[off : off+tkl]
	off += tkl

	m := &Message{Version: ver, Type: typ, Code: code, MID: mid, Token: token}

	lastOptionID := OptionID(0)
	for off < len(b) {
		first := b[off]
		if first == payloadMarker {
			off++
			if off >= len(b) {
				return nil, malformed("payload marker with no following payload")
			}
			m.Payload = b[off:]
			off = len(b)
			break
		}
		delta := int(first >> 4)
		length := int(first & 0x0f)
		off++

		delta, off2, err := extendOptionField(delta, b, off)
		if err != nil {
			return nil, err
		}
		off = off2

		length, off3, err := extendOptionField(length, b, off)
		if err != nil {
			return nil, err
		}
		off = off3

		if off+length > len(b) {
			return nil, malformed("option value runs past end of datagram")
		}
		lastOptionID += OptionID(delta)
		m.Options = append(m.Options, Option{ID: lastOptionID, Value: b[off : off+length]})
		off += length
	}
	return m, nil
}

// extendOptionField decodes a single delta or length nibble, applying
// the RFC 7252 figure 8 extension rule: 13 means "subtract 13, add a
// following 1-byte extension", 14 means "subtract 269, add a following
// 2-byte extension", 15 is reserved (and handled by the payload-marker
// check in the caller, so reaching it here is always an error).
func extendOptionField(nibble int, b []byte, off int) (int, int, error) {
	switch nibble {
	case 13:
		if off >= len(b) {
			return 0, 0, malformed("truncated 1-byte option extension")
		}
		return int(b[off]) + 13, off + 1, nil
	case 14:
		if off+2 > len(b) {
			return 0, 0, malformed("truncated 2-byte option extension")
		}
		return int(binary.BigEndian.Uint16(b[off:off+2])) + 269, off + 2, nil
	case 15:
		return 0, 0, malformed("reserved option nibble 15 outside payload marker")
	default:
		return nibble, off, nil
	}
}

// Serialize re-encodes m into wire bytes. Options MUST already be in
// non-decreasing ID order (Message.Options built via the Options.Append
// helpers maintains this); Serialize does not sort, matching the
// incremental-builder contract that AppendOption errors instead of
// silently reordering.
func Serialize(m *Message) ([]byte, error) {
	if len(m.Token) > MaxTokenLen {
		return nil, fmt.Errorf("message: serialize: token length %d out of range", len(m.Token))
	}
	out := make([]byte, 4, 4+len(m.Token)+16+len(m.Payload))
	out[0] = byte(CurrentVersion)<<6 | byte(m.Type)<<4 | byte(len(m.Token))
	out[1] = byte(m.Code)
	binary.BigEndian.PutUint16(out[2:4], m.MID)
	out = append(out, m.Token...)

	lastID := OptionID(0)
	for i, opt := range m.Options {
		if opt.ID < lastID {
			return nil, fmt.Errorf("message: serialize: option %d out of order after %d (index %d)", opt.ID, lastID, i)
		}
		out = appendOption(out, opt.ID-lastID, opt.Value)
		lastID = opt.ID
	}
	if m.Payload != nil {
		out = append(out, payloadMarker)
		out = append(out, m.Payload...)
	}
	return out, nil
}

func appendOption(out []byte, delta OptionID, value []byte) []byte {
	deltaNibble, deltaExt := splitField(uint32(delta))
	lengthNibble, lengthExt := splitField(uint32(len(value)))
	out = append(out, byte(deltaNibble)<<4|byte(lengthNibble))
	out = append(out, deltaExt...)
	out = append(out, lengthExt...)
	out = append(out, value...)
	return out
}

// splitField is the inverse of extendOptionField: given a raw delta or
// length value, returns the 4-bit nibble to store plus any extension
// bytes that must follow it.
func splitField(v uint32) (nibble int, ext []byte) {
	switch {
	case v < 13:
		return int(v), nil
	case v < 269:
		return 13, []byte{byte(v - 13)}
	default:
		ext16 := v - 269
		return 14, []byte{byte(ext16 >> 8), byte(ext16)}
	}
}

// AppendOption appends an option in the incremental-builder style:
// callers MUST supply ids in non-decreasing order.
// OrderViolation is returned otherwise - the strict incremental
// contract, rather than silently sorting like the convenience
// Options.Append in options.go.
func (m *Message) AppendOption(id OptionID, value []byte) error {
	if len(m.Options) > 0 && id < m.Options[len(m.Options)-1].ID {
		return &OrderViolation{Previous: m.Options[len(m.Options)-1].ID, Attempted: id}
	}
	m.Options = append(m.Options, Option{ID: id, Value: value})
	return nil
}

// AppendUint appends a uint-valued option using the minimal-length
// encoding (EncodeUint): a required invariant for Content-Format,
// Max-Age, Size1, Size2 and similar options.
func (m *Message) AppendUint(id OptionID, v uint32) error {
	return m.AppendOption(id, EncodeUint(v))
}

// RemoveOption removes every occurrence of id and re-packs the option
// list (deltas are recomputed on next Serialize since they are derived,
// not stored).
func (m *Message) RemoveOption(id OptionID) {
	m.Options = m.Options.Remove(id)
}

// OrderViolation is returned by AppendOption when the caller supplies
// option numbers out of non-decreasing order.
type OrderViolation struct {
	Previous, Attempted OptionID
}

func (e *OrderViolation) Error() string {
	return fmt.Sprintf("message: option %d appended after %d violates non-decreasing order", e.Attempted, e.Previous)
}
