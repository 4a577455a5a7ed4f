package message

// EncodeUint encodes v using the minimal number of big-endian bytes
// required to represent it, per the CoAP convention that uint-valued
// options (Content-Format, Max-Age, Size1/2, ...) never carry leading
// zero bytes. v=255 MUST encode as a single 0xFF byte, not two.
func EncodeUint(v uint32) []byte {
	switch {
	case v == 0:
		return nil
	case v < 1<<8:
		return []byte{byte(v)}
	case v < 1<<16:
		return []byte{byte(v >> 8), byte(v)}
	case v < 1<<24:
		return []byte{byte(v >> 16), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// DecodeUint decodes a minimal-length big-endian uint option value. It
// does not reject non-minimal encodings on the receive path (RFC 7252
// is permissive about what a decoder accepts), only EncodeUint enforces
// minimality on the send path.
func DecodeUint(b []byte) uint32 {
	var v uint32
	for _, c := range b {
		v = v<<8 | uint32(c)
	}
	return v
}
