package blockwise

import (
	"github.com/oscore-coap/engine/cborseq"
)

// ContentFormatMissingBlocks is application/missing-blocks+cbor-seq
// (272), the body format of an RFC 9177 section 4.2 "missing blocks"
// request on a Q-Block transfer.
const ContentFormatMissingBlocks = 272

// EncodeMissingBlocks serializes the set of block NUMs still missing
// from a Q-Block transfer as a CBOR Sequence of ascending integers.
// Unsorted or duplicate input is rejected: RFC 9177 requires a sender
// to emit a strictly ascending sequence.
func EncodeMissingBlocks(nums []uint64) ([]byte, error) {
	return cborseq.EncodeUintsAscending(nums)
}

// DecodeMissingBlocks parses a missing-blocks payload, ignoring
// duplicates the way a lenient receiver is permitted to.
func DecodeMissingBlocks(b []byte) ([]uint64, error) {
	return cborseq.DecodeUintSequence(b)
}
