package blockwise

import (
	"bytes"
	"testing"

	"github.com/oscore-coap/engine/message"
)

// TestBlock1UploadFiveBlocks uploads 150 bytes over 32-byte blocks.
func TestBlock1UploadFiveBlocks(t *testing.T) {
	payload := make([]byte, 150)
	for i := range payload {
		payload[i] = byte(i)
	}
	blockSize := SZX32.Size()

	transfer := NewTransfer(SZX32)
	reassembled := NewBuffer()

	offset := 0
	iterations := 0
	for offset < len(payload) {
		end := offset + blockSize
		more := true
		if end >= len(payload) {
			end = len(payload)
			more = false
		}
		chunk := payload[offset:end]
		if err := reassembled.Append(chunk, 1<<20); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := transfer.Advance(SZX32, len(chunk), more); err != nil {
			t.Fatalf("advance: %v", err)
		}
		offset = end
		iterations++
	}
	if iterations != 5 {
		t.Fatalf("expected 5 iterations for 150 bytes / 32-byte blocks, got %d", iterations)
	}
	if transfer.State != Completed {
		t.Fatalf("expected Completed state, got %v", transfer.State)
	}
	got, err := reassembled.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestBlockSizeChangeMidTransferErrors(t *testing.T) {
	tr := NewTransfer(SZX32)
	if err := tr.Advance(SZX32, 32, true); err != nil {
		t.Fatalf("first advance: %v", err)
	}
	if err := tr.Advance(SZX64, 32, false); err == nil {
		t.Fatal("expected error when block size changes mid-transfer")
	}
}

func TestValidateBlockQBlockMixingRejectsCoexistence(t *testing.T) {
	opts := message.Options{
		{ID: message.OptionBlock1, Value: []byte{0x00}},
		{ID: message.OptionQBlock2, Value: []byte{0x00}},
	}
	if err := ValidateBlockQBlockMixing(opts); err == nil {
		t.Fatal("expected error for Block1 + Q-Block2 in the same message")
	}

	onlyBlock := message.Options{{ID: message.OptionBlock1, Value: []byte{0x00}}}
	if err := ValidateBlockQBlockMixing(onlyBlock); err != nil {
		t.Fatalf("unexpected error for Block1 alone: %v", err)
	}
}

func TestRequestTagListEmptyVsPresentEmptyDistinct(t *testing.T) {
	absent, err := ParseList(message.Options{})
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	presentEmpty, err := ParseList(message.Options{{ID: message.OptionRequestTag, Value: nil}})
	if err != nil {
		t.Fatalf("ParseList: %v", err)
	}
	if absent.Equal(presentEmpty) {
		t.Fatal("absent Request-Tag list must not equal a list with one zero-length entry")
	}
	if absent.Count != 0 || presentEmpty.Count != 1 {
		t.Fatalf("unexpected counts: absent=%d present=%d", absent.Count, presentEmpty.Count)
	}
}
