package blockwise

import "testing"

func TestMissingBlocksRoundTrip(t *testing.T) {
	b, err := EncodeMissingBlocks([]uint64{1, 5, 23, 24, 300})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	nums, err := DecodeMissingBlocks(b)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	want := []uint64{1, 5, 23, 24, 300}
	if len(nums) != len(want) {
		t.Fatalf("length mismatch: got %v", nums)
	}
	for i := range want {
		if nums[i] != want[i] {
			t.Fatalf("element %d: got %d want %d", i, nums[i], want[i])
		}
	}
}

func TestEncodeMissingBlocksRejectsUnsortedAndDuplicates(t *testing.T) {
	if _, err := EncodeMissingBlocks([]uint64{3, 2}); err == nil {
		t.Fatal("unsorted input must be rejected on send")
	}
	if _, err := EncodeMissingBlocks([]uint64{2, 2}); err == nil {
		t.Fatal("duplicate input must be rejected on send")
	}
}

func TestDecodeMissingBlocksIgnoresDuplicates(t *testing.T) {
	b, err := EncodeMissingBlocks([]uint64{7})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	nums, err := DecodeMissingBlocks(append(b, b...))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(nums) != 1 || nums[0] != 7 {
		t.Fatalf("expected deduplicated single element, got %v", nums)
	}
}
