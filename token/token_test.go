package token

import "testing"

func TestNextDoesNotCollideAndIncrementsSequence(t *testing.T) {
	g, err := NewGenerator(nil)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	g.Reset(0xAABBCCDD, 41)

	t1 := g.Next()
	t2 := g.Next()
	if t1 == t2 {
		t.Fatal("consecutive tokens must not collide")
	}
	seq1 := uint32(t1[4])<<24 | uint32(t1[5])<<16 | uint32(t1[6])<<8 | uint32(t1[7])
	seq2 := uint32(t2[4])<<24 | uint32(t2[5])<<16 | uint32(t2[6])<<8 | uint32(t2[7])
	if seq2 != seq1+1 {
		t.Fatalf("sequence did not increment by 1: %d -> %d", seq1, seq2)
	}
	if t1[0] != 0xAA || t1[1] != 0xBB || t1[2] != 0xCC || t1[3] != 0xDD {
		t.Fatalf("unexpected prefix in token %x", t1)
	}
}

func TestRekeyChangesPrefixAndResetsSequence(t *testing.T) {
	g, _ := NewGenerator(nil)
	g.Reset(1, 99)
	before := g.Next()
	if err := g.Rekey(); err != nil {
		t.Fatalf("Rekey: %v", err)
	}
	after := g.Next()
	if before[0] == after[0] && before[1] == after[1] && before[2] == after[2] && before[3] == after[3] {
		t.Fatal("prefix did not change after rekey (extremely unlikely with a real CSPRNG)")
	}
	if after[4] != 0 || after[5] != 0 || after[6] != 0 || after[7] != 0 {
		t.Fatalf("sequence did not reset to zero after rekey: %x", after[4:8])
	}
}
