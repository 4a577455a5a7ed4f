package hoplimit

import (
	"testing"

	"github.com/oscore-coap/engine/message"
)

func TestProxyUpdateInsertsDefaultWhenAbsent(t *testing.T) {
	out, outcome, err := ProxyUpdate(nil, DefaultValue)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if outcome != OK {
		t.Fatalf("expected OK, got %v", outcome)
	}
	v, present, err := Get(out)
	if err != nil || !present || v != DefaultValue {
		t.Fatalf("expected default %d inserted, got v=%d present=%v err=%v", DefaultValue, v, present, err)
	}
}

func TestProxyUpdateDecrementsWhenPresent(t *testing.T) {
	var opts message.Options
	opts = opts.Append(message.Option{ID: message.OptionHopLimit, Value: []byte{5}})
	out, outcome, err := ProxyUpdate(opts, DefaultValue)
	if err != nil || outcome != OK {
		t.Fatalf("unexpected result: outcome=%v err=%v", outcome, err)
	}
	v, _, _ := Get(out)
	if v != 4 {
		t.Fatalf("expected decrement to 4, got %d", v)
	}
}

func TestProxyUpdateValueOneIsExhausted(t *testing.T) {
	for v := 1; v <= 1; v++ {
		var opts message.Options
		opts = opts.Append(message.Option{ID: message.OptionHopLimit, Value: []byte{byte(v)}})
		_, outcome, err := ProxyUpdate(opts, DefaultValue)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if outcome != Exhausted {
			t.Fatalf("expected Exhausted for value %d, got %v", v, outcome)
		}
	}
}

func TestGetRejectsZeroAndWrongLength(t *testing.T) {
	var zero message.Options
	zero = zero.Append(message.Option{ID: message.OptionHopLimit, Value: []byte{0}})
	if _, _, err := Get(zero); err == nil {
		t.Fatal("expected error for value 0")
	}

	var wrongLen message.Options
	wrongLen = wrongLen.Append(message.Option{ID: message.OptionHopLimit, Value: []byte{1, 2}})
	if _, _, err := Get(wrongLen); err == nil {
		t.Fatal("expected error for 2-byte value")
	}
}
