package variant

import (
	"testing"

	"github.com/google/uuid"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	id := uuid.New()
	cases := []Value{
		Int(-42),
		Uint(42),
		Bool(true),
		Bool(false),
		String("hello world"),
		Bytes([]byte{1, 2, 3}),
		UUID(id),
		Array(Int(1), Int(2), Int(3)),
		Tuple(UUID(id), String("os"), Int(7), Nothing()),
		Just(String("payload")),
		Nothing(),
	}

	for _, v := range cases {
		encoded := v.Encode()
		decoded, n, err := Decode(encoded)
		if err != nil {
			t.Fatalf("Decode(%v) error: %v", v, err)
		}
		if n != len(encoded) {
			t.Fatalf("Decode consumed %d bytes, want %d", n, len(encoded))
		}
		if decoded.Encode() == nil {
			t.Fatalf("re-encode produced nil")
		}
		if string(decoded.Encode()) != string(encoded) {
			t.Fatalf("round trip mismatch for %v: got %v", v, decoded)
		}
	}
}

func TestCostIncludesTypeTagAndBytes(t *testing.T) {
	v := String("abc")
	cost := v.Cost()
	want := len("s") + 1 + len(v.Encode())
	if cost != want {
		t.Fatalf("Cost() = %d, want %d", cost, want)
	}
}

func TestDecodeTruncatedBuffer(t *testing.T) {
	v := String("hello")
	encoded := v.Encode()
	if _, _, err := Decode(encoded[:len(encoded)-1]); err == nil {
		t.Fatalf("expected error decoding truncated buffer")
	}
}

func TestArrayAndTupleNesting(t *testing.T) {
	nested := Tuple(Array(Int(1), Int(2)), Just(Tuple(Bool(true), String("x"))))
	encoded := nested.Encode()
	decoded, n, err := Decode(encoded)
	if err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if n != len(encoded) {
		t.Fatalf("consumed %d want %d", n, len(encoded))
	}
	if decoded.Kind != KindTuple || len(decoded.Items) != 2 {
		t.Fatalf("unexpected decoded shape: %+v", decoded)
	}
}
