package hashmix

import (
	"math/bits"
	"testing"

	"pgregory.net/rapid"
)

func TestSum64_Deterministic(t *testing.T) {
	data := []byte("key=value")
	a := Sum64(data)
	b := Sum64(data)
	if a != b {
		t.Fatalf("Sum64 not deterministic: %d != %d", a, b)
	}
}

func TestSum64_EmptyInputIsFixedConstant(t *testing.T) {
	got := Sum64(nil)
	want := finalize(offset64)
	if got != want {
		t.Fatalf("empty input hash = %d, want %d", got, want)
	}
	if Sum64([]byte{}) != got {
		t.Fatalf("nil and empty slice should hash the same")
	}
}

func TestHexString_RoundTrip(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		v := rapid.Uint64().Draw(rt, "v")
		s := HexString(v)
		if len(s) != 16 {
			rt.Fatalf("HexString length = %d, want 16", len(s))
		}
		got, ok := ParseHex(s)
		if !ok {
			rt.Fatalf("ParseHex failed to parse %q", s)
		}
		if got != v {
			rt.Fatalf("round-trip mismatch: %d != %d", got, v)
		}
	})
}

func TestParseHex_RejectsWrongLength(t *testing.T) {
	for _, s := range []string{"", "abc", "00000000000000000"} {
		if _, ok := ParseHex(s); ok {
			t.Fatalf("ParseHex(%q) should have failed", s)
		}
	}
}

// Flipping a single byte of the input should flip roughly half the
// output bits (at least 20 of 64).
func TestProperty_Avalanche(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOfN(rapid.Byte(), 1, 64).Draw(rt, "data")
		idx := rapid.IntRange(0, len(data)-1).Draw(rt, "idx")
		flip := rapid.IntRange(1, 255).Draw(rt, "flip")

		original := Sum64(data)

		mutated := make([]byte, len(data))
		copy(mutated, data)
		mutated[idx] ^= byte(flip)

		mutatedHash := Sum64(mutated)
		if original == mutatedHash {
			// Only acceptable if the byte flip happened to be a no-op,
			// which rapid.IntRange(1, 255) never produces, so this is
			// always a genuine failure.
			rt.Fatalf("single-byte change produced identical hash")
		}

		diffBits := bits.OnesCount64(original ^ mutatedHash)
		if diffBits < 20 {
			rt.Fatalf("avalanche too weak: only %d bits differ", diffBits)
		}
	})
}

func TestProperty_EqualInputsEqualOutputs(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		data := rapid.SliceOf(rapid.Byte()).Draw(rt, "data")
		if Sum64(data) != Sum64(append([]byte{}, data...)) {
			rt.Fatalf("equal inputs produced different hashes")
		}
	})
}
