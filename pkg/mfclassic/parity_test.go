package mfclassic

import (
	"math/rand"
	"testing"
)

func TestOddParity8(t *testing.T) {
	cases := map[byte]byte{0x00: 1, 0x01: 0, 0x03: 1, 0x07: 0, 0xFF: 1, 0x80: 0, 0xA5: 1}
	for b, want := range cases {
		if got := OddParity8(b); got != want {
			t.Fatalf("OddParity8(%02X) = %d, want %d", b, got, want)
		}
	}
}

func TestParityFlagsReadsMSBFirst(t *testing.T) {
	// every byte has even weight, so odd parity is 1 for each
	enc := uint32(0x00030500)
	if got := ParityFlags(enc, 0xF0); got != [4]byte{0, 0, 0, 0} {
		t.Fatalf("matching parity gave flags %v", got)
	}
	if got := ParityFlags(enc, 0x70); got != [4]byte{1, 0, 0, 0} {
		t.Fatalf("bit 7 cleared gave flags %v, want byte 0 flagged", got)
	}
	if got := ParityFlags(enc, 0xE0); got != [4]byte{0, 0, 0, 1} {
		t.Fatalf("bit 4 cleared gave flags %v, want byte 3 flagged", got)
	}
}

func TestValidNonceAcceptsTrueNonce(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 10000; i++ {
		nt, ks := rng.Uint32(), rng.Uint32()
		enc, par := encryptNonce(nt, ks, byte(rng.Intn(2)))
		flags := ParityFlags(enc, par)
		if !ValidNonce(nt, enc, ks, flags) {
			t.Fatalf("true nonce %08X ks %08X rejected", nt, ks)
		}
		if ValidNonce(nt, enc, ks, flags) != ValidNonce(nt, enc, ks, flags) {
			t.Fatalf("verdict not deterministic")
		}
	}
}

func TestValidNonceFalseAcceptRate(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	const trials = 200000
	accepted := 0
	for i := 0; i < trials; i++ {
		nt, ks := rng.Uint32(), rng.Uint32()
		enc, par := encryptNonce(nt, ks, byte(rng.Intn(2)))
		flags := ParityFlags(enc, par)

		guess := rng.Uint32()
		if guess == nt {
			continue
		}
		if ValidNonce(guess, enc, enc^guess, flags) {
			accepted++
		}
	}
	rate := float64(accepted) / trials
	// three independent parity bits
	if rate < 0.110 || rate > 0.140 {
		t.Fatalf("false accept rate %.4f, want about 1/8", rate)
	}
}
