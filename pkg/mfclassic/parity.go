package mfclassic

import "math/bits"

// OddParity8 returns the odd parity bit of a byte: 1 when the byte holds an
// even number of set bits.
func OddParity8(b byte) byte {
	return byte(^bits.OnesCount8(b)) & 0x01
}

// ParityFlags folds the wire parity bits of an encrypted 4-byte nonce into
// per-byte flags: flag[j] is 1 when the transmitted parity bit differs from
// the odd parity of the transmitted byte. Wire parity is packed MSB first,
// bit 7 belonging to the first nonce byte.
func ParityFlags(ntEnc uint32, par byte) [4]byte {
	var flags [4]byte
	for j := 0; j < 4; j++ {
		b := byte(ntEnc >> (24 - 8*j))
		if OddParity8(b) != (par>>(7-j))&0x01 {
			flags[j] = 1
		}
	}
	return flags
}

// ValidNonce checks a plaintext nonce guess nt against the encrypted nonce
// ntEnc, the keystream candidate ks1 = nt ^ ntEnc and the parity flags from
// ParityFlags. The tag computes parity over the plaintext byte and encrypts
// it with the first keystream bit of the following byte, so the first three
// bytes can be checked. A wrong guess survives one in eight times.
func ValidNonce(nt, ntEnc, ks1 uint32, par [4]byte) bool {
	return OddParity8(byte(nt>>24)) == par[0]^OddParity8(byte(ntEnc>>24))^bit(ks1, 16) &&
		OddParity8(byte(nt>>16)) == par[1]^OddParity8(byte(ntEnc>>16))^bit(ks1, 8) &&
		OddParity8(byte(nt>>8)) == par[2]^OddParity8(byte(ntEnc>>8))^bit(ks1, 0)
}

func bit(v uint32, n uint) byte {
	return byte(v>>n) & 0x01
}
