package mfclassic

// PRNGSuccessor advances a tag nonce n steps through the card's 16-bit LFSR
// (x^16 + x^14 + x^13 + x^11 + 1). Nonces are handled in wire byte order.
func PRNGSuccessor(x uint32, n uint32) uint32 {
	x = swapEndian(x)
	for ; n > 0; n-- {
		x = x>>1 | (x>>16^x>>18^x>>19^x>>21)<<31
	}
	return swapEndian(x)
}

// NonceDistance searches steps min..max-1 from nt1 for nt2.
func NonceDistance(nt1, nt2 uint32, min, max uint32) (uint32, bool) {
	if min == 0 {
		if nt1 == nt2 {
			return 0, true
		}
		min = 1
	}
	nt := PRNGSuccessor(nt1, min-1)
	for d := min; d < max; d++ {
		nt = PRNGSuccessor(nt, 1)
		if nt == nt2 {
			return d, true
		}
	}
	return 0, false
}

func swapEndian(x uint32) uint32 {
	x = (x>>8)&0x00ff00ff | (x&0x00ff00ff)<<8
	return x>>16 | x<<16
}
