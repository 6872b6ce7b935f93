/*
Package mfclassic recovers MIFARE Classic (Crypto-1) sector keys through a reader.

It provides:
  - Parity based validation of guessed tag nonces (ValidNonce, ParityFlags)
  - Nonce distance calibration against a known sector key (Engine.Calibrate)
  - Nested nonce harvesting for a sector with an unknown key (Engine.Nested)
  - Fast dictionary checks across all sectors with key propagation (Engine.CheckKeysFast)
  - Single block key checks and per-sector key diagnostics (Engine.CheckKey, Engine.DiagnoseKeys)
  - Plain and encrypted nonce collection (Engine.AcquireNonces, Engine.AcquireEncryptedNonces)
  - Key dictionaries, the persistent key store blob and emulator images
  - A PC/SC reader for ACR122-class devices

# Readers

Every radio exchange goes through Reader. A Reader that also exposes raw tag
nonces is a NonceReader; calibration, nested harvesting and the nonce
collectors need one. PCSCReader is a plain Reader: the reader firmware runs
Crypto-1, so the dictionary checks and block reads work but the nested
operations return ErrNestedUnsupported.

All timing goes through Clock, 848 ticks per millisecond. After every
authentication attempt the engine sends a dummy frame and waits 848 ticks so
that a card which rejected the key has timed out before the next request.

# Card Geometry

	Sectors 0..31:  4 blocks each, first block = sector*4
	Sectors 32..39: 16 blocks each, first block = 128 + (sector-32)*16
	Trailer (last block): KeyA(6) | Access(4) | KeyB(6)

Key A authenticates with 0x60, key B with 0x61. Key checks authenticate to
the first block of a sector; only trailer reads address the trailer.

# Operation: Calibrate

Purpose: Measure how many PRNG steps separate the nonces of two consecutive
authentications on the same card.

	window dropped from the session
	17 counted trials: halt, select, [lead time], auth (first) -> nt1, auth (nested) -> nt2
	distance = steps 101..1199 from nt1 to nt2
	first hit:  delta = t2 - t1 + 32 (ticks), later nested auths start at t1 + delta
	later hits: min, max, sum
	window = round(avg) - 2 .. round(avg) + 2

Fail states:
  - More than 12 consecutive trials without a distance: ErrNotVulnerable
  - Card I/O error (select, auth): trial repeated, not counted
  - Context cancelled: ErrCancelled
  - No session: ErrNoSession

The session is left uncalibrated on every failure.

# Operation: Nested

Purpose: Collect two target nonces with their keystream for off-line key recovery.

	per sample: halt, select, auth known slot (first) -> nt1
	            nested auth request to target at t1 + delta -> {nt_enc, parity}
	            for d in window: nt = successor(nt1, d), ks = nt ^ nt_enc
	                             keep nt if ValidNonce(nt, nt_enc, ks, flags)

A sample with more than one surviving candidate is discarded, as is a second
sample equal to the first. There is no retry cap; cancel the context to stop.

Wire reply (little-endian):

	arg:     targetBlock + targetKeyType*0x100
	payload: cuid(4) nt0(4) ks0(4) nt1(4) ks1(4)

# Operation: CheckKeysFast

Purpose: Test a chunk of dictionary keys against every sector. The session
keeps the table between chunks; FirstChunk resets it.

	depth-first:   per sector, every key as A then B
	breadth-first: per key, every sector as A then B
	store mode:    keys from the KeyStore, depth-first then breadth-first

Propagation on a hit:

	A found: same key as A on all open sectors, then read the trailer of every
	         sector with A but no B (non-zero bytes 10..15 = key B), each B read
	         tried as B everywhere; depth-first also tries the key as B everywhere
	B found: same key as B on all open sectors

Each attempt reselects up to 5 times before giving up on that key.

Fail states:
  - Store larger than Options.ScratchSize: ErrOutOfMemory
  - Store count 0 or 0xFFFF: ErrEmptyKeyStore
  - Depth-first chunk whose first sector yields nothing (AbortBarrenChunk): the
    chunk ends early, the next chunk continues
  - Context cancelled: ErrCancelled, partial table in the result

Final reply (all keys found or last chunk), 490 bytes:

	40 x (KeyA(6) KeyB(6))
	offset 480: found bits 0..63, uint64 big-endian
	offset 488: found bits 64..79, uint16 little-endian
	bit = sector*2 + keyType

# Operation: CheckKey

	Request: keyType(1) block(1) clearTrace(1) keyCount(1) keys(6*n)
	Reply:   key(6) found(1)

# Key Store

	count(2, little-endian) key(6) * count

Counts 0 and 0xFFFF mark an empty store.
*/
package mfclassic
