package mfclassic

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MaxSectors is the size of the key table exchanged with the host.
const MaxSectors = 40

// KeyType selects the A or B key of a sector.
type KeyType uint8

const (
	KeyA KeyType = 0
	KeyB KeyType = 1
)

// AuthCmd returns the MIFARE auth command byte (0x60 / 0x61).
func (kt KeyType) AuthCmd() byte {
	return 0x60 + byte(kt&0x01)
}

func (kt KeyType) String() string {
	if kt&0x01 == 1 {
		return "B"
	}
	return "A"
}

// ParseKeyType accepts "A"/"B" (any case) or "0"/"1".
func ParseKeyType(s string) (KeyType, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A", "0":
		return KeyA, nil
	case "B", "1":
		return KeyB, nil
	}
	return 0, fmt.Errorf("invalid key type %q (want A or B)", s)
}

// Key is a 48-bit Crypto-1 key.
type Key [6]byte

// ParseKey decodes 12 hex characters.
func ParseKey(s string) (Key, error) {
	var k Key
	s = strings.TrimSpace(s)
	if len(s) != 12 {
		return k, fmt.Errorf("key must be 12 hex chars, got %d", len(s))
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("invalid hex key: %v", err)
	}
	copy(k[:], b)
	return k, nil
}

// KeyFromBytes copies the first six bytes of b.
func KeyFromBytes(b []byte) Key {
	var k Key
	copy(k[:], b)
	return k
}

func (k Key) String() string {
	return strings.ToUpper(hex.EncodeToString(k[:]))
}

// Uint64 returns the key as a big-endian 48-bit number.
func (k Key) Uint64() uint64 {
	var v uint64
	for _, b := range k {
		v = v<<8 | uint64(b)
	}
	return v
}

// IsZero reports whether every key byte is zero.
func (k Key) IsZero() bool {
	return k == Key{}
}

// FirstBlockOfSector returns the first block number of a sector. Sectors
// 0..31 have 4 blocks, sectors 32..39 have 16.
func FirstBlockOfSector(sector int) uint8 {
	if sector < 32 {
		return uint8(sector * 4)
	}
	return uint8(32*4 + (sector-32)*16)
}

// NumBlocksPerSector returns the block count of a sector.
func NumBlocksPerSector(sector int) int {
	if sector < 32 {
		return 4
	}
	return 16
}

// TrailerBlock returns the sector trailer block (keys and access bits).
func TrailerBlock(sector int) uint8 {
	return FirstBlockOfSector(sector) + uint8(NumBlocksPerSector(sector)-1)
}

// SectorOfBlock returns the sector that holds a block.
func SectorOfBlock(block uint8) int {
	if block < 128 {
		return int(block) / 4
	}
	return 32 + (int(block)-128)/16
}
