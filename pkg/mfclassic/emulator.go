package mfclassic

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// EmulatorBlocks is the block count of a 4K emulator image.
const EmulatorBlocks = 256

// ShadowMemory is the emulator's card image.
type ShadowMemory interface {
	GetBlock(block uint8) [16]byte
	SetBlock(block uint8, data [16]byte)
}

// MemoryImage is a 4K card image held in memory.
type MemoryImage struct {
	blocks [EmulatorBlocks][16]byte
}

// NewMemoryImage returns an image with every trailer set to the transport
// configuration (FFFFFFFFFFFF / FF0780 69 / FFFFFFFFFFFF).
func NewMemoryImage() *MemoryImage {
	m := &MemoryImage{}
	for s := 0; s < MaxSectors; s++ {
		var t [16]byte
		for i := 0; i < 6; i++ {
			t[i] = 0xFF
			t[10+i] = 0xFF
		}
		t[6], t[7], t[8], t[9] = 0xFF, 0x07, 0x80, 0x69
		m.blocks[TrailerBlock(s)] = t
	}
	return m
}

// LoadMemoryImage reads a raw image dump (16 bytes per block). Shorter
// files fill the leading blocks.
func LoadMemoryImage(path string) (*MemoryImage, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(b)%16 != 0 || len(b) > EmulatorBlocks*16 {
		return nil, fmt.Errorf("image size %d is not a 1K/2K/4K dump", len(b))
	}
	m := &MemoryImage{}
	for i := 0; i < len(b)/16; i++ {
		copy(m.blocks[i][:], b[i*16:])
	}
	return m, nil
}

func (m *MemoryImage) GetBlock(block uint8) [16]byte {
	return m.blocks[block]
}

func (m *MemoryImage) SetBlock(block uint8, data [16]byte) {
	m.blocks[block] = data
}

// Key returns the key of type kt stored in the trailer of sector s.
func (m *MemoryImage) Key(s int, kt KeyType) Key {
	return emulatorKey(m, s, kt)
}

// WriteTo writes the first sectors sectors of the image as a raw dump.
func (m *MemoryImage) WriteTo(w io.Writer, sectors int) (int64, error) {
	var n int64
	for s := 0; s < sectors; s++ {
		first := int(FirstBlockOfSector(s))
		for b := first; b < first+NumBlocksPerSector(s); b++ {
			k, err := w.Write(m.blocks[b][:])
			n += int64(k)
			if err != nil {
				return n, err
			}
		}
	}
	return n, nil
}

func emulatorKey(m ShadowMemory, s int, kt KeyType) Key {
	t := m.GetBlock(TrailerBlock(s))
	if kt == KeyB {
		return KeyFromBytes(t[10:16])
	}
	return KeyFromBytes(t[0:6])
}

// StageKeys writes the keys of the first sectors entries of t into the
// trailers of the image, keeping the access bytes.
func StageKeys(m ShadowMemory, t *ResultTable, sectors int) {
	for s := 0; s < sectors && s < t.Len(); s++ {
		block := TrailerBlock(s)
		data := m.GetBlock(block)
		e := t.Sector(s)
		copy(data[0:6], e.KeyA[:])
		copy(data[10:16], e.KeyB[:])
		m.SetBlock(block, data)
	}
}

// LoadCardIntoEmulator reads the first sectors sectors of the card into the
// image using the keys of type kt already staged in the image's trailers.
// Trailers keep their staged keys; only the access bytes are copied.
func (e *Engine) LoadCardIntoEmulator(m ShadowMemory, sectors int, kt KeyType) error {
	defer e.rd.FieldOff()

	e.traceStart(true)
	defer e.traceStop()

	card, err := e.selectCard(nil)
	if err != nil {
		return err
	}

	for s := 0; s < sectors; s++ {
		first := FirstBlockOfSector(s)
		mode := AuthNested
		if s == 0 {
			mode = AuthFirst
		}
		if _, err := e.rd.Authenticate(AuthRequest{
			Block: first, KeyType: kt, Key: emulatorKey(m, s, kt), Mode: mode, CUID: card.CUID,
		}); err != nil {
			return &AuthError{Step: mode.String(), Block: first, KeyType: kt, Cause: err}
		}

		last := NumBlocksPerSector(s) - 1
		for i := 0; i <= last; i++ {
			block := first + uint8(i)
			data, err := e.rd.ReadBlock(block)
			if err != nil || len(data) < 16 {
				slog.Debug("emulator load: read error", "sector", s, "block", block, "error", err)
				break
			}
			var buf [16]byte
			if i < last {
				copy(buf[:], data)
			} else {
				buf = m.GetBlock(block)
				copy(buf[6:10], data[6:10])
			}
			m.SetBlock(block, buf)
		}
	}

	if err := e.rd.Halt(); err != nil {
		slog.Debug("halt error", "error", err)
	}
	slog.Info("emulator fill sectors finished", "sectors", sectors, "key_type", kt.String())
	return nil
}
