package mfclassic

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestStageKeysKeepsAccessBytes(t *testing.T) {
	img := NewMemoryImage()
	trailer := img.GetBlock(TrailerBlock(1))
	trailer[6], trailer[9] = 0x78, 0x11
	img.SetBlock(TrailerBlock(1), trailer)

	table := NewResultTable(2)
	table.Set(1, KeyA, Key{1, 2, 3, 4, 5, 6})
	table.Set(1, KeyB, Key{6, 5, 4, 3, 2, 1})
	StageKeys(img, table, 2)

	got := img.GetBlock(TrailerBlock(1))
	if img.Key(1, KeyA) != (Key{1, 2, 3, 4, 5, 6}) || img.Key(1, KeyB) != (Key{6, 5, 4, 3, 2, 1}) {
		t.Fatalf("trailer after staging % X", got)
	}
	if got[6] != 0x78 || got[9] != 0x11 {
		t.Fatalf("access bytes overwritten: % X", got[6:10])
	}
}

func TestMemoryImageDumpRoundTrip(t *testing.T) {
	img := NewMemoryImage()
	img.SetBlock(1, [16]byte{0xDE, 0xAD})

	var buf bytes.Buffer
	if _, err := img.WriteTo(&buf, 16); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if buf.Len() != 1024 {
		t.Fatalf("1K dump is %d bytes", buf.Len())
	}

	path := filepath.Join(t.TempDir(), "dump.bin")
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("write dump: %v", err)
	}
	back, err := LoadMemoryImage(path)
	if err != nil {
		t.Fatalf("LoadMemoryImage: %v", err)
	}
	if back.GetBlock(1)[1] != 0xAD || back.Key(0, KeyA).String() != "FFFFFFFFFFFF" {
		t.Fatalf("reloaded image differs")
	}
}

func TestLoadCardIntoEmulatorStopsOnWrongKey(t *testing.T) {
	card := newSimCard(2)
	img := NewMemoryImage()
	err := card.engine().LoadCardIntoEmulator(img, 2, KeyA)
	if !IsAuthError(err) {
		t.Fatalf("expected an auth error, got %v", err)
	}
	if card.fieldOffs == 0 {
		t.Fatalf("field left on")
	}
}
