package mfclassic

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeys is the built-in dictionary tried when no other keys are given.
var DefaultKeys = []Key{
	{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF},
	{0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	{0xA0, 0xA1, 0xA2, 0xA3, 0xA4, 0xA5},
	{0xB0, 0xB1, 0xB2, 0xB3, 0xB4, 0xB5},
	{0xD3, 0xF7, 0xD3, 0xF7, 0xD3, 0xF7},
	{0xAA, 0xBB, 0xCC, 0xDD, 0xEE, 0xFF},
	{0x4D, 0x3A, 0x99, 0xC3, 0x51, 0xDD},
	{0x1A, 0x98, 0x2C, 0x7E, 0x45, 0x9A},
	{0x71, 0x4C, 0x5C, 0x88, 0x6E, 0x97},
	{0x58, 0x7E, 0xE5, 0xF9, 0x35, 0x0F},
	{0xA0, 0x47, 0x8C, 0xC3, 0x90, 0x91},
	{0x53, 0x3C, 0xB6, 0xC7, 0x23, 0xF6},
	{0x8F, 0xD0, 0xA4, 0xF2, 0x56, 0xE9},
}

// KeysFromBytes splits packed 6-byte keys. Trailing bytes are rejected.
func KeysFromBytes(b []byte) ([]Key, error) {
	if len(b)%6 != 0 {
		return nil, fmt.Errorf("key data length %d is not a multiple of 6", len(b))
	}
	keys := make([]Key, 0, len(b)/6)
	for i := 0; i+6 <= len(b); i += 6 {
		keys = append(keys, KeyFromBytes(b[i:i+6]))
	}
	return keys, nil
}

// KeysToBytes packs keys back to back.
func KeysToBytes(keys []Key) []byte {
	out := make([]byte, 0, 6*len(keys))
	for _, k := range keys {
		out = append(out, k[:]...)
	}
	return out
}

// ParseDictionary reads a key dictionary: one 12-hex-char key per line,
// blank lines and text after '#' ignored.
func ParseDictionary(r io.Reader) ([]Key, error) {
	var keys []Key
	scanner := bufio.NewScanner(r)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if i := strings.IndexByte(text, '#'); i >= 0 {
			text = text[:i]
		}
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		k, err := ParseKey(text)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		keys = append(keys, k)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

// LoadDictionaryFile loads a .dic key file.
func LoadDictionaryFile(path string) ([]Key, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	keys, err := ParseDictionary(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return keys, nil
}

// LoadDictionaryDir loads every .dic file in dir in name order.
// Invalid files are skipped.
func LoadDictionaryDir(dir string) ([]Key, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var keys []Key
	for _, e := range entries {
		if e.IsDir() || strings.ToLower(filepath.Ext(e.Name())) != ".dic" {
			continue
		}
		k, err := LoadDictionaryFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		keys = append(keys, k...)
	}
	return keys, nil
}

// DedupKeys drops repeated keys, keeping first occurrences in order.
func DedupKeys(keys []Key) []Key {
	seen := make(map[Key]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	return out
}

// ChunkKeys splits keys into chunks of at most size keys.
func ChunkKeys(keys []Key, size int) [][]Key {
	if size <= 0 {
		size = len(keys)
	}
	var chunks [][]Key
	for len(keys) > 0 {
		n := size
		if n > len(keys) {
			n = len(keys)
		}
		chunks = append(chunks, keys[:n])
		keys = keys[n:]
	}
	return chunks
}

// KeyStore is the persistent key dictionary. ReadBlob returns the raw store
// contents: a 2-byte little-endian key count followed by the keys.
type KeyStore interface {
	ReadBlob() ([]byte, error)
}

// BlobKeyStore is an in-memory KeyStore.
type BlobKeyStore []byte

func (b BlobKeyStore) ReadBlob() ([]byte, error) {
	return b, nil
}

// FileKeyStore reads the store blob from a file.
type FileKeyStore struct {
	Path string
}

func (f FileKeyStore) ReadBlob() ([]byte, error) {
	return os.ReadFile(f.Path)
}

// EncodeKeyStore builds a key store blob.
func EncodeKeyStore(keys []Key) ([]byte, error) {
	if len(keys) == 0 || len(keys) >= 0xFFFF {
		return nil, fmt.Errorf("key store holds 1..%d keys, got %d", 0xFFFE, len(keys))
	}
	out := make([]byte, 2, 2+6*len(keys))
	binary.LittleEndian.PutUint16(out, uint16(len(keys)))
	return append(out, KeysToBytes(keys)...), nil
}

// StoreKeyCount returns the key count from a store blob header.
func StoreKeyCount(blob []byte) (int, error) {
	if len(blob) < 2 {
		return 0, ErrEmptyKeyStore
	}
	n := binary.LittleEndian.Uint16(blob)
	if n == 0 || n == 0xFFFF {
		return 0, ErrEmptyKeyStore
	}
	return int(n), nil
}

// DecodeKeyStore parses a key store blob.
func DecodeKeyStore(blob []byte) ([]Key, error) {
	n, err := StoreKeyCount(blob)
	if err != nil {
		return nil, err
	}
	if len(blob) < 2+6*n {
		return nil, fmt.Errorf("key store truncated: want %d keys, have %d bytes", n, len(blob)-2)
	}
	return KeysFromBytes(blob[2 : 2+6*n])
}

// loadStore reads the persistent dictionary, refusing one larger than the
// scratch buffer.
func (e *Engine) loadStore(ks KeyStore) ([]Key, error) {
	if ks == nil {
		return nil, errors.New("no key store configured")
	}
	blob, err := ks.ReadBlob()
	if err != nil {
		return nil, fmt.Errorf("read key store: %w", err)
	}
	n, err := StoreKeyCount(blob)
	if err != nil {
		return nil, err
	}
	if 6*n > e.opts.ScratchSize {
		return nil, fmt.Errorf("%w: %d keys need %d bytes, have %d", ErrOutOfMemory, n, 6*n, e.opts.ScratchSize)
	}
	return DecodeKeyStore(blob)
}
