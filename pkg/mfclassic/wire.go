package mfclassic

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ChkKeysReplySize is the payload size of a final fast key check reply.
const ChkKeysReplySize = 480 + 10

var errShortPayload = errors.New("payload too short")

// ParseNestedArgs decodes a nested request. arg0 = block | keyType<<8,
// arg1 = targetBlock | targetKeyType<<8, arg2 bit 0 = calibrate, bit 1 =
// slow; data starts with the 6-byte known key.
func ParseNestedArgs(arg0, arg1, arg2 uint32, data []byte) (NestedRequest, error) {
	if len(data) < 6 {
		return NestedRequest{}, fmt.Errorf("nested: %w (%d bytes, need 6)", errShortPayload, len(data))
	}
	return NestedRequest{
		Known: KeyRef{
			Block:   uint8(arg0),
			KeyType: KeyType(arg0>>8) & 0x01,
			Key:     KeyFromBytes(data),
		},
		TargetBlock:   uint8(arg1),
		TargetKeyType: KeyType(arg1>>8) & 0x01,
		Calibrate:     arg2&0x01 != 0,
		Slow:          arg2&0x02 != 0,
	}, nil
}

// EncodeNestedArgs is the inverse of ParseNestedArgs.
func EncodeNestedArgs(req NestedRequest) (arg0, arg1, arg2 uint32, data []byte) {
	arg0 = uint32(req.Known.Block) | uint32(req.Known.KeyType)<<8
	arg1 = uint32(req.TargetBlock) | uint32(req.TargetKeyType)<<8
	if req.Calibrate {
		arg2 |= 0x01
	}
	if req.Slow {
		arg2 |= 0x02
	}
	data = append([]byte(nil), req.Known.Key[:]...)
	return arg0, arg1, arg2, data
}

// EncodeNestedReply returns the reply argument (targetBlock +
// targetKeyType*0x100) and the payload cuid nt0 ks0 nt1 ks1, 4 bytes each,
// little-endian.
func EncodeNestedReply(r *NestedResult) (uint32, []byte) {
	arg := uint32(r.TargetBlock) + uint32(r.TargetKeyType)*0x100
	out := make([]byte, 20)
	binary.LittleEndian.PutUint32(out[0:], r.CUID)
	binary.LittleEndian.PutUint32(out[4:], r.Samples[0].Nonce)
	binary.LittleEndian.PutUint32(out[8:], r.Samples[0].Keystream)
	binary.LittleEndian.PutUint32(out[12:], r.Samples[1].Nonce)
	binary.LittleEndian.PutUint32(out[16:], r.Samples[1].Keystream)
	return arg, out
}

// DecodeNestedReply parses a nested reply.
func DecodeNestedReply(arg uint32, payload []byte) (*NestedResult, error) {
	if len(payload) < 20 {
		return nil, fmt.Errorf("nested reply: %w (%d bytes)", errShortPayload, len(payload))
	}
	r := &NestedResult{
		CUID:          binary.LittleEndian.Uint32(payload[0:]),
		TargetBlock:   uint8(arg),
		TargetKeyType: KeyType(arg/0x100) & 0x01,
	}
	r.Samples[0].Nonce = binary.LittleEndian.Uint32(payload[4:])
	r.Samples[0].Keystream = binary.LittleEndian.Uint32(payload[8:])
	r.Samples[1].Nonce = binary.LittleEndian.Uint32(payload[12:])
	r.Samples[1].Keystream = binary.LittleEndian.Uint32(payload[16:])
	return r, nil
}

// ParseChkKeysFastArgs decodes a fast key check request. arg0 =
// sectorCount | firstChunk<<8 | lastChunk<<12 (4 bits each), arg1 =
// strategy | useStore<<8, arg2 = key count; data holds the keys.
func ParseChkKeysFastArgs(arg0, arg1, arg2 uint32, data []byte) (ChkKeysRequest, error) {
	req := ChkKeysRequest{
		SectorCount:      int(arg0 & 0xFF),
		FirstChunk:       (arg0>>8)&0x0F != 0,
		LastChunk:        (arg0>>12)&0x0F != 0,
		Strategy:         Strategy(arg1 & 0xFF),
		UseStore:         (arg1>>8)&0xFF != 0,
		AbortBarrenChunk: true,
	}
	if req.UseStore {
		return req, nil
	}
	n := int(arg2 & 0xFF)
	if len(data) < 6*n {
		return req, fmt.Errorf("chkkeys: %w (%d keys need %d bytes, have %d)", errShortPayload, n, 6*n, len(data))
	}
	keys, err := KeysFromBytes(data[:6*n])
	if err != nil {
		return req, err
	}
	req.Keys = keys
	return req, nil
}

// MaxChunkKeys is the most keys one fast key check request can carry: the
// count travels in the low byte of arg2.
const MaxChunkKeys = 255

// EncodeChkKeysFastArgs is the inverse of ParseChkKeysFastArgs. Chunks of
// more than MaxChunkKeys keys are rejected.
func EncodeChkKeysFastArgs(req ChkKeysRequest) (arg0, arg1, arg2 uint32, data []byte, err error) {
	arg0 = uint32(req.SectorCount) & 0xFF
	if req.FirstChunk {
		arg0 |= 1 << 8
	}
	if req.LastChunk {
		arg0 |= 1 << 12
	}
	arg1 = uint32(req.Strategy)
	if req.UseStore {
		arg1 |= 1 << 8
		return arg0, arg1, 0, nil, nil
	}
	if len(req.Keys) > MaxChunkKeys {
		return 0, 0, 0, nil, fmt.Errorf("chkkeys: %d keys in one chunk, at most %d fit", len(req.Keys), MaxChunkKeys)
	}
	return arg0, arg1, uint32(len(req.Keys)), KeysToBytes(req.Keys), nil
}

// EncodeChkKeysReply packs a result table: 40 x (keyA 6, keyB 6), then the
// found bitmap. Bit sector*2+type; bits 0..63 as a big-endian uint64 at
// offset 480, bits 64..79 as a little-endian uint16 at 488.
func EncodeChkKeysReply(t *ResultTable) []byte {
	out := make([]byte, ChkKeysReplySize)
	var lo uint64
	var hi uint16
	for s := 0; s < t.Len() && s < MaxSectors; s++ {
		e := t.Sector(s)
		copy(out[s*12:], e.KeyA[:])
		copy(out[s*12+6:], e.KeyB[:])
		for kt, found := range []bool{e.FoundA, e.FoundB} {
			if !found {
				continue
			}
			bit := s*2 + kt
			if bit < 64 {
				lo |= 1 << uint(bit)
			} else {
				hi |= 1 << uint(bit-64)
			}
		}
	}
	binary.BigEndian.PutUint64(out[480:], lo)
	binary.LittleEndian.PutUint16(out[488:], hi)
	return out
}

// DecodeChkKeysReply unpacks the first sectors entries of a final reply.
func DecodeChkKeysReply(payload []byte, sectors int) (*ResultTable, error) {
	if len(payload) < ChkKeysReplySize {
		return nil, fmt.Errorf("chkkeys reply: %w (%d bytes)", errShortPayload, len(payload))
	}
	if sectors < 0 || sectors > MaxSectors {
		return nil, fmt.Errorf("sector count %d out of range", sectors)
	}
	lo := binary.BigEndian.Uint64(payload[480:])
	hi := binary.LittleEndian.Uint16(payload[488:])
	found := func(bit int) bool {
		if bit < 64 {
			return lo>>uint(bit)&1 == 1
		}
		return hi>>uint(bit-64)&1 == 1
	}

	t := NewResultTable(sectors)
	for s := 0; s < sectors; s++ {
		if found(s * 2) {
			t.Set(s, KeyA, KeyFromBytes(payload[s*12:]))
		}
		if found(s*2 + 1) {
			t.Set(s, KeyB, KeyFromBytes(payload[s*12+6:]))
		}
	}
	return t, nil
}

// ParseCheckKeyRequest decodes keyType(1) block(1) clearTrace(1)
// keyCount(1) keys.
func ParseCheckKeyRequest(data []byte) (CheckKeyRequest, error) {
	if len(data) < 4 {
		return CheckKeyRequest{}, fmt.Errorf("chkkey: %w (%d bytes)", errShortPayload, len(data))
	}
	n := int(data[3])
	if len(data) < 4+6*n {
		return CheckKeyRequest{}, fmt.Errorf("chkkey: %w (%d keys need %d bytes, have %d)", errShortPayload, n, 6*n, len(data)-4)
	}
	keys, err := KeysFromBytes(data[4 : 4+6*n])
	if err != nil {
		return CheckKeyRequest{}, err
	}
	return CheckKeyRequest{
		KeyType:    KeyType(data[0]) & 0x01,
		Block:      data[1],
		ClearTrace: data[2] != 0,
		Keys:       keys,
	}, nil
}

// EncodeCheckKeyRequest is the inverse of ParseCheckKeyRequest.
func EncodeCheckKeyRequest(req CheckKeyRequest) []byte {
	out := []byte{byte(req.KeyType), req.Block, 0, byte(len(req.Keys))}
	if req.ClearTrace {
		out[2] = 1
	}
	return append(out, KeysToBytes(req.Keys)...)
}

// EncodeCheckKeyReply packs key(6) found(1).
func EncodeCheckKeyReply(r *CheckKeyResult) []byte {
	out := make([]byte, 7)
	copy(out, r.Key[:])
	if r.Found {
		out[6] = 1
	}
	return out
}
