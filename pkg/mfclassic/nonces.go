package mfclassic

import (
	"context"
	"encoding/binary"
	"log/slog"
)

// AcquireNonces collects count plain tag nonces from block by sending the
// first auth request only. The first request follows a full select, the
// rest reselect by UID.
func (e *Engine) AcquireNonces(ctx context.Context, sess *Session, block uint8, kt KeyType, count int) ([]uint32, error) {
	nr, ok := e.rd.(NonceReader)
	if !ok {
		return nil, ErrNestedUnsupported
	}

	e.traceStart(true)
	defer e.traceStop()

	nonces := make([]uint32, 0, count)
	var card *CardInfo
	for len(nonces) < count {
		if cancelled(ctx) {
			e.rd.FieldOff()
			return nonces, ErrCancelled
		}
		if card == nil {
			info, err := e.selectCard(sess)
			if err != nil {
				slog.Debug("acquire nonces: can't select card (ALL)", "error", err)
				continue
			}
			card = info
		} else if err := e.rd.ReselectFast(card.UID, card.CascadeLevels); err != nil {
			slog.Debug("acquire nonces: can't select card (UID)", "error", err)
			continue
		}

		nt, err := nr.RequestNonce(block, kt)
		e.pace()
		if err != nil {
			slog.Debug("acquire nonces: auth1 error", "error", err)
			continue
		}
		nonces = append(nonces, nt)
	}
	return nonces, nil
}

// EncryptedNoncePair holds two consecutive encrypted target nonces and
// their parity nibbles: bits 7..4 for A, bits 3..0 for B.
type EncryptedNoncePair struct {
	A, B   uint32
	Parity byte
}

// AcquireEncryptedNonces opens a session on the known slot and collects
// pairs encrypted nonces of the target slot from nested auth requests.
func (e *Engine) AcquireEncryptedNonces(ctx context.Context, sess *Session, req NestedRequest, pairs int) ([]EncryptedNoncePair, error) {
	nr, ok := e.rd.(NonceReader)
	if !ok {
		return nil, ErrNestedUnsupported
	}

	e.traceStart(true)
	defer e.traceStop()

	out := make([]EncryptedNoncePair, 0, pairs)
	var (
		card    *CardInfo
		pending *EncryptedNonce
	)
	for len(out) < pairs {
		if cancelled(ctx) {
			e.rd.FieldOff()
			return out, ErrCancelled
		}
		if card == nil {
			info, err := e.selectCard(sess)
			if err != nil {
				slog.Debug("acquire encrypted nonces: can't select card (ALL)", "error", err)
				continue
			}
			card = info
		} else if err := e.rd.ReselectFast(card.UID, card.CascadeLevels); err != nil {
			slog.Debug("acquire encrypted nonces: can't select card (UID)", "error", err)
			continue
		}
		if req.Slow {
			e.leadTime()
		}

		if _, err := e.rd.Authenticate(AuthRequest{
			Block: req.Known.Block, KeyType: req.Known.KeyType, Key: req.Known.Key,
			Mode: AuthFirst, CUID: card.CUID,
		}); err != nil {
			slog.Debug("acquire encrypted nonces: auth1 error", "error", err)
			continue
		}

		enc, err := nr.NestedNonce(req.TargetBlock, req.TargetKeyType, 0)
		e.pace()
		if err != nil {
			slog.Debug("acquire encrypted nonces: auth2 error", "error", err)
			continue
		}

		if pending == nil {
			pending = enc
			continue
		}
		out = append(out, EncryptedNoncePair{
			A:      pending.Nonce,
			B:      enc.Nonce,
			Parity: pending.Parity&0xF0 | enc.Parity>>4,
		})
		pending = nil
	}
	return out, nil
}

// EncodeNoncePairs packs pairs as nt_a(4) nt_b(4) par(1), nonces in wire
// byte order.
func EncodeNoncePairs(pairs []EncryptedNoncePair) []byte {
	out := make([]byte, 0, 9*len(pairs))
	var buf [4]byte
	for _, p := range pairs {
		binary.BigEndian.PutUint32(buf[:], p.A)
		out = append(out, buf[:]...)
		binary.BigEndian.PutUint32(buf[:], p.B)
		out = append(out, buf[:]...)
		out = append(out, p.Parity)
	}
	return out
}

// EncodeNonces packs plain nonces 4 bytes each in wire byte order.
func EncodeNonces(nonces []uint32) []byte {
	out := make([]byte, 4*len(nonces))
	for i, nt := range nonces {
		binary.BigEndian.PutUint32(out[4*i:], nt)
	}
	return out
}
