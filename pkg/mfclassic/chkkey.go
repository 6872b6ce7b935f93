package mfclassic

import (
	"context"
	"errors"
	"log/slog"
)

// CheckKeyRequest tests a list of keys against one block.
type CheckKeyRequest struct {
	Block      uint8
	KeyType    KeyType
	ClearTrace bool
	Keys       []Key
}

// CheckKeyResult holds the first key that authenticated.
type CheckKeyResult struct {
	Key   Key
	Found bool
}

// CheckKey tries keys in order against one block and stops at the first
// that authenticates. The first attempt runs a full select; later ones reuse
// the UID. A failed select retries the same key.
func (e *Engine) CheckKey(ctx context.Context, req CheckKeyRequest) (*CheckKeyResult, error) {
	defer e.rd.FieldOff()

	e.traceStart(req.ClearTrace)
	defer e.traceStop()

	var card *CardInfo
	res := &CheckKeyResult{}
	for i := 0; i < len(req.Keys); {
		if cancelled(ctx) {
			return res, ErrCancelled
		}

		if card == nil {
			info, err := e.selectCard(nil)
			if err != nil {
				slog.Debug("chkkey: can't select card (ALL)", "error", err)
				continue
			}
			card = info
		} else if err := e.rd.ReselectFast(card.UID, card.CascadeLevels); err != nil {
			slog.Debug("chkkey: can't select card (UID)", "error", err)
			continue
		}

		k := req.Keys[i]
		_, err := e.rd.Authenticate(AuthRequest{
			Block: req.Block, KeyType: req.KeyType, Key: k, Mode: AuthFirst, CUID: card.CUID,
		})
		e.pace()
		i++
		if err != nil {
			continue
		}
		res.Key, res.Found = k, true
		slog.Debug("chkkey: found", "block", req.Block, "key_type", req.KeyType.String(), "key", k.String())
		break
	}
	return res, nil
}

// SlotResult is the outcome of one authentication attempt in DiagnoseKeys.
type SlotResult struct {
	Sector  int
	KeyType KeyType
	Success bool
	// Rejected is set when the card refused the key, as opposed to a
	// select or transport failure.
	Rejected bool
	Err      error
}

// DiagnoseKeys tries key as A and as B on the first block of every sector
// and reports each outcome. Useful to see which sectors share a key.
func (e *Engine) DiagnoseKeys(ctx context.Context, key Key, sectors int) ([]SlotResult, error) {
	defer e.rd.FieldOff()

	card, err := e.selectCard(nil)
	if err != nil {
		return nil, err
	}
	e.pace()

	results := make([]SlotResult, 0, 2*sectors)
	for s := 0; s < sectors; s++ {
		for _, kt := range []KeyType{KeyA, KeyB} {
			if cancelled(ctx) {
				return results, ErrCancelled
			}
			block := FirstBlockOfSector(s)
			r := SlotResult{Sector: s, KeyType: kt}
			if err := e.rd.ReselectFast(card.UID, card.CascadeLevels); err != nil {
				r.Err = &AuthError{Step: "select", Block: block, KeyType: kt, Cause: err}
			} else if _, err := e.rd.Authenticate(AuthRequest{
				Block: block, KeyType: kt, Key: key, Mode: AuthFirst, CUID: card.CUID,
			}); err != nil {
				r.Err = &AuthError{Step: "auth1", Block: block, KeyType: kt, Cause: err}
				r.Rejected = errors.Is(err, ErrKeyRejected)
			} else {
				r.Success = true
			}
			e.pace()
			results = append(results, r)
		}
	}
	return results, nil
}
