package mfclassic

import (
	"context"
	"errors"
	"testing"
)

func calibratedSession(t *testing.T, distance uint32) *Session {
	t.Helper()
	sess := NewSession()
	w := DistanceWindow{Min: distance - windowMargin, Max: distance + windowMargin}
	if err := sess.SetCalibration(w, 48); err != nil {
		t.Fatalf("SetCalibration: %v", err)
	}
	return sess
}

func candidatesInWindow(nt1 uint32, enc *EncryptedNonce, w DistanceWindow) int {
	flags := ParityFlags(enc.Nonce, enc.Parity)
	n := 0
	for d := w.Min; d <= w.Max; d++ {
		nt := PRNGSuccessor(nt1, d)
		if ValidNonce(nt, enc.Nonce, enc.Nonce^nt, flags) {
			n++
		}
	}
	return n
}

func TestNestedReturnsUnambiguousDistinctSamples(t *testing.T) {
	card := newSimCard(16)
	card.predictable = true
	card.distance = 160
	eng := card.engine()

	req := NestedRequest{
		Known:         knownRef(card, 0),
		TargetBlock:   FirstBlockOfSector(5),
		TargetKeyType: KeyB,
	}
	sess := NewSession()
	res, err := eng.Nested(context.Background(), sess, req)
	if err != nil {
		t.Fatalf("Nested returned error: %v", err)
	}
	if res.Status != StatusSuccess {
		t.Fatalf("expected success, got %s", res.Status)
	}
	if res.CUID != CUIDFromUID(card.uid) {
		t.Fatalf("cuid %08X, want %08X", res.CUID, CUIDFromUID(card.uid))
	}
	if res.TargetBlock != req.TargetBlock || res.TargetKeyType != KeyB {
		t.Fatalf("target echoed as %d/%s", res.TargetBlock, res.TargetKeyType)
	}
	if res.Samples[0].Nonce == res.Samples[1].Nonce {
		t.Fatalf("both samples carry nonce %08X", res.Samples[0].Nonce)
	}

	for i, s := range res.Samples {
		if !res.Window.Contains(s.Distance) {
			t.Fatalf("sample %d distance %d outside window %s", i, s.Distance, res.Window)
		}
		found := false
		for _, truth := range card.nested {
			if truth.NT == s.Nonce && truth.KS == s.Keystream {
				found = true
			}
		}
		if !found {
			t.Fatalf("sample %d (%08X, %08X) is not a nonce the card sent", i, s.Nonce, s.Keystream)
		}
	}
	if card.fieldOffs == 0 {
		t.Fatalf("field left on")
	}
}

// The number of parity-valid candidates depends on nt1 and the window only.
// With ks = enc ^ nt, the check compares oddparity(nt) ^ bit(nt) against the
// same expression over the true nonce, so the tag's keystream cancels out.
// The tests below vary nt1 to get ambiguous and unambiguous samples.

func TestDisambiguateRejectsAmbiguousSamples(t *testing.T) {
	w := DistanceWindow{Min: 158, Max: 162}
	ks := uint32(0x5EED1234)

	ambiguous, accepted := 0, 0
	for i := uint32(1); i < 4000; i++ {
		nt1 := i * 0x9E3779B1
		truth := PRNGSuccessor(nt1, 160)
		encNonce, par := encryptNonce(truth, ks, 0)
		enc := &EncryptedNonce{Nonce: encNonce, Parity: par}
		sample, status := disambiguate(nt1, enc, w, nil)

		n := candidatesInWindow(nt1, enc, w)
		switch status {
		case sampleOK:
			accepted++
			if n != 1 {
				t.Fatalf("accepted a sample with %d valid steps", n)
			}
			if sample.Nonce != truth || sample.Distance != 160 {
				t.Fatalf("accepted wrong candidate %08X at %d", sample.Nonce, sample.Distance)
			}
		case sampleAmbiguous:
			ambiguous++
			if n < 2 {
				t.Fatalf("rejected a sample with %d valid steps as ambiguous", n)
			}
		default:
			t.Fatalf("true nonce not found in window (status %d)", status)
		}
	}
	if ambiguous == 0 || accepted == 0 {
		t.Fatalf("expected both outcomes, got %d accepted and %d ambiguous", accepted, ambiguous)
	}
}

func TestDisambiguateIgnoresKeystream(t *testing.T) {
	w := DistanceWindow{Min: 158, Max: 162}
	nt1, _ := unambiguousKnownNonce(t, w)
	truth := PRNGSuccessor(nt1, 160)
	for ks := uint32(1); ks < 500; ks++ {
		encNonce, par := encryptNonce(truth, ks*0x01000193, 0)
		if n := candidatesInWindow(nt1, &EncryptedNonce{Nonce: encNonce, Parity: par}, w); n != 1 {
			t.Fatalf("keystream %08X gives %d candidates", ks*0x01000193, n)
		}
	}
}

func TestDisambiguateRejectsRepeatedNonce(t *testing.T) {
	w := DistanceWindow{Min: 158, Max: 162}
	nt1, enc := unambiguousKnownNonce(t, w)

	first, status := disambiguate(nt1, enc, w, nil)
	if status != sampleOK {
		t.Fatalf("first sample status %d", status)
	}
	if first.Nonce != PRNGSuccessor(nt1, 160) {
		t.Fatalf("first sample %08X at %d", first.Nonce, first.Distance)
	}
	if _, status := disambiguate(nt1, enc, w, []NonceSample{first}); status != sampleDuplicate {
		t.Fatalf("repeated sample status %d, want duplicate", status)
	}
}

// unambiguousKnownNonce searches for a known-slot nonce whose successor at
// distance 160 is the only valid candidate in w, and returns it with that
// successor encrypted.
func unambiguousKnownNonce(t *testing.T, w DistanceWindow) (uint32, *EncryptedNonce) {
	t.Helper()
	for i := uint32(1); i < 0x1000; i++ {
		nt1 := i * 0x9E3779B1
		encNonce, par := encryptNonce(PRNGSuccessor(nt1, 160), 0xA5A5A5A5, 0)
		enc := &EncryptedNonce{Nonce: encNonce, Parity: par}
		if candidatesInWindow(nt1, enc, w) == 1 {
			return nt1, enc
		}
	}
	t.Fatalf("no unambiguous known-slot nonce found")
	return 0, nil
}

func TestHarvestFixedNoncesNeverRepeatsAndHonorsCancel(t *testing.T) {
	card := newSimCard(16)
	card.fixed = true
	w := DistanceWindow{Min: 158, Max: 162}
	nt1, enc := unambiguousKnownNonce(t, w)
	truth := PRNGSuccessor(nt1, 160)
	card.fixedNT = nt1
	card.fixedTarget = simNonce{NT: truth, KS: enc.Nonce ^ truth}

	ctx, cancel := context.WithCancel(context.Background())
	card.onNested = func(n int) {
		if n == 25 {
			cancel()
		}
	}

	sess := calibratedSession(t, 160)
	res, err := card.engine().HarvestNested(ctx, sess, NestedRequest{
		Known:         knownRef(card, 0),
		TargetBlock:   FirstBlockOfSector(1),
		TargetKeyType: KeyA,
	})
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if res == nil || res.Status != StatusCancelled {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if res.Samples[0].Nonce != truth {
		t.Fatalf("first sample %08X, want %08X", res.Samples[0].Nonce, truth)
	}
	if res.Samples[1] != (NonceSample{}) {
		t.Fatalf("second sample filled with a repeat: %+v", res.Samples[1])
	}
	if len(card.nested) != 25 {
		t.Fatalf("harvest continued after cancel: %d nested requests", len(card.nested))
	}
}

func TestNestedSlowCardWaitsLeadTime(t *testing.T) {
	card := newSimCard(16)
	card.predictable = true
	card.leadTicks = PreAuthLeadTicks

	res, err := card.engine().Nested(context.Background(), NewSession(), NestedRequest{
		Known:         knownRef(card, 0),
		TargetBlock:   FirstBlockOfSector(3),
		TargetKeyType: KeyA,
		Calibrate:     true,
		Slow:          true,
	})
	if err != nil {
		t.Fatalf("Nested returned error: %v", err)
	}
	if res.Status != StatusSuccess || res.Samples[0].Nonce == res.Samples[1].Nonce {
		t.Fatalf("unexpected result %+v", res)
	}
	if card.earlyAuths != 0 {
		t.Fatalf("%d authentications sent before the lead time", card.earlyAuths)
	}
}

func TestHarvestSlowCardWaitsLeadTime(t *testing.T) {
	card := newSimCard(16)
	card.predictable = true
	card.leadTicks = PreAuthLeadTicks

	res, err := card.engine().HarvestNested(context.Background(), calibratedSession(t, 160), NestedRequest{
		Known:         knownRef(card, 0),
		TargetBlock:   FirstBlockOfSector(2),
		TargetKeyType: KeyB,
		Slow:          true,
	})
	if err != nil {
		t.Fatalf("HarvestNested returned error: %v", err)
	}
	if res.Status != StatusSuccess || card.earlyAuths != 0 {
		t.Fatalf("status %s with %d early authentications", res.Status, card.earlyAuths)
	}
	if len(card.nested) == 0 {
		t.Fatalf("no nested requests sent")
	}
}

func TestNestedWithoutSession(t *testing.T) {
	card := newSimCard(2)
	if _, err := card.engine().Nested(context.Background(), nil, NestedRequest{Known: knownRef(card, 0)}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Nested: expected ErrNoSession, got %v", err)
	}
	if _, err := card.engine().HarvestNested(context.Background(), nil, NestedRequest{Known: knownRef(card, 0)}); !errors.Is(err, ErrNoSession) {
		t.Fatalf("HarvestNested: expected ErrNoSession, got %v", err)
	}
}

func TestHarvestRequiresCalibration(t *testing.T) {
	card := newSimCard(2)
	_, err := card.engine().HarvestNested(context.Background(), NewSession(), NestedRequest{Known: knownRef(card, 0)})
	if !errors.Is(err, ErrNotCalibrated) {
		t.Fatalf("expected ErrNotCalibrated, got %v", err)
	}
}

func TestNestedNotVulnerableStatus(t *testing.T) {
	card := newSimCard(2)
	res, err := card.engine().Nested(context.Background(), NewSession(), NestedRequest{
		Known:       knownRef(card, 0),
		TargetBlock: 4,
	})
	if !errors.Is(err, ErrNotVulnerable) {
		t.Fatalf("expected ErrNotVulnerable, got %v", err)
	}
	if res.Status != StatusNotVulnerable {
		t.Fatalf("status %s, want %s", res.Status, StatusNotVulnerable)
	}
}
