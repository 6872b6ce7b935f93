package mfclassic

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	calibrationTrials = 17
	// maxCalibrationFailures consecutive trials without a reproducible
	// distance mark the card as not vulnerable.
	maxCalibrationFailures = 12
	// NXP cards sit around 840 steps, some compatible cards near 160.
	minNonceDistance = 101
	maxNonceDistance = 1200
	// slack added to the measured auth-to-auth delay.
	deltaTimeSlack = 32
	windowMargin   = 2
)

// KeyRef names a sector block, key type and key known to open it.
type KeyRef struct {
	Block   uint8
	KeyType KeyType
	Key     Key
}

// Calibrate measures the nonce distance between two consecutive
// authentications on the known slot and stores the distance window and the
// auth-to-auth delay in sess. Any earlier calibration in sess is dropped
// first. slow inserts the pre-authentication lead time after every select.
func (e *Engine) Calibrate(ctx context.Context, sess *Session, ref KeyRef, slow bool) (DistanceWindow, error) {
	if sess == nil {
		return DistanceWindow{}, ErrNoSession
	}
	sess.ResetCalibration()
	if _, ok := e.rd.(NonceReader); !ok {
		return DistanceWindow{}, ErrNestedUnsupported
	}

	var (
		sum, samples uint32
		dmin         uint32 = 2000
		dmax         uint32
		failures     int
		delta        uint32
		haveDelta    bool
	)

	for trial := 0; trial < calibrationTrials; {
		if cancelled(ctx) {
			return DistanceWindow{}, ErrCancelled
		}

		nt1, nt2, t1, t2, err := e.authTwice(sess, ref, delta, slow)
		if err != nil {
			// card I/O failures do not count as a trial
			slog.Debug("calibration trial retry", "error", err)
			continue
		}
		trial++

		dist, found := NonceDistance(nt1, nt2, minNonceDistance, maxNonceDistance)
		if !found {
			failures++
			slog.Debug("calibration: nonce distance not reproduced",
				"nt1", fmt.Sprintf("%08X", nt1), "nt2", fmt.Sprintf("%08X", nt2), "failures", failures)
			if failures > maxCalibrationFailures {
				return DistanceWindow{}, ErrNotVulnerable
			}
			continue
		}
		failures = 0

		if !haveDelta {
			delta = t2 - t1 + deltaTimeSlack
			haveDelta = true
			slog.Debug("calibration: timing", "ntdist", dist, "delta_time", delta)
			continue
		}
		sum += dist
		samples++
		if dist < dmin {
			dmin = dist
		}
		if dist > dmax {
			dmax = dist
		}
		slog.Debug("calibrating", "ntdist", dist)
	}

	if samples == 0 {
		return DistanceWindow{}, ErrNotVulnerable
	}

	avg := (sum + samples/2) / samples
	w := DistanceWindow{Min: avg - windowMargin, Max: avg + windowMargin}
	if err := sess.SetCalibration(w, delta); err != nil {
		return DistanceWindow{}, err
	}
	slog.Info("calibrated nonce distance",
		"min", dmin, "max", dmax, "avg", avg, "window", w.String(), "delta_time", delta)
	return w, nil
}

// authTwice halts, reselects and authenticates to ref twice, the second time
// nested. The second request is sent delta ticks after the first when delta
// is known.
func (e *Engine) authTwice(sess *Session, ref KeyRef, delta uint32, slow bool) (nt1, nt2, t1, t2 uint32, err error) {
	card, err := e.haltAndSelect(sess)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	if slow {
		e.leadTime()
	}

	r1, err := e.rd.Authenticate(AuthRequest{
		Block: ref.Block, KeyType: ref.KeyType, Key: ref.Key, Mode: AuthFirst, CUID: card.CUID,
	})
	if err != nil {
		return 0, 0, 0, 0, &AuthError{Step: "auth1", Block: ref.Block, KeyType: ref.KeyType, Cause: err}
	}

	var at uint32
	if delta != 0 {
		at = r1.Time + delta
	}
	r2, err := e.rd.Authenticate(AuthRequest{
		Block: ref.Block, KeyType: ref.KeyType, Key: ref.Key, Mode: AuthNested, CUID: card.CUID, At: at,
	})
	if err != nil {
		return 0, 0, 0, 0, &AuthError{Step: "auth2", Block: ref.Block, KeyType: ref.KeyType, Cause: err}
	}
	return r1.Nonce, r2.Nonce, r1.Time, r2.Time, nil
}

// haltAndSelect prepares the next select without powering the card down.
func (e *Engine) haltAndSelect(sess *Session) (*CardInfo, error) {
	if sess.Card != nil {
		if err := e.rd.Halt(); err != nil {
			slog.Debug("halt error", "error", err)
		}
	}
	return e.selectCard(sess)
}
