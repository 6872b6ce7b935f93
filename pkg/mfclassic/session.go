package mfclassic

import (
	"context"
	"fmt"
	"log/slog"
)

const (
	// AuthTimeoutTicks is the quiet period after a failed authentication:
	// the card times out 1ms after a wrong authentication.
	AuthTimeoutTicks = 848
	// PreAuthLeadTicks is the pause some non-standard cards need between
	// select and the first authentication (400us).
	PreAuthLeadTicks = 339
	// DefaultScratchSize bounds the bytes of key material loaded from a
	// persistent key store.
	DefaultScratchSize = 40000
	// DefaultSelectRetries is how often a key check reselects the card
	// before giving up on that attempt.
	DefaultSelectRetries = 5
)

// Options tunes protocol pacing. Zero fields take their defaults.
type Options struct {
	PacingTicks   uint32
	LeadTimeTicks uint32
	ScratchSize   int
	SelectRetries int
}

func (o *Options) withDefaults() Options {
	var out Options
	if o != nil {
		out = *o
	}
	if out.PacingTicks == 0 {
		out.PacingTicks = AuthTimeoutTicks
	}
	if out.LeadTimeTicks == 0 {
		out.LeadTimeTicks = PreAuthLeadTicks
	}
	if out.ScratchSize <= 0 {
		out.ScratchSize = DefaultScratchSize
	}
	if out.SelectRetries <= 0 {
		out.SelectRetries = DefaultSelectRetries
	}
	return out
}

// Engine drives one reader. It is not safe for concurrent use: the radio
// session belongs to whichever operation is running.
type Engine struct {
	rd   Reader
	clk  Clock
	opts Options
}

// NewEngine binds an engine to a reader and its clock.
func NewEngine(rd Reader, clk Clock, opts *Options) *Engine {
	return &Engine{rd: rd, clk: clk, opts: opts.withDefaults()}
}

// Reader returns the reader the engine drives.
func (e *Engine) Reader() Reader {
	return e.rd
}

// DistanceWindow bounds the nonce distance between two consecutive
// authentications in one session.
type DistanceWindow struct {
	Min uint32
	Max uint32
}

// Valid reports whether the window is usable.
func (w DistanceWindow) Valid() bool {
	return w.Min > 0 && w.Max >= w.Min
}

// Contains reports whether d lies inside the window.
func (w DistanceWindow) Contains(d uint32) bool {
	return d >= w.Min && d <= w.Max
}

func (w DistanceWindow) String() string {
	return fmt.Sprintf("%d..%d", w.Min, w.Max)
}

// Session is the caller-owned state that survives between invocations:
// the selected card, the calibration and the key table of a chunked key
// search. Use one Session per physical card.
type Session struct {
	Card    *CardInfo
	Results *ResultTable

	window     DistanceWindow
	deltaTime  uint32
	calibrated bool
}

// NewSession returns an empty session.
func NewSession() *Session {
	return &Session{}
}

// Calibrated reports whether Window holds a calibration result.
func (s *Session) Calibrated() bool {
	return s.calibrated
}

// Window returns the calibrated distance window.
func (s *Session) Window() DistanceWindow {
	return s.window
}

// DeltaTime returns the calibrated tick offset between two authentications.
func (s *Session) DeltaTime() uint32 {
	return s.deltaTime
}

// SetCalibration installs a window, e.g. one restored from an earlier run.
func (s *Session) SetCalibration(w DistanceWindow, deltaTime uint32) error {
	if !w.Valid() {
		return fmt.Errorf("invalid distance window %s", w)
	}
	s.window = w
	s.deltaTime = deltaTime
	s.calibrated = true
	return nil
}

// ResetCalibration forgets the calibration.
func (s *Session) ResetCalibration() {
	s.window = DistanceWindow{}
	s.deltaTime = 0
	s.calibrated = false
}

// ResetKeys starts a new key table for sectors sectors.
func (s *Session) ResetKeys(sectors int) {
	s.Results = NewResultTable(sectors)
}

// pace sends the dummy frame and waits out the card's authentication
// failure timeout.
func (e *Engine) pace() {
	if err := e.rd.TransmitDummy(); err != nil {
		slog.Debug("dummy frame failed", "error", err)
	}
	e.clk.WaitUntil(e.clk.Ticks() + e.opts.PacingTicks)
}

func (e *Engine) leadTime() {
	e.clk.WaitUntil(e.clk.Ticks() + e.opts.LeadTimeTicks)
}

// selectCard runs a full select and records the card in the session.
func (e *Engine) selectCard(sess *Session) (*CardInfo, error) {
	info, err := e.rd.Select()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCard, err)
	}
	if info == nil || len(info.UID) == 0 {
		return nil, ErrNoCard
	}
	if info.CascadeLevels == 0 {
		info.CascadeLevels = CascadeLevels(len(info.UID))
	}
	if info.CUID == 0 {
		info.CUID = CUIDFromUID(info.UID)
	}
	if sess != nil {
		sess.Card = info
	}
	return info, nil
}

func (e *Engine) traceStart(clear bool) {
	if t, ok := e.rd.(Tracer); ok {
		if clear {
			t.ClearTrace()
		}
		t.SetTracing(true)
	}
}

func (e *Engine) traceStop() {
	if t, ok := e.rd.(Tracer); ok {
		t.SetTracing(false)
	}
}

func cancelled(ctx context.Context) bool {
	return ctx.Err() != nil
}
