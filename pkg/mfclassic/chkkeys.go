package mfclassic

import (
	"context"
	"fmt"
	"log/slog"
)

// Strategy orders the dictionary search.
type Strategy uint8

const (
	// StrategyDepthFirst exhausts the dictionary on one sector before moving on.
	StrategyDepthFirst Strategy = 1
	// StrategyBreadthFirst tries each key against every open sector.
	StrategyBreadthFirst Strategy = 2
)

func (s Strategy) String() string {
	switch s {
	case StrategyDepthFirst:
		return "depth-first"
	case StrategyBreadthFirst:
		return "breadth-first"
	default:
		return fmt.Sprintf("strategy(%d)", uint8(s))
	}
}

// ChkKeysRequest is one chunk of a multi-chunk key search.
type ChkKeysRequest struct {
	SectorCount int
	// FirstChunk starts a new search: the session key table is reset and the
	// card is fully selected.
	FirstChunk bool
	// LastChunk makes the reply carry the full table even when keys are
	// still missing.
	LastChunk bool
	Strategy  Strategy
	Keys      []Key
	// UseStore replaces Keys with the persistent store and runs both
	// strategies without the barren-chunk abort.
	UseStore bool
	Store    KeyStore
	// AbortBarrenChunk ends a depth-first chunk early when its first scanned
	// sector yields nothing. It never applies to the last chunk or to store
	// searches. Requests decoded from the wire have it set.
	AbortBarrenChunk bool
	// Emulator, when set, receives the keys and the card contents after a
	// store search found every key.
	Emulator ShadowMemory
	// OnFound is called once per newly found key.
	OnFound func(sector int, kt KeyType, k Key)
}

// ChkKeysResult is the reply for one chunk. Table is set on the final reply
// (all keys found or last chunk) and on cancellation.
type ChkKeysResult struct {
	Status    Status
	FoundKeys int
	NewKeys   int
	Complete  bool
	Final     bool
	Staged    bool
	Table     *ResultTable
}

// CheckKeysFast tests one chunk of candidate keys against every sector of
// the card, propagating each hit to the other sectors. State carries over
// between chunks in sess.
func (e *Engine) CheckKeysFast(ctx context.Context, sess *Session, req ChkKeysRequest) (*ChkKeysResult, error) {
	if sess == nil {
		return nil, ErrNoSession
	}
	if req.SectorCount <= 0 || req.SectorCount > MaxSectors {
		return nil, fmt.Errorf("sector count %d out of range 1..%d", req.SectorCount, MaxSectors)
	}
	if !req.UseStore && req.Strategy != StrategyDepthFirst && req.Strategy != StrategyBreadthFirst {
		return nil, fmt.Errorf("unknown key search %s", req.Strategy)
	}

	keys := req.Keys
	if req.UseStore {
		var err error
		if keys, err = e.loadStore(req.Store); err != nil {
			e.rd.FieldOff()
			return &ChkKeysResult{Status: StatusOf(err)}, err
		}
	}

	if req.FirstChunk || sess.Results == nil || sess.Results.Len() != req.SectorCount {
		if t, ok := e.rd.(Tracer); ok {
			t.ClearTrace()
			t.SetTracing(false)
		}
		sess.ResetKeys(req.SectorCount)
		if _, err := e.selectCard(sess); err != nil {
			slog.Debug("chkkeys: can't select card", "error", err)
			e.rd.FieldOff()
			return &ChkKeysResult{Status: StatusSoftFail, Table: sess.Results.Clone()}, err
		}
		e.pace()
	}
	if sess.Card == nil {
		e.rd.FieldOff()
		return &ChkKeysResult{Status: StatusSoftFail}, ErrNoCard
	}

	c := &checker{
		e:       e,
		ctx:     ctx,
		card:    sess.Card,
		table:   sess.Results,
		sectors: req.SectorCount,
		onFound: req.OnFound,
	}
	before := c.table.FoundCount()

	if req.Strategy == StrategyDepthFirst || req.UseStore {
		abort := req.AbortBarrenChunk && !req.UseStore && !req.LastChunk
		c.depthFirst(keys, req.UseStore, abort)
	}
	if !c.stop() && !c.table.Complete() && (req.Strategy == StrategyBreadthFirst || req.UseStore) {
		c.breadthFirst(keys)
	}

	res := &ChkKeysResult{
		Status:    StatusSuccess,
		FoundKeys: c.table.FoundCount(),
		NewKeys:   c.table.FoundCount() - before,
		Complete:  c.table.Complete(),
	}
	slog.Debug("chkkeys: chunk done", "found", res.FoundKeys, "new", res.NewKeys,
		"of", 2*req.SectorCount, "strategy", req.Strategy.String(), "store", req.UseStore)

	if c.cancelled {
		e.rd.FieldOff()
		res.Status = StatusCancelled
		res.Table = c.table.Clone()
		return res, ErrCancelled
	}

	if res.Complete || req.LastChunk {
		res.Final = true
		res.Table = c.table.Clone()
		if t, ok := e.rd.(Tracer); ok {
			t.SetTracing(false)
		}
		e.rd.FieldOff()

		if req.UseStore && res.Complete && req.Emulator != nil {
			StageKeys(req.Emulator, c.table, req.SectorCount)
			for _, kt := range []KeyType{KeyA, KeyB} {
				if err := e.LoadCardIntoEmulator(req.Emulator, req.SectorCount, kt); err != nil {
					slog.Debug("chkkeys: emulator load failed", "key_type", kt.String(), "error", err)
				}
			}
			res.Staged = true
		}
	}
	return res, nil
}

// checker holds the per-chunk search state.
type checker struct {
	e         *Engine
	ctx       context.Context
	card      *CardInfo
	table     *ResultTable
	sectors   int
	onFound   func(int, KeyType, Key)
	cancelled bool
}

func (c *checker) stop() bool {
	if !c.cancelled && c.ctx.Err() != nil {
		c.cancelled = true
	}
	return c.cancelled
}

// tryKey authenticates once against block, reselecting up to
// Options.SelectRetries times. Every authentication is followed by the
// pacing delay.
func (c *checker) tryKey(block uint8, kt KeyType, k Key) bool {
	if c.stop() {
		return false
	}
	for i := 0; i < c.e.opts.SelectRetries; i++ {
		if err := c.e.rd.ReselectFast(c.card.UID, c.card.CascadeLevels); err != nil {
			continue
		}
		_, err := c.e.rd.Authenticate(AuthRequest{
			Block: block, KeyType: kt, Key: k, Mode: AuthFirst, CUID: c.card.CUID,
		})
		c.e.pace()
		return err == nil
	}
	slog.Debug("chkkeys: can't reselect card", "block", block)
	return false
}

func (c *checker) record(s int, kt KeyType, k Key, how string) {
	if !c.table.Set(s, kt, k) {
		return
	}
	slog.Debug("chkkeys: key found", "sector", s, "key_type", kt.String(), "key", k.String(), "via", how)
	if c.onFound != nil {
		c.onFound(s, kt, k)
	}
}

// scan re-tests k as kt on every sector still missing that key.
func (c *checker) scan(kt KeyType, k Key) {
	for s := 0; s < c.sectors; s++ {
		if c.stop() {
			return
		}
		if c.table.Found(s, kt) {
			continue
		}
		if c.tryKey(FirstBlockOfSector(s), kt, k) {
			c.record(s, kt, k, "scan "+kt.String())
		}
	}
}

// readTrailers reads key B from the trailer of every sector with a known A
// and a missing B. Each B recovered is scanned across all sectors.
func (c *checker) readTrailers() {
	for s := 0; s < c.sectors; s++ {
		if c.stop() {
			return
		}
		if !c.table.Found(s, KeyA) || c.table.Found(s, KeyB) {
			continue
		}
		keyA, _ := c.table.Key(s, KeyA)
		kb, ok := c.readKeyB(TrailerBlock(s), keyA)
		if !ok {
			continue
		}
		c.record(s, KeyB, kb, "trailer read")
		c.scan(KeyB, kb)
	}
}

// readKeyB authenticates with key A and reads key B from a sector trailer.
// Access bits usually mask key B as zeros; those read as not found.
func (c *checker) readKeyB(trailer uint8, keyA Key) (Key, bool) {
	if err := c.e.rd.ReselectFast(c.card.UID, c.card.CascadeLevels); err != nil {
		return Key{}, false
	}
	if _, err := c.e.rd.Authenticate(AuthRequest{
		Block: trailer, KeyType: KeyA, Key: keyA, Mode: AuthFirst, CUID: c.card.CUID,
	}); err != nil {
		c.e.pace()
		return Key{}, false
	}
	data, err := c.e.rd.ReadBlock(trailer)
	if err == nil {
		if err := c.e.rd.Halt(); err != nil {
			slog.Debug("halt error", "error", err)
		}
	}
	c.e.pace()
	if err != nil || len(data) < 16 {
		return Key{}, false
	}
	kb := KeyFromBytes(data[10:16])
	if kb.IsZero() {
		return Key{}, false
	}
	return kb, true
}

// foundA propagates a new key A hit.
func (c *checker) foundA(s int, k Key, how string) {
	c.record(s, KeyA, k, how)
	c.scan(KeyA, k)
	c.readTrailers()
}

// depthFirst walks sectors in order and tries the whole chunk on each.
func (c *checker) depthFirst(keys []Key, store, abortBarren bool) {
	start := c.table.FoundCount()
	lastpos, spoint := 0, 0

	for s := 0; s < c.sectors; s++ {
		if c.table.Done(s) {
			continue
		}
		block := FirstBlockOfSector(s)

		for i := spoint; i < len(keys); i++ {
			if c.stop() || c.table.Complete() {
				return
			}
			k := keys[i]

			testedB := false
			if !c.table.Found(s, KeyA) && c.tryKey(block, KeyA, k) {
				c.foundA(s, k, "depth-first")
				c.scan(KeyB, k)
				testedB = true
				if store {
					lastpos, spoint = storeSkipPoint(i, lastpos, spoint)
				}
			}

			if !testedB && !c.table.Found(s, KeyB) && c.tryKey(block, KeyB, k) {
				c.record(s, KeyB, k, "depth-first")
				c.scan(KeyB, k)
				if store {
					lastpos, spoint = storeSkipPoint(i, lastpos, spoint)
				}
			}

			if c.table.Done(s) {
				break
			}
		}

		if abortBarren && c.table.FoundCount() == start {
			slog.Debug("chkkeys: no key in first sector, next chunk", "sector", s)
			return
		}
	}
}

// storeSkipPoint moves the start index of later sectors to the 16-key group
// of a hit when two hits in the store landed close together.
func storeSkipPoint(i, lastpos, spoint int) (int, int) {
	if lastpos != i && lastpos != 0 {
		if i-lastpos < 0xF {
			spoint = i &^ 0xF
		}
	} else {
		lastpos = i
	}
	return lastpos, spoint
}

// breadthFirst tries each key against every open sector.
func (c *checker) breadthFirst(keys []Key) {
	for _, k := range keys {
		if c.stop() || c.table.Complete() {
			return
		}
		for s := 0; s < c.sectors; s++ {
			if c.stop() || c.table.Complete() {
				return
			}
			if c.table.Done(s) {
				continue
			}
			block := FirstBlockOfSector(s)

			if !c.table.Found(s, KeyA) && c.tryKey(block, KeyA, k) {
				c.foundA(s, k, "breadth-first")
			}
			if !c.table.Found(s, KeyB) && c.tryKey(block, KeyB, k) {
				c.record(s, KeyB, k, "breadth-first")
				c.scan(KeyB, k)
			}
		}
	}
}
