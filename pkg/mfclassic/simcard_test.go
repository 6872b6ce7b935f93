package mfclassic

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"
)

var (
	errSimNoTag    = errors.New("sim: no tag")
	errSimAuth     = fmt.Errorf("sim: %w", ErrKeyRejected)
	errSimNotAuth  = errors.New("sim: not authenticated")
	errSimSelected = errors.New("sim: not selected")
)

// simOpCost is how many ticks each simulated radio command takes.
const simOpCost = 16

type simClock struct {
	t uint32
}

func (c *simClock) Ticks() uint32 { return c.t }

func (c *simClock) WaitUntil(tick uint32) {
	if int32(tick-c.t) > 0 {
		c.t = tick
	}
}

type simAuth struct {
	Sector  int
	Block   uint8
	KeyType KeyType
	Key     Key
	Mode    AuthMode
	OK      bool
}

type simNonce struct {
	NT uint32
	KS uint32
}

// simCard is a MIFARE Classic card plus reader. Nonces come either from the
// LFSR at a fixed distance (predictable), from a fixed pair (fixed) or from
// math/rand.
type simCard struct {
	clk  *simClock
	rng  *rand.Rand
	uid  []byte
	keys [][2]Key
	// trailerB[s] makes a trailer read with key A reveal key B.
	trailerB []bool

	predictable bool
	distance    uint32
	fixed       bool
	fixedNT     uint32
	fixedTarget simNonce

	// selectFailures makes that many select calls fail.
	selectFailures int
	checkPacing    bool
	// leadTicks makes the card ignore a first auth sent sooner than this
	// after select.
	leadTicks      uint32
	selectTick     uint32

	selected   bool
	authSector int
	lastNT     uint32
	haveAuth   bool
	paced      bool
	dummyTick  uint32

	auths          []simAuth
	nested         []simNonce
	onAuth         func(n int)
	onNested       func(n int)
	onEarlyAuth    func(n int)
	earlyAuths     int
	dummies        int
	halts          int
	fieldOffs      int
	paceViolations int
	traceClears    int
	tracing        bool
}

func unknownKey(s int, kt KeyType) Key {
	return Key{0x5A, 0xA5, byte(s), byte(kt), 0xC3, 0x3C}
}

func newSimCard(sectors int) *simCard {
	c := &simCard{
		clk:        &simClock{t: 1000},
		rng:        rand.New(rand.NewSource(1)),
		uid:        []byte{0x01, 0x02, 0x03, 0x04},
		keys:       make([][2]Key, sectors),
		trailerB:   make([]bool, sectors),
		distance:   160,
		authSector: -1,
	}
	for s := range c.keys {
		c.keys[s] = [2]Key{unknownKey(s, KeyA), unknownKey(s, KeyB)}
	}
	return c
}

func (c *simCard) engine() *Engine {
	return NewEngine(c, c.clk, nil)
}

func (c *simCard) tick() uint32 {
	now := c.clk.t
	c.clk.t += simOpCost
	return now
}

func (c *simCard) failSelect() bool {
	if c.selectFailures > 0 {
		c.selectFailures--
		c.selected = false
		return true
	}
	return false
}

func (c *simCard) Select() (*CardInfo, error) {
	c.tick()
	if c.failSelect() {
		return nil, errSimNoTag
	}
	c.selected = true
	c.authSector = -1
	c.selectTick = c.clk.t
	return NewCardInfo(c.uid), nil
}

func (c *simCard) ReselectFast(uid []byte, cascadeLevels int) error {
	c.tick()
	if c.failSelect() {
		return errSimNoTag
	}
	if !bytes.Equal(uid, c.uid) || cascadeLevels != CascadeLevels(len(c.uid)) {
		return errSimNoTag
	}
	c.selected = true
	c.authSector = -1
	c.selectTick = c.clk.t
	return nil
}

func (c *simCard) nextNonce(nested bool) uint32 {
	var nt uint32
	switch {
	case nested && (c.predictable || c.fixed):
		nt = PRNGSuccessor(c.lastNT, c.distance)
	case c.fixed:
		nt = c.fixedNT
	default:
		nt = c.rng.Uint32()
	}
	c.lastNT = nt
	return nt
}

func (c *simCard) Authenticate(req AuthRequest) (*AuthResponse, error) {
	if req.At != 0 {
		c.clk.WaitUntil(req.At)
	}
	if c.leadTicks > 0 && req.Mode == AuthFirst && c.clk.t-c.selectTick < c.leadTicks {
		c.tick()
		c.earlyAuths++
		c.selected = false
		c.authSector = -1
		if c.onEarlyAuth != nil {
			c.onEarlyAuth(c.earlyAuths)
		}
		return nil, errSimNoTag
	}
	start := c.tick()

	if c.checkPacing && req.Mode == AuthFirst && c.haveAuth {
		if !c.paced || c.clk.t-c.dummyTick < AuthTimeoutTicks {
			c.paceViolations++
		}
	}
	c.haveAuth, c.paced = true, false

	if !c.selected {
		return nil, errSimSelected
	}
	if req.Mode == AuthNested && c.authSector < 0 {
		return nil, errSimNotAuth
	}

	nt := c.nextNonce(req.Mode == AuthNested)
	s := SectorOfBlock(req.Block)
	ok := s < len(c.keys) && c.keys[s][req.KeyType&0x01] == req.Key

	c.auths = append(c.auths, simAuth{Sector: s, Block: req.Block, KeyType: req.KeyType, Key: req.Key, Mode: req.Mode, OK: ok})
	if c.onAuth != nil {
		c.onAuth(len(c.auths))
	}

	if !ok {
		c.selected = false
		c.authSector = -1
		return nil, errSimAuth
	}
	c.authSector = s
	return &AuthResponse{Nonce: nt, Time: start}, nil
}

func (c *simCard) RequestNonce(block uint8, kt KeyType) (uint32, error) {
	c.tick()
	if !c.selected {
		return 0, errSimSelected
	}
	c.haveAuth, c.paced = true, false
	c.authSector = -1
	return c.nextNonce(false), nil
}

func (c *simCard) NestedNonce(block uint8, kt KeyType, at uint32) (*EncryptedNonce, error) {
	if at != 0 {
		c.clk.WaitUntil(at)
	}
	now := c.tick()
	if c.authSector < 0 {
		return nil, errSimNotAuth
	}

	var n simNonce
	if c.fixed {
		n = c.fixedTarget
	} else {
		n = simNonce{NT: PRNGSuccessor(c.lastNT, c.distance), KS: c.rng.Uint32()}
	}
	enc, par := encryptNonce(n.NT, n.KS, byte(c.rng.Intn(2)))

	c.authSector = -1
	c.nested = append(c.nested, n)
	if c.onNested != nil {
		c.onNested(len(c.nested))
	}
	return &EncryptedNonce{Nonce: enc, Parity: par, Time: now}, nil
}

// encryptNonce builds the wire form of a tag nonce: the nonce XOR keystream
// and parity bits computed over the plaintext, each encrypted with the next
// keystream bit. The fourth parity bit is free.
func encryptNonce(nt, ks uint32, last byte) (uint32, byte) {
	var par byte
	for j := 0; j < 3; j++ {
		raw := OddParity8(byte(nt>>(24-8*j))) ^ bit(ks, uint(16-8*j))
		par |= raw << (7 - j)
	}
	par |= (last & 0x01) << 4
	return nt ^ ks, par
}

func (c *simCard) ReadBlock(block uint8) ([]byte, error) {
	c.tick()
	s := SectorOfBlock(block)
	if c.authSector != s {
		return nil, errSimNotAuth
	}
	data := make([]byte, 16)
	if block == TrailerBlock(s) {
		copy(data[6:10], []byte{0xFF, 0x07, 0x80, 0x69})
		if c.trailerB[s] {
			copy(data[10:16], c.keys[s][KeyB][:])
		}
		return data, nil
	}
	data[0] = block
	data[15] = byte(s)
	return data, nil
}

func (c *simCard) Halt() error {
	c.tick()
	c.halts++
	c.selected = false
	c.authSector = -1
	return nil
}

func (c *simCard) TransmitDummy() error {
	c.dummies++
	c.paced = true
	c.dummyTick = c.clk.t
	return nil
}

func (c *simCard) FieldOff() {
	c.fieldOffs++
	c.selected = false
	c.authSector = -1
}

func (c *simCard) ClearTrace()        { c.traceClears++ }
func (c *simCard) SetTracing(on bool) { c.tracing = on }

// authsOn counts dictionary authentications against the first block of a
// sector with one key type.
func (c *simCard) authsOn(s int, kt KeyType) int {
	n := 0
	for _, a := range c.auths {
		if a.Sector == s && a.KeyType == kt && a.Block == FirstBlockOfSector(s) {
			n++
		}
	}
	return n
}
