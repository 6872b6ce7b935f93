package mfclassic

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/ebfe/scard"
)

// Connection wraps a PC/SC card connection.
type Connection struct {
	ctx       *scard.Context
	Card      *scard.Card
	Reader    string
	ReaderIdx int
}

// ListReaders returns the names of the attached PC/SC readers.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("failed to list readers: %w", err)
	}
	return readers, nil
}

// Connect establishes a connection to the card on reader readerIndex.
func Connect(readerIndex int) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("EstablishContext failed: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		ctx.Release()
		return nil, fmt.Errorf("no readers found: %v", err)
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		ctx.Release()
		return nil, fmt.Errorf("reader index out of range (0..%d)", len(readers)-1)
	}

	reader := readers[readerIndex]
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolAny)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect failed: %w", err)
	}

	return &Connection{
		ctx:       ctx,
		Card:      card,
		Reader:    reader,
		ReaderIdx: readerIndex,
	}, nil
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// Transmit sends an APDU to the card (implements Card interface).
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established")
	}
	return c.Card.Transmit(apdu)
}

// Reconnect re-establishes the card connection with the given disposition.
func (c *Connection) Reconnect(disp scard.Disposition) error {
	if c == nil || c.Card == nil {
		return fmt.Errorf("connection not established")
	}
	return c.Card.Reconnect(scard.ShareShared, scard.ProtocolAny, disp)
}

// Reconnector is a Card whose connection can be reset.
type Reconnector interface {
	Card
	Reconnect(disp scard.Disposition) error
}

// PC/SC pseudo-APDU instructions for contactless storage cards.
const (
	insLoadKey      = 0x82
	insGeneralAuth  = 0x86
	insReadBinary   = 0xB0
	insGetData      = 0xCA
	pcscKeySlot     = 0x00
	pcscAuthVersion = 0x01
)

// PCSCReader drives a MIFARE Classic card through an ACR122-class PC/SC
// reader. The reader firmware runs Crypto-1, so nonces are not visible:
// PCSCReader is a Reader but not a NonceReader.
type PCSCReader struct {
	conn Reconnector

	loaded    Key
	keyLoaded bool
}

// NewPCSCReader wraps a connected card.
func NewPCSCReader(conn Reconnector) *PCSCReader {
	return &PCSCReader{conn: conn}
}

func (r *PCSCReader) Select() (*CardInfo, error) {
	uid, err := GetUID(r.conn)
	if err != nil {
		// the card may have been halted or reset; reset once and retry
		if rerr := r.conn.Reconnect(scard.ResetCard); rerr != nil {
			return nil, fmt.Errorf("reconnect: %w", rerr)
		}
		if uid, err = GetUID(r.conn); err != nil {
			return nil, err
		}
	}
	return NewCardInfo(uid), nil
}

func (r *PCSCReader) ReselectFast(uid []byte, cascadeLevels int) error {
	if err := r.conn.Reconnect(scard.ResetCard); err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	return nil
}

func (r *PCSCReader) loadKey(k Key) error {
	if r.keyLoaded && r.loaded == k {
		return nil
	}
	apdu := append([]byte{0xFF, insLoadKey, 0x00, pcscKeySlot, 0x06}, k[:]...)
	_, sw, err := Transmit(r.conn, apdu)
	if err != nil {
		return err
	}
	if !SwOK(sw) {
		r.keyLoaded = false
		return &SWError{Cmd: insLoadKey, SW: sw}
	}
	r.loaded, r.keyLoaded = k, true
	return nil
}

// Authenticate loads the key into the reader's volatile slot and issues a
// general authenticate. The reader handles nested sessions itself, so Mode
// and At are ignored and the response carries no nonce.
func (r *PCSCReader) Authenticate(req AuthRequest) (*AuthResponse, error) {
	if err := r.loadKey(req.Key); err != nil {
		return nil, fmt.Errorf("load key: %w", err)
	}
	apdu := []byte{0xFF, insGeneralAuth, 0x00, 0x00, 0x05,
		pcscAuthVersion, 0x00, req.Block, req.KeyType.AuthCmd(), pcscKeySlot}
	_, sw, err := Transmit(r.conn, apdu)
	if err != nil {
		return nil, err
	}
	if !SwOK(sw) {
		err := &SWError{Cmd: insGeneralAuth, SW: sw}
		if IsSWAuthFailure(err) {
			return nil, fmt.Errorf("%w: %w", ErrKeyRejected, err)
		}
		return nil, err
	}
	return &AuthResponse{}, nil
}

func (r *PCSCReader) ReadBlock(block uint8) ([]byte, error) {
	data, sw, err := Transmit(r.conn, []byte{0xFF, insReadBinary, 0x00, block, 0x10})
	if err != nil {
		return nil, err
	}
	if IsLengthError(&SWError{Cmd: insReadBinary, SW: sw}) && byte(sw) != 0 {
		slog.Warn("wrong Le, retrying", "original_le", 0x10, "correct_le", byte(sw))
		data, sw, err = Transmit(r.conn, []byte{0xFF, insReadBinary, 0x00, block, byte(sw)})
		if err != nil {
			return nil, err
		}
	}
	if !SwOK(sw) {
		return nil, &SWError{Cmd: insReadBinary, SW: sw}
	}
	return data, nil
}

// Halt is a no-op: PC/SC readers halt the card on their own when the
// connection is reset.
func (r *PCSCReader) Halt() error {
	return nil
}

// TransmitDummy is a no-op: PC/SC offers no raw frame access.
func (r *PCSCReader) TransmitDummy() error {
	return nil
}

func (r *PCSCReader) FieldOff() {
	if err := r.conn.Reconnect(scard.UnpowerCard); err != nil {
		slog.Debug("field off", "error", err)
	}
	r.keyLoaded = false
}

// TicksPerMillisecond is the tick rate of WallClock.
const TicksPerMillisecond = 848

// WallClock is a Clock backed by the system monotonic clock.
type WallClock struct {
	start time.Time
}

// NewWallClock returns a clock starting at tick 0.
func NewWallClock() *WallClock {
	return &WallClock{start: time.Now()}
}

func (c *WallClock) Ticks() uint32 {
	return uint32(time.Since(c.start) * TicksPerMillisecond / time.Millisecond)
}

func (c *WallClock) WaitUntil(tick uint32) {
	d := int32(tick - c.Ticks())
	if d <= 0 {
		return
	}
	time.Sleep(time.Duration(d) * time.Millisecond / TicksPerMillisecond)
}
