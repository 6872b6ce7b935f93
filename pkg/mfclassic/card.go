package mfclassic

import "fmt"

// AuthMode selects between a fresh authentication and one issued inside an
// already encrypted session.
type AuthMode int

const (
	AuthFirst  AuthMode = iota // plain auth request after select
	AuthNested                 // encrypted auth request inside the current session
)

func (m AuthMode) String() string {
	if m == AuthNested {
		return "nested"
	}
	return "first"
}

// CardInfo is what a full anticollision/select cycle returns.
type CardInfo struct {
	UID           []byte // 4, 7 or 10 bytes
	CUID          uint32 // UID bytes of the last cascade level, big-endian
	CascadeLevels int    // 1, 2 or 3
}

// AuthRequest describes one MIFARE Classic authentication.
type AuthRequest struct {
	Block   uint8
	KeyType KeyType
	Key     Key
	Mode    AuthMode
	CUID    uint32
	// At is the clock tick at which the reader should start sending the
	// request. Zero means as soon as possible.
	At uint32
}

// AuthResponse carries the tag nonce and the tick the request went out at.
// Readers that cannot expose the nonce leave Nonce at zero.
type AuthResponse struct {
	Nonce uint32
	Time  uint32
}

// EncryptedNonce is the tag's answer to a nested auth request that the
// reader does not complete.
type EncryptedNonce struct {
	Nonce  uint32 // encrypted nonce, first wire byte in the top 8 bits
	Parity byte   // wire parity bits, bit 7 = byte 0 ... bit 4 = byte 3
	Time   uint32
}

// Reader is the radio session boundary. Implementations own the field and
// the Crypto-1 state; every call is synchronous and calls never interleave.
type Reader interface {
	// Select runs a full anticollision/select cycle.
	Select() (*CardInfo, error)
	// ReselectFast selects a known UID without anticollision.
	ReselectFast(uid []byte, cascadeLevels int) error
	Authenticate(req AuthRequest) (*AuthResponse, error)
	// ReadBlock reads a 16-byte block inside the current authenticated session.
	ReadBlock(block uint8) ([]byte, error)
	Halt() error
	// TransmitDummy sends an incomplete frame so the card starts its
	// authentication failure timeout.
	TransmitDummy() error
	// FieldOff powers the card down.
	FieldOff()
}

// NonceReader is a Reader that exposes raw tag nonces. The nested attack and
// the nonce collectors need one.
type NonceReader interface {
	Reader
	// RequestNonce sends a plain auth request and returns the tag nonce
	// without completing the handshake.
	RequestNonce(block uint8, kt KeyType) (uint32, error)
	// NestedNonce sends an encrypted auth request for the target block inside
	// the current session and returns the encrypted nonce and its parity bits
	// without completing the handshake.
	NestedNonce(block uint8, kt KeyType, at uint32) (*EncryptedNonce, error)
}

// Clock is the reader's monotonic tick counter (848 ticks per millisecond
// on the reference hardware).
type Clock interface {
	Ticks() uint32
	WaitUntil(tick uint32)
}

// Tracer is implemented by readers that keep a protocol trace.
type Tracer interface {
	ClearTrace()
	SetTracing(on bool)
}

// Card abstracts APDU transmit behavior for real PC/SC cards and test doubles.
type Card interface {
	Transmit(apdu []byte) ([]byte, error)
}

// Transmit sends an APDU to the card and extracts the status word.
// The response data does NOT include the trailing SW bytes.
func Transmit(card Card, apdu []byte) ([]byte, uint16, error) {
	resp, err := card.Transmit(apdu)
	if err != nil {
		return nil, 0, err
	}
	if len(resp) < 2 {
		return nil, 0, fmt.Errorf("short response: %d bytes", len(resp))
	}
	sw := uint16(resp[len(resp)-2])<<8 | uint16(resp[len(resp)-1])
	return resp[:len(resp)-2], sw, nil
}

// GetUID retrieves the card UID via the PC/SC GET DATA pseudo-APDU (FF CA 00 00).
// Tries with Le=0x00 (wildcard) and Le=0x04 (specific 4-byte UID length).
func GetUID(card Card) ([]byte, error) {
	for _, le := range []byte{0x00, 0x04} {
		apdu := []byte{0xFF, 0xCA, 0x00, 0x00, le}
		data, sw, err := Transmit(card, apdu)
		if err == nil && SwOK(sw) && len(data) > 0 {
			return data, nil
		}
	}
	return nil, fmt.Errorf("UID not available via GET DATA")
}

// CascadeLevels maps a UID length to its anticollision cascade level count.
// Unknown lengths return 0.
func CascadeLevels(uidLen int) int {
	switch uidLen {
	case 4:
		return 1
	case 7:
		return 2
	case 10:
		return 3
	default:
		return 0
	}
}

// CUIDFromUID returns the 32-bit UID word used to seed Crypto-1: the last
// four UID bytes, big-endian.
func CUIDFromUID(uid []byte) uint32 {
	if len(uid) < 4 {
		return 0
	}
	b := uid[len(uid)-4:]
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// NewCardInfo builds a CardInfo from a UID.
func NewCardInfo(uid []byte) *CardInfo {
	u := make([]byte, len(uid))
	copy(u, uid)
	return &CardInfo{
		UID:           u,
		CUID:          CUIDFromUID(uid),
		CascadeLevels: CascadeLevels(len(uid)),
	}
}
