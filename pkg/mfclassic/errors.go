package mfclassic

import (
	"errors"
	"fmt"
)

// Status word constants for PC/SC pseudo-APDU responses
const (
	SWSuccess              = 0x9000 // success
	SWOperationFailed      = 0x6300 // ACR122: operation failed (wrong key, no card)
	SWSecurityNotSatisfied = 0x6982 // security status not satisfied (auth failed)
	SWKeyNotLoaded         = 0x6986 // command not allowed (key not loaded / no auth)
	SWWrongP1P2            = 0x6A86 // incorrect P1/P2
	SWFuncNotSupported     = 0x6A81 // function not supported
	SWWrongLength          = 0x6700 // wrong length
	SWWrongLe              = 0x6C00 // wrong Le (mask: 0x6C00, correct Le in SW2)
)

var (
	// ErrCancelled is returned when the context is cancelled between
	// protocol steps. Partial results accompany it where the operation has any.
	ErrCancelled = errors.New("operation cancelled")
	// ErrNotVulnerable means calibration could not reproduce the tag nonce
	// distance: the nonce generator is not predictable.
	ErrNotVulnerable = errors.New("card not vulnerable to nested attack (unpredictable nonces)")
	// ErrOutOfMemory means a scratch buffer could not hold the working set.
	ErrOutOfMemory = errors.New("scratch buffer exhausted")
	// ErrNoCard means no card answered select.
	ErrNoCard = errors.New("can't select card")
	// ErrNotCalibrated means a nested harvest was requested before calibration.
	ErrNotCalibrated = errors.New("nonce distance not calibrated")
	// ErrNestedUnsupported means the reader cannot expose raw tag nonces.
	ErrNestedUnsupported = errors.New("reader does not expose raw tag nonces")
	// ErrEmptyKeyStore means the persistent key store holds no usable keys.
	ErrEmptyKeyStore = errors.New("key store is empty")
	// ErrReadFailed means a block read inside an authenticated session failed.
	ErrReadFailed = errors.New("read block error")
	// ErrKeyRejected means the card answered but refused the key.
	ErrKeyRejected = errors.New("key rejected")
	// ErrNoSession means an operation was called without a Session.
	ErrNoSession = errors.New("no session")
)

// Status is the closed set of result codes reported to the host.
type Status int8

const (
	StatusSuccess       Status = 0
	StatusUndefined     Status = -1
	StatusCancelled     Status = -2
	StatusNotVulnerable Status = -3
	StatusSoftFail      Status = -10
	StatusOutOfMemory   Status = -12
)

func (s Status) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusUndefined:
		return "undefined"
	case StatusCancelled:
		return "cancelled"
	case StatusNotVulnerable:
		return "not vulnerable"
	case StatusSoftFail:
		return "soft failure"
	case StatusOutOfMemory:
		return "out of memory"
	default:
		return fmt.Sprintf("status(%d)", int8(s))
	}
}

// StatusOf maps an operation error to its host status code.
func StatusOf(err error) Status {
	switch {
	case err == nil:
		return StatusSuccess
	case errors.Is(err, ErrCancelled):
		return StatusCancelled
	case errors.Is(err, ErrNotVulnerable):
		return StatusNotVulnerable
	case errors.Is(err, ErrOutOfMemory):
		return StatusOutOfMemory
	default:
		return StatusSoftFail
	}
}

// SWError represents a status word error from a PC/SC reader.
type SWError struct {
	Cmd byte   // pseudo-APDU INS byte
	SW  uint16 // status word
}

func (e *SWError) Error() string {
	return fmt.Sprintf("reader command 0x%02X failed with SW=0x%04X (%s)", e.Cmd, e.SW, swDescription(e.SW))
}

// swDescription returns a human-readable description of a status word.
func swDescription(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWOperationFailed:
		return "operation failed"
	case SWSecurityNotSatisfied:
		return "security not satisfied"
	case SWKeyNotLoaded:
		return "command not allowed"
	case SWWrongP1P2:
		return "wrong P1/P2"
	case SWFuncNotSupported:
		return "function not supported"
	case SWWrongLength:
		return "wrong length"
	default:
		if (sw & 0xFF00) == SWWrongLe {
			return fmt.Sprintf("wrong Le (correct Le=%d)", sw&0xFF)
		}
		return "unknown error"
	}
}

// IsSWAuthFailure checks if an error is a status word that a reader reports
// for a rejected key.
func IsSWAuthFailure(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWOperationFailed || swErr.SW == SWSecurityNotSatisfied || swErr.SW == SWKeyNotLoaded
	}
	return false
}

// IsLengthError checks if an error is a length-related status word error.
func IsLengthError(err error) bool {
	var swErr *SWError
	if errors.As(err, &swErr) {
		return swErr.SW == SWWrongLength || (swErr.SW&0xFF00) == SWWrongLe
	}
	return false
}

// SwOK checks if a status word indicates success.
func SwOK(sw uint16) bool {
	return sw == SWSuccess
}
