package mfclassic

import (
	"fmt"
	"log/slog"
)

// ReadBlockWithKey selects the card, authenticates to block and reads it.
// The card is halted afterwards.
func (e *Engine) ReadBlockWithKey(block uint8, kt KeyType, key Key) ([]byte, error) {
	card, err := e.selectCard(nil)
	if err != nil {
		return nil, err
	}
	if _, err := e.rd.Authenticate(AuthRequest{
		Block: block, KeyType: kt, Key: key, Mode: AuthFirst, CUID: card.CUID,
	}); err != nil {
		e.pace()
		return nil, &AuthError{Step: "auth1", Block: block, KeyType: kt, Cause: err}
	}

	data, err := e.rd.ReadBlock(block)
	if err != nil {
		return nil, &AuthError{Step: "read", Block: block, KeyType: kt, Cause: fmt.Errorf("%w: %v", ErrReadFailed, err)}
	}
	if len(data) < 16 {
		return nil, fmt.Errorf("%w: block %d returned %d bytes", ErrReadFailed, block, len(data))
	}

	if err := e.rd.Halt(); err != nil {
		slog.Debug("halt error", "error", err)
	}
	return data[:16], nil
}

// ReadSector reads every block of sector s with one authentication.
func (e *Engine) ReadSector(s int, kt KeyType, key Key) ([][]byte, error) {
	first := FirstBlockOfSector(s)
	card, err := e.selectCard(nil)
	if err != nil {
		return nil, err
	}
	if _, err := e.rd.Authenticate(AuthRequest{
		Block: first, KeyType: kt, Key: key, Mode: AuthFirst, CUID: card.CUID,
	}); err != nil {
		e.pace()
		return nil, &AuthError{Step: "auth1", Block: first, KeyType: kt, Cause: err}
	}

	blocks := make([][]byte, 0, NumBlocksPerSector(s))
	for i := 0; i < NumBlocksPerSector(s); i++ {
		data, err := e.rd.ReadBlock(first + uint8(i))
		if err != nil {
			return blocks, &AuthError{Step: "read", Block: first + uint8(i), KeyType: kt, Cause: fmt.Errorf("%w: %v", ErrReadFailed, err)}
		}
		blocks = append(blocks, data)
	}

	if err := e.rd.Halt(); err != nil {
		slog.Debug("halt error", "error", err)
	}
	return blocks, nil
}
