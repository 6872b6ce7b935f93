package mfclassic

import (
	"errors"
	"fmt"
)

// AuthError represents an authentication failure at a specific step.
type AuthError struct {
	Step    string // "select", "auth1", "auth2" or "read"
	Block   uint8
	KeyType KeyType
	Cause   error
}

func (e *AuthError) Error() string {
	if e == nil {
		return "auth error"
	}
	if e.Cause != nil {
		return fmt.Sprintf("auth %s failed (block %d key %s): %v", e.Step, e.Block, e.KeyType, e.Cause)
	}
	return fmt.Sprintf("auth %s failed (block %d key %s)", e.Step, e.Block, e.KeyType)
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// ClassifyAuthError extracts details from an AuthError.
func ClassifyAuthError(err error) (step string, block uint8, kt KeyType, ok bool) {
	var authErr *AuthError
	if errors.As(err, &authErr) {
		return authErr.Step, authErr.Block, authErr.KeyType, true
	}
	return "", 0, 0, false
}

// IsAuthError checks if an error is an authentication failure.
func IsAuthError(err error) bool {
	var authErr *AuthError
	return errors.As(err, &authErr)
}
