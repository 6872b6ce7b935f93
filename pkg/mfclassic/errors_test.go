package mfclassic

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want Status
	}{
		{nil, StatusSuccess},
		{ErrCancelled, StatusCancelled},
		{fmt.Errorf("chunk 3: %w", ErrCancelled), StatusCancelled},
		{ErrNotVulnerable, StatusNotVulnerable},
		{fmt.Errorf("store: %w", ErrOutOfMemory), StatusOutOfMemory},
		{ErrNoCard, StatusSoftFail},
		{&AuthError{Step: "auth1", Cause: ErrNoCard}, StatusSoftFail},
	}
	for _, c := range cases {
		if got := StatusOf(c.err); got != c.want {
			t.Fatalf("StatusOf(%v) = %s, want %s", c.err, got, c.want)
		}
	}
	if Status(-99).String() != "status(-99)" {
		t.Fatalf("unknown status formatted as %q", Status(-99).String())
	}
}

func TestSWErrorHelpers(t *testing.T) {
	err := fmt.Errorf("load key: %w", &SWError{Cmd: insLoadKey, SW: 0x6300})
	if !IsSWAuthFailure(err) {
		t.Fatalf("6300 not treated as auth failure")
	}
	if !strings.Contains(err.Error(), "operation failed") {
		t.Fatalf("message %q", err.Error())
	}

	le := &SWError{Cmd: insReadBinary, SW: 0x6C10}
	if !IsLengthError(le) || IsSWAuthFailure(le) {
		t.Fatalf("6C10 classified wrong")
	}
	if !strings.Contains(le.Error(), "correct Le=16") {
		t.Fatalf("message %q", le.Error())
	}
	if IsLengthError(errors.New("plain")) || !SwOK(0x9000) {
		t.Fatalf("plain error or 9000 classified wrong")
	}
}

func TestAuthErrorUnwraps(t *testing.T) {
	err := fmt.Errorf("diag: %w", &AuthError{Step: "select", Block: 7, KeyType: KeyB, Cause: ErrNoCard})
	if !errors.Is(err, ErrNoCard) || !IsAuthError(err) {
		t.Fatalf("AuthError does not unwrap")
	}
	step, block, kt, ok := ClassifyAuthError(err)
	if !ok || step != "select" || block != 7 || kt != KeyB {
		t.Fatalf("classified as %q %d %s %v", step, block, kt, ok)
	}
	if _, _, _, ok := ClassifyAuthError(ErrNoCard); ok {
		t.Fatalf("sentinel classified as AuthError")
	}
}
