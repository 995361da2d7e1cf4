package cderr_test

import (
	"errors"
	"testing"

	"github.com/nigma143/cardreaders/cderr"
)

func TestWrapPreservesIdentity(t *testing.T) {
	wrapped := cderr.Wrap("hidframe read", cderr.ErrBadLRC)
	if !errors.Is(wrapped, cderr.ErrBadLRC) {
		t.Errorf("expected wrapped error to match ErrBadLRC via errors.Is")
	}
}

func TestWrapNilIsNil(t *testing.T) {
	if cderr.Wrap("op", nil) != nil {
		t.Errorf("expected Wrap(op, nil) to return nil")
	}
}

func TestTimeoutErrorUnwrapsToSentinel(t *testing.T) {
	err := cderr.NewTimeout("ack")
	if !errors.Is(err, cderr.ErrTimeout) {
		t.Errorf("expected NewTimeout to unwrap to ErrTimeout")
	}
	var te *cderr.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("expected errors.As to find a *TimeoutError")
	}
	if te.Op != "ack" {
		t.Errorf("got op %q, want %q", te.Op, "ack")
	}
}

func TestNackErrorUnwrapsToSentinel(t *testing.T) {
	err := &cderr.NackError{Code: 0x07}
	if !errors.Is(err, cderr.ErrNack) {
		t.Errorf("expected NackError to unwrap to ErrNack")
	}
}

func TestTooShortBodyErrorUnwrapsToTruncated(t *testing.T) {
	err := &cderr.TooShortBodyError{Expected: 10, Found: 3}
	if !errors.Is(err, cderr.ErrTruncatedTLV) {
		t.Errorf("expected TooShortBodyError to unwrap to ErrTruncatedTLV")
	}
}

func TestSemanticErrorWithoutTLV(t *testing.T) {
	err := &cderr.SemanticError{Reason: "unsupported instruction"}
	if err.Error() != "unsupported instruction" {
		t.Errorf("got %q", err.Error())
	}
}
