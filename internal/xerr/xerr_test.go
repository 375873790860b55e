package xerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsMatchesByKindOnly(t *testing.T) {
	t.Parallel()
	base := New(KindNoDevice, "Lookup", errors.New("boom"))
	wrapped := fmt.Errorf("setupQP: %w", base)

	if !Is(wrapped, KindNoDevice) {
		t.Fatal("expected wrapped error to match KindNoDevice")
	}
	if Is(wrapped, KindCqOverflow) {
		t.Fatal("did not expect wrapped error to match an unrelated kind")
	}
}

func TestUnwrapReachesCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("device not found")
	err := New(KindNoDevice, "Lookup", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected errors.Is to reach the wrapped cause")
	}
}

func TestRefusedCarriesReason(t *testing.T) {
	t.Parallel()
	err := Refused("Dispatch", "ConnRefused")
	if err.Kind != KindRefused {
		t.Fatalf("Kind = %v, want KindRefused", err.Kind)
	}
	if err.Reason != "ConnRefused" {
		t.Fatalf("Reason = %q, want ConnRefused", err.Reason)
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	t.Parallel()
	for k := KindAddrError; k <= KindFatal; k++ {
		if k.String() == "" {
			t.Fatalf("Kind(%d).String() is empty", k)
		}
	}
}
