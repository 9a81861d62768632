package exchange

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsPermanent(t *testing.T) {
	if IsPermanent(Transient("op", errors.New("boom"))) {
		t.Fatalf("expected transient not permanent")
	}
	if !IsPermanent(Permanent("op", "LABEL", errors.New("boom"))) {
		t.Fatalf("expected permanent detected")
	}
	if IsPermanent(errors.New("plain")) {
		t.Fatalf("expected unclassified error treated as transient")
	}
	wrapped := fmt.Errorf("submit: %w", Permanent("op", "LABEL", errors.New("boom")))
	if !IsPermanent(wrapped) {
		t.Fatalf("expected permanent detected through wrapping")
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("cause")
	err := Transient("op", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause reachable via unwrap")
	}
}

func TestErrorStringIncludesLabel(t *testing.T) {
	err := Permanent("/spot/orders", "BALANCE_NOT_ENOUGH", errors.New("http 400"))
	want := "/spot/orders: BALANCE_NOT_ENOUGH: http 400"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}
