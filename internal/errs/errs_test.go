package errs

import (
	"errors"
	"fmt"
	"testing"
)

func TestWithDetailOnKindedError(t *testing.T) {
	err := New(KindValidationFailed, "bad window")
	detailed := WithDetail(err, "step drift exceeded")

	if KindOf(detailed) != KindValidationFailed {
		t.Errorf("kind = %s, want %s", KindOf(detailed), KindValidationFailed)
	}
	if DetailOf(detailed) != "step drift exceeded" {
		t.Errorf("detail = %v, want the attached string", DetailOf(detailed))
	}
	// The original stays untouched.
	if err.Detail != nil {
		t.Errorf("original error mutated: detail = %v", err.Detail)
	}
}

func TestWithDetailWrapsPlainError(t *testing.T) {
	plain := errors.New("connection refused")
	detailed := WithDetail(plain, map[string]string{"host": "db"})

	if KindOf(detailed) != KindInternal {
		t.Errorf("kind = %s, want %s", KindOf(detailed), KindInternal)
	}
	if !errors.Is(detailed, plain) {
		t.Error("wrapped error lost the original chain")
	}
	if DetailOf(detailed) == nil {
		t.Error("detail missing after wrap")
	}
}

func TestWithDetailFindsKindThroughWrapping(t *testing.T) {
	inner := New(KindNotFound, "no such model")
	outer := fmt.Errorf("handler: %w", inner)

	detailed := WithDetail(outer, "momentum|RELIANCE|5m")
	if KindOf(detailed) != KindNotFound {
		t.Errorf("kind = %s, want %s", KindOf(detailed), KindNotFound)
	}
}

func TestDetailOfWithoutDetail(t *testing.T) {
	if d := DetailOf(New(KindTimeout, "bot budget exhausted")); d != nil {
		t.Errorf("detail = %v, want nil", d)
	}
	if d := DetailOf(errors.New("plain")); d != nil {
		t.Errorf("detail = %v, want nil", d)
	}
}
