package fault

import (
	"errors"
	"fmt"
	"testing"
)

func TestCatchReturnsFatal(t *testing.T) {
	err := Catch(func() {
		Fatalf("bad fingerprint for %s", "Foo")
	})
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsFatal(err) {
		t.Fatalf("IsFatal(%v)=false, want true", err)
	}
	if got, want := err.Error(), "internal error: bad fingerprint for Foo"; got != want {
		t.Fatalf("Error()=%q, want %q", got, want)
	}
}

func TestIsFatalWrapped(t *testing.T) {
	err := Catch(func() { Guarantee(false, "boom") })
	wrapped := fmt.Errorf("compile unit: %w", err)
	if !IsFatal(wrapped) {
		t.Fatalf("wrapped internal error not detected")
	}
	if IsFatal(errors.New("plain")) {
		t.Fatalf("plain error reported as fatal")
	}
}

func TestCatchNoError(t *testing.T) {
	if err := Catch(func() { Guarantee(true, "never") }); err != nil {
		t.Fatalf("unexpected error %v", err)
	}
}

func TestRecoverRepanicsForeignPanics(t *testing.T) {
	defer func() {
		r := recover()
		if r != "other" {
			t.Fatalf("recover()=%v, want other", r)
		}
	}()
	_ = Catch(func() { panic("other") })
	t.Fatalf("foreign panic swallowed")
}
