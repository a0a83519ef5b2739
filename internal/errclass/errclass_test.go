package errclass

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestWrapNilStaysNil(t *testing.T) {
	if err := Wrap(HandlerFailure, "command", "dispatch", nil); err != nil {
		t.Fatalf("Wrap(nil) = %v, want nil", err)
	}
}

func TestClassOfAndIs(t *testing.T) {
	base := errors.New("disk full")
	err := fmt.Errorf("save session: %w", Wrap(PersistenceFailure, "session", "save", base))

	class, ok := ClassOf(err)
	if !ok || class != PersistenceFailure {
		t.Fatalf("ClassOf() = %v, %v, want persistence, true", class, ok)
	}
	if !Is(err, PersistenceFailure) {
		t.Fatalf("Is(persistence) = false, want true")
	}
	if Is(err, AuthFailure) {
		t.Fatalf("Is(auth) = true, want false")
	}
	if !errors.Is(err, base) {
		t.Fatalf("errors.Is(base) = false, want true")
	}
	if !strings.Contains(err.Error(), "session.save: persistence: disk full") {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestIsFindsInnerClass(t *testing.T) {
	inner := Wrap(AuthFailure, "transport", "dial", errors.New("logged out"))
	outer := Wrap(InitializationFailure, "connection", "initialize", inner)
	if !Is(outer, AuthFailure) {
		t.Fatalf("Is(auth) = false, want true")
	}
	if class, _ := ClassOf(outer); class != InitializationFailure {
		t.Fatalf("ClassOf() = %v, want initialization", class)
	}
}

func TestRetryable(t *testing.T) {
	cases := map[Class]bool{
		InitializationFailure: false,
		AuthFailure:           false,
		TransientDisconnect:   true,
		HandlerFailure:        false,
		PersistenceFailure:    false,
	}
	for class, want := range cases {
		if got := class.Retryable(); got != want {
			t.Fatalf("%v.Retryable() = %v, want %v", class, got, want)
		}
	}
}
