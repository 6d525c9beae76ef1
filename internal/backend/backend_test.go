package backend

import (
	"errors"
	"testing"
)

type nopBackend struct{}

func (nopBackend) Compile(*Request) (*Result, error) { return &Result{}, nil }

func TestRegistry(t *testing.T) {
	Register("test-arch", nopBackend{})

	b, err := Lookup("test-arch")
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if _, ok := b.(nopBackend); !ok {
		t.Fatalf("Lookup returned %T", b)
	}
	if _, err := Lookup("no-such-arch"); err == nil {
		t.Fatalf("expected error for unknown architecture")
	}
	if _, err := Lookup(""); err == nil {
		t.Fatalf("expected error for empty architecture")
	}

	found := false
	for _, a := range Architectures() {
		if a == "test-arch" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Architectures() = %v", Architectures())
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("duplicate Register did not panic")
		}
	}()
	Register("test-arch", nopBackend{})
}

func TestCompileErrorUnwrap(t *testing.T) {
	err := error(&CompileError{Trace: "loop", Index: 3, Err: ErrNotImplemented})
	if !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	var ce *CompileError
	if !errors.As(err, &ce) || ce.Index != 3 {
		t.Fatalf("errors.As failed for %v", err)
	}
}
