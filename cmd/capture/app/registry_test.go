package app

import (
	"errors"
	"testing"
)

func TestRegistry_ExclusivePerDevice(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("03800AD2")
	if err != nil {
		t.Fatalf("Begin() error = %s", err)
	}

	if _, err = r.Begin("03800AD2"); !errors.Is(err, ErrDeviceBusy) {
		t.Fatalf("Begin() on held device error = %v, want ErrDeviceBusy", err)
	}

	// A different device is not affected.
	if _, err = r.Begin("03800AD3"); err != nil {
		t.Fatalf("Begin() on free device error = %s", err)
	}

	r.End(run.ID)
	if _, err = r.Begin("03800AD2"); err != nil {
		t.Fatalf("Begin() after End() error = %s", err)
	}
}

func TestRegistry_EndUnknownRun(t *testing.T) {
	r := NewRegistry()

	run, err := r.Begin("03800AD2")
	if err != nil {
		t.Fatalf("Begin() error = %s", err)
	}

	r.End(run.ID)
	r.End(run.ID) // second release is a no-op

	if got := len(r.Active()); got != 0 {
		t.Errorf("Active() length = %d, want 0", got)
	}
}

func TestRegistry_Active(t *testing.T) {
	r := NewRegistry()

	if _, err := r.Begin("a"); err != nil {
		t.Fatalf("Begin() error = %s", err)
	}
	if _, err := r.Begin("b"); err != nil {
		t.Fatalf("Begin() error = %s", err)
	}

	if got := len(r.Active()); got != 2 {
		t.Errorf("Active() length = %d, want 2", got)
	}
}
