package sandbox

import (
	"errors"
	"testing"
)

func TestAllocateAuto(t *testing.T) {
	a := NewPortAllocator()

	p1, err := a.Allocate("sb-1", 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	p2, err := a.Allocate("sb-2", 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p1 == p2 {
		t.Errorf("auto allocation returned the same port twice: %d", p1)
	}
	if p1 < autoPortBase || p1 > autoPortMax {
		t.Errorf("port %d outside ephemeral range", p1)
	}

	reserved := a.Reserved()
	if reserved[p1] != "sb-1" || reserved[p2] != "sb-2" {
		t.Errorf("Reserved() = %v, want owners sb-1 and sb-2", reserved)
	}
}

func TestAllocateConflict(t *testing.T) {
	a := NewPortAllocator()

	port, err := a.Allocate("sb-1", 0)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}

	_, err = a.Allocate("sb-2", port)
	if err == nil {
		t.Fatalf("Allocate(%d) succeeded, want conflict", port)
	}
	var se *Error
	if !errors.As(err, &se) {
		t.Fatalf("error type = %T, want *Error", err)
	}
	if se.Kind != KindPortConflict {
		t.Errorf("Kind = %q, want %q", se.Kind, KindPortConflict)
	}
	if len(se.Suggestions) == 0 {
		t.Error("conflict error carries no suggestions")
	}
}

func TestReleaseFreesAllPorts(t *testing.T) {
	a := NewPortAllocator()

	p1, _ := a.Allocate("sb-1", 0)
	p2, _ := a.Allocate("sb-1", 0)
	a.Release("sb-1")

	if got := a.Reserved(); len(got) != 0 {
		t.Errorf("Reserved() = %v after Release, want empty", got)
	}

	// Both ports must be allocatable again.
	if _, err := a.Allocate("sb-2", p1); err != nil {
		t.Errorf("re-allocating %d: %v", p1, err)
	}
	if _, err := a.Allocate("sb-2", p2); err != nil {
		t.Errorf("re-allocating %d: %v", p2, err)
	}
}

func TestReleaseUnknownSandbox(t *testing.T) {
	a := NewPortAllocator()
	a.Release("never-seen") // must not panic
	if got := a.Reserved(); len(got) != 0 {
		t.Errorf("Reserved() = %v, want empty", got)
	}
}
