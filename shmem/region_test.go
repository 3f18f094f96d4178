package shmem

import (
	"errors"
	"testing"

	"github.com/pithecene-io/virtsnd/status"
)

func TestNewAnon(t *testing.T) {
	r, err := NewAnon(128)
	if err != nil {
		t.Fatalf("NewAnon: %v", err)
	}
	if r.Size() != 128 {
		t.Errorf("Size = %d, want 128", r.Size())
	}
	r.Bytes()[0] = 0xab
	if r.Bytes()[0] != 0xab {
		t.Error("region not writable")
	}
	if err := r.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
	if r.Bytes() != nil {
		t.Error("Bytes should be nil after Close")
	}
}

func TestNewAnon_RejectsNonPositiveSize(t *testing.T) {
	for _, size := range []int{0, -1} {
		if _, err := NewAnon(size); !errors.Is(err, status.ErrInvalidArgument) {
			t.Errorf("NewAnon(%d) = %v, want ErrInvalidArgument", size, err)
		}
	}
}

func TestClose_Idempotent(t *testing.T) {
	r, err := NewAnon(16)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Fatal(err)
	}
	if err := r.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
