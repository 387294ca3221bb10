package session

import (
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestRegistryExclusive(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire("usb:1", "s-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	if _, err := r.Acquire("usb:1", "s-2"); !pkgerrors.Is(err, ErrConcurrentSession) {
		t.Fatalf("second Acquire err = %v, want ErrConcurrentSession", err)
	}

	// A different instrument is independent.
	release2, err := r.Acquire("usb:2", "s-3")
	if err != nil {
		t.Fatalf("Acquire other instrument: %v", err)
	}
	release2()

	release()
	if _, err := r.Acquire("usb:1", "s-4"); err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
}

func TestRegistryReleaseIdempotent(t *testing.T) {
	r := NewRegistry()

	release, err := r.Acquire("usb:1", "s-1")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release()
	release() // must not panic or release someone else's claim

	release2, err := r.Acquire("usb:1", "s-2")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	release() // stale release from s-1
	if id, ok := r.Holder("usb:1"); !ok || id != "s-2" {
		t.Fatalf("holder = %q/%v, want s-2 held", id, ok)
	}
	release2()
}
