package blockio

import (
	"path/filepath"
	"testing"
)

func TestFileLockExclusion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "test.lock")

	l1, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire: %v", err)
	}

	if _, err := TryAcquire(path); err != ErrWouldBlock {
		t.Fatalf("expected ErrWouldBlock, got %v", err)
	}

	if err := l1.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}

	l2, err := TryAcquire(path)
	if err != nil {
		t.Fatalf("TryAcquire after release: %v", err)
	}
	if err := l2.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestDiskSizeString(t *testing.T) {
	d := Disk{Name: "sda", Size: 4 << 30}
	if got, want := d.SizeString(), "4G"; got != want {
		t.Fatalf("SizeString() = %q, want %q", got, want)
	}
	if got, want := d.Path(), "/dev/sda"; got != want {
		t.Fatalf("Path() = %q, want %q", got, want)
	}
}
