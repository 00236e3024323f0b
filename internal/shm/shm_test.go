package shm

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
	"time"
)

func segmentName(t *testing.T) string {
	return fmt.Sprintf("vaultfetch-test-%d", time.Now().UnixNano())
}

func TestCreateAttach(t *testing.T) {
	dir := t.TempDir()
	name := segmentName(t)

	owner, err := Create(dir, name, 4096)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer owner.Unlink()
	defer owner.Close()

	if _, err := Create(dir, name, 4096); err == nil {
		t.Error("expected error creating an existing segment")
	}

	peer, err := Attach(dir, name)
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if peer.Size() != 4096 {
		t.Errorf("expected size 4096, got %d", peer.Size())
	}

	w, err := peer.Slice(Region{Offset: 1000, Size: 5})
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	copy(w, "hello")

	r, err := owner.Slice(Region{Offset: 1000, Size: 5})
	if err != nil {
		t.Fatalf("Slice failed: %v", err)
	}
	if !bytes.Equal(r, []byte("hello")) {
		t.Errorf("expected shared bytes %q, got %q", "hello", r)
	}

	if err := peer.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
	if _, err := peer.Slice(Region{Size: 1}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
	if err := peer.Unlink(); !errors.Is(err, ErrNotOwner) {
		t.Errorf("expected ErrNotOwner, got %v", err)
	}
}

func TestSliceBounds(t *testing.T) {
	seg, err := Create(t.TempDir(), segmentName(t), 100)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer seg.Unlink()
	defer seg.Close()

	tests := []struct {
		region Region
		ok     bool
	}{
		{Region{0, 100}, true},
		{Region{90, 10}, true},
		{Region{100, 0}, true},
		{Region{90, 11}, false},
		{Region{-1, 5}, false},
		{Region{10, -5}, false},
		{Region{1 << 62, 1 << 62}, false},
	}
	for _, tt := range tests {
		b, err := seg.Slice(tt.region)
		if tt.ok {
			if err != nil {
				t.Errorf("%s: unexpected error %v", tt.region, err)
				continue
			}
			if int64(len(b)) != tt.region.Size || int64(cap(b)) != tt.region.Size {
				t.Errorf("%s: expected len and cap %d, got %d/%d", tt.region, tt.region.Size, len(b), cap(b))
			}
		} else if !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("%s: expected ErrOutOfBounds, got %v", tt.region, err)
		}
	}
}

func TestSlots(t *testing.T) {
	seg, err := Create(t.TempDir(), segmentName(t), 1050)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	defer seg.Unlink()
	defer seg.Close()

	slots := seg.Slots(100)
	if len(slots) != 10 {
		t.Fatalf("expected 10 slots, got %d", len(slots))
	}
	for i, s := range slots {
		if s.Offset != int64(i)*100 || s.Size != 100 {
			t.Errorf("slot %d: unexpected region %s", i, s)
		}
	}
	if seg.Slots(0) != nil {
		t.Error("expected no slots for zero slot size")
	}
}

func TestAttachMissing(t *testing.T) {
	if _, err := Attach(t.TempDir(), "missing"); err == nil {
		t.Error("expected error attaching a missing segment")
	}
}
