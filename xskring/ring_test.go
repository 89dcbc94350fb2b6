package xskring

import "testing"

func TestNewPairBadSize(t *testing.T) {
	for _, size := range []uint32{0, 3, 6, 100} {
		if _, _, err := NewPair[uint64](size); err != ErrBadSize {
			t.Errorf("size %d: expected ErrBadSize, got %v", size, err)
		}
	}
}

func TestProduceConsume(t *testing.T) {
	prod, cons, err := NewPair[uint64](8)
	if err != nil {
		t.Fatalf("creating ring: %v", err)
	}

	cursor, got := prod.Reserve(3)
	if got != 3 {
		t.Fatalf("reserve on empty ring: got %d, want 3", got)
	}
	for i := uint32(0); i < 3; i++ {
		*prod.Slot(cursor + i) = uint64(100 + i)
	}

	// Nothing visible to the consumer before Commit.
	if _, n := cons.Peek(8); n != 0 {
		t.Fatalf("peek before commit: got %d entries, want 0", n)
	}
	prod.Commit(3)

	cursor, got = cons.Peek(8)
	if got != 3 {
		t.Fatalf("peek after commit: got %d, want 3", got)
	}
	for i := uint32(0); i < 3; i++ {
		if v := *cons.Slot(cursor + i); v != uint64(100+i) {
			t.Errorf("slot %d: got %d, want %d", i, v, 100+i)
		}
	}
	cons.Release(3)
}

func TestReserveClampsToFreeSpace(t *testing.T) {
	prod, cons, err := NewPair[uint64](8)
	if err != nil {
		t.Fatalf("creating ring: %v", err)
	}

	if _, got := prod.Reserve(5); got != 5 {
		t.Fatalf("first reserve: got %d, want 5", got)
	}
	prod.Commit(5)

	// Only 3 slots remain; an oversized request is clamped.
	if _, got := prod.Reserve(8); got != 3 {
		t.Fatalf("reserve beyond capacity: got %d, want 3", got)
	}
	prod.Commit(3)

	if _, got := prod.Reserve(1); got != 0 {
		t.Fatalf("reserve on full ring: got %d, want 0", got)
	}

	// Releasing consumer slots restores producer capacity.
	if _, got := cons.Peek(2); got != 2 {
		t.Fatal("peek failed on full ring")
	}
	cons.Release(2)
	if _, got := prod.Reserve(4); got != 2 {
		t.Fatalf("reserve after release: got %d, want 2", got)
	}
}

func TestPeekAdvancesBeforeRelease(t *testing.T) {
	prod, cons, err := NewPair[uint64](8)
	if err != nil {
		t.Fatalf("creating ring: %v", err)
	}
	prod.Reserve(4)
	prod.Commit(4)

	if _, got := cons.Peek(2); got != 2 {
		t.Fatalf("first peek: got %d, want 2", got)
	}
	// A second peek must not hand out the same entries again.
	if _, got := cons.Peek(4); got != 2 {
		t.Fatalf("second peek: got %d, want 2", got)
	}
	// Producer capacity is restored only by Release.
	prod.Reserve(8)
	prod.Commit(4)
	if _, got := prod.Reserve(1); got != 0 {
		t.Fatal("producer regained capacity without a release")
	}
	cons.Release(4)
	if _, got := prod.Reserve(4); got != 4 {
		t.Fatal("producer did not regain capacity after release")
	}
}

func TestWraparound(t *testing.T) {
	prod, cons, err := NewPair[uint64](4)
	if err != nil {
		t.Fatalf("creating ring: %v", err)
	}

	// Many more entries than the capacity, one at a time, so the cursors
	// wrap several times.
	for i := uint64(0); i < 20; i++ {
		cursor, got := prod.Reserve(1)
		if got != 1 {
			t.Fatalf("iteration %d: reserve failed", i)
		}
		*prod.Slot(cursor) = i
		prod.Commit(1)

		cursor, got = cons.Peek(1)
		if got != 1 {
			t.Fatalf("iteration %d: peek failed", i)
		}
		if v := *cons.Slot(cursor); v != i {
			t.Fatalf("iteration %d: got %d", i, v)
		}
		cons.Release(1)
	}
}

func TestWakeupFlagSharedBetweenViews(t *testing.T) {
	prod, cons, err := NewPair[uint64](8)
	if err != nil {
		t.Fatalf("creating ring: %v", err)
	}
	if prod.NeedsWakeup() || cons.NeedsWakeup() {
		t.Fatal("new ring must not need wakeup")
	}
	cons.SetWakeupFlag(true)
	if !prod.NeedsWakeup() {
		t.Fatal("flag set on one view not visible on the other")
	}
	cons.SetWakeupFlag(false)
	if prod.NeedsWakeup() {
		t.Fatal("flag not cleared")
	}
}

func TestCap(t *testing.T) {
	prod, cons, err := NewPair[uint32](16)
	if err != nil {
		t.Fatalf("creating ring: %v", err)
	}
	if prod.Cap() != 16 || cons.Cap() != 16 {
		t.Errorf("capacity: got %d/%d, want 16", prod.Cap(), cons.Cap())
	}
}
