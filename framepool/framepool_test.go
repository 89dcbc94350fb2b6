//go:build linux

package framepool

import (
	"sync"
	"testing"
)

func newTestPool(t *testing.T, numFrames, frameSize uint32) *Pool {
	t.Helper()
	p, err := New(Config{NumFrames: numFrames, FrameSize: frameSize})
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestBadFrameSize(t *testing.T) {
	if _, err := New(Config{NumFrames: 8, FrameSize: 3000}); err == nil {
		t.Fatal("expected error for non-power-of-two frame size")
	}
}

func TestAllocUntilExhaustion(t *testing.T) {
	p := newTestPool(t, 8, 2048)

	addrs := make([]uint64, 8)
	if n := p.Alloc(addrs); n != 8 {
		t.Fatalf("alloc: got %d frames, want 8", n)
	}
	seen := make(map[uint64]bool)
	for _, addr := range addrs {
		if addr%2048 != 0 {
			t.Errorf("address %#x not frame-aligned", addr)
		}
		if addr >= 8*2048 {
			t.Errorf("address %#x out of range", addr)
		}
		if seen[addr] {
			t.Errorf("address %#x handed out twice", addr)
		}
		seen[addr] = true
	}

	if n := p.Alloc(make([]uint64, 1)); n != 0 {
		t.Fatalf("alloc on exhausted pool: got %d, want 0", n)
	}

	p.Free(addrs)
	if got := p.FreeCount(); got != 8 {
		t.Fatalf("free count after full release: got %d, want 8", got)
	}
}

func TestAllocNeverOverAllocates(t *testing.T) {
	p := newTestPool(t, 4, 2048)
	out := make([]uint64, 16)
	if n := p.Alloc(out); n != 4 {
		t.Fatalf("alloc: got %d, want 4", n)
	}
}

func TestInvalidReleasesRejected(t *testing.T) {
	p := newTestPool(t, 4, 2048)

	addrs := make([]uint64, 1)
	if n := p.Alloc(addrs); n != 1 {
		t.Fatal("alloc failed")
	}
	p.Free(addrs)
	before := p.FreeCount()

	// Double free, misaligned address, out-of-range address. Each must be
	// dropped and counted without touching the free-list.
	p.Free(addrs)
	p.Free([]uint64{2048 + 1})
	p.Free([]uint64{4 * 2048})

	if got := p.FreeCount(); got != before {
		t.Errorf("free-list size changed: got %d, want %d", got, before)
	}
	if got := p.Defects(); got != 3 {
		t.Errorf("defects: got %d, want 3", got)
	}
}

func TestFrameAliasesPoolMemory(t *testing.T) {
	p := newTestPool(t, 4, 2048)
	addrs := make([]uint64, 1)
	if n := p.Alloc(addrs); n != 1 {
		t.Fatal("alloc failed")
	}
	frame := p.Frame(addrs[0], 64)
	frame[0] = 0xAB
	if p.Mem()[addrs[0]] != 0xAB {
		t.Fatal("write through Frame not visible in pool memory")
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	const (
		numFrames  = 1000
		goroutines = 8
		iterations = 12500 // 100,000 alloc/free cycles in total
	)
	p := newTestPool(t, numFrames, 2048)

	// Every goroutine parks once at its midpoint while still holding its
	// current batch, so the main goroutine can check, with all holders
	// quiesced, that each frame is in exactly one place: some holder's
	// batch or the free-list.
	midpoint := make(chan []uint64, goroutines)
	resume := make(chan struct{})

	var wg sync.WaitGroup
	errs := make(chan string, goroutines)
	fail := func(msg string) {
		select {
		case errs <- msg:
		default:
		}
	}
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			parked := false
			defer func() {
				if !parked {
					midpoint <- nil
				}
			}()
			batch := make([]uint64, 16)
			for i := 0; i < iterations; i++ {
				n := p.Alloc(batch)
				for _, addr := range batch[:n] {
					if addr%2048 != 0 || addr >= numFrames*2048 {
						fail("corrupt address from Alloc")
						return
					}
				}
				// The n frames held right now cannot also be free.
				if free := p.FreeCount(); free > numFrames-n {
					fail("free-list counts frames that are checked out")
					return
				}
				if i == iterations/2 {
					parked = true
					midpoint <- append([]uint64(nil), batch[:n]...)
					<-resume
				}
				p.Free(batch[:n])
			}
		}()
	}

	held := make(map[uint64]bool)
	for g := 0; g < goroutines; g++ {
		for _, addr := range <-midpoint {
			if held[addr] {
				t.Errorf("address %#x held by two goroutines", addr)
			}
			held[addr] = true
		}
	}
	if free := p.FreeCount(); free+len(held) != numFrames {
		t.Errorf("checkpoint: %d free + %d held, want %d frames accounted",
			free, len(held), numFrames)
	}
	close(resume)

	wg.Wait()
	close(errs)
	for msg := range errs {
		t.Fatal(msg)
	}

	if got := p.FreeCount(); got != numFrames {
		t.Errorf("frames leaked or duplicated: free count %d, want %d", got, numFrames)
	}
	if got := p.Defects(); got != 0 {
		t.Errorf("defects under valid concurrent use: got %d, want 0", got)
	}
}
