//go:build linux

package port

import (
	"errors"
	"testing"

	"github.com/avicht/xskfwd/framepool"
	"github.com/avicht/xskfwd/xskring"
)

func TestConfigDefaults(t *testing.T) {
	var conf Config
	if err := conf.validateAndSetDefaults(); err != nil {
		t.Fatalf("defaults rejected: %v", err)
	}
	if conf.RxSize != DefaultRingSize || conf.TxSize != DefaultRingSize {
		t.Errorf("rx/tx defaults: got %d/%d", conf.RxSize, conf.TxSize)
	}
	if conf.FillSize != conf.RxSize || conf.CompSize != conf.TxSize {
		t.Errorf("fill/comp defaults: got %d/%d", conf.FillSize, conf.CompSize)
	}

	bad := Config{RxSize: 100}
	if err := bad.validateAndSetDefaults(); err == nil {
		t.Error("expected error for non-power-of-two ring size")
	}
}

func newFillPort(t *testing.T, pool *framepool.Pool, ringSize uint32) (*Port, *xskring.Ring[uint64]) {
	t.Helper()
	fillProd, fillCons, err := xskring.NewPair[uint64](ringSize)
	if err != nil {
		t.Fatalf("fill ring: %v", err)
	}
	return New(pool, "test0", 0, Rings{Fill: fillProd}, nil), fillCons
}

func TestPrefillSeedsFillRing(t *testing.T) {
	pool, err := framepool.New(framepool.Config{NumFrames: 4, FrameSize: 2048})
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer pool.Close()

	p, fillCons := newFillPort(t, pool, 8)
	if err := p.Prefill(8); err != nil {
		t.Fatalf("prefill: %v", err)
	}

	// The pool has fewer frames than requested; every one ends up in the
	// fill ring.
	cursor, got := fillCons.Peek(8)
	if got != 4 {
		t.Fatalf("fill ring entries: got %d, want 4", got)
	}
	for i := uint32(0); i < got; i++ {
		addr := *fillCons.Slot(cursor + i)
		if addr%2048 != 0 || addr >= 4*2048 {
			t.Errorf("invalid fill address %#x", addr)
		}
	}
	if got := pool.FreeCount(); got != 0 {
		t.Errorf("free count: got %d, want 0", got)
	}
}

func TestPrefillExhaustedPool(t *testing.T) {
	pool, err := framepool.New(framepool.Config{NumFrames: 2, FrameSize: 2048})
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer pool.Close()

	if n := pool.Alloc(make([]uint64, 2)); n != 2 {
		t.Fatal("draining pool failed")
	}
	p, _ := newFillPort(t, pool, 8)
	if err := p.Prefill(8); !errors.Is(err, ErrNoInitialFrames) {
		t.Fatalf("expected ErrNoInitialFrames, got %v", err)
	}
}

func TestPrefillReturnsExcessToPool(t *testing.T) {
	pool, err := framepool.New(framepool.Config{NumFrames: 8, FrameSize: 2048})
	if err != nil {
		t.Fatalf("creating pool: %v", err)
	}
	defer pool.Close()

	p, _ := newFillPort(t, pool, 4)
	if err := p.Prefill(8); err != nil {
		t.Fatalf("first prefill: %v", err)
	}
	if got := pool.FreeCount(); got != 4 {
		t.Fatalf("free count after prefill: got %d, want 4", got)
	}

	// The ring is already full; the frames obtained for the second
	// prefill must all flow back.
	if err := p.Prefill(8); err != nil {
		t.Fatalf("second prefill: %v", err)
	}
	if got := pool.FreeCount(); got != 4 {
		t.Errorf("free count after full-ring prefill: got %d, want 4", got)
	}
	if got := pool.Defects(); got != 0 {
		t.Errorf("pool defects: got %d, want 0", got)
	}
}

func TestCloseIdempotent(t *testing.T) {
	p := New(nil, "test0", 0, Rings{}, nil)
	if err := p.Close(); err != nil {
		t.Fatalf("first close: %v", err)
	}
	if err := p.Close(); !errors.Is(err, ErrClosed) {
		t.Fatalf("second close: got %v, want ErrClosed", err)
	}
}
