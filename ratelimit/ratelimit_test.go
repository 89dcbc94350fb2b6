package ratelimit

import (
	"testing"
	"time"
)

func TestNilPacerNeverBlocks(t *testing.T) {
	p := New(0)
	if p != nil {
		t.Fatal("zero rate must return a nil pacer")
	}
	start := time.Now()
	p.Wait(1_000_000)
	if time.Since(start) > 100*time.Millisecond {
		t.Error("nil pacer blocked")
	}
	if p.Sent() != 0 {
		t.Error("nil pacer accounted packets")
	}
}

func TestPacerHoldsRate(t *testing.T) {
	const pps = 100_000
	p := New(pps)

	start := time.Now()
	for p.Sent() < pps/10 {
		p.Wait(64)
	}
	elapsed := time.Since(start)

	// A tenth of a second of packets must not complete much faster than
	// a tenth of a second. No upper bound; CI machines stall arbitrarily.
	if elapsed < 50*time.Millisecond {
		t.Errorf("sent %d packets in %v, faster than the configured rate", p.Sent(), elapsed)
	}
}
