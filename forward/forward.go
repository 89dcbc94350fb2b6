//go:build linux

// Package forward moves frames between ports. The unit of work is Pump:
// one bounded, non-blocking attempt to carry a single frame from a receive
// port to a transmit port, editing it in place and keeping the frame
// accounting balanced against the shared pool.
package forward

import (
	"errors"
	"fmt"

	"github.com/avicht/xskfwd/port"
)

var (
	// ErrBackpressure means the retry budget ran out waiting for a tx slot,
	// a fill slot or a free frame. Transient; the worker counts it and
	// moves on.
	ErrBackpressure = errors.New("backpressure: retry budget exhausted")
	// ErrProtocol means a ring reported a different count than requested,
	// which can only happen when frame accounting is broken.
	ErrProtocol = errors.New("ring protocol violation")
)

const (
	// reclaimBatch bounds how many completions one pump iteration drains.
	reclaimBatch = 64
	// maxBackoffSpins bounds every poll-and-wake retry loop so a dead
	// peer ring cannot livelock the worker.
	maxBackoffSpins = 1024
	// pollTimeoutMS keeps the backpressure waits non-blocking; the pump
	// yields to the kernel without sleeping.
	pollTimeoutMS = 0
)

// reclaim drains up to reclaimBatch completed transmit frames from tx's
// completion ring back into the pool and returns how many it recovered.
func reclaim(tx *port.Port) int {
	cursor, n := tx.Comp.Peek(reclaimBatch)
	if n == 0 {
		return 0
	}
	var addrs [reclaimBatch]uint64
	for i := uint32(0); i < n; i++ {
		addrs[i] = *tx.Comp.Slot(cursor + i)
	}
	tx.Comp.Release(n)
	tx.Pool.Free(addrs[:n])
	return int(n)
}

// swapMACs exchanges the destination and source hardware addresses in the
// first 12 bytes of an Ethernet frame. The forwarder's only edit.
func swapMACs(frame []byte) {
	if len(frame) < 12 {
		return
	}
	var tmp [6]byte
	copy(tmp[:], frame[0:6])
	copy(frame[0:6], frame[6:12])
	copy(frame[6:12], tmp[:])
}

// Pump executes one forwarding step from rx to tx:
//
//  1. reclaim tx completions into the pool
//  2. take one descriptor from rx's receive ring (none -> no work done)
//  3. swap the MAC fields of the frame in place
//  4. submit the same frame to tx's transmit ring, waking tx if needed
//  5. replenish rx's fill ring with one fresh pool frame
//
// It returns whether a frame was forwarded. A false return with nil error
// is an idle pass, not a failure. All waits inside are bounded; sustained
// pressure surfaces as ErrBackpressure.
func Pump(rx, tx *port.Port) (bool, error) {
	reclaim(tx)

	cursor, n := rx.RX.Peek(1)
	if n == 0 {
		if rx.Fill.NeedsWakeup() {
			_ = rx.Waker.PollRx(pollTimeoutMS)
		}
		return false, nil
	}
	if n > 1 {
		return false, fmt.Errorf("%w: rx peek(1) returned %d", ErrProtocol, n)
	}
	d := *rx.RX.Slot(cursor)
	rx.RX.Release(1)

	swapMACs(rx.Pool.Frame(d.Addr, d.Len))

	spins := 0
	var txCursor uint32
	for {
		c, got := tx.TX.Reserve(1)
		if got == 1 {
			txCursor = c
			break
		}
		if tx.TX.NeedsWakeup() {
			_ = tx.Waker.Kick()
		}
		if spins++; spins >= maxBackoffSpins {
			// The frame cannot leave; hand it back to the pool so the
			// conservation law holds.
			addr := [1]uint64{d.Addr}
			rx.Pool.Free(addr[:])
			return false, ErrBackpressure
		}
	}
	*tx.TX.Slot(txCursor) = port.Desc{Addr: d.Addr, Len: d.Len}
	tx.TX.Commit(1)
	if tx.TX.NeedsWakeup() {
		_ = tx.Waker.Kick()
	}

	rx.RxPackets.Add(1)
	tx.TxPackets.Add(1)

	// Replenish: one fresh frame for the slot the NIC just used up.
	// Exhaustion is resolved by reclaiming tx completions again.
	var fresh [1]uint64
	spins = 0
	for rx.Pool.Alloc(fresh[:]) == 0 {
		if reclaim(tx) == 0 && rx.Fill.NeedsWakeup() {
			_ = rx.Waker.PollRx(pollTimeoutMS)
		}
		if spins++; spins >= maxBackoffSpins {
			return true, ErrBackpressure
		}
	}
	for {
		c, got := rx.Fill.Reserve(1)
		if got == 1 {
			*rx.Fill.Slot(c) = fresh[0]
			rx.Fill.Commit(1)
			break
		}
		if rx.Fill.NeedsWakeup() {
			_ = rx.Waker.PollRx(pollTimeoutMS)
		}
		if spins++; spins >= maxBackoffSpins {
			rx.Pool.Free(fresh[:])
			return true, ErrBackpressure
		}
	}

	return true, nil
}
