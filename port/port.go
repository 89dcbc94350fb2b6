//go:build linux

// Package port binds one network interface and queue index to the four
// AF_XDP rings and the shared frame pool. A Port is owned by exactly one
// forwarding thread after construction; only the pool behind it is shared.
package port

import (
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/avicht/xskfwd/framepool"
	"github.com/avicht/xskfwd/xskring"
)

var (
	ErrNoInitialFrames = errors.New("no frames available for initial fill")
	ErrClosed          = errors.New("port is closed")
)

// Desc mirrors struct xdp_desc from linux/if_xdp.h: one rx/tx ring entry.
type Desc struct {
	Addr    uint64
	Len     uint32
	Options uint32
}

// Topology selects who owns the fill and completion rings.
type Topology int

const (
	// TopologyPrivate gives every port its own fill/completion rings that
	// draw addresses from the shared pool.
	TopologyPrivate Topology = iota
	// TopologyShared binds all ports to pool-wide fill/completion rings
	// created by the first port opened on the UMEM. The shared rings keep
	// the SPSC contract, so all ports of the UMEM must be pumped by a
	// single worker.
	TopologyShared
)

const (
	DefaultRingSize  = 2048
	DefaultBatchSize = 64
)

type Config struct {
	RxSize   uint32
	TxSize   uint32
	FillSize uint32
	CompSize uint32
	// Topology selects fill/completion ring ownership, see Topology.
	Topology Topology
	// Zerocopy requests XDP_ZEROCOPY binding, falling back to XDP_COPY if
	// the driver refuses.
	Zerocopy bool
}

func (c *Config) validateAndSetDefaults() error {
	if c.RxSize == 0 {
		c.RxSize = DefaultRingSize
	}
	if c.TxSize == 0 {
		c.TxSize = DefaultRingSize
	}
	if c.FillSize == 0 {
		c.FillSize = c.RxSize
	}
	if c.CompSize == 0 {
		c.CompSize = c.TxSize
	}
	for _, s := range []uint32{c.RxSize, c.TxSize, c.FillSize, c.CompSize} {
		if s&(s-1) != 0 {
			return fmt.Errorf("ring size %d is not a power of two", s)
		}
	}
	return nil
}

// Waker is the side channel for the needs-wakeup protocol: Kick notifies
// the kernel that tx descriptors are pending, PollRx blocks briefly until
// the socket becomes readable. Heap-backed test ports install a no-op.
type Waker interface {
	Kick() error
	PollRx(timeoutMS int) error
}

// Registrar maps a queue ID to an AF_XDP socket fd in the XDP redirect
// program, and removes the mapping on close.
type Registrar interface {
	Register(queueID, fd int) error
	Unregister(queueID int) error
}

// Rings bundles one port's four ring views: RX and Comp are consumer
// views, TX and Fill producer views.
type Rings struct {
	RX   *xskring.Ring[Desc]
	TX   *xskring.Ring[Desc]
	Fill *xskring.Ring[uint64]
	Comp *xskring.Ring[uint64]
}

// Port is one interface+queue binding. Identity is immutable for the
// port's lifetime; the counters are written only by the owning worker.
type Port struct {
	Iface string
	Queue uint32

	RX   *xskring.Ring[Desc]
	TX   *xskring.Ring[Desc]
	Fill *xskring.Ring[uint64]
	Comp *xskring.Ring[uint64]

	Pool  *framepool.Pool
	Waker Waker

	RxPackets atomic.Uint64
	TxPackets atomic.Uint64

	fd        int
	registrar Registrar
	regions   [][]byte // mmap'd ring regions, unmapped on Close
	closed    bool
}

// New assembles a Port from pre-built rings. This is the construction path
// for loopback and test ports; kernel-bound ports come from Open.
func New(pool *framepool.Pool, iface string, queue uint32, rings Rings, waker Waker) *Port {
	return &Port{
		Iface: iface,
		Queue: queue,
		RX:    rings.RX,
		TX:    rings.TX,
		Fill:  rings.Fill,
		Comp:  rings.Comp,
		Pool:  pool,
		Waker: waker,
		fd:    -1,
	}
}

// Prefill seeds the fill ring with up to want frames from the pool so the
// NIC has somewhere to receive into. It fails only when the pool cannot
// supply a single frame, which makes the port unable to ever receive.
func (p *Port) Prefill(want uint32) error {
	if want > p.Fill.Cap() {
		want = p.Fill.Cap()
	}
	addrs := make([]uint64, want)
	got := p.Pool.Alloc(addrs)
	if got == 0 {
		return ErrNoInitialFrames
	}
	cursor, n := p.Fill.Reserve(uint32(got))
	if n < uint32(got) {
		// Ring has less room than frames obtained; return the excess.
		p.Pool.Free(addrs[n:got])
	}
	for i := uint32(0); i < n; i++ {
		*p.Fill.Slot(cursor + i) = addrs[i]
	}
	p.Fill.Commit(n)
	return nil
}

// Close releases the interface binding and the port's ring mappings. It
// does not touch frames still owned by the NIC; those are either reclaimed
// through completion processing before this call or abandoned with the
// pool mapping on forced shutdown.
func (p *Port) Close() error {
	if p.closed {
		return ErrClosed
	}
	p.closed = true

	var errs []error
	if p.registrar != nil {
		if err := p.registrar.Unregister(int(p.Queue)); err != nil {
			errs = append(errs, fmt.Errorf("unregistering queue %d: %w", p.Queue, err))
		}
	}
	if p.fd >= 0 {
		if err := closeFD(p.fd); err != nil {
			errs = append(errs, fmt.Errorf("closing socket: %w", err))
		}
		p.fd = -1
	}
	for _, region := range p.regions {
		if err := unmap(region); err != nil {
			errs = append(errs, err)
		}
	}
	p.regions = nil
	return errors.Join(errs...)
}

// FD returns the AF_XDP socket descriptor, or -1 for heap-backed ports.
func (p *Port) FD() int { return p.fd }
