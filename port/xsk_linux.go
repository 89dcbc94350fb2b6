//go:build linux

package port

import (
	"errors"
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/avicht/xskfwd/framepool"
	"github.com/avicht/xskfwd/xskring"
)

// xdp_ring_offset and xdp_mmap_offsets are defined in linux/if_xdp.h.
type xdpRingOffset struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

type xdpMmapOffsets struct {
	Rx xdpRingOffset
	Tx xdpRingOffset
	Fr xdpRingOffset
	Cr xdpRingOffset
}

// xdp_umem_reg from linux/if_xdp.h.
type xdpUmemReg struct {
	Addr      uint64
	Len       uint64
	ChunkSize uint32
	Headroom  uint32
}

func setsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	_, _, e := unix.Syscall6(unix.SYS_SETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), vallen, 0)
	if e != 0 {
		return e
	}
	return nil
}

func getsockopt(fd, level, name int, val unsafe.Pointer, vallen uintptr) error {
	l := uint32(vallen) // socklen_t
	_, _, e := unix.Syscall6(unix.SYS_GETSOCKOPT,
		uintptr(fd), uintptr(level), uintptr(name),
		uintptr(val), uintptr(unsafe.Pointer(&l)), 0)
	if e != 0 {
		return e
	}
	return nil
}

func closeFD(fd int) error { return unix.Close(fd) }
func unmap(b []byte) error { return unix.Munmap(b) }

// UMEM ties the frame pool to its kernel registration. The first socket
// opened registers the pool memory and becomes the anchor; later sockets
// bind with XDP_SHARED_UMEM against the anchor's descriptor. Under
// TopologyShared the anchor's fill/completion rings are reused by every
// port.
type UMEM struct {
	Pool *framepool.Pool

	fd         int
	sharedFill *xskring.Ring[uint64]
	sharedComp *xskring.Ring[uint64]
}

func NewUMEM(pool *framepool.Pool) *UMEM {
	return &UMEM{Pool: pool, fd: -1}
}

// sockWaker implements Waker over the AF_XDP socket descriptor.
type sockWaker struct {
	fd int
}

// Kick issues the zero-length sendto doorbell that tells the kernel to
// process the tx ring. EAGAIN and EBUSY are backpressure, not failures.
func (w sockWaker) Kick() error {
	err := unix.Sendto(w.fd, nil, unix.MSG_DONTWAIT, nil)
	switch err {
	case nil, unix.EAGAIN, unix.EBUSY, unix.EINTR:
		return nil
	}
	return err
}

// PollRx waits until the socket is readable or the timeout expires. EINTR
// is retried so signal delivery never surfaces as a pump error.
func (w sockWaker) PollRx(timeoutMS int) error {
	for {
		_, err := unix.Poll([]unix.PollFd{{
			Fd:     int32(w.fd),
			Events: unix.POLLIN,
		}}, timeoutMS)
		if err == unix.EINTR {
			continue
		}
		return err
	}
}

// Open binds iface:queue to an AF_XDP socket backed by the shared UMEM,
// maps its rings, pre-fills the fill ring and registers the socket in the
// XDP redirect program.
func Open(umem *UMEM, iface string, queue uint32, reg Registrar, conf Config) (*Port, error) {
	if err := conf.validateAndSetDefaults(); err != nil {
		return nil, err
	}

	netIf, err := net.InterfaceByName(iface)
	if err != nil {
		return nil, fmt.Errorf("looking up interface %q: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_XDP, unix.SOCK_RAW, 0)
	if err != nil {
		return nil, fmt.Errorf("opening AF_XDP socket: %w", err)
	}

	p := &Port{
		Iface: iface,
		Queue: queue,
		Pool:  umem.Pool,
		Waker: sockWaker{fd: fd},
		fd:    fd,
	}
	fail := func(err error) (*Port, error) {
		_ = p.Close()
		return nil, err
	}

	anchor := umem.fd < 0
	if anchor {
		mem := umem.Pool.Mem()
		regReq := xdpUmemReg{
			Addr:      uint64(uintptr(unsafe.Pointer(&mem[0]))),
			Len:       uint64(len(mem)),
			ChunkSize: umem.Pool.FrameSize(),
		}
		if err := setsockopt(fd, unix.SOL_XDP, unix.XDP_UMEM_REG,
			unsafe.Pointer(&regReq), unsafe.Sizeof(regReq)); err != nil {
			return fail(fmt.Errorf("registering UMEM: %w", err))
		}
		umem.fd = fd
	}

	// Under the shared topology only the anchor socket carries fill and
	// completion rings; everyone else reuses its views.
	ownsFillComp := conf.Topology == TopologyPrivate || anchor

	if ownsFillComp {
		if err := unix.SetsockoptInt(fd, unix.SOL_XDP, unix.XDP_UMEM_FILL_RING,
			int(conf.FillSize)); err != nil {
			return fail(fmt.Errorf("sizing fill ring: %w", err))
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_XDP, unix.XDP_UMEM_COMPLETION_RING,
			int(conf.CompSize)); err != nil {
			return fail(fmt.Errorf("sizing completion ring: %w", err))
		}
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_XDP, unix.XDP_RX_RING,
		int(conf.RxSize)); err != nil {
		return fail(fmt.Errorf("sizing rx ring: %w", err))
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_XDP, unix.XDP_TX_RING,
		int(conf.TxSize)); err != nil {
		return fail(fmt.Errorf("sizing tx ring: %w", err))
	}

	var offs xdpMmapOffsets
	if err := getsockopt(fd, unix.SOL_XDP, unix.XDP_MMAP_OFFSETS,
		unsafe.Pointer(&offs), unsafe.Sizeof(offs)); err != nil {
		return fail(fmt.Errorf("querying ring offsets: %w", err))
	}

	descSize := uint64(unsafe.Sizeof(Desc{}))
	addrSize := uint64(unsafe.Sizeof(uint64(0)))

	rxRegion, err := mapRingRegion(fd, offs.Rx.Desc+uint64(conf.RxSize)*descSize,
		unix.XDP_PGOFF_RX_RING)
	if err != nil {
		return fail(fmt.Errorf("mmap rx ring: %w", err))
	}
	p.regions = append(p.regions, rxRegion)
	if p.RX, err = xskring.MapConsumer[Desc](rxRegion, ringOffsets(offs.Rx), conf.RxSize); err != nil {
		return fail(err)
	}

	txRegion, err := mapRingRegion(fd, offs.Tx.Desc+uint64(conf.TxSize)*descSize,
		unix.XDP_PGOFF_TX_RING)
	if err != nil {
		return fail(fmt.Errorf("mmap tx ring: %w", err))
	}
	p.regions = append(p.regions, txRegion)
	if p.TX, err = xskring.MapProducer[Desc](txRegion, ringOffsets(offs.Tx), conf.TxSize); err != nil {
		return fail(err)
	}

	if ownsFillComp {
		fqRegion, err := mapRingRegion(fd, offs.Fr.Desc+uint64(conf.FillSize)*addrSize,
			unix.XDP_UMEM_PGOFF_FILL_RING)
		if err != nil {
			return fail(fmt.Errorf("mmap fill ring: %w", err))
		}
		p.regions = append(p.regions, fqRegion)
		if p.Fill, err = xskring.MapProducer[uint64](fqRegion, ringOffsets(offs.Fr), conf.FillSize); err != nil {
			return fail(err)
		}

		cqRegion, err := mapRingRegion(fd, offs.Cr.Desc+uint64(conf.CompSize)*addrSize,
			unix.XDP_UMEM_PGOFF_COMPLETION_RING)
		if err != nil {
			return fail(fmt.Errorf("mmap completion ring: %w", err))
		}
		p.regions = append(p.regions, cqRegion)
		if p.Comp, err = xskring.MapConsumer[uint64](cqRegion, ringOffsets(offs.Cr), conf.CompSize); err != nil {
			return fail(err)
		}

		if conf.Topology == TopologyShared && anchor {
			umem.sharedFill = p.Fill
			umem.sharedComp = p.Comp
		}
	} else {
		if umem.sharedFill == nil || umem.sharedComp == nil {
			return fail(errors.New("shared topology: anchor rings not initialized"))
		}
		p.Fill = umem.sharedFill
		p.Comp = umem.sharedComp
	}

	sa := &unix.SockaddrXDP{
		Ifindex: uint32(netIf.Index),
		QueueID: queue,
	}
	if anchor {
		sa.Flags = unix.XDP_USE_NEED_WAKEUP
		if conf.Zerocopy {
			sa.Flags |= unix.XDP_ZEROCOPY
		} else {
			sa.Flags |= unix.XDP_COPY
		}
	} else {
		// Kernel rejects mode bits combined with XDP_SHARED_UMEM.
		sa.Flags = unix.XDP_SHARED_UMEM
		sa.SharedUmemFD = uint32(umem.fd)
	}

	err = unix.Bind(fd, sa)
	if err != nil && anchor && conf.Zerocopy {
		// Queue may not support zerocopy; fall back to copy mode.
		if errors.Is(err, unix.EPROTONOSUPPORT) || errors.Is(err, unix.EOPNOTSUPP) {
			sa.Flags = unix.XDP_COPY | unix.XDP_USE_NEED_WAKEUP
			err = unix.Bind(fd, sa)
		}
	}
	if err != nil {
		return fail(fmt.Errorf("binding %s:%d: %w", iface, queue, err))
	}

	if reg != nil {
		if err := reg.Register(int(queue), fd); err != nil {
			return fail(fmt.Errorf("registering socket for queue %d: %w", queue, err))
		}
		p.registrar = reg
	}

	if ownsFillComp {
		if err := p.Prefill(conf.FillSize); err != nil {
			return fail(fmt.Errorf("initial fill of %s:%d: %w", iface, queue, err))
		}
	}

	return p, nil
}

func ringOffsets(off xdpRingOffset) xskring.Offsets {
	return xskring.Offsets{
		Producer: off.Producer,
		Consumer: off.Consumer,
		Desc:     off.Desc,
		Flags:    off.Flags,
	}
}

func mapRingRegion(fd int, length uint64, offset int64) ([]byte, error) {
	return unix.Mmap(fd, offset, int(length),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
}
