// Package xskring implements the single-producer/single-consumer descriptor
// rings shared between userspace and the kernel by AF_XDP sockets.
//
// One generic type covers all four ring roles:
//
//   - fill ring: host produces UMEM addresses for the NIC to receive into
//   - completion ring: host consumes addresses of transmitted frames
//   - rx ring: host consumes (addr, len) descriptors of received frames
//   - tx ring: host produces (addr, len) descriptors to send
//
// The producer side uses Reserve/Slot/Commit, the consumer side
// Peek/Slot/Release. Both sides keep cached cursor copies and touch the
// shared cursors with atomics only when the cached view runs out.
package xskring

import (
	"errors"
	"sync/atomic"
	"unsafe"
)

var ErrBadSize = errors.New("ring size must be a non-zero power of two")

// NeedWakeup mirrors XDP_RING_NEED_WAKEUP from linux/if_xdp.h. The kernel
// sets this bit in the ring flags word when it stopped processing the ring
// and requires an explicit wakeup syscall from the producer.
const NeedWakeup = 1 << 0

// Offsets locates the cursor words and the descriptor array within a ring's
// mmap region, as reported by getsockopt(XDP_MMAP_OFFSETS).
type Offsets struct {
	Producer uint64
	Consumer uint64
	Desc     uint64
	Flags    uint64
}

// Ring is one side's view of an SPSC ring of T descriptors. A Ring value is
// either a producer view or a consumer view; calling the other side's
// methods on it corrupts the cursor cache.
//
// Not safe for concurrent use by more than one goroutine per view.
type Ring[T any] struct {
	cachedProd uint32
	cachedCons uint32
	mask       uint32
	size       uint32
	prod       *uint32
	cons       *uint32
	flags      *uint32
	slots      []T
}

// MapProducer builds the producer-side view of a kernel ring from its mmap
// region and offsets.
func MapProducer[T any](region []byte, off Offsets, size uint32) (*Ring[T], error) {
	r, err := mapRing[T](region, off, size)
	if err != nil {
		return nil, err
	}
	// Producer view caches the consumer cursor plus capacity, so free
	// capacity is cachedCons - cachedProd.
	r.cachedCons = atomic.LoadUint32(r.cons) + size
	r.cachedProd = atomic.LoadUint32(r.prod)
	return r, nil
}

// MapConsumer builds the consumer-side view of a kernel ring.
func MapConsumer[T any](region []byte, off Offsets, size uint32) (*Ring[T], error) {
	r, err := mapRing[T](region, off, size)
	if err != nil {
		return nil, err
	}
	r.cachedProd = atomic.LoadUint32(r.prod)
	r.cachedCons = atomic.LoadUint32(r.cons)
	return r, nil
}

func mapRing[T any](region []byte, off Offsets, size uint32) (*Ring[T], error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, ErrBadSize
	}
	if len(region) == 0 {
		return nil, errors.New("empty ring region")
	}
	base := unsafe.Pointer(&region[0])
	return &Ring[T]{
		mask:  size - 1,
		size:  size,
		prod:  (*uint32)(unsafe.Add(base, off.Producer)),
		cons:  (*uint32)(unsafe.Add(base, off.Consumer)),
		flags: (*uint32)(unsafe.Add(base, off.Flags)),
		slots: unsafe.Slice((*T)(unsafe.Add(base, off.Desc)), size),
	}, nil
}

// NewPair builds a heap-backed ring and returns its producer and consumer
// views. The views share slots, cursors and the wakeup flag word, so one
// side can stand in for the kernel in tests and loopback ports.
func NewPair[T any](size uint32) (prod, cons *Ring[T], err error) {
	if size == 0 || size&(size-1) != 0 {
		return nil, nil, ErrBadSize
	}
	shared := struct {
		prod, cons, flags uint32
	}{}
	slots := make([]T, size)
	p := &Ring[T]{
		mask:       size - 1,
		size:       size,
		cachedCons: size,
		prod:       &shared.prod,
		cons:       &shared.cons,
		flags:      &shared.flags,
		slots:      slots,
	}
	c := &Ring[T]{
		mask:  size - 1,
		size:  size,
		prod:  &shared.prod,
		cons:  &shared.cons,
		flags: &shared.flags,
		slots: slots,
	}
	return p, c, nil
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() uint32 { return r.size }

// Slot returns the descriptor slot for a cursor value handed out by Reserve
// or Peek. Valid for cursor+i with i < the returned count.
func (r *Ring[T]) Slot(cursor uint32) *T {
	return &r.slots[cursor&r.mask]
}

// Reserve claims up to want slots for the producer and returns the starting
// cursor and the number actually claimed, which may be zero when the ring
// is full. The caller writes descriptors via Slot and publishes them with
// Commit.
func (r *Ring[T]) Reserve(want uint32) (cursor, got uint32) {
	free := r.cachedCons - r.cachedProd
	if free < want {
		r.cachedCons = atomic.LoadUint32(r.cons) + r.size
		free = r.cachedCons - r.cachedProd
	}
	if free < want {
		want = free
	}
	cursor = r.cachedProd
	r.cachedProd += want
	return cursor, want
}

// Commit publishes n previously reserved descriptors to the consumer.
func (r *Ring[T]) Commit(n uint32) {
	atomic.StoreUint32(r.prod, atomic.LoadUint32(r.prod)+n)
}

// Peek returns up to want committed descriptors to the consumer: the
// starting cursor and the count actually available. The consumer reads via
// Slot and must hand the slots back with Release.
func (r *Ring[T]) Peek(want uint32) (cursor, got uint32) {
	avail := r.cachedProd - r.cachedCons
	if avail < want {
		r.cachedProd = atomic.LoadUint32(r.prod)
		avail = r.cachedProd - r.cachedCons
	}
	if avail < want {
		want = avail
	}
	cursor = r.cachedCons
	r.cachedCons += want
	return cursor, want
}

// Release returns n consumed slots to the producer's capacity.
func (r *Ring[T]) Release(n uint32) {
	atomic.StoreUint32(r.cons, atomic.LoadUint32(r.cons)+n)
}

// NeedsWakeup reports whether the remote side of the ring stopped polling
// and requires an explicit wake syscall before it will observe new entries.
func (r *Ring[T]) NeedsWakeup() bool {
	return atomic.LoadUint32(r.flags)&NeedWakeup != 0
}

// SetWakeupFlag sets or clears the need-wakeup bit. On kernel rings the
// flag word is owned by the kernel; this is for heap-backed rings where a
// test or loopback port plays the kernel role.
func (r *Ring[T]) SetWakeupFlag(on bool) {
	if on {
		atomic.StoreUint32(r.flags, atomic.LoadUint32(r.flags)|NeedWakeup)
	} else {
		atomic.StoreUint32(r.flags, atomic.LoadUint32(r.flags)&^uint32(NeedWakeup))
	}
}
