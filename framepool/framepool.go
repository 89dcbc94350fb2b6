//go:build linux

// Package framepool owns the UMEM: one large memory-mapped, page-pinned
// region sliced into fixed-size frames, plus the free-list of frame
// addresses shared by all forwarding threads.
//
// A frame address is a byte offset into the region. At every instant a
// frame is in exactly one place: this free-list, a fill ring, an rx ring,
// checked out by a pump, a tx ring, or a completion ring. The pool only
// arbitrates the Free state; all other transitions are ring operations.
package framepool

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/dustin/go-humanize"
	"golang.org/x/sys/unix"
)

const (
	DefaultNumFrames = 64 * 1024
	DefaultFrameSize = 4096
)

type Config struct {
	// NumFrames is the total number of frames backing the pool.
	NumFrames uint32
	// FrameSize is the size of each frame in bytes. Must be a power of two
	// so frame addresses are valid UMEM chunk offsets.
	FrameSize uint32
	// HugePages maps the region with MAP_HUGETLB.
	HugePages bool
	// LockMemory raises RLIMIT_MEMLOCK to infinity before mapping. The
	// kernel pins UMEM pages, so a default memlock limit makes socket
	// binding fail later with a misleading error.
	LockMemory bool
}

func (c *Config) validateAndSetDefaults() error {
	if c.NumFrames == 0 {
		c.NumFrames = DefaultNumFrames
	}
	if c.FrameSize == 0 {
		c.FrameSize = DefaultFrameSize
	}
	if c.FrameSize&(c.FrameSize-1) != 0 {
		return fmt.Errorf("frame size %d is not a power of two", c.FrameSize)
	}
	return nil
}

// Pool is the shared frame allocator. Alloc and Free are safe for
// concurrent use; they are the only cross-thread operations in the
// forwarder's steady state, so both take bulk slices to amortize the lock.
type Pool struct {
	mem       []byte
	numFrames uint32
	frameSize uint32

	mu      sync.Mutex
	free    []uint64 // stack of free frame addresses
	onFree  []bool   // per-frame free-list membership, guards double release
	defects atomic.Uint64
}

// New maps the frame region and seeds the free-list with every frame.
func New(conf Config) (*Pool, error) {
	if err := conf.validateAndSetDefaults(); err != nil {
		return nil, err
	}

	if conf.LockMemory {
		limit := unix.Rlimit{Cur: unix.RLIM_INFINITY, Max: unix.RLIM_INFINITY}
		if err := unix.Setrlimit(unix.RLIMIT_MEMLOCK, &limit); err != nil {
			return nil, fmt.Errorf("raising RLIMIT_MEMLOCK: %w", err)
		}
	}

	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS | unix.MAP_POPULATE
	if conf.HugePages {
		flags |= unix.MAP_HUGETLB
	}
	total := int(conf.NumFrames) * int(conf.FrameSize)
	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, flags)
	if err != nil {
		return nil, fmt.Errorf("mmap %s frame region: %w",
			humanize.IBytes(uint64(total)), err)
	}

	p := &Pool{
		mem:       mem,
		numFrames: conf.NumFrames,
		frameSize: conf.FrameSize,
		free:      make([]uint64, 0, conf.NumFrames),
		onFree:    make([]bool, conf.NumFrames),
	}
	for i := uint32(0); i < conf.NumFrames; i++ {
		p.free = append(p.free, uint64(i)*uint64(conf.FrameSize))
		p.onFree[i] = true
	}
	return p, nil
}

// Alloc pops up to len(out) frame addresses from the free-list into out and
// returns how many it popped. Zero means the pool is momentarily exhausted;
// the caller backs off and retries after reclaiming completions.
func (p *Pool) Alloc(out []uint64) int {
	p.mu.Lock()
	n := len(out)
	if n > len(p.free) {
		n = len(p.free)
	}
	for i := 0; i < n; i++ {
		addr := p.free[len(p.free)-1]
		p.free = p.free[:len(p.free)-1]
		p.onFree[addr/uint64(p.frameSize)] = false
		out[i] = addr
	}
	p.mu.Unlock()
	return n
}

// Free pushes frame addresses back onto the free-list. An address that is
// already free, out of range, or misaligned indicates broken accounting
// somewhere upstream: the push is dropped, counted in Defects, and the
// free-list stays intact.
func (p *Pool) Free(addrs []uint64) {
	var bad int
	p.mu.Lock()
	for _, addr := range addrs {
		idx := addr / uint64(p.frameSize)
		if addr%uint64(p.frameSize) != 0 || idx >= uint64(p.numFrames) || p.onFree[idx] {
			bad++
			continue
		}
		p.free = append(p.free, addr)
		p.onFree[idx] = true
	}
	p.mu.Unlock()
	if bad > 0 {
		p.defects.Add(uint64(bad))
		fmt.Fprintf(os.Stderr,
			"framepool: dropped %d invalid frame release(s) (double free or corrupt address)\n", bad)
	}
}

// Frame returns the first n bytes of the frame at addr as a slice aliasing
// the pool memory. Writes through it edit the frame in place.
func (p *Pool) Frame(addr uint64, n uint32) []byte {
	return p.mem[addr : addr+uint64(n)]
}

// Mem exposes the whole mapped region for UMEM registration.
func (p *Pool) Mem() []byte { return p.mem }

// FreeCount returns the current free-list size.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	n := len(p.free)
	p.mu.Unlock()
	return n
}

func (p *Pool) NumFrames() uint32 { return p.numFrames }
func (p *Pool) FrameSize() uint32 { return p.frameSize }

// Defects returns how many invalid releases were rejected so far.
func (p *Pool) Defects() uint64 { return p.defects.Load() }

// Close unmaps the frame region. All ports must be closed first; frames
// still referenced by kernel rings are abandoned with the mapping.
func (p *Pool) Close() error {
	if p.mem == nil {
		return nil
	}
	err := unix.Munmap(p.mem)
	p.mem = nil
	return err
}
