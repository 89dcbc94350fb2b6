//go:build linux

package forward

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/avicht/xskfwd/port"
)

// Pair orders one forwarding direction: frames received on RX leave
// through TX's transmit side.
type Pair struct {
	RX *port.Port
	TX *port.Port
}

// Assignment is one worker's exclusive share of the ports: a CPU core and
// an ordered pair list. Assignments never overlap, which is what makes
// lock-free ring access per worker sound.
type Assignment struct {
	Core  int
	Pairs []Pair
}

// Partition splits ports evenly across cores and pairs each port in a
// group with its cyclic successor as transmit target. len(ports) must be
// divisible by len(cores).
func Partition(ports []*port.Port, cores []int) ([]Assignment, error) {
	if len(ports) == 0 {
		return nil, errors.New("no ports")
	}
	if len(cores) == 0 {
		return nil, errors.New("no worker cores")
	}
	if len(ports)%len(cores) != 0 {
		return nil, fmt.Errorf("%d ports cannot be distributed evenly across %d threads",
			len(ports), len(cores))
	}
	per := len(ports) / len(cores)
	assignments := make([]Assignment, len(cores))
	for i, core := range cores {
		pairs := make([]Pair, per)
		for j := 0; j < per; j++ {
			pairs[j] = Pair{
				RX: ports[i*per+j],
				TX: ports[i*per+(j+1)%per],
			}
		}
		assignments[i] = Assignment{Core: core, Pairs: pairs}
	}
	return assignments, nil
}

// Worker runs Pump round-robin over its assigned pairs on a pinned OS
// thread until stopped.
type Worker struct {
	assignment Assignment
	stop       atomic.Bool
	done       chan struct{}

	// Stalls counts bounded-retry timeouts, Defects protocol violations.
	Stalls  atomic.Uint64
	Defects atomic.Uint64
}

func NewWorker(a Assignment) *Worker {
	return &Worker{assignment: a, done: make(chan struct{})}
}

// Start launches the worker loop on its own locked OS thread.
func (w *Worker) Start() {
	go w.run()
}

func (w *Worker) run() {
	defer close(w.done)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	if core := w.assignment.Core; core >= 0 {
		var cpus unix.CPUSet
		cpus.Zero()
		cpus.Set(core)
		// Pid 0 targets the calling thread, which LockOSThread made ours.
		if err := unix.SchedSetaffinity(0, &cpus); err != nil {
			fmt.Fprintf(os.Stderr, "worker: pinning to core %d: %v\n", core, err)
		}
	}

	pairs := w.assignment.Pairs
	n := len(pairs)
	// Modulo, not a bitmask: the pair count need not be a power of two.
	for i := 0; !w.stop.Load(); i = (i + 1) % n {
		p := pairs[i]
		if _, err := Pump(p.RX, p.TX); err != nil {
			if errors.Is(err, ErrBackpressure) {
				w.Stalls.Add(1)
				continue
			}
			w.Defects.Add(1)
			fmt.Fprintf(os.Stderr, "worker: %s:%d -> %s:%d: %v\n",
				p.RX.Iface, p.RX.Queue, p.TX.Iface, p.TX.Queue, err)
		}
	}
}

// Stop requests a cooperative stop; the worker finishes its current pump.
func (w *Worker) Stop() {
	w.stop.Store(true)
}

// Wait blocks until the worker loop has exited.
func (w *Worker) Wait() {
	<-w.done
}
