//go:build linux

// Package xdpprog builds and manages the XDP program that redirects
// traffic on configured queues into AF_XDP sockets. The program is the
// canonical xsk redirect filter assembled directly from eBPF instructions,
// so no compiled object files need to ship with the binary.
package xdpprog

import (
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/vishvananda/netlink"
)

// Program bundles the redirect program with its two maps: Queues flags
// which queue IDs have an active socket, Sockets maps queue ID to the
// socket fd receiving that queue's traffic.
type Program struct {
	Program *ebpf.Program
	Queues  *ebpf.Map
	Sockets *ebpf.Map
}

// New builds the redirect program for queue IDs [0, maxQueues).
//
// Equivalent C:
//
//	SEC("xdp_sock") int xdp_sock_prog(struct xdp_md *ctx)
//	{
//	    int *qidconf, index = ctx->rx_queue_index;
//
//	    qidconf = bpf_map_lookup_elem(&qidconf_map, &index);
//	    if (!qidconf)
//	        return XDP_ABORTED;
//	    if (*qidconf)
//	        return bpf_redirect_map(&xsks_map, index, 0);
//	    return XDP_PASS;
//	}
func New(maxQueues int) (*Program, error) {
	queues, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "qidconf_map",
		Type:       ebpf.Array,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(maxQueues),
	})
	if err != nil {
		return nil, fmt.Errorf("creating qidconf_map (check RLIMIT_MEMLOCK): %w", err)
	}

	sockets, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:       "xsks_map",
		Type:       ebpf.XSKMap,
		KeySize:    4,
		ValueSize:  4,
		MaxEntries: uint32(maxQueues),
	})
	if err != nil {
		queues.Close()
		return nil, fmt.Errorf("creating xsks_map (check RLIMIT_MEMLOCK): %w", err)
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name: "xsk_redirect",
		Type: ebpf.XDP,
		Instructions: asm.Instructions{
			// r2 = ctx->rx_queue_index; spill it for the map lookups.
			asm.LoadMem(asm.R2, asm.R1, 16, asm.Word),
			asm.StoreMem(asm.RFP, -4, asm.R2, asm.Word),
			asm.Mov.Reg(asm.R2, asm.RFP),
			asm.Add.Imm(asm.R2, -4),
			asm.LoadMapPtr(asm.R1, queues.FD()),
			asm.FnMapLookupElem.Call(),
			asm.Mov.Reg(asm.R1, asm.R0),
			asm.Mov.Imm(asm.R0, 0), // XDP_ABORTED
			asm.JEq.Imm(asm.R1, 0, "out"),
			asm.Mov.Imm(asm.R0, 2), // XDP_PASS
			asm.LoadMem(asm.R1, asm.R1, 0, asm.Word),
			asm.JEq.Imm(asm.R1, 0, "out"),
			asm.LoadMapPtr(asm.R1, sockets.FD()),
			asm.LoadMem(asm.R2, asm.RFP, -4, asm.Word),
			asm.Mov.Imm(asm.R3, 0),
			asm.FnRedirectMap.Call(),
			asm.Return().WithSymbol("out"),
		},
		License: "LGPL-2.1 or BSD-2-Clause",
	})
	if err != nil {
		queues.Close()
		sockets.Close()
		return nil, fmt.Errorf("loading redirect program: %w", err)
	}

	return &Program{Program: prog, Queues: queues, Sockets: sockets}, nil
}

// Load reads an externally compiled XDP program and its queue/socket maps
// from an object file, for drivers that need a custom filter.
func Load(path, progName, queuesMap, socketsMap string) (*Program, error) {
	coll, err := ebpf.LoadCollection(path)
	if err != nil {
		return nil, err
	}
	p := &Program{}
	var ok bool
	if p.Program, ok = coll.Programs[progName]; !ok {
		return nil, fmt.Errorf("%s: no program named %q", path, progName)
	}
	if p.Queues, ok = coll.Maps[queuesMap]; !ok {
		return nil, fmt.Errorf("%s: no map named %q", path, queuesMap)
	}
	if p.Sockets, ok = coll.Maps[socketsMap]; !ok {
		return nil, fmt.Errorf("%s: no map named %q", path, socketsMap)
	}
	return p, nil
}

// Attach installs the program on the interface, replacing any program
// already attached there.
func (p *Program) Attach(ifindex int) error {
	if err := removeAttached(ifindex); err != nil {
		return err
	}
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	return netlink.LinkSetXdpFdWithFlags(link, p.Program.FD(), 0)
}

// Detach removes the program from the interface and waits for the kernel
// to confirm the detachment.
func (p *Program) Detach(ifindex int) error {
	return removeAttached(ifindex)
}

// Register wires queueID's traffic to the given AF_XDP socket fd.
func (p *Program) Register(queueID, fd int) error {
	if err := p.Sockets.Put(uint32(queueID), uint32(fd)); err != nil {
		return fmt.Errorf("updating xsks_map: %w", err)
	}
	if err := p.Queues.Put(uint32(queueID), uint32(1)); err != nil {
		return fmt.Errorf("updating qidconf_map: %w", err)
	}
	return nil
}

// Unregister removes queueID's socket mapping.
func (p *Program) Unregister(queueID int) error {
	if err := p.Queues.Put(uint32(queueID), uint32(0)); err != nil {
		return err
	}
	return p.Sockets.Delete(uint32(queueID))
}

// Close frees the program and map resources. Does not detach; call Detach
// per interface first.
func (p *Program) Close() error {
	var errs []error
	if p.Sockets != nil {
		if err := p.Sockets.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing xsks_map: %w", err))
		}
		p.Sockets = nil
	}
	if p.Queues != nil {
		if err := p.Queues.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing qidconf_map: %w", err))
		}
		p.Queues = nil
	}
	if p.Program != nil {
		if err := p.Program.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing program: %w", err))
		}
		p.Program = nil
	}
	return errors.Join(errs...)
}

func removeAttached(ifindex int) error {
	link, err := netlink.LinkByIndex(ifindex)
	if err != nil {
		return err
	}
	if !xdpAttached(link) {
		return nil
	}
	if err := netlink.LinkSetXdpFd(link, -1); err != nil {
		return fmt.Errorf("detaching XDP program: %w", err)
	}
	for {
		link, err = netlink.LinkByIndex(ifindex)
		if err != nil {
			return err
		}
		if !xdpAttached(link) {
			return nil
		}
		time.Sleep(time.Second)
	}
}

func xdpAttached(link netlink.Link) bool {
	return link.Attrs() != nil && link.Attrs().Xdp != nil && link.Attrs().Xdp.Attached
}
