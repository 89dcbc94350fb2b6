//go:build linux

// Package ifacestat samples NIC hardware counters via ethtool. The
// forwarder moves frames below the kernel's own accounting, so the
// physical-layer counters are the only external cross-check that frames
// actually traversed the wire.
package ifacestat

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os/exec"
	"slices"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
)

// Sample holds one interface's physical-layer counters.
type Sample struct {
	RxPackets uint64
	RxBytes   uint64
	TxPackets uint64
	TxBytes   uint64
}

// Snapshot is a point-in-time sample per interface name.
type Snapshot map[string]Sample

// Take reads the counters of every interface with ethtool -S. Counters a
// driver does not expose read as zero.
func Take(ifaces []string) (Snapshot, error) {
	s := make(Snapshot, len(ifaces))
	for _, iface := range ifaces {
		sample, err := readIface(iface)
		if err != nil {
			return nil, fmt.Errorf("reading %s counters: %w", iface, err)
		}
		s[iface] = sample
	}
	return s, nil
}

// Since returns the counter deltas s - old.
func (s Snapshot) Since(old Snapshot) Snapshot {
	out := make(Snapshot, len(s))
	for iface, now := range s {
		prev := old[iface]
		out[iface] = Sample{
			RxPackets: now.RxPackets - prev.RxPackets,
			RxBytes:   now.RxBytes - prev.RxBytes,
			TxPackets: now.TxPackets - prev.TxPackets,
			TxBytes:   now.TxBytes - prev.TxBytes,
		}
	}
	return out
}

func readIface(name string) (Sample, error) {
	out, err := exec.Command("ethtool", "-S", name).Output()
	if err != nil {
		return Sample{}, err
	}
	return parseEthtool(out)
}

func parseEthtool(out []byte) (Sample, error) {
	var s Sample
	targets := map[string]*uint64{
		"rx_packets_phy": &s.RxPackets,
		"rx_bytes_phy":   &s.RxBytes,
		"tx_packets_phy": &s.TxPackets,
		"tx_bytes_phy":   &s.TxBytes,
	}

	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		fields := strings.Fields(strings.TrimSpace(sc.Text()))
		if len(fields) != 2 {
			continue
		}
		dst, ok := targets[strings.TrimSuffix(fields[0], ":")]
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return Sample{}, fmt.Errorf("parsing counter %s: %w", fields[0], err)
		}
		*dst = v
	}
	return s, sc.Err()
}

// Print writes the snapshot sorted by interface name.
func Print(w io.Writer, s Snapshot) error {
	ifaces := make([]string, 0, len(s))
	for iface := range s {
		ifaces = append(ifaces, iface)
	}
	slices.Sort(ifaces)

	for _, iface := range ifaces {
		sample := s[iface]
		if _, err := fmt.Fprintf(w, "%s:\n  RX  %-12d %s\n  TX  %-12d %s\n",
			iface,
			sample.RxPackets, humanize.Bytes(sample.RxBytes),
			sample.TxPackets, humanize.Bytes(sample.TxBytes),
		); err != nil {
			return err
		}
	}
	return nil
}
