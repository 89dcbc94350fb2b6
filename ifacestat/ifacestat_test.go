//go:build linux

package ifacestat

import "testing"

const sampleOutput = `NIC statistics:
     rx_packets: 123
     rx_packets_phy: 1000
     rx_bytes_phy: 64000
     tx_packets_phy: 900
     tx_bytes_phy: 57600
     tx_discards: 0
`

func TestParseEthtool(t *testing.T) {
	s, err := parseEthtool([]byte(sampleOutput))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := Sample{RxPackets: 1000, RxBytes: 64000, TxPackets: 900, TxBytes: 57600}
	if s != want {
		t.Errorf("got %+v, want %+v", s, want)
	}
}

func TestParseEthtoolMissingCounters(t *testing.T) {
	s, err := parseEthtool([]byte("NIC statistics:\n     rx_packets: 5\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if s != (Sample{}) {
		t.Errorf("unexposed counters must read as zero, got %+v", s)
	}
}

func TestSince(t *testing.T) {
	old := Snapshot{"eth0": {RxPackets: 100, TxPackets: 50}}
	now := Snapshot{"eth0": {RxPackets: 150, RxBytes: 3200, TxPackets: 75}}
	diff := now.Since(old)
	want := Sample{RxPackets: 50, RxBytes: 3200, TxPackets: 25}
	if diff["eth0"] != want {
		t.Errorf("got %+v, want %+v", diff["eth0"], want)
	}
}
