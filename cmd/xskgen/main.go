//go:build linux

// xskgen generates UDP traffic through an AF_XDP socket, for loading a
// forwarder from the far end of a link.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/avicht/xskfwd/framepool"
	"github.com/avicht/xskfwd/port"
	"github.com/avicht/xskfwd/ratelimit"
	"github.com/avicht/xskfwd/xdpprog"
)

type Config struct {
	Interface string `yaml:"interface"`
	Queue     uint32 `yaml:"queue"`
	Zerocopy  bool   `yaml:"zerocopy"`

	DestMAC string `yaml:"dest-mac"`
	SrcIP   string `yaml:"src-ip"`
	DstIP   string `yaml:"dst-ip"`
	SrcPort uint16 `yaml:"src-port"`
	DstPort uint16 `yaml:"dst-port"`

	PacketSize uint32 `yaml:"packet-size"`
	Count      uint64 `yaml:"count"`    // 0 = until interrupted
	RatePPS    uint64 `yaml:"rate-pps"` // 0 = unlimited
	BatchSize  uint32 `yaml:"batch-size"`
}

func loadConfig() (*Config, error) {
	fConfig := flag.String("config", "", "path to config YAML file")
	fIface := flag.String("i", "", "interface")
	fQueue := flag.Uint("q", 0, "queue ID")
	fZerocopy := flag.Bool("z", false, "request zerocopy binding")
	fDestMAC := flag.String("d", "", "destination MAC")
	fSrcIP := flag.String("s", "", "source IP")
	fDstIP := flag.String("D", "", "destination IP")
	fPort := flag.Uint("p", 0, "destination UDP port")
	fSize := flag.Uint("l", 0, "packet size")
	fCount := flag.Uint64("n", 0, "packet count (0 = until interrupted)")
	fRate := flag.Uint64("r", 0, "rate limit in packets per second (0 = unlimited)")
	flag.Parse()

	var conf Config
	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	if *fIface != "" {
		conf.Interface = *fIface
	}
	if *fQueue != 0 {
		conf.Queue = uint32(*fQueue)
	}
	if *fZerocopy {
		conf.Zerocopy = true
	}
	if *fDestMAC != "" {
		conf.DestMAC = *fDestMAC
	}
	if *fSrcIP != "" {
		conf.SrcIP = *fSrcIP
	}
	if *fDstIP != "" {
		conf.DstIP = *fDstIP
	}
	if *fPort != 0 {
		conf.DstPort = uint16(*fPort)
	}
	if *fSize != 0 {
		conf.PacketSize = uint32(*fSize)
	}
	if *fCount != 0 {
		conf.Count = *fCount
	}
	if *fRate != 0 {
		conf.RatePPS = *fRate
	}

	if conf.Interface == "" {
		return nil, errors.New("interface must be set (use -i)")
	}
	if conf.DestMAC == "" {
		return nil, errors.New("dest-mac must be set (use -d)")
	}
	if _, err := net.ParseMAC(conf.DestMAC); err != nil {
		return nil, fmt.Errorf("invalid dest-mac %q: %w", conf.DestMAC, err)
	}
	if net.ParseIP(conf.SrcIP) == nil {
		return nil, fmt.Errorf("invalid src-ip %q", conf.SrcIP)
	}
	if net.ParseIP(conf.DstIP) == nil {
		return nil, fmt.Errorf("invalid dst-ip %q", conf.DstIP)
	}
	if conf.SrcPort == 0 {
		conf.SrcPort = 9999
	}
	if conf.DstPort == 0 {
		conf.DstPort = 9999
	}
	if conf.PacketSize == 0 {
		conf.PacketSize = 64
	}
	if conf.PacketSize < 60 || conf.PacketSize > 1514 {
		return nil, fmt.Errorf("unsupported packet size %d", conf.PacketSize)
	}
	if conf.BatchSize == 0 {
		conf.BatchSize = port.DefaultBatchSize
	}
	return &conf, nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

// buildTemplate serializes the Ethernet/IPv4/UDP frame every sent packet
// is stamped from. The payload is zero-padded to size; the first four
// payload bytes are overwritten with a sequence number at send time.
func buildTemplate(conf *Config, srcMAC net.HardwareAddr) ([]byte, error) {
	dstMAC, err := net.ParseMAC(conf.DestMAC)
	if err != nil {
		return nil, err
	}

	eth := &layers.Ethernet{
		SrcMAC:       srcMAC,
		DstMAC:       dstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.ParseIP(conf.SrcIP).To4(),
		DstIP:    net.ParseIP(conf.DstIP).To4(),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(conf.SrcPort),
		DstPort: layers.UDPPort(conf.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	const headerLen = 14 + 20 + 8
	payload := make([]byte, conf.PacketSize-headerLen)

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts,
		eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}

	netIf, err := net.InterfaceByName(conf.Interface)
	fatalIf(err, "looking up interface %q", conf.Interface)

	template, err := buildTemplate(conf, netIf.HardwareAddr)
	fatalIf(err, "building packet template")

	pool, err := framepool.New(framepool.Config{
		NumFrames:  4096,
		LockMemory: true,
	})
	fatalIf(err, "creating frame pool")
	defer pool.Close()

	prog, err := xdpprog.New(int(conf.Queue) + 1)
	fatalIf(err, "building redirect program")
	defer prog.Close()
	fatalIf(prog.Attach(netIf.Index), "attaching to %s", conf.Interface)
	defer func() {
		if err := prog.Detach(netIf.Index); err != nil {
			fmt.Fprintf(os.Stderr, "detaching from %s: %v\n", conf.Interface, err)
		}
	}()

	umem := port.NewUMEM(pool)
	pt, err := port.Open(umem, conf.Interface, conf.Queue, prog, port.Config{
		Zerocopy: conf.Zerocopy,
	})
	fatalIf(err, "opening %s:%d", conf.Interface, conf.Queue)
	defer pt.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)

	pacer := ratelimit.New(conf.RatePPS)
	pr := message.NewPrinter(language.English)
	pr.Printf("sending %d-byte packets on %s:%d\n",
		conf.PacketSize, conf.Interface, conf.Queue)

	start := time.Now()
	var sent uint64
	var seq uint32
	addrs := make([]uint64, conf.BatchSize)

send:
	for conf.Count == 0 || sent < conf.Count {
		select {
		case <-sig:
			break send
		default:
		}

		want := uint64(conf.BatchSize)
		if conf.Count != 0 {
			want = min(want, conf.Count-sent)
		}

		n := pool.Alloc(addrs[:want])
		if n == 0 {
			// All frames in flight; wait for completions.
			if pt.TX.NeedsWakeup() {
				_ = pt.Waker.Kick()
			}
			reclaim(pt)
			continue
		}
		for _, addr := range addrs[:n] {
			frame := pt.Pool.Frame(addr, uint32(len(template)))
			copy(frame, template)
			// Sequence number in the first four payload bytes.
			seq++
			frame[42] = byte(seq >> 24)
			frame[43] = byte(seq >> 16)
			frame[44] = byte(seq >> 8)
			frame[45] = byte(seq)
		}

		cursor, got := pt.TX.Reserve(uint32(n))
		if got < uint32(n) {
			pool.Free(addrs[got:n])
		}
		for i := uint32(0); i < got; i++ {
			*pt.TX.Slot(cursor + i) = port.Desc{
				Addr: addrs[i],
				Len:  uint32(len(template)),
			}
		}
		if got > 0 {
			pt.TX.Commit(got)
			pt.TxPackets.Add(uint64(got))
			sent += uint64(got)
		}
		if pt.TX.NeedsWakeup() {
			_ = pt.Waker.Kick()
		}
		reclaim(pt)
		pacer.Wait(uint64(got))
	}

	// Drain outstanding completions so the NIC finishes what it owns.
	deadline := time.Now().Add(time.Second)
	for uint32(pool.FreeCount()) < pool.NumFrames()-pt.Fill.Cap() && time.Now().Before(deadline) {
		if pt.TX.NeedsWakeup() {
			_ = pt.Waker.Kick()
		}
		reclaim(pt)
	}

	elapsed := time.Since(start)
	pr.Printf("sent %d packets in %v (%.0f pps)\n",
		sent, elapsed.Round(time.Millisecond), float64(sent)/elapsed.Seconds())
}

// reclaim returns completed transmit frames to the pool.
func reclaim(pt *port.Port) {
	cursor, n := pt.Comp.Peek(port.DefaultBatchSize)
	if n == 0 {
		return
	}
	addrs := make([]uint64, n)
	for i := uint32(0); i < n; i++ {
		addrs[i] = *pt.Comp.Slot(cursor + i)
	}
	pt.Comp.Release(n)
	pt.Pool.Free(addrs)
}
