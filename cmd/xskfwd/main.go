//go:build linux

// xskfwd forwards raw Ethernet frames between AF_XDP sockets. Every
// received frame has its MAC addresses swapped and is retransmitted
// through the next port of the receiving worker's group, all without
// copying frame payloads.
package main

import (
	"errors"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gopkg.in/yaml.v3"

	"github.com/avicht/xskfwd/forward"
	"github.com/avicht/xskfwd/framepool"
	"github.com/avicht/xskfwd/ifacestat"
	"github.com/avicht/xskfwd/port"
	"github.com/avicht/xskfwd/xdpprog"
)

type PortConfig struct {
	Interface string `yaml:"interface"`
	Queue     uint32 `yaml:"queue"`
}

type Config struct {
	Ports []PortConfig `yaml:"ports"`
	Cores []int        `yaml:"cores"`

	Frames      uint32 `yaml:"frames"`
	FrameSize   uint32 `yaml:"frame-size"`
	RingSize    uint32 `yaml:"ring-size"`
	SharedRings bool   `yaml:"shared-rings"`
	Zerocopy    bool   `yaml:"zerocopy"`
	HugePages   bool   `yaml:"huge-pages"`

	// StatsIntervalSec is the counter table period in seconds.
	StatsIntervalSec uint `yaml:"stats-interval"`
}

func loadConfig() (*Config, error) {
	var conf Config
	var cliPorts []PortConfig
	var cliCores []int

	fConfig := flag.String("config", "", "path to config YAML file")
	fZerocopy := flag.Bool("z", false, "request zerocopy binding")
	fShared := flag.Bool("shared", false, "share fill/completion rings across ports")
	fHuge := flag.Bool("huge", false, "back the frame pool with huge pages")
	fFrames := flag.Uint("n", 0, "frame pool size override")

	// -q modifies the most recently added port, so ports are written as
	// -i eth0 -q 1 -i eth1 pairs with the queue defaulting to 0.
	flag.Func("i", "interface to forward on (repeatable)", func(s string) error {
		cliPorts = append(cliPorts, PortConfig{Interface: s})
		return nil
	})
	flag.Func("q", "queue ID for the most recent -i", func(s string) error {
		return setLastQueue(cliPorts, s)
	})
	flag.Func("c", "CPU core to run a worker on (repeatable)", func(s string) error {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid core %q", s)
		}
		cliCores = append(cliCores, v)
		return nil
	})
	flag.Parse()

	if *fConfig != "" {
		b, err := os.ReadFile(*fConfig)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(b, &conf); err != nil {
			return nil, fmt.Errorf("parsing YAML: %w", err)
		}
	}

	// CLI overrides replace, not extend, the file's lists.
	if len(cliPorts) > 0 {
		conf.Ports = cliPorts
	}
	if len(cliCores) > 0 {
		conf.Cores = cliCores
	}
	if *fZerocopy {
		conf.Zerocopy = true
	}
	if *fShared {
		conf.SharedRings = true
	}
	if *fHuge {
		conf.HugePages = true
	}
	if *fFrames != 0 {
		conf.Frames = uint32(*fFrames)
	}

	if err := conf.validate(); err != nil {
		return nil, err
	}
	for _, p := range conf.Ports {
		if _, err := net.InterfaceByName(p.Interface); err != nil {
			return nil, fmt.Errorf("interface %q: %w", p.Interface, err)
		}
	}
	return &conf, nil
}

// setLastQueue applies a -q flag value to the most recently added port.
func setLastQueue(ports []PortConfig, s string) error {
	v, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return fmt.Errorf("invalid queue ID %q", s)
	}
	if len(ports) == 0 {
		return errors.New("-q must follow the -i it applies to")
	}
	ports[len(ports)-1].Queue = uint32(v)
	return nil
}

func (c *Config) validate() error {
	if len(c.Ports) == 0 {
		return errors.New("no ports configured (use -i, repeatable)")
	}
	if len(c.Cores) == 0 {
		return errors.New("no worker cores configured (use -c, repeatable)")
	}
	if len(c.Ports)%len(c.Cores) != 0 {
		return fmt.Errorf("%d ports cannot be distributed evenly across %d threads",
			len(c.Ports), len(c.Cores))
	}
	// The pool-wide fill/completion rings are single-producer/
	// single-consumer; a second worker pumping them corrupts the cursor
	// cache.
	if c.SharedRings && len(c.Cores) > 1 {
		return fmt.Errorf("shared fill/completion rings allow a single worker, got %d cores",
			len(c.Cores))
	}
	if c.StatsIntervalSec == 0 {
		c.StatsIntervalSec = 1
	}
	return nil
}

func fatalIf(err error, msgf string, a ...any) {
	if err != nil {
		fmt.Fprintf(os.Stderr, msgf+": %v\n", append(a, err)...)
		os.Exit(1)
	}
}

func ifaceNames(ports []PortConfig) []string {
	var names []string
	seen := make(map[string]bool)
	for _, p := range ports {
		if !seen[p.Interface] {
			seen[p.Interface] = true
			names = append(names, p.Interface)
		}
	}
	return names
}

// printStats writes the per-port counter table, first absolute totals,
// then the delta rate against the previous sample.
func printStats(
	p *message.Printer,
	ports []*port.Port,
	prevRx, prevTx []uint64,
	interval time.Duration,
) {
	p.Printf("%-16s %14s %14s %14s %14s\n",
		"port", "rx packets", "rx pps", "tx packets", "tx pps")
	perSec := interval.Seconds()
	for i, pt := range ports {
		rx, tx := pt.RxPackets.Load(), pt.TxPackets.Load()
		p.Printf("%-16s %14d %14.0f %14d %14.0f\n",
			fmt.Sprintf("%s:%d", pt.Iface, pt.Queue),
			rx, float64(rx-prevRx[i])/perSec,
			tx, float64(tx-prevTx[i])/perSec)
		prevRx[i], prevTx[i] = rx, tx
	}
}

func main() {
	conf, err := loadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		flag.Usage()
		os.Exit(1)
	}

	pool, err := framepool.New(framepool.Config{
		NumFrames:  conf.Frames,
		FrameSize:  conf.FrameSize,
		HugePages:  conf.HugePages,
		LockMemory: true,
	})
	fatalIf(err, "creating frame pool")
	defer pool.Close()

	// One redirect program per interface, shared by all its queues.
	maxQueue := uint32(0)
	for _, pc := range conf.Ports {
		maxQueue = max(maxQueue, pc.Queue)
	}
	progs := make(map[string]*xdpprog.Program)
	defer func() {
		for iface, prog := range progs {
			netIf, err := net.InterfaceByName(iface)
			if err == nil {
				if err := prog.Detach(netIf.Index); err != nil {
					fmt.Fprintf(os.Stderr, "detaching from %s: %v\n", iface, err)
				}
			}
			_ = prog.Close()
		}
	}()
	for _, iface := range ifaceNames(conf.Ports) {
		prog, err := xdpprog.New(int(maxQueue) + 1)
		fatalIf(err, "building redirect program for %s", iface)
		progs[iface] = prog
		netIf, err := net.InterfaceByName(iface)
		fatalIf(err, "looking up %s", iface)
		fatalIf(prog.Attach(netIf.Index), "attaching to %s", iface)
	}

	topology := port.TopologyPrivate
	if conf.SharedRings {
		topology = port.TopologyShared
	}
	portConf := port.Config{
		RxSize:   conf.RingSize,
		TxSize:   conf.RingSize,
		Topology: topology,
		Zerocopy: conf.Zerocopy,
	}

	umem := port.NewUMEM(pool)
	ports := make([]*port.Port, 0, len(conf.Ports))
	defer func() {
		for _, pt := range ports {
			if err := pt.Close(); err != nil && !errors.Is(err, port.ErrClosed) {
				fmt.Fprintf(os.Stderr, "closing %s:%d: %v\n", pt.Iface, pt.Queue, err)
			}
		}
	}()
	for _, pc := range conf.Ports {
		pt, err := port.Open(umem, pc.Interface, pc.Queue, progs[pc.Interface], portConf)
		fatalIf(err, "opening %s:%d", pc.Interface, pc.Queue)
		ports = append(ports, pt)
	}

	assignments, err := forward.Partition(ports, conf.Cores)
	fatalIf(err, "partitioning ports")

	statsBefore, statsErr := ifacestat.Take(ifaceNames(conf.Ports))
	if statsErr != nil {
		fmt.Fprintf(os.Stderr, "interface counters unavailable: %v\n", statsErr)
	}

	workers := make([]*forward.Worker, len(assignments))
	for i, a := range assignments {
		workers[i] = forward.NewWorker(a)
		workers[i].Start()
	}

	pr := message.NewPrinter(language.English)
	pr.Printf("forwarding on %d ports with %d threads\n", len(ports), len(workers))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, unix.SIGTERM)

	interval := time.Duration(conf.StatsIntervalSec) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	prevRx := make([]uint64, len(ports))
	prevTx := make([]uint64, len(ports))
loop:
	for {
		select {
		case <-ticker.C:
			printStats(pr, ports, prevRx, prevTx, interval)
		case s := <-sig:
			pr.Printf("received %v, shutting down\n", s)
			break loop
		}
	}

	for _, w := range workers {
		w.Stop()
	}
	var stalls, defects uint64
	for _, w := range workers {
		w.Wait()
		stalls += w.Stalls.Load()
		defects += w.Defects.Load()
	}

	printStats(pr, ports, prevRx, prevTx, interval)
	pr.Printf("stalls: %d, defects: %d, frame pool: %d/%d free, double frees: %d\n",
		stalls, defects, pool.FreeCount(), pool.NumFrames(), pool.Defects())

	if statsErr == nil {
		statsAfter, err := ifacestat.Take(ifaceNames(conf.Ports))
		if err == nil {
			pr.Printf("\ninterface counters:\n")
			_ = ifacestat.Print(os.Stdout, statsAfter.Since(statsBefore))
		}
	}
}
