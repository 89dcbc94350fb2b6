// Package ratelimit paces a packet generator to a target rate.
package ratelimit

import "time"

// Pacer holds a send loop to pps packets per second on average.
// Not safe for concurrent use.
type Pacer struct {
	nsPerPacket int64
	sent        uint64
	start       time.Time
	checkEvery  uint64
}

// New creates a pacer for pps packets per second. A nil Pacer (pps == 0)
// never blocks, so callers need no special case for the unlimited rate.
func New(pps uint64) *Pacer {
	if pps == 0 {
		return nil
	}
	return &Pacer{
		nsPerPacket: int64(time.Second) / int64(pps),
		start:       time.Now(),

		// Consult the clock roughly every 10ms worth of packets; clamped
		// so very low and very high rates stay reasonable.
		checkEvery: min(max(pps/100, 32), 1024),
	}
}

// Wait accounts n sent packets and sleeps if the loop is ahead of
// schedule. A loop that fell behind is not granted a burst to catch up.
func (p *Pacer) Wait(n uint64) {
	if p == nil || n == 0 {
		return
	}

	p.sent += n
	if p.sent%p.checkEvery != 0 {
		return
	}

	due := p.start.Add(time.Duration(int64(p.sent) * p.nsPerPacket))
	if now := time.Now(); now.Before(due) {
		time.Sleep(due.Sub(now))
	}
}

// Sent reports the number of packets accounted so far.
func (p *Pacer) Sent() uint64 {
	if p == nil {
		return 0
	}
	return p.sent
}
