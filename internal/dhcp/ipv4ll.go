package dhcp

import (
	"bytes"
	"net"
	"time"

	"github.com/albfan/miraclecast/internal/metrics"
)

// RFC 3927 timing constants.
const (
	llProbeWait        = 1 * time.Second
	llProbeNum         = 3
	llProbeMin         = 1 * time.Second
	llProbeMax         = 2 * time.Second
	llAnnounceWait     = 2 * time.Second
	llAnnounceNum      = 2
	llAnnounceInterval = 2 * time.Second
	llMaxConflicts     = 10
	llDefendInterval   = 10 * time.Second
)

// llSubnet is the fixed 169.254/16 link-local mask.
var llSubnet = net.IPMask{255, 255, 0, 0}

// startIPv4LLLocked enters the link-local machine: pick a candidate and
// probe for it after a random initial delay.
func (c *Client4) startIPv4LLLocked() error {
	if err := c.listenLocked(ListenARP); err != nil {
		return err
	}

	c.llConflicts = 0
	c.pickLLAddrLocked()
	c.beginProbingLocked()
	return nil
}

// pickLLAddrLocked selects a random host in 169.254.1.0..169.254.254.255:
// the first and last 256 addresses of the /16 are reserved. The generator
// was seeded from the MAC at construction so the first candidate is stable
// per device; conflict retries reseed from the wall clock.
func (c *Client4) pickLLAddrLocked() {
	if c.llAddr != nil {
		// Not the first pick: decorrelate from other hosts with the same
		// NIC vendor prefix.
		c.rnd.Seed(c.clk.Now().UnixMicro())
	}
	host := 0x0100 + c.rnd.Intn(0xFE00)
	c.llAddr = net.IPv4(169, 254, byte(host>>8), byte(host)).To4()
}

func (c *Client4) beginProbingLocked() {
	c.state = StateLLProbe
	c.llProbes = 0
	c.llAnnounces = 0

	delay := time.Duration(c.rnd.Int63n(int64(llProbeWait)))
	c.timers.schedule(slotLL, delay, c.llTimerCb)
}

// llTimerCb is the single IPv4LL pacing timer callback; what it does next
// is derived from the state.
func (c *Client4) llTimerCb() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	switch c.state {
	case StateLLProbe:
		if c.llProbes < llProbeNum {
			if err := c.io.SendARP(arpProbe(c.hw, c.llAddr)); err != nil {
				c.log.Warn("probe send failed", "error", err)
			}
			c.llProbes++
			var next time.Duration
			if c.llProbes < llProbeNum {
				next = llProbeMin + time.Duration(c.rnd.Int63n(int64(llProbeMax-llProbeMin)))
			} else {
				next = llAnnounceWait
			}
			c.timers.schedule(slotLL, next, c.llTimerCb)
			return
		}
		// All probes out and the announce wait has passed.
		c.state = StateLLAnnounce
		fallthrough

	case StateLLAnnounce:
		if err := c.io.SendARP(arpAnnounce(c.hw, c.llAddr)); err != nil {
			c.log.Warn("announce send failed", "error", err)
		}
		c.llAnnounces++
		if c.llAnnounces < llAnnounceNum {
			c.timers.schedule(slotLL, llAnnounceInterval, c.llTimerCb)
			return
		}
		c.state = StateLLMonitor
		c.log.Info("ipv4ll address claimed", "ip", c.llAddr.String())
		lease := &Lease4{
			IP:     append(net.IP{}, c.llAddr...),
			Subnet: llSubnet,
			Start:  c.clk.Now(),
		}
		c.lease = lease
		c.emitLocked(Event4{Type: EventIPv4LLAvailable, Lease: lease})

	case StateLLDefend:
		// The defence window closed without a second conflict.
		c.state = StateLLMonitor
	}
}

// handleARPLocked feeds an ARP packet through conflict detection.
func (c *Client4) handleARPLocked(pkt *ARPPacket) {
	if c.llAddr == nil {
		return
	}
	if bytes.Equal(pkt.SenderHW, c.hw) {
		return // our own frame echoed back
	}

	sourceConflict := pkt.SenderIP.Equal(c.llAddr)
	// A competitor probing for the same candidate has SPA zero and our
	// candidate as TPA.
	probeConflict := pkt.Op == arpOpRequest &&
		pkt.SenderIP.Equal(net.IPv4zero.To4()) &&
		pkt.TargetIP.Equal(c.llAddr)

	switch c.state {
	case StateLLProbe, StateLLAnnounce:
		if !sourceConflict && !probeConflict {
			return
		}
		c.llConflicts++
		metrics.Get().IPv4LLConflicts.Inc()
		c.log.Debug("ipv4ll conflict while acquiring", "ip", c.llAddr.String(), "count", c.llConflicts)
		if c.llConflicts >= llMaxConflicts {
			// RFC 3927 asks for rate limiting here; this engine fails the
			// acquisition instead and leaves the retry to its owner.
			c.log.Info("too many ipv4ll conflicts, giving up")
			c.emitLocked(Event4{Type: EventNoLease})
			return
		}
		c.pickLLAddrLocked()
		c.beginProbingLocked()

	case StateLLMonitor:
		if !sourceConflict {
			return
		}
		c.llConflicts++
		metrics.Get().IPv4LLConflicts.Inc()
		c.state = StateLLDefend
		c.log.Info("defending ipv4ll address", "ip", c.llAddr.String())
		if err := c.io.SendARP(arpAnnounce(c.hw, c.llAddr)); err != nil {
			c.log.Warn("defence send failed", "error", err)
		}
		c.timers.schedule(slotLL, llDefendInterval, c.llTimerCb)

	case StateLLDefend:
		if !sourceConflict {
			return
		}
		// A second conflict inside the defence window surrenders the
		// address.
		c.log.Info("ipv4ll address lost", "ip", c.llAddr.String())
		c.timers.cancel(slotLL)
		c.lease = nil
		c.llAddr = nil
		c.emitLocked(Event4{Type: EventIPv4LLLost})
	}
}
