package dhcp

import (
	"bytes"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/albfan/miraclecast/internal/clock"
	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/metrics"
)

// ClientType selects which address-acquisition machine a client runs.
type ClientType int

const (
	TypeIPv4 ClientType = iota
	TypeIPv4LL
)

// State4 is the DHCPv4 client state, including the IPv4LL sub-states.
type State4 int

const (
	StateInitSelecting State4 = iota
	StateRebooting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
	StateReleased
	StateLLProbe
	StateLLAnnounce
	StateLLMonitor
	StateLLDefend
)

func (s State4) String() string {
	switch s {
	case StateInitSelecting:
		return "init-selecting"
	case StateRebooting:
		return "rebooting"
	case StateRequesting:
		return "requesting"
	case StateBound:
		return "bound"
	case StateRenewing:
		return "renewing"
	case StateRebinding:
		return "rebinding"
	case StateReleased:
		return "released"
	case StateLLProbe:
		return "ipv4ll-probe"
	case StateLLAnnounce:
		return "ipv4ll-announce"
	case StateLLMonitor:
		return "ipv4ll-monitor"
	case StateLLDefend:
		return "ipv4ll-defend"
	}
	return "invalid"
}

// Client event types surfaced through the callback.
type EventType4 int

const (
	EventLeaseAvailable EventType4 = iota
	EventNoLease
	EventLeaseLost
	EventIPv4LLAvailable
	EventIPv4LLLost
	EventStopped
)

// Event4 is delivered to the client's callback on terminal transitions.
type Event4 struct {
	Type  EventType4
	Lease *Lease4
}

// Lease4 is the result of a successful DHCPv4 or IPv4LL acquisition.
type Lease4 struct {
	IP       net.IP
	Subnet   net.IPMask
	Router   net.IP
	DNS      []net.IP
	ServerID net.IP
	Start    time.Time
	Seconds  uint32
	T1       uint32
	T2       uint32
}

// Retry policy (RFC 2131 with the engine's fixed pacing).
const (
	discoverAttempts = 6
	requestAttempts  = 3
	retryInterval    = 5 * time.Second
	restartDelay     = 3 * time.Second
	renewFloor       = 60 * time.Second
)

// Client4 is the DHCPv4/IPv4LL client state machine for one interface.
// All state mutations run under mu: the socket pump and every timer funnel
// through it, which serializes transitions the same way a single-threaded
// loop would.
type Client4 struct {
	mu sync.Mutex

	ifindex int
	ifname  string
	hw      net.HardwareAddr
	typ     ClientType

	io     PacketIO
	clk    clock.Clock
	timers *timerSet
	log    *logging.Logger
	cb     func(Event4)
	rnd    *rand.Rand

	running bool
	stopCh  chan struct{}
	rearm   chan struct{}

	state State4
	mode  ListenMode

	xid       dhcpv4.TransactionID
	start     time.Time // monotonic base for the secs field
	serverID  net.IP
	offeredIP net.IP
	// requestedIP is the address hint carried in DISCOVER/REQUEST; wiped
	// when the lease finally expires.
	requestedIP net.IP
	lastAddr    net.IP
	lease       *Lease4

	retries    int
	ackRetries int

	// sendOpts carries raw outgoing options added by the owner.
	sendOpts map[dhcpv4.OptionCode][]byte
	// reqCodes is the parameter request list; replies populate replyOpts.
	reqCodes  []dhcpv4.OptionCode
	replyOpts dhcpv4.Options

	// Renew/rebind halving retries.
	renewRemaining  time.Duration
	rebindRemaining time.Duration

	// IPv4LL machine (ipv4ll.go).
	llAddr      net.IP
	llConflicts int
	llProbes    int
	llAnnounces int
}

// Config4 carries the constructor parameters of a Client4.
type Config4 struct {
	Ifindex  int
	Ifname   string
	HWAddr   net.HardwareAddr
	Type     ClientType
	IO       PacketIO
	Clock    clock.Clock
	Logger   *logging.Logger
	Callback func(Event4)

	// sched is overridden by tests.
	sched scheduler
}

// NewClient4 creates a client bound to an interface. The client is inert
// until Start.
func NewClient4(cfg Config4) (*Client4, error) {
	if cfg.Ifindex <= 0 {
		return nil, fmt.Errorf("%w: ifindex %d", ErrInvalidIndex, cfg.Ifindex)
	}
	if len(cfg.HWAddr) != 6 {
		return nil, fmt.Errorf("%w: hardware address %v", ErrInvalidArgument, cfg.HWAddr)
	}
	if cfg.IO == nil {
		return nil, fmt.Errorf("%w: nil packet io", ErrInvalidArgument)
	}
	if cfg.Clock == nil {
		cfg.Clock = &clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("dhcp4")
	}
	if cfg.sched == nil {
		cfg.sched = realScheduler{}
	}

	seed := int64(uint32(cfg.HWAddr[2])<<24 | uint32(cfg.HWAddr[3])<<16 | uint32(cfg.HWAddr[4])<<8 | uint32(cfg.HWAddr[5]))

	c := &Client4{
		ifindex:   cfg.Ifindex,
		ifname:    cfg.Ifname,
		hw:        append(net.HardwareAddr{}, cfg.HWAddr...),
		typ:       cfg.Type,
		io:        cfg.IO,
		clk:       cfg.Clock,
		timers:    newTimerSet(cfg.sched),
		log:       cfg.Logger,
		cb:        cfg.Callback,
		rnd:       rand.New(rand.NewSource(seed)),
		sendOpts:  make(map[dhcpv4.OptionCode][]byte),
		replyOpts: make(dhcpv4.Options),
		reqCodes: []dhcpv4.OptionCode{
			dhcpv4.OptionSubnetMask,
			dhcpv4.OptionRouter,
			dhcpv4.OptionDomainNameServer,
			dhcpv4.OptionIPAddressLeaseTime,
			dhcpv4.OptionServerIdentifier,
		},
	}
	return c, nil
}

// AddRequestOption appends code to the parameter request list.
func (c *Client4) AddRequestOption(code dhcpv4.OptionCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, have := range c.reqCodes {
		if have.Code() == code.Code() {
			return
		}
	}
	c.reqCodes = append(c.reqCodes, code)
}

// SetSendOption attaches a raw option to every outgoing request.
func (c *Client4) SetSendOption(code dhcpv4.OptionCode, value []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendOpts[code] = append([]byte{}, value...)
}

// ReplyOption returns the raw value of code from the most recent ACK.
func (c *Client4) ReplyOption(code dhcpv4.OptionCode) []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.replyOpts.Get(code)
}

// State returns the current FSM state.
func (c *Client4) State() State4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns the current lease, nil when unbound.
func (c *Client4) Lease() *Lease4 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

// Start begins acquisition. lastAddr, when non-nil, requests reuse of a
// previously held address (INIT-REBOOT).
func (c *Client4) Start(lastAddr net.IP) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("%w: already started", ErrInvalidArgument)
	}
	c.running = true
	c.stopCh = make(chan struct{})
	c.rearm = make(chan struct{}, 1)
	c.start = c.clk.Now()
	c.lastAddr = lastAddr

	go c.pump()

	if c.typ == TypeIPv4LL {
		return c.startIPv4LLLocked()
	}

	var err error
	c.xid, err = dhcpv4.GenerateTransactionID()
	if err != nil {
		c.running = false
		return fmt.Errorf("%w: %v", ErrIo, err)
	}

	if lastAddr != nil && lastAddr.To4() != nil {
		c.requestedIP = lastAddr.To4()
		c.state = StateRebooting
		c.retries = 0
		if err := c.listenLocked(ListenRaw); err != nil {
			c.running = false
			return err
		}
		c.sendRequestLocked()
		c.armRetransmitLocked()
		return nil
	}

	c.state = StateInitSelecting
	c.retries = 0
	if err := c.listenLocked(ListenRaw); err != nil {
		c.running = false
		return err
	}
	c.sendDiscoverLocked()
	c.armRetransmitLocked()
	return nil
}

// Stop halts the machine. From a bound state a RELEASE is emitted first.
// Stop is idempotent.
func (c *Client4) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(true)
}

func (c *Client4) stopLocked(emitStopped bool) {
	if !c.running {
		return
	}

	switch c.state {
	case StateBound, StateRenewing, StateRebinding:
		c.sendReleaseLocked()
	}

	c.running = false
	close(c.stopCh)
	c.timers.cancelAll()
	c.io.Close()
	c.mode = ListenNone
	c.state = StateReleased

	if emitStopped {
		c.emitLocked(Event4{Type: EventStopped})
	}
}

// emitLocked dispatches an event without holding the lock across the
// callback; a callback is free to call back into the client (including
// stopping it).
func (c *Client4) emitLocked(e Event4) {
	cb := c.cb
	if cb == nil {
		return
	}
	c.mu.Unlock()
	cb(e)
	c.mu.Lock()
}

// pump moves packets from the active socket into the FSM.
func (c *Client4) pump() {
	for {
		c.mu.Lock()
		running := c.running
		var ch <-chan Inbound
		if running {
			ch = c.io.Recv()
		}
		stop := c.stopCh
		c.mu.Unlock()

		if !running {
			return
		}

		if ch == nil {
			select {
			case <-c.rearm:
				continue
			case <-stop:
				return
			}
		}

		select {
		case in, ok := <-ch:
			if !ok {
				select {
				case <-c.rearm:
				case <-stop:
					return
				}
				continue
			}
			c.deliver(in)
		case <-c.rearm:
		case <-stop:
			return
		}
	}
}

func (c *Client4) deliver(in Inbound) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	switch {
	case in.ARP != nil:
		c.handleARPLocked(in.ARP)
	case in.BOOTP != nil:
		c.handleBOOTPLocked(in.BOOTP)
	}
}

// listenLocked switches the listen mode; the swap is atomic with respect to
// the pump.
func (c *Client4) listenLocked(mode ListenMode) error {
	if err := c.io.Listen(mode); err != nil {
		return err
	}
	c.mode = mode
	select {
	case c.rearm <- struct{}{}:
	default:
	}
	return nil
}

// secsLocked is the BOOTP secs field: seconds since acquisition started,
// saturated at the field width.
func (c *Client4) secsLocked() uint16 {
	secs := int64(c.clk.Since(c.start) / time.Second)
	if secs < 0 {
		secs = 0
	}
	if secs > 0xFFFF {
		secs = 0xFFFF
	}
	return uint16(secs)
}

func (c *Client4) newRequestLocked(typ dhcpv4.MessageType) *dhcpv4.DHCPv4 {
	msg, _ := dhcpv4.New(
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithHwAddr(c.hw),
	)
	msg.OpCode = dhcpv4.OpcodeBootRequest
	msg.HWType = iana.HWTypeEthernet
	msg.TransactionID = c.xid
	msg.NumSeconds = c.secsLocked()
	msg.UpdateOption(dhcpv4.OptMaxMessageSize(maxMessageSize))
	msg.UpdateOption(dhcpv4.OptParameterRequestList(c.reqCodes...))
	for code, value := range c.sendOpts {
		msg.UpdateOption(dhcpv4.OptGeneric(code, value))
	}
	return msg
}

func (c *Client4) sendDiscoverLocked() {
	msg := c.newRequestLocked(dhcpv4.MessageTypeDiscover)
	msg.SetBroadcast()
	if c.requestedIP != nil {
		msg.UpdateOption(dhcpv4.OptRequestedIPAddress(c.requestedIP))
	}
	c.broadcastLocked(msg)
	c.log.Debug("sent discover", "xid", c.xid.String(), "try", c.retries+1)
}

func (c *Client4) sendRequestLocked() {
	msg := c.newRequestLocked(dhcpv4.MessageTypeRequest)

	switch c.state {
	case StateRequesting, StateRebooting:
		msg.SetBroadcast()
		if c.serverID != nil {
			msg.UpdateOption(dhcpv4.OptServerIdentifier(c.serverID))
		}
		if c.requestedIP != nil {
			msg.UpdateOption(dhcpv4.OptRequestedIPAddress(c.requestedIP))
		}
		c.broadcastLocked(msg)

	case StateRenewing:
		// Unicast to the server through the kernel stack; ciaddr names
		// our bound address.
		msg.ClientIPAddr = c.lease.IP
		if err := c.io.SendUDP(msg.ToBytes(), &net.UDPAddr{IP: c.serverID, Port: serverPort}); err != nil {
			c.log.Warn("renew send failed", "error", err)
		}

	case StateRebinding:
		msg.ClientIPAddr = c.lease.IP
		c.broadcastLocked(msg)
	}
	c.log.Debug("sent request", "state", c.state.String(), "xid", c.xid.String())
}

func (c *Client4) sendReleaseLocked() {
	msg := c.newRequestLocked(dhcpv4.MessageTypeRelease)
	msg.DeleteOption(dhcpv4.OptionParameterRequestList)
	msg.ClientIPAddr = c.lease.IP
	if c.serverID != nil {
		msg.UpdateOption(dhcpv4.OptServerIdentifier(c.serverID))
	}
	msg.SetUnicast()

	// From BOUND no socket is open; a short-lived kernel UDP socket is the
	// cleanest way to reach the server.
	if c.mode != ListenUDP {
		if err := c.listenLocked(ListenUDP); err != nil {
			return
		}
	}
	if err := c.io.SendUDP(msg.ToBytes(), &net.UDPAddr{IP: c.serverID, Port: serverPort}); err != nil {
		c.log.Debug("release send failed", "error", err)
	}
}

func (c *Client4) broadcastLocked(msg *dhcpv4.DHCPv4) {
	err := c.io.SendL2(msg.ToBytes(), nil, net.IPv4zero, net.IPv4bcast, clientPort, serverPort)
	if err != nil {
		c.log.Warn("broadcast failed", "error", err)
	}
}

// armRetransmitLocked schedules the next discover/request retransmission.
func (c *Client4) armRetransmitLocked() {
	c.timers.schedule(slotRetransmit, retryInterval, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running {
			return
		}
		c.onRetransmitLocked()
	})
}

func (c *Client4) onRetransmitLocked() {
	metrics.Get().DHCPTimeouts.WithLabelValues(c.state.String()).Inc()

	switch c.state {
	case StateInitSelecting:
		c.retries++
		if c.retries >= discoverAttempts {
			c.log.Info("discover exhausted, no lease")
			c.emitLocked(Event4{Type: EventNoLease})
			return
		}
		c.sendDiscoverLocked()
		c.armRetransmitLocked()

	case StateRequesting, StateRebooting:
		c.ackRetries++
		if c.ackRetries >= requestAttempts {
			c.log.Info("request exhausted, no lease")
			c.emitLocked(Event4{Type: EventNoLease})
			return
		}
		c.sendRequestLocked()
		c.armRetransmitLocked()
	}
}

// handleBOOTPLocked runs one reply through acceptance and the FSM.
func (c *Client4) handleBOOTPLocked(payload []byte) {
	msg, err := parseBOOTP(payload)
	if err != nil {
		return // transient protocol error, drop
	}
	if !c.acceptLocked(msg) {
		return
	}

	metrics.Get().DHCPPackets.WithLabelValues("rx", msg.MessageType().String()).Inc()

	switch msg.MessageType() {
	case dhcpv4.MessageTypeOffer:
		c.handleOfferLocked(msg)
	case dhcpv4.MessageTypeAck:
		c.handleAckLocked(msg)
	case dhcpv4.MessageTypeNak:
		c.handleNakLocked(msg)
	}
}

// acceptLocked enforces the packet-acceptance rule: matching xid, matching
// chaddr, ethernet-sized hardware address, and a reply opcode. Anything
// else is dropped without side effects.
func (c *Client4) acceptLocked(msg *dhcpv4.DHCPv4) bool {
	if msg.OpCode != dhcpv4.OpcodeBootReply {
		return false
	}
	if msg.TransactionID != c.xid {
		return false
	}
	// The codec trims chaddr to hlen, so an ethernet reply must carry
	// exactly six bytes here.
	if len(msg.ClientHWAddr) != 6 || !bytes.Equal(msg.ClientHWAddr, c.hw) {
		return false
	}
	return true
}

func (c *Client4) handleOfferLocked(msg *dhcpv4.DHCPv4) {
	if c.state != StateInitSelecting {
		return
	}
	yiaddr := msg.YourIPAddr.To4()
	sid := msg.ServerIdentifier()
	if yiaddr == nil || yiaddr.IsUnspecified() || sid == nil {
		return
	}

	c.serverID = append(net.IP{}, sid.To4()...)
	c.offeredIP = append(net.IP{}, yiaddr...)
	c.requestedIP = c.offeredIP
	c.state = StateRequesting
	c.retries = 0
	c.ackRetries = 0

	c.log.Debug("offer received", "ip", yiaddr.String(), "server", sid.String())

	c.sendRequestLocked()
	c.armRetransmitLocked()
}

// clampLease applies the lease-time defence: at least 10 seconds, masked to
// 28 bits so arithmetic on it cannot overflow.
func clampLease(v uint32) uint32 {
	v &= 0x0FFFFFFF
	if v < 10 {
		v = 10
	}
	return v
}

func (c *Client4) handleAckLocked(msg *dhcpv4.DHCPv4) {
	switch c.state {
	case StateRequesting, StateRebooting, StateRenewing, StateRebinding:
	default:
		return
	}

	yiaddr := msg.YourIPAddr.To4()
	if yiaddr == nil || yiaddr.IsUnspecified() {
		return
	}

	var leaseSecs uint32 = 3600
	if raw := msg.Options.Get(dhcpv4.OptionIPAddressLeaseTime); len(raw) == 4 {
		leaseSecs = uint32(raw[0])<<24 | uint32(raw[1])<<16 | uint32(raw[2])<<8 | uint32(raw[3])
	}
	leaseSecs = clampLease(leaseSecs)

	if sid := msg.ServerIdentifier(); sid != nil {
		c.serverID = append(net.IP{}, sid.To4()...)
	}

	lease := &Lease4{
		IP:       append(net.IP{}, yiaddr...),
		ServerID: c.serverID,
		Start:    c.clk.Now(),
		Seconds:  leaseSecs,
		T1:       leaseSecs / 2,
		T2:       leaseSecs - leaseSecs/8, // 0.875 * lease
	}
	if mask := msg.Options.Get(dhcpv4.OptionSubnetMask); len(mask) == 4 {
		lease.Subnet = net.IPMask(append([]byte{}, mask...))
	}
	if router := msg.Options.Get(dhcpv4.OptionRouter); len(router) >= 4 {
		lease.Router = net.IP(append([]byte{}, router[:4]...))
	}
	if dns := msg.Options.Get(dhcpv4.OptionDomainNameServer); len(dns) >= 4 {
		for i := 0; i+4 <= len(dns); i += 4 {
			lease.DNS = append(lease.DNS, net.IP(append([]byte{}, dns[i:i+4]...)))
		}
	}

	// Keep the full reply option set for callers asking via ReplyOption.
	c.replyOpts = make(dhcpv4.Options)
	for code, value := range msg.Options {
		c.replyOpts[code] = append([]byte{}, value...)
	}

	wasBound := c.lease != nil
	c.lease = lease
	c.requestedIP = lease.IP
	c.state = StateBound

	// Bound clients own no socket until T1.
	if err := c.listenLocked(ListenNone); err != nil {
		c.log.Warn("listen teardown failed", "error", err)
	}
	c.timers.cancel(slotRetransmit)
	c.scheduleLeaseTimersLocked(lease)

	c.log.Info("lease bound", "ip", lease.IP.String(), "seconds", lease.Seconds, "renewal", wasBound)
	c.emitLocked(Event4{Type: EventLeaseAvailable, Lease: lease})
}

func (c *Client4) scheduleLeaseTimersLocked(lease *Lease4) {
	t1 := time.Duration(lease.T1) * time.Second
	t2 := time.Duration(lease.T2) * time.Second
	expire := time.Duration(lease.Seconds) * time.Second

	c.renewRemaining = t2 - t1
	c.rebindRemaining = expire - t2

	c.timers.schedule(slotT1, t1, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.running {
			c.onT1Locked()
		}
	})
	c.timers.schedule(slotT2, t2, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.running {
			c.onT2Locked()
		}
	})
	c.timers.schedule(slotExpire, expire, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.running {
			c.onExpireLocked()
		}
	})
}

func (c *Client4) onT1Locked() {
	if c.state != StateBound {
		return
	}
	c.state = StateRenewing
	c.xid, _ = dhcpv4.GenerateTransactionID()
	if err := c.listenLocked(ListenUDP); err != nil {
		c.log.Warn("renew listen failed", "error", err)
		return
	}
	c.sendRequestLocked()
	c.armRenewRetryLocked()
}

// armRenewRetryLocked halves the remaining interval on each retry until the
// floor is reached; past the floor the T2 timer takes over.
func (c *Client4) armRenewRetryLocked() {
	d := c.renewRemaining / 2
	if d <= renewFloor {
		return
	}
	c.renewRemaining = d
	c.timers.schedule(slotRetransmit, d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running || c.state != StateRenewing {
			return
		}
		c.sendRequestLocked()
		c.armRenewRetryLocked()
	})
}

func (c *Client4) onT2Locked() {
	if c.state != StateRenewing && c.state != StateBound {
		return
	}
	c.state = StateRebinding
	c.xid, _ = dhcpv4.GenerateTransactionID()
	if err := c.listenLocked(ListenRaw); err != nil {
		c.log.Warn("rebind listen failed", "error", err)
		return
	}
	c.sendRequestLocked()
	c.armRebindRetryLocked()
}

func (c *Client4) armRebindRetryLocked() {
	d := c.rebindRemaining / 2
	if d <= renewFloor {
		return
	}
	c.rebindRemaining = d
	c.timers.schedule(slotRetransmit, d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running || c.state != StateRebinding {
			return
		}
		c.sendRequestLocked()
		c.armRebindRetryLocked()
	})
}

func (c *Client4) onExpireLocked() {
	c.log.Info("lease expired", "ip", ipString(c.requestedIP))
	c.lease = nil
	c.requestedIP = nil
	c.serverID = nil
	c.timers.cancelAll()

	c.emitLocked(Event4{Type: EventLeaseLost})
	if !c.running {
		return
	}

	c.state = StateInitSelecting
	c.retries = 0
	c.xid, _ = dhcpv4.GenerateTransactionID()
	if err := c.listenLocked(ListenRaw); err != nil {
		c.log.Warn("restart listen failed", "error", err)
		return
	}
	c.sendDiscoverLocked()
	c.armRetransmitLocked()
}

// handleNakLocked restarts acquisition after a short delay.
func (c *Client4) handleNakLocked(msg *dhcpv4.DHCPv4) {
	switch c.state {
	case StateRequesting, StateRebooting, StateRenewing, StateRebinding:
	default:
		return
	}

	c.log.Info("nak received, restarting", "state", c.state.String())
	c.lease = nil
	c.serverID = nil
	c.offeredIP = nil
	c.timers.cancelAll()

	c.timers.schedule(slotRestart, restartDelay, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running {
			return
		}
		c.state = StateInitSelecting
		c.retries = 0
		c.requestedIP = nil
		c.xid, _ = dhcpv4.GenerateTransactionID()
		if err := c.listenLocked(ListenRaw); err != nil {
			c.log.Warn("restart listen failed", "error", err)
			return
		}
		c.sendDiscoverLocked()
		c.armRetransmitLocked()
	})
}

func ipString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
