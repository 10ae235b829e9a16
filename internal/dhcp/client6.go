package dhcp

import (
	"bytes"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/albfan/miraclecast/internal/clock"
	"github.com/albfan/miraclecast/internal/logging"
)

// DUIDType selects how the client identifier is built.
type DUIDType int

const (
	DUIDLLT DUIDType = iota // link-layer address plus time
	DUIDEN                  // enterprise number, not implemented
	DUIDLL                  // link-layer address only
)

// duidEpoch is the DUID-LLT time base, 2000-01-01T00:00:00Z.
var duidEpoch = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// State6 is the DHCPv6 client state.
type State6 int

const (
	State6Stopped State6 = iota
	State6Soliciting
	State6Requesting
	State6Bound
	State6Renewing
	State6Rebinding
)

func (s State6) String() string {
	switch s {
	case State6Stopped:
		return "stopped"
	case State6Soliciting:
		return "soliciting"
	case State6Requesting:
		return "requesting"
	case State6Bound:
		return "bound"
	case State6Renewing:
		return "renewing"
	case State6Rebinding:
		return "rebinding"
	}
	return "invalid"
}

// PacketIO6 abstracts the multicast UDP socket of the DHCPv6 client: sends
// go to ff02::1:2 port 547 with IPV6_PKTINFO pinning the interface.
type PacketIO6 interface {
	Open() error
	Send(payload []byte) error
	Recv() <-chan []byte
	Close() error
}

// IAAddr is one address from an IA_NA or IA_TA.
type IAAddr struct {
	IP        net.IP
	Preferred uint32
	Valid     uint32
}

// PrefixLease is one delegated prefix from an IA_PD.
type PrefixLease struct {
	Prefix    net.IP // 16 bytes
	PrefixLen uint8
	Preferred uint32
	Valid     uint32
	Expire    time.Time
}

// Lease6 is the result of a successful DHCPv6 exchange.
type Lease6 struct {
	NAAddrs  []IAAddr
	TAAddrs  []IAAddr
	Prefixes []PrefixLease
	DNS      []net.IP
	T1       uint32
	T2       uint32
	Expire   uint32 // max valid lifetime, seconds
	Start    time.Time
}

// Event types surfaced by Client6.
type EventType6 int

const (
	Event6LeaseAvailable EventType6 = iota
	Event6NoLease
	Event6LeaseLost
	Event6Stopped
)

// Event6 is delivered to the client's callback.
type Event6 struct {
	Type  EventType6
	Lease *Lease6
}

// Solicit retransmission bounds (RFC 3315 §5.5, simplified: doubling,
// capped).
const (
	solicitInitialRT = 1 * time.Second
	solicitMaxRT     = 120 * time.Second
)

// Client6 is the DHCPv6 client state machine for one interface.
type Client6 struct {
	mu sync.Mutex

	ifindex int
	hw      net.HardwareAddr

	io     PacketIO6
	clk    clock.Clock
	timers *timerSet
	log    *logging.Logger
	cb     func(Event6)

	running bool
	stopCh  chan struct{}

	state State6
	xid   dhcpv6.TransactionID

	duid       dhcpv6.DUID
	serverDUID dhcpv6.DUID
	iaid       [4]byte

	rapidCommit bool
	requestPD   bool
	requestTA   bool

	start time.Time // elapsed-time base
	// retransmit marks that at least one copy of the current message went
	// out; the first transmission always carries elapsed-time zero.
	retransmit bool
	rt         time.Duration

	lease *Lease6
	// statusCode of the last parsed reply, zero when absent.
	statusCode iana.StatusCode
}

// Config6 carries the constructor parameters of a Client6.
type Config6 struct {
	Ifindex     int
	HWAddr      net.HardwareAddr
	DUIDType    DUIDType
	RapidCommit bool
	RequestPD   bool
	RequestTA   bool
	IO          PacketIO6
	Clock       clock.Clock
	Logger      *logging.Logger
	Callback    func(Event6)

	sched scheduler
}

// NewClient6 creates a DHCPv6 client. DUID-EN is not implemented and is
// rejected.
func NewClient6(cfg Config6) (*Client6, error) {
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
		cfg.Logger = logging.WithComponent("dhcp6")
	}
	if cfg.sched == nil {
		cfg.sched = realScheduler{}
	}

	c := &Client6{
		ifindex:     cfg.Ifindex,
		hw:          append(net.HardwareAddr{}, cfg.HWAddr...),
		io:          cfg.IO,
		clk:         cfg.Clock,
		timers:      newTimerSet(cfg.sched),
		log:         cfg.Logger,
		cb:          cfg.Callback,
		rapidCommit: cfg.RapidCommit,
		requestPD:   cfg.RequestPD,
		requestTA:   cfg.RequestTA,
	}

	var err error
	c.duid, err = makeDUID(cfg.DUIDType, c.hw, cfg.Clock.Now())
	if err != nil {
		return nil, err
	}

	// The IAID reuses the low four octets of the MAC, matching what the
	// rest of the stack derives for this interface.
	copy(c.iaid[:], c.hw[2:6])

	return c, nil
}

// makeDUID builds the client identifier. The enterprise variant needs a
// vendor number this engine has no source for.
func makeDUID(typ DUIDType, hw net.HardwareAddr, now time.Time) (dhcpv6.DUID, error) {
	switch typ {
	case DUIDLLT:
		return &dhcpv6.DUIDLLT{
			HWType:        iana.HWTypeEthernet,
			Time:          uint32(now.Sub(duidEpoch) / time.Second),
			LinkLayerAddr: hw,
		}, nil
	case DUIDLL:
		return &dhcpv6.DUIDLL{
			HWType:        iana.HWTypeEthernet,
			LinkLayerAddr: hw,
		}, nil
	case DUIDEN:
		return nil, fmt.Errorf("%w: DUID-EN not implemented", ErrInvalidArgument)
	}
	return nil, fmt.Errorf("%w: unknown DUID type %d", ErrInvalidArgument, typ)
}

// DUID exposes the client identifier.
func (c *Client6) DUID() dhcpv6.DUID { return c.duid }

// IAID exposes the identity-association id.
func (c *Client6) IAID() [4]byte { return c.iaid }

// State returns the current FSM state.
func (c *Client6) State() State6 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Lease returns the current lease, nil when unbound.
func (c *Client6) Lease() *Lease6 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lease
}

// Start opens the socket and begins soliciting.
func (c *Client6) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return fmt.Errorf("%w: already started", ErrInvalidArgument)
	}
	if err := c.io.Open(); err != nil {
		return err
	}

	c.running = true
	c.stopCh = make(chan struct{})
	c.start = c.clk.Now()
	c.serverDUID = nil
	c.retransmit = false
	c.rt = solicitInitialRT

	go c.pump()

	c.state = State6Soliciting
	c.newTransactionLocked()
	c.sendSolicitLocked()
	c.armRetransmitLocked()
	return nil
}

// Stop halts the machine, releasing a bound lease first. Idempotent.
func (c *Client6) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	switch c.state {
	case State6Bound, State6Renewing, State6Rebinding:
		c.sendLocked(c.buildRelease())
	}

	c.running = false
	close(c.stopCh)
	c.timers.cancelAll()
	c.io.Close()
	c.state = State6Stopped
	c.emitLocked(Event6{Type: Event6Stopped})
}

// Release sends RELEASE for the bound lease and stops lease maintenance.
func (c *Client6) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil {
		return ErrNoLease
	}
	c.sendLocked(c.buildRelease())
	c.lease = nil
	c.timers.cancelAll()
	c.state = State6Soliciting
	return nil
}

// Decline declines the bound addresses (duplicate detection hit).
func (c *Client6) Decline() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil {
		return ErrNoLease
	}
	msg := c.buildIAMessage(dhcpv6.MessageTypeDecline, true)
	c.sendLocked(msg)
	c.lease = nil
	c.timers.cancelAll()
	c.state = State6Soliciting
	return nil
}

// Confirm asks the server whether the bound addresses are still appropriate
// for this link.
func (c *Client6) Confirm() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lease == nil {
		return ErrNoLease
	}
	msg := c.buildIAMessage(dhcpv6.MessageTypeConfirm, false)
	c.sendLocked(msg)
	return nil
}

// InformationRequest asks for configuration without address assignment.
func (c *Client6) InformationRequest() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return ErrNotConnected
	}

	c.newTransactionLocked()
	msg, _ := dhcpv6.NewMessage()
	msg.MessageType = dhcpv6.MessageTypeInformationRequest
	msg.TransactionID = c.xid
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	msg.AddOption(dhcpv6.OptElapsedTime(0))
	msg.AddOption(dhcpv6.OptRequestedOption(
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionDomainSearchList,
		dhcpv6.OptionSNTPServerList,
	))
	c.sendLocked(msg)
	return nil
}

func (c *Client6) emitLocked(e Event6) {
	cb := c.cb
	if cb == nil {
		return
	}
	c.mu.Unlock()
	cb(e)
	c.mu.Lock()
}

func (c *Client6) pump() {
	c.mu.Lock()
	ch := c.io.Recv()
	stop := c.stopCh
	c.mu.Unlock()

	for {
		select {
		case raw, ok := <-ch:
			if !ok {
				return
			}
			c.deliver(raw)
		case <-stop:
			return
		}
	}
}

func (c *Client6) deliver(raw []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}

	msg, err := dhcpv6.MessageFromBytes(raw)
	if err != nil {
		return // malformed, drop
	}
	c.handleMessageLocked(msg)
}

func (c *Client6) newTransactionLocked() {
	xid, err := dhcpv6.GenerateTransactionID()
	if err == nil {
		c.xid = xid
	}
	c.retransmit = false
}

// elapsedLocked is the elapsed-time option value: zero on the first
// transmission, hundredths of a second since start afterwards, saturated.
func (c *Client6) elapsedLocked() time.Duration {
	if !c.retransmit {
		return 0
	}
	return c.clk.Since(c.start)
}

func (c *Client6) sendLocked(msg *dhcpv6.Message) {
	if err := c.io.Send(msg.ToBytes()); err != nil {
		c.log.Warn("send failed", "type", msg.MessageType.String(), "error", err)
		return
	}
	c.retransmit = true
}

func (c *Client6) addCommonOptions(msg *dhcpv6.Message) {
	msg.AddOption(dhcpv6.OptClientID(c.duid))
	msg.AddOption(dhcpv6.OptElapsedTime(c.elapsedLocked()))

	oro := []dhcpv6.OptionCode{
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionDomainSearchList,
		dhcpv6.OptionSNTPServerList,
	}
	if c.rapidCommit {
		oro = append(oro, dhcpv6.OptionRapidCommit)
	}
	msg.AddOption(dhcpv6.OptRequestedOption(oro...))
}

func (c *Client6) addIAOptions(msg *dhcpv6.Message, fromLease bool) {
	iana6 := &dhcpv6.OptIANA{IaId: c.iaid}
	if fromLease && c.lease != nil {
		for _, a := range c.lease.NAAddrs {
			iana6.Options.Add(&dhcpv6.OptIAAddress{
				IPv6Addr:          a.IP,
				PreferredLifetime: time.Duration(a.Preferred) * time.Second,
				ValidLifetime:     time.Duration(a.Valid) * time.Second,
			})
		}
	}
	msg.AddOption(iana6)

	if c.requestTA {
		msg.AddOption(&dhcpv6.OptIATA{IaId: c.iaid})
	}
	if c.requestPD {
		iapd := &dhcpv6.OptIAPD{IaId: c.iaid}
		if fromLease && c.lease != nil {
			for _, p := range c.lease.Prefixes {
				iapd.Options.Add(&dhcpv6.OptIAPrefix{
					PreferredLifetime: time.Duration(p.Preferred) * time.Second,
					ValidLifetime:     time.Duration(p.Valid) * time.Second,
					Prefix: &net.IPNet{
						IP:   p.Prefix,
						Mask: net.CIDRMask(int(p.PrefixLen), 128),
					},
				})
			}
		}
		msg.AddOption(iapd)
	}
}

func (c *Client6) sendSolicitLocked() {
	msg, _ := dhcpv6.NewMessage()
	msg.MessageType = dhcpv6.MessageTypeSolicit
	msg.TransactionID = c.xid
	c.addCommonOptions(msg)
	c.addIAOptions(msg, false)
	if c.rapidCommit {
		msg.AddOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	}
	c.sendLocked(msg)
	c.log.Debug("sent solicit", "xid", c.xid.String())
}

func (c *Client6) buildIAMessage(typ dhcpv6.MessageType, includeServer bool) *dhcpv6.Message {
	msg, _ := dhcpv6.NewMessage()
	msg.MessageType = typ
	msg.TransactionID = c.xid
	c.addCommonOptions(msg)
	if includeServer && c.serverDUID != nil {
		msg.AddOption(dhcpv6.OptServerID(c.serverDUID))
	}
	c.addIAOptions(msg, true)
	return msg
}

func (c *Client6) buildRelease() *dhcpv6.Message {
	return c.buildIAMessage(dhcpv6.MessageTypeRelease, true)
}

func (c *Client6) armRetransmitLocked() {
	d := c.rt
	c.rt *= 2
	if c.rt > solicitMaxRT {
		c.rt = solicitMaxRT
	}
	c.timers.schedule(slotRetransmit, d, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.running {
			return
		}
		switch c.state {
		case State6Soliciting:
			c.sendSolicitLocked()
		case State6Requesting:
			c.sendLocked(c.buildIAMessage(dhcpv6.MessageTypeRequest, true))
		case State6Renewing:
			c.sendLocked(c.buildIAMessage(dhcpv6.MessageTypeRenew, true))
		case State6Rebinding:
			c.sendLocked(c.buildIAMessage(dhcpv6.MessageTypeRebind, false))
		default:
			return
		}
		c.armRetransmitLocked()
	})
}

// acceptLocked applies the reply acceptance rule: our client-id must be
// echoed verbatim, a server-id must be present, and once a server has been
// latched every further reply must come from it.
func (c *Client6) acceptLocked(msg *dhcpv6.Message) bool {
	cid := msg.Options.ClientID()
	if cid == nil || !bytes.Equal(cid.ToBytes(), c.duid.ToBytes()) {
		return false
	}

	sid := msg.Options.ServerID()
	if sid == nil {
		return false
	}
	if len(msg.Options.Get(dhcpv6.OptionServerID)) > 1 {
		return false // repeated server-id
	}
	if c.serverDUID != nil && !bytes.Equal(sid.ToBytes(), c.serverDUID.ToBytes()) {
		return false
	}

	if msg.TransactionID != c.xid {
		return false
	}
	return true
}

func (c *Client6) handleMessageLocked(msg *dhcpv6.Message) {
	if !c.acceptLocked(msg) {
		return
	}

	switch msg.MessageType {
	case dhcpv6.MessageTypeAdvertise:
		c.handleAdvertiseLocked(msg)
	case dhcpv6.MessageTypeReply:
		c.handleReplyLocked(msg)
	}
}

func (c *Client6) handleAdvertiseLocked(msg *dhcpv6.Message) {
	if c.state != State6Soliciting {
		return
	}

	// First answer wins: latch the server.
	c.serverDUID = msg.Options.ServerID()
	c.state = State6Requesting
	c.newTransactionLocked()
	c.rt = solicitInitialRT

	c.log.Debug("advertise received", "server", c.serverDUID.String())

	c.sendLocked(c.buildIAMessage(dhcpv6.MessageTypeRequest, true))
	c.armRetransmitLocked()
}

func (c *Client6) handleReplyLocked(msg *dhcpv6.Message) {
	switch c.state {
	case State6Soliciting:
		// Only acceptable as a rapid-commit reply, and only when the
		// option actually made the round trip.
		if !c.rapidCommit || msg.GetOneOption(dhcpv6.OptionRapidCommit) == nil {
			return
		}
		c.serverDUID = msg.Options.ServerID()
	case State6Requesting, State6Renewing, State6Rebinding:
	default:
		return
	}

	lease, status := c.parseLeaseLocked(msg)
	c.statusCode = status
	if status != iana.StatusSuccess && status != 0 {
		c.log.Info("reply carried failure status", "status", status.String())
		c.emitLocked(Event6{Type: Event6NoLease})
		return
	}
	if len(lease.NAAddrs) == 0 && len(lease.TAAddrs) == 0 && len(lease.Prefixes) == 0 {
		c.emitLocked(Event6{Type: Event6NoLease})
		return
	}

	c.lease = lease
	c.state = State6Bound
	c.timers.cancel(slotRetransmit)
	c.scheduleLeaseTimersLocked(lease)

	c.log.Info("dhcpv6 lease bound", "t1", lease.T1, "t2", lease.T2, "expire", lease.Expire)
	c.emitLocked(Event6{Type: Event6LeaseAvailable, Lease: lease})
}

// parseLeaseLocked extracts IA_NA/IA_TA/IA_PD contents and lifetimes.
func (c *Client6) parseLeaseLocked(msg *dhcpv6.Message) (*Lease6, iana.StatusCode) {
	lease := &Lease6{Start: c.clk.Now()}
	var status iana.StatusCode

	if sc := msg.Options.Status(); sc != nil {
		status = sc.StatusCode
	}

	for _, opt := range msg.Options.Get(dhcpv6.OptionIANA) {
		ia, ok := opt.(*dhcpv6.OptIANA)
		if !ok || ia.IaId != c.iaid {
			continue
		}
		lease.T1 = uint32(ia.T1 / time.Second)
		lease.T2 = uint32(ia.T2 / time.Second)
		if sc := ia.Options.Status(); sc != nil && sc.StatusCode != iana.StatusSuccess {
			status = sc.StatusCode
		}
		for _, a := range ia.Options.Addresses() {
			addr := IAAddr{
				IP:        append(net.IP{}, a.IPv6Addr...),
				Preferred: uint32(a.PreferredLifetime / time.Second),
				Valid:     uint32(a.ValidLifetime / time.Second),
			}
			lease.NAAddrs = append(lease.NAAddrs, addr)
			if addr.Valid > lease.Expire {
				lease.Expire = addr.Valid
			}
		}
	}

	for _, opt := range msg.Options.Get(dhcpv6.OptionIATA) {
		ia, ok := opt.(*dhcpv6.OptIATA)
		if !ok || ia.IaId != c.iaid {
			continue
		}
		for _, a := range ia.Options.Addresses() {
			addr := IAAddr{
				IP:        append(net.IP{}, a.IPv6Addr...),
				Preferred: uint32(a.PreferredLifetime / time.Second),
				Valid:     uint32(a.ValidLifetime / time.Second),
			}
			lease.TAAddrs = append(lease.TAAddrs, addr)
			if addr.Valid > lease.Expire {
				lease.Expire = addr.Valid
			}
		}
	}

	for _, opt := range msg.Options.Get(dhcpv6.OptionIAPD) {
		pd, ok := opt.(*dhcpv6.OptIAPD)
		if !ok || pd.IaId != c.iaid {
			continue
		}
		if lease.T1 == 0 {
			lease.T1 = uint32(pd.T1 / time.Second)
			lease.T2 = uint32(pd.T2 / time.Second)
		}
		for _, p := range pd.Options.Prefixes() {
			ones, _ := p.Prefix.Mask.Size()
			pl := PrefixLease{
				Prefix:    append(net.IP{}, p.Prefix.IP...),
				PrefixLen: uint8(ones),
				Preferred: uint32(p.PreferredLifetime / time.Second),
				Valid:     uint32(p.ValidLifetime / time.Second),
			}
			pl.Expire = lease.Start.Add(time.Duration(pl.Valid) * time.Second)
			lease.Prefixes = append(lease.Prefixes, pl)
			if pl.Valid > lease.Expire {
				lease.Expire = pl.Valid
			}
		}
	}

	if dns := msg.Options.DNS(); len(dns) > 0 {
		lease.DNS = dns
	}

	return lease, status
}

func (c *Client6) scheduleLeaseTimersLocked(lease *Lease6) {
	if lease.T1 > 0 {
		c.timers.schedule(slotT1, time.Duration(lease.T1)*time.Second, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.running || c.state != State6Bound {
				return
			}
			c.state = State6Renewing
			c.newTransactionLocked()
			c.start = c.clk.Now()
			c.rt = solicitInitialRT
			c.sendLocked(c.buildIAMessage(dhcpv6.MessageTypeRenew, true))
			c.armRetransmitLocked()
		})
	}
	if lease.T2 > 0 {
		c.timers.schedule(slotT2, time.Duration(lease.T2)*time.Second, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.running {
				return
			}
			if c.state != State6Renewing && c.state != State6Bound {
				return
			}
			c.state = State6Rebinding
			c.newTransactionLocked()
			c.start = c.clk.Now()
			c.rt = solicitInitialRT
			c.sendLocked(c.buildIAMessage(dhcpv6.MessageTypeRebind, false))
			c.armRetransmitLocked()
		})
	}
	if lease.Expire > 0 {
		c.timers.schedule(slotExpire, time.Duration(lease.Expire)*time.Second, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if !c.running {
				return
			}
			c.lease = nil
			c.serverDUID = nil
			c.timers.cancelAll()
			c.emitLocked(Event6{Type: Event6LeaseLost})
			if !c.running {
				return
			}
			c.state = State6Soliciting
			c.newTransactionLocked()
			c.start = c.clk.Now()
			c.rt = solicitInitialRT
			c.sendSolicitLocked()
			c.armRetransmitLocked()
		})
	}
}
