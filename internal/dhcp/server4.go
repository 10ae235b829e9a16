package dhcp

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv4"
	"github.com/insomniacslk/dhcp/dhcpv4/server4"

	"github.com/albfan/miraclecast/internal/clock"
	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/metrics"
)

// Server defaults.
const (
	defaultLeaseTime = 8 * time.Hour
	offerHold        = 5 * time.Minute
)

// RawSender emits IPv4/UDP frames below the kernel stack, used for replies
// to clients that have no address yet.
type RawSender interface {
	Send(payload []byte, dstHW net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16) error
	Close() error
}

// sendMode says how a reply reaches the client.
type sendMode int

const (
	sendNone sendMode = iota
	sendBroadcast
	sendUnicastL2  // raw to chaddr/yiaddr
	sendUnicastUDP // kernel route to ciaddr
	sendRelay      // to giaddr, server port
)

// ServerConfig carries the constructor parameters of a Server.
type ServerConfig struct {
	Ifindex  int
	Ifname   string
	ServerIP net.IP // our address on the interface

	Clock  clock.Clock
	Logger *logging.Logger

	// SaveLease, when set, is invoked for every committed lease (each ACK)
	// and, on Stop, for every lease in the table, so the owner can persist
	// them.
	SaveLease func(*Lease)

	// Conn and Raw are injectable for tests; left nil they are opened from
	// the interface on Start.
	Conn net.PacketConn
	Raw  RawSender
}

// Server is the minimal RFC 2131 server allocating from a configured range.
// Allocations are strictly serialized by the listener loop.
type Server struct {
	mu sync.Mutex

	ifindex  int
	ifname   string
	serverIP net.IP

	clk  clock.Clock
	log  *logging.Logger
	save func(*Lease)

	startIP uint32 // host order
	endIP   uint32
	leaseD  time.Duration

	options []dhcpv4.Option

	conn    net.PacketConn
	raw     RawSender
	started bool
	stopCh  chan struct{}

	table *leaseTable

	// OnLease is invoked after every committed allocation; the supervisor
	// uses it to emit R: messages.
	OnLease func(mac net.HardwareAddr, ip net.IP)
}

// NewServer creates a server bound to an interface. Configure it with
// SetIPRange/SetLeaseTime/SetOption, then Start.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ifindex <= 0 {
		return nil, fmt.Errorf("%w: ifindex %d", ErrInvalidIndex, cfg.Ifindex)
	}
	if cfg.ServerIP == nil || cfg.ServerIP.To4() == nil {
		return nil, fmt.Errorf("%w: server ip", ErrInvalidArgument)
	}
	if cfg.Clock == nil {
		cfg.Clock = &clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("dhcp-server")
	}

	return &Server{
		ifindex:  cfg.Ifindex,
		ifname:   cfg.Ifname,
		serverIP: cfg.ServerIP.To4(),
		clk:      cfg.Clock,
		log:      cfg.Logger,
		save:     cfg.SaveLease,
		leaseD:   defaultLeaseTime,
		conn:     cfg.Conn,
		raw:      cfg.Raw,
		table:    newLeaseTable(),
	}, nil
}

// SetIPRange configures the allocation range (inclusive, host order).
func (s *Server) SetIPRange(start, end net.IP) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%w: server started", ErrInvalidArgument)
	}

	a, b := start.To4(), end.To4()
	if a == nil || b == nil {
		return fmt.Errorf("%w: range not IPv4", ErrInvalidArgument)
	}
	if ip4ToU32(a) > ip4ToU32(b) {
		return fmt.Errorf("%w: reversed range", ErrInvalidArgument)
	}
	s.startIP = ip4ToU32(a)
	s.endIP = ip4ToU32(b)
	return nil
}

// SetLeaseTime configures the lease duration handed to clients.
func (s *Server) SetLeaseTime(d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d < 10*time.Second {
		return fmt.Errorf("%w: lease time too short", ErrInvalidArgument)
	}
	s.leaseD = d
	return nil
}

// SetOption configures an option handed to clients. Unsupported keys are
// rejected.
func (s *Server) SetOption(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	opt, err := parseServerOption(key, value)
	if err != nil {
		return err
	}
	for i, have := range s.options {
		if have.Code.Code() == opt.Code.Code() {
			s.options[i] = opt
			return nil
		}
	}
	s.options = append(s.options, opt)
	return nil
}

// InsertLease seeds the table with a persisted lease.
func (s *Server) InsertLease(mac net.HardwareAddr, ip net.IP, expire time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.table.insert(&Lease{
		MAC:    append(net.HardwareAddr{}, mac...),
		IP:     append(net.IP{}, ip.To4()...),
		Expire: expire,
	})
}

// Leases returns a snapshot of the lease table ordered by descending
// expiry.
func (s *Server) Leases() []*Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table.all()
}

// Start opens the listener and begins serving.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	if s.startIP == 0 || s.endIP == 0 {
		return fmt.Errorf("%w: no address range configured", ErrInvalidArgument)
	}

	if s.conn == nil {
		conn, err := server4.NewIPv4UDPConn(s.ifname, &net.UDPAddr{IP: net.IPv4zero, Port: serverPort})
		if err != nil {
			return fmt.Errorf("%w: listen :%d: %v", ErrAddressInUse, serverPort, err)
		}
		s.conn = conn
	}
	if s.raw == nil {
		raw, err := newRawSender(s.ifindex)
		if err != nil {
			s.conn.Close()
			s.conn = nil
			return err
		}
		s.raw = raw
	}

	s.started = true
	s.stopCh = make(chan struct{})
	go s.serve()
	s.log.Info("dhcp server started", "ifname", s.ifname, "range",
		fmt.Sprintf("%s..%s", u32ToIP4(s.startIP), u32ToIP4(s.endIP)))
	return nil
}

// Stop saves the table through the save-lease callback and closes the
// sockets. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return
	}
	s.started = false
	close(s.stopCh)

	if s.save != nil {
		for _, l := range s.table.all() {
			s.save(l)
		}
	}

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if s.raw != nil {
		s.raw.Close()
		s.raw = nil
	}
}

func (s *Server) serve() {
	buf := make([]byte, 1500)
	for {
		n, peer, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-s.stopCh:
			default:
				s.log.Warn("read failed", "error", err)
			}
			return
		}

		msg, err := dhcpv4.FromBytes(buf[:n])
		if err != nil {
			continue // malformed, drop
		}

		s.mu.Lock()
		reply, mode := s.handleMessageLocked(msg)
		s.mu.Unlock()

		if reply == nil || mode == sendNone {
			continue
		}
		s.send(reply, msg, mode, peer)
	}
}

func (s *Server) send(reply, req *dhcpv4.DHCPv4, mode sendMode, peer net.Addr) {
	payload := reply.ToBytes()
	switch mode {
	case sendBroadcast:
		if err := s.raw.Send(payload, nil, s.serverIP, net.IPv4bcast, serverPort, clientPort); err != nil {
			s.log.Warn("broadcast reply failed", "error", err)
		}
	case sendUnicastL2:
		if err := s.raw.Send(payload, req.ClientHWAddr, s.serverIP, reply.YourIPAddr, serverPort, clientPort); err != nil {
			s.log.Warn("unicast reply failed", "error", err)
		}
	case sendUnicastUDP:
		dst := &net.UDPAddr{IP: req.ClientIPAddr, Port: clientPort}
		if _, err := s.conn.WriteTo(payload, dst); err != nil {
			s.log.Warn("udp reply failed", "error", err)
		}
	case sendRelay:
		dst := &net.UDPAddr{IP: req.GatewayIPAddr, Port: serverPort}
		if _, err := s.conn.WriteTo(payload, dst); err != nil {
			s.log.Warn("relay reply failed", "error", err)
		}
	}
}

// handleMessageLocked is the protocol core: one request in, at most one
// reply out, lease table mutations strictly serialized under mu.
func (s *Server) handleMessageLocked(msg *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, sendMode) {
	if msg.OpCode != dhcpv4.OpcodeBootRequest || len(msg.ClientHWAddr) != 6 {
		return nil, sendNone
	}

	metrics.Get().DHCPPackets.WithLabelValues("rx", msg.MessageType().String()).Inc()

	switch msg.MessageType() {
	case dhcpv4.MessageTypeDiscover:
		return s.handleDiscoverLocked(msg)
	case dhcpv4.MessageTypeRequest:
		return s.handleRequestLocked(msg)
	case dhcpv4.MessageTypeDecline:
		s.handleDeclineLocked(msg)
	case dhcpv4.MessageTypeRelease:
		s.handleReleaseLocked(msg)
	case dhcpv4.MessageTypeInform:
		return s.handleInformLocked(msg)
	}
	return nil, sendNone
}

// inRange reports whether ip (host order) is allocatable: inside the range
// and neither a .0 nor a .255 host.
func (s *Server) inRange(ip uint32) bool {
	if ip < s.startIP || ip > s.endIP {
		return false
	}
	switch byte(ip) {
	case 0x00, 0xFF:
		return false
	}
	return true
}

// allocateLocked walks the allocation ladder for a DISCOVER.
func (s *Server) allocateLocked(msg *dhcpv4.DHCPv4) net.IP {
	now := s.clk.Now()

	// 1. An existing binding is simply reoffered.
	if l := s.table.getByMAC(msg.ClientHWAddr); l != nil {
		return l.IP
	}

	// 2. Honor the requested address when it is ours to give.
	if req := msg.RequestedIPAddress(); req != nil {
		ip := ip4ToU32(req)
		if s.inRange(ip) {
			if l := s.table.getByIP(req); l == nil || l.Expired(now) {
				if l != nil {
					s.table.remove(l)
				}
				return req.To4()
			}
		}
	}

	// 3. First free host in the range.
	for ip := s.startIP; ip <= s.endIP; ip++ {
		if !s.inRange(ip) {
			continue
		}
		l := s.table.getByIP(u32ToIP4(ip))
		if l == nil {
			return u32ToIP4(ip)
		}
		if l.Expired(now) {
			s.table.remove(l)
			return u32ToIP4(ip)
		}
	}

	// 4. Steal the oldest binding if it has expired.
	if oldest := s.table.oldest(); oldest != nil && oldest.Expired(now) {
		s.table.remove(oldest)
		return oldest.IP
	}

	return nil
}

func (s *Server) replyOptions(typ dhcpv4.MessageType, leaseSecs uint32) []dhcpv4.Modifier {
	mods := []dhcpv4.Modifier{
		dhcpv4.WithMessageType(typ),
		dhcpv4.WithServerIP(s.serverIP),
		dhcpv4.WithOption(dhcpv4.OptServerIdentifier(s.serverIP)),
	}
	if leaseSecs > 0 {
		mods = append(mods, dhcpv4.WithOption(dhcpv4.OptGeneric(dhcpv4.OptionIPAddressLeaseTime, leaseBytes(leaseSecs))))
	}
	for _, opt := range s.options {
		mods = append(mods, dhcpv4.WithOption(opt))
	}
	return mods
}

func leaseBytes(secs uint32) []byte {
	return []byte{byte(secs >> 24), byte(secs >> 16), byte(secs >> 8), byte(secs)}
}

func (s *Server) handleDiscoverLocked(msg *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, sendMode) {
	ip := s.allocateLocked(msg)
	if ip == nil {
		s.log.Info("range exhausted, no offer", "mac", msg.ClientHWAddr.String())
		return nil, sendNone
	}

	// Record the offer with a short hold so concurrent discoveries cannot
	// be handed the same address.
	if s.table.getByMAC(msg.ClientHWAddr) == nil {
		s.table.insert(&Lease{
			MAC:    append(net.HardwareAddr{}, msg.ClientHWAddr...),
			IP:     append(net.IP{}, ip...),
			Expire: s.clk.Now().Add(offerHold),
		})
	}

	mods := append(s.replyOptions(dhcpv4.MessageTypeOffer, uint32(s.leaseD/time.Second)),
		dhcpv4.WithYourIP(ip))
	reply, err := dhcpv4.NewReplyFromRequest(msg, mods...)
	if err != nil {
		return nil, sendNone
	}
	s.log.Debug("offer", "mac", msg.ClientHWAddr.String(), "ip", ip.String())
	return reply, s.replyMode(msg)
}

// replyMode picks the reply path: to the relay when giaddr is set, kernel
// unicast to ciaddr when the client has an address and the broadcast flag
// is clear, and an L2 broadcast otherwise (ciaddr zero or broadcast flag
// set).
func (s *Server) replyMode(msg *dhcpv4.DHCPv4) sendMode {
	if msg.GatewayIPAddr != nil && !msg.GatewayIPAddr.IsUnspecified() {
		return sendRelay
	}
	if msg.ClientIPAddr != nil && !msg.ClientIPAddr.IsUnspecified() && !msg.IsBroadcast() {
		return sendUnicastUDP
	}
	return sendBroadcast
}

func (s *Server) handleRequestLocked(msg *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, sendMode) {
	now := s.clk.Now()
	lease := s.table.getByMAC(msg.ClientHWAddr)

	requested := msg.RequestedIPAddress()
	if requested == nil || requested.IsUnspecified() {
		requested = msg.ClientIPAddr
	}
	requested = requested.To4()

	serverID := msg.ServerIdentifier()

	// A client selecting another server is forgotten without an answer.
	if serverID != nil && !serverID.Equal(s.serverIP) {
		if lease != nil {
			s.table.remove(lease)
		}
		return nil, sendNone
	}

	// No server-id and no binding means this client is INIT-REBOOTing into
	// a network we never leased on.
	if serverID == nil && lease == nil {
		return s.nak(msg)
	}

	if requested == nil || requested.IsUnspecified() {
		return s.nak(msg)
	}

	// A request for anything but the client's binding is refused.
	if lease == nil || !lease.IP.Equal(requested) {
		s.log.Info("nak", "mac", msg.ClientHWAddr.String(), "requested", ipString(requested))
		return s.nak(msg)
	}

	// Commit the full lease.
	lease.Expire = now.Add(s.leaseD)
	s.table.touch(lease)
	metrics.Get().DHCPLeases.WithLabelValues(s.ifname).Set(float64(s.table.len()))
	if s.save != nil {
		s.save(lease)
	}
	if s.OnLease != nil {
		s.OnLease(lease.MAC, lease.IP)
	}

	mods := append(s.replyOptions(dhcpv4.MessageTypeAck, uint32(s.leaseD/time.Second)),
		dhcpv4.WithYourIP(lease.IP))
	reply, err := dhcpv4.NewReplyFromRequest(msg, mods...)
	if err != nil {
		return nil, sendNone
	}
	s.log.Info("ack", "mac", msg.ClientHWAddr.String(), "ip", lease.IP.String())
	return reply, s.replyMode(msg)
}

func (s *Server) nak(msg *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, sendMode) {
	reply, err := dhcpv4.NewReplyFromRequest(msg, s.replyOptions(dhcpv4.MessageTypeNak, 0)...)
	if err != nil {
		return nil, sendNone
	}
	// NAKs always go wide: the client may hold an address we do not
	// recognize.
	metrics.Get().DHCPNaks.WithLabelValues("tx").Inc()
	return reply, sendBroadcast
}

func (s *Server) handleDeclineLocked(msg *dhcpv4.DHCPv4) {
	if lease := s.table.getByMAC(msg.ClientHWAddr); lease != nil {
		s.log.Info("decline, dropping lease", "mac", msg.ClientHWAddr.String(), "ip", lease.IP.String())
		s.table.remove(lease)
	}
}

func (s *Server) handleReleaseLocked(msg *dhcpv4.DHCPv4) {
	if lease := s.table.getByMAC(msg.ClientHWAddr); lease != nil {
		s.log.Info("release", "mac", msg.ClientHWAddr.String(), "ip", lease.IP.String())
		lease.Expire = s.clk.Now()
		s.table.touch(lease)
	}
}

// handleInformLocked answers configuration without allocating.
func (s *Server) handleInformLocked(msg *dhcpv4.DHCPv4) (*dhcpv4.DHCPv4, sendMode) {
	reply, err := dhcpv4.NewReplyFromRequest(msg, s.replyOptions(dhcpv4.MessageTypeAck, 0)...)
	if err != nil {
		return nil, sendNone
	}
	return reply, sendUnicastUDP
}
