// Package supervisor binds one DHCP state machine to one network
// interface: as a client it acquires an address for the local end of a
// P2P link (falling back to IPv4LL), as a server it hands out addresses
// to peers. Results are reported to the parent daemon over a datagram
// comm socket.
package supervisor

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/albfan/miraclecast/internal/clock"
	"github.com/albfan/miraclecast/internal/dhcp"
	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/state"
)

// Config is the full supervisor configuration, mapped from the CLI.
type Config struct {
	Netdev string

	// Server selects server mode.
	Server bool

	// Prefix is the first three octets of the group network.
	Prefix string
	// Subnet is the dotted netmask.
	Subnet string
	// LocalSuffix is our host part (server mode).
	LocalSuffix int
	// GatewaySuffix, DNSSuffix are announced to the parent when set.
	GatewaySuffix int
	DNSSuffix     int
	// FromSuffix/ToSuffix bound the allocation range (server mode).
	FromSuffix int
	ToSuffix   int

	// CommFD is the inherited datagram socket, -1 to disable.
	CommFD int

	// IPBinary, when set, applies addresses via ip(8) instead of
	// netlink.
	IPBinary string

	// LeaseDB persists server-mode leases when set.
	LeaseDB string

	Clock  clock.Clock
	Logger *logging.Logger
}

// Supervisor runs one client or server instance until signalled.
type Supervisor struct {
	cfg Config

	iface *net.Interface
	comm  *Comm
	apply Applier
	clk   clock.Clock
	log   *logging.Logger

	client *dhcp.Client4
	ll     *dhcp.Client4
	server *dhcp.Server

	store  *state.SQLiteStore
	bucket *state.DHCPBucket

	done chan error
}

// New validates the configuration and prepares a supervisor.
func New(cfg Config) (*Supervisor, error) {
	if cfg.Netdev == "" {
		return nil, fmt.Errorf("%w: netdev required", dhcp.ErrInvalidArgument)
	}
	if !cfg.Server && (cfg.FromSuffix != 0 || cfg.ToSuffix != 0 || cfg.LocalSuffix != 0) {
		return nil, fmt.Errorf("%w: client mode rejects server-only flags", dhcp.ErrInvalidArgument)
	}
	if cfg.Clock == nil {
		cfg.Clock = &clock.RealClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.WithComponent("supervisor")
	}

	iface, err := net.InterfaceByName(cfg.Netdev)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", dhcp.ErrInterfaceUnavailable, cfg.Netdev, err)
	}

	var apply Applier
	if cfg.IPBinary != "" {
		apply = NewExecApplier(cfg.IPBinary)
	} else {
		apply = NewNetlinkApplier()
	}

	return &Supervisor{
		cfg:   cfg,
		iface: iface,
		comm:  NewComm(cfg.CommFD),
		apply: apply,
		clk:   cfg.Clock,
		log:   cfg.Logger,
		done:  make(chan error, 1),
	}, nil
}

// suffixIP composes prefix.suffix.
func (s *Supervisor) suffixIP(suffix int) net.IP {
	return net.ParseIP(fmt.Sprintf("%s.%d", s.cfg.Prefix, suffix))
}

func (s *Supervisor) mask() net.IPMask {
	return net.IPMask(net.ParseIP(s.cfg.Subnet).To4())
}

// Run executes until a termination signal or a fatal error.
func (s *Supervisor) Run() error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP, syscall.SIGPIPE)
	defer signal.Stop(sigCh)

	var err error
	if s.cfg.Server {
		err = s.startServer()
	} else {
		err = s.startClient()
	}
	if err != nil {
		return err
	}
	defer s.shutdown()

	select {
	case sig := <-sigCh:
		s.log.Info("terminating on signal", "signal", sig.String())
		return nil
	case err := <-s.done:
		return err
	}
}

func (s *Supervisor) shutdown() {
	if s.client != nil {
		s.client.Stop()
	}
	if s.ll != nil {
		s.ll.Stop()
	}
	if s.server != nil {
		s.server.Stop()
	}
	if s.store != nil {
		s.store.Close()
	}
}

// fail terminates the run loop with a fatal error.
func (s *Supervisor) fail(err error) {
	select {
	case s.done <- err:
	default:
	}
}

// --- client mode ---

func (s *Supervisor) startClient() error {
	io, err := dhcp.NewPacketIO(s.iface.Index)
	if err != nil {
		return err
	}

	client, err := dhcp.NewClient4(dhcp.Config4{
		Ifindex:  s.iface.Index,
		Ifname:   s.iface.Name,
		HWAddr:   s.iface.HardwareAddr,
		Type:     dhcp.TypeIPv4,
		IO:       io,
		Clock:    s.clk,
		Logger:   s.log.WithComponent("dhcp4"),
		Callback: s.clientEvent,
	})
	if err != nil {
		return err
	}
	s.client = client
	return client.Start(nil)
}

func (s *Supervisor) clientEvent(e dhcp.Event4) {
	switch e.Type {
	case dhcp.EventLeaseAvailable, dhcp.EventIPv4LLAvailable:
		if err := s.applyLease(e.Lease); err != nil {
			s.log.Error("applying lease failed", "error", err)
			s.fail(err)
			return
		}
		s.announceLease(e.Lease)

	case dhcp.EventNoLease:
		if s.ll == nil {
			// DHCP went nowhere; fall back to a link-local address.
			s.log.Info("no dhcp lease, falling back to ipv4ll")
			if err := s.startIPv4LL(); err != nil {
				s.fail(err)
			}
			return
		}
		s.fail(dhcp.ErrNoLease)

	case dhcp.EventLeaseLost, dhcp.EventIPv4LLLost:
		s.log.Info("address lost")
		s.fail(dhcp.ErrNoLease)
	}
}

func (s *Supervisor) startIPv4LL() error {
	if s.client != nil {
		s.client.Stop()
		s.client = nil
	}

	io, err := dhcp.NewPacketIO(s.iface.Index)
	if err != nil {
		return err
	}

	ll, err := dhcp.NewClient4(dhcp.Config4{
		Ifindex:  s.iface.Index,
		Ifname:   s.iface.Name,
		HWAddr:   s.iface.HardwareAddr,
		Type:     dhcp.TypeIPv4LL,
		IO:       io,
		Clock:    s.clk,
		Logger:   s.log.WithComponent("ipv4ll"),
		Callback: s.clientEvent,
	})
	if err != nil {
		return err
	}
	s.ll = ll
	return ll.Start(nil)
}

func (s *Supervisor) applyLease(lease *dhcp.Lease4) error {
	if err := s.apply.Flush(s.cfg.Netdev); err != nil {
		return err
	}
	mask := lease.Subnet
	if mask == nil {
		mask = net.IPMask{255, 255, 255, 0}
	}
	return s.apply.Add(s.cfg.Netdev, lease.IP, mask)
}

func (s *Supervisor) announceLease(lease *dhcp.Lease4) {
	s.comm.Local(lease.IP)
	if lease.Subnet != nil {
		s.comm.Subnet(lease.Subnet)
	} else {
		s.comm.Subnet(net.IPMask{255, 255, 0, 0})
	}
	if len(lease.DNS) > 0 {
		s.comm.DNS(lease.DNS[0])
	}
	if lease.Router != nil {
		s.comm.Gateway(lease.Router)
	}
}

// --- server mode ---

func (s *Supervisor) startServer() error {
	local := s.suffixIP(s.cfg.LocalSuffix)
	mask := s.mask()
	if local == nil || mask == nil {
		return fmt.Errorf("%w: bad prefix or subnet", dhcp.ErrInvalidArgument)
	}

	if err := s.apply.Flush(s.cfg.Netdev); err != nil {
		return err
	}
	if err := s.apply.Add(s.cfg.Netdev, local, mask); err != nil {
		return err
	}
	s.comm.Local(local)
	s.comm.Subnet(mask)

	var save func(*dhcp.Lease)
	if s.cfg.LeaseDB != "" {
		store, err := state.OpenWithClock(s.cfg.LeaseDB, s.clk)
		if err != nil {
			s.log.Warn("lease db unavailable, running volatile", "error", err)
		} else {
			s.store = store
			s.bucket = state.NewDHCPBucket(store)
			save = s.saveLease
		}
	}

	server, err := dhcp.NewServer(dhcp.ServerConfig{
		Ifindex:   s.iface.Index,
		Ifname:    s.iface.Name,
		ServerIP:  local,
		Clock:     s.clk,
		Logger:    s.log.WithComponent("dhcp-server"),
		SaveLease: save,
	})
	if err != nil {
		return err
	}
	if err := server.SetIPRange(s.suffixIP(s.cfg.FromSuffix), s.suffixIP(s.cfg.ToSuffix)); err != nil {
		return err
	}
	if err := server.SetOption("subnet", s.cfg.Subnet); err != nil {
		return err
	}
	if s.cfg.GatewaySuffix != 0 {
		gw := s.suffixIP(s.cfg.GatewaySuffix)
		if err := server.SetOption("router", gw.String()); err != nil {
			return err
		}
		s.comm.Gateway(gw)
	}
	if s.cfg.DNSSuffix != 0 {
		dns := s.suffixIP(s.cfg.DNSSuffix)
		if err := server.SetOption("dns_server", dns.String()); err != nil {
			return err
		}
		s.comm.DNS(dns)
	}

	server.OnLease = func(mac net.HardwareAddr, ip net.IP) {
		s.comm.RemoteLease(mac, ip)
	}

	s.restoreLeases(server)

	s.server = server
	return server.Start()
}

func (s *Supervisor) saveLease(l *dhcp.Lease) {
	if s.bucket == nil {
		return
	}
	err := s.bucket.Set(&state.DHCPLease{
		MAC:     l.MAC.String(),
		IP:      l.IP.String(),
		Netdev:  s.cfg.Netdev,
		Expires: l.Expire,
	})
	if err != nil {
		s.log.Warn("lease persist failed", "mac", l.MAC.String(), "error", err)
	}
}

func (s *Supervisor) restoreLeases(server *dhcp.Server) {
	if s.bucket == nil {
		return
	}
	leases, err := s.bucket.List()
	if err != nil {
		s.log.Warn("lease restore failed", "error", err)
		return
	}

	now := s.clk.Now()
	restored := 0
	for _, l := range leases {
		if l.Netdev != s.cfg.Netdev || !l.Expires.After(now) {
			continue
		}
		mac, err := net.ParseMAC(l.MAC)
		if err != nil {
			continue
		}
		ip := net.ParseIP(l.IP)
		if ip == nil {
			continue
		}
		server.InsertLease(mac, ip, l.Expires)
		restored++
	}
	if restored > 0 {
		s.log.Info("restored leases", "count", restored)
	}
}

// Spawn starts a miracle-dhcp helper for the parent daemon, wiring a
// socketpair as the comm channel. The returned file is the parent side;
// the child process gets the other end as --comm-fd.
func Spawn(binary string, args []string) (*os.Process, *os.File, error) {
	fds, err := socketpair()
	if err != nil {
		return nil, nil, err
	}
	parentEnd, childEnd := fds[0], fds[1]

	// The child inherits fd 3.
	argv := append([]string{binary}, args...)
	argv = append(argv, "--comm-fd", "3")

	proc, err := os.StartProcess(binary, argv, &os.ProcAttr{
		Files: []*os.File{os.Stdin, os.Stdout, os.Stderr, childEnd},
	})
	childEnd.Close()
	if err != nil {
		parentEnd.Close()
		return nil, nil, fmt.Errorf("spawn %s: %w", binary, err)
	}
	return proc, parentEnd, nil
}

func socketpair() ([2]*os.File, error) {
	var out [2]*os.File
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_DGRAM|syscall.SOCK_CLOEXEC, 0)
	if err != nil {
		return out, fmt.Errorf("socketpair: %w", err)
	}
	out[0] = os.NewFile(uintptr(fds[0]), "comm-parent")
	out[1] = os.NewFile(uintptr(fds[1]), "comm-child")
	// The child end must survive exec.
	if err := clearCloseOnExec(int(out[1].Fd())); err != nil {
		out[0].Close()
		out[1].Close()
		return out, err
	}
	return out, nil
}

func clearCloseOnExec(fd int) error {
	_, _, errno := syscall.Syscall(syscall.SYS_FCNTL, uintptr(fd), syscall.F_SETFD, 0)
	if errno != 0 {
		return errno
	}
	return nil
}

// ReadComm reads comm messages from the parent end until the socket
// closes, invoking cb per message.
func ReadComm(parentEnd *os.File, cb func(kind byte, value string)) {
	buf := make([]byte, 256)
	for {
		n, err := parentEnd.Read(buf)
		if err != nil {
			return
		}
		kind, value, err := ParseMessage(buf[:n])
		if err != nil {
			continue
		}
		cb(kind, value)
	}
}
