//go:build linux

package dhcp

import (
	"fmt"
	"net"

	"golang.org/x/net/ipv6"
)

// DHCPv6 well-known addressing.
var allDHCPRelayAgentsAndServers = &net.UDPAddr{
	IP:   net.ParseIP("ff02::1:2"),
	Port: 547,
}

const clientPort6 = 546

// linuxIO6 implements PacketIO6 on a kernel UDP socket. Outgoing messages
// carry IPV6_PKTINFO so the multicast leaves on the right interface.
type linuxIO6 struct {
	ifindex int
	pc      *ipv6.PacketConn
	udp     net.PacketConn
	recv    chan []byte
	done    chan struct{}
}

// NewPacketIO6 creates the DHCPv6 socket layer for an interface.
func NewPacketIO6(ifindex int) (PacketIO6, error) {
	if _, err := net.InterfaceByIndex(ifindex); err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrInvalidIndex, ifindex, err)
	}
	return &linuxIO6{ifindex: ifindex}, nil
}

// Open implements PacketIO6.
func (io *linuxIO6) Open() error {
	udp, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: clientPort6})
	if err != nil {
		return fmt.Errorf("%w: listen :%d: %v", ErrAddressInUse, clientPort6, err)
	}

	io.udp = udp
	io.pc = ipv6.NewPacketConn(udp)
	_ = io.pc.SetMulticastHopLimit(1)

	io.recv = make(chan []byte, 16)
	io.done = make(chan struct{})
	go io.read()
	return nil
}

func (io *linuxIO6) read() {
	defer close(io.recv)
	buf := make([]byte, 1500)
	for {
		n, _, _, err := io.pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := append([]byte{}, buf[:n]...)
		select {
		case io.recv <- pkt:
		case <-io.done:
			return
		}
	}
}

// Send implements PacketIO6.
func (io *linuxIO6) Send(payload []byte) error {
	if io.pc == nil {
		return ErrNotConnected
	}
	cm := &ipv6.ControlMessage{IfIndex: io.ifindex}
	if _, err := io.pc.WriteTo(payload, cm, allDHCPRelayAgentsAndServers); err != nil {
		return fmt.Errorf("%w: dhcpv6 send: %v", ErrIo, err)
	}
	return nil
}

// Recv implements PacketIO6.
func (io *linuxIO6) Recv() <-chan []byte {
	return io.recv
}

// Close implements PacketIO6.
func (io *linuxIO6) Close() error {
	if io.done != nil {
		close(io.done)
		io.done = nil
	}
	if io.udp != nil {
		io.udp.Close()
		io.udp = nil
		io.pc = nil
	}
	return nil
}
