//go:build linux

package dhcp

import (
	"fmt"
	"net"
	"os"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

// socketPriority marks the DHCP listeners as high priority so P2P link
// bring-up is not starved behind bulk traffic.
const socketPriority = 6

// linuxIO implements PacketIO with AF_PACKET and AF_INET sockets.
type linuxIO struct {
	iface *net.Interface

	mode ListenMode
	pc   *packet.Conn   // ListenRaw / ListenARP
	udp  net.PacketConn // ListenUDP
	recv chan Inbound
	done chan struct{}
}

// NewPacketIO opens the packet I/O layer for the given interface index.
func NewPacketIO(ifindex int) (PacketIO, error) {
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrInvalidIndex, ifindex, err)
	}
	if iface.Flags&net.FlagUp == 0 {
		return nil, fmt.Errorf("%w: %s", ErrInterfaceDown, iface.Name)
	}
	return &linuxIO{iface: iface}, nil
}

// bootpFilter is the classic BPF program installed on the raw listener: pass
// unfragmented UDP addressed to the client port, drop everything else. The
// accept length is large enough for any frame the kernel will hand us.
func bootpFilter(dstPort uint16) ([]bpf.RawInstruction, error) {
	return bpf.Assemble([]bpf.Instruction{
		// IP protocol must be UDP.
		bpf.LoadAbsolute{Off: 9, Size: 1},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 17, SkipFalse: 6},
		// No fragment offset.
		bpf.LoadAbsolute{Off: 6, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpBitsSet, Val: 0x1FFF, SkipTrue: 4},
		// Destination port at the end of a variable-length IP header.
		bpf.LoadMemShift{Off: 0},
		bpf.LoadIndirect{Off: 2, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: uint32(dstPort), SkipFalse: 1},
		bpf.RetConstant{Val: 0x0FFFFFFF},
		bpf.RetConstant{Val: 0},
	})
}

// Listen implements PacketIO.
func (io *linuxIO) Listen(mode ListenMode) error {
	if err := io.Close(); err != nil {
		return err
	}
	io.mode = mode
	if mode == ListenNone {
		return nil
	}

	io.recv = make(chan Inbound, 16)
	io.done = make(chan struct{})

	switch mode {
	case ListenRaw:
		pc, err := packet.Listen(io.iface, packet.Datagram, unix.ETH_P_IP, nil)
		if err != nil {
			return fmt.Errorf("%w: raw listen: %v", ErrIo, err)
		}
		filter, err := bootpFilter(clientPort)
		if err != nil {
			pc.Close()
			return fmt.Errorf("%w: assemble filter: %v", ErrIo, err)
		}
		if err := pc.SetBPF(filter); err != nil {
			pc.Close()
			return fmt.Errorf("%w: set filter: %v", ErrIo, err)
		}
		setPriority(pc)
		io.pc = pc
		go io.readRaw(pc, io.recv, io.done)

	case ListenARP:
		pc, err := packet.Listen(io.iface, packet.Datagram, unix.ETH_P_ARP, nil)
		if err != nil {
			return fmt.Errorf("%w: arp listen: %v", ErrIo, err)
		}
		setPriority(pc)
		io.pc = pc
		go io.readARP(pc, io.recv, io.done)

	case ListenUDP:
		udp, err := listenClientUDP(io.iface.Name)
		if err != nil {
			return err
		}
		io.udp = udp
		go io.readUDP(udp, io.recv, io.done)
	}

	return nil
}

// listenClientUDP binds an AF_INET datagram socket to the client port on the
// given device only.
func listenClientUDP(ifname string) (net.PacketConn, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC|unix.SOCK_NONBLOCK, unix.IPPROTO_UDP)
	if err != nil {
		return nil, fmt.Errorf("%w: udp socket: %v", ErrIo, err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: SO_REUSEADDR: %v", ErrIo, err)
	}
	if err := unix.SetsockoptString(fd, unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: SO_BINDTODEVICE %s: %v", ErrIo, ifname, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriority); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: SO_PRIORITY: %v", ErrIo, err)
	}

	sa := &unix.SockaddrInet4{Port: clientPort}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: bind :%d: %v", ErrAddressInUse, clientPort, err)
	}

	f := os.NewFile(uintptr(fd), "dhcp-udp")
	pc, err := net.FilePacketConn(f)
	f.Close()
	if err != nil {
		return nil, fmt.Errorf("%w: file conn: %v", ErrIo, err)
	}
	return pc, nil
}

func setPriority(pc *packet.Conn) {
	rc, err := pc.SyscallConn()
	if err != nil {
		return
	}
	_ = rc.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PRIORITY, socketPriority)
	})
}

func (io *linuxIO) readRaw(pc *packet.Conn, out chan<- Inbound, done <-chan struct{}) {
	defer close(out)
	buf := make([]byte, 1500)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		payload, err := extractUDP4(buf[:n], clientPort)
		if err != nil {
			continue // user-space re-validation failed, drop
		}
		pkt := append([]byte{}, payload...)
		select {
		case out <- Inbound{BOOTP: pkt}:
		case <-done:
			return
		}
	}
}

func (io *linuxIO) readARP(pc *packet.Conn, out chan<- Inbound, done <-chan struct{}) {
	defer close(out)
	buf := make([]byte, 128)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		arp, err := parseARPPacket(buf[:n])
		if err != nil {
			continue
		}
		select {
		case out <- Inbound{ARP: arp}:
		case <-done:
			return
		}
	}
}

func (io *linuxIO) readUDP(pc net.PacketConn, out chan<- Inbound, done <-chan struct{}) {
	defer close(out)
	buf := make([]byte, 1500)
	for {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			return
		}
		pkt := append([]byte{}, buf[:n]...)
		select {
		case out <- Inbound{BOOTP: pkt}:
		case <-done:
			return
		}
	}
}

// Recv implements PacketIO.
func (io *linuxIO) Recv() <-chan Inbound {
	return io.recv
}

// SendL2 implements PacketIO.
func (io *linuxIO) SendL2(payload []byte, dstHW net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16) error {
	if io.pc == nil {
		return ErrNotConnected
	}
	if dstHW == nil {
		dstHW = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	frame := packetBuilder{srcIP: srcIP, dstIP: dstIP, srcPort: srcPort, dstPort: dstPort}.build(payload)
	_, err := io.pc.WriteTo(frame, &packet.Addr{HardwareAddr: dstHW})
	if err != nil {
		return fmt.Errorf("%w: raw send: %v", ErrIo, err)
	}
	return nil
}

// SendUDP implements PacketIO.
func (io *linuxIO) SendUDP(payload []byte, dst *net.UDPAddr) error {
	if io.udp == nil {
		return ErrNotConnected
	}
	if _, err := io.udp.WriteTo(payload, dst); err != nil {
		return fmt.Errorf("%w: udp send: %v", ErrIo, err)
	}
	return nil
}

// SendARP implements PacketIO.
func (io *linuxIO) SendARP(pkt *ARPPacket) error {
	if io.pc == nil {
		return ErrNotConnected
	}
	b, err := pkt.MarshalBinary()
	if err != nil {
		return err
	}
	dst := net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	if _, err := io.pc.WriteTo(b, &packet.Addr{HardwareAddr: dst}); err != nil {
		return fmt.Errorf("%w: arp send: %v", ErrIo, err)
	}
	return nil
}

// Close implements PacketIO.
func (io *linuxIO) Close() error {
	if io.done != nil {
		close(io.done)
		io.done = nil
	}
	if io.pc != nil {
		io.pc.Close()
		io.pc = nil
	}
	if io.udp != nil {
		io.udp.Close()
		io.udp = nil
	}
	io.mode = ListenNone
	io.recv = nil
	return nil
}

// rawSender is a write-only AF_PACKET socket for server replies to clients
// that cannot yet receive routed traffic.
type rawSender struct {
	pc *packet.Conn
}

// newRawSender opens the reply socket on an interface.
func newRawSender(ifindex int) (RawSender, error) {
	iface, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("%w: index %d: %v", ErrInvalidIndex, ifindex, err)
	}
	pc, err := packet.Listen(iface, packet.Datagram, unix.ETH_P_IP, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: raw sender: %v", ErrIo, err)
	}
	// Writes only: a filter that matches nothing keeps the receive queue
	// empty.
	drop, err := bpf.Assemble([]bpf.Instruction{bpf.RetConstant{Val: 0}})
	if err == nil {
		_ = pc.SetBPF(drop)
	}
	return &rawSender{pc: pc}, nil
}

// Send implements RawSender.
func (r *rawSender) Send(payload []byte, dstHW net.HardwareAddr, srcIP, dstIP net.IP, srcPort, dstPort uint16) error {
	if dstHW == nil {
		dstHW = net.HardwareAddr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	}
	frame := packetBuilder{srcIP: srcIP, dstIP: dstIP, srcPort: srcPort, dstPort: dstPort}.build(payload)
	if _, err := r.pc.WriteTo(frame, &packet.Addr{HardwareAddr: dstHW}); err != nil {
		return fmt.Errorf("%w: raw reply: %v", ErrIo, err)
	}
	return nil
}

// Close implements RawSender.
func (r *rawSender) Close() error {
	return r.pc.Close()
}
