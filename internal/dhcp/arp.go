package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"
)

// ARP operation codes.
const (
	arpOpRequest = 1
	arpOpReply   = 2
)

// arpPacketLen is the length of an Ethernet/IPv4 ARP payload.
const arpPacketLen = 28

// ARPPacket is an Ethernet/IPv4 ARP payload. IPv4LL uses it for probes
// (SPA 0.0.0.0), announcements (SPA == TPA) and defence replies.
type ARPPacket struct {
	Op       uint16
	SenderHW net.HardwareAddr
	SenderIP net.IP // 4 bytes
	TargetHW net.HardwareAddr
	TargetIP net.IP // 4 bytes
}

// MarshalBinary encodes the ARP payload for an AF_PACKET datagram socket.
func (p *ARPPacket) MarshalBinary() ([]byte, error) {
	if len(p.SenderHW) != 6 || len(p.TargetHW) != 6 {
		return nil, fmt.Errorf("%w: hardware address length", ErrInvalidArgument)
	}
	sip := p.SenderIP.To4()
	tip := p.TargetIP.To4()
	if sip == nil || tip == nil {
		return nil, fmt.Errorf("%w: protocol address not IPv4", ErrInvalidArgument)
	}

	b := make([]byte, arpPacketLen)
	binary.BigEndian.PutUint16(b[0:2], 1)      // htype: ethernet
	binary.BigEndian.PutUint16(b[2:4], 0x0800) // ptype: IPv4
	b[4] = 6                                   // hlen
	b[5] = 4                                   // plen
	binary.BigEndian.PutUint16(b[6:8], p.Op)
	copy(b[8:14], p.SenderHW)
	copy(b[14:18], sip)
	copy(b[18:24], p.TargetHW)
	copy(b[24:28], tip)
	return b, nil
}

// parseARPPacket decodes an Ethernet/IPv4 ARP payload. Frames for other
// hardware or protocol types are rejected.
func parseARPPacket(b []byte) (*ARPPacket, error) {
	if len(b) < arpPacketLen {
		return nil, fmt.Errorf("%w: short arp packet", ErrProtocol)
	}
	if binary.BigEndian.Uint16(b[0:2]) != 1 ||
		binary.BigEndian.Uint16(b[2:4]) != 0x0800 ||
		b[4] != 6 || b[5] != 4 {
		return nil, fmt.Errorf("%w: not an ethernet/ipv4 arp packet", ErrProtocol)
	}

	p := &ARPPacket{
		Op:       binary.BigEndian.Uint16(b[6:8]),
		SenderHW: append(net.HardwareAddr{}, b[8:14]...),
		SenderIP: append(net.IP{}, b[14:18]...),
		TargetHW: append(net.HardwareAddr{}, b[18:24]...),
		TargetIP: append(net.IP{}, b[24:28]...),
	}
	return p, nil
}

// arpProbe builds a probe for candidate: SPA zero so the probe itself cannot
// pollute ARP caches.
func arpProbe(hw net.HardwareAddr, candidate net.IP) *ARPPacket {
	return &ARPPacket{
		Op:       arpOpRequest,
		SenderHW: hw,
		SenderIP: net.IPv4zero.To4(),
		TargetHW: make(net.HardwareAddr, 6),
		TargetIP: candidate,
	}
}

// arpAnnounce builds an announcement (SPA == TPA == candidate).
func arpAnnounce(hw net.HardwareAddr, candidate net.IP) *ARPPacket {
	return &ARPPacket{
		Op:       arpOpRequest,
		SenderHW: hw,
		SenderIP: candidate,
		TargetHW: make(net.HardwareAddr, 6),
		TargetIP: candidate,
	}
}
