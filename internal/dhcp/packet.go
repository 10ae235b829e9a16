package dhcp

import (
	"encoding/binary"
	"fmt"
	"net"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// DHCPv4 UDP ports.
const (
	serverPort = 67
	clientPort = 68
)

// maxMessageSize is advertised to servers in option 57.
const maxMessageSize = 576

// Fixed BOOTP field offsets used when re-reading overloaded areas from the
// raw packet (RFC 2131 figure 1).
const (
	bootpSnameOff   = 44
	bootpFileOff    = 108
	bootpCookieOff  = 236
	bootpOptionsOff = 240
)

// Option-overload values (RFC 2132 §9.3).
const (
	overloadFile  = 0x01
	overloadSname = 0x02
)

// packetBuilder wraps the raw IPv4/UDP arithmetic needed for L2 sends so
// the state machines only ever see byte slices.
type packetBuilder struct {
	srcIP   net.IP
	dstIP   net.IP
	srcPort uint16
	dstPort uint16
}

// build frames payload with IPv4 and UDP headers, checksums computed, ready
// for an AF_PACKET datagram socket bound to ETH_P_IP.
func (b packetBuilder) build(payload []byte) []byte {
	const ipHdrLen = 20
	const udpHdrLen = 8

	udpLen := udpHdrLen + len(payload)
	pkt := make([]byte, ipHdrLen+udpLen)

	src := b.srcIP.To4()
	dst := b.dstIP.To4()

	// IPv4 header.
	pkt[0] = 0x45 // version 4, IHL 5
	pkt[1] = 0x10 // TOS 0x10 (low delay), kept from BOOTP tradition
	binary.BigEndian.PutUint16(pkt[2:4], uint16(len(pkt)))
	pkt[8] = 64 // TTL
	pkt[9] = 17 // UDP
	copy(pkt[12:16], src)
	copy(pkt[16:20], dst)
	binary.BigEndian.PutUint16(pkt[10:12], ipChecksum(pkt[:ipHdrLen]))

	// UDP header.
	udp := pkt[ipHdrLen:]
	binary.BigEndian.PutUint16(udp[0:2], b.srcPort)
	binary.BigEndian.PutUint16(udp[2:4], b.dstPort)
	binary.BigEndian.PutUint16(udp[4:6], uint16(udpLen))
	copy(udp[udpHdrLen:], payload)
	binary.BigEndian.PutUint16(udp[6:8], udpChecksum(src, dst, udp))

	return pkt
}

// ipChecksum is the BSD 16-bit one's-complement sum over the IP header with
// the checksum field taken as zero.
func ipChecksum(hdr []byte) uint16 {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		if i == 10 {
			continue
		}
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return ^uint16(sum)
}

// udpChecksum computes the UDP checksum over the IPv4 pseudo-header and the
// UDP header + payload (checksum field taken as zero).
func udpChecksum(src, dst net.IP, udp []byte) uint16 {
	var sum uint32

	add16 := func(b []byte) {
		for i := 0; i+1 < len(b); i += 2 {
			sum += uint32(binary.BigEndian.Uint16(b[i : i+2]))
		}
		if len(b)%2 == 1 {
			sum += uint32(b[len(b)-1]) << 8
		}
	}

	add16(src.To4())
	add16(dst.To4())
	sum += 17 // protocol
	sum += uint32(len(udp))

	add16(udp[0:6]) // skip checksum field at 6:8
	add16(udp[8:])

	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	cs := ^uint16(sum)
	if cs == 0 {
		cs = 0xFFFF
	}
	return cs
}

// verifyIPChecksum recomputes a one's-complement sum including the stored
// checksum; a valid header sums to 0xFFFF (zero once complemented).
func verifyIPChecksum(hdr []byte) bool {
	var sum uint32
	for i := 0; i+1 < len(hdr); i += 2 {
		sum += uint32(binary.BigEndian.Uint16(hdr[i : i+2]))
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum) == 0xFFFF
}

// extractUDP4 validates an IPv4/UDP frame received on the raw listener and
// returns the UDP payload. The kernel-side BPF has already narrowed traffic
// to UDP towards our port; this re-checks what BPF cannot: checksums and
// exact addressing.
func extractUDP4(pkt []byte, wantDstPort uint16) ([]byte, error) {
	if len(pkt) < 20 {
		return nil, fmt.Errorf("%w: short ip packet", ErrProtocol)
	}
	ihl := int(pkt[0]&0x0F) * 4
	if pkt[0]>>4 != 4 || ihl < 20 || len(pkt) < ihl+8 {
		return nil, fmt.Errorf("%w: bad ip header", ErrProtocol)
	}
	if !verifyIPChecksum(pkt[:ihl]) {
		return nil, fmt.Errorf("%w: ip checksum", ErrProtocol)
	}
	if pkt[9] != 17 {
		return nil, fmt.Errorf("%w: not udp", ErrProtocol)
	}
	// Fragments cannot carry a full BOOTP message we care about.
	if fragOff := binary.BigEndian.Uint16(pkt[6:8]) & 0x1FFF; fragOff != 0 {
		return nil, fmt.Errorf("%w: fragmented", ErrProtocol)
	}

	udp := pkt[ihl:]
	if binary.BigEndian.Uint16(udp[2:4]) != wantDstPort {
		return nil, fmt.Errorf("%w: wrong udp port", ErrProtocol)
	}
	udpLen := int(binary.BigEndian.Uint16(udp[4:6]))
	if udpLen < 8 || udpLen > len(udp) {
		return nil, fmt.Errorf("%w: bad udp length", ErrProtocol)
	}
	udp = udp[:udpLen]

	if stored := binary.BigEndian.Uint16(udp[6:8]); stored != 0 {
		src := net.IP(pkt[12:16])
		dst := net.IP(pkt[16:20])
		if udpChecksum(src, dst, udp) != stored {
			return nil, fmt.Errorf("%w: udp checksum", ErrProtocol)
		}
	}

	return udp[8:], nil
}

// parseBOOTP decodes a BOOTP payload, verifying the magic cookie and merging
// options continued into file/sname when the overload option directs so.
func parseBOOTP(payload []byte) (*dhcpv4.DHCPv4, error) {
	if len(payload) < bootpOptionsOff {
		return nil, fmt.Errorf("%w: short bootp packet", ErrProtocol)
	}
	if binary.BigEndian.Uint32(payload[bootpCookieOff:bootpCookieOff+4]) != 0x63825363 {
		return nil, fmt.Errorf("%w: bad bootp cookie", ErrProtocol)
	}

	msg, err := dhcpv4.FromBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProtocol, err)
	}

	mergeOverloadedOptions(msg, payload)

	return msg, nil
}

// mergeOverloadedOptions implements RFC 2132 option overloading: when option
// 52 is present, the file and/or sname areas hold further options, read in
// that order, without overriding codes already seen in the main area.
func mergeOverloadedOptions(msg *dhcpv4.DHCPv4, raw []byte) {
	overload := msg.Options.Get(dhcpv4.OptionOptionOverload)
	if len(overload) != 1 {
		return
	}

	merge := func(area []byte) {
		opts, err := parseOptionArea(area)
		if err != nil {
			return
		}
		for code, value := range opts {
			if _, seen := msg.Options[code]; !seen {
				msg.Options[code] = value
			}
		}
	}

	if overload[0]&overloadFile != 0 {
		merge(raw[bootpFileOff:bootpCookieOff])
	}
	if overload[0]&overloadSname != 0 {
		merge(raw[bootpSnameOff:bootpFileOff])
	}
}

// parseOptionArea scans a raw TLV area honoring pad (0) and end (255).
func parseOptionArea(area []byte) (map[uint8][]byte, error) {
	opts := make(map[uint8][]byte)
	for i := 0; i < len(area); {
		code := area[i]
		switch code {
		case 0: // pad
			i++
			continue
		case 255: // end
			return opts, nil
		}
		if i+2 > len(area) {
			return nil, fmt.Errorf("%w: truncated option", ErrProtocol)
		}
		length := int(area[i+1])
		if i+2+length > len(area) {
			return nil, fmt.Errorf("%w: truncated option value", ErrProtocol)
		}
		// First occurrence wins inside one area; concatenation of repeats
		// is not needed for the option set we request.
		if _, ok := opts[code]; !ok {
			opts[code] = append([]byte{}, area[i+2:i+2+length]...)
		}
		i += 2 + length
	}
	return opts, nil
}
