package supervisor

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"

	"github.com/albfan/miraclecast/internal/logging"
)

// Comm is the datagram channel back to the parent daemon. Each message is
// one packet of ASCII:
//
//	L:<ip>        local address
//	S:<mask>      subnet mask
//	D:<ip>        primary DNS (optional)
//	G:<ip>        primary gateway (optional)
//	R:<mac> <ip>  remote lease (server mode)
//
// A failed send disables the channel; the failure is logged once.
type Comm struct {
	fd       int
	disabled bool
	log      *logging.Logger
}

// NewComm wraps an inherited datagram socket fd. A negative fd yields a
// disabled channel.
func NewComm(fd int) *Comm {
	return &Comm{
		fd:       fd,
		disabled: fd < 0,
		log:      logging.WithComponent("comm"),
	}
}

func (c *Comm) send(msg string) {
	if c.disabled {
		return
	}
	if err := unix.Send(c.fd, []byte(msg), unix.MSG_NOSIGNAL); err != nil {
		c.disabled = true
		c.log.Error("cannot write to comm socket, disabling it", "error", err)
	}
}

// Local announces the locally configured address.
func (c *Comm) Local(ip net.IP) {
	c.send("L:" + ip.String())
}

// Subnet announces the subnet mask.
func (c *Comm) Subnet(mask net.IPMask) {
	c.send("S:" + net.IP(mask).String())
}

// DNS announces the primary DNS server.
func (c *Comm) DNS(ip net.IP) {
	c.send("D:" + ip.String())
}

// Gateway announces the primary gateway.
func (c *Comm) Gateway(ip net.IP) {
	c.send("G:" + ip.String())
}

// RemoteLease announces a lease handed to a peer.
func (c *Comm) RemoteLease(mac net.HardwareAddr, ip net.IP) {
	c.send(fmt.Sprintf("R:%s %s", mac.String(), ip.String()))
}

// ParseMessage decodes one comm packet on the parent side.
func ParseMessage(pkt []byte) (kind byte, value string, err error) {
	if len(pkt) < 2 || pkt[1] != ':' {
		return 0, "", fmt.Errorf("malformed comm message %q", pkt)
	}
	switch pkt[0] {
	case 'L', 'S', 'D', 'G', 'R':
		return pkt[0], string(pkt[2:]), nil
	}
	return 0, "", fmt.Errorf("unknown comm message kind %q", pkt[0])
}
