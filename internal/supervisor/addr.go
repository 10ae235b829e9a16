package supervisor

import (
	"fmt"
	"net"
	"os/exec"

	"github.com/vishvananda/netlink"

	"github.com/albfan/miraclecast/internal/logging"
)

// Applier installs and removes interface addressing for a lease.
type Applier interface {
	// Flush removes every address from the device.
	Flush(netdev string) error

	// Add configures ip/mask on the device.
	Add(netdev string, ip net.IP, mask net.IPMask) error
}

// NetlinkApplier talks to the kernel directly.
type NetlinkApplier struct {
	log *logging.Logger
}

// NewNetlinkApplier creates the kernel-backed applier.
func NewNetlinkApplier() *NetlinkApplier {
	return &NetlinkApplier{log: logging.WithComponent("addr")}
}

// Flush implements Applier.
func (a *NetlinkApplier) Flush(netdev string) error {
	link, err := netlink.LinkByName(netdev)
	if err != nil {
		return fmt.Errorf("link %s: %w", netdev, err)
	}

	addrs, err := netlink.AddrList(link, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("list addrs on %s: %w", netdev, err)
	}
	for _, addr := range addrs {
		if err := netlink.AddrDel(link, &addr); err != nil {
			a.log.Warn("addr flush failed", "netdev", netdev, "addr", addr.IP, "error", err)
		}
	}
	return nil
}

// Add implements Applier.
func (a *NetlinkApplier) Add(netdev string, ip net.IP, mask net.IPMask) error {
	link, err := netlink.LinkByName(netdev)
	if err != nil {
		return fmt.Errorf("link %s: %w", netdev, err)
	}

	addr := &netlink.Addr{IPNet: &net.IPNet{IP: ip, Mask: mask}}
	if err := netlink.AddrAdd(link, addr); err != nil {
		return fmt.Errorf("add %s to %s: %w", addr.IPNet, netdev, err)
	}
	if err := netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("set %s up: %w", netdev, err)
	}

	a.log.Info("address configured", "netdev", netdev, "addr", addr.IPNet.String())
	return nil
}

// ExecApplier shells out to the ip(8) binary; kept for setups where the
// daemon is not allowed to speak netlink itself.
type ExecApplier struct {
	// Binary is the ip(8) path.
	Binary string

	log *logging.Logger

	// runner is swapped by tests.
	runner func(bin string, args ...string) error
}

// NewExecApplier creates an applier invoking the given ip binary.
func NewExecApplier(binary string) *ExecApplier {
	a := &ExecApplier{
		Binary: binary,
		log:    logging.WithComponent("addr"),
	}
	a.runner = a.run
	return a
}

// run forks the ip binary and waits for it. Any abnormal or non-zero exit
// is fatal to the caller.
func (a *ExecApplier) run(bin string, args ...string) error {
	cmd := exec.Command(bin, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %v: %w (%s)", bin, args, err, string(out))
	}
	return nil
}

// Flush implements Applier.
func (a *ExecApplier) Flush(netdev string) error {
	return a.runner(a.Binary, "addr", "flush", "dev", netdev)
}

// Add implements Applier.
func (a *ExecApplier) Add(netdev string, ip net.IP, mask net.IPMask) error {
	ones, _ := mask.Size()
	return a.runner(a.Binary, "addr", "add",
		fmt.Sprintf("%s/%d", ip.String(), ones), "dev", netdev)
}
