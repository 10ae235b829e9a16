package dhcp

import (
	"fmt"
	"net"
	"strings"

	"github.com/insomniacslk/dhcp/dhcpv4"
)

// parseServerOption parses a key-value pair from the server configuration
// into a DHCP option handed to clients.
//
// Supported options:
//
//	subnet_mask (1), router (3), dns_server (6)
//
// Values are IP addresses; dns_server accepts a comma-separated list.
// Anything else is rejected at configure time.
func parseServerOption(key, value string) (dhcpv4.Option, error) {
	var code dhcpv4.OptionCode

	switch strings.ToLower(strings.ReplaceAll(key, "-", "_")) {
	case "subnet_mask", "subnet":
		code = dhcpv4.OptionSubnetMask
	case "router", "gateway", "default_gateway":
		code = dhcpv4.OptionRouter
	case "dns_server", "dns", "domain_name_server":
		code = dhcpv4.OptionDomainNameServer
	default:
		return dhcpv4.Option{}, fmt.Errorf("%w: unsupported option %q", ErrInvalidArgument, key)
	}

	var raw []byte
	for _, part := range strings.Split(value, ",") {
		ip := net.ParseIP(strings.TrimSpace(part))
		if ip == nil || ip.To4() == nil {
			return dhcpv4.Option{}, fmt.Errorf("%w: option %s: bad address %q", ErrInvalidArgument, key, part)
		}
		raw = append(raw, ip.To4()...)
		if code == dhcpv4.OptionSubnetMask || code == dhcpv4.OptionRouter {
			break // single-address options
		}
	}

	return dhcpv4.Option{Code: code, Value: dhcpv4.OptionGeneric{Data: raw}}, nil
}
