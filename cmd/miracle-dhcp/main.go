// miracle-dhcp is the DHCP helper of the miraclecast daemons: bound to one
// network interface it either acquires an address (client mode, with an
// IPv4LL fallback) or serves a configured range (server mode), reporting
// results to its parent over the --comm-fd datagram socket.
package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"github.com/albfan/miraclecast/internal/logging"
	"github.com/albfan/miraclecast/internal/supervisor"
)

const version = "1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("miracle-dhcp", flag.ContinueOnError)

	var (
		netdev   = fs.String("netdev", "", "network device to run on (required)")
		ipBinary = fs.String("ip-binary", "/bin/ip", "ip binary used to configure addresses (empty selects netlink)")
		commFD   = fs.Int("comm-fd", -1, "datagram socket fd for lease notifications")
		server   = fs.Bool("server", false, "run as DHCP server instead of client")
		prefix   = fs.String("prefix", "192.168.77", "private network prefix (a.b.c)")
		local    = fs.Int("local", 1, "local address suffix (server only)")
		gateway  = fs.Int("gateway", 0, "gateway address suffix (server only)")
		dns      = fs.Int("dns", 0, "dns address suffix (server only)")
		from     = fs.Int("from", 100, "allocation range start suffix (server only)")
		to       = fs.Int("to", 199, "allocation range end suffix (server only)")
		subnet   = fs.String("subnet", "255.255.255.0", "subnet mask")
		leaseDB  = fs.String("lease-db", "", "persistent lease database path (server only)")
		logLevel = fs.String("log-level", "info", "log level (trace|debug|info|warn|error)")
		logTime  = fs.Bool("log-time", false, "prefix log lines with timestamps")
		showVer  = fs.Bool("version", false, "print version and exit")
	)

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	if *showVer {
		fmt.Println("miracle-dhcp", version)
		return 0
	}

	level, err := logging.ParseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	logging.SetPrefix("miracle-dhcp")
	logging.SetDefault(logging.New(logging.Config{
		Level:    level,
		ShowTime: *logTime,
	}))
	log := logging.WithComponent("dhcp")

	cfg := supervisor.Config{
		Netdev:   *netdev,
		Server:   *server,
		Prefix:   *prefix,
		Subnet:   *subnet,
		CommFD:   *commFD,
		IPBinary: *ipBinary,
		LeaseDB:  *leaseDB,
		Logger:   log,
	}
	if *server {
		cfg.LocalSuffix = *local
		cfg.GatewaySuffix = *gateway
		cfg.DNSSuffix = *dns
		cfg.FromSuffix = *from
		cfg.ToSuffix = *to
	} else {
		// Server-only flags must not be smuggled into client mode.
		serverOnly := map[string]bool{"local": true, "gateway": true, "dns": true, "from": true, "to": true}
		bad := false
		fs.Visit(func(f *flag.Flag) {
			if serverOnly[f.Name] {
				fmt.Fprintf(os.Stderr, "--%s is only valid with --server\n", f.Name)
				bad = true
			}
		})
		if bad {
			return int(syscall.EINVAL)
		}
	}

	sup, err := supervisor.New(cfg)
	if err != nil {
		log.Error("setup failed", "error", err)
		return exitCode(err)
	}

	if err := sup.Run(); err != nil {
		log.Error("terminating", "error", err)
		return exitCode(err)
	}
	return 0
}

// exitCode maps an error onto the helper's exit status: the absolute value
// of the underlying errno when there is one, 1 otherwise.
func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return 1
}
