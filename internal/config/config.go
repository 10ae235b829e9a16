// Package config provides the miracle-dispd configuration model.
//
// The native format is HCL, matching the daemon's other tooling; YAML
// configs from older installs are still read (see loader.go).
package config

import (
	"fmt"
	"net"
)

// Config is the root configuration for miracle-dispd.
type Config struct {
	// LogLevel is one of trace, debug, info, warn, error.
	LogLevel string `hcl:"log_level,optional" yaml:"log_level"`

	// LogTime prepends timestamps to log lines.
	LogTime bool `hcl:"log_time,optional" yaml:"log_time"`

	// MetricsListen, when set, serves prometheus metrics on this address
	// (e.g. "127.0.0.1:9037").
	MetricsListen string `hcl:"metrics_listen,optional" yaml:"metrics_listen"`

	// RuntimeDir is where per-session runtime state lives.
	RuntimeDir string `hcl:"runtime_dir,optional" yaml:"runtime_dir"`

	// LeaseDB is the path of the persistent lease database used when this
	// side owns the P2P group and runs the DHCP server.
	LeaseDB string `hcl:"lease_db,optional" yaml:"lease_db"`

	// IPBinary overrides the ip(8) path handed to miracle-dhcp. Empty
	// selects the netlink applier.
	IPBinary string `hcl:"ip_binary,optional" yaml:"ip_binary"`

	DHCP *DHCPConfig `hcl:"dhcp,block" yaml:"dhcp"`
	RTSP *RTSPConfig `hcl:"rtsp,block" yaml:"rtsp"`
}

// DHCPConfig describes the ad-hoc network the supervisor brings up when a
// P2P group forms with us as the group owner.
type DHCPConfig struct {
	// Prefix is the first three octets of the group network, "a.b.c".
	Prefix string `hcl:"prefix,optional" yaml:"prefix"`

	// Subnet is the dotted netmask.
	Subnet string `hcl:"subnet,optional" yaml:"subnet"`

	// LocalSuffix is the host part of the group owner's address.
	LocalSuffix int `hcl:"local,optional" yaml:"local"`

	// FromSuffix/ToSuffix bound the server's allocation range.
	FromSuffix int `hcl:"from,optional" yaml:"from"`
	ToSuffix   int `hcl:"to,optional" yaml:"to"`

	// DNS is read from the configuration only; it is not passed to the
	// DHCP helper, so clients are not handed a DNS server from it.
	DNS string `hcl:"dns,optional" yaml:"dns"`
}

// RTSPConfig tunes the session control channel.
type RTSPConfig struct {
	// Port is the RTSP control port, 7236 by default.
	Port int `hcl:"port,optional" yaml:"port"`

	// KeepaliveSeconds is the M16 keepalive interval.
	KeepaliveSeconds int `hcl:"keepalive_seconds,optional" yaml:"keepalive_seconds"`
}

// Default returns a Config with every field at its documented default.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		RuntimeDir: "/run/miraclecast",
		LeaseDB:    "/var/lib/miraclecast/leases.db",
		DHCP: &DHCPConfig{
			Prefix:      "192.168.77",
			Subnet:      "255.255.255.0",
			LocalSuffix: 1,
			FromSuffix:  100,
			ToSuffix:    199,
		},
		RTSP: &RTSPConfig{
			Port:             7236,
			KeepaliveSeconds: 30,
		},
	}
}

// Validate checks the configuration for obvious mistakes.
func (c *Config) Validate() error {
	if c.DHCP != nil {
		if ip := net.ParseIP(c.DHCP.Prefix + ".0"); ip == nil {
			return fmt.Errorf("dhcp: invalid prefix %q", c.DHCP.Prefix)
		}
		if ip := net.ParseIP(c.DHCP.Subnet); ip == nil {
			return fmt.Errorf("dhcp: invalid subnet %q", c.DHCP.Subnet)
		}
		if c.DHCP.FromSuffix < 1 || c.DHCP.FromSuffix > 254 ||
			c.DHCP.ToSuffix < 1 || c.DHCP.ToSuffix > 254 {
			return fmt.Errorf("dhcp: allocation range %d..%d out of bounds",
				c.DHCP.FromSuffix, c.DHCP.ToSuffix)
		}
		if c.DHCP.FromSuffix > c.DHCP.ToSuffix {
			return fmt.Errorf("dhcp: allocation range %d..%d reversed",
				c.DHCP.FromSuffix, c.DHCP.ToSuffix)
		}
	}
	if c.RTSP != nil && (c.RTSP.Port < 1 || c.RTSP.Port > 65535) {
		return fmt.Errorf("rtsp: invalid port %d", c.RTSP.Port)
	}
	return nil
}

// merge fills zero-valued fields of c from d.
func (c *Config) merge(d *Config) {
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.RuntimeDir == "" {
		c.RuntimeDir = d.RuntimeDir
	}
	if c.LeaseDB == "" {
		c.LeaseDB = d.LeaseDB
	}
	if c.DHCP == nil {
		c.DHCP = d.DHCP
	} else {
		if c.DHCP.Prefix == "" {
			c.DHCP.Prefix = d.DHCP.Prefix
		}
		if c.DHCP.Subnet == "" {
			c.DHCP.Subnet = d.DHCP.Subnet
		}
		if c.DHCP.LocalSuffix == 0 {
			c.DHCP.LocalSuffix = d.DHCP.LocalSuffix
		}
		if c.DHCP.FromSuffix == 0 {
			c.DHCP.FromSuffix = d.DHCP.FromSuffix
		}
		if c.DHCP.ToSuffix == 0 {
			c.DHCP.ToSuffix = d.DHCP.ToSuffix
		}
	}
	if c.RTSP == nil {
		c.RTSP = d.RTSP
	} else {
		if c.RTSP.Port == 0 {
			c.RTSP.Port = d.RTSP.Port
		}
		if c.RTSP.KeepaliveSeconds == 0 {
			c.RTSP.KeepaliveSeconds = d.RTSP.KeepaliveSeconds
		}
	}
}
